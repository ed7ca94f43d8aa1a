package config

import (
	"os"
	"path/filepath"
	"testing"
)

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	isolateEnv(t)
	return filepath.Join("testdata", name)
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	isolateEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}

// isolateEnv 清空会覆盖配置的环境变量，避免宿主环境影响断言。
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, env := range legacyEnv {
		t.Setenv(env, "")
	}
	for key := range legacyEnv {
		t.Setenv(EnvPrefix+"_"+upperKey(key), "")
	}
}

func upperKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		ch := key[i]
		switch {
		case ch == '.':
			ch = '_'
		case ch >= 'a' && ch <= 'z':
			ch -= 'a' - 'A'
		}
		out = append(out, ch)
	}
	return string(out)
}
