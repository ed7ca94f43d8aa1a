package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

var repoRoot string

func init() {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return
	}
	dir := filepath.Dir(file)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			repoRoot = dir
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

func projectRoot(t *testing.T) string {
	t.Helper()
	if repoRoot == "" {
		t.Fatal("无法定位项目根目录")
	}
	return repoRoot
}

func configFixture(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join(projectRoot(t), "internal", "config", "testdata", name)
}

// isolateEnv 清空会覆盖配置文件的环境变量。
func isolateEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID", "PORT", "CACHE_DIR", "CACHE_TTL_SECONDS",
		"TELEBLOB_TELEGRAM_BOTTOKEN", "TELEBLOB_TELEGRAM_CHATID", "TELEBLOB_LISTENPORT",
		"TELEBLOB_CACHEDIR", "TELEBLOB_CACHETTL", "TELEBLOB_CONFIG",
	} {
		t.Setenv(env, "")
	}
}

// useBufferWriters 在测试期间把 stdOut/stdErr 替换为内存缓冲。
func useBufferWriters(t *testing.T) {
	t.Helper()
	prevOut, prevErr := stdOut, stdErr
	stdOut = &bytes.Buffer{}
	stdErr = &bytes.Buffer{}
	t.Cleanup(func() {
		stdOut = prevOut
		stdErr = prevErr
	})
}

func stdOutBuffer() *bytes.Buffer {
	buf, _ := stdOut.(*bytes.Buffer)
	return buf
}

func stdErrBuffer() *bytes.Buffer {
	buf, _ := stdErr.(*bytes.Buffer)
	return buf
}
