package version

import "fmt"

// Name 是日志与 CLI 中使用的服务标识。
const Name = "teleblob"

// Version/Commit 构建时通过 -ldflags "-X" 注入。
var (
	Version = "0.1.0-dev"
	Commit  = "unknown"
)

// Full 返回形如 "teleblob 0.1.0 (abc123)" 的版本串。
func Full() string {
	return fmt.Sprintf("%s %s (%s)", Name, Version, Commit)
}
