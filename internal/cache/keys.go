package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

// KeyAlgorithm 决定 identifier → 缓存键的摘要算法。
type KeyAlgorithm string

const (
	// KeyAlgorithmBLAKE3 输出 128 位 BLAKE3 摘要，默认算法。
	KeyAlgorithmBLAKE3 KeyAlgorithm = "blake3"
	// KeyAlgorithmMD5 兼容早期服务创建的缓存目录。
	KeyAlgorithmMD5 KeyAlgorithm = "md5"
)

// keySize 为摘要字节数，十六进制编码后固定 32 个字符。
const keySize = 16

// ParseKeyAlgorithm 规范化配置值，空字符串回退到 BLAKE3。
func ParseKeyAlgorithm(raw string) (KeyAlgorithm, error) {
	switch KeyAlgorithm(strings.ToLower(strings.TrimSpace(raw))) {
	case "", KeyAlgorithmBLAKE3:
		return KeyAlgorithmBLAKE3, nil
	case KeyAlgorithmMD5:
		return KeyAlgorithmMD5, nil
	default:
		return "", fmt.Errorf("unsupported key algorithm: %s", raw)
	}
}

// DeriveKey 是纯函数：相同算法与 identifier 永远得到相同的键，跨进程重启稳定。
func DeriveKey(algo KeyAlgorithm, identifier string) string {
	if algo == KeyAlgorithmMD5 {
		sum := md5.Sum([]byte(identifier))
		return hex.EncodeToString(sum[:])
	}
	hasher := blake3.New(keySize, nil)
	_, _ = hasher.Write([]byte(identifier))
	return hex.EncodeToString(hasher.Sum(nil))
}

// isKeyName 过滤掉临时文件等非缓存条目。
func isKeyName(name string) bool {
	if len(name) != keySize*2 {
		return false
	}
	_, err := hex.DecodeString(name)
	return err == nil
}
