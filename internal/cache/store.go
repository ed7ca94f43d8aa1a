package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Store 负责管理磁盘缓存的读写。磁盘布局遵循：
//
//	<CacheDir>/<hex key>    # 原始字节，ModTime 即缓存时间
//
// 目录列表本身就是唯一的事实来源，不存在额外的元数据文件。
type Store interface {
	// Key 返回 identifier 对应的缓存键（固定 32 位十六进制）。
	Key(identifier string) string

	// IsFresh 判断缓存是否存在且未过期；过期条目会在检查时被顺带删除。
	IsFresh(ctx context.Context, identifier string) (bool, error)

	// Read 返回新鲜缓存的完整字节。未命中或已过期时返回 (nil, false, nil)，
	// 只有真正的 I/O 故障才返回 error。
	Read(ctx context.Context, identifier string) ([]byte, bool, error)

	// Write 通过临时文件 + rename 原子替换旧条目，并把时间戳设为当前时间。
	Write(ctx context.Context, identifier string, payload []byte) (*Entry, error)

	// SweepExpired 删除所有达到 TTL 的条目并返回删除数量。
	SweepExpired(ctx context.Context) (int, error)

	// ClearAll 无条件清空缓存目录，仅供管理操作使用。
	ClearAll(ctx context.Context) error

	// Stats 汇总当前缓存目录的条目数与占用字节。
	Stats(ctx context.Context) (Stats, error)
}

// Entry 描述一次成功写入后的缓存条目。
type Entry struct {
	Key       string    `json:"key"`
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	StoredAt  time.Time `json:"stored_at"`
}

// Stats 供诊断接口输出缓存概况。
type Stats struct {
	Dir          string        `json:"dir"`
	TTL          time.Duration `json:"-"`
	KeyAlgorithm KeyAlgorithm  `json:"key_algorithm"`
	Entries      int           `json:"entries"`
	SizeBytes    int64         `json:"size_bytes"`
}

var (
	// ErrStorageFailure 包装所有缓存文件的读写/删除故障。
	ErrStorageFailure = errors.New("cache storage failure")
	// ErrSweepLocked 表示其他进程正在清理同一缓存目录，本轮清理被跳过。
	ErrSweepLocked = errors.New("cache sweep already running")
)

func storageError(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrStorageFailure, op, key, err)
}
