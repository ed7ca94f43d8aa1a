package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const tempPrefix = ".tmp-"

// Option 调整 fileStore 的可选行为，主要供测试注入时钟。
type Option func(*fileStore)

// WithClock 替换默认的 time.Now。
func WithClock(now func() time.Time) Option {
	return func(s *fileStore) {
		if now != nil {
			s.now = now
		}
	}
}

// WithKeyAlgorithm 指定缓存键摘要算法。
func WithKeyAlgorithm(algo KeyAlgorithm) Option {
	return func(s *fileStore) {
		s.algo = algo
	}
}

// WithSweepLockPath 覆盖跨进程清理锁的位置，传空字符串表示禁用。
func WithSweepLockPath(path string) Option {
	return func(s *fileStore) {
		s.lockPath = path
	}
}

// NewStore 以 dir 为根目录构建磁盘缓存，整站复用一份实例。
func NewStore(dir string, ttl time.Duration, opts ...Option) (Store, error) {
	if dir == "" {
		return nil, errors.New("cache dir required")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("invalid cache ttl: %s", ttl)
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve cache dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	store := &fileStore{
		dir:      abs,
		ttl:      ttl,
		algo:     KeyAlgorithmBLAKE3,
		now:      time.Now,
		lockPath: abs + ".sweep.lock",
		locks:    make(map[string]*entryLock),
	}
	for _, opt := range opts {
		opt(store)
	}
	if _, err := ParseKeyAlgorithm(string(store.algo)); err != nil {
		return nil, err
	}
	return store, nil
}

// fileStore 通过 entryLock 串行化同一 key 的写入与删除，不同 key 互不阻塞。
type fileStore struct {
	dir      string
	ttl      time.Duration
	algo     KeyAlgorithm
	now      func() time.Time
	lockPath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Key(identifier string) string {
	return DeriveKey(s.algo, identifier)
}

func (s *fileStore) IsFresh(ctx context.Context, identifier string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	key := s.Key(identifier)
	info, err := os.Stat(s.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, storageError("stat", key, err)
	}
	if info.IsDir() {
		return false, nil
	}
	if s.fresh(info.ModTime()) {
		return true, nil
	}
	if _, err := s.removeIfStale(key); err != nil {
		return false, err
	}
	return false, nil
}

func (s *fileStore) Read(ctx context.Context, identifier string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	key := s.Key(identifier)
	f, err := os.Open(s.entryPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, storageError("open", key, err)
	}

	// 基于已打开的句柄判断新鲜度并读取，rename 替换不会影响这份 inode。
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, false, storageError("stat", key, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, false, nil
	}
	if !s.fresh(info.ModTime()) {
		f.Close()
		if _, err := s.removeIfStale(key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	payload, err := io.ReadAll(f)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, false, storageError("read", key, err)
	}
	return payload, true, nil
}

func (s *fileStore) Write(ctx context.Context, identifier string, payload []byte) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key := s.Key(identifier)
	unlock := s.lockEntry(key)
	defer unlock()

	filePath := s.entryPath(key)
	tempFile, err := os.CreateTemp(s.dir, tempPrefix+"*")
	if err != nil {
		return nil, storageError("create", key, err)
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(payload)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return nil, storageError("write", key, err)
	}

	// 先打时间戳再 rename，清理方看到的永远是带正确时间戳的完整文件。
	storedAt := s.now()
	if err := os.Chtimes(tempName, storedAt, storedAt); err != nil {
		os.Remove(tempName)
		return nil, storageError("chtimes", key, err)
	}
	if err := os.Rename(tempName, filePath); err != nil {
		os.Remove(tempName)
		return nil, storageError("rename", key, err)
	}

	return &Entry{
		Key:       key,
		FilePath:  filePath,
		SizeBytes: int64(len(payload)),
		StoredAt:  storedAt,
	}, nil
}

func (s *fileStore) SweepExpired(ctx context.Context) (int, error) {
	if s.lockPath != "" {
		lock := flock.New(s.lockPath)
		ok, err := lock.TryLock()
		if err != nil {
			return 0, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			return 0, ErrSweepLocked
		}
		defer func() { _ = lock.Unlock() }()
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, storageError("readdir", s.dir, err)
	}

	var (
		deleted int
		errs    []error
	)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, storageError("stat", entry.Name(), err))
			}
			continue
		}
		if s.fresh(info.ModTime()) {
			continue
		}
		removed, err := s.removeIfStale(entry.Name())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if removed {
			deleted++
		}
	}
	return deleted, errors.Join(errs...)
}

func (s *fileStore) ClearAll(ctx context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return storageError("readdir", s.dir, err)
	}

	var errs []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			continue
		}
		if err := s.remove(entry.Name()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) Stats(ctx context.Context) (Stats, error) {
	stats := Stats{Dir: s.dir, TTL: s.ttl, KeyAlgorithm: s.algo}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return stats, storageError("readdir", s.dir, err)
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if entry.IsDir() || !isKeyName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		stats.Entries++
		stats.SizeBytes += info.Size()
	}
	return stats, nil
}

// removeIfStale 在 key 锁内重新 stat，避免根据过期信息误删刚写入的新条目。
func (s *fileStore) removeIfStale(name string) (bool, error) {
	unlock := s.lockEntry(name)
	defer unlock()

	info, err := os.Stat(s.entryPath(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, storageError("stat", name, err)
	}
	if s.fresh(info.ModTime()) {
		return false, nil
	}
	if err := os.Remove(s.entryPath(name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, storageError("remove", name, err)
	}
	return true, nil
}

func (s *fileStore) remove(name string) error {
	unlock := s.lockEntry(name)
	defer unlock()

	if err := os.Remove(s.entryPath(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storageError("remove", name, err)
	}
	return nil
}

// fresh 当且仅当 now - storedAt < TTL。
func (s *fileStore) fresh(storedAt time.Time) bool {
	return s.now().Sub(storedAt) < s.ttl
}

func (s *fileStore) lockEntry(name string) func() {
	s.mu.Lock()
	lock := s.locks[name]
	if lock == nil {
		lock = &entryLock{}
		s.locks[name] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, name)
		}
		s.mu.Unlock()
	}
}

func (s *fileStore) entryPath(name string) string {
	return filepath.Join(s.dir, filepath.Base(strings.TrimSpace(name)))
}
