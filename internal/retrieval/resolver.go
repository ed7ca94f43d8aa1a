// Package retrieval implements the cache-aside decision for a single media
// request: serve a fresh cached copy, or fall through to the remote fetch,
// store the result best-effort and hand the bytes back. Concurrent misses for
// the same identifier share one remote fetch.
package retrieval

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/any-hub/teleblob/internal/cache"
	"github.com/any-hub/teleblob/internal/logging"
)

// FetchFunc 由调用方提供，负责从远端拉取 identifier 对应的字节；重试策略属于远端实现。
type FetchFunc func(ctx context.Context, identifier string) ([]byte, error)

// Result 携带返回字节以及是否命中缓存（仅用于日志）。
type Result struct {
	Payload  []byte
	CacheHit bool
}

// ErrNoFetcher 表示未提供回源函数。
var ErrNoFetcher = errors.New("remote fetch function required")

// Resolver 不持有跨请求状态，除了正在进行中的回源合并表。
type Resolver struct {
	store  cache.Store
	logger *logrus.Logger
	flight singleflight.Group
}

// NewResolver 组合缓存与日志，logger 为空时使用 logrus 标准 logger。
func NewResolver(store cache.Store, logger *logrus.Logger) *Resolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{
		store:  store,
		logger: logger,
	}
}

// Key 返回 identifier 在缓存中的键，供日志使用。
func (r *Resolver) Key(identifier string) string {
	return r.store.Key(identifier)
}

// Resolve 先查缓存，未命中时回源并尽力写回缓存。
//
// 回源与写缓存运行在脱离调用方取消信号的 context 上：调用方放弃等待时立即返回
// ctx.Err()，而共享的回源继续完成并填充缓存，供下一个请求者使用。
func (r *Resolver) Resolve(ctx context.Context, identifier string, fetch FetchFunc) (Result, error) {
	if fetch == nil {
		return Result{}, ErrNoFetcher
	}

	payload, ok, err := r.store.Read(ctx, identifier)
	if err != nil {
		return Result{}, err
	}
	if ok {
		return Result{Payload: payload, CacheHit: true}, nil
	}

	key := r.store.Key(identifier)
	detached := context.WithoutCancel(ctx)
	ch := r.flight.DoChan(key, func() (interface{}, error) {
		return r.fetchAndStore(detached, identifier, key, fetch)
	})

	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		body, _ := res.Val.([]byte)
		return Result{Payload: body}, nil
	}
}

func (r *Resolver) fetchAndStore(ctx context.Context, identifier, key string, fetch FetchFunc) ([]byte, error) {
	// 另一个 flight 可能刚好在我们查缓存之后写入。
	if payload, ok, err := r.store.Read(ctx, identifier); err == nil && ok {
		return payload, nil
	}

	started := time.Now()
	payload, err := fetch(ctx, identifier)
	if err != nil {
		return nil, err
	}

	if _, err := r.store.Write(ctx, identifier, payload); err != nil {
		fields := logging.RequestFields(identifier, key, false)
		fields["action"] = "cache_write"
		fields["size_bytes"] = len(payload)
		fields["fetch_ms"] = time.Since(started).Milliseconds()
		r.logger.WithFields(fields).WithError(err).Warn("cache_write_failed")
	}
	return payload, nil
}
