package cache

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper 周期性调用 SweepExpired，interval <= 0 时只支持手动 SweepOnce。
type Sweeper struct {
	store    Store
	interval time.Duration
	logger   *logrus.Logger
}

// NewSweeper 构造清理器，logger 为空时使用 logrus 标准 logger。
func NewSweeper(store Store, interval time.Duration, logger *logrus.Logger) *Sweeper {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
	}
}

// SweepOnce 执行一次清理并输出结构化日志，reason 区分 startup/interval/admin。
func (s *Sweeper) SweepOnce(ctx context.Context, reason string) (int, error) {
	started := time.Now()
	deleted, err := s.store.SweepExpired(ctx)
	fields := logrus.Fields{
		"action":     "cache_sweep",
		"reason":     reason,
		"deleted":    deleted,
		"elapsed_ms": time.Since(started).Milliseconds(),
	}
	switch {
	case errors.Is(err, ErrSweepLocked):
		s.logger.WithFields(fields).Debug("cache_sweep_skipped")
	case err != nil:
		s.logger.WithFields(fields).WithError(err).Warn("cache_sweep_failed")
	case deleted > 0:
		s.logger.WithFields(fields).Info("cache_sweep_complete")
	default:
		s.logger.WithFields(fields).Debug("cache_sweep_complete")
	}
	return deleted, err
}

// Run 阻塞运行直到 ctx 结束。
func (s *Sweeper) Run(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = s.SweepOnce(ctx, "interval")
		}
	}
}
