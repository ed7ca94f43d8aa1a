package routes

import (
	"errors"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/teleblob/internal/cache"
	"github.com/any-hub/teleblob/internal/server"
)

type cacheStatsPayload struct {
	Dir          string             `json:"dir"`
	TTLSeconds   int64              `json:"ttl_seconds"`
	KeyAlgorithm cache.KeyAlgorithm `json:"key_algorithm"`
	Entries      int                `json:"entries"`
	SizeBytes    int64              `json:"size_bytes"`
}

// RegisterCacheRoutes 暴露 /-/cache 诊断接口：查看概况、手动清理过期条目、清空缓存。
func RegisterCacheRoutes(store cache.Store, sweeper *cache.Sweeper) server.RouteRegistrar {
	return func(app *fiber.App) {
		if store == nil || sweeper == nil {
			return
		}

		app.Get("/-/cache", func(c fiber.Ctx) error {
			stats, err := store.Stats(c.Context())
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_stats_failed", "message": err.Error()})
			}
			return c.JSON(encodeStats(stats))
		})

		app.Post("/-/cache/sweep", func(c fiber.Ctx) error {
			deleted, err := sweeper.SweepOnce(c.Context(), "admin")
			switch {
			case errors.Is(err, cache.ErrSweepLocked):
				return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "sweep_in_progress"})
			case err != nil:
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_sweep_failed", "deleted": deleted, "message": err.Error()})
			}
			return c.JSON(fiber.Map{"deleted": deleted})
		})

		app.Delete("/-/cache", func(c fiber.Ctx) error {
			if err := store.ClearAll(c.Context()); err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_clear_failed", "message": err.Error()})
			}
			return c.JSON(fiber.Map{"cleared": true})
		})
	}
}

func encodeStats(stats cache.Stats) cacheStatsPayload {
	return cacheStatsPayload{
		Dir:          stats.Dir,
		TTLSeconds:   int64(stats.TTL.Seconds()),
		KeyAlgorithm: stats.KeyAlgorithm,
		Entries:      stats.Entries,
		SizeBytes:    stats.SizeBytes,
	}
}
