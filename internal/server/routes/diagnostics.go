package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/memory-bank/internal/cache"
	"github.com/any-hub/memory-bank/internal/version"
)

// StatsProvider 由读缓存实现，诊断接口通过它读取命中统计。
type StatsProvider interface {
	Stats() cache.Stats
}

// RegisterDiagnosticRoutes 暴露 /-/healthz 与 /-/cache 诊断接口，供运维确认服务与缓存状态。
func RegisterDiagnosticRoutes(app *fiber.App, stats StatsProvider) {
	if app == nil {
		return
	}

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "ok",
			"version": version.Full(),
		})
	})

	if stats == nil {
		return
	}
	app.Get("/-/cache", func(c fiber.Ctx) error {
		return c.JSON(encodeStats(stats.Stats()))
	})
}

type cacheStatsPayload struct {
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Entries    int    `json:"entries"`
	TTLSeconds int64  `json:"ttl_seconds"`
}

func encodeStats(stats cache.Stats) cacheStatsPayload {
	return cacheStatsPayload{
		Hits:       stats.Hits,
		Misses:     stats.Misses,
		Entries:    stats.Entries,
		TTLSeconds: int64(stats.TTL.Seconds()),
	}
}
