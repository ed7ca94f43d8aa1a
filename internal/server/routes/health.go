package routes

import (
	"time"

	"github.com/gofiber/fiber/v3"
)

const serviceDisplayName = "TeleBlob"

// RegisterHealthRoutes 暴露 /health 探活接口。
func RegisterHealthRoutes(app *fiber.App) {
	app.Get("/health", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":    "ok",
			"service":   serviceDisplayName,
			"timestamp": time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	})
}
