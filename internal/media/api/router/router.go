package router

import (
	"media_transcoder/internal/media/api/handlers"

	"github.com/gofiber/fiber/v2"
)

// RegisterRoutes 註冊 ops 路由
func RegisterRoutes(app *fiber.App, opsHandler *handlers.OpsHandler) {
	app.Get("/healthz", handlers.Healthz)
	app.Post("/debug", handlers.DebugLogFlag)

	app.Get("/jobs/:mediaId", opsHandler.GetJob)
	app.Get("/logs", opsHandler.FindLogs)
}
