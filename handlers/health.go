package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sahilchouksey/enrollpay-api/database"
	"github.com/sahilchouksey/enrollpay-api/utils/response"
)

// HandleCheckHealth handles GET /ping
func HandleCheckHealth(store database.Storage) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if err := store.HealthCheck(); err != nil {
			return response.Error(c, fiber.StatusServiceUnavailable, "Database unavailable", "SERVICE_UNAVAILABLE")
		}
		return response.Success(c, fiber.Map{"status": "ok"})
	}
}
