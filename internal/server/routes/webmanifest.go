package routes

import (
	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/shellcache/internal/generation"
	"github.com/any-hub/shellcache/internal/server"
)

// registerWebManifest 输出 Active 代际的 AppIdentity，客户端据此判断可安装性。
func registerWebManifest(app *fiber.App, mgr *generation.Manager) {
	app.Get(server.WebManifestPath, func(c fiber.Ctx) error {
		active := mgr.Active()
		if active == nil {
			return writeError(c, fiber.StatusNotFound, "no_active_generation")
		}
		identity := active.Manifest().Identity()
		c.Set(fiber.HeaderCacheControl, "no-cache")
		c.Set("X-Shellcache-Generation", active.Hash())
		return c.JSON(identity, "application/manifest+json")
	})
}
