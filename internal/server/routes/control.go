package routes

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/shellcache/internal/generation"
	"github.com/any-hub/shellcache/internal/install"
	"github.com/any-hub/shellcache/internal/policy"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/update"
)

// InstallCapableHeader 由宿主设置，声明其支持“添加到主屏幕”。
const InstallCapableHeader = "X-Install-Capable"

// ControlOptions 汇总控制面依赖。
type ControlOptions struct {
	Registry    *server.SessionRegistry
	Manager     *generation.Manager
	Coordinator *update.Coordinator
	Install     *install.Controller
	// StorageUsage 返回人类可读的存储占用，可为空。
	StorageUsage func() string
}

// RegisterControlRoutes 暴露 /-/ 下的会话、状态、更新与安装接口。
func RegisterControlRoutes(app *fiber.App, opts ControlOptions) {
	if app == nil || opts.Registry == nil || opts.Manager == nil {
		return
	}

	app.Get("/-/sessions", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"sessions": opts.Registry.Sessions()})
	})

	app.Post("/-/sessions", func(c fiber.Ctx) error {
		session := opts.Registry.Open(c.Context())
		c.Set(server.SessionHeader, session.ID())
		c.Cookie(&fiber.Cookie{
			Name:     server.SessionCookie,
			Value:    session.ID(),
			Path:     "/",
			HTTPOnly: true,
			SameSite: fiber.CookieSameSiteLaxMode,
			Expires:  opts.Registry.CookieExpires(),
		})
		return c.Status(fiber.StatusCreated).JSON(session.Info())
	})

	app.Post("/-/sessions/:id/restart", func(c fiber.Ctx) error {
		session, ok := opts.Registry.Restart(c.Context(), c.Params("id"))
		if !ok {
			return writeError(c, fiber.StatusNotFound, "session_not_found")
		}
		return c.JSON(session.Info())
	})

	app.Delete("/-/sessions/:id", func(c fiber.Ctx) error {
		if !opts.Registry.Close(c.Context(), c.Params("id")) {
			return writeError(c, fiber.StatusNotFound, "session_not_found")
		}
		return c.SendStatus(fiber.StatusNoContent)
	})

	app.Get("/-/status", func(c fiber.Ctx) error {
		payload := statusPayload{
			Generations: opts.Manager.Snapshot(),
			Sessions:    opts.Registry.Sessions(),
			Routes:      encodeRoutes(opts.Registry.Table()),
		}
		if active := opts.Manager.Active(); active != nil {
			payload.Active = active.Hash()
		}
		if opts.Coordinator != nil {
			status := opts.Coordinator.Status()
			payload.Update = &status
		}
		if opts.StorageUsage != nil {
			payload.Storage = opts.StorageUsage()
		}
		return c.JSON(payload)
	})

	if opts.Coordinator != nil {
		app.Get("/-/update", func(c fiber.Ctx) error {
			return c.JSON(fiber.Map{
				"status":  opts.Coordinator.Status(),
				"history": opts.Coordinator.History(),
			})
		})

		app.Post("/-/update", func(c fiber.Ctx) error {
			err := opts.Coordinator.Check(c.Context())
			switch {
			case err == nil:
				return c.JSON(opts.Coordinator.Status())
			case errors.Is(err, update.ErrCycleInProgress):
				return writeError(c, fiber.StatusConflict, "update_in_progress")
			default:
				return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
					"error":  "update_failed",
					"detail": err.Error(),
					"status": opts.Coordinator.Status(),
				})
			}
		})
	}

	if opts.Install != nil {
		app.Get("/-/install", func(c fiber.Ctx) error {
			return c.JSON(opts.Install.Eligible(installCapable(c)))
		})

		app.Post("/-/install/accept", func(c fiber.Ctx) error {
			if err := opts.Install.Accept(c.Context()); err != nil {
				return writeError(c, fiber.StatusInternalServerError, "install_state_write_failed")
			}
			return c.SendStatus(fiber.StatusNoContent)
		})

		app.Post("/-/install/dismiss", func(c fiber.Ctx) error {
			if err := opts.Install.Dismiss(c.Context()); err != nil {
				return writeError(c, fiber.StatusInternalServerError, "install_state_write_failed")
			}
			return c.SendStatus(fiber.StatusNoContent)
		})
	}

	registerWebManifest(app, opts.Manager)
}

type statusPayload struct {
	Active      string                   `json:"active,omitempty"`
	Update      *update.Status           `json:"update,omitempty"`
	Generations []generation.Info        `json:"generations"`
	Sessions    []generation.SessionInfo `json:"sessions"`
	Routes      []routePayload           `json:"routes"`
	Storage     string                   `json:"storage,omitempty"`
}

type routePayload struct {
	Name      string `json:"name"`
	Pattern   string `json:"pattern"`
	Policy    string `json:"policy"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
	Store     bool   `json:"store"`
}

func encodeRoutes(table *policy.Table) []routePayload {
	if table == nil {
		return nil
	}
	rules := append(table.Rules(), table.Fallback())
	result := make([]routePayload, 0, len(rules))
	for _, rule := range rules {
		result = append(result, routePayload{
			Name:      rule.Name,
			Pattern:   rule.Pattern,
			Policy:    string(rule.Profile.Kind),
			TimeoutMS: rule.Profile.Timeout.Milliseconds(),
			Store:     rule.Profile.Store,
		})
	}
	return result
}

func installCapable(c fiber.Ctx) bool {
	switch strings.ToLower(strings.TrimSpace(c.Get(InstallCapableHeader))) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}
