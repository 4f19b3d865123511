package server

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/generation"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/policy"
)

const (
	// SessionHeader 携带会话 ID，优先于 cookie。
	SessionHeader = "X-Shellcache-Session"
	// SessionCookie 是浏览器场景下的会话 cookie 名。
	SessionCookie = "shellcache_session"
)

// Route 聚合一次被拦截请求所需的上下文：命中的路由规则、所属会话与源站地址。
type Route struct {
	// Rule 是静态路由表中第一条命中的规则（或兜底规则）。
	Rule policy.Rule
	// Session 固定了本次请求解析时使用的代际。
	Session *generation.Session
	// Opened 表示会话是本次请求自动打开的。
	Opened     bool
	Origin     *url.URL
	ListenPort int
}

// SessionRegistry 管理会话生命周期并把请求映射为 Route。
// 每次会话打开、重启或关闭都会触发 boundary 回调（通常是 update.Coordinator.SessionBoundary）。
type SessionRegistry struct {
	mgr      *generation.Manager
	table    *policy.Table
	origin   *url.URL
	port     int
	idle     time.Duration
	logger   *logrus.Logger
	boundary func(context.Context)
}

// RegistryOptions 描述构建 SessionRegistry 所需的依赖。
type RegistryOptions struct {
	Manager  *generation.Manager
	Table    *policy.Table
	Logger   *logrus.Logger
	Boundary func(context.Context)
}

// NewSessionRegistry 根据配置构建会话注册表。调用方应在启动阶段创建一次并复用。
func NewSessionRegistry(cfg *config.Config, opts RegistryOptions) (*SessionRegistry, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if opts.Manager == nil {
		return nil, errors.New("generation manager is required")
	}
	if opts.Table == nil {
		return nil, errors.New("route table is required")
	}
	origin, err := OriginURL(cfg)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	return &SessionRegistry{
		mgr:      opts.Manager,
		table:    opts.Table,
		origin:   origin,
		port:     cfg.Global.ListenPort,
		idle:     cfg.App.SessionIdleTimeout.DurationValue(),
		logger:   logger,
		boundary: opts.Boundary,
	}, nil
}

// SetBoundary 替换会话边界回调，用于 Coordinator 晚于注册表创建的场景。
func (r *SessionRegistry) SetBoundary(fn func(context.Context)) {
	r.boundary = fn
}

// Open 打开新会话并固定到当前 Active 代际。
func (r *SessionRegistry) Open(ctx context.Context) *generation.Session {
	session := r.mgr.OpenSession()
	r.logSession("session_open", session)
	r.fireBoundary(ctx)
	return session
}

// Lookup 根据 ID 查找未关闭的会话。
func (r *SessionRegistry) Lookup(id string) (*generation.Session, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false
	}
	return r.mgr.Session(id)
}

// Restart 将会话重新固定到当前 Active 代际。
func (r *SessionRegistry) Restart(ctx context.Context, id string) (*generation.Session, bool) {
	session, ok := r.Lookup(id)
	if !ok {
		return nil, false
	}
	session.Restart()
	r.logSession("session_restart", session)
	r.fireBoundary(ctx)
	return session, true
}

// Close 关闭会话并释放其代际引用。
func (r *SessionRegistry) Close(ctx context.Context, id string) bool {
	session, ok := r.Lookup(id)
	if !ok {
		return false
	}
	session.Close()
	r.logSession("session_close", session)
	r.fireBoundary(ctx)
	return true
}

// Sessions 返回所有打开的会话视图。
func (r *SessionRegistry) Sessions() []generation.SessionInfo {
	return r.mgr.Sessions()
}

// CookieExpires 返回新会话 cookie 的过期时间，与空闲回收时长一致。
func (r *SessionRegistry) CookieExpires() time.Time {
	idle := r.idle
	if idle <= 0 {
		idle = 24 * time.Hour
	}
	return time.Now().Add(idle)
}

// Table 返回只读路由表。
func (r *SessionRegistry) Table() *policy.Table {
	return r.table
}

// Resolve 为请求定位会话（header > cookie，缺失或未知时自动打开）并分类路由。
func (r *SessionRegistry) Resolve(c fiber.Ctx) *Route {
	ctx := c.Context()
	id := strings.TrimSpace(c.Get(SessionHeader))
	if id == "" {
		id = c.Cookies(SessionCookie)
	}

	session, ok := r.Lookup(id)
	opened := false
	if ok {
		session.Touch()
	} else {
		session = r.Open(ctx)
		opened = true
	}
	return &Route{
		Rule:       r.table.Classify(string(c.Request().URI().Path())),
		Session:    session,
		Opened:     opened,
		Origin:     r.origin,
		ListenPort: r.port,
	}
}

func (r *SessionRegistry) fireBoundary(ctx context.Context) {
	if r.boundary == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.boundary(ctx)
}

func (r *SessionRegistry) logSession(action string, session *generation.Session) {
	info := session.Info()
	r.logger.WithFields(logrus.Fields{
		"action":     action,
		"session":    info.ID,
		"generation": logging.ShortHash(info.Generation),
		"outdated":   info.Outdated,
	}).Info("session_boundary")
}
