package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/generation"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
	"github.com/any-hub/shellcache/internal/policy"
	"github.com/any-hub/shellcache/internal/server"
)

// 响应头。
const (
	HeaderSource     = "X-Shellcache-Source"
	HeaderGeneration = "X-Shellcache-Generation"
	HeaderOffline    = "X-Shellcache-Offline"
)

// 响应来源。
const (
	SourceCache   = "cache"
	SourceNetwork = "network"
	SourceOffline = "offline"
)

// maxResponseBytes 限制可写入缓存的单个响应大小，超出时仍透传但不缓存。
const maxResponseBytes = 32 << 20

// InterceptorOptions 描述拦截器依赖。
type InterceptorOptions struct {
	Client  *http.Client
	Manager *generation.Manager
	Logger  *logrus.Logger
	// OfflinePage 是离线兜底页面的路径（如 /offline.html），需包含在 manifest assets 中。
	OfflinePage string
}

// Interceptor 按路由规则的策略决定一次请求由缓存还是网络应答，
// 缓存查找始终针对会话固定的代际。
type Interceptor struct {
	client      *http.Client
	mgr         *generation.Manager
	logger      *logrus.Logger
	offlineKey  string
	bestEffort  chan struct{}
	fillTimeout time.Duration
}

// NewInterceptor constructs the fetch interceptor with the shared HTTP client.
func NewInterceptor(opts InterceptorOptions) *Interceptor {
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewDiscardLogger()
	}
	h := &Interceptor{
		client:      client,
		mgr:         opts.Manager,
		logger:      logger,
		bestEffort:  make(chan struct{}, 8),
		fillTimeout: 30 * time.Second,
	}
	if opts.OfflinePage != "" {
		if key, err := manifest.RequestKey(http.MethodGet, opts.OfflinePage); err == nil {
			h.offlineKey = key
		}
	}
	return h
}

// upstreamResponse 是已完整读取的网络响应。
type upstreamResponse struct {
	status    int
	header    http.Header
	body      []byte
	truncated bool
}

// Handle 实现 server.ProxyHandler。
func (h *Interceptor) Handle(c fiber.Ctx, route *server.Route) error {
	started := time.Now()
	method := c.Method()
	key, err := manifest.RequestKey(method, string(c.Request().URI().RequestURI()))
	if err != nil {
		return writeError(c, http.StatusBadRequest, "invalid_request")
	}
	gen := h.sessionGeneration(route)

	profile := route.Rule.Profile
	if method != http.MethodGet {
		// 非 GET 永不缓存，总是走网络。
		profile = policy.Profile{Kind: policy.KindNetworkOnly}
	}

	switch profile.Kind {
	case policy.KindCacheFirst:
		return h.cacheFirst(c, route, gen, key, started)
	case policy.KindNetworkOnly:
		return h.networkOnly(c, route, gen, key, profile, started)
	default:
		return h.networkFirst(c, route, gen, key, profile, started)
	}
}

// cacheFirst：命中直接返回；未命中回源并写入会话代际；网络失败走离线兜底。
func (h *Interceptor) cacheFirst(c fiber.Ctx, route *server.Route, gen *generation.Generation, key string, started time.Time) error {
	ctx := requestContext(c)
	if entry, ok := h.lookup(ctx, gen, key); ok {
		return h.serveEntry(c, route, gen, entry, started)
	}

	resp, err := h.fetch(ctx, c, route)
	if err != nil {
		return h.serveOffline(c, route, gen, key, started, err)
	}
	h.fill(ctx, gen, key, resp, false)
	return h.serveNetwork(c, route, gen, resp, started)
}

// networkFirst：在超时内优先网络；失败或超时回退到缓存，再回退到离线兜底。
func (h *Interceptor) networkFirst(c fiber.Ctx, route *server.Route, gen *generation.Generation, key string, profile policy.Profile, started time.Time) error {
	ctx := requestContext(c)
	fetchCtx := ctx
	if profile.Timeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, profile.Timeout)
		defer cancel()
	}

	resp, err := h.fetch(fetchCtx, c, route)
	if err == nil {
		if profile.Store {
			h.fill(ctx, gen, key, resp, false)
		}
		return h.serveNetwork(c, route, gen, resp, started)
	}

	h.logger.WithError(err).
		WithFields(h.requestFields(route, gen, "")).
		WithField("timeout_ms", profile.Timeout.Milliseconds()).
		Debug("network_first_fallback")
	if entry, ok := h.lookup(ctx, gen, key); ok {
		return h.serveEntry(c, route, gen, entry, started)
	}
	return h.serveOffline(c, route, gen, key, started, err)
}

// networkOnly：总是走网络；Store 时异步尽力写入缓存，不阻塞响应。
func (h *Interceptor) networkOnly(c fiber.Ctx, route *server.Route, gen *generation.Generation, key string, profile policy.Profile, started time.Time) error {
	ctx := requestContext(c)
	resp, err := h.fetch(ctx, c, route)
	if err != nil {
		return h.serveOffline(c, route, gen, key, started, err)
	}
	if profile.Store {
		h.fillAsync(gen, key, resp)
	}
	return h.serveNetwork(c, route, gen, resp, started)
}

func (h *Interceptor) sessionGeneration(route *server.Route) *generation.Generation {
	if route != nil && route.Session != nil {
		return route.Session.Generation()
	}
	return h.mgr.Active()
}

func (h *Interceptor) lookup(ctx context.Context, gen *generation.Generation, key string) (*generation.Entry, bool) {
	if gen == nil {
		return nil, false
	}
	entry, err := h.mgr.ResolveIn(ctx, gen, key)
	switch {
	case err == nil:
		return entry, true
	case errors.Is(err, generation.ErrMiss):
	default:
		h.logger.WithError(err).
			WithFields(logging.GenerationFields("cache_lookup", gen.Hash(), string(gen.State()))).
			WithField("key", key).
			Warn("cache_get_failed")
	}
	return nil, false
}

// fill 将成功的 GET 响应写入会话代际；Stale/Deleted 代际会被管理器拒绝。
func (h *Interceptor) fill(ctx context.Context, gen *generation.Generation, key string, resp *upstreamResponse, bestEffort bool) {
	if gen == nil || !isCacheableResponse(resp) {
		return
	}
	entry := generation.Entry{
		Key:         key,
		Body:        resp.body,
		ContentType: resp.header.Get("Content-Type"),
		FetchedAt:   time.Now().UTC(),
	}
	var err error
	if bestEffort {
		err = h.mgr.FillBestEffort(ctx, gen, entry)
	} else {
		err = h.mgr.Fill(ctx, gen, entry)
	}
	if err == nil {
		return
	}
	entryLog := h.logger.WithError(err).
		WithFields(logging.GenerationFields("cache_fill", gen.Hash(), string(gen.State()))).
		WithField("key", key)
	if errors.Is(err, generation.ErrNotWritable) {
		entryLog.Debug("cache_fill_skipped")
		return
	}
	entryLog.Warn("cache_fill_failed")
}

// fillAsync 在后台执行尽力写入，并发数受限，超出时直接放弃。
func (h *Interceptor) fillAsync(gen *generation.Generation, key string, resp *upstreamResponse) {
	if gen == nil || !isCacheableResponse(resp) {
		return
	}
	select {
	case h.bestEffort <- struct{}{}:
	default:
		h.logger.WithField("action", "cache_fill").WithField("key", key).Debug("best_effort_dropped")
		return
	}
	go func() {
		defer func() { <-h.bestEffort }()
		ctx, cancel := context.WithTimeout(context.Background(), h.fillTimeout)
		defer cancel()
		h.fill(ctx, gen, key, resp, true)
	}()
}

func isCacheableResponse(resp *upstreamResponse) bool {
	return resp != nil && resp.status == http.StatusOK && !resp.truncated
}

// fetch 将请求原样转发到源站（方法、URL、头、正文），并完整读取响应。
func (h *Interceptor) fetch(ctx context.Context, c fiber.Ctx, route *server.Route) (*upstreamResponse, error) {
	req, err := buildUpstreamRequest(ctx, c, route)
	if err != nil {
		return nil, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	result := &upstreamResponse{status: resp.StatusCode, header: resp.Header, body: body}
	if len(body) > maxResponseBytes {
		// 超限响应无法完整缓存，仍需完整透传：拼接剩余正文。
		rest, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read upstream body: %w", err)
		}
		result.body = append(body, rest...)
		result.truncated = true
	}
	return result, nil
}

func buildUpstreamRequest(ctx context.Context, c fiber.Ctx, route *server.Route) (*http.Request, error) {
	upstream := resolveUpstreamURL(route.Origin, c)

	var body io.Reader = http.NoBody
	if raw := c.Body(); len(raw) > 0 {
		body = bytes.NewReader(append([]byte(nil), raw...))
	}
	req, err := http.NewRequestWithContext(ctx, c.Method(), upstream.String(), body)
	if err != nil {
		return nil, err
	}

	server.ForwardRequestHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Host = upstream.Host
	req.Header.Set("Host", upstream.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	req.Header.Set("X-Forwarded-Port", strconv.Itoa(route.ListenPort))
	return req, nil
}

func resolveUpstreamURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	raw := string(uri.Path())
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	if raw != "/" && raw[len(raw)-1] == '/' && clean != "/" {
		clean += "/"
	}
	relative := &url.URL{Path: clean}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return base.ResolveReference(relative)
}

func (h *Interceptor) serveEntry(c fiber.Ctx, route *server.Route, gen *generation.Generation, entry *generation.Entry, started time.Time) error {
	if entry.ContentType != "" {
		c.Set(fiber.HeaderContentType, entry.ContentType)
	}
	if !entry.FetchedAt.IsZero() {
		c.Set(fiber.HeaderLastModified, entry.FetchedAt.UTC().Format(http.TimeFormat))
	}
	h.setSourceHeaders(c, gen, SourceCache)
	h.logResult(route, gen, c, SourceCache, http.StatusOK, started, nil)
	return c.Status(http.StatusOK).Send(entry.Body)
}

func (h *Interceptor) serveNetwork(c fiber.Ctx, route *server.Route, gen *generation.Generation, resp *upstreamResponse, started time.Time) error {
	copyResponseHeaders(c, resp.header)
	h.setSourceHeaders(c, gen, SourceNetwork)
	h.logResult(route, gen, c, SourceNetwork, resp.status, started, nil)
	return c.Status(resp.status).Send(resp.body)
}

// serveOffline 返回 503 离线兜底：优先使用会话代际中的离线页面，否则输出纯文本提示。
func (h *Interceptor) serveOffline(c fiber.Ctx, route *server.Route, gen *generation.Generation, key string, started time.Time, cause error) error {
	h.setSourceHeaders(c, gen, SourceOffline)
	c.Set(HeaderOffline, "true")
	h.logResult(route, gen, c, SourceOffline, http.StatusServiceUnavailable, started, cause)

	if h.offlineKey != "" {
		if page, ok := h.lookup(requestContext(c), gen, h.offlineKey); ok {
			if page.ContentType != "" {
				c.Set(fiber.HeaderContentType, page.ContentType)
			}
			return c.Status(http.StatusServiceUnavailable).Send(page.Body)
		}
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.Status(http.StatusServiceUnavailable).
		SendString(fmt.Sprintf("offline: %s is not available without network access\n", key))
}

func (h *Interceptor) setSourceHeaders(c fiber.Ctx, gen *generation.Generation, source string) {
	c.Set(HeaderSource, source)
	if gen != nil {
		c.Set(HeaderGeneration, gen.Hash())
	}
}

func (h *Interceptor) requestFields(route *server.Route, gen *generation.Generation, source string) logrus.Fields {
	sessionID := ""
	if route.Session != nil {
		sessionID = route.Session.ID()
	}
	hash := ""
	if gen != nil {
		hash = gen.Hash()
	}
	return logging.RequestFields(
		route.Rule.Name,
		string(route.Rule.Profile.Kind),
		sessionID,
		logging.ShortHash(hash),
		source,
	)
}

func (h *Interceptor) logResult(
	route *server.Route,
	gen *generation.Generation,
	c fiber.Ctx,
	source string,
	status int,
	started time.Time,
	err error,
) {
	fields := h.requestFields(route, gen, source)
	fields["action"] = "intercept"
	fields["method"] = c.Method()
	fields["path"] = string(c.Request().URI().Path())
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID := server.RequestID(c); requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Warn("intercept_offline")
		return
	}
	h.logger.WithFields(fields).Info("intercept_complete")
}

func writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func requestContext(c fiber.Ctx) context.Context {
	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	server.ForwardResponseHeaders(headers, func(key, value string) {
		c.Set(key, value)
	})
}
