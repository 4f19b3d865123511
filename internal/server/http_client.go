package server

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/any-hub/shellcache/internal/config"
)

// 源站只有一个，空闲连接全部留给它。
var upstreamTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	MaxIdleConns:          32,
	MaxIdleConnsPerHost:   32,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回访问应用源站的共享 http.Client，拦截器、manifest 与预取共用。
// 跨主机重定向不再跟随，直接把 3xx 交给调用方，避免其他站点的内容写进本源站的代际。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := 30 * time.Second
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:       timeout,
		Transport:     upstreamTransport.Clone(),
		CheckRedirect: sameHostRedirect,
	}
}

func sameHostRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return http.ErrUseLastResponse
	}
	if !strings.EqualFold(req.URL.Host, via[0].URL.Host) {
		return http.ErrUseLastResponse
	}
	return nil
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

// shellcacheHeaderPrefix 下的头只由本进程产生，双向都不透传。
const shellcacheHeaderPrefix = "X-Shellcache-"

// ForwardRequestHeaders 把客户端请求头复制到发往源站的请求。
// 去掉 hop-by-hop、X-Shellcache-* 与 Accept-Encoding（缓存保存的是解码后的正文），
// Cookie 中的会话 cookie 也会被剔除。
func ForwardRequestHeaders(dst, src http.Header) {
	for key, values := range src {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if isHopByHop(canonical) || isShellcacheHeader(canonical) || canonical == "Accept-Encoding" {
			continue
		}
		for _, value := range values {
			if canonical == "Cookie" {
				if value = stripSessionCookie(value); value == "" {
					continue
				}
			}
			dst.Add(canonical, value)
		}
	}
}

// ForwardResponseHeaders 把源站响应头交给 set 写回客户端。
// Content-Length 由服务端按实际正文重新计算；源站返回的 X-Shellcache-* 会被丢弃，
// 只保留本进程写入的来源与代际标记。
func ForwardResponseHeaders(src http.Header, set func(key, value string)) {
	for key, values := range src {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if isHopByHop(canonical) || isShellcacheHeader(canonical) || canonical == "Content-Length" {
			continue
		}
		for _, value := range values {
			set(canonical, value)
		}
	}
}

func isHopByHop(canonical string) bool {
	_, ok := hopByHopHeaders[canonical]
	return ok
}

func isShellcacheHeader(canonical string) bool {
	return strings.HasPrefix(canonical, shellcacheHeaderPrefix)
}

func stripSessionCookie(header string) string {
	parts := strings.Split(header, ";")
	kept := parts[:0]
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" || strings.HasPrefix(part, SessionCookie+"=") {
			continue
		}
		kept = append(kept, part)
	}
	return strings.Join(kept, "; ")
}
