package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"sync"

	"github.com/labstack/echo/v4"

	"rewrite-proxy-go/internal/client"
	"rewrite-proxy-go/internal/model"
	"rewrite-proxy-go/internal/resolver"
	"rewrite-proxy-go/internal/service"
	"rewrite-proxy-go/internal/session"
)

// reservedParams are consumed by the proxy; every other query parameter
// belongs to the target.
var reservedParams = map[string]bool{"url": true, "protocol": true, "render": true}

// queryPattern matches query strings of URLs embedded in error messages.
var queryPattern = regexp.MustCompile(`(https?://[^\s"?]+)\?[^\s"]*`)

var copyBuffers = sync.Pool{
	New: func() any {
		b := make([]byte, 32*1024)
		return &b
	},
}

// ProxyHandler serves /proxy.
type ProxyHandler struct {
	service *service.ProxyService
	store   *session.Store
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, store *session.Store, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		store:   store,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request named by the url query parameter and relays
// the (possibly rewritten) response.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	secure := c.Scheme() == "https"

	pr := &model.ProxyRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		RawURL:   c.QueryParam("url"),
		Protocol: c.QueryParam("protocol"),
		Render:   c.QueryParam("render") == "1",
		Extra:    extraParams(c.QueryParams()),
		Header:   req.Header,
		Length:   req.ContentLength,
	}
	if req.ContentLength != 0 && req.Body != nil && req.Body != http.NoBody {
		pr.Body = req.Body
	}
	if ck, err := c.Cookie(h.store.CookieName()); err == nil {
		pr.SessionID = ck.Value
	}

	resp, err := h.service.Handle(pr)
	if err != nil {
		return h.mapError(c, err)
	}
	defer func() { _ = resp.Body.Close() }()

	w := c.Response()
	if resp.NewSession {
		c.SetCookie(&http.Cookie{
			Name:     h.store.CookieName(),
			Value:    resp.SessionID,
			Path:     "/",
			HttpOnly: true,
			Secure:   secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
	for _, line := range h.store.ClientCookies(resp.Cookies, secure) {
		w.Header().Add("Set-Cookie", line)
	}
	for key, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}

	w.WriteHeader(resp.StatusCode)

	// The status is already sent, so a failed copy leaves the client with a
	// truncated body.
	buf := copyBuffers.Get().(*[]byte)
	defer copyBuffers.Put(buf)
	if _, err := io.CopyBuffer(w, resp.Body, *buf); err != nil {
		h.logger.Warn("streaming response body",
			"err", sanitizeError(err),
			"method", req.Method,
		)
	}

	return nil
}

func extraParams(q url.Values) url.Values {
	var extra url.Values
	for k, v := range q {
		if reservedParams[k] {
			continue
		}
		if extra == nil {
			extra = make(url.Values)
		}
		extra[k] = v
	}
	return extra
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	status, msg := classifyError(err)

	level := slog.LevelError
	if status < http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	h.logger.Log(c.Request().Context(), level, "proxy error",
		"err", sanitizeError(err),
		"status", status,
	)

	return c.JSON(status, map[string]string{"error": msg})
}

func classifyError(err error) (int, string) {
	if errors.Is(err, resolver.ErrInvalidURL) {
		return http.StatusBadRequest, "invalid or missing url parameter"
	}
	if errors.Is(err, resolver.ErrForbidden) {
		return http.StatusForbidden, "target host is not allowed"
	}
	if errors.Is(err, client.ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, "upstream request timed out"
	}
	if errors.Is(err, context.Canceled) {
		return http.StatusBadGateway, "client disconnected"
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return http.StatusBadGateway, "upstream host unreachable"
	}
	if errors.Is(err, client.ErrUpstreamUnreachable) {
		return http.StatusBadGateway, "upstream unreachable"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return http.StatusBadGateway, "upstream connection failed"
	}

	return http.StatusBadGateway, "upstream request failed"
}

// sanitizeError redacts query strings from URLs embedded in error messages.
func sanitizeError(err error) string {
	return queryPattern.ReplaceAllString(err.Error(), "${1}?[REDACTED]")
}
