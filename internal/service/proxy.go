// Package service implements the core proxy pipeline: resolve the target,
// bridge cookies, forward, intercept redirects and rewrite the response.
package service

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/fx"

	"rewrite-proxy-go/internal/client"
	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/metrics"
	"rewrite-proxy-go/internal/model"
	"rewrite-proxy-go/internal/redirect"
	"rewrite-proxy-go/internal/render"
	"rewrite-proxy-go/internal/resolver"
	"rewrite-proxy-go/internal/rewrite"
	"rewrite-proxy-go/internal/session"
)

// hopByHopHeaders are never forwarded in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// strippedRequestHeaders reveal the client or the proxy to the origin.
var strippedRequestHeaders = []string{
	"Forwarded",
	"Via",
	"X-Real-Ip",
	"Host",
	"Cookie",
	"Content-Length",
}

// strippedResponseHeaders would pin the browser to the origin or leak origin
// cookies under the proxy's own domain.
var strippedResponseHeaders = []string{
	"Strict-Transport-Security",
	"Public-Key-Pins",
	"Public-Key-Pins-Report-Only",
	"Alt-Svc",
	"Set-Cookie",
}

// cspHeaders block proxied subresources once URLs point at the proxy.
var cspHeaders = []string{
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-Content-Security-Policy",
	"X-WebKit-CSP",
}

const renderedContentType = "text/html; charset=utf-8"

// Params are the ProxyService dependencies. Renderer is optional.
type Params struct {
	fx.In

	Resolver    *resolver.Resolver
	Client      *client.OriginClient
	Store       *session.Store
	Rewriter    *rewrite.Rewriter
	Interceptor *redirect.Interceptor
	Renderer    render.Renderer `optional:"true"`
	Config      *config.Config
	Logger      *slog.Logger
	Metrics     *metrics.Metrics `optional:"true"`
}

// ProxyService runs one proxied request through the pipeline.
type ProxyService struct {
	resolver    *resolver.Resolver
	client      *client.OriginClient
	store       *session.Store
	rewriter    *rewrite.Rewriter
	interceptor *redirect.Interceptor
	renderer    render.Renderer
	cfg         *config.Config
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// NewProxyService creates a ProxyService.
func NewProxyService(p Params) *ProxyService {
	return &ProxyService{
		resolver:    p.Resolver,
		client:      p.Client,
		store:       p.Store,
		rewriter:    p.Rewriter,
		interceptor: p.Interceptor,
		renderer:    p.Renderer,
		cfg:         p.Config,
		logger:      p.Logger.With("component", "proxy_service"),
		metrics:     p.Metrics,
	}
}

// Handle proxies pr to its target origin. The caller is responsible for
// closing the response body.
func (s *ProxyService) Handle(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target, err := s.resolver.Resolve(pr.RawURL, pr.Protocol)
	if err != nil {
		return nil, err
	}
	target = mergeQuery(target, pr.Extra)

	sess, created := s.store.Obtain(pr.SessionID)
	out := &model.ProxyResponse{SessionID: sess.ID, NewSession: created}

	if err := s.exchange(pr, target, sess, out); err != nil {
		// The session cookie only reaches the client with a response.
		if created {
			s.store.Release(sess)
		}
		return nil, err
	}
	return out, nil
}

// exchange runs the origin round trip for target and fills out.
func (s *ProxyService) exchange(pr *model.ProxyRequest, target model.TargetURL, sess *session.Session, out *model.ProxyResponse) error {
	header := s.outboundHeader(pr.Header, target)

	if pr.Render && s.renderer != nil && pr.Method == http.MethodGet {
		ok, err := s.rendered(pr, target, header, sess, out)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	ur := &model.UpstreamRequest{
		Method:        pr.Method,
		Target:        target,
		Header:        header,
		Body:          pr.Body,
		ContentLength: pr.Length,
	}
	s.store.Attach(ur, sess)

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"host", target.Host(),
		"path", target.Path(),
	)

	resp, err := s.client.Forward(pr.Ctx, ur)
	if err != nil {
		return fmt.Errorf("forward to origin: %w", err)
	}
	out.Cookies = s.store.Absorb(resp, target, sess)
	out.StatusCode = resp.StatusCode

	if d := s.interceptor.Intercept(resp, target); d.State == redirect.Redirected {
		_ = resp.Body.Close()
		rh := responseHeader(resp.Header)
		rh.Del("Content-Length")
		rh.Del("Content-Encoding")
		rh.Set("Location", d.Location)
		out.StatusCode = d.Status
		out.Header = rh
		out.Body = http.NoBody
		return nil
	}

	return s.relay(pr, resp, target, out)
}

// rendered runs the optional renderer. It reports false when the normal
// pipeline should take over.
func (s *ProxyService) rendered(pr *model.ProxyRequest, target model.TargetURL, header http.Header, sess *session.Session, out *model.ProxyResponse) (bool, error) {
	html, cookies, err := s.renderer.Render(pr.Ctx, target, header, s.store.Cookies(sess, target))
	s.store.Merge(sess, target, cookies)
	if err != nil {
		if errors.Is(err, render.ErrRender) {
			s.logger.Info("render unavailable, using plain pipeline",
				"host", target.Host(),
				"err", err,
			)
			return false, nil
		}
		return false, fmt.Errorf("render: %w", err)
	}

	body, err := s.rewriter.Rewrite([]byte(html), renderedContentType, target)
	if err != nil {
		s.logger.Warn("rewrite failed, relaying rendered document", "host", target.Host(), "err", err)
		s.observe(rewrite.KindHTML, metrics.OutcomeFailed)
	} else {
		s.observe(rewrite.KindHTML, metrics.OutcomeRewritten)
		out.Rewritten = true
	}

	out.StatusCode = http.StatusOK
	out.Header = http.Header{"Content-Type": {renderedContentType}}
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.Cookies = cookies
	return true, nil
}

// relay fills out with the origin response, rewriting HTML and CSS bodies
// and streaming everything else.
func (s *ProxyService) relay(pr *model.ProxyRequest, resp *model.UpstreamResponse, target model.TargetURL, out *model.ProxyResponse) error {
	header := responseHeader(resp.Header)
	out.Header = header
	out.Body = resp.Body

	if !bodyAllowed(pr.Method, resp.StatusCode) {
		return nil
	}

	contentType := resp.Header.Get("Content-Type")
	var sniff []byte
	if contentType == "" {
		br := bufio.NewReaderSize(resp.Body, rewrite.SniffLen)
		sniff, _ = br.Peek(rewrite.SniffLen)
		out.Body = readCloser{Reader: br, Closer: resp.Body}
	}

	kind := rewrite.Classify(contentType, sniff)
	if kind == rewrite.KindOther {
		s.observe(kind, metrics.OutcomePassthrough)
		return nil
	}

	decoded, err := rewrite.Decompress(out.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		s.logger.Warn("cannot decode body, relaying as is", "host", target.Host(), "err", err)
		s.observe(kind, metrics.OutcomeFailed)
		return nil
	}
	header.Del("Content-Encoding")
	header.Del("Content-Length")

	limit := s.cfg.Rewrite.MaxHTMLBytes
	var src io.Reader = decoded
	if limit > 0 {
		src = io.LimitReader(decoded, limit+1)
	}
	body, err := io.ReadAll(src)
	if err != nil {
		_ = decoded.Close()
		return fmt.Errorf("read origin body: %w", err)
	}
	if limit > 0 && int64(len(body)) > limit {
		s.logger.Info("document too large to rewrite, streaming",
			"host", target.Host(),
			"limit", limit,
		)
		s.observe(kind, metrics.OutcomePassthrough)
		out.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(body), decoded), Closer: decoded}
		return nil
	}
	_ = decoded.Close()

	rewritten, err := s.rewriter.Rewrite(body, contentType, target)
	if err != nil {
		s.logger.Warn("rewrite failed, relaying original", "host", target.Host(), "err", err)
		s.observe(kind, metrics.OutcomeFailed)
		out.Body = io.NopCloser(bytes.NewReader(body))
		return nil
	}

	if kind == rewrite.KindHTML {
		for _, h := range cspHeaders {
			header.Del(h)
		}
		header.Set("Content-Type", rewrite.UTF8ContentType(contentType))
	}
	s.observe(kind, metrics.OutcomeRewritten)
	out.Rewritten = true
	out.Body = io.NopCloser(bytes.NewReader(rewritten))
	return nil
}

func (s *ProxyService) observe(kind rewrite.Kind, outcome string) {
	if s.metrics != nil {
		s.metrics.RewriteOutcomes.WithLabelValues(kind.String(), outcome).Inc()
	}
}

// outboundHeader derives the origin request headers from the client's.
func (s *ProxyService) outboundHeader(src http.Header, target model.TargetURL) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	dropConnectionHeaders(dst)
	for _, key := range strippedRequestHeaders {
		dst.Del(key)
	}
	for key := range dst {
		if strings.HasPrefix(key, "X-Forwarded-") {
			delete(dst, key)
		}
	}

	dst.Set("Accept-Encoding", "identity")
	dst.Set("Referer", referer(src.Get("Referer"), target))
	if dst.Get("Origin") != "" {
		dst.Set("Origin", target.Origin())
	}
	if ua := s.cfg.Upstream.UserAgent; ua != "" {
		dst.Set("User-Agent", ua)
	}
	return dst
}

// referer recovers the origin URL from a proxied Referer, falling back to
// the target origin.
func referer(raw string, target model.TargetURL) string {
	if u, err := url.Parse(raw); err == nil && u.Path == "/proxy" {
		if inner, err := url.Parse(u.Query().Get("url")); err == nil && inner.IsAbs() &&
			(inner.Scheme == "http" || inner.Scheme == "https") {
			return inner.String()
		}
	}
	return target.Origin() + "/"
}

func responseHeader(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	dropConnectionHeaders(dst)
	for _, key := range strippedResponseHeaders {
		dst.Del(key)
	}
	return dst
}

// dropConnectionHeaders removes hop-by-hop headers, including those named
// by the Connection header.
func dropConnectionHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, key := range hopByHopHeaders {
		h.Del(key)
	}
}

// mergeQuery appends extra to the target query. The target's own pairs keep
// their order and encoding; pairs whose key appears in extra are replaced.
func mergeQuery(target model.TargetURL, extra url.Values) model.TargetURL {
	if len(extra) == 0 {
		return target
	}
	u := target.URL()

	var kept []string
	for _, pair := range strings.Split(u.RawQuery, "&") {
		if pair == "" {
			continue
		}
		key, _, _ := strings.Cut(pair, "=")
		if k, err := url.QueryUnescape(key); err == nil {
			key = k
		}
		if _, replaced := extra[key]; replaced {
			continue
		}
		kept = append(kept, pair)
	}
	kept = append(kept, extra.Encode())

	u.RawQuery = strings.Join(kept, "&")
	return model.NewTargetURL(u)
}

func bodyAllowed(method string, status int) bool {
	if method == http.MethodHead {
		return false
	}
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}

type readCloser struct {
	io.Reader
	io.Closer
}
