// Package client provides the outbound HTTP client used to reach origin servers.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/metrics"
	"rewrite-proxy-go/internal/model"
)

var (
	// ErrUpstreamUnreachable covers DNS failures, refused connections and
	// other transport errors before a response arrived.
	ErrUpstreamUnreachable = errors.New("upstream unreachable")
	// ErrUpstreamTimeout is returned when the origin did not answer in time.
	ErrUpstreamTimeout = errors.New("upstream timeout")
)

type outboundKey struct{}

// outbound is what resty must not reinterpret: the body reader, its length
// and whether the caller sent a Content-Type at all.
type outbound struct {
	body           io.Reader
	length         int64
	hasContentType bool
}

// OriginClient sends requests to arbitrary origins. It never follows
// redirects, never retries and keeps no cookie jar of its own.
type OriginClient struct {
	resty   *resty.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewOriginClient creates an OriginClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewOriginClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *OriginClient {
	logger = logger.With("component", "origin_client")

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost:   cfg.Upstream.IdleConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Upstream.Timeout(),
		DisableCompression:    true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	rc := resty.New().
		SetTransport(transport).
		SetCookieJar(nil).
		SetRetryCount(0).
		SetDoNotParseResponse(true).
		SetAllowGetMethodPayload(true).
		SetLogger(restyLogger{logger}).
		SetRedirectPolicy(resty.RedirectPolicyFunc(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		})).
		SetPreRequestHook(restoreOutbound)

	return &OriginClient{
		resty:   rc,
		logger:  logger,
		metrics: m,
	}
}

// Forward sends ur to its origin and returns the response with an unread body.
// The caller is responsible for closing the response body. Canceling ctx
// aborts both the request and any later body reads.
func (c *OriginClient) Forward(ctx context.Context, ur *model.UpstreamRequest) (*model.UpstreamResponse, error) {
	c.logger.Debug("upstream request",
		"method", ur.Method,
		"host", ur.Target.Host(),
		"path", ur.Target.Path(),
	)

	ob := outbound{
		body:           ur.Body,
		length:         ur.ContentLength,
		hasContentType: ur.Header.Get("Content-Type") != "",
	}
	req := c.resty.R().SetContext(context.WithValue(ctx, outboundKey{}, ob))
	req.Header = ur.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if ur.Body != nil {
		req.SetBody(ur.Body)
	}

	start := time.Now()
	resp, err := req.Execute(ur.Method, ur.Target.String())
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(ur.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}

	if err != nil {
		if resp != nil && resp.RawBody() != nil {
			_ = resp.RawBody().Close()
		}
		return nil, classify(err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode())).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode(),
		Header:     resp.Header(),
		Body:       resp.RawBody(),
	}, nil
}

// restoreOutbound undoes resty's body handling on the built request: it drops
// a guessed Content-Type and reattaches bodies resty discards (OPTIONS).
func restoreOutbound(_ *resty.Client, r *http.Request) error {
	ob, ok := r.Context().Value(outboundKey{}).(outbound)
	if !ok {
		return nil
	}
	if !ob.hasContentType {
		r.Header.Del("Content-Type")
	}
	if ob.body == nil {
		return nil
	}
	if r.Body == nil || r.Body == http.NoBody {
		r.Body = io.NopCloser(ob.body)
		r.GetBody = nil
	}
	if ob.length > 0 {
		r.ContentLength = ob.length
	}
	return nil
}

// classify maps transport errors onto the package sentinels while keeping
// the original chain available to errors.As.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("upstream request: %w", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
}

// restyLogger routes resty's printf-style logging through slog.
type restyLogger struct {
	l *slog.Logger
}

func (r restyLogger) Errorf(format string, v ...any) { r.l.Error(fmt.Sprintf(format, v...)) }
func (r restyLogger) Warnf(format string, v ...any)  { r.l.Warn(fmt.Sprintf(format, v...)) }
func (r restyLogger) Debugf(format string, v ...any) { r.l.Debug(fmt.Sprintf(format, v...)) }
