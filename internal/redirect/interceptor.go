// Package redirect turns origin redirects into proxy-relative redirects.
package redirect

import (
	"log/slog"
	"strconv"

	"rewrite-proxy-go/internal/metrics"
	"rewrite-proxy-go/internal/model"
	"rewrite-proxy-go/internal/rewrite"
)

// State is the interceptor's per-request state.
type State int

const (
	// Passthrough is the initial state: the response is relayed normally.
	Passthrough State = iota
	// Redirected is terminal: the client is sent to Location with no body.
	Redirected
)

func (s State) String() string {
	if s == Redirected {
		return "REDIRECTED"
	}
	return "PASSTHROUGH"
}

// Decision is the outcome of inspecting one origin response.
type Decision struct {
	State    State
	Status   int
	Location string // proxy-relative, set when State is Redirected
}

// Interceptor inspects origin responses for redirects.
type Interceptor struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewInterceptor creates an Interceptor. The metrics parameter is optional.
func NewInterceptor(logger *slog.Logger, m *metrics.Metrics) *Interceptor {
	return &Interceptor{
		logger:  logger.With("component", "redirect_interceptor"),
		metrics: m,
	}
}

// Intercept moves to Redirected when resp is a 3xx carrying a Location that
// resolves to an http(s) URL. The location is resolved against target and
// re-encoded as /proxy?url=..., and the origin status is kept. A 304 or a
// Location that cannot be resolved stays in Passthrough.
func (i *Interceptor) Intercept(resp *model.UpstreamResponse, target model.TargetURL) Decision {
	pass := Decision{State: Passthrough, Status: resp.StatusCode}
	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return pass
	}
	loc := resp.Header.Get("Location")
	if loc == "" {
		return pass
	}

	abs, ok := rewrite.Absolute(loc, target.URL())
	if !ok {
		i.logger.Warn("unresolvable redirect location",
			"status", resp.StatusCode,
			"host", target.Host(),
		)
		return pass
	}

	if i.metrics != nil {
		i.metrics.Redirects.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	}
	i.logger.Debug("redirect intercepted",
		"status", resp.StatusCode,
		"from", target.String(),
		"to", abs.String(),
	)

	return Decision{
		State:    Redirected,
		Status:   resp.StatusCode,
		Location: rewrite.URL(abs.String(), target.URL()),
	}
}
