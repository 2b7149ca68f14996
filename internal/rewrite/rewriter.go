// Package rewrite turns origin documents into proxy-routed documents:
// HTML reference attributes, CSS url() values and runtime fetch/XHR calls.
package rewrite

import (
	"errors"
	"fmt"
	"log/slog"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/model"
)

// ErrRewrite wraps every failure to transform a body. Callers relay the
// original bytes instead of failing the request.
var ErrRewrite = errors.New("rewrite failed")

// Rewriter rewrites HTML and CSS bodies. It holds no per-request state.
type Rewriter struct {
	injectScript bool
	logger       *slog.Logger
}

// New creates a Rewriter from the [rewrite] section.
func New(cfg *config.Config, logger *slog.Logger) *Rewriter {
	return &Rewriter{
		injectScript: cfg.Rewrite.ScriptEnabled(),
		logger:       logger.With("component", "rewriter"),
	}
}

// Rewrite transforms body according to contentType. HTML is decoded to
// UTF-8 before rewriting; CSS is rewritten in place; everything else is
// returned unchanged. On failure the original body is returned together
// with an error wrapping ErrRewrite.
func (r *Rewriter) Rewrite(body []byte, contentType string, base model.TargetURL) ([]byte, error) {
	switch Classify(contentType, body) {
	case KindHTML:
		utf8Body, err := ToUTF8(body, contentType)
		if err != nil {
			return body, fmt.Errorf("%w: %w", ErrRewrite, err)
		}
		out, err := r.HTML(utf8Body, base.URL())
		if err != nil {
			return body, fmt.Errorf("%w: %w", ErrRewrite, err)
		}
		return out, nil
	case KindCSS:
		return []byte(CSS(string(body), base.URL())), nil
	default:
		return body, nil
	}
}
