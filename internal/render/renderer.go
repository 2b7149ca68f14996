// Package render provides the optional script-executing render strategy.
package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/dop251/goja"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/model"
	"rewrite-proxy-go/internal/rewrite"
)

// ErrRender is returned when a page could not be rendered. Upstream
// transport errors are returned as they are.
var ErrRender = errors.New("render failed")

// Renderer produces the final HTML of a page after running its scripts.
type Renderer interface {
	Render(ctx context.Context, target model.TargetURL, header http.Header, cookies []*http.Cookie) (string, []*http.Cookie, error)
}

// Fetcher issues origin requests. *client.OriginClient satisfies it.
type Fetcher interface {
	Forward(ctx context.Context, ur *model.UpstreamRequest) (*model.UpstreamResponse, error)
}

// jsTypes are <script type> values treated as classic JavaScript.
var jsTypes = map[string]bool{
	"":                       true,
	"text/javascript":        true,
	"application/javascript": true,
	"text/ecmascript":        true,
}

// ScriptRenderer fetches a page and executes its inline scripts in an
// embedded JavaScript VM, splicing document.write output into the page and
// capturing document.cookie assignments. External scripts are not loaded.
type ScriptRenderer struct {
	fetcher    Fetcher
	timeout    time.Duration
	maxScripts int
	maxBytes   int64
	logger     *slog.Logger
}

// NewScriptRenderer creates a ScriptRenderer from the [render] section.
func NewScriptRenderer(cfg *config.Config, f Fetcher, logger *slog.Logger) *ScriptRenderer {
	return &ScriptRenderer{
		fetcher:    f,
		timeout:    time.Duration(cfg.Render.TimeoutSeconds) * time.Second,
		maxScripts: cfg.Render.MaxScripts,
		maxBytes:   cfg.Rewrite.MaxHTMLBytes,
		logger:     logger.With("component", "script_renderer"),
	}
}

// Render fetches target with header and cookies and returns the rendered HTML
// plus the cookies set by the origin response and by page scripts.
func (r *ScriptRenderer) Render(ctx context.Context, target model.TargetURL, header http.Header, cookies []*http.Cookie) (string, []*http.Cookie, error) {
	header = header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Del("Cookie")
	header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	header.Set("Accept-Encoding", "identity")
	if len(cookies) > 0 {
		parts := make([]string, 0, len(cookies))
		for _, c := range cookies {
			parts = append(parts, c.Name+"="+c.Value)
		}
		header.Set("Cookie", strings.Join(parts, "; "))
	}

	resp, err := r.fetcher.Forward(ctx, &model.UpstreamRequest{
		Method: http.MethodGet,
		Target: target,
		Header: header,
	})
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var set []*http.Cookie
	for _, line := range resp.Header.Values("Set-Cookie") {
		if c, err := http.ParseSetCookie(line); err == nil {
			set = append(set, c)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", set, fmt.Errorf("%w: origin status %d", ErrRender, resp.StatusCode)
	}

	body, err := r.readBody(resp)
	if err != nil {
		return "", set, err
	}
	contentType := resp.Header.Get("Content-Type")
	if rewrite.Classify(contentType, body) != rewrite.KindHTML {
		return "", set, fmt.Errorf("%w: not an html document", ErrRender)
	}
	if body, err = rewrite.ToUTF8(body, contentType); err != nil {
		return "", set, fmt.Errorf("%w: %w", ErrRender, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return "", set, fmt.Errorf("%w: parse: %w", ErrRender, err)
	}

	jar := newScriptJar(cookies)
	if err := r.run(ctx, doc, target, jar); err != nil {
		return "", set, err
	}

	out, err := doc.Html()
	if err != nil {
		return "", set, fmt.Errorf("%w: render: %w", ErrRender, err)
	}
	return out, append(set, jar.assigned()...), nil
}

func (r *ScriptRenderer) readBody(resp *model.UpstreamResponse) ([]byte, error) {
	rc, err := rewrite.Decompress(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRender, err)
	}
	var src io.Reader = rc
	if r.maxBytes > 0 {
		src = io.LimitReader(rc, r.maxBytes+1)
	}
	body, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrRender, err)
	}
	if r.maxBytes > 0 && int64(len(body)) > r.maxBytes {
		return nil, fmt.Errorf("%w: document exceeds %d bytes", ErrRender, r.maxBytes)
	}
	return body, nil
}

// run executes inline scripts in document order until the deadline.
func (r *ScriptRenderer) run(ctx context.Context, doc *goquery.Document, target model.TargetURL, jar *scriptJar) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	vm := goja.New()
	var out strings.Builder
	if err := r.installDOM(vm, doc, target, jar, &out); err != nil {
		return fmt.Errorf("%w: setup: %w", ErrRender, err)
	}

	stop := context.AfterFunc(ctx, func() { vm.Interrupt("render deadline exceeded") })
	defer stop()

	var runErr error
	executed := 0
	doc.Find("script").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if _, external := s.Attr("src"); external {
			return true
		}
		typ, _ := s.Attr("type")
		if !jsTypes[strings.ToLower(strings.TrimSpace(typ))] {
			return true
		}
		if r.maxScripts > 0 && executed >= r.maxScripts {
			return false
		}
		executed++

		out.Reset()
		if _, err := vm.RunString(s.Text()); err != nil {
			var interrupted *goja.InterruptedError
			if errors.As(err, &interrupted) {
				runErr = fmt.Errorf("%w: %w", ErrRender, err)
				return false
			}
			r.logger.Debug("inline script failed", "host", target.Host(), "err", err)
		}
		if out.Len() > 0 {
			s.ReplaceWithHtml(out.String())
		}
		return true
	})

	if runErr == nil && ctx.Err() != nil {
		runErr = fmt.Errorf("%w: %w", ErrRender, ctx.Err())
	}
	return runErr
}

// installDOM exposes the small document surface inline scripts commonly touch.
func (r *ScriptRenderer) installDOM(vm *goja.Runtime, doc *goquery.Document, target model.TargetURL, jar *scriptJar, out *strings.Builder) error {
	write := func(newline bool) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			for _, a := range call.Arguments {
				out.WriteString(a.String())
			}
			if newline {
				out.WriteString("\n")
			}
			return goja.Undefined()
		}
	}

	u := target.URL()
	location := vm.NewObject()
	for k, v := range map[string]string{
		"href":     target.String(),
		"protocol": u.Scheme + ":",
		"host":     u.Host,
		"hostname": u.Hostname(),
		"pathname": u.EscapedPath(),
		"search":   searchOf(u.RawQuery),
		"origin":   target.Origin(),
	} {
		if err := location.Set(k, v); err != nil {
			return err
		}
	}

	document := vm.NewObject()
	if err := document.Set("write", write(false)); err != nil {
		return err
	}
	if err := document.Set("writeln", write(true)); err != nil {
		return err
	}
	if err := document.Set("title", doc.Find("title").First().Text()); err != nil {
		return err
	}
	if err := document.Set("URL", target.String()); err != nil {
		return err
	}
	if err := document.Set("location", location); err != nil {
		return err
	}
	getter := vm.ToValue(func(goja.FunctionCall) goja.Value { return vm.ToValue(jar.header()) })
	setter := vm.ToValue(func(call goja.FunctionCall) goja.Value {
		jar.assign(call.Argument(0).String())
		return goja.Undefined()
	})
	if err := document.DefineAccessorProperty("cookie", getter, setter, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
		return err
	}

	navigator := vm.NewObject()
	if err := navigator.Set("userAgent", "Mozilla/5.0 (compatible; rewrite-proxy)"); err != nil {
		return err
	}
	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		r.logger.Debug("console", "host", target.Host(), "msg", call.Argument(0).String())
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error", "debug"} {
		if err := console.Set(name, logFn); err != nil {
			return err
		}
	}

	for name, v := range map[string]any{
		"window":    vm.GlobalObject(),
		"self":      vm.GlobalObject(),
		"document":  document,
		"location":  location,
		"navigator": navigator,
		"console":   console,
	} {
		if err := vm.Set(name, v); err != nil {
			return err
		}
	}
	return nil
}

func searchOf(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	return "?" + rawQuery
}

// scriptJar tracks cookies visible to and assigned through document.cookie.
type scriptJar struct {
	mu     sync.Mutex
	values map[string]string
	order  []string
	set    []*http.Cookie
}

func newScriptJar(initial []*http.Cookie) *scriptJar {
	j := &scriptJar{values: make(map[string]string)}
	for _, c := range initial {
		j.put(c.Name, c.Value)
	}
	return j
}

func (j *scriptJar) put(name, value string) {
	if !slices.Contains(j.order, name) {
		j.order = append(j.order, name)
	}
	j.values[name] = value
}

func (j *scriptJar) assign(line string) {
	c, err := http.ParseSetCookie(line)
	if err != nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.set = append(j.set, c)
	if c.MaxAge < 0 {
		delete(j.values, c.Name)
		return
	}
	j.put(c.Name, c.Value)
}

func (j *scriptJar) header() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	parts := make([]string, 0, len(j.order))
	for _, name := range j.order {
		if v, ok := j.values[name]; ok {
			parts = append(parts, name+"="+v)
		}
	}
	return strings.Join(parts, "; ")
}

func (j *scriptJar) assigned() []*http.Cookie {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.set
}
