package render

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rewrite-proxy-go/internal/config"
	"rewrite-proxy-go/internal/model"
)

// fakeFetcher returns a canned response and records the request.
type fakeFetcher struct {
	status  int
	header  http.Header
	body    string
	err     error
	request *model.UpstreamRequest
}

func (f *fakeFetcher) Forward(_ context.Context, ur *model.UpstreamRequest) (*model.UpstreamResponse, error) {
	f.request = ur
	if f.err != nil {
		return nil, f.err
	}
	h := f.header
	if h == nil {
		h = http.Header{"Content-Type": {"text/html; charset=utf-8"}}
	}
	return &model.UpstreamResponse{
		StatusCode: f.status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(f.body)),
	}, nil
}

func newTestRenderer(f Fetcher, timeoutSeconds int) *ScriptRenderer {
	cfg := &config.Config{
		Render:  config.RenderConfig{Enabled: true, TimeoutSeconds: timeoutSeconds, MaxScripts: 16},
		Rewrite: config.RewriteConfig{MaxHTMLBytes: 1 << 20},
	}
	return NewScriptRenderer(cfg, f, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func testTarget(t *testing.T) model.TargetURL {
	t.Helper()
	u, err := url.Parse("https://example.com/app?tab=1")
	require.NoError(t, err)
	return model.NewTargetURL(u)
}

func TestScriptRenderer_DocumentWrite(t *testing.T) {
	f := &fakeFetcher{status: http.StatusOK, body: `<html><head><title>Demo</title></head><body>
<div id="before">static</div>
<script>document.write("<p id='gen'>" + document.title + " " + location.pathname + location.search + "</p>");</script>
<script>var untouched = 1;</script>
<script src="/external.js"></script>
</body></html>`}

	html, _, err := newTestRenderer(f, 2).Render(context.Background(), testTarget(t), nil, nil)
	require.NoError(t, err)

	assert.Contains(t, html, `<p id="gen">Demo /app?tab=1</p>`)
	assert.Contains(t, html, `<div id="before">static</div>`)
	assert.NotContains(t, html, "document.write")
	assert.Contains(t, html, "var untouched = 1;")
	assert.Contains(t, html, `src="/external.js"`)
	assert.Equal(t, http.MethodGet, f.request.Method)
}

func TestScriptRenderer_Cookies(t *testing.T) {
	f := &fakeFetcher{
		status: http.StatusOK,
		header: http.Header{
			"Content-Type": {"text/html"},
			"Set-Cookie":   {"server=1; Path=/"},
		},
		body: `<html><body><script>
document.cookie = "seen=" + (document.cookie.indexOf("sid=abc") >= 0 ? "yes" : "no") + "; path=/";
document.write(document.cookie);
</script></body></html>`,
	}
	in := []*http.Cookie{{Name: "sid", Value: "abc"}}

	html, cookies, err := newTestRenderer(f, 2).Render(context.Background(), testTarget(t), nil, in)
	require.NoError(t, err)

	assert.Equal(t, "sid=abc", f.request.Header.Get("Cookie"))
	assert.Contains(t, html, "sid=abc; seen=yes")

	names := make([]string, 0, len(cookies))
	for _, c := range cookies {
		names = append(names, c.Name+"="+c.Value)
	}
	assert.Equal(t, []string{"server=1", "seen=yes"}, names)
}

func TestScriptRenderer_UsesCallerHeader(t *testing.T) {
	f := &fakeFetcher{status: http.StatusOK, body: `<html><body></body></html>`}
	header := http.Header{
		"User-Agent": {"custom-agent"},
		"Referer":    {"https://example.com/"},
		"Cookie":     {"stale=1"},
	}

	_, _, err := newTestRenderer(f, 2).Render(context.Background(), testTarget(t), header, []*http.Cookie{{Name: "sid", Value: "abc"}})
	require.NoError(t, err)

	assert.Equal(t, "custom-agent", f.request.Header.Get("User-Agent"))
	assert.Equal(t, "https://example.com/", f.request.Header.Get("Referer"))
	assert.Equal(t, "sid=abc", f.request.Header.Get("Cookie"))
	assert.Equal(t, "identity", f.request.Header.Get("Accept-Encoding"))
	assert.Equal(t, "stale=1", header.Get("Cookie"), "caller header must not be modified")
}

func TestScriptRenderer_ScriptErrorIsIsolated(t *testing.T) {
	f := &fakeFetcher{status: http.StatusOK, body: `<html><body>
<script>throw new Error("boom")</script>
<script>document.write("<i>after</i>")</script>
</body></html>`}

	html, _, err := newTestRenderer(f, 2).Render(context.Background(), testTarget(t), nil, nil)
	require.NoError(t, err)
	assert.Contains(t, html, "<i>after</i>")
}

func TestScriptRenderer_Timeout(t *testing.T) {
	f := &fakeFetcher{status: http.StatusOK, body: `<html><body><script>while (true) {}</script></body></html>`}

	_, _, err := newTestRenderer(f, 1).Render(context.Background(), testTarget(t), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRender)
}

func TestScriptRenderer_NonHTML(t *testing.T) {
	f := &fakeFetcher{
		status: http.StatusOK,
		header: http.Header{"Content-Type": {"application/json"}},
		body:   `{"a":1}`,
	}

	_, _, err := newTestRenderer(f, 2).Render(context.Background(), testTarget(t), nil, nil)
	assert.ErrorIs(t, err, ErrRender)
}

func TestScriptRenderer_RedirectStatus(t *testing.T) {
	f := &fakeFetcher{
		status: http.StatusFound,
		header: http.Header{"Location": {"/login"}, "Set-Cookie": {"a=1"}},
	}

	_, cookies, err := newTestRenderer(f, 2).Render(context.Background(), testTarget(t), nil, nil)
	assert.ErrorIs(t, err, ErrRender)
	require.Len(t, cookies, 1)
	assert.Equal(t, "a", cookies[0].Name)
}

func TestScriptRenderer_FetchErrorPassesThrough(t *testing.T) {
	upstreamErr := errors.New("dial tcp: connection refused")
	f := &fakeFetcher{err: upstreamErr}

	_, _, err := newTestRenderer(f, 2).Render(context.Background(), testTarget(t), nil, nil)
	assert.ErrorIs(t, err, upstreamErr)
	assert.NotErrorIs(t, err, ErrRender)
}
