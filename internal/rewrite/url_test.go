package rewrite

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestURL(t *testing.T) {
	base := mustParse(t, "https://example.com/dir/page")

	tests := []struct {
		name  string
		value string
		want  string
	}{
		{"root relative", "/about", "/proxy?url=https%3A%2F%2Fexample.com%2Fabout"},
		{"document relative", "pic.png", "/proxy?url=https%3A%2F%2Fexample.com%2Fdir%2Fpic.png"},
		{"parent relative", "../up.css", "/proxy?url=https%3A%2F%2Fexample.com%2Fup.css"},
		{"absolute other host", "http://cdn.test/a.js?v=1", "/proxy?url=http%3A%2F%2Fcdn.test%2Fa.js%3Fv%3D1"},
		{"protocol relative", "//cdn.test/x", "/proxy?url=https%3A%2F%2Fcdn.test%2Fx"},
		{"query only", "?page=2", "/proxy?url=https%3A%2F%2Fexample.com%2Fdir%2Fpage%3Fpage%3D2"},
		{"fragment kept outside", "/doc#sec", "/proxy?url=https%3A%2F%2Fexample.com%2Fdoc#sec"},
		{"surrounding space", "  /about ", "/proxy?url=https%3A%2F%2Fexample.com%2Fabout"},
		{"javascript", "javascript:void(0)", "javascript:void(0)"},
		{"javascript uppercase", "JavaScript:alert(1)", "JavaScript:alert(1)"},
		{"data", "data:image/png;base64,AAAA", "data:image/png;base64,AAAA"},
		{"fragment only", "#top", "#top"},
		{"mailto", "mailto:a@b.c", "mailto:a@b.c"},
		{"tel", "tel:+123", "tel:+123"},
		{"blob", "blob:https://example.com/uuid", "blob:https://example.com/uuid"},
		{"empty", "", ""},
		{"ftp untouched", "ftp://files.test/x", "ftp://files.test/x"},
		{"already proxied", "/proxy?url=https%3A%2F%2Fexample.com%2Fabout", "/proxy?url=https%3A%2F%2Fexample.com%2Fabout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, URL(tt.value, base))
		})
	}
}

func TestURL_Idempotent(t *testing.T) {
	base := mustParse(t, "https://example.com/page")
	for _, v := range []string{"/about", "pic.png", "https://other.test/x?y=z#f", "#top"} {
		once := URL(v, base)
		assert.Equal(t, once, URL(once, base), "rewriting %q twice", v)
	}
}

func TestAbsolute(t *testing.T) {
	base := mustParse(t, "https://example.com/a/b")

	abs, ok := Absolute("../c?d=1", base)
	assert.True(t, ok)
	assert.Equal(t, "https://example.com/c?d=1", abs.String())

	_, ok = Absolute("mailto:x@y.z", base)
	assert.False(t, ok)
}
