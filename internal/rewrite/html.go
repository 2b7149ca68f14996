package rewrite

import (
	"bytes"
	"fmt"
	"html"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	nethtml "golang.org/x/net/html"
)

// urlAttrs are rewritten on every element.
var urlAttrs = []string{"href", "src", "action", "data-href", "data-src", "data-url", "poster", "formaction"}

// cspMetaValues are http-equiv values whose <meta> elements are dropped.
var cspMetaValues = map[string]bool{
	"content-security-policy":             true,
	"content-security-policy-report-only": true,
	"x-content-security-policy":           true,
	"x-webkit-csp":                        true,
}

// HTML rewrites every reference in an HTML document so it routes through
// the proxy. page is the URL the document was fetched from.
func (r *Rewriter) HTML(body []byte, page *url.URL) ([]byte, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	base := page
	doc.Find("base[href]").First().Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		if abs, ok := Absolute(href, page); ok {
			base = abs
		}
	})
	doc.Find("base").Remove()

	doc.Find("meta[http-equiv]").Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr("http-equiv")
		if cspMetaValues[strings.ToLower(strings.TrimSpace(v))] {
			s.Remove()
		}
	})

	doc.Find("*").Each(func(_ int, s *goquery.Selection) {
		for _, attr := range urlAttrs {
			if v, ok := s.Attr(attr); ok {
				if nv := URL(v, base); nv != v {
					s.SetAttr(attr, nv)
				}
			}
		}
		if v, ok := s.Attr("srcset"); ok {
			s.SetAttr("srcset", srcset(v, base))
		}
		if v, ok := s.Attr("style"); ok {
			s.SetAttr("style", CSS(v, base))
		}
	})

	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		css := s.Text()
		if rewritten := CSS(css, base); rewritten != css {
			setRawText(s, rewritten)
		}
	})

	doc.Find("script[integrity], link[integrity]").RemoveAttr("integrity")

	doc.Find("form").Each(func(_ int, s *goquery.Selection) {
		r.form(s, page, base)
	})

	if r.injectScript && doc.Find("#"+ScriptID).Length() == 0 {
		doc.Find("head").First().PrependHtml(interceptorTag(base.String()))
	}

	out, err := doc.Html()
	if err != nil {
		return nil, fmt.Errorf("render html: %w", err)
	}
	return []byte(out), nil
}

// form points empty-action forms at the proxied current page and gives GET
// forms a hidden url field, since browsers replace an action's query string
// with the submitted fields.
func (r *Rewriter) form(s *goquery.Selection, page, base *url.URL) {
	action, _ := s.Attr("action")
	action = strings.TrimSpace(action)

	var target *url.URL
	switch {
	case action == "":
		target = page
		s.SetAttr("action", Proxify(page.String()))
	case IsProxied(action):
		if u, err := url.Parse(action); err == nil {
			target, _ = url.Parse(u.Query().Get("url"))
		}
	default:
		target, _ = Absolute(action, base)
	}

	method, _ := s.Attr("method")
	if m := strings.ToLower(strings.TrimSpace(method)); m != "" && m != "get" {
		return
	}
	if target == nil || s.Find(`input[type="hidden"][name="url"]`).Length() > 0 {
		return
	}
	cp := *target
	cp.RawQuery = ""
	cp.Fragment = ""
	s.PrependHtml(`<input type="hidden" name="url" value="` + html.EscapeString(cp.String()) + `">`)
}

// setRawText replaces the children of raw-text elements such as <style>
// without entity escaping.
func setRawText(s *goquery.Selection, text string) {
	for _, n := range s.Nodes {
		for c := n.FirstChild; c != nil; {
			next := c.NextSibling
			n.RemoveChild(c)
			c = next
		}
		n.AppendChild(&nethtml.Node{Type: nethtml.TextNode, Data: text})
	}
}

// srcset rewrites each candidate URL of a srcset attribute. A candidate URL
// runs to the next whitespace, so commas inside it (data: URLs, query
// strings) are kept; descriptors run to the next comma outside parentheses.
func srcset(value string, base *url.URL) string {
	var out []string
	rest := value
	for {
		rest = strings.TrimLeft(rest, " \t\n\r\f,")
		if rest == "" {
			break
		}

		end := strings.IndexAny(rest, " \t\n\r\f")
		if end < 0 {
			end = len(rest)
		}
		raw := rest[:end]
		rest = rest[end:]

		var descriptor string
		if trimmed := strings.TrimRight(raw, ","); trimmed != raw {
			raw = trimmed
		} else {
			descriptor, rest = srcsetDescriptor(rest)
		}
		if raw == "" {
			continue
		}

		candidate := URL(raw, base)
		if descriptor != "" {
			candidate += " " + descriptor
		}
		out = append(out, candidate)
	}
	return strings.Join(out, ", ")
}

// srcsetDescriptor consumes a descriptor up to the first comma outside
// parentheses and returns it trimmed along with the remaining input.
func srcsetDescriptor(s string) (string, string) {
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				return strings.Join(strings.Fields(s[:i]), " "), s[i+1:]
			}
		}
	}
	return strings.Join(strings.Fields(s), " "), ""
}
