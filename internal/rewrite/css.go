package rewrite

import (
	"net/url"
	"regexp"
	"strings"
)

var (
	cssURLRegex    = regexp.MustCompile(`(?i)url\s*\(\s*(?:'([^']*)'|"([^"]*)"|([^)\s'"]+))\s*\)`)
	cssImportRegex = regexp.MustCompile(`(?i)@import\s+(?:'([^']*)'|"([^"]*)")`)
)

// CSS rewrites url(...) references and quoted @import targets in a
// stylesheet or inline style value. The original quoting is preserved.
func CSS(css string, base *url.URL) string {
	if !strings.Contains(strings.ToLower(css), "url") && !strings.Contains(css, "@import") {
		return css
	}

	css = cssURLRegex.ReplaceAllStringFunc(css, func(match string) string {
		sub := cssURLRegex.FindStringSubmatch(match)
		switch {
		case sub[1] != "":
			return "url('" + URL(sub[1], base) + "')"
		case sub[2] != "":
			return `url("` + URL(sub[2], base) + `")`
		case sub[3] != "":
			return "url(" + URL(sub[3], base) + ")"
		}
		return match
	})

	return cssImportRegex.ReplaceAllStringFunc(css, func(match string) string {
		sub := cssImportRegex.FindStringSubmatch(match)
		switch {
		case sub[1] != "":
			return "@import '" + URL(sub[1], base) + "'"
		case sub[2] != "":
			return `@import "` + URL(sub[2], base) + `"`
		}
		return match
	})
}
