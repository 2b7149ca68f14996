package rewrite

import (
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Kind is the rewrite category of a response body.
type Kind int

const (
	KindOther Kind = iota
	KindHTML
	KindCSS
)

// String returns the metric label for k.
func (k Kind) String() string {
	switch k {
	case KindHTML:
		return "html"
	case KindCSS:
		return "css"
	default:
		return "other"
	}
}

// SniffLen is how many leading body bytes Classify wants when the origin
// sent no Content-Type.
const SniffLen = 3072

// Classify decides how a body is treated. The declared contentType wins;
// sniff (the first bytes of the body) is only consulted when it is empty.
func Classify(contentType string, sniff []byte) Kind {
	if strings.TrimSpace(contentType) == "" {
		if len(sniff) == 0 {
			return KindOther
		}
		contentType = mimetype.Detect(sniff).String()
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	}
	switch mediaType {
	case "text/html", "application/xhtml+xml":
		return KindHTML
	case "text/css":
		return KindCSS
	}
	return KindOther
}
