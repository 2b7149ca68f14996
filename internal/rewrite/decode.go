package rewrite

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/saintfish/chardet"
	"golang.org/x/net/html/charset"
)

// Decompress wraps body with a decoder for the given Content-Encoding.
// Identity and empty encodings return body unchanged. Closing the result
// closes body.
func Decompress(body io.ReadCloser, encoding string) (io.ReadCloser, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		return &decodedBody{Reader: zr, closers: []io.Closer{zr, body}}, nil
	case "deflate":
		fr := flate.NewReader(body)
		return &decodedBody{Reader: fr, closers: []io.Closer{fr, body}}, nil
	case "br":
		return &decodedBody{Reader: brotli.NewReader(body), closers: []io.Closer{body}}, nil
	case "zstd":
		zr, err := zstd.NewReader(body)
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		rc := zr.IOReadCloser()
		return &decodedBody{Reader: rc, closers: []io.Closer{rc, body}}, nil
	}
	return nil, fmt.Errorf("unsupported content encoding %q", encoding)
}

type decodedBody struct {
	io.Reader
	closers []io.Closer
}

func (d *decodedBody) Close() error {
	var first error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ToUTF8 decodes an HTML document to UTF-8. The charset comes from a BOM,
// the Content-Type, a <meta> declaration or, failing those, statistical
// detection. Documents already in UTF-8 are returned as is.
func ToUTF8(body []byte, contentType string) ([]byte, error) {
	enc, name, certain := charset.DetermineEncoding(body, contentType)
	// windows-1252 without certainty is the charset package's fallback.
	if !certain && name == "windows-1252" && !declaresCharset(body) {
		if res, err := chardet.NewHtmlDetector().DetectBest(body); err == nil && res.Confidence >= 50 {
			if e, canonical := charset.Lookup(res.Charset); e != nil {
				enc, name = e, canonical
			}
		}
	}
	if name == "utf-8" {
		return bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")), nil
	}

	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return out, nil
}

// declaresCharset reports whether the document prologue names a charset.
func declaresCharset(body []byte) bool {
	if len(body) > 1024 {
		body = body[:1024]
	}
	return bytes.Contains(bytes.ToLower(body), []byte("charset"))
}

// UTF8ContentType returns contentType with its charset parameter set to utf-8.
func UTF8ContentType(contentType string) string {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType == "" {
		return "text/html; charset=utf-8"
	}
	params["charset"] = "utf-8"
	return mime.FormatMediaType(mediaType, params)
}
