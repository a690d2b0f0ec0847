package ssrcore

import (
	"bytes"
	"compress/gzip"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
)

// minCompressSize skips compression for bodies too small to benefit.
const minCompressSize = 1024

// writeStringResponse writes a fully-buffered render result, optionally
// compressed. Only String mode comes through here; streamed bodies go out
// chunk by chunk and are never recompressed.
func writeStringResponse(w http.ResponseWriter, req *http.Request, head *responseHead, body []byte, compress bool) {
	h := w.Header()
	for _, pair := range head.Headers {
		switch strings.ToLower(pair[0]) {
		case "content-length", "transfer-encoding", "connection":
			continue
		}
		h.Add(pair[0], pair[1])
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "text/html; charset=utf-8")
	}

	if compress && len(body) >= minCompressSize && h.Get("Content-Encoding") == "" && compressible(h.Get("Content-Type")) {
		if enc := negotiateEncoding(req.Header.Get("Accept-Encoding")); enc != "" {
			if compressed, ok := compressBody(body, enc); ok {
				body = compressed
				h.Set("Content-Encoding", enc)
				h.Add("Vary", "Accept-Encoding")
			}
		}
	}

	h.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(head.Status)
	if req.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
}

// negotiateEncoding picks the response encoding from an Accept-Encoding
// header, preferring brotli over gzip. q-values beyond "q=0" are ignored.
func negotiateEncoding(acceptEncoding string) string {
	var hasBr, hasGzip bool
	for _, part := range strings.Split(acceptEncoding, ",") {
		token, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.Contains(params, "q=0") && !strings.Contains(params, "q=0.") {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(token)) {
		case "br":
			hasBr = true
		case "gzip":
			hasGzip = true
		}
	}
	if hasBr {
		return "br"
	}
	if hasGzip {
		return "gzip"
	}
	return ""
}

func compressible(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	mediaType = strings.TrimSpace(strings.ToLower(mediaType))
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	switch mediaType {
	case "application/json", "application/javascript", "application/xml", "image/svg+xml":
		return true
	}
	return false
}

// compressBody returns the compressed body, or ok=false when compression
// does not actually shrink it.
func compressBody(body []byte, encoding string) ([]byte, bool) {
	var buf bytes.Buffer
	switch encoding {
	case "br":
		bw := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
		if _, err := bw.Write(body); err != nil {
			return nil, false
		}
		if err := bw.Close(); err != nil {
			return nil, false
		}
	case "gzip":
		gw := gzip.NewWriter(&buf)
		if _, err := gw.Write(body); err != nil {
			return nil, false
		}
		if err := gw.Close(); err != nil {
			return nil, false
		}
	default:
		return nil, false
	}
	if buf.Len() >= len(body) {
		return nil, false
	}
	return buf.Bytes(), true
}
