package ssrcore

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
)

func htmlBody(n int) []byte {
	var b bytes.Buffer
	b.WriteString("<html><body>")
	for i := 0; i < n; i++ {
		b.WriteString("<p>the same paragraph over and over</p>")
	}
	b.WriteString("</body></html>")
	return b.Bytes()
}

func stringHead(contentType string) *responseHead {
	return &responseHead{
		Status:  200,
		Headers: [][2]string{{"content-type", contentType}},
	}
}

func TestNegotiateEncoding(t *testing.T) {
	cases := []struct {
		accept, want string
	}{
		{"", ""},
		{"gzip", "gzip"},
		{"br", "br"},
		{"gzip, br", "br"},
		{"gzip, deflate, br;q=1.0", "br"},
		{"br;q=0, gzip", "gzip"},
		{"identity", ""},
	}
	for _, tc := range cases {
		if got := negotiateEncoding(tc.accept); got != tc.want {
			t.Errorf("negotiateEncoding(%q) = %q, want %q", tc.accept, got, tc.want)
		}
	}
}

func TestWriteStringResponseBrotli(t *testing.T) {
	body := htmlBody(100)
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip, br")
	rec := httptest.NewRecorder()

	writeStringResponse(rec, req, stringHead("text/html"), body, true)

	if enc := rec.Header().Get("Content-Encoding"); enc != "br" {
		t.Fatalf("content-encoding = %q, want br", enc)
	}
	br := brotli.NewReader(rec.Body)
	decoded, err := io.ReadAll(br)
	if err != nil {
		t.Fatalf("decoding brotli: %v", err)
	}
	if !bytes.Equal(decoded, body) {
		t.Fatal("decompressed body differs from original")
	}
}

func TestWriteStringResponseGzip(t *testing.T) {
	body := htmlBody(100)
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()

	writeStringResponse(rec, req, stringHead("text/html"), body, true)

	if enc := rec.Header().Get("Content-Encoding"); enc != "gzip" {
		t.Fatalf("content-encoding = %q, want gzip", enc)
	}
	gr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	decoded, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("decoding gzip: %v", err)
	}
	if !bytes.Equal(decoded, body) {
		t.Fatal("decompressed body differs from original")
	}
}

func TestWriteStringResponseSkipsSmallBodies(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "br")
	rec := httptest.NewRecorder()

	writeStringResponse(rec, req, stringHead("text/html"), []byte("tiny"), true)

	if enc := rec.Header().Get("Content-Encoding"); enc != "" {
		t.Errorf("tiny body was compressed with %q", enc)
	}
	if rec.Body.String() != "tiny" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestWriteStringResponseSkipsBinaryTypes(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "br")
	rec := httptest.NewRecorder()

	writeStringResponse(rec, req, stringHead("image/png"), htmlBody(100), true)

	if enc := rec.Header().Get("Content-Encoding"); enc != "" {
		t.Errorf("binary content-type was compressed with %q", enc)
	}
}

func TestWriteStringResponseDisabled(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Accept-Encoding", "br, gzip")
	rec := httptest.NewRecorder()

	body := htmlBody(100)
	writeStringResponse(rec, req, stringHead("text/html"), body, false)

	if enc := rec.Header().Get("Content-Encoding"); enc != "" {
		t.Errorf("compression ran while disabled: %q", enc)
	}
	if !bytes.Equal(rec.Body.Bytes(), body) {
		t.Error("body modified with compression disabled")
	}
}

func TestWriteStringResponseDefaultContentType(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	writeStringResponse(rec, req, &responseHead{Status: 200}, []byte("<p>x</p>"), false)
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content-type = %q", ct)
	}
}

func TestWriteStringResponseHeadRequest(t *testing.T) {
	req := httptest.NewRequest("HEAD", "/", nil)
	rec := httptest.NewRecorder()
	writeStringResponse(rec, req, stringHead("text/html"), []byte("<p>x</p>"), false)
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD response carried %d body bytes", rec.Body.Len())
	}
}
