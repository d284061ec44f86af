package api

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func newCompressionTestRouter(body string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(compressionMiddleware())
	r.GET("/body", func(c *gin.Context) {
		c.String(http.StatusOK, body)
	})
	return r
}

func TestCompressionMiddlewareCompressesLargeBodies(t *testing.T) {
	body := strings.Repeat("x", gzipMinBytes+1)
	r := newCompressionTestRouter(body)

	req := httptest.NewRequest(http.MethodGet, "/body", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", got)
	}
	zr, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("response body is not valid gzip: %v", err)
	}
	defer zr.Close()
	decoded, err := io.ReadAll(zr)
	if err != nil {
		t.Fatal(err)
	}
	if string(decoded) != body {
		t.Fatal("decoded body does not match original")
	}
}

func TestCompressionMiddlewareSkipsSmallBodies(t *testing.T) {
	body := "short"
	r := newCompressionTestRouter(body)

	req := httptest.NewRequest(http.MethodGet, "/body", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Encoding"); got != "" {
		t.Fatalf("Content-Encoding = %q, want unset for a body under the threshold", got)
	}
	if rec.Body.String() != body {
		t.Fatalf("body = %q, want %q", rec.Body.String(), body)
	}
}

func TestCompressionMiddlewareSkipsClientsWithoutGzipSupport(t *testing.T) {
	body := strings.Repeat("x", gzipMinBytes+1)
	r := newCompressionTestRouter(body)

	req := httptest.NewRequest(http.MethodGet, "/body", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Encoding"); got != "" {
		t.Fatalf("Content-Encoding = %q, want unset without Accept-Encoding: gzip", got)
	}
	if rec.Body.String() != body {
		t.Fatal("body should pass through unmodified")
	}
}
