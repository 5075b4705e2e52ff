package middleware

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func serveSecurity(opt SecurityOptions, req *http.Request) http.Header {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(SecurityHeaders(opt))
	r.GET("/rooms", func(c *gin.Context) { c.String(http.StatusOK, "[]") })
	r.GET("/rooms/stream", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/rooms/:id/ws", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Header()
}

func TestSecurityHeaders_Baseline(t *testing.T) {
	h := serveSecurity(SecurityOptions{}, httptest.NewRequest(http.MethodGet, "/rooms", nil))

	if h.Get("X-Content-Type-Options") != "nosniff" ||
		h.Get("X-Frame-Options") != "DENY" ||
		h.Get("Referrer-Policy") != "no-referrer" {
		t.Fatalf("baseline headers missing: %#v", h)
	}
	for _, k := range []string{"Permissions-Policy", "Cache-Control", "Pragma", "Strict-Transport-Security", "X-Accel-Buffering"} {
		if h.Get(k) != "" {
			t.Fatalf("unexpected %s: %q", k, h.Get(k))
		}
	}
}

func TestSecurityHeaders_PolicyNoStoreHSTS(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	req.TLS = &tls.ConnectionState{}
	h := serveSecurity(SecurityOptions{
		EnableHSTS:   true,
		HSTSMaxAge:   24 * time.Hour,
		NoStore:      true,
		EnablePolicy: true,
	}, req)

	if h.Get("Permissions-Policy") == "" || h.Get("X-Permitted-Cross-Domain-Policies") != "none" {
		t.Fatalf("missing policy headers: %#v", h)
	}
	if h.Get("Cache-Control") != "no-store" || h.Get("Pragma") != "no-cache" || h.Get("Expires") != "0" {
		t.Fatalf("missing cache headers: %#v", h)
	}
	if want := "max-age=86400; includeSubDomains; preload"; h.Get("Strict-Transport-Security") != want {
		t.Fatalf("HSTS = %q, want %q", h.Get("Strict-Transport-Security"), want)
	}
}

func TestSecurityHeaders_HSTSDefaultAgeBehindProxy(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/rooms", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	h := serveSecurity(SecurityOptions{EnableHSTS: true}, req)

	if got := h.Get("Strict-Transport-Security"); !strings.HasPrefix(got, "max-age=15552000;") {
		t.Fatalf("expected 180 day HSTS, got %q", got)
	}
	plain := serveSecurity(SecurityOptions{EnableHSTS: true}, httptest.NewRequest(http.MethodGet, "/rooms", nil))
	if plain.Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS must not be sent over plain HTTP")
	}
}

func TestSecurityHeaders_Streams(t *testing.T) {
	sse := serveSecurity(SecurityOptions{NoStore: true}, httptest.NewRequest(http.MethodGet, "/rooms/stream", nil))
	if sse.Get("Cache-Control") != "no-cache" || sse.Get("X-Accel-Buffering") != "no" {
		t.Fatalf("sse headers: %#v", sse)
	}
	if sse.Get("Pragma") != "" {
		t.Fatalf("no-store headers leaked onto a stream: %#v", sse)
	}

	req := httptest.NewRequest(http.MethodGet, "/rooms/r1/ws", nil)
	req.Header.Set("Upgrade", "websocket")
	ws := serveSecurity(SecurityOptions{}, req)
	if ws.Get("Cache-Control") != "no-cache" || ws.Get("X-Accel-Buffering") != "" {
		t.Fatalf("ws headers: %#v", ws)
	}
}

func TestIsHTTPS(t *testing.T) {
	if isHTTPS(httptest.NewRequest(http.MethodGet, "/", nil)) {
		t.Fatalf("plain HTTP should not be https")
	}
	viaTLS := httptest.NewRequest(http.MethodGet, "/", nil)
	viaTLS.TLS = &tls.ConnectionState{}
	if !isHTTPS(viaTLS) {
		t.Fatalf("TLS request should be https")
	}
	viaProxy := httptest.NewRequest(http.MethodGet, "/", nil)
	viaProxy.Header.Set("X-Forwarded-Proto", "HTTPS")
	if !isHTTPS(viaProxy) {
		t.Fatalf("X-Forwarded-Proto=https should be https")
	}
}
