package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-chat-sync/internal/services"
)

// envelopeRouter serves h behind a fixed request id and a captured
// request-scoped logger.
func envelopeRouter(h gin.HandlerFunc) (*gin.Engine, *bytes.Buffer) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	lg := zerolog.New(&buf)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set("requestID", "rid-1")
		c.Set("logger", &lg)
		c.Next()
	})
	r.Any("/x", h)
	return r, &buf
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var er ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
		t.Fatalf("envelope json: %v (%s)", err, w.Body.String())
	}
	return er
}

func TestFail_EnvelopeAndLogging(t *testing.T) {
	r, logs := envelopeRouter(func(c *gin.Context) {
		Fail(c, http.StatusNotFound, ErrCodeNotFound, "room not found")
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

	er := decodeEnvelope(t, w)
	if w.Code != http.StatusNotFound || er != (ErrorResponse{RequestID: "rid-1", Code: "not_found", Message: "room not found"}) {
		t.Fatalf("404 envelope: %d %+v", w.Code, er)
	}
	if logs.Len() != 0 {
		t.Fatalf("4xx should not be logged here: %s", logs.String())
	}

	r, logs = envelopeRouter(func(c *gin.Context) {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "kaboom")
	})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if w.Code != http.StatusInternalServerError || !strings.Contains(logs.String(), `"level":"error"`) {
		t.Fatalf("5xx should be logged: %d %s", w.Code, logs.String())
	}
}

func TestFailErr_MapsServiceKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{services.ErrAuthRequired, http.StatusUnauthorized, ErrCodeUnauthorized},
		{services.ErrPermission, http.StatusForbidden, ErrCodeForbidden},
		{fmt.Errorf("get room: %w", services.ErrNotFound), http.StatusNotFound, ErrCodeNotFound},
		{services.ErrAlreadyExists, http.StatusConflict, ErrCodeConflict},
		{services.ErrNotPending, http.StatusConflict, ErrCodeNotPending},
		{services.ErrInvalidInput, http.StatusBadRequest, ErrCodeBadRequest},
		{services.ErrTimeout, http.StatusGatewayTimeout, ErrCodeTimeout},
		{fmt.Errorf("x: %w: %w", services.ErrTransientStore, errors.New("disk")), http.StatusServiceUnavailable, ErrCodeUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeCreateFailed},
	}
	for _, tc := range cases {
		r, _ := envelopeRouter(func(c *gin.Context) { failErr(c, tc.err, ErrCodeCreateFailed) })
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))

		if w.Code != tc.status {
			t.Fatalf("%v: status=%d want %d", tc.err, w.Code, tc.status)
		}
		er := decodeEnvelope(t, w)
		if er.Code != tc.code {
			t.Fatalf("%v: code=%q want %q", tc.err, er.Code, tc.code)
		}
		if tc.status >= 500 && strings.Contains(er.Message, "disk") {
			t.Fatalf("cause leaked into envelope: %q", er.Message)
		}
		if tc.status < 500 && er.Message != tc.err.Error() {
			t.Fatalf("client errors keep their message, got %q", er.Message)
		}
	}
}

func TestFail_UnavailableSetsRetryAfter(t *testing.T) {
	r, _ := envelopeRouter(func(c *gin.Context) {
		failErr(c, services.ErrTransientStore, ErrCodeInternal)
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))
	if w.Header().Get("Retry-After") != retryAfterUnavailable {
		t.Fatalf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
}

func TestSuccessHelpers(t *testing.T) {
	r, _ := envelopeRouter(func(c *gin.Context) {
		if c.Request.Method == http.MethodDelete {
			noContent(c)
			return
		}
		ok(c, http.StatusCreated, MessageCreated{ID: "m1"})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))
	var created MessageCreated
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil || w.Code != http.StatusCreated || created.ID != "m1" {
		t.Fatalf("ok: %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/x", nil))
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Fatalf("noContent: %d %q", w.Code, w.Body.String())
	}
}
