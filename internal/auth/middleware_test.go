package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newAuthRouter(a Authenticator) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware(a))
	r.GET("/open", func(c *gin.Context) {
		id, _ := FromContext(c)
		c.String(http.StatusOK, id.UID)
	})
	r.GET("/closed", Require(), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(CtxUserID))
	})
	return r
}

func TestMiddleware(t *testing.T) {
	r := newAuthRouter(BearerAuthenticator{Verifier: NewJWTVerifier("k")})
	tok, _ := SignToken("k", Identity{UID: "u1"}, time.Minute)

	cases := []struct {
		name, path, auth string
		status           int
		body             string
	}{
		{"anonymous open", "/open", "", http.StatusOK, ""},
		{"anonymous closed", "/closed", "", http.StatusUnauthorized, ""},
		{"valid closed", "/closed", "Bearer " + tok, http.StatusOK, "u1"},
		{"invalid open", "/open", "Bearer nope", http.StatusUnauthorized, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.auth != "" {
				req.Header.Set("Authorization", tc.auth)
			}
			r.ServeHTTP(w, req)
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tc.status, w.Body.String())
			}
			if tc.status == http.StatusOK && w.Body.String() != tc.body {
				t.Fatalf("body = %q, want %q", w.Body.String(), tc.body)
			}
		})
	}
}
