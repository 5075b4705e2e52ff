package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	fbauth "firebase.google.com/go/v4/auth"
	"github.com/golang-jwt/jwt/v5"

	"github.com/tbourn/go-chat-sync/internal/config"
)

var (
	// ErrNoCredentials means the request carried no identity at all.
	ErrNoCredentials = errors.New("auth: no credentials")
	// ErrInvalidToken means a token was presented but rejected.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Verifier turns a bearer token into an Identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// IDTokenVerifier is the part of the Firebase Auth client used here.
type IDTokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*fbauth.Token, error)
}

// FirebaseVerifier verifies Firebase ID tokens.
type FirebaseVerifier struct {
	client IDTokenVerifier
}

func NewFirebaseVerifier(client IDTokenVerifier) *FirebaseVerifier {
	return &FirebaseVerifier{client: client}
}

func (v *FirebaseVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	tok, err := v.client.VerifyIDToken(ctx, token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	id := Identity{UID: tok.UID}
	if s, ok := tok.Claims["name"].(string); ok {
		id.DisplayName = s
	}
	if s, ok := tok.Claims["email"].(string); ok {
		id.Email = s
	}
	if s, ok := tok.Claims["picture"].(string); ok {
		id.PhotoURL = s
	}
	return id, nil
}

// Claims is the payload of tokens accepted by JWTVerifier.
type Claims struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Identity{
		UID:         claims.Subject,
		DisplayName: claims.Name,
		Email:       claims.Email,
		PhotoURL:    claims.Picture,
	}, nil
}

// SignToken issues an HS256 token for id, valid for ttl.
func SignToken(secret string, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Name:    id.DisplayName,
		Email:   id.Email,
		Picture: id.PhotoURL,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Authenticator extracts an Identity from a request. It returns
// ErrNoCredentials when the request is anonymous.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// BearerAuthenticator reads "Authorization: Bearer <token>" or, for
// websocket upgrades that cannot set headers, the "token" query parameter.
type BearerAuthenticator struct {
	Verifier Verifier
}

func (a BearerAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return Identity{}, ErrNoCredentials
	}
	return a.Verifier.Verify(r.Context(), token)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

// Header names trusted by HeaderAuthenticator.
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserName  = "X-User-Name"
	HeaderUserEmail = "X-User-Email"
	HeaderUserPhoto = "X-User-Photo"
)

// HeaderAuthenticator trusts identity headers set by the caller. Use it only
// in development or behind a proxy that sets them.
type HeaderAuthenticator struct{}

func (HeaderAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	uid := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if uid == "" {
		return Identity{}, ErrNoCredentials
	}
	return Identity{
		UID:         uid,
		DisplayName: strings.TrimSpace(r.Header.Get(HeaderUserName)),
		Email:       strings.TrimSpace(r.Header.Get(HeaderUserEmail)),
		PhotoURL:    strings.TrimSpace(r.Header.Get(HeaderUserPhoto)),
	}, nil
}

// NewAuthenticator builds the authenticator for cfg.Mode. fb is required
// for mode "firebase".
func NewAuthenticator(cfg config.AuthConfig, fb IDTokenVerifier) (Authenticator, error) {
	switch cfg.Mode {
	case "firebase":
		if fb == nil {
			return nil, errors.New("auth: firebase client required")
		}
		return BearerAuthenticator{Verifier: NewFirebaseVerifier(fb)}, nil
	case "jwt":
		return BearerAuthenticator{Verifier: NewJWTVerifier(cfg.JWTSecret)}, nil
	case "header", "":
		return HeaderAuthenticator{}, nil
	}
	return nil, fmt.Errorf("auth: unknown mode %q", cfg.Mode)
}
