// Package middleware carries the request admission layer of the ingress
// surface: authentication and per-device rate limiting.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/chirpneighbors/coordinator/internal/clock"
	"github.com/chirpneighbors/coordinator/internal/repository"
)

// ErrAuthInvalid covers malformed, unsigned, expired, and unknown credentials.
var ErrAuthInvalid = errors.New("middleware: invalid credentials")

// Principal is the authenticated identity attached to a request.
type Principal struct {
	UserID string
	Handle string
}

type principalKey struct{}

// WithPrincipal injects the authenticated principal into the context.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom extracts the authenticated principal, if any.
func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok
}

// Authenticator resolves a bearer credential to a principal. Token issuance
// is out of scope here; the coordinator only verifies.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Principal, error)
}

// tokenClaims is the signed payload of an HMAC token.
type tokenClaims struct {
	UserID    string `json:"uid"`
	Handle    string `json:"hdl"`
	ExpiresAt int64  `json:"exp"`
}

// HMACAuthenticator verifies HMAC-SHA256 signed bearer tokens of the form
// base64url(claims) + "." + base64url(signature).
type HMACAuthenticator struct {
	secret []byte
	clock  clock.Clock
}

// NewHMACAuthenticator builds a verifier over the shared secret.
func NewHMACAuthenticator(secret string, clk clock.Clock) *HMACAuthenticator {
	return &HMACAuthenticator{secret: []byte(secret), clock: clk}
}

// Authenticate verifies signature and expiry and returns the principal.
func (a *HMACAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return nil, ErrAuthInvalid
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, ErrAuthInvalid
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrAuthInvalid
	}
	if !hmac.Equal(sig, a.sign(payload)) {
		return nil, ErrAuthInvalid
	}

	var claims tokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrAuthInvalid
	}
	if claims.UserID == "" || a.clock.Now().Unix() >= claims.ExpiresAt {
		return nil, ErrAuthInvalid
	}
	return &Principal{UserID: claims.UserID, Handle: claims.Handle}, nil
}

// Sign mints a token for the given user, valid for ttl. Used by provisioning
// tooling; the serving path never issues.
func (a *HMACAuthenticator) Sign(userID, handle string, ttl time.Duration) string {
	payload, _ := json.Marshal(tokenClaims{
		UserID:    userID,
		Handle:    handle,
		ExpiresAt: a.clock.Now().Add(ttl).Unix(),
	})
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(a.sign(payload))
}

func (a *HMACAuthenticator) sign(payload []byte) []byte {
	mac := hmac.New(sha256.New, a.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// CredentialAuthenticator accepts "handle:secret" credentials checked against
// the stored bcrypt hash. It exists for devices provisioned with a static
// credential instead of a signed token.
type CredentialAuthenticator struct {
	repo repository.Repository
}

// NewCredentialAuthenticator builds the bcrypt-backed verifier.
func NewCredentialAuthenticator(repo repository.Repository) *CredentialAuthenticator {
	return &CredentialAuthenticator{repo: repo}
}

func (a *CredentialAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	handle, secret, ok := strings.Cut(token, ":")
	if !ok || handle == "" {
		return nil, ErrAuthInvalid
	}
	u, err := a.repo.GetUserByHandle(ctx, handle)
	if err != nil {
		return nil, ErrAuthInvalid
	}
	if bcrypt.CompareHashAndPassword([]byte(u.CredentialHash), []byte(secret)) != nil {
		return nil, ErrAuthInvalid
	}
	return &Principal{UserID: u.ID, Handle: u.Handle}, nil
}

// HashCredential produces the stored form of a device credential.
func HashCredential(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	return string(h), err
}

// ChainAuthenticator tries each authenticator in order, first match wins.
type ChainAuthenticator []Authenticator

func (c ChainAuthenticator) Authenticate(ctx context.Context, token string) (*Principal, error) {
	for _, a := range c {
		if p, err := a.Authenticate(ctx, token); err == nil {
			return p, nil
		}
	}
	return nil, ErrAuthInvalid
}

// StaticAuthenticator maps fixed tokens to principals. Test support.
type StaticAuthenticator map[string]Principal

func (s StaticAuthenticator) Authenticate(_ context.Context, token string) (*Principal, error) {
	p, ok := s[token]
	if !ok {
		return nil, ErrAuthInvalid
	}
	return &p, nil
}

// BearerToken extracts the request credential: Authorization: Bearer first,
// then the token query parameter (used by WebSocket clients that cannot set
// headers).
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// RequireAuth wraps a handler with bearer authentication. Missing or invalid
// credentials get 401; the principal rides the request context.
func RequireAuth(auth Authenticator, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := BearerToken(r)
		if token == "" {
			http.Error(w, `{"error":"missing credentials"}`, http.StatusUnauthorized)
			return
		}
		p, err := auth.Authenticate(r.Context(), token)
		if err != nil {
			http.Error(w, `{"error":"invalid credentials"}`, http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(WithPrincipal(r.Context(), p)))
	}
}
