package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	otelpkg "github.com/basket/currency-agent/internal/otel"
)

// authContextKey is the context key type for the authenticated user name.
type authContextKey struct{}

const (
	reasonMissingHeader = "Missing or malformed Authorization header."
	reasonAuthFailed    = "Authentication failed"
)

// BasicAuthConfig configures BasicAuthMiddleware. Users maps user name to
// password.
type BasicAuthConfig struct {
	Users       map[string]string
	PublicPaths []string
	Metrics     *otelpkg.Metrics
	Logger      *slog.Logger
}

// BasicAuthMiddleware checks HTTP basic credentials against an injected
// user table. Paths listed as public bypass the check.
type BasicAuthMiddleware struct {
	mu     sync.RWMutex
	users  map[string]string
	public map[string]bool

	metrics *otelpkg.Metrics
	logger  *slog.Logger
}

func NewBasicAuthMiddleware(cfg BasicAuthConfig) *BasicAuthMiddleware {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	am := &BasicAuthMiddleware{
		metrics: cfg.Metrics,
		logger:  logger.With("component", "auth"),
	}
	am.Update(cfg.Users, cfg.PublicPaths)
	return am
}

// Update swaps the credential table and public paths. In-flight requests
// keep the table they started with.
func (am *BasicAuthMiddleware) Update(users map[string]string, publicPaths []string) {
	u := make(map[string]string, len(users))
	for name, pw := range users {
		u[name] = pw
	}
	p := make(map[string]bool, len(publicPaths))
	for _, path := range publicPaths {
		p[path] = true
	}
	am.mu.Lock()
	am.users = u
	am.public = p
	am.mu.Unlock()
}

// Wrap wraps an http.Handler with basic-auth checking.
func (am *BasicAuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		am.mu.RLock()
		users, public := am.users, am.public
		am.mu.RUnlock()

		if public[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		username, status, reason := authenticate(users, r.Header.Get("Authorization"))
		if status != http.StatusOK {
			am.reject(w, r, status, reason)
			return
		}

		ctx := context.WithValue(r.Context(), authContextKey{}, username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Verify reports the user name carried by r when its credentials are valid.
// It does not consult public paths and never writes a response.
func (am *BasicAuthMiddleware) Verify(r *http.Request) (string, bool) {
	am.mu.RLock()
	users := am.users
	am.mu.RUnlock()
	username, status, _ := authenticate(users, r.Header.Get("Authorization"))
	return username, status == http.StatusOK
}

// authenticate checks an Authorization header against users and returns
// the user name, or the rejection status and reason.
func authenticate(users map[string]string, header string) (string, int, string) {
	if !strings.HasPrefix(header, "Basic ") {
		return "", http.StatusUnauthorized, reasonMissingHeader
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(header, "Basic "))
	if err == nil && !utf8.Valid(decoded) {
		err = errors.New("credentials are not valid utf-8")
	}
	if err != nil {
		return "", http.StatusForbidden, reasonAuthFailed + ": " + err.Error()
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok || !checkPassword(users, username, password) {
		return "", http.StatusForbidden, reasonAuthFailed
	}
	return username, http.StatusOK, ""
}

// unknownUserDigest stands in for the password digest of names that are not
// in the table.
var unknownUserDigest = sha256.Sum256([]byte("unknown user"))

// checkPassword compares fixed-length SHA-256 digests in constant time, so
// neither the password length nor whether the user exists shows in timing.
func checkPassword(users map[string]string, username, password string) bool {
	expected, known := users[username]
	want := unknownUserDigest
	if known {
		want = sha256.Sum256([]byte(expected))
	}
	got := sha256.Sum256([]byte(password))
	match := subtle.ConstantTimeCompare(got[:], want[:]) == 1
	return known && match
}

func (am *BasicAuthMiddleware) reject(w http.ResponseWriter, r *http.Request, status int, reason string) {
	kind := "forbidden"
	if status == http.StatusUnauthorized {
		kind = "unauthorized"
	}
	if am.metrics != nil {
		am.metrics.AuthRejects.Add(r.Context(), 1, metric.WithAttributes(attribute.String("reason", kind)))
	}
	am.logger.Debug("request rejected", "path", r.URL.Path, "status", status, "reason", reason)

	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(status)
		_, _ = w.Write([]byte("error " + kind + ": " + reason))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": kind, "reason": reason})
}

// UserFromContext returns the authenticated user name, or "" when the
// request was not authenticated.
func UserFromContext(ctx context.Context) string {
	if user, ok := ctx.Value(authContextKey{}).(string); ok {
		return user
	}
	return ""
}
