// Package middleware provides HTTP middleware for flowstudio.
package middleware

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Key type for context values
type contextKey string

// Context keys
const (
	CompanyIDKey contextKey = "company_id"
	SubjectKey   contextKey = "subject"
)

// TokenValidator validates bearer tokens
type TokenValidator interface {
	ValidateToken(token string) (*Claims, error)
}

// AuthMiddleware provides authentication middleware for HTTP handlers
type AuthMiddleware struct {
	tokens      TokenValidator
	rateLimiter *RateLimiter
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(tokens TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{
		tokens:      tokens,
		rateLimiter: NewRateLimiter(100, time.Minute), // 100 failed attempts per minute
	}
}

// Authenticate is middleware that authenticates requests.
// The token is read from the Authorization header, or from the access_token
// query parameter for websocket and event-stream clients that cannot set headers.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip authentication for OPTIONS requests (CORS preflight)
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r)
		if token == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		clientIP := clientAddress(r)
		if m.rateLimiter.IsLimited(clientIP) {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		claims, err := m.tokens.ValidateToken(token)
		if err != nil {
			m.rateLimiter.Record(clientIP)
			log.Debug().Err(err).Str("client", clientIP).Msg("Authentication failed")
			http.Error(w, "Authentication failed", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), CompanyIDKey, claims.CompanyID)
		ctx = context.WithValue(ctx, SubjectKey, claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCompanyID retrieves the company ID from the request context
func GetCompanyID(r *http.Request) (string, bool) {
	companyID, ok := r.Context().Value(CompanyIDKey).(string)
	return companyID, ok && companyID != ""
}

// WithCompanyID returns a context carrying a company ID
func WithCompanyID(ctx context.Context, companyID string) context.Context {
	return context.WithValue(ctx, CompanyIDKey, companyID)
}

// RequireCompany is middleware that ensures a company ID is present in the context
func RequireCompany(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := GetCompanyID(r); !ok {
			http.Error(w, "Authentication required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("access_token")
}

// clientAddress keys failed attempts by the connection's peer address.
// Forwarding headers are client controlled and are not consulted.
func clientAddress(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RateLimiter implements a simple rate limiting mechanism
type RateLimiter struct {
	attempts   map[string][]time.Time
	limit      int
	window     time.Duration
	mu         sync.Mutex
	cleanupInt time.Duration
	lastClean  time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		attempts:   make(map[string][]time.Time),
		limit:      limit,
		window:     window,
		cleanupInt: time.Minute * 5,
		lastClean:  time.Now(),
	}
}

// IsLimited checks if a client is rate limited
func (r *RateLimiter) IsLimited(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Clean up old entries periodically
	if time.Since(r.lastClean) > r.cleanupInt {
		r.cleanup()
		r.lastClean = time.Now()
	}

	attempts := r.attempts[clientID]
	if len(attempts) == 0 {
		return false
	}

	cutoff := time.Now().Add(-r.window)
	count := 0
	for _, t := range attempts {
		if t.After(cutoff) {
			count++
		}
	}

	return count >= r.limit
}

// Record records a failed authentication attempt
func (r *RateLimiter) Record(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.attempts[clientID] = append(r.attempts[clientID], time.Now())
}

// cleanup removes old entries
func (r *RateLimiter) cleanup() {
	cutoff := time.Now().Add(-r.window)
	for clientID, attempts := range r.attempts {
		var valid []time.Time
		for _, t := range attempts {
			if t.After(cutoff) {
				valid = append(valid, t)
			}
		}
		if len(valid) > 0 {
			r.attempts[clientID] = valid
		} else {
			delete(r.attempts, clientID)
		}
	}
}
