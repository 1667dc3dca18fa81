package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// TokenValidator validates a bearer token and returns the caller's key id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure (e.g. to increment a Prometheus counter).
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter attaches a per-client limiter that throttles repeated
// authentication failures.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

func newAuthConfig(opts []AuthOption) authConfig {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// failed records a failure and reports whether the client is still allowed
// another attempt.
func (c authConfig) failed(client string) bool {
	if c.onFailure != nil {
		c.onFailure()
	}
	if c.rateLimiter == nil || client == "" {
		return true
	}
	return c.rateLimiter.RecordFailureAndAllow(client)
}

// HTTPBearerAuthMiddleware enforces bearer-token auth for HTTP handlers.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := newAuthConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			keyID, err := authorize(r.Context(), []string{r.Header.Get("Authorization")}, validator)
			if err != nil {
				if !cfg.failed(ExtractIP(r.RemoteAddr)) {
					http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
					return
				}
				LoggerFromContext(r.Context()).Warn("authentication failed", "error", err)
				writeHTTPUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(NewContextWithKeyID(r.Context(), keyID)))
		})
	}
}

// UnaryBearerAuthInterceptor enforces bearer-token auth for unary gRPC requests.
func UnaryBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		var headers []string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			headers = md.Get("authorization")
		}

		keyID, err := authorize(ctx, headers, validator)
		if err != nil {
			if !cfg.failed(extractGRPCPeerIP(ctx)) {
				return nil, status.Error(codes.ResourceExhausted, "too many failed auth attempts")
			}
			LoggerFromContext(ctx).Warn("authentication failed", "error", err)
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}
		return handler(NewContextWithKeyID(ctx, keyID), req)
	}
}

type contextKey string

const keyIDKey contextKey = "api_key_id"

// KeyIDFromContext retrieves the authenticated API key id from the context.
func KeyIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(keyIDKey).(string)
	return id, ok
}

// NewContextWithKeyID returns a new context carrying the given API key id.
func NewContextWithKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, keyIDKey, keyID)
}

// authorize accepts the first header that carries a valid bearer token.
func authorize(ctx context.Context, headers []string, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errors.New("token validator is nil")
	}

	err := errMissingAuthorizationHeader
	for _, header := range headers {
		if strings.TrimSpace(header) == "" {
			continue
		}
		token, parseErr := parseBearerToken(header)
		if parseErr != nil {
			err = parseErr
			continue
		}
		keyID, validateErr := validator.ValidateToken(ctx, token)
		if validateErr != nil {
			err = validateErr
			continue
		}
		if strings.TrimSpace(keyID) == "" {
			return "", errInvalidAuthorizationHeader
		}
		return keyID, nil
	}
	return "", err
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 {
		return "", errInvalidAuthorizationHeader
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	return parts[1], nil
}

func writeHTTPUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
}

func extractGRPCPeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return ExtractIP(p.Addr.String())
}
