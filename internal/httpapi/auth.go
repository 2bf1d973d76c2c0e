package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	ScopeRead  = "entries:read"
	ScopeWrite = "entries:write"

	tokenAudience = "drinklog"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type accessClaims struct {
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

type tokenClaims struct {
	Owner  string
	Scopes map[string]struct{}
}

// IssueToken signs an HS256 access token for owner. Tokens without scopes
// grant read and write.
func IssueToken(secret, owner string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", errors.New("owner is required")
	}
	claims := accessClaims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   owner,
			Audience:  jwt.ClaimStrings{tokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authorizeBearer(authHeader, jwtSecret, requiredScope string, now time.Time) (tokenClaims, *authError) {
	claims, err := parseBearer(authHeader, jwtSecret, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" && len(claims.Scopes) > 0 {
		if _, ok := claims.Scopes[requiredScope]; !ok {
			return tokenClaims{}, &authError{
				status:  http.StatusForbidden,
				code:    "forbidden",
				message: "missing required scope: " + requiredScope,
			}
		}
	}
	return claims, nil
}

func parseBearer(authHeader, jwtSecret string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing or invalid bearer token"}
	}
	raw := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))

	var claims accessClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(tokenAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		message := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			message = "token expired"
		} else if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			message = "jwt signature mismatch"
		}
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return tokenClaims{}, &authError{status: http.StatusUnauthorized, code: "unauthorized", message: "missing sub claim"}
	}
	scopes := map[string]struct{}{}
	for _, scope := range claims.Scopes {
		if scope = strings.TrimSpace(scope); scope != "" {
			scopes[scope] = struct{}{}
		}
	}
	return tokenClaims{Owner: claims.Subject, Scopes: scopes}, nil
}

type ownerKey struct{}

func withOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

func ownerFrom(r *http.Request) string {
	owner, _ := r.Context().Value(ownerKey{}).(string)
	return owner
}

// requireScope authenticates the request and stores the token subject as
// the owner every handler scopes its queries to.
func (s *Server) requireScope(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correlationID := getCorrelationID(r)
		header := r.Header.Get("Authorization")
		if header == "" {
			if token := r.URL.Query().Get("access_token"); token != "" {
				header = "Bearer " + token
			}
		}
		claims, authErr := authorizeBearer(header, s.cfg.JWTSecret, scope, s.now())
		if authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
			return
		}
		if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Owner, s.now()) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
		next(w, r.WithContext(withOwner(r.Context(), claims.Owner)))
	}
}
