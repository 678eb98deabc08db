package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	scopeRead    = "sync:read"
	scopeTrigger = "sync:trigger"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

type tokenClaims struct {
	Subject   string
	Scopes    map[string]struct{}
	ExpiresAt time.Time
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func authorizeBearer(authHeader, jwtSecret, audience, requiredScope string, now time.Time) (tokenClaims, *authError) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	claims, err := parseToken(strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer ")), jwtSecret, audience, now)
	if err != nil {
		return tokenClaims{}, err
	}
	if requiredScope != "" {
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

// parseToken validates an HS256 token carrying sub, exp, aud and scopes.
func parseToken(raw, jwtSecret, audience string, now time.Time) (tokenClaims, *authError) {
	if raw == "" {
		return tokenClaims{}, unauthorized("missing or invalid bearer token")
	}
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(jwtSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return tokenClaims{}, unauthorized("invalid token: " + err.Error())
	}
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return tokenClaims{}, unauthorized("invalid token")
	}
	subject, _ := mapClaims["sub"].(string)
	if subject == "" {
		return tokenClaims{}, unauthorized("missing sub claim")
	}
	exp, err := mapClaims.GetExpirationTime()
	if err != nil || exp == nil {
		return tokenClaims{}, unauthorized("invalid exp claim")
	}
	scopes := parseScopes(mapClaims["scopes"])
	if len(scopes) == 0 {
		return tokenClaims{}, &authError{status: http.StatusForbidden, code: "forbidden", message: "no scopes granted"}
	}
	return tokenClaims{Subject: subject, Scopes: scopes, ExpiresAt: exp.Time}, nil
}

func parseScopes(v any) map[string]struct{} {
	out := map[string]struct{}{}
	switch typed := v.(type) {
	case []any:
		for _, item := range typed {
			if scope, ok := item.(string); ok && scope != "" {
				out[scope] = struct{}{}
			}
		}
	case []string:
		for _, scope := range typed {
			if scope != "" {
				out[scope] = struct{}{}
			}
		}
	case string:
		for _, scope := range strings.Fields(typed) {
			out[scope] = struct{}{}
		}
	}
	return out
}
