package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zw834675966/ems/internal/domain"
)

// Claims represents the JWT claims issued by the platform's auth service.
type Claims struct {
	TenantID     string   `json:"tenant_id"`
	Roles        []string `json:"roles"`
	Permissions  []string `json:"permissions"`
	ProjectScope string   `json:"project_scope,omitempty"`
	jwt.RegisteredClaims
}

// ParseJWT validates a token and returns its claims.
func ParseJWT(tokenString string, secret []byte) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.New("auth: empty token")
	}
	if len(secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}

	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("auth: invalid signing method")
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("auth: invalid token")
	}
	if claims.TenantID == "" {
		return nil, errors.New("auth: missing tenant_id")
	}
	if claims.Subject == "" {
		return nil, errors.New("auth: missing subject")
	}
	if claims.ExpiresAt != nil && time.Now().After(claims.ExpiresAt.Time) {
		return nil, errors.New("auth: token expired")
	}
	return claims, nil
}

// TenantContext converts validated claims into the value object every store
// call receives.
func (c *Claims) TenantContext() domain.TenantContext {
	return domain.NewTenantContext(c.TenantID, c.Subject, c.Roles, c.Permissions, c.ProjectScope)
}
