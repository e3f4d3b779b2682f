package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zw834675966/ems/internal/domain"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, claims *Claims, secret []byte) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func validClaims() *Claims {
	return &Claims{
		TenantID:     "tenant-1",
		Roles:        []string{"operator"},
		Permissions:  []string{"control.command.issue"},
		ProjectScope: "project-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
}

func TestParseJWTRoundTrip(t *testing.T) {
	token := signToken(t, validClaims(), testSecret)

	claims, err := ParseJWT(token, testSecret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	tctx := claims.TenantContext()
	if tctx.TenantID != "tenant-1" || tctx.UserID != "user-1" || tctx.ProjectScope != "project-1" {
		t.Fatalf("tenant context: %+v", tctx)
	}
}

func TestParseJWTRejectsBadSecret(t *testing.T) {
	token := signToken(t, validClaims(), []byte("other-secret"))
	if _, err := ParseJWT(token, testSecret); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestParseJWTRejectsExpired(t *testing.T) {
	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	token := signToken(t, claims, testSecret)
	if _, err := ParseJWT(token, testSecret); err == nil {
		t.Fatal("expected expiry error")
	}
}

func TestParseJWTRejectsMissingTenant(t *testing.T) {
	claims := validClaims()
	claims.TenantID = ""
	token := signToken(t, claims, testSecret)
	if _, err := ParseJWT(token, testSecret); err == nil {
		t.Fatal("expected missing tenant error")
	}
}

func TestTenantContextRoundTripThroughContext(t *testing.T) {
	tctx := domain.NewTenantContext("tenant-1", "user-1", []string{"operator"}, nil, "project-1")
	ctx := WithTenantContext(context.Background(), tctx)

	got, ok := TenantContextFromContext(ctx)
	if !ok {
		t.Fatal("tenant context missing")
	}
	if got.TenantID != "tenant-1" || got.UserID != "user-1" || got.ProjectScope != "project-1" {
		t.Fatalf("round trip: %+v", got)
	}

	if _, ok := TenantContextFromContext(context.Background()); ok {
		t.Fatal("bare context must have no tenant context")
	}
}

func TestEnsureProjectScope(t *testing.T) {
	scoped := domain.NewTenantContext("tenant-1", "user-1", nil, nil, "project-1")
	if err := EnsureProjectScope(scoped, "project-1"); err != nil {
		t.Fatalf("matching scope: %v", err)
	}
	if err := EnsureProjectScope(scoped, "project-2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("mismatched scope: got %v", err)
	}

	unscoped := domain.NewTenantContext("tenant-1", "user-1", nil, nil, "")
	if err := EnsureProjectScope(unscoped, "project-2"); err != nil {
		t.Fatalf("empty scope grants tenant-wide access: %v", err)
	}

	empty := domain.TenantContext{}
	if err := EnsureProjectScope(empty, "project-1"); !errors.Is(err, ErrTenantRequired) {
		t.Fatalf("empty tenant: got %v", err)
	}
}
