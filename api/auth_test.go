package api

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func TestAuthorizeClient(t *testing.T) {
	auth := NewAuth("shared-token", "secret", time.Hour)

	if err := auth.AuthorizeClient("Bearer shared-token", ""); err != nil {
		t.Fatalf("valid header rejected: %v", err)
	}
	if err := auth.AuthorizeClient("", "shared-token"); err != nil {
		t.Fatalf("valid query token rejected: %v", err)
	}
	if err := auth.AuthorizeClient("", ""); err == nil {
		t.Fatalf("missing credentials accepted")
	}
	if err := auth.AuthorizeClient("Bearer wrong", ""); err == nil {
		t.Fatalf("wrong token accepted")
	}
	if err := auth.AuthorizeClient("Basic shared-token", ""); err == nil {
		t.Fatalf("non-bearer scheme accepted")
	}
	// Header takes precedence over the query parameter.
	if err := auth.AuthorizeClient("Bearer wrong", "shared-token"); err == nil {
		t.Fatalf("bad header with good query token accepted")
	}
}

func TestAdminTokenRoundTrip(t *testing.T) {
	auth := NewAuth("client", "signing-secret", time.Hour)

	token, err := auth.CreateAdminToken("root")
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	username, err := auth.UsernameFromAdminToken("Bearer " + token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if username != "root" {
		t.Fatalf("username %q", username)
	}
}

func TestAdminTokenWrongSecret(t *testing.T) {
	issuer := NewAuth("client", "secret-a", time.Hour)
	verifier := NewAuth("client", "secret-b", time.Hour)

	token, err := issuer.CreateAdminToken("root")
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	if _, err := verifier.UsernameFromAdminToken("Bearer " + token); err == nil {
		t.Fatalf("cross-secret token accepted")
	}
}

func TestAdminTokenExpired(t *testing.T) {
	auth := NewAuth("client", "signing-secret", time.Hour)

	now := time.Now()
	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   "root",
		"admin": true,
		"iat":   now.Add(-2 * time.Hour).Unix(),
		"exp":   now.Add(-time.Hour).Unix(),
	})
	signed, err := expired.SignedString([]byte("signing-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.UsernameFromAdminToken("Bearer " + signed); err == nil {
		t.Fatalf("expired token accepted")
	}
}

func TestAdminTokenRequiresAdminClaim(t *testing.T) {
	auth := NewAuth("client", "signing-secret", time.Hour)

	now := time.Now()
	plain := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "cg",
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	})
	signed, err := plain.SignedString([]byte("signing-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.UsernameFromAdminToken("Bearer " + signed); err == nil {
		t.Fatalf("token without admin claim accepted")
	}
}

func TestAdminTokenRejectsNone(t *testing.T) {
	auth := NewAuth("client", "signing-secret", time.Hour)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub":   "root",
		"admin": true,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := auth.UsernameFromAdminToken("Bearer " + signed); err == nil {
		t.Fatalf("alg=none token accepted")
	}
}
