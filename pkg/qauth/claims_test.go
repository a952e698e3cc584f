package qauth

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestFromClaimsRoundTrip(t *testing.T) {
	c := &Claims{
		Subject: "ci-bot",
		Name:    "CI",
		Scope:   "runs",
		Iss:     Issuer,
		Iat:     1000,
		Exp:     2000,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, ToClaims(c))
	tokenStr, err := token.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	parsed, err := FromToken(tokenStr)
	if err != nil {
		t.Fatalf("FromToken error: %v", err)
	}
	if !reflect.DeepEqual(parsed, c) {
		t.Fatalf("parsed claims mismatch\nexpected=%#v\nparsed=%#v", c, parsed)
	}
}

func TestFromMapClaimsHandlesNumericSub(t *testing.T) {
	c := FromMapClaims(jwt.MapClaims{
		"sub": float64(42),
		"iat": float64(1600),
		"exp": float64(2600),
	})
	if c.Subject != "42" {
		t.Fatalf("expected subject 42 got %s", c.Subject)
	}
	if c.Iat != 1600 || c.Exp != 2600 {
		t.Fatalf("unexpected timestamps: %+v", c)
	}
}

func TestSignAndVerify(t *testing.T) {
	secret := []byte("s3cret")
	tokenStr, err := Sign(secret, "alice", "Alice", time.Hour)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	c, err := Verify(secret, tokenStr)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if c.Subject != "alice" || c.Iss != Issuer {
		t.Errorf("unexpected claims: %+v", c)
	}

	if _, err := Verify([]byte("other"), tokenStr); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for wrong secret, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	secret := []byte("s3cret")
	mc := ToClaims(&Claims{Subject: "alice", Iss: Issuer, Exp: time.Now().Add(-time.Minute).Unix()})
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(secret)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}

	if _, err := Verify(secret, tokenStr); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for expired token, got %v", err)
	}
	expired, err := IsTokenExpired(tokenStr, 0)
	if err != nil || !expired {
		t.Errorf("expected expired token, got expired=%v err=%v", expired, err)
	}
}

func TestIsTokenExpiredSkew(t *testing.T) {
	tokenStr, err := Sign([]byte("k"), "bob", "", 10*time.Second)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if expired, _ := IsTokenExpired(tokenStr, 0); expired {
		t.Errorf("token should still be valid")
	}
	if expired, _ := IsTokenExpired(tokenStr, time.Minute); !expired {
		t.Errorf("token within skew should count as expired")
	}
	if expired, _ := IsTokenExpired("", 0); !expired {
		t.Errorf("empty token counts as expired")
	}
}
