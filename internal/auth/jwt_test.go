package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestMintAndValidate(t *testing.T) {
	issuer, err := NewTokenIssuer(testSecret, time.Hour)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}

	token, err := issuer.Mint("s1")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	claims, err := issuer.Validate(token, "s1")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.Session != "s1" || claims.Subject != "s1" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestValidateRejectsOtherSession(t *testing.T) {
	issuer, _ := NewTokenIssuer(testSecret, time.Hour)
	token, _ := issuer.Mint("s1")

	_, err := issuer.Validate(token, "s2")
	if !errors.Is(err, ErrSessionMismatch) {
		t.Fatalf("Validate other session = %v, want ErrSessionMismatch", err)
	}
}

func TestValidateRejectsExpired(t *testing.T) {
	issuer, _ := NewTokenIssuer(testSecret, time.Minute)
	issued := time.Now().Add(-2 * time.Hour)
	issuer.now = func() time.Time { return issued }
	token, _ := issuer.Mint("s1")

	issuer.now = time.Now
	if _, err := issuer.Validate(token, "s1"); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("Validate expired = %v, want ErrTokenExpired", err)
	}
}

func TestValidateRejectsForeignSignature(t *testing.T) {
	a, _ := NewTokenIssuer(testSecret, time.Hour)
	b, _ := NewTokenIssuer(strings.Repeat("z", 32), time.Hour)
	token, _ := a.Mint("s1")

	if _, err := b.Validate(token, "s1"); err == nil {
		t.Fatal("token signed with another secret was accepted")
	}
}

func TestValidateRejectsNoneAlgorithm(t *testing.T) {
	issuer, _ := NewTokenIssuer(testSecret, time.Hour)
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "session-bridge",
			Audience:  jwt.ClaimStrings{"agent-callback"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Session: "s1",
	})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := issuer.Validate(token, "s1"); err == nil {
		t.Fatal("unsigned token was accepted")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	issuer, _ := NewTokenIssuer(testSecret, time.Hour)
	if _, err := issuer.Validate("not-a-token", "s1"); err == nil {
		t.Fatal("garbage token was accepted")
	}
}

func TestNewTokenIssuer(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		ttl     time.Duration
		wantErr bool
	}{
		{"explicit secret", testSecret, time.Hour, false},
		{"generated secret", "", time.Hour, false},
		{"short secret", "short", time.Hour, true},
		{"zero ttl", testSecret, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTokenIssuer(tt.secret, tt.ttl)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestGeneratedSecretsDiffer(t *testing.T) {
	a, _ := NewTokenIssuer("", time.Hour)
	b, _ := NewTokenIssuer("", time.Hour)
	token, _ := a.Mint("s1")
	if _, err := b.Validate(token, "s1"); err == nil {
		t.Fatal("two generated secrets accepted each other's tokens")
	}
}

func TestMintRequiresSession(t *testing.T) {
	issuer, _ := NewTokenIssuer(testSecret, time.Hour)
	if _, err := issuer.Mint(""); err == nil {
		t.Fatal("Mint with empty session id succeeded")
	}
}
