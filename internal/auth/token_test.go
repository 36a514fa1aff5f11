package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

var secret = []byte("test-secret")

func validClaims() Claims {
	return Claims{
		Sub:  uuid.NewString(),
		Role: "user",
		JTI:  "jti-1",
		Exp:  time.Now().Add(time.Hour).Unix(),
	}
}

func TestIssueAndParseToken(t *testing.T) {
	claims := validClaims()
	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	parsed, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if parsed != claims {
		t.Fatalf("claims round-trip mismatch: %+v != %+v", parsed, claims)
	}
}

func TestParseTokenRejectsTampering(t *testing.T) {
	claims := validClaims()
	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	cases := []struct {
		name  string
		token string
	}{
		{name: "wrong secret signature", token: reSign(t, claims)},
		{name: "truncated", token: token[:len(token)/2]},
		{name: "no separator", token: strings.ReplaceAll(token, ".", "")},
		{name: "garbage", token: "not-a-token"},
		{name: "empty", token: ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := ParseToken(secret, tc.token); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func reSign(t *testing.T, claims Claims) string {
	t.Helper()
	token, err := IssueToken([]byte("other-secret"), claims)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	return token
}

func TestParseTokenRejectsExpired(t *testing.T) {
	claims := validClaims()
	claims.Exp = time.Now().Add(-time.Minute).Unix()

	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if _, err := ParseToken(secret, token); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("err = %v, want ErrExpiredToken", err)
	}
}

func TestParseTokenRequiresUUIDSubject(t *testing.T) {
	claims := validClaims()
	claims.Sub = "not-a-uuid"

	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	if _, err := ParseToken(secret, token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestHashTokenIsStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Fatal("hash must be deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Fatal("distinct inputs must not collide trivially")
	}
}
