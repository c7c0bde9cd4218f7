package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func fixedSigner(secret string, now time.Time) *Signer {
	s := NewSigner(secret)
	s.now = func() time.Time { return now }
	return s
}

func TestIssueAndParse(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	signer := fixedSigner("secret", now)

	token, issued, err := signer.Issue("user-1", "Avery", "commenter", "jti-1", 15*time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if issued.Iat != now.Unix() || issued.Exp != now.Add(15*time.Minute).Unix() {
		t.Fatalf("unexpected timestamps: %+v", issued)
	}

	claims, err := signer.Parse(token)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if claims != issued {
		t.Fatalf("claims = %+v, want %+v", claims, issued)
	}
}

func TestParseRejects(t *testing.T) {
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	signer := fixedSigner("secret", now)
	token, _, err := signer.Issue("user-1", "Avery", "commenter", "jti-1", time.Minute)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	payload, _, _ := strings.Cut(token, ".")
	emptyName, _, _ := signer.Issue("user-1", "", "commenter", "jti-2", time.Minute)

	cases := []struct {
		name   string
		signer *Signer
		token  string
		want   error
	}{
		{name: "expired", signer: fixedSigner("secret", now.Add(2*time.Minute)), token: token, want: ErrExpiredToken},
		{name: "wrong secret", signer: fixedSigner("other", now), token: token, want: ErrInvalidToken},
		{name: "tampered signature", signer: signer, token: payload + ".AAAA", want: ErrInvalidToken},
		{name: "no separator", signer: signer, token: payload, want: ErrInvalidToken},
		{name: "extra segment", signer: signer, token: token + ".x", want: ErrInvalidToken},
		{name: "missing name", signer: signer, token: emptyName, want: ErrInvalidToken},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.signer.Parse(tc.token); !errors.Is(err, tc.want) {
				t.Fatalf("Parse() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestHashTokenIsStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") || HashToken("abc") == HashToken("abd") {
		t.Fatal("HashToken must be deterministic and distinguish inputs")
	}
	if len(HashToken("abc")) != 64 {
		t.Fatalf("unexpected hash length %d", len(HashToken("abc")))
	}
}
