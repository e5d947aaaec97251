package auth

import (
	"context"
	"testing"
	"time"
)

func TestTokenIssuerIssuesValidatableSessions(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return clockNow }
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        defaultSessionIssuer,
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	token, expiresIn, err := issuer.IssueSessionToken(context.Background(), SessionIdentity{
		Subject:     "user-123",
		Email:       "user@example.com",
		DisplayName: "Example User",
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte("super-secret"),
		CookieName:    testSessionCookieName,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	claims, err := validator.ValidateToken(token)
	if err != nil {
		t.Fatalf("expected issued token to validate: %v", err)
	}
	if claims.UserID != "user-123" || claims.UserEmail != "user@example.com" {
		t.Fatalf("unexpected claims %#v", claims)
	}
}

func TestTokenIssuerRejectsMissingSubject(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        defaultSessionIssuer,
		TokenTTL:      time.Minute,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.IssueSessionToken(context.Background(), SessionIdentity{Subject: " "}); err == nil {
		t.Fatalf("expected error for blank subject")
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	cases := []TokenIssuerConfig{
		{SigningSecret: nil, Issuer: defaultSessionIssuer, TokenTTL: time.Minute},
		{SigningSecret: []byte("secret"), Issuer: " ", TokenTTL: time.Minute},
		{SigningSecret: []byte("secret"), Issuer: defaultSessionIssuer, TokenTTL: 0},
	}
	for index, cfg := range cases {
		if _, err := NewTokenIssuer(cfg); err == nil {
			t.Fatalf("case %d: expected constructor error", index)
		}
	}
}
