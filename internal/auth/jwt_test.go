package auth

import (
	"testing"
	"time"
)

const testSecret = "test-secret"

func TestTokenRoundTrip(t *testing.T) {
	signed, err := GenerateToken("u123", "Alice", "https://img/a.png", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	claims, err := ParseToken(signed, testSecret)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.UID != "u123" || claims.DisplayName != "Alice" || claims.PhotoURL != "https://img/a.png" {
		t.Fatalf("claims = %+v", claims)
	}
	if claims.Issuer != "gymbro" {
		t.Fatalf("issuer = %q", claims.Issuer)
	}
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	signed, err := GenerateToken("u123", "Alice", "", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := ParseToken(signed, "other-secret"); err == nil {
		t.Fatal("token verified against the wrong secret")
	}
}

func TestParseTokenRejectsExpired(t *testing.T) {
	signed, err := GenerateToken("u123", "Alice", "", testSecret, -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := ParseToken(signed, testSecret); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	if _, err := ParseToken("not.a.token", testSecret); err == nil {
		t.Fatal("garbage token accepted")
	}
}
