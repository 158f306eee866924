package auth

import (
	"errors"
	"testing"
	"time"
)

func TestMintAndVerify(t *testing.T) {
	v, err := NewVerifier("test-secret")
	if err != nil {
		t.Fatalf("NewVerifier failed: %v", err)
	}

	token, err := v.Mint(Identity{UserID: "u1", Username: "ada"}, time.Minute)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if id.UserID != "u1" || id.Username != "ada" {
		t.Errorf("Unexpected identity: %+v", id)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer, _ := NewVerifier("secret-a")
	verifier, _ := NewVerifier("secret-b")

	token, err := issuer.Mint(Identity{UserID: "u1"}, time.Minute)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	if _, err := verifier.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	v, _ := NewVerifier("test-secret")

	token, err := v.Mint(Identity{UserID: "u1"}, -time.Minute)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	if _, err := v.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestVerifyRejectsEmpty(t *testing.T) {
	v, _ := NewVerifier("test-secret")
	if _, err := v.Verify(""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("Expected ErrInvalidToken, got %v", err)
	}
}

func TestUsernameFallsBackToSubject(t *testing.T) {
	v, _ := NewVerifier("test-secret")

	token, err := v.Mint(Identity{UserID: "u1"}, time.Minute)
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}

	id, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if id.Username != "u1" {
		t.Errorf("Expected username fallback to subject, got %q", id.Username)
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier(""); err == nil {
		t.Fatal("Expected error for empty secret")
	}
}
