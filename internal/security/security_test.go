package security

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestFormTokenBoundToForm(t *testing.T) {
	token, claims, err := GenerateFormToken(testSecret, 7, time.Hour)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if claims.ID == "" || claims.Action != "submit_form:7" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	parsed, err := ParseFormToken(testSecret, token, 7)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.ID != claims.ID {
		t.Fatalf("jti mismatch")
	}
	if _, err := ParseFormToken(testSecret, token, 8); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for other form, got %v", err)
	}
	if _, err := ParseFormToken("another-secret-another-secret!!", token, 7); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token for wrong secret, got %v", err)
	}
}

func TestFormTokenExpired(t *testing.T) {
	token, _, err := GenerateFormToken(testSecret, 1, -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := ParseFormToken(testSecret, token, 1); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestAdminTokenNotAcceptedAsFormToken(t *testing.T) {
	admin, err := GenerateAdminToken(testSecret, "root", time.Hour)
	if err != nil {
		t.Fatalf("generate admin: %v", err)
	}
	claims, err := ParseAdminToken(testSecret, admin)
	if err != nil || claims.Username != "root" {
		t.Fatalf("parse admin: %v %+v", err, claims)
	}
	if _, err := ParseFormToken(testSecret, admin, 0); err == nil {
		t.Fatalf("admin token accepted as form token")
	}
	form, _, _ := GenerateFormToken(testSecret, 1, time.Hour)
	if _, err := ParseAdminToken(testSecret, form); err == nil {
		t.Fatalf("form token accepted as admin token")
	}
}

func TestMemoryNonceStoreSingleUse(t *testing.T) {
	store := NewMemoryNonceStore()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	ok, _ := store.Consume(context.Background(), "jti-1", time.Hour)
	if !ok {
		t.Fatalf("first consume rejected")
	}
	ok, _ = store.Consume(context.Background(), "jti-1", time.Hour)
	if ok {
		t.Fatalf("second consume accepted")
	}
	now = now.Add(2 * time.Hour)
	ok, _ = store.Consume(context.Background(), "jti-1", time.Hour)
	if !ok {
		t.Fatalf("consume after expiry rejected")
	}
}

func TestCipherRoundTripAndPassthrough(t *testing.T) {
	c, err := NewCipher(testSecret)
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	enc, err := c.Encrypt("us21-api-key")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if !IsEncrypted(enc) || strings.Contains(enc, "us21-api-key") {
		t.Fatalf("value not encrypted: %q", enc)
	}
	plain, err := c.Decrypt(enc)
	if err != nil || plain != "us21-api-key" {
		t.Fatalf("decrypt = %q, %v", plain, err)
	}
	if plain, _ := c.Decrypt("plain"); plain != "plain" {
		t.Fatalf("plain value changed")
	}

	other, _ := NewCipher("ffffffffffffffffffffffffffffffff")
	if _, err := other.Decrypt(enc); err == nil {
		t.Fatalf("decrypt with wrong key succeeded")
	}
}

func TestPasswordHash(t *testing.T) {
	hash, err := HashPassword("s3cret-pass")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !CheckPassword(hash, "s3cret-pass") || CheckPassword(hash, "wrong") {
		t.Fatalf("password check mismatch")
	}
	if !IsPasswordHash(hash) || IsPasswordHash("s3cret-pass") {
		t.Fatalf("hash detection mismatch")
	}
	if _, errLong := HashPassword(strings.Repeat("x", 73)); errLong == nil {
		t.Fatalf("expected error for long password")
	}
}

func TestMask(t *testing.T) {
	if got := Mask("abcd1234"); got != "********1234" {
		t.Fatalf("mask = %q", got)
	}
	if got := Mask("abc"); got != "***" {
		t.Fatalf("short mask = %q", got)
	}
}
