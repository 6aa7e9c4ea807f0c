package event

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
)

func sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature_Valid(t *testing.T) {
	body := []byte(`{"action":"opened"}`)
	secret := "topsecret"

	if err := VerifySignature(body, sign(body, secret), secret); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestVerifySignature_Mismatch(t *testing.T) {
	body := []byte(`{"action":"opened"}`)

	err := VerifySignature(body, sign(body, "wrong-secret"), "topsecret")
	if err == nil {
		t.Fatal("expected signature mismatch error")
	}

	var verr *VerificationError
	if !errors.As(err, &verr) || verr.Kind != BadSignature {
		t.Fatalf("expected BadSignature, got %v", err)
	}
}

func TestVerifySignature_TamperedBody(t *testing.T) {
	body := []byte(`{"action":"opened"}`)
	secret := "topsecret"
	sig := sign(body, secret)

	tampered := []byte(`{"action":"closed"}`)
	if err := VerifySignature(tampered, sig, secret); err == nil {
		t.Fatal("expected error for tampered body")
	}
}

func TestVerifySignature_BadHeaderFormats(t *testing.T) {
	body := []byte(`{}`)
	cases := []string{
		"",
		"sha1=deadbeef",
		"sha256=not-hex!",
		"deadbeef",
	}
	for _, header := range cases {
		if err := VerifySignature(body, header, "secret"); err == nil {
			t.Errorf("header %q: expected error", header)
		}
	}
}

func TestVerifySignature_EmptySecret(t *testing.T) {
	body := []byte(`{}`)
	if err := VerifySignature(body, sign(body, ""), ""); err == nil {
		t.Fatal("expected error when no secret is configured")
	}
}
