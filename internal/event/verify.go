package event

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// VerificationErrorKind classifies why an inbound delivery was rejected.
type VerificationErrorKind string

const (
	BadSignature VerificationErrorKind = "bad_signature"
	Malformed    VerificationErrorKind = "malformed"
)

// VerificationError is returned when an inbound delivery fails authentication
// or cannot be parsed. Verification failures are never retried.
type VerificationError struct {
	Kind VerificationErrorKind
	Err  error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("event verification failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("event verification failed (%s)", e.Kind)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// ErrBadSignature is the sentinel for signature mismatches. The message is
// deliberately generic: it must not reveal which byte differed.
var ErrBadSignature = &VerificationError{Kind: BadSignature}

// VerifySignature checks the provider's HMAC-SHA256 signature header against
// the raw payload using the per-installation secret. The header format is
// "sha256=<hex digest>". Comparison is constant time.
func VerifySignature(body []byte, signatureHeader, secret string) error {
	if secret == "" {
		return &VerificationError{Kind: BadSignature, Err: fmt.Errorf("no webhook secret configured")}
	}
	if !strings.HasPrefix(signatureHeader, "sha256=") {
		return ErrBadSignature
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(signatureHeader, "sha256="))
	if err != nil {
		return ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if !hmac.Equal(expected, provided) {
		return ErrBadSignature
	}
	return nil
}
