// Package reviewer adapts external review backends behind one interface.
// The adapter never retries; callers own the retry policy.
package reviewer

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a failed review attempt.
type ErrorKind string

const (
	// KindTimeout means the backend exceeded its deadline. The attempt was
	// cancelled best-effort; the backend may still have done work.
	KindTimeout ErrorKind = "timeout"

	// KindUnusable means the backend finished but produced nothing a review
	// can be built from.
	KindUnusable ErrorKind = "unusable"
)

// Error is a classified reviewer failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("reviewer: %s", e.Kind)
	}
	return fmt.Sprintf("reviewer: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify returns the error's kind, defaulting to Unusable for errors that
// did not come from this package.
func Classify(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnusable
}

// Request carries everything a backend needs for one review attempt.
type Request struct {
	// Prompt is the full instruction text, rules included.
	Prompt string

	// Diff is the unified diff under review.
	Diff string

	// ExtraInstructions are appended after the diff, typically the chat
	// message for conversational turns.
	ExtraInstructions string
}

// Result is a completed review. An empty ReviewText is a valid outcome and
// means the backend found nothing to flag.
type Result struct {
	ReviewText string
}

// Reviewer produces a review for a request. Implementations respect the
// context deadline and perform exactly one attempt.
type Reviewer interface {
	Review(ctx context.Context, req Request) (*Result, error)
}
