package otp

import (
	"context"
	"time"
)

// Store holds live challenges and per-subject failure counters. The two are
// independent: a counter survives reissued codes and has its own expiry.
type Store interface {
	// Put stores code for subject, replacing any live challenge.
	Put(ctx context.Context, subject, code string, ttl time.Duration) error
	// Get returns the live code for subject, if any.
	Get(ctx context.Context, subject string) (code string, ok bool, err error)
	// CompareAndDelete deletes the live challenge only when it holds code.
	CompareAndDelete(ctx context.Context, subject, code string) (bool, error)

	// IncrFailures increments the counter. ttl applies only when the counter
	// is created (absent -> 1).
	IncrFailures(ctx context.Context, subject string, ttl time.Duration) (int, error)
	Failures(ctx context.Context, subject string) (int, error)
	ResetFailures(ctx context.Context, subject string) error
}
