// Package otp issues and checks six-digit one-time codes bound to a subject
// (a pending transfer, a pending deposit or a user) and tracks failed
// attempts per subject for lockout.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTTL         = 300 * time.Second
	DefaultMaxAttempts = 3
	DefaultLockoutTTL  = 300 * time.Second

	codeDigits = 6
)

var codeSpace = big.NewInt(1_000_000)

func TransferSubject(id uuid.UUID) string { return "tx:" + id.String() }
func DepositSubject(id uuid.UUID) string  { return "dep:" + id.String() }
func UserSubject(id uuid.UUID) string     { return "user:" + id.String() }

type Policy struct {
	TTL         time.Duration
	MaxAttempts int
	LockoutTTL  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{TTL: DefaultTTL, MaxAttempts: DefaultMaxAttempts, LockoutTTL: DefaultLockoutTTL}
}

// Outcome of a non-consuming Check.
type Outcome int

const (
	Absent Outcome = iota
	Mismatch
	Match
)

type Service struct {
	store  Store
	policy Policy
}

func NewService(store Store, policy Policy) *Service {
	def := DefaultPolicy()
	if policy.TTL <= 0 {
		policy.TTL = def.TTL
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.LockoutTTL <= 0 {
		policy.LockoutTTL = def.LockoutTTL
	}
	return &Service{store: store, policy: policy}
}

func (s *Service) Policy() Policy { return s.policy }

// Issue stores a fresh code for subject, replacing any live one, and returns
// it. Delivery is the caller's job.
func (s *Service) Issue(ctx context.Context, subject string) (string, error) {
	code, err := generateCode()
	if err != nil {
		return "", err
	}
	if err := s.store.Put(ctx, subject, code, s.policy.TTL); err != nil {
		return "", fmt.Errorf("store challenge: %w", err)
	}
	return code, nil
}

// Verify reports whether code matches the live challenge and consumes it on
// success. A mismatch leaves the challenge in place.
func (s *Service) Verify(ctx context.Context, subject, code string) (bool, error) {
	if len(code) != codeDigits {
		return false, nil
	}
	return s.store.CompareAndDelete(ctx, subject, code)
}

// Check compares without consuming.
func (s *Service) Check(ctx context.Context, subject, code string) (Outcome, error) {
	stored, ok, err := s.store.Get(ctx, subject)
	if err != nil {
		return Absent, err
	}
	if !ok {
		return Absent, nil
	}
	if !codesEqual(stored, code) {
		return Mismatch, nil
	}
	return Match, nil
}

// Consume removes the challenge if it still holds code. A code reissued in
// the meantime is left alone.
func (s *Service) Consume(ctx context.Context, subject, code string) error {
	_, err := s.store.CompareAndDelete(ctx, subject, code)
	return err
}

func (s *Service) RecordFailure(ctx context.Context, subject string) (count int, locked bool, err error) {
	count, err = s.store.IncrFailures(ctx, subject, s.policy.LockoutTTL)
	if err != nil {
		return 0, false, err
	}
	return count, count >= s.policy.MaxAttempts, nil
}

func (s *Service) IsLocked(ctx context.Context, subject string) (bool, error) {
	n, err := s.store.Failures(ctx, subject)
	if err != nil {
		return false, err
	}
	return n >= s.policy.MaxAttempts, nil
}

func (s *Service) ResetFailures(ctx context.Context, subject string) error {
	return s.store.ResetFailures(ctx, subject)
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

func codesEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
