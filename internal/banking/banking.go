// Package banking holds the OTP-gated operations: transfers, deposits,
// account lifecycle and user code checks. Engines validate against the
// ledger, create pending records, issue a code, and on confirmation run the
// lockout-aware verification before the atomic ledger update.
package banking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"securebank/internal/domain"
	"securebank/internal/notify"
	"securebank/internal/otp"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountReader interface {
	GetAccount(ctx context.Context, number string) (domain.Account, error)
}

type AccountStore interface {
	AccountReader
	CreateAccount(ctx context.Context, a domain.Account) (domain.Account, error)
	AccountNumberTaken(ctx context.Context, number string) (bool, error)
	ListAccounts(ctx context.Context, userID uuid.UUID) ([]domain.Account, error)
	DeleteAccount(ctx context.Context, userID uuid.UUID, number string) error
}

type TransferStore interface {
	AccountReader
	CreateTransfer(ctx context.Context, t domain.Transfer) (domain.Transfer, error)
	GetTransfer(ctx context.Context, id uuid.UUID) (domain.Transfer, error)
	CompleteTransfer(ctx context.Context, id, userID uuid.UUID) (domain.Transfer, error)
	ListTransfers(ctx context.Context, userID uuid.UUID) ([]domain.Transfer, error)
}

type DepositStore interface {
	AccountReader
	CreateDeposit(ctx context.Context, d domain.Deposit) (domain.Deposit, error)
	GetDeposit(ctx context.Context, id uuid.UUID) (domain.Deposit, error)
	CompleteDeposit(ctx context.Context, id, userID uuid.UUID) (domain.Deposit, domain.Account, error)
}

// Notifier accepts a delivery without blocking. false means it was dropped.
type Notifier interface {
	Enqueue(m notify.Message) bool
}

const maxScale = 2

func validateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", domain.ErrInvalidRequest)
	}
	if amount.GreaterThan(domain.MaxAmount) {
		return fmt.Errorf("%w: amount exceeds %s", domain.ErrInvalidRequest, domain.MaxAmount)
	}
	if !amount.Equal(amount.Truncate(maxScale)) {
		return fmt.Errorf("%w: amount has more than %d decimal places", domain.ErrInvalidRequest, maxScale)
	}
	return nil
}

// gate runs the lockout-aware, non-consuming code check shared by every
// confirmation. Consumption happens only after the guarded work commits.
type gate struct {
	otp *otp.Service
}

func (g gate) check(ctx context.Context, subject, code string) error {
	locked, err := g.otp.IsLocked(ctx, subject)
	if err != nil {
		return fmt.Errorf("%w: lockout lookup: %w", domain.ErrUnavailable, err)
	}
	if locked {
		return domain.ErrLocked
	}

	out, err := g.otp.Check(ctx, subject, code)
	if err != nil {
		return fmt.Errorf("%w: challenge lookup: %w", domain.ErrUnavailable, err)
	}
	switch out {
	case otp.Absent:
		return domain.ErrOTPExpired
	case otp.Mismatch:
		n, nowLocked, err := g.otp.RecordFailure(ctx, subject)
		if err != nil {
			return fmt.Errorf("%w: record failure: %w", domain.ErrUnavailable, err)
		}
		if nowLocked {
			return domain.ErrLocked
		}
		return &domain.OTPError{Attempts: n, Max: g.otp.Policy().MaxAttempts}
	}

	if err := g.otp.ResetFailures(ctx, subject); err != nil {
		return fmt.Errorf("%w: reset failures: %w", domain.ErrUnavailable, err)
	}
	return nil
}

// consume is best effort: the record is already terminal, so a leftover
// challenge can only ever produce Conflict.
func (g gate) consume(ctx context.Context, logger *slog.Logger, subject, code string) {
	if err := g.otp.Consume(ctx, subject, code); err != nil {
		logger.Warn("otp consume failed", "subject", subject, "error", err)
	}
}

func (g gate) issue(ctx context.Context, subject string) (string, error) {
	code, err := g.otp.Issue(ctx, subject)
	if err != nil {
		return "", fmt.Errorf("%w: issue code: %w", domain.ErrUnavailable, err)
	}
	return code, nil
}

// ttlSeconds is the lifetime quoted to the user in the notification.
func (g gate) ttlSeconds() int {
	return int(g.otp.Policy().TTL / time.Second)
}

func orDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}
