package banking

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"securebank/internal/domain"
	"securebank/internal/notify"
	"securebank/internal/otp"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Transfers struct {
	store  TransferStore
	gate   gate
	notify Notifier
	logger *slog.Logger
	now    func() time.Time
}

func NewTransfers(store TransferStore, codes *otp.Service, n Notifier, logger *slog.Logger) *Transfers {
	return &Transfers{
		store:  store,
		gate:   gate{otp: codes},
		notify: n,
		logger: orDefault(logger),
		now:    time.Now,
	}
}

// Initiate validates the request, records a pending transfer and sends the
// owner a code bound to it. If the code cannot be issued the pending
// transfer is still returned alongside the error.
func (s *Transfers) Initiate(ctx context.Context, user domain.User, from, to string, amount decimal.Decimal, reference string) (domain.Transfer, error) {
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)

	src, err := s.store.GetAccount(ctx, from)
	if err != nil {
		return domain.Transfer{}, err
	}
	if src.UserID != user.ID {
		return domain.Transfer{}, fmt.Errorf("%w: account %s", domain.ErrNotFound, from)
	}
	if _, err := s.store.GetAccount(ctx, to); err != nil {
		return domain.Transfer{}, err
	}
	if from == to {
		return domain.Transfer{}, fmt.Errorf("%w: source and destination cannot be the same", domain.ErrInvalidRequest)
	}
	if err := validateAmount(amount); err != nil {
		return domain.Transfer{}, err
	}
	if src.Balance.LessThan(amount) {
		return domain.Transfer{}, domain.ErrInsufficientFunds
	}

	t, err := s.store.CreateTransfer(ctx, domain.Transfer{
		ID:          uuid.New(),
		UserID:      user.ID,
		FromAccount: from,
		ToAccount:   to,
		Amount:      amount,
		Reference:   strings.TrimSpace(reference),
	})
	if err != nil {
		return domain.Transfer{}, err
	}

	if err := s.sendCode(ctx, user, t); err != nil {
		// The record exists; the caller can recover it with Resend.
		s.logger.Warn("transfer created without code", "transfer_id", t.ID, "error", err)
		return t, err
	}
	s.logger.Info("transfer initiated",
		"transfer_id", t.ID,
		"user_id", user.ID,
		"amount", t.Amount.StringFixed(2),
	)
	return t, nil
}

// Confirm checks the code and, on a match, completes the transfer
// atomically. On any error the transfer stays pending.
func (s *Transfers) Confirm(ctx context.Context, user domain.User, id uuid.UUID, code string) (domain.Transfer, error) {
	t, err := s.pending(ctx, user, id)
	if err != nil {
		return domain.Transfer{}, err
	}

	subject := otp.TransferSubject(t.ID)
	if err := s.gate.check(ctx, subject, code); err != nil {
		s.logger.Warn("transfer confirmation rejected", "transfer_id", t.ID, "error", err)
		return domain.Transfer{}, err
	}

	done, err := s.store.CompleteTransfer(ctx, t.ID, user.ID)
	if err != nil {
		s.logger.Warn("transfer completion failed", "transfer_id", t.ID, "error", err)
		return domain.Transfer{}, err
	}
	s.gate.consume(ctx, s.logger, subject, code)

	s.logger.Info("transfer completed",
		"transfer_id", done.ID,
		"from", done.FromAccount,
		"to", done.ToAccount,
		"amount", done.Amount.StringFixed(2),
	)
	return done, nil
}

// Resend issues a fresh code for a pending transfer, replacing the old one.
func (s *Transfers) Resend(ctx context.Context, user domain.User, id uuid.UUID) error {
	t, err := s.pending(ctx, user, id)
	if err != nil {
		return err
	}
	return s.sendCode(ctx, user, t)
}

func (s *Transfers) List(ctx context.Context, user domain.User) ([]domain.Transfer, error) {
	return s.store.ListTransfers(ctx, user.ID)
}

// pending loads a transfer the caller may confirm: it must exist, still be
// pending, and draw from an account the caller owns.
func (s *Transfers) pending(ctx context.Context, user domain.User, id uuid.UUID) (domain.Transfer, error) {
	t, err := s.store.GetTransfer(ctx, id)
	if err != nil {
		return domain.Transfer{}, err
	}
	if t.Status != domain.StatusPending {
		return domain.Transfer{}, fmt.Errorf("%w: transaction already processed", domain.ErrConflict)
	}
	src, err := s.store.GetAccount(ctx, t.FromAccount)
	if err != nil {
		return domain.Transfer{}, err
	}
	if src.UserID != user.ID {
		return domain.Transfer{}, fmt.Errorf("%w: not owner of source account", domain.ErrForbidden)
	}
	return t, nil
}

func (s *Transfers) sendCode(ctx context.Context, user domain.User, t domain.Transfer) error {
	code, err := s.gate.issue(ctx, otp.TransferSubject(t.ID))
	if err != nil {
		return err
	}
	ok := s.notify.Enqueue(notify.Message{
		Kind:      notify.KindTransferOTP,
		To:        user.Email,
		Code:      code,
		Reference: t.ID.String(),
		Amount:    t.Amount.StringFixed(2),
		Account:   t.FromAccount,
		IssuedAt:  s.now().UTC(),
		ExpiresIn: s.gate.ttlSeconds(),
	})
	if !ok {
		s.logger.Warn("transfer code not queued", "transfer_id", t.ID)
	}
	return nil
}
