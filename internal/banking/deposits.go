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

type Deposits struct {
	store  DepositStore
	gate   gate
	notify Notifier
	logger *slog.Logger
	now    func() time.Time
}

func NewDeposits(store DepositStore, codes *otp.Service, n Notifier, logger *slog.Logger) *Deposits {
	return &Deposits{
		store:  store,
		gate:   gate{otp: codes},
		notify: n,
		logger: orDefault(logger),
		now:    time.Now,
	}
}

func (s *Deposits) Initiate(ctx context.Context, user domain.User, account string, amount decimal.Decimal) (domain.Deposit, error) {
	account = strings.TrimSpace(account)
	a, err := s.store.GetAccount(ctx, account)
	if err != nil {
		return domain.Deposit{}, err
	}
	if a.UserID != user.ID {
		return domain.Deposit{}, fmt.Errorf("%w: account %s", domain.ErrNotFound, account)
	}
	if err := validateAmount(amount); err != nil {
		return domain.Deposit{}, err
	}

	d, err := s.store.CreateDeposit(ctx, domain.Deposit{
		ID:            uuid.New(),
		UserID:        user.ID,
		AccountNumber: account,
		Amount:        amount,
	})
	if err != nil {
		return domain.Deposit{}, err
	}
	if err := s.sendCode(ctx, user, d); err != nil {
		s.logger.Warn("deposit created without code", "deposit_id", d.ID, "error", err)
		return d, err
	}
	s.logger.Info("deposit initiated", "deposit_id", d.ID, "user_id", user.ID)
	return d, nil
}

// Confirm returns the completed deposit and the credited account.
func (s *Deposits) Confirm(ctx context.Context, user domain.User, id uuid.UUID, code string) (domain.Deposit, domain.Account, error) {
	d, err := s.pending(ctx, user, id)
	if err != nil {
		return domain.Deposit{}, domain.Account{}, err
	}

	subject := otp.DepositSubject(d.ID)
	if err := s.gate.check(ctx, subject, code); err != nil {
		s.logger.Warn("deposit confirmation rejected", "deposit_id", d.ID, "error", err)
		return domain.Deposit{}, domain.Account{}, err
	}

	done, acct, err := s.store.CompleteDeposit(ctx, d.ID, user.ID)
	if err != nil {
		s.logger.Warn("deposit completion failed", "deposit_id", d.ID, "error", err)
		return domain.Deposit{}, domain.Account{}, err
	}
	s.gate.consume(ctx, s.logger, subject, code)

	s.logger.Info("deposit completed",
		"deposit_id", done.ID,
		"account", acct.Number,
		"amount", done.Amount.StringFixed(2),
	)
	return done, acct, nil
}

func (s *Deposits) Resend(ctx context.Context, user domain.User, id uuid.UUID) error {
	d, err := s.pending(ctx, user, id)
	if err != nil {
		return err
	}
	return s.sendCode(ctx, user, d)
}

func (s *Deposits) pending(ctx context.Context, user domain.User, id uuid.UUID) (domain.Deposit, error) {
	d, err := s.store.GetDeposit(ctx, id)
	if err != nil {
		return domain.Deposit{}, err
	}
	// Someone else's deposit is reported as missing.
	if d.UserID != user.ID {
		return domain.Deposit{}, fmt.Errorf("%w: deposit %s", domain.ErrNotFound, id)
	}
	if d.Status != domain.StatusPending {
		return domain.Deposit{}, fmt.Errorf("%w: deposit already processed", domain.ErrConflict)
	}
	return d, nil
}

func (s *Deposits) sendCode(ctx context.Context, user domain.User, d domain.Deposit) error {
	code, err := s.gate.issue(ctx, otp.DepositSubject(d.ID))
	if err != nil {
		return err
	}
	ok := s.notify.Enqueue(notify.Message{
		Kind:      notify.KindDepositOTP,
		To:        user.Email,
		Code:      code,
		Reference: d.ID.String(),
		Amount:    d.Amount.StringFixed(2),
		Account:   d.AccountNumber,
		IssuedAt:  s.now().UTC(),
		ExpiresIn: s.gate.ttlSeconds(),
	})
	if !ok {
		s.logger.Warn("deposit code not queued", "deposit_id", d.ID)
	}
	return nil
}
