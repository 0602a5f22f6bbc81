package banking

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"securebank/internal/domain"
)

const (
	accountNumberMin = 10_000_000
	accountNumberMax = 99_999_999
	numberAttempts   = 5
)

type Accounts struct {
	store  AccountStore
	logger *slog.Logger
	draw   func() (string, error)
}

func NewAccounts(store AccountStore, logger *slog.Logger) *Accounts {
	return &Accounts{store: store, logger: orDefault(logger), draw: drawAccountNumber}
}

// Open creates a zero-balance account. An empty number is drawn at random.
func (s *Accounts) Open(ctx context.Context, user domain.User, typ domain.AccountType, number string) (domain.Account, error) {
	if typ == "" {
		typ = domain.AccountSavings
	}
	if !typ.Valid() {
		return domain.Account{}, fmt.Errorf("%w: unknown account type %q", domain.ErrInvalidRequest, typ)
	}

	number = strings.TrimSpace(number)
	if number == "" {
		return s.openRandom(ctx, user, typ)
	}

	a, err := s.store.CreateAccount(ctx, domain.Account{Number: number, UserID: user.ID, Type: typ})
	if err != nil {
		return domain.Account{}, err
	}
	s.logger.Info("account opened", "account", a.Number, "user_id", user.ID)
	return a, nil
}

func (s *Accounts) openRandom(ctx context.Context, user domain.User, typ domain.AccountType) (domain.Account, error) {
	for i := 0; i < numberAttempts; i++ {
		n, err := s.draw()
		if err != nil {
			return domain.Account{}, err
		}
		taken, err := s.store.AccountNumberTaken(ctx, n)
		if err != nil {
			return domain.Account{}, err
		}
		if taken {
			continue
		}
		a, err := s.store.CreateAccount(ctx, domain.Account{Number: n, UserID: user.ID, Type: typ})
		if errors.Is(err, domain.ErrConflict) {
			// Lost a race for the same number.
			continue
		}
		if err != nil {
			return domain.Account{}, err
		}
		s.logger.Info("account opened", "account", a.Number, "user_id", user.ID)
		return a, nil
	}
	return domain.Account{}, fmt.Errorf("%w: failed to generate unique account number", domain.ErrUnavailable)
}

func (s *Accounts) List(ctx context.Context, user domain.User) ([]domain.Account, error) {
	return s.store.ListAccounts(ctx, user.ID)
}

func (s *Accounts) Close(ctx context.Context, user domain.User, number string) error {
	if err := s.store.DeleteAccount(ctx, user.ID, strings.TrimSpace(number)); err != nil {
		return err
	}
	s.logger.Info("account closed", "account", number, "user_id", user.ID)
	return nil
}

func drawAccountNumber() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(accountNumberMax-accountNumberMin+1))
	if err != nil {
		return "", fmt.Errorf("draw account number: %w", err)
	}
	return fmt.Sprintf("%d", n.Int64()+accountNumberMin), nil
}
