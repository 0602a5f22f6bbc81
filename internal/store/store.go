package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"securebank/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store is the Postgres ledger: users, accounts, transfers and deposits.
type Store struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{db: db} }

func (s *Store) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *Store) begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return nil, storageErr("begin", err)
	}
	return tx, nil
}

// storageErr tags driver failures so callers can tell them from domain errors.
func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorage, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d, nil
}

// =========================
// Users and API keys
// =========================

func (s *Store) CreateUser(ctx context.Context, email string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return domain.User{}, domain.ErrInvalidRequest
	}
	u := domain.User{ID: uuid.New(), Email: email}
	_, err := s.db.Exec(ctx, `INSERT INTO users(user_id, email) VALUES($1,$2)`, u.ID, u.Email)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.User{}, fmt.Errorf("%w: email already registered", domain.ErrConflict)
		}
		return domain.User{}, storageErr("create user", err)
	}
	return u, nil
}

func (s *Store) SaveAPIKey(ctx context.Context, userID uuid.UUID, keyHash, keyPrefix string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO api_keys(key_hash, key_prefix, user_id) VALUES($1,$2,$3)`,
		keyHash, keyPrefix, userID,
	)
	if err != nil {
		return storageErr("save api key", err)
	}
	return nil
}

func (s *Store) UserByKeyHash(ctx context.Context, keyHash string) (domain.User, error) {
	var u domain.User
	err := s.db.QueryRow(ctx,
		`SELECT u.user_id, u.email
		   FROM api_keys k JOIN users u ON u.user_id = k.user_id
		  WHERE k.key_hash=$1`,
		keyHash,
	).Scan(&u.ID, &u.Email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, domain.ErrUnauthorized
		}
		return domain.User{}, storageErr("user by key", err)
	}
	return u, nil
}

// =========================
// Accounts
// =========================

const accountCols = `account_number, user_id, account_type, balance::text, created_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var (
		a   domain.Account
		bal string
	)
	if err := row.Scan(&a.Number, &a.UserID, &a.Type, &bal, &a.CreatedAt); err != nil {
		return domain.Account{}, err
	}
	d, err := parseAmount(bal)
	if err != nil {
		return domain.Account{}, err
	}
	a.Balance = d
	return a, nil
}

func (s *Store) CreateAccount(ctx context.Context, a domain.Account) (domain.Account, error) {
	row := s.db.QueryRow(ctx,
		`INSERT INTO accounts(account_number, user_id, account_type, balance)
		 VALUES($1,$2,$3,0)
		 RETURNING `+accountCols,
		a.Number, a.UserID, a.Type,
	)
	out, err := scanAccount(row)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Account{}, fmt.Errorf("%w: account number already exists", domain.ErrConflict)
		}
		return domain.Account{}, storageErr("create account", err)
	}
	return out, nil
}

func (s *Store) AccountNumberTaken(ctx context.Context, number string) (bool, error) {
	var taken bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM accounts WHERE account_number=$1)`, number,
	).Scan(&taken)
	if err != nil {
		return false, storageErr("account lookup", err)
	}
	return taken, nil
}

func (s *Store) GetAccount(ctx context.Context, number string) (domain.Account, error) {
	a, err := scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE account_number=$1`, number,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, fmt.Errorf("%w: account %s", domain.ErrNotFound, number)
		}
		return domain.Account{}, storageErr("get account", err)
	}
	return a, nil
}

func (s *Store) ListAccounts(ctx context.Context, userID uuid.UUID) ([]domain.Account, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE user_id=$1 ORDER BY created_at, account_number`,
		userID,
	)
	if err != nil {
		return nil, storageErr("list accounts", err)
	}
	defer rows.Close()

	out := []domain.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, storageErr("scan account", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list accounts", err)
	}
	return out, nil
}

// DeleteAccount removes an owned account with zero balance and no pending
// transfer or deposit referencing it.
func (s *Store) DeleteAccount(ctx context.Context, userID uuid.UUID, number string) error {
	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	a, err := lockAccount(ctx, tx, number)
	if err != nil {
		return err
	}
	if a.UserID != userID {
		return fmt.Errorf("%w: account %s", domain.ErrNotFound, number)
	}
	if !a.Balance.IsZero() {
		return fmt.Errorf("%w: account balance must be zero before deletion", domain.ErrConflict)
	}

	var pending bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM transfers
		               WHERE status='pending' AND (from_account=$1 OR to_account=$1))
		    OR EXISTS(SELECT 1 FROM deposits
		               WHERE status='pending' AND account_number=$1)`,
		number,
	).Scan(&pending)
	if err != nil {
		return storageErr("pending lookup", err)
	}
	if pending {
		return fmt.Errorf("%w: account has pending operations", domain.ErrConflict)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM accounts WHERE account_number=$1`, number); err != nil {
		return storageErr("delete account", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

func lockAccount(ctx context.Context, tx pgx.Tx, number string) (domain.Account, error) {
	a, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE account_number=$1 FOR UPDATE`, number,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Account{}, fmt.Errorf("%w: account %s", domain.ErrNotFound, number)
		}
		return domain.Account{}, storageErr("lock account", err)
	}
	return a, nil
}

// shareLockAccounts takes FOR SHARE locks so a concurrent delete cannot slip
// between the existence check and the insert that references the accounts.
func shareLockAccounts(ctx context.Context, tx pgx.Tx, numbers ...string) error {
	for _, n := range sortedUnique(numbers) {
		var one int
		err := tx.QueryRow(ctx,
			`SELECT 1 FROM accounts WHERE account_number=$1 FOR SHARE`, n,
		).Scan(&one)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: account %s", domain.ErrNotFound, n)
			}
			return storageErr("share lock", err)
		}
	}
	return nil
}
