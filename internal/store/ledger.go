package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"securebank/internal/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// =========================
// Transfers
// =========================

const transferCols = `transfer_id, user_id, from_account, to_account, amount::text,
	COALESCE(reference, ''), status, created_at, completed_at`

func scanTransfer(row pgx.Row) (domain.Transfer, error) {
	var (
		t   domain.Transfer
		amt string
	)
	err := row.Scan(&t.ID, &t.UserID, &t.FromAccount, &t.ToAccount, &amt,
		&t.Reference, &t.Status, &t.CreatedAt, &t.CompletedAt)
	if err != nil {
		return domain.Transfer{}, err
	}
	if t.Amount, err = parseAmount(amt); err != nil {
		return domain.Transfer{}, err
	}
	return t, nil
}

// CreateTransfer inserts a pending transfer. Both accounts must exist.
func (s *Store) CreateTransfer(ctx context.Context, t domain.Transfer) (domain.Transfer, error) {
	if err := checkAmount(t.Amount); err != nil {
		return domain.Transfer{}, err
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return domain.Transfer{}, err
	}
	defer tx.Rollback(ctx)

	if err := shareLockAccounts(ctx, tx, t.FromAccount, t.ToAccount); err != nil {
		return domain.Transfer{}, err
	}

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	var ref *string
	if t.Reference != "" {
		ref = &t.Reference
	}
	out, err := scanTransfer(tx.QueryRow(ctx,
		`INSERT INTO transfers(transfer_id, user_id, from_account, to_account, amount, reference, status)
		 VALUES($1,$2,$3,$4,$5::numeric,$6,'pending')
		 RETURNING `+transferCols,
		t.ID, t.UserID, t.FromAccount, t.ToAccount, t.Amount.String(), ref,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Transfer{}, fmt.Errorf("%w: transfer %s exists", domain.ErrConflict, t.ID)
		}
		return domain.Transfer{}, storageErr("insert transfer", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Transfer{}, storageErr("commit", err)
	}
	return out, nil
}

func (s *Store) GetTransfer(ctx context.Context, id uuid.UUID) (domain.Transfer, error) {
	t, err := scanTransfer(s.db.QueryRow(ctx,
		`SELECT `+transferCols+` FROM transfers WHERE transfer_id=$1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Transfer{}, fmt.Errorf("%w: transfer %s", domain.ErrNotFound, id)
		}
		return domain.Transfer{}, storageErr("get transfer", err)
	}
	return t, nil
}

// CompleteTransfer moves the funds of a pending transfer and marks it
// completed, all in one transaction. Accounts are locked in ascending number
// order so opposite-direction transfers cannot deadlock. On any error nothing
// changes and the transfer stays pending.
func (s *Store) CompleteTransfer(ctx context.Context, id, userID uuid.UUID) (domain.Transfer, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return domain.Transfer{}, err
	}
	defer tx.Rollback(ctx)

	t, err := scanTransfer(tx.QueryRow(ctx,
		`SELECT `+transferCols+` FROM transfers WHERE transfer_id=$1 FOR UPDATE`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Transfer{}, fmt.Errorf("%w: transfer %s", domain.ErrNotFound, id)
		}
		return domain.Transfer{}, storageErr("lock transfer", err)
	}
	if t.Status != domain.StatusPending {
		return domain.Transfer{}, fmt.Errorf("%w: transfer already %s", domain.ErrConflict, t.Status)
	}

	locked := map[string]domain.Account{}
	for _, n := range sortedUnique([]string{t.FromAccount, t.ToAccount}) {
		a, err := lockAccount(ctx, tx, n)
		if err != nil {
			return domain.Transfer{}, err
		}
		locked[n] = a
	}
	src := locked[t.FromAccount]
	if src.UserID != userID {
		return domain.Transfer{}, fmt.Errorf("%w: source account not owned by caller", domain.ErrForbidden)
	}
	if src.Balance.LessThan(t.Amount) {
		return domain.Transfer{}, domain.ErrInsufficientFunds
	}
	if err := checkCredit(locked[t.ToAccount], t.Amount); err != nil {
		return domain.Transfer{}, err
	}

	amt := t.Amount.String()
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance - $1::numeric WHERE account_number=$2`,
		amt, t.FromAccount,
	); err != nil {
		return domain.Transfer{}, storageErr("debit", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance + $1::numeric WHERE account_number=$2`,
		amt, t.ToAccount,
	); err != nil {
		return domain.Transfer{}, storageErr("credit", err)
	}

	out, err := scanTransfer(tx.QueryRow(ctx,
		`UPDATE transfers SET status='completed', completed_at=now()
		  WHERE transfer_id=$1
		  RETURNING `+transferCols,
		id,
	))
	if err != nil {
		return domain.Transfer{}, storageErr("mark transfer", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Transfer{}, storageErr("commit", err)
	}
	return out, nil
}

// ListTransfers returns transfers the user initiated or that touch one of
// their accounts, most recent first.
func (s *Store) ListTransfers(ctx context.Context, userID uuid.UUID) ([]domain.Transfer, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+transferCols+`
		  FROM transfers
		 WHERE user_id = $1
		    OR from_account IN (SELECT account_number FROM accounts WHERE user_id=$1)
		    OR to_account   IN (SELECT account_number FROM accounts WHERE user_id=$1)
		 ORDER BY created_at DESC, transfer_id`,
		userID,
	)
	if err != nil {
		return nil, storageErr("list transfers", err)
	}
	defer rows.Close()

	out := []domain.Transfer{}
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, storageErr("scan transfer", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list transfers", err)
	}
	return out, nil
}

// =========================
// Deposits
// =========================

const depositCols = `deposit_id, user_id, account_number, amount::text, status, created_at, completed_at`

func scanDeposit(row pgx.Row) (domain.Deposit, error) {
	var (
		d   domain.Deposit
		amt string
	)
	err := row.Scan(&d.ID, &d.UserID, &d.AccountNumber, &amt, &d.Status, &d.CreatedAt, &d.CompletedAt)
	if err != nil {
		return domain.Deposit{}, err
	}
	if d.Amount, err = parseAmount(amt); err != nil {
		return domain.Deposit{}, err
	}
	return d, nil
}

func (s *Store) CreateDeposit(ctx context.Context, d domain.Deposit) (domain.Deposit, error) {
	if err := checkAmount(d.Amount); err != nil {
		return domain.Deposit{}, err
	}
	tx, err := s.begin(ctx)
	if err != nil {
		return domain.Deposit{}, err
	}
	defer tx.Rollback(ctx)

	if err := shareLockAccounts(ctx, tx, d.AccountNumber); err != nil {
		return domain.Deposit{}, err
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	out, err := scanDeposit(tx.QueryRow(ctx,
		`INSERT INTO deposits(deposit_id, user_id, account_number, amount, status)
		 VALUES($1,$2,$3,$4::numeric,'pending')
		 RETURNING `+depositCols,
		d.ID, d.UserID, d.AccountNumber, d.Amount.String(),
	))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Deposit{}, fmt.Errorf("%w: deposit %s exists", domain.ErrConflict, d.ID)
		}
		return domain.Deposit{}, storageErr("insert deposit", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Deposit{}, storageErr("commit", err)
	}
	return out, nil
}

func (s *Store) GetDeposit(ctx context.Context, id uuid.UUID) (domain.Deposit, error) {
	d, err := scanDeposit(s.db.QueryRow(ctx,
		`SELECT `+depositCols+` FROM deposits WHERE deposit_id=$1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Deposit{}, fmt.Errorf("%w: deposit %s", domain.ErrNotFound, id)
		}
		return domain.Deposit{}, storageErr("get deposit", err)
	}
	return d, nil
}

// CompleteDeposit credits the account and marks the deposit completed in one
// transaction. It returns the completed deposit and the credited account.
func (s *Store) CompleteDeposit(ctx context.Context, id, userID uuid.UUID) (domain.Deposit, domain.Account, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return domain.Deposit{}, domain.Account{}, err
	}
	defer tx.Rollback(ctx)

	d, err := scanDeposit(tx.QueryRow(ctx,
		`SELECT `+depositCols+` FROM deposits WHERE deposit_id=$1 FOR UPDATE`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Deposit{}, domain.Account{}, fmt.Errorf("%w: deposit %s", domain.ErrNotFound, id)
		}
		return domain.Deposit{}, domain.Account{}, storageErr("lock deposit", err)
	}
	if d.Status != domain.StatusPending {
		return domain.Deposit{}, domain.Account{}, fmt.Errorf("%w: deposit already %s", domain.ErrConflict, d.Status)
	}

	a, err := lockAccount(ctx, tx, d.AccountNumber)
	if err != nil {
		return domain.Deposit{}, domain.Account{}, err
	}
	if a.UserID != userID {
		return domain.Deposit{}, domain.Account{}, fmt.Errorf("%w: account not owned by caller", domain.ErrForbidden)
	}
	if err := checkCredit(a, d.Amount); err != nil {
		return domain.Deposit{}, domain.Account{}, err
	}

	a, err = scanAccount(tx.QueryRow(ctx,
		`UPDATE accounts SET balance = balance + $1::numeric
		  WHERE account_number=$2
		  RETURNING `+accountCols,
		d.Amount.String(), d.AccountNumber,
	))
	if err != nil {
		return domain.Deposit{}, domain.Account{}, storageErr("credit", err)
	}
	d, err = scanDeposit(tx.QueryRow(ctx,
		`UPDATE deposits SET status='completed', completed_at=now()
		  WHERE deposit_id=$1
		  RETURNING `+depositCols,
		id,
	))
	if err != nil {
		return domain.Deposit{}, domain.Account{}, storageErr("mark deposit", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Deposit{}, domain.Account{}, storageErr("commit", err)
	}
	return d, a, nil
}

// checkAmount rejects what the numeric(18,2) columns cannot hold, so it
// surfaces as a bad request instead of a driver overflow.
func checkAmount(amount decimal.Decimal) error {
	if amount.GreaterThan(domain.MaxAmount) {
		return fmt.Errorf("%w: amount exceeds %s", domain.ErrInvalidRequest, domain.MaxAmount)
	}
	return nil
}

func checkCredit(a domain.Account, amount decimal.Decimal) error {
	if a.Balance.Add(amount).GreaterThan(domain.MaxAmount) {
		return fmt.Errorf("%w: balance of account %s would exceed %s", domain.ErrInvalidRequest, a.Number, domain.MaxAmount)
	}
	return nil
}

func sortedUnique(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]bool{}
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
