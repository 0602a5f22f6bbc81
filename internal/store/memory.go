package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"securebank/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Memory is an in-process ledger with the same contract as Store. One mutex
// guards everything, so every method is atomic.
type Memory struct {
	mu  sync.Mutex
	now func() time.Time

	users     map[uuid.UUID]domain.User
	emails    map[string]uuid.UUID
	keys      map[string]uuid.UUID
	accounts  map[string]domain.Account
	transfers map[uuid.UUID]domain.Transfer
	txOrder   []uuid.UUID
	deposits  map[uuid.UUID]domain.Deposit
}

func NewMemory() *Memory {
	return &Memory{
		now:       time.Now,
		users:     map[uuid.UUID]domain.User{},
		emails:    map[string]uuid.UUID{},
		keys:      map[string]uuid.UUID{},
		accounts:  map[string]domain.Account{},
		transfers: map[uuid.UUID]domain.Transfer{},
		deposits:  map[uuid.UUID]domain.Deposit{},
	}
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) CreateUser(_ context.Context, email string) (domain.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return domain.User{}, domain.ErrInvalidRequest
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.emails[email]; ok {
		return domain.User{}, fmt.Errorf("%w: email already registered", domain.ErrConflict)
	}
	u := domain.User{ID: uuid.New(), Email: email}
	m.users[u.ID] = u
	m.emails[email] = u.ID
	return u, nil
}

func (m *Memory) SaveAPIKey(_ context.Context, userID uuid.UUID, keyHash, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return fmt.Errorf("%w: user %s", domain.ErrNotFound, userID)
	}
	m.keys[keyHash] = userID
	return nil
}

func (m *Memory) UserByKeyHash(_ context.Context, keyHash string) (domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.keys[keyHash]
	if !ok {
		return domain.User{}, domain.ErrUnauthorized
	}
	return m.users[id], nil
}

// Accounts

func (m *Memory) CreateAccount(_ context.Context, a domain.Account) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.Number]; ok {
		return domain.Account{}, fmt.Errorf("%w: account number already exists", domain.ErrConflict)
	}
	if a.Type == "" {
		a.Type = domain.AccountSavings
	}
	a.Balance = decimal.Zero
	a.CreatedAt = m.now()
	m.accounts[a.Number] = a
	return a, nil
}

func (m *Memory) AccountNumberTaken(_ context.Context, number string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.accounts[number]
	return ok, nil
}

func (m *Memory) GetAccount(_ context.Context, number string) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[number]
	if !ok {
		return domain.Account{}, fmt.Errorf("%w: account %s", domain.ErrNotFound, number)
	}
	return a, nil
}

func (m *Memory) ListAccounts(_ context.Context, userID uuid.UUID) ([]domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []domain.Account{}
	for _, a := range m.accounts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Number < out[j].Number
	})
	return out, nil
}

func (m *Memory) DeleteAccount(_ context.Context, userID uuid.UUID, number string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[number]
	if !ok || a.UserID != userID {
		return fmt.Errorf("%w: account %s", domain.ErrNotFound, number)
	}
	if !a.Balance.IsZero() {
		return fmt.Errorf("%w: account balance must be zero before deletion", domain.ErrConflict)
	}
	for _, t := range m.transfers {
		if t.Status == domain.StatusPending && (t.FromAccount == number || t.ToAccount == number) {
			return fmt.Errorf("%w: account has pending operations", domain.ErrConflict)
		}
	}
	for _, d := range m.deposits {
		if d.Status == domain.StatusPending && d.AccountNumber == number {
			return fmt.Errorf("%w: account has pending operations", domain.ErrConflict)
		}
	}
	delete(m.accounts, number)
	return nil
}

// Transfers

func (m *Memory) CreateTransfer(_ context.Context, t domain.Transfer) (domain.Transfer, error) {
	if err := checkAmount(t.Amount); err != nil {
		return domain.Transfer{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range []string{t.FromAccount, t.ToAccount} {
		if _, ok := m.accounts[n]; !ok {
			return domain.Transfer{}, fmt.Errorf("%w: account %s", domain.ErrNotFound, n)
		}
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if _, ok := m.transfers[t.ID]; ok {
		return domain.Transfer{}, fmt.Errorf("%w: transfer %s exists", domain.ErrConflict, t.ID)
	}
	t.Status = domain.StatusPending
	t.CreatedAt = m.now()
	t.CompletedAt = nil
	m.transfers[t.ID] = t
	m.txOrder = append(m.txOrder, t.ID)
	return t, nil
}

func (m *Memory) GetTransfer(_ context.Context, id uuid.UUID) (domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	if !ok {
		return domain.Transfer{}, fmt.Errorf("%w: transfer %s", domain.ErrNotFound, id)
	}
	return t, nil
}

func (m *Memory) CompleteTransfer(_ context.Context, id, userID uuid.UUID) (domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.transfers[id]
	if !ok {
		return domain.Transfer{}, fmt.Errorf("%w: transfer %s", domain.ErrNotFound, id)
	}
	if t.Status != domain.StatusPending {
		return domain.Transfer{}, fmt.Errorf("%w: transfer already %s", domain.ErrConflict, t.Status)
	}
	src, ok := m.accounts[t.FromAccount]
	if !ok {
		return domain.Transfer{}, fmt.Errorf("%w: account %s", domain.ErrNotFound, t.FromAccount)
	}
	dst, ok := m.accounts[t.ToAccount]
	if !ok {
		return domain.Transfer{}, fmt.Errorf("%w: account %s", domain.ErrNotFound, t.ToAccount)
	}
	if src.UserID != userID {
		return domain.Transfer{}, fmt.Errorf("%w: source account not owned by caller", domain.ErrForbidden)
	}
	if src.Balance.LessThan(t.Amount) {
		return domain.Transfer{}, domain.ErrInsufficientFunds
	}
	if err := checkCredit(dst, t.Amount); err != nil {
		return domain.Transfer{}, err
	}

	src.Balance = src.Balance.Sub(t.Amount)
	dst.Balance = dst.Balance.Add(t.Amount)
	m.accounts[src.Number] = src
	m.accounts[dst.Number] = dst

	now := m.now()
	t.Status = domain.StatusCompleted
	t.CompletedAt = &now
	m.transfers[id] = t
	return t, nil
}

func (m *Memory) ListTransfers(_ context.Context, userID uuid.UUID) ([]domain.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owned := func(n string) bool {
		a, ok := m.accounts[n]
		return ok && a.UserID == userID
	}
	out := []domain.Transfer{}
	for i := len(m.txOrder) - 1; i >= 0; i-- {
		t := m.transfers[m.txOrder[i]]
		if t.UserID == userID || owned(t.FromAccount) || owned(t.ToAccount) {
			out = append(out, t)
		}
	}
	return out, nil
}

// Deposits

func (m *Memory) CreateDeposit(_ context.Context, d domain.Deposit) (domain.Deposit, error) {
	if err := checkAmount(d.Amount); err != nil {
		return domain.Deposit{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[d.AccountNumber]; !ok {
		return domain.Deposit{}, fmt.Errorf("%w: account %s", domain.ErrNotFound, d.AccountNumber)
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if _, ok := m.deposits[d.ID]; ok {
		return domain.Deposit{}, fmt.Errorf("%w: deposit %s exists", domain.ErrConflict, d.ID)
	}
	d.Status = domain.StatusPending
	d.CreatedAt = m.now()
	d.CompletedAt = nil
	m.deposits[d.ID] = d
	return d, nil
}

func (m *Memory) GetDeposit(_ context.Context, id uuid.UUID) (domain.Deposit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deposits[id]
	if !ok {
		return domain.Deposit{}, fmt.Errorf("%w: deposit %s", domain.ErrNotFound, id)
	}
	return d, nil
}

func (m *Memory) CompleteDeposit(_ context.Context, id, userID uuid.UUID) (domain.Deposit, domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deposits[id]
	if !ok {
		return domain.Deposit{}, domain.Account{}, fmt.Errorf("%w: deposit %s", domain.ErrNotFound, id)
	}
	if d.Status != domain.StatusPending {
		return domain.Deposit{}, domain.Account{}, fmt.Errorf("%w: deposit already %s", domain.ErrConflict, d.Status)
	}
	a, ok := m.accounts[d.AccountNumber]
	if !ok {
		return domain.Deposit{}, domain.Account{}, fmt.Errorf("%w: account %s", domain.ErrNotFound, d.AccountNumber)
	}
	if a.UserID != userID {
		return domain.Deposit{}, domain.Account{}, fmt.Errorf("%w: account not owned by caller", domain.ErrForbidden)
	}
	if err := checkCredit(a, d.Amount); err != nil {
		return domain.Deposit{}, domain.Account{}, err
	}
	a.Balance = a.Balance.Add(d.Amount)
	m.accounts[a.Number] = a

	now := m.now()
	d.Status = domain.StatusCompleted
	d.CompletedAt = &now
	m.deposits[id] = d
	return d, a, nil
}
