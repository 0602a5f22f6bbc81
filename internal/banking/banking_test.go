package banking

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"securebank/internal/domain"
	"securebank/internal/notify"
	"securebank/internal/otp"
	"securebank/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type outbox struct {
	mu   sync.Mutex
	msgs []notify.Message
	full bool
}

func (o *outbox) Enqueue(m notify.Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.full {
		return false
	}
	o.msgs = append(o.msgs, m)
	return true
}

// last returns the most recent message sent for reference.
func (o *outbox) last(t *testing.T, reference string) notify.Message {
	t.Helper()
	o.mu.Lock()
	defer o.mu.Unlock()
	for i := len(o.msgs) - 1; i >= 0; i-- {
		if o.msgs[i].Reference == reference {
			return o.msgs[i]
		}
	}
	t.Fatalf("no code sent for %s", reference)
	return notify.Message{}
}

func (o *outbox) lastCode(t *testing.T, reference string) string {
	t.Helper()
	return o.last(t, reference).Code
}

// flakyChallenges refuses new codes while down is set.
type flakyChallenges struct {
	*otp.MemoryStore
	down atomic.Bool
}

func (s *flakyChallenges) Put(ctx context.Context, subject, code string, ttl time.Duration) error {
	if s.down.Load() {
		return errors.New("challenge store unreachable")
	}
	return s.MemoryStore.Put(ctx, subject, code, ttl)
}

type fixture struct {
	ledger    *store.Memory
	codes     *otp.Service
	out       *outbox
	logs      *bytes.Buffer
	transfers *Transfers
	deposits  *Deposits
	accounts  *Accounts
	users     *UserOTP
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		ledger: store.NewMemory(),
		codes:  otp.NewService(otp.NewMemoryStore(), otp.DefaultPolicy()),
		out:    &outbox{},
		logs:   &bytes.Buffer{},
	}
	logger := slog.New(slog.NewJSONHandler(f.logs, nil))
	f.transfers = NewTransfers(f.ledger, f.codes, f.out, logger)
	f.deposits = NewDeposits(f.ledger, f.codes, f.out, logger)
	f.accounts = NewAccounts(f.ledger, logger)
	f.users = NewUserOTP(f.codes, f.out, logger)
	return f
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (f *fixture) user(t *testing.T) domain.User {
	t.Helper()
	u, err := f.ledger.CreateUser(context.Background(), fmt.Sprintf("%s@example.test", uuid.NewString()[:8]))
	require.NoError(t, err)
	return u
}

func (f *fixture) account(t *testing.T, u domain.User, balance string) domain.Account {
	t.Helper()
	ctx := context.Background()
	a, err := f.accounts.Open(ctx, u, domain.AccountSavings, "")
	require.NoError(t, err)
	if balance != "" && !dec(balance).IsZero() {
		d, err := f.deposits.Initiate(ctx, u, a.Number, dec(balance))
		require.NoError(t, err)
		_, a, err = f.deposits.Confirm(ctx, u, d.ID, f.out.lastCode(t, d.ID.String()))
		require.NoError(t, err)
	}
	return a
}

func (f *fixture) balance(t *testing.T, number string) decimal.Decimal {
	t.Helper()
	a, err := f.ledger.GetAccount(context.Background(), number)
	require.NoError(t, err)
	return a.Balance
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

func TestTransferHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)
	a := f.account(t, alice, "100")
	b := f.account(t, bob, "")

	tr, err := f.transfers.Initiate(ctx, alice, a.Number, b.Number, dec("40"), "rent")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, tr.Status)
	assert.True(t, f.balance(t, a.Number).Equal(dec("100")), "initiate must not move money")

	code := f.out.lastCode(t, tr.ID.String())
	done, err := f.transfers.Confirm(ctx, alice, tr.ID, code)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.True(t, f.balance(t, a.Number).Equal(dec("60")))
	assert.True(t, f.balance(t, b.Number).Equal(dec("40")))

	// Replay of the same code.
	_, err = f.transfers.Confirm(ctx, alice, tr.ID, code)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.True(t, f.balance(t, a.Number).Equal(dec("60")))

	assert.NotContains(t, f.logs.String(), `"code"`)
}

func TestTransferInitiateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)
	a := f.account(t, alice, "10")
	b := f.account(t, bob, "")

	cases := []struct {
		name     string
		from, to string
		amount   string
		want     error
	}{
		{"unknown source", "99999999", b.Number, "1", domain.ErrNotFound},
		{"foreign source", b.Number, a.Number, "1", domain.ErrNotFound},
		{"unknown destination", a.Number, "99999998", "1", domain.ErrNotFound},
		{"same account", a.Number, a.Number, "1", domain.ErrInvalidRequest},
		{"zero", a.Number, b.Number, "0", domain.ErrInvalidRequest},
		{"negative", a.Number, b.Number, "-5", domain.ErrInvalidRequest},
		{"sub-cent", a.Number, b.Number, "1.001", domain.ErrInvalidRequest},
		{"above ledger limit", a.Number, b.Number, "10000000000000000", domain.ErrInvalidRequest},
		{"more than balance", a.Number, b.Number, "10.01", domain.ErrInsufficientFunds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.transfers.Initiate(ctx, alice, tc.from, tc.to, dec(tc.amount), "")
			assert.ErrorIs(t, err, tc.want)
		})
	}

	list, err := f.transfers.List(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, list, "rejected initiations must not create records")
}

func TestTransferExactBalanceAllowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)
	a := f.account(t, alice, "25.50")
	b := f.account(t, bob, "")

	tr, err := f.transfers.Initiate(ctx, alice, a.Number, b.Number, dec("25.50"), "")
	require.NoError(t, err)
	_, err = f.transfers.Confirm(ctx, alice, tr.ID, f.out.lastCode(t, tr.ID.String()))
	require.NoError(t, err)
	assert.True(t, f.balance(t, a.Number).IsZero())
}

func TestTransferLockout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)
	a := f.account(t, alice, "100")
	b := f.account(t, bob, "")

	tr, err := f.transfers.Initiate(ctx, alice, a.Number, b.Number, dec("10"), "")
	require.NoError(t, err)
	code := f.out.lastCode(t, tr.ID.String())
	bad := wrongCode(code)

	for i := 1; i <= 2; i++ {
		_, err := f.transfers.Confirm(ctx, alice, tr.ID, bad)
		var oe *domain.OTPError
		require.True(t, errors.As(err, &oe), "got %v", err)
		assert.Equal(t, i, oe.Attempts)
		assert.Equal(t, 3, oe.Max)
		assert.ErrorIs(t, err, domain.ErrInvalidOTP)
	}
	_, err = f.transfers.Confirm(ctx, alice, tr.ID, bad)
	assert.ErrorIs(t, err, domain.ErrLocked)

	// Even the right code is refused while locked.
	_, err = f.transfers.Confirm(ctx, alice, tr.ID, code)
	assert.ErrorIs(t, err, domain.ErrLocked)

	got, err := f.ledger.GetTransfer(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.True(t, f.balance(t, a.Number).Equal(dec("100")))
}

func TestTransferSuccessResetsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)
	a := f.account(t, alice, "100")
	b := f.account(t, bob, "")

	tr, err := f.transfers.Initiate(ctx, alice, a.Number, b.Number, dec("10"), "")
	require.NoError(t, err)
	code := f.out.lastCode(t, tr.ID.String())

	_, err = f.transfers.Confirm(ctx, alice, tr.ID, wrongCode(code))
	require.ErrorIs(t, err, domain.ErrInvalidOTP)
	_, err = f.transfers.Confirm(ctx, alice, tr.ID, code)
	require.NoError(t, err)

	locked, err := f.codes.IsLocked(ctx, otp.TransferSubject(tr.ID))
	require.NoError(t, err)
	assert.False(t, locked)
	n, _, err := f.codes.RecordFailure(ctx, otp.TransferSubject(tr.ID))
	require.NoError(t, err)
	assert.Equal(t, 1, n, "counter should start over after success")
}

func TestTransferBalanceDrainedBeforeConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)
	a := f.account(t, alice, "50")
	b := f.account(t, bob, "")

	first, err := f.transfers.Initiate(ctx, alice, a.Number, b.Number, dec("40"), "")
	require.NoError(t, err)
	second, err := f.transfers.Initiate(ctx, alice, a.Number, b.Number, dec("40"), "")
	require.NoError(t, err)

	_, err = f.transfers.Confirm(ctx, alice, first.ID, f.out.lastCode(t, first.ID.String()))
	require.NoError(t, err)

	code := f.out.lastCode(t, second.ID.String())
	_, err = f.transfers.Confirm(ctx, alice, second.ID, code)
	assert.ErrorIs(t, err, domain.ErrInsufficientFunds)

	got, err := f.ledger.GetTransfer(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.True(t, f.balance(t, a.Number).Equal(dec("10")))

	// The code was not consumed; a top-up lets the same code go through.
	d, err := f.deposits.Initiate(ctx, alice, a.Number, dec("30"))
	require.NoError(t, err)
	_, _, err = f.deposits.Confirm(ctx, alice, d.ID, f.out.lastCode(t, d.ID.String()))
	require.NoError(t, err)
	_, err = f.transfers.Confirm(ctx, alice, second.ID, code)
	require.NoError(t, err)
	assert.True(t, f.balance(t, a.Number).IsZero())
	assert.True(t, f.balance(t, b.Number).Equal(dec("80")))
}

func TestTransferConfirmByStranger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)
	a := f.account(t, alice, "100")
	b := f.account(t, bob, "")

	tr, err := f.transfers.Initiate(ctx, alice, a.Number, b.Number, dec("10"), "")
	require.NoError(t, err)
	code := f.out.lastCode(t, tr.ID.String())

	_, err = f.transfers.Confirm(ctx, bob, tr.ID, code)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	// Stranger attempts do not count toward the owner's lockout.
	for i := 0; i < 5; i++ {
		_, err = f.transfers.Confirm(ctx, bob, tr.ID, wrongCode(code))
		assert.ErrorIs(t, err, domain.ErrForbidden)
	}
	_, err = f.transfers.Confirm(ctx, alice, tr.ID, code)
	require.NoError(t, err)
}

func TestTransferConfirmUnknown(t *testing.T) {
	f := newFixture(t)
	_, err := f.transfers.Confirm(context.Background(), f.user(t), uuid.New(), "123456")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTransferExpiredCodeNotCounted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)
	a := f.account(t, alice, "100")
	b := f.account(t, bob, "")

	tr, err := f.transfers.Initiate(ctx, alice, a.Number, b.Number, dec("10"), "")
	require.NoError(t, err)
	code := f.out.lastCode(t, tr.ID.String())
	require.NoError(t, f.codes.Consume(ctx, otp.TransferSubject(tr.ID), code))

	for i := 0; i < 4; i++ {
		_, err = f.transfers.Confirm(ctx, alice, tr.ID, code)
		assert.ErrorIs(t, err, domain.ErrOTPExpired)
	}

	require.NoError(t, f.transfers.Resend(ctx, alice, tr.ID))
	fresh := f.out.lastCode(t, tr.ID.String())
	_, err = f.transfers.Confirm(ctx, alice, tr.ID, fresh)
	require.NoError(t, err)
}

func TestTransferResendRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)
	a := f.account(t, alice, "100")
	b := f.account(t, bob, "")

	tr, err := f.transfers.Initiate(ctx, alice, a.Number, b.Number, dec("10"), "")
	require.NoError(t, err)

	assert.ErrorIs(t, f.transfers.Resend(ctx, bob, tr.ID), domain.ErrForbidden)
	assert.ErrorIs(t, f.transfers.Resend(ctx, alice, uuid.New()), domain.ErrNotFound)

	_, err = f.transfers.Confirm(ctx, alice, tr.ID, f.out.lastCode(t, tr.ID.String()))
	require.NoError(t, err)
	assert.ErrorIs(t, f.transfers.Resend(ctx, alice, tr.ID), domain.ErrConflict)
}

func TestTransferConcurrentConfirmsCompleteOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)
	a := f.account(t, alice, "100")
	b := f.account(t, bob, "")

	tr, err := f.transfers.Initiate(ctx, alice, a.Number, b.Number, dec("40"), "")
	require.NoError(t, err)
	code := f.out.lastCode(t, tr.ID.String())

	const N = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	wg.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			defer wg.Done()
			_, err := f.transfers.Confirm(ctx, alice, tr.ID, code)
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrOTPExpired) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.True(t, f.balance(t, a.Number).Equal(dec("60")))
	assert.True(t, f.balance(t, b.Number).Equal(dec("40")))
}

type failingCommit struct {
	*store.Memory
}

func (failingCommit) CompleteTransfer(context.Context, uuid.UUID, uuid.UUID) (domain.Transfer, error) {
	return domain.Transfer{}, fmt.Errorf("%w: connection reset", domain.ErrStorage)
}

func TestTransferStorageFailureKeepsCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)
	a := f.account(t, alice, "100")
	b := f.account(t, bob, "")

	broken := NewTransfers(failingCommit{f.ledger}, f.codes, f.out, nil)
	tr, err := broken.Initiate(ctx, alice, a.Number, b.Number, dec("10"), "")
	require.NoError(t, err)
	code := f.out.lastCode(t, tr.ID.String())

	_, err = broken.Confirm(ctx, alice, tr.ID, code)
	assert.ErrorIs(t, err, domain.ErrStorage)
	assert.True(t, f.balance(t, a.Number).Equal(dec("100")))

	// Retry against a healthy store with the same code.
	_, err = f.transfers.Confirm(ctx, alice, tr.ID, code)
	require.NoError(t, err)
}

func TestTransferDroppedNotificationStillCreatesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)
	a := f.account(t, alice, "100")
	b := f.account(t, bob, "")

	f.out.full = true
	tr, err := f.transfers.Initiate(ctx, alice, a.Number, b.Number, dec("10"), "")
	require.NoError(t, err)
	assert.Contains(t, f.logs.String(), "transfer code not queued")

	f.out.full = false
	require.NoError(t, f.transfers.Resend(ctx, alice, tr.ID))
	_, err = f.transfers.Confirm(ctx, alice, tr.ID, f.out.lastCode(t, tr.ID.String()))
	require.NoError(t, err)
}

func TestTransferListNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)
	a := f.account(t, alice, "100")
	b := f.account(t, bob, "")

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		tr, err := f.transfers.Initiate(ctx, alice, a.Number, b.Number, dec("1"), "")
		require.NoError(t, err)
		ids = append(ids, tr.ID)
	}
	list, err := f.transfers.List(ctx, alice)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[0], list[2].ID)
}

func TestTransferIssueFailureReturnsPendingRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)
	a := f.account(t, alice, "100")
	b := f.account(t, bob, "")

	challenges := &flakyChallenges{MemoryStore: otp.NewMemoryStore()}
	transfers := NewTransfers(f.ledger, otp.NewService(challenges, otp.DefaultPolicy()), f.out,
		slog.New(slog.NewJSONHandler(f.logs, nil)))

	challenges.down.Store(true)
	tr, err := transfers.Initiate(ctx, alice, a.Number, b.Number, dec("10"), "")
	require.ErrorIs(t, err, domain.ErrUnavailable)
	require.NotEqual(t, uuid.Nil, tr.ID, "created record must be handed back")
	assert.Equal(t, domain.StatusPending, tr.Status)
	assert.Contains(t, f.logs.String(), "transfer created without code")
	assert.Contains(t, f.logs.String(), tr.ID.String())

	challenges.down.Store(false)
	require.NoError(t, transfers.Resend(ctx, alice, tr.ID))
	_, err = transfers.Confirm(ctx, alice, tr.ID, f.out.lastCode(t, tr.ID.String()))
	require.NoError(t, err)
	assert.True(t, f.balance(t, b.Number).Equal(dec("10")))
}

func TestTransferCodeCarriesConfiguredLifetime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.user(t), f.user(t)
	a := f.account(t, alice, "100")
	b := f.account(t, bob, "")

	codes := otp.NewService(otp.NewMemoryStore(), otp.Policy{TTL: 90 * time.Second, MaxAttempts: 3, LockoutTTL: time.Minute})
	tr, err := NewTransfers(f.ledger, codes, f.out, nil).Initiate(ctx, alice, a.Number, b.Number, dec("1"), "")
	require.NoError(t, err)

	m := f.out.last(t, tr.ID.String())
	assert.Equal(t, 90, m.ExpiresIn)
	_, body := notify.Render(m)
	assert.Contains(t, body, "expires in 90 seconds")
	assert.NotContains(t, body, "5 minutes")

	// The default policy quotes five minutes.
	tr, err = f.transfers.Initiate(ctx, alice, a.Number, b.Number, dec("1"), "")
	require.NoError(t, err)
	assert.Equal(t, 300, f.out.last(t, tr.ID.String()).ExpiresIn)
}

func TestTransferConfirmChecksRecordBeforeLockout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice, bob, mallory := f.user(t), f.user(t), f.user(t)
	a := f.account(t, alice, "100")
	b := f.account(t, bob, "")

	done, err := f.transfers.Initiate(ctx, alice, a.Number, b.Number, dec("10"), "")
	require.NoError(t, err)
	_, err = f.transfers.Confirm(ctx, alice, done.ID, f.out.lastCode(t, done.ID.String()))
	require.NoError(t, err)
	pending, err := f.transfers.Initiate(ctx, alice, a.Number, b.Number, dec("5"), "")
	require.NoError(t, err)

	for _, id := range []uuid.UUID{done.ID, pending.ID} {
		subject := otp.TransferSubject(id)
		for i := 0; i < otp.DefaultMaxAttempts; i++ {
			_, _, err := f.codes.RecordFailure(ctx, subject)
			require.NoError(t, err)
		}
		locked, err := f.codes.IsLocked(ctx, subject)
		require.NoError(t, err)
		require.True(t, locked)
	}

	// A finished record reports Conflict even while its subject is locked.
	_, err = f.transfers.Confirm(ctx, alice, done.ID, "000000")
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.NotErrorIs(t, err, domain.ErrLocked)

	// Ownership is checked before the lockout too.
	_, err = f.transfers.Confirm(ctx, mallory, pending.ID, "000000")
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.transfers.Confirm(ctx, alice, pending.ID, f.out.lastCode(t, pending.ID.String()))
	assert.ErrorIs(t, err, domain.ErrLocked)
	assert.True(t, f.balance(t, a.Number).Equal(dec("90")))
}
