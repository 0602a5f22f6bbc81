package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type AccountType string

const (
	AccountSavings AccountType = "savings"
	AccountCurrent AccountType = "current"
)

func (t AccountType) Valid() bool {
	return t == AccountSavings || t == AccountCurrent
}

// MaxAmount is the largest value a ledger column (numeric(18,2)) holds. It
// bounds single amounts and resulting balances alike.
var MaxAmount = decimal.RequireFromString("9999999999999999.99")

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// User is the authenticated caller. Email is where codes are delivered.
type User struct {
	ID    uuid.UUID `json:"id"`
	Email string    `json:"email"`
}

type Account struct {
	Number    string          `json:"account_number"`
	UserID    uuid.UUID       `json:"-"`
	Type      AccountType     `json:"account_type"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
}

// Transfer is a pending or terminal movement between two accounts.
type Transfer struct {
	ID          uuid.UUID       `json:"id"`
	UserID      uuid.UUID       `json:"-"`
	FromAccount string          `json:"from_account_number"`
	ToAccount   string          `json:"to_account_number"`
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference,omitempty"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"timestamp"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

type Deposit struct {
	ID            uuid.UUID       `json:"id"`
	UserID        uuid.UUID       `json:"-"`
	AccountNumber string          `json:"account_number"`
	Amount        decimal.Decimal `json:"amount"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"timestamp"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// =========================
// Request / response bodies
// =========================

type CreateAccountRequest struct {
	AccountType   AccountType `json:"account_type" binding:"omitempty,oneof=savings current"`
	AccountNumber string      `json:"account_number" binding:"omitempty,numeric,min=4,max=20"`
}

type TransferInitiateRequest struct {
	FromAccountNumber string          `json:"from_account_number" binding:"required"`
	ToAccountNumber   string          `json:"to_account_number" binding:"required"`
	Amount            decimal.Decimal `json:"amount"`
	Reference         string          `json:"reference" binding:"max=140"`
}

type TransferInitiateResponse struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Message       string    `json:"message"`
}

type TransferVerifyRequest struct {
	TransactionID uuid.UUID `json:"transaction_id" binding:"required"`
	OTPCode       string    `json:"otp_code" binding:"required,len=6,numeric"`
}

type TransferResendRequest struct {
	TransactionID uuid.UUID `json:"transaction_id" binding:"required"`
}

type DepositInitiateRequest struct {
	AccountNumber string          `json:"account_number" binding:"required"`
	Amount        decimal.Decimal `json:"amount"`
}

type DepositInitiateResponse struct {
	DepositID uuid.UUID `json:"deposit_id"`
	Message   string    `json:"message"`
}

type DepositConfirmRequest struct {
	DepositID uuid.UUID `json:"deposit_id" binding:"required"`
	OTP       string    `json:"otp" binding:"required,len=6,numeric"`
}

type DepositConfirmResponse struct {
	Msg        string          `json:"msg"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

type DepositResendRequest struct {
	DepositID uuid.UUID `json:"deposit_id" binding:"required"`
}

type OTPVerifyRequest struct {
	OTPCode string `json:"otp_code" binding:"required,len=6,numeric"`
}

type MessageResponse struct {
	Msg string `json:"msg"`
}
