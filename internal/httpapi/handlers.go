package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"securebank/internal/banking"
	"securebank/internal/domain"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const otpSentMessage = "OTP sent to your e-mail"

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	accounts  *banking.Accounts
	transfers *banking.Transfers
	deposits  *banking.Deposits
	userOTP   *banking.UserOTP
	health    []Pinger
	logger    *slog.Logger
}

type Services struct {
	Accounts  *banking.Accounts
	Transfers *banking.Transfers
	Deposits  *banking.Deposits
	UserOTP   *banking.UserOTP
}

func NewHandlers(s Services, logger *slog.Logger, health ...Pinger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		accounts:  s.Accounts,
		transfers: s.Transfers,
		deposits:  s.Deposits,
		userOTP:   s.UserOTP,
		health:    health,
		logger:    logger,
	}
}

func (h *Handlers) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	for _, p := range h.health {
		if err := p.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", "error", err)
			c.String(http.StatusServiceUnavailable, "unavailable")
			return
		}
	}
	c.String(http.StatusOK, "ok")
}

func httpStatusForErr(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	// Domain errors
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrInsufficientFunds):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidOTP),
		errors.Is(err, domain.ErrOTPExpired),
		errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrLocked),
		errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrStorage),
		errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable

	// Context / timeouts
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout

	default:
		return http.StatusInternalServerError
	}
}

func publicErrMessage(code int, err error) string {
	switch {
	case code < 500:
		return err.Error()
	case errors.Is(err, domain.ErrStorage):
		return "storage error, nothing was applied; please retry"
	case errors.Is(err, domain.ErrUnavailable):
		return "service temporarily unavailable; please retry"
	default:
		// Don't leak internals on 5xx.
		return "internal error"
	}
}

// fail writes the error response. extra fields are merged into the body.
func (h *Handlers) fail(c *gin.Context, err error, extra ...gin.H) {
	code := httpStatusForErr(err)
	body := gin.H{"error": publicErrMessage(code, err)}
	for _, e := range extra {
		for k, v := range e {
			body[k] = v
		}
	}

	var oe *domain.OTPError
	if errors.As(err, &oe) {
		body["attempts"] = oe.Attempts
		body["max_attempts"] = oe.Max
	}
	if code >= 500 {
		h.logger.Error("request failed", "path", c.FullPath(), "status", code, "error", err)
	}
	c.AbortWithStatusJSON(code, body)
}

func (h *Handlers) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return false
	}
	return true
}

func reqCtx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 5*time.Second)
}

// =========================
// Accounts
// =========================

func (h *Handlers) CreateAccount(c *gin.Context) {
	var req domain.CreateAccountRequest
	if !h.bind(c, &req) {
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	a, err := h.accounts.Open(ctx, currentUser(c), req.AccountType, req.AccountNumber)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *Handlers) ListAccounts(c *gin.Context) {
	ctx, cancel := reqCtx(c)
	defer cancel()

	list, err := h.accounts.List(ctx, currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *Handlers) DeleteAccount(c *gin.Context) {
	ctx, cancel := reqCtx(c)
	defer cancel()

	if err := h.accounts.Close(ctx, currentUser(c), c.Param("number")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// =========================
// Transfers
// =========================

func (h *Handlers) InitiateTransfer(c *gin.Context) {
	var req domain.TransferInitiateRequest
	if !h.bind(c, &req) {
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	t, err := h.transfers.Initiate(ctx, currentUser(c),
		req.FromAccountNumber, req.ToAccountNumber, req.Amount, req.Reference)
	if err != nil {
		if t.ID != uuid.Nil {
			h.fail(c, err, gin.H{"transaction_id": t.ID})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, domain.TransferInitiateResponse{TransactionID: t.ID, Message: otpSentMessage})
}

func (h *Handlers) VerifyTransfer(c *gin.Context) {
	var req domain.TransferVerifyRequest
	if !h.bind(c, &req) {
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	t, err := h.transfers.Confirm(ctx, currentUser(c), req.TransactionID, req.OTPCode)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *Handlers) ResendTransfer(c *gin.Context) {
	var req domain.TransferResendRequest
	if !h.bind(c, &req) {
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	if err := h.transfers.Resend(ctx, currentUser(c), req.TransactionID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, domain.MessageResponse{Msg: otpSentMessage})
}

func (h *Handlers) ListTransfers(c *gin.Context) {
	ctx, cancel := reqCtx(c)
	defer cancel()

	list, err := h.transfers.List(ctx, currentUser(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// =========================
// Deposits
// =========================

func (h *Handlers) InitiateDeposit(c *gin.Context) {
	var req domain.DepositInitiateRequest
	if !h.bind(c, &req) {
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	d, err := h.deposits.Initiate(ctx, currentUser(c), req.AccountNumber, req.Amount)
	if err != nil {
		if d.ID != uuid.Nil {
			h.fail(c, err, gin.H{"deposit_id": d.ID})
			return
		}
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, domain.DepositInitiateResponse{DepositID: d.ID, Message: otpSentMessage})
}

func (h *Handlers) ConfirmDeposit(c *gin.Context) {
	var req domain.DepositConfirmRequest
	if !h.bind(c, &req) {
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	_, acct, err := h.deposits.Confirm(ctx, currentUser(c), req.DepositID, req.OTP)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, domain.DepositConfirmResponse{Msg: "Deposit successful", NewBalance: acct.Balance})
}

func (h *Handlers) ResendDeposit(c *gin.Context) {
	var req domain.DepositResendRequest
	if !h.bind(c, &req) {
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	if err := h.deposits.Resend(ctx, currentUser(c), req.DepositID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, domain.MessageResponse{Msg: otpSentMessage})
}

// =========================
// User OTP
// =========================

func (h *Handlers) SendUserOTP(c *gin.Context) {
	ctx, cancel := reqCtx(c)
	defer cancel()

	if err := h.userOTP.Send(ctx, currentUser(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, domain.MessageResponse{Msg: otpSentMessage})
}

func (h *Handlers) VerifyUserOTP(c *gin.Context) {
	var req domain.OTPVerifyRequest
	if !h.bind(c, &req) {
		return
	}
	ctx, cancel := reqCtx(c)
	defer cancel()

	if err := h.userOTP.Verify(ctx, currentUser(c), req.OTPCode); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, domain.MessageResponse{Msg: "OTP verified successfully"})
}
