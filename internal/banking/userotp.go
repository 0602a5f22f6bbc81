package banking

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"securebank/internal/domain"
	"securebank/internal/notify"
	"securebank/internal/otp"
)

// UserOTP is the standalone per-user code flow (step-up checks, login).
type UserOTP struct {
	gate   gate
	notify Notifier
	logger *slog.Logger
	now    func() time.Time
}

func NewUserOTP(codes *otp.Service, n Notifier, logger *slog.Logger) *UserOTP {
	return &UserOTP{gate: gate{otp: codes}, notify: n, logger: orDefault(logger), now: time.Now}
}

func (s *UserOTP) Send(ctx context.Context, user domain.User) error {
	code, err := s.gate.issue(ctx, otp.UserSubject(user.ID))
	if err != nil {
		return err
	}
	if !s.notify.Enqueue(notify.Message{
		Kind:      notify.KindLoginOTP,
		To:        user.Email,
		Code:      code,
		IssuedAt:  s.now().UTC(),
		ExpiresIn: s.gate.ttlSeconds(),
	}) {
		s.logger.Warn("user code not queued", "user_id", user.ID)
	}
	return nil
}

// Verify consumes the user's code. A wrong or missing code is Unauthorized
// unless it tripped the lockout.
func (s *UserOTP) Verify(ctx context.Context, user domain.User, code string) error {
	subject := otp.UserSubject(user.ID)
	if err := s.gate.check(ctx, subject, code); err != nil {
		switch {
		case errors.Is(err, domain.ErrLocked), errors.Is(err, domain.ErrUnavailable):
			return err
		default:
			return domain.ErrUnauthorized
		}
	}
	ok, err := s.gate.otp.Verify(ctx, subject, code)
	if err != nil {
		return err
	}
	if !ok {
		// Consumed by a concurrent verify.
		return domain.ErrUnauthorized
	}
	return nil
}
