package notify

import (
	"context"
	"log/slog"
)

// LogSender writes deliveries to the log. The code itself is logged only in
// debug mode.
type LogSender struct {
	Logger *slog.Logger
	Debug  bool
}

func (s LogSender) Send(_ context.Context, m Message) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"kind", m.Kind, "to", m.To, "reference", m.Reference}
	if s.Debug {
		attrs = append(attrs, "code", m.Code)
	}
	logger.Info("otp notification", attrs...)
	return nil
}
