// Command notifier drains the OTP notification queue and delivers each
// message by e-mail.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"securebank/internal/config"
	"securebank/internal/notify"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	var sender notify.Sender
	if cfg.NotifyBackend == "log" {
		sender = notify.LogSender{Logger: logger, Debug: cfg.Debug}
	} else {
		m, err := notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			From:     cfg.EmailFrom,
			Timeout:  cfg.SMTPTimeout,
		})
		if err != nil {
			logger.Error("smtp", "error", err)
			os.Exit(1)
		}
		sender = m
	}

	consumer, err := notify.DialConsumer(cfg.RabbitURI, logger)
	if err != nil {
		logger.Error("amqp", "error", err)
		os.Exit(1)
	}
	defer consumer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("notifier consuming", "queue", notify.Queue, "smtp_host", cfg.SMTPHost)
	if err := consumer.Run(ctx, sender); err != nil {
		logger.Error("consumer stopped", "error", err)
		consumer.Close()
		os.Exit(1)
	}
	logger.Info("notifier exited")
}
