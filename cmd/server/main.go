package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"securebank/internal/banking"
	"securebank/internal/config"
	"securebank/internal/domain"
	"securebank/internal/httpapi"
	"securebank/internal/notify"
	"securebank/internal/otp"
	"securebank/internal/security"
	"securebank/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ledger is everything the server needs from a ledger backend.
type ledger interface {
	banking.AccountStore
	banking.TransferStore
	banking.DepositStore
	httpapi.UserLookup
	httpapi.Pinger
	CreateUser(ctx context.Context, email string) (domain.User, error)
	SaveAPIKey(ctx context.Context, userID uuid.UUID, keyHash, keyPrefix string) error
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	start := time.Now()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	logger.Info("startup begin",
		"addr", cfg.HTTPAddr,
		"ledger", cfg.LedgerStore,
		"challenges", cfg.ChallengeStore,
		"notify", cfg.NotifyBackend,
	)

	// Startup context
	startCtx, startCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer startCancel()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	// Ledger
	var l ledger
	switch cfg.LedgerStore {
	case "memory":
		mem := store.NewMemory()
		if err := seedDevUser(startCtx, mem, logger, cfg.Debug); err != nil {
			return err
		}
		l = mem
	default:
		pool, err := openPool(startCtx, cfg, logger)
		if err != nil {
			return err
		}
		closers = append(closers, pool.Close)
		l = store.New(pool)
	}

	// Challenge store
	var challenges otp.Store
	health := []httpapi.Pinger{l}
	switch cfg.ChallengeStore {
	case "memory":
		challenges = otp.NewMemoryStore()
	default:
		client, err := mongo.Connect(startCtx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("mongo connect: %w", err)
		}
		closers = append(closers, func() { _ = client.Disconnect(context.Background()) })
		if err := client.Ping(startCtx, nil); err != nil {
			return fmt.Errorf("mongo ping: %w", err)
		}
		ms := otp.NewMongoStore(client.Database(cfg.MongoDB))
		if err := ms.EnsureIndexes(startCtx); err != nil {
			return fmt.Errorf("mongo indexes: %w", err)
		}
		challenges = ms
		health = append(health, mongoPinger{client})
	}
	codes := otp.NewService(challenges, otp.Policy{
		TTL:         cfg.OTPTTL,
		MaxAttempts: cfg.OTPMaxAttempts,
		LockoutTTL:  cfg.OTPLockoutTTL,
	})

	// Notifications
	sender, closeSender, err := newSender(cfg, logger)
	if err != nil {
		return err
	}
	closers = append(closers, closeSender)
	dispatcher := notify.NewDispatcher(sender, cfg.NotifyQueueSize, logger)
	dispatcher.Start(cfg.NotifyWorkers)
	closers = append(closers, dispatcher.Shutdown)

	h := httpapi.NewHandlers(httpapi.Services{
		Accounts:  banking.NewAccounts(l, logger),
		Transfers: banking.NewTransfers(l, codes, dispatcher, logger),
		Deposits:  banking.NewDeposits(l, codes, dispatcher, logger),
		UserOTP:   banking.NewUserOTP(codes, dispatcher, logger),
	}, logger, health...)

	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: httpapi.Router(h, l, httpapi.RouterConfig{MaxInflight: cfg.HTTPMaxInflight, Logger: logger}),

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening",
			"addr", cfg.HTTPAddr,
			"ready_in", time.Since(start).Truncate(time.Millisecond).String(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	logger.Info("server exited")
	return nil
}

func openPool(ctx context.Context, cfg config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.LedgerDSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pcfg.MaxConns = int32(cfg.LedgerMaxConns)
	pcfg.MinConns = 1
	pcfg.HealthCheckPeriod = 10 * time.Second
	pcfg.MaxConnLifetime = 30 * time.Minute
	pcfg.MaxConnIdleTime = 5 * time.Minute

	logger.Info("connecting to ledger db", "max_conns", cfg.LedgerMaxConns)
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if cfg.LedgerMigrate {
		logger.Info("running migrations")
		if err := store.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
	} else {
		logger.Info("migrations disabled")
	}
	return pool, nil
}

func newSender(cfg config.Config, logger *slog.Logger) (notify.Sender, func(), error) {
	switch cfg.NotifyBackend {
	case "amqp":
		p, err := notify.DialAMQP(cfg.RabbitURI)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Close, nil
	case "smtp":
		m, err := notify.NewSMTPMailer(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPass,
			From:     cfg.EmailFrom,
			Timeout:  cfg.SMTPTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return m, func() {}, nil
	default:
		return notify.LogSender{Logger: logger, Debug: cfg.Debug}, func() {}, nil
	}
}

// seedDevUser gives an in-memory ledger one usable API key.
func seedDevUser(ctx context.Context, l ledger, logger *slog.Logger, debug bool) error {
	u, err := l.CreateUser(ctx, "dev@securebank.local")
	if err != nil {
		return err
	}
	key, hash, err := security.GenerateAPIKey()
	if err != nil {
		return err
	}
	if err := l.SaveAPIKey(ctx, u.ID, hash, security.DisplayPrefix(key)); err != nil {
		return err
	}
	if debug {
		logger.Info("memory ledger seeded", "email", u.Email, "api_key", key)
	} else {
		logger.Info("memory ledger seeded", "email", u.Email, "api_key_prefix", security.DisplayPrefix(key))
	}
	return nil
}

type mongoPinger struct{ c *mongo.Client }

func (m mongoPinger) Ping(ctx context.Context) error { return m.c.Ping(ctx, nil) }
