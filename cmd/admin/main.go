// Command admin provisions users and API keys directly against the ledger
// database.
//
//	admin migrate
//	admin user -email alice@example.com
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"securebank/internal/config"
	"securebank/internal/security"
	"securebank/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: admin <migrate|user|key> [flags]")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.LedgerDSN)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db connect:", err)
		os.Exit(1)
	}
	defer pool.Close()

	switch os.Args[1] {
	case "migrate":
		err = store.Migrate(ctx, pool)
		if err == nil {
			fmt.Println("OK: migrations applied")
		}
	case "user":
		err = createUser(ctx, store.New(pool), os.Args[2:])
	case "key":
		err = issueKey(ctx, store.New(pool), os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "FAIL:", err)
		pool.Close()
		os.Exit(1)
	}
}

func createUser(ctx context.Context, s *store.Store, args []string) error {
	fs := flag.NewFlagSet("user", flag.ExitOnError)
	email := fs.String("email", "", "e-mail address OTP codes are sent to")
	_ = fs.Parse(args)

	e := strings.TrimSpace(*email)
	if e == "" || !strings.Contains(e, "@") {
		return fmt.Errorf("missing or invalid -email")
	}

	u, err := s.CreateUser(ctx, e)
	if err != nil {
		return err
	}
	fmt.Printf("user:   %s\n", u.ID)
	return printKey(ctx, s, u.ID)
}

// issueKey adds another key for an existing user. Older keys stay valid.
func issueKey(ctx context.Context, s *store.Store, args []string) error {
	fs := flag.NewFlagSet("key", flag.ExitOnError)
	id := fs.String("user", "", "user id")
	_ = fs.Parse(args)

	userID, err := uuid.Parse(*id)
	if err != nil {
		return fmt.Errorf("invalid -user: %w", err)
	}
	return printKey(ctx, s, userID)
}

func printKey(ctx context.Context, s *store.Store, userID uuid.UUID) error {
	key, hash, err := security.GenerateAPIKey()
	if err != nil {
		return err
	}
	if err := s.SaveAPIKey(ctx, userID, hash, security.DisplayPrefix(key)); err != nil {
		return err
	}
	// Only the hash is stored; this is the one time the key is visible.
	fmt.Printf("apikey: %s\n", key)
	return nil
}
