// Package main is the entrypoint for sdkconnect.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"time"

	"github.com/atotto/clipboard"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mdp/qrterminal/v3"

	"github.com/morezero/sdkconnect/internal/config"
	"github.com/morezero/sdkconnect/internal/server"
	"github.com/morezero/sdkconnect/pkg/commsutil"
	"github.com/morezero/sdkconnect/pkg/connection"
	"github.com/morezero/sdkconnect/pkg/db"
	"github.com/morezero/sdkconnect/pkg/deeplink"
)

const usage = `Usage: sdkconnect [command]
       sdkconnect serve                   Start the service (NATS, HTTP, connection manager).
       sdkconnect migrate up              Run database migrations.
       sdkconnect migrate down            Roll back the latest migration using its .down.sql file.
       sdkconnect migrate status          Show migration status.
       sdkconnect ensure-db [name]        Create database if missing (default name: sdkconnect_test). Uses DATABASE_URL host/user.
       sdkconnect clear                   Delete all known channels; schema is preserved.
       sdkconnect prune                   Delete channels whose validity has lapsed.
       sdkconnect keygen                  Print a new wallet key pair for WALLET_PRIVATE_KEY.
       sdkconnect link [channelId] [pubkey] [--qr] [--copy]
                                          Print a connect deep link (random channelId when omitted).
                                          --qr marks it as scanned and draws it as a terminal QR code;
                                          --copy also puts it on the clipboard.

Commands:
  serve           (default) Start sdkconnect.
  migrate up      Run database migrations only.
  migrate down    Roll back the latest migration.
  migrate status  Show current migration status.
  ensure-db [name] Create database (e.g. sdkconnect_test) on same host as DATABASE_URL; then run tests with that URL.
  clear           Delete channel data; schema preserved.
  prune           Delete expired channels only.
  keygen          Generate a secp256k1 wallet key.
  link            Build a test link for /connect or the openUrl method.

Environment: COMMS_URL, DATABASE_URL (empty = in-memory channels), MIGRATION_PATH, WALLET_PRIVATE_KEY,
MIN_SDK_API_VERSION, HTTP_ADDR (default 0.0.0.0:8080).
`

const defaultLinkBase = "https://wallet.link/connect"

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("sdkconnect migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		switch sub {
		case "up":
			if err := runMigrateUp(); err != nil {
				log.Fatalf("sdkconnect migrate up: %v", err)
			}
		case "status":
			if err := runMigrateStatus(); err != nil {
				log.Fatalf("sdkconnect migrate status: %v", err)
			}
		case "down":
			if err := runMigrateDown(); err != nil {
				log.Fatalf("sdkconnect migrate down: %v", err)
			}
		default:
			log.Fatalf("sdkconnect migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		return
	case "clear":
		if err := runClear(); err != nil {
			log.Fatalf("sdkconnect clear: %v", err)
		}
		return
	case "prune":
		if err := runPrune(); err != nil {
			log.Fatalf("sdkconnect prune: %v", err)
		}
		return
	case "ensure-db":
		dbName := "sdkconnect_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("sdkconnect ensure-db: %v", err)
		}
		return
	case "keygen":
		if err := runKeygen(); err != nil {
			log.Fatalf("sdkconnect keygen: %v", err)
		}
		return
	case "link":
		p := parseLinkArgs(args[1:])
		link, err := buildLink(p)
		if err != nil {
			log.Fatalf("sdkconnect link: %v", err)
		}
		printLink(os.Stdout, p, link)
		if p.Copy {
			if err := clipboard.WriteAll(link); err != nil {
				log.Fatalf("sdkconnect link: copy to clipboard: %v", err)
			}
			fmt.Fprintln(os.Stderr, "Link copied to clipboard.")
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("sdkconnect: %v", err)
	}
}

func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func runMigrateUp() error {
	return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		migrationSQL, err := db.LoadMigrationFiles(cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("load migrations: %w", err)
		}
		if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		return nil
	})
}

func runMigrateStatus() error {
	return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		return db.MigrationStatus(ctx, pool, cfg.MigrationPath)
	})
}

func runMigrateDown() error {
	return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
		return db.MigrationDown(ctx, pool, cfg.MigrationPath)
	})
}

func runClear() error {
	return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
		if err := db.ClearChannels(ctx, pool); err != nil {
			return fmt.Errorf("clear channels: %w", err)
		}
		return nil
	})
}

func runPrune() error {
	return withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
		n, err := db.PruneExpiredChannels(ctx, pool, time.Now().UTC())
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d expired channels.\n", n)
		return nil
	})
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	u, err := url.Parse(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	// Replace path with target database name; query (e.g. sslmode) is kept on u.RawQuery.
	u.Path = "/" + dbName
	if err := db.EnsureDatabase(context.Background(), u.String()); err != nil {
		return err
	}
	fmt.Printf("Database %q is ready.\n", dbName)
	return nil
}

func runKeygen() error {
	key, _, err := connection.LoadOrGenerateKey("")
	if err != nil {
		return err
	}
	fmt.Printf("WALLET_PRIVATE_KEY=%s\n", connection.PrivateKeyHex(key))
	fmt.Printf("# public key: %s\n", connection.PublicKeyHex(&key.PublicKey))
	return nil
}

type linkParams struct {
	Base      string
	ChannelID string
	PubKey    string
	QR        bool
	Copy      bool
}

func parseLinkArgs(args []string) linkParams {
	p := linkParams{Base: defaultLinkBase}
	var positional []string
	for _, a := range args {
		switch a {
		case "--qr":
			p.QR = true
			continue
		case "--copy":
			p.Copy = true
			continue
		}
		positional = append(positional, a)
	}
	if len(positional) > 0 {
		p.ChannelID = positional[0]
	}
	if len(positional) > 1 {
		p.PubKey = positional[1]
	}
	return p
}

// buildLink renders a connect link in the form the dapp SDK emits.
func buildLink(p linkParams) (string, error) {
	if p.ChannelID == "" {
		p.ChannelID = uuid.NewString()
	}
	info, err := commsutil.EncodeLinkParam(&deeplink.OriginatorInfo{
		Title:    "sdkconnect link",
		Platform: "cli",
		Source:   "sdkconnect",
	})
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("channelId", p.ChannelID)
	if p.PubKey != "" {
		q.Set("pubkey", p.PubKey)
	}
	q.Set("v", "2")
	q.Set("comm", "socket")
	q.Set("originatorInfo", info)

	link := p.Base + "?" + q.Encode()
	if p.QR {
		link += "&t=q"
	}
	return link, nil
}

// printLink writes the link, followed by a scannable QR block when p.QR is set.
func printLink(w io.Writer, p linkParams, link string) {
	fmt.Fprintln(w, link)
	if p.QR {
		qrterminal.GenerateHalfBlock(link, qrterminal.L, w)
	}
}
