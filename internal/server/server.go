// Package server orchestrates all components: NATS client, DB, connection manager, dispatcher, HTTP.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/sdkconnect/internal/config"
	"github.com/morezero/sdkconnect/pkg/commsutil"
	"github.com/morezero/sdkconnect/pkg/connection"
	"github.com/morezero/sdkconnect/pkg/db"
	"github.com/morezero/sdkconnect/pkg/deeplink"
	"github.com/morezero/sdkconnect/pkg/dispatcher"
	"github.com/morezero/sdkconnect/pkg/events"
	"github.com/morezero/sdkconnect/pkg/waitutil"
)

const logPrefix = "server:server"

// Server is the sdkconnect orchestrator.
type Server struct {
	cfg        *config.Config
	nc         *comms.Conn
	pool       *pgxpool.Pool
	httpServer *http.Server
	manager    *connection.Manager
	handler    *deeplink.Handler
	sub        *comms.Subscription
}

// ParseLogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogHandler returns the slog handler for LOG_FORMAT: "pretty" is the charm console
// handler for local runs, anything else is slog's text handler.
func NewLogHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	if format == "pretty" {
		return charmlog.NewWithOptions(w, charmlog.Options{
			Level:           charmlog.Level(level),
			ReportTimestamp: true,
			TimeFormat:      "15:04:05",
		})
	}
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	slog.SetDefault(slog.New(NewLogHandler(os.Stdout, cfg.LogFormat, ParseLogLevel(cfg.LogLevel))))

	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	slog.Info(fmt.Sprintf("%s - Starting sdkconnect", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := Start(ctx, cfg)
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))

	s.Shutdown(ctx)
	return nil
}

// Start connects every component and begins serving COMMS and HTTP traffic.
func Start(ctx context.Context, cfg *config.Config) (*Server, error) {
	s := &Server{cfg: cfg}

	// Step 1: Connect to NATS
	nc, err := commsutil.Connect(ctx, commsutil.ConnectParams{
		URL:       cfg.COMMSURL,
		Name:      cfg.COMMSName,
		Retries:   cfg.COMMSConnectRetries,
		RetryWait: cfg.InitPollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to NATS: %w", logPrefix, err)
	}
	s.nc = nc

	// Step 2: Channel store (Postgres when configured, memory otherwise)
	store, err := s.openStore(ctx)
	if err != nil {
		nc.Close()
		return nil, err
	}

	// Step 3: Wallet key
	key, generated, err := connection.LoadOrGenerateKey(cfg.WalletPrivateKey)
	if err != nil {
		s.closeBackends()
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	if generated {
		slog.Warn(fmt.Sprintf("%s - WALLET_PRIVATE_KEY not set, using an ephemeral key; channels will not survive a restart", logPrefix))
	}

	// Step 4: Connection manager
	manager, err := connection.NewManager(connection.NewManagerParams{
		Store:           store,
		Publisher:       events.NewCommsPublisher(nc, &events.CommsPublisherOpts{GlobalSubject: cfg.ConnectionEventSubject}),
		PrivateKey:      key,
		Relay:           NewCommsRelay(nc),
		MinAPIVersion:   cfg.MinSDKAPIVersion,
		ChannelValidity: cfg.ChannelValidity,
	})
	if err != nil {
		s.closeBackends()
		return nil, fmt.Errorf("%s - %w", logPrefix, err)
	}
	s.manager = manager
	slog.Info(fmt.Sprintf("%s - Wallet public key %s", logPrefix, manager.PublicKeyHex()))

	// Step 5: Deep-link handler; it waits for Init on its own.
	s.handler = deeplink.NewHandler(deeplink.HandlerParams{
		Manager:          manager,
		Waiter:           waitutil.NewWaiter(cfg.InitPollInterval, cfg.InitWaitTimeout),
		InitPollInterval: cfg.InitPollInterval,
	})

	// Step 6: Dispatcher subscription
	subject := cfg.DeeplinkSubject
	if subject == "" {
		subject = commsutil.SubjectDeeplink
	}
	disp := dispatcher.NewDispatcher(s.handler, manager)
	sub, err := SubscribeDispatcher(ctx, nc, subject, disp, cfg.RequestTimeout)
	if err != nil {
		s.closeBackends()
		return nil, err
	}
	s.sub = sub
	slog.Info(fmt.Sprintf("%s - Subscribed to %s", logPrefix, subject))

	// Step 7: Load known channels. Requests that arrive first wait in the handler.
	go func() {
		if err := manager.Init(ctx); err != nil {
			slog.Error(fmt.Sprintf("%s - connection manager init failed: %v", logPrefix, err))
		}
	}()

	// Step 8: HTTP
	httpAddr := cfg.HTTPAddr
	if httpAddr == "" {
		httpAddr = fmt.Sprintf(":%d", cfg.HTTPPort)
	}
	s.httpServer = &http.Server{
		Addr: httpAddr,
		Handler: NewMux(MuxParams{
			Manager:        manager,
			Handler:        s.handler,
			HealthTimeout:  cfg.HealthCheckTimeout,
			AllowedOrigins: cfg.CORSAllowedOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info(fmt.Sprintf("%s - HTTP server listening on %s", logPrefix, httpAddr))
		if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error(fmt.Sprintf("%s - HTTP server error: %v", logPrefix, err))
		}
	}()

	slog.Info(fmt.Sprintf("%s - sdkconnect is ready", logPrefix))
	return s, nil
}

// Shutdown stops HTTP and COMMS traffic and closes backends.
func (s *Server) Shutdown(ctx context.Context) {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}
	if s.nc != nil {
		_ = s.nc.Drain()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	slog.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
}

func (s *Server) openStore(ctx context.Context) (connection.ChannelStore, error) {
	if !s.cfg.UsesDatabase() {
		slog.Info(fmt.Sprintf("%s - DATABASE_URL not set, using in-memory channel store", logPrefix))
		return connection.NewMemoryStore(), nil
	}

	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool

	if s.cfg.RunMigrations {
		migrationSQL, err := db.LoadMigrationFiles(s.cfg.MigrationPath)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := db.RunMigrations(ctx, pool, migrationSQL); err != nil {
			pool.Close()
			return nil, fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}
	return db.NewRepository(pool), nil
}

func (s *Server) closeBackends() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.nc != nil {
		s.nc.Close()
	}
}

// NewCommsRelay publishes decrypted RPC messages to the channel's RPC subject.
func NewCommsRelay(nc *comms.Conn) connection.RelayFunc {
	return func(channelID string, message []byte) error {
		subject := commsutil.BuildRPCSubject(channelID)
		if err := nc.Publish(subject, message); err != nil {
			return fmt.Errorf("%s - relay to %s: %w", logPrefix, subject, err)
		}
		return nil
	}
}

// SubscribeDispatcher answers SDK requests on subject with a per-request timeout.
func SubscribeDispatcher(ctx context.Context, nc *comms.Conn, subject string, disp *dispatcher.Dispatcher, requestTimeout time.Duration) (*comms.Subscription, error) {
	sub, err := nc.Subscribe(subject, func(msg *comms.Msg) {
		var req dispatcher.SDKRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to decode request: %v", logPrefix, err))
			respond(msg, &dispatcher.SDKResponse{
				Ok: false,
				Error: &dispatcher.ErrorDetail{
					Code:    "INVALID_REQUEST",
					Message: "Failed to decode request",
				},
			})
			return
		}

		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()

		respond(msg, disp.Dispatch(reqCtx, &req))
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", logPrefix, subject, err)
	}
	return sub, nil
}

func respond(msg *comms.Msg, resp *dispatcher.SDKResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - failed to encode response: %v", logPrefix, err))
		return
	}
	if msg.Reply == "" {
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to respond: %v", logPrefix, err))
	}
}
