package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/limiter"
	"github.com/gofiber/fiber/v3/middleware/requestid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/inkwell-collab/inkwell-server/internal/activity"
	"github.com/inkwell-collab/inkwell-server/internal/broadcaster"
	"github.com/inkwell-collab/inkwell-server/internal/classify"
	"github.com/inkwell-collab/inkwell-server/internal/config"
	"github.com/inkwell-collab/inkwell-server/internal/document"
	"github.com/inkwell-collab/inkwell-server/internal/gateway"
	"github.com/inkwell-collab/inkwell-server/internal/httputil"
	"github.com/inkwell-collab/inkwell-server/internal/identity"
	"github.com/inkwell-collab/inkwell-server/internal/permission"
	"github.com/inkwell-collab/inkwell-server/internal/postgres"
	"github.com/inkwell-collab/inkwell-server/internal/valkey"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("Server exited with error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if cfg.IsDevelopment() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}

	log.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_date", date).
		Str("env", cfg.ServerEnv).
		Msg("Starting inkwell")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConn, cfg.DatabaseMinConn)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := postgres.Migrate(cfg.DatabaseURL, log.Logger); err != nil {
		return err
	}

	rdb, err := valkey.Connect(ctx, cfg.ValkeyURL, cfg.ValkeyDialTimeout)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	// Identity Verifier and its AccountDirectory chain: a Postgres-backed cache fronting the HTTP
	// call to the chain's account-key resolver, so a busy document does not re-resolve the same
	// connecting account on every reconnect.
	upstreamDirectory := identity.NewHTTPAccountDirectory(cfg.AccountDirectoryURL, cfg.AccountKeyPrefix, cfg.AccountDirectoryTimeout)
	directory := identity.NewCachedAccountDirectory(upstreamDirectory, db, cfg.AccountKeyPrefix, cfg.IdentityLookupTTL, log.Logger)
	verifier := identity.NewVerifier(directory, cfg.ChallengeMaxAge, cfg.ChallengeFutureSkew)

	// Permission engine: Postgres is the system of record, Valkey caches resolved levels, and the
	// publisher/subscriber pair keeps every process's cache consistent when a grant changes.
	permStore := permission.NewPGStore(db)
	permCache := permission.NewValkeyCache(rdb)
	permPublisher := permission.NewPublisher(rdb)
	resolver := permission.NewResolver(permStore, permCache, permPublisher, log.Logger)

	subCtx, subCancel := context.WithCancel(ctx)
	defer subCancel()

	permSubscriber := permission.NewSubscriber(permCache, rdb, log.Logger)
	go runWithBackoff(subCtx, "permission-cache-subscriber", permSubscriber.Run)

	docStore := document.NewPGStore(db, log.Logger)
	activityLog := activity.NewPGLogger(db, log.Logger)
	classifier := classify.New(cfg.ClassifierMaxContentUpdateBytes)

	// The Hub Registry builds a Hub on first connect per document and reaps it once empty; the
	// build closure captures the registry itself so a Hub can deregister on shutdown.
	var registry *gateway.Registry
	registry = gateway.NewRegistry(func(id document.ID) *gateway.Hub {
		return gateway.NewHub(id, registry, resolver, docStore, activityLog, classifier, cfg, log.Logger)
	})

	gatewayServer := gateway.NewServer(registry, verifier, cfg, log.Logger)
	broadcastServer := broadcaster.NewServer(registry, resolver, cfg.BroadcastSharedSecret, log.Logger)

	gatewayApp := newGatewayApp(cfg, gatewayServer)
	broadcastApp := newBroadcastApp(broadcastServer)

	serveErrs := make(chan error, 2)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.GatewayPort)
		log.Info().Str("addr", addr).Msg("Gateway listening")
		serveErrs <- gatewayApp.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
	}()
	go func() {
		addr := fmt.Sprintf(":%d", cfg.BroadcastPort)
		log.Info().Str("addr", addr).Msg("Broadcaster listening")
		serveErrs <- broadcastApp.Listen(addr, fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-serveErrs:
		if err != nil {
			log.Error().Err(err).Msg("Listener exited unexpectedly")
		}
	}

	subCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := gatewayApp.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Gateway app shutdown did not complete cleanly")
	}
	if err := broadcastApp.ShutdownWithContext(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Broadcaster app shutdown did not complete cleanly")
	}

	return nil
}

// newGatewayApp builds the public WebSocket collaboration listener (component H), served on a
// separate port from the internal broadcaster API.
func newGatewayApp(cfg *config.Config, gatewayServer *gateway.Server) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "inkwell-gateway",
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))
	app.Use(cors.New(cors.Config{
		AllowOrigins: strings.Split(cfg.CORSAllowOrigins, ","),
		AllowMethods: []string{"GET"},
	}))
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.RateLimitWSCount,
		Expiration: time.Duration(cfg.RateLimitWSWindowSeconds) * time.Second,
	}))

	app.Get("/:owner/:permlink", gatewayServer.Upgrade)

	app.Use(func(c fiber.Ctx) error {
		return fiber.ErrNotFound
	})

	return app
}

// newBroadcastApp builds the internal permission-broadcast and document-deletion listener
// (component G). It carries no CORS or public rate limiting: it is meant to sit behind a private
// network boundary, reachable only by the systems that own documents and permissions.
func newBroadcastApp(broadcastServer *broadcaster.Server) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName: "inkwell-broadcaster",
	})

	app.Use(requestid.New())
	app.Use(httputil.RequestLogger(log.Logger))

	broadcastServer.RegisterRoutes(app)

	return app
}

// runWithBackoff runs fn in a loop, restarting with exponential backoff when it returns a
// non-nil, non-cancelled error. If fn returns nil or context.Canceled the goroutine exits. The
// delay starts at 1 second and doubles on each consecutive failure up to a 2-minute cap.
func runWithBackoff(ctx context.Context, name string, fn func(context.Context) error) {
	const (
		initialDelay = time.Second
		maxDelay     = 2 * time.Minute
	)
	delay := initialDelay
	for {
		if err := fn(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error().Err(err).Str("service", name).Dur("retry_in", delay).
				Msg("Background service stopped, restarting after delay")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, maxDelay)
			continue
		}
		return
	}
}
