package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container
	"golang.org/x/time/rate"

	portaladapter "github.com/acortes/civicsync/internal/adapter/driven/portal"
	sqliteadapter "github.com/acortes/civicsync/internal/adapter/driven/sqlite"
	"github.com/acortes/civicsync/internal/application"
	"github.com/acortes/civicsync/internal/config"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"base_url", cfg.BaseURL,
		"db_path", cfg.DBPath,
		"cache_capacity", cfg.CacheCapacity,
		"flush_interval", cfg.FlushInterval,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 5. Wire the storage adapter.
	store := sqliteadapter.NewKVRepo(db)

	// 6. Create the gateway. The auth provider is attached after the
	// credential manager exists.
	gateway, err := portaladapter.NewGateway(portaladapter.Options{
		BaseURL:        cfg.BaseURL,
		Timeout:        cfg.RequestTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		RateLimit:      rate.Limit(cfg.RateLimit),
		RateBurst:      cfg.RateBurst,
	})
	if err != nil {
		return err
	}

	// 7. Wire the application managers.
	authBus := application.NewBus()
	credentials := application.NewCredentialManager(ctx, gateway, store, authBus, application.CredentialConfig{
		RefreshThreshold: cfg.RefreshThreshold,
	})
	gateway.SetAuthProvider(credentials)

	cache, err := application.NewCache(ctx, store, application.CacheConfig{
		Capacity:      cfg.CacheCapacity,
		DefaultTTL:    cfg.CacheTTL,
		SweepInterval: cfg.SweepInterval,
	})
	if err != nil {
		return err
	}
	go cache.Start(ctx)

	registry := application.NewConflictRegistry()
	registry.Register(application.DoubleBookingResolver{})

	queueBus := application.NewBus()
	queue, err := application.NewQueue(ctx, store, gateway, registry, queueBus, application.QueueConfig{
		MaxAttempts:    cfg.QueueMaxAttempts,
		FlushInterval:  cfg.FlushInterval,
		RetryBaseDelay: cfg.QueueRetryDelay,
	})
	if err != nil {
		return err
	}
	defer queue.Close()

	directory := application.NewDirectoryManager(gateway, cache, application.DirectoryConfig{
		TTL: cfg.CacheTTL,
	})

	rules := application.NewRuleSet(
		application.RequiredFieldsRule{},
		application.NewRequesterRule(),
		application.NewTimeSlotRule(cfg.BusinessOpenHour, cfg.BusinessClose),
		&application.AvailabilityRule{Lookup: directory.ServiceAvailable},
	)

	bookings, err := application.NewBookingManager(ctx, gateway, store, queue, registry, rules, queueBus, application.BookingConfig{
		ConflictWindow: cfg.ConflictWindow,
	})
	if err != nil {
		return err
	}
	slog.Info("booking manager ready", "bookings", len(bookings.Bookings()))

	// 8. Start the connectivity monitor; it drives the queue's flush cycle.
	monitor := application.NewNetworkMonitor(gateway, queue, application.NetworkConfig{
		ProbeInterval: cfg.ProbeInterval,
	})
	go monitor.Start(ctx)

	slog.Info("civicsync started",
		"base_url", cfg.BaseURL,
		"signed_in", credentials.SignedIn(),
	)

	// 9. Wait for shutdown signal.
	<-ctx.Done()
	slog.Info("shutting down")

	// 10. Drain: one last flush so nothing enqueued this session is lost.
	flushCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()
	if err := queue.Flush(flushCtx); err != nil {
		slog.Error("final flush failed", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
