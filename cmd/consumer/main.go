// The consumer service submits exchange requests to a provider, polls for
// completion, and ingests result parts into its encrypted result store.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"setu/internal/consumer/client"
	"setu/internal/consumer/handler"
	"setu/internal/consumer/poller"
	"setu/internal/consumer/results"
	"setu/internal/consumer/submit"
	"setu/internal/crypto"
	"setu/internal/exchange/tracker"
	"setu/internal/identity"
	"setu/internal/platform/config"
	"setu/internal/platform/httpserver"
	"setu/internal/platform/logger"
	"setu/internal/platform/metrics"
	"setu/internal/platform/redis"
	"setu/internal/scheduler"
	"setu/pkg/platform/audit"
	"setu/pkg/platform/tx"
)

func main() {
	if err := run(); err != nil {
		slog.Error("consumer exited", "error", err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.ConsumerFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.LogLevel).With("service", "consumer")

	ring, err := crypto.NewKeyRing(cfg.EncryptionKeys, cfg.CurrentKeyID)
	if err != nil {
		return fmt.Errorf("build key ring: %w", err)
	}
	encryptor := crypto.NewEncryptor(ring)

	var trackers tracker.BatchStore
	var sink results.Store
	var pollerOpts []poller.Option
	if cfg.DatabaseURL != "" {
		db, err := openDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := applySchema(db, tracker.BatchSchema, results.Schema); err != nil {
			return err
		}
		trackers = tracker.NewPostgresBatchStore(db)
		sink = results.NewPostgresStore(db)
		pollerOpts = append(pollerOpts, poller.WithTransactor(tx.NewTransactor(db)))
	} else {
		log.Warn("no DATABASE_URL set, using in-memory stores")
		trackers = tracker.NewInMemoryBatchStore()
		sink = results.NewInMemoryStore()
	}

	auditor, closeAuditor, err := buildAuditor(cfg.Kafka, log)
	if err != nil {
		return err
	}
	defer closeAuditor()

	cache, err := redis.New(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if cache != nil {
		defer cache.Close()
	}

	var clientOpts []client.Option
	if cfg.Identity.ClientID != "" {
		var sourceOpts []identity.SourceOption
		if cache != nil {
			sourceOpts = append(sourceOpts, identity.WithCache(cache))
		}
		tokens := identity.NewClientCredentialsSource(
			cfg.Identity.TokenURL,
			cfg.Identity.ClientID,
			cfg.Identity.ClientSecret,
			sourceOpts...,
		)
		clientOpts = append(clientOpts, client.WithTokenSource(tokens))
	}
	provider := client.New(cfg.ProviderURL, cfg.ProviderAPIKey, clientOpts...)

	ingester := poller.New(provider, trackers, sink, encryptor, log,
		append(pollerOpts, poller.WithAuditPublisher(auditor))...)
	var schedOpts []scheduler.Option
	if cache != nil {
		schedOpts = append(schedOpts, scheduler.WithLocker(redis.NewLock(cache, redis.DefaultLockTTL)))
	}
	sched := scheduler.New("poller", ingester, ingester, cfg.PollInterval, log, schedOpts...)

	submitter := submit.New(provider, trackers, log, submit.WithAuditPublisher(auditor))

	m := metrics.New("consumer")
	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler.New(submitter, sink, encryptor, m, log).Register(router)

	srv := httpserver.New(cfg.Addr, router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("consumer listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		err := sched.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-ctx.Done()
		return httpserver.Shutdown(srv, 10*time.Second)
	})
	return group.Wait()
}

func openDB(url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

func applySchema(db *sql.DB, ddl ...string) error {
	for _, stmt := range ddl {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func buildAuditor(cfg config.Kafka, log *slog.Logger) (audit.Publisher, func(), error) {
	if len(cfg.Brokers) == 0 {
		return audit.NewLogPublisher(log), func() {}, nil
	}
	publisher, err := audit.NewKafkaPublisher(cfg.Brokers, cfg.Topic, log)
	if err != nil {
		return nil, nil, fmt.Errorf("connect audit publisher: %w", err)
	}
	return publisher, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := publisher.Close(ctx); err != nil {
			log.Warn("audit publisher close", "error", err.Error())
		}
	}, nil
}
