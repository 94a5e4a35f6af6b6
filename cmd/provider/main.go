// The provider service accepts exchange requests, derives encrypted result
// parts in the background, and serves status and part downloads.
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

	"setu/internal/crypto"
	"setu/internal/exchange/tracker"
	"setu/internal/identity"
	"setu/internal/identity/apikeys"
	"setu/internal/partstore"
	"setu/internal/platform/config"
	"setu/internal/platform/httpserver"
	"setu/internal/platform/logger"
	"setu/internal/platform/metrics"
	"setu/internal/platform/redis"
	"setu/internal/provider/citizens"
	"setu/internal/provider/handler"
	"setu/internal/provider/producer"
	"setu/internal/scheduler"
	"setu/pkg/platform/audit"

	id "setu/pkg/domain"
)

func main() {
	if err := run(); err != nil {
		slog.Error("provider exited", "error", err.Error())
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.ProviderFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.LogLevel).With("service", "provider")

	ring, err := crypto.NewKeyRing(cfg.EncryptionKeys, cfg.CurrentKeyID)
	if err != nil {
		return fmt.Errorf("build key ring: %w", err)
	}
	encryptor := crypto.NewEncryptor(ring)

	parts, err := partstore.New(cfg.PartsDir)
	if err != nil {
		return fmt.Errorf("open part store: %w", err)
	}

	var trackers tracker.RequestStore
	var directory citizens.Store
	if cfg.DatabaseURL != "" {
		db, err := openDB(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := applySchema(db, citizens.Schema, tracker.RequestSchema); err != nil {
			return err
		}
		trackers = tracker.NewPostgresRequestStore(db)
		directory = citizens.NewPostgresStore(db)
	} else {
		log.Warn("no DATABASE_URL set, using in-memory stores")
		trackers = tracker.NewInMemoryRequestStore()
		directory = citizens.NewInMemoryStore()
	}

	keys := apikeys.NewInMemoryStore()
	for tenant, secret := range cfg.APIKeys {
		if err := keys.Seed(id.TenantID(tenant), secret); err != nil {
			return fmt.Errorf("seed api key for %q: %w", tenant, err)
		}
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

	jwtService := identity.NewJWTService(cfg.JWTSigningKey)
	jobs := producer.NewJobs(trackers, producer.New(
		trackers, directory, parts, encryptor, log,
		producer.WithBatchSize(cfg.BatchSize),
		producer.WithAuditPublisher(auditor),
	))
	var schedOpts []scheduler.Option
	if cache != nil {
		schedOpts = append(schedOpts, scheduler.WithLocker(redis.NewLock(cache, redis.DefaultLockTTL)))
	}
	sched := scheduler.New("producer", jobs, jobs, cfg.SchedulerInterval, log, schedOpts...)

	m := metrics.New("provider")
	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler.New(trackers, parts, encryptor, keys, jwtService, m, log,
		handler.WithAuditPublisher(auditor)).Register(router)

	srv := httpserver.New(cfg.Addr, router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("provider listening", "addr", cfg.Addr)
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
