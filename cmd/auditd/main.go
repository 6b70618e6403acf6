package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	audit "github.com/dsgov-acme/devstream-audit-service"
	"github.com/dsgov-acme/devstream-audit-service/httpapi"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "auditd: %v\n", err)
		os.Exit(1)
	}
}

// run wires the store, transport, pipeline and HTTP surface, and supervises
// the server and the consumer until a signal arrives or one of them fails.
func run() error {
	cfg, err := audit.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	log, closeLog, err := audit.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() {
		_ = log.Sync()
		_ = closeLog()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.close(); err != nil {
			log.Warn("closing store", zap.Error(err))
		}
	}()

	transport, transportReady, err := openTransport(cfg, log)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pipeline := audit.NewPipeline(store.RecordStore, transport, cfg.PipelineOptions(log, reg)...)
	svc := audit.NewService(cfg.Authorizer(), pipeline, audit.NewQueryEngine(store.RecordStore))
	handler, err := httpapi.New(svc, log, cfg.BaseURL)
	if err != nil {
		_ = transport.Close()
		return err
	}
	router := httpapi.NewRouter(handler, httpapi.RouterConfig{
		Logger:   log,
		Registry: reg,
		Ready: func(ctx context.Context) error {
			if err := store.ready(ctx); err != nil {
				return err
			}
			return transportReady(ctx)
		},
	})
	srv := httpapi.NewServer(cfg.HTTPAddr, router)

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	defer stopConsumer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting audit service",
			zap.String("addr", cfg.HTTPAddr),
			zap.String("store", cfg.Store),
			zap.String("transport", cfg.Transport),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := pipeline.Run(consumerCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("audit consumer: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down audit service")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		// The in-process bus only drains while its consumer is running.
		// Brokers keep undelivered messages, so their consumer stops first.
		if cfg.Transport == "local" {
			errs = append(errs, transport.Close())
			stopConsumer()
		} else {
			stopConsumer()
			errs = append(errs, transport.Close())
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

type openedStore struct {
	audit.RecordStore
	ready func(context.Context) error
	close func() error
}

func openStore(ctx context.Context, cfg audit.Config) (openedStore, error) {
	switch cfg.Store {
	case "sqlite", "postgres":
		dialect, driver := audit.SQLite, "sqlite3"
		if cfg.Store == "postgres" {
			dialect, driver = audit.Postgres, "pgx"
		}
		db, err := sql.Open(driver, cfg.DatabaseDSN)
		if err != nil {
			return openedStore{}, fmt.Errorf("open %s: %w", cfg.Store, err)
		}
		if err := audit.SetupDatabase(ctx, db, dialect); err != nil {
			_ = db.Close()
			return openedStore{}, err
		}
		s := audit.NewSQLStore(db, dialect)
		return openedStore{RecordStore: s, ready: s.Ping, close: db.Close}, nil

	case "mongo":
		client, err := mongo.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return openedStore{}, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := func() error {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return client.Disconnect(ctx)
		}
		s := audit.NewMongoStore(client.Database(cfg.MongoDatabase), audit.DefaultMongoCollection)
		if err := s.EnsureIndexes(ctx); err != nil {
			_ = disconnect()
			return openedStore{}, err
		}
		ping := func(ctx context.Context) error { return client.Ping(ctx, nil) }
		return openedStore{RecordStore: s, ready: ping, close: disconnect}, nil

	default:
		return openedStore{
			RecordStore: audit.NewMemoryStore(),
			ready:       func(context.Context) error { return nil },
			close:       func() error { return nil },
		}, nil
	}
}

func openTransport(cfg audit.Config, log *zap.Logger) (audit.Transport, func(context.Context) error, error) {
	noCheck := func(context.Context) error { return nil }
	switch cfg.Transport {
	case "kafka":
		t, err := audit.NewKafkaTransport(cfg.KafkaBrokers, cfg.KafkaTopic,
			audit.WithKafkaGroup(cfg.KafkaGroup),
			audit.WithKafkaLogger(log),
		)
		if err != nil {
			return nil, nil, err
		}
		return t, noCheck, nil

	case "redis":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		t := audit.NewRedisTransport(client, cfg.RedisStream,
			audit.WithRedisGroup(cfg.RedisGroup),
			audit.WithRedisLogger(log),
		)
		ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
		return t, ping, nil

	default:
		return audit.NewBus(cfg.BusOptions(log)...), noCheck, nil
	}
}
