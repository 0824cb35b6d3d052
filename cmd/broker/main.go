// Command broker serves the distributed scheduler of spec §4.4 over HTTP
// (spec §6). Any workflow registered by an embedding application's
// init() via worker.Register is seeded into the broker's schema table at
// startup, the same registry the worker CLI resolves its `<module>:
// <object>` argument against.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/nevindra/conduit"
	"github.com/nevindra/conduit/broker"
	"github.com/nevindra/conduit/config"
	"github.com/nevindra/conduit/observability"
	"github.com/nevindra/conduit/storage"
	"github.com/nevindra/conduit/storage/memory"
	"github.com/nevindra/conduit/storage/postgres"
	"github.com/nevindra/conduit/storage/sqlite"
	"github.com/nevindra/conduit/worker"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "broker",
		Short: "Serve the conduit distributed workflow broker",
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the broker HTTP server and lease reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), config.Load(configPath))
		},
	}
	serve.Flags().StringVar(&configPath, "config", "", "path to a conduit.toml config file")
	root.AddCommand(serve)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

func runServe(ctx context.Context, cfg config.Config) error {
	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("conduit", reg)

	// No span processor is attached: spans are recorded by the SDK but not
	// exported anywhere until an OTLP exporter is wired to tp, which an
	// operator does by setting the standard OTEL_EXPORTER_OTLP_* env vars
	// and adding the matching otlptrace exporter here.
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	b := broker.New(store,
		broker.WithDefaultDeadline(cfg.Broker.DefaultDeadline),
		broker.WithWorkerTTL(cfg.Broker.WorkerTTL),
		broker.WithMetrics(metrics),
		broker.WithRuntime(conduit.NewRuntime(conduit.WithTracer(observability.NewTracer()))),
	)

	for name, wf := range worker.Registered() {
		if err := b.RegisterWorkflow(wf); err != nil {
			return fmt.Errorf("register workflow %q: %w", name, err)
		}
	}

	reaperCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	go b.RunReaper(reaperCtx, cfg.Broker.ReaperInterval)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.Handle("/", broker.NewServer(b))

	srv := &http.Server{
		Addr:         cfg.Broker.ListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  90 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("broker listening on %s", cfg.Broker.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Println("broker shutting down...")
	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (storage.Store, func(), error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.New(), func() {}, nil
	case "sqlite":
		s := sqlite.New(cfg.DSN)
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, func() {}, fmt.Errorf("connect postgres: %w", err)
		}
		s := postgres.New(pool)
		return s, pool.Close, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
