// Command worker runs the Worker Engine of spec §4.5 against a workflow
// registered by name via worker.Register, per the `worker <module>:
// <object>` CLI surface of spec §6. Go cannot import a module by a
// runtime string, so <module>:<object> here names a workflow an
// embedding application registered from its own init().
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/nevindra/conduit/config"
	"github.com/nevindra/conduit/observability"
	"github.com/nevindra/conduit/worker"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "worker <module>:<object>",
		Short: "Run a conduit worker against a registered workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load(configPath)
			return runWorker(cmd.Context(), args[0], cfg)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a conduit.toml config file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}

func runWorker(ctx context.Context, name string, cfg config.Config) error {
	wf, ok := worker.Lookup(name)
	if !ok {
		return fmt.Errorf("no workflow registered under %q (call worker.Register from an init() in the binary you built)", name)
	}

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics("conduit", reg)

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	if cfg.Worker.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.Worker.MetricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics listener stopped: %v", err)
			}
		}()
	}

	client := worker.NewHTTPClient(cfg.Worker.BrokerURL)
	opts := []worker.Option{
		worker.WithPollInterval(cfg.Worker.PollInterval),
		worker.WithKeepAliveEvery(cfg.Worker.KeepAliveEvery),
		worker.WithMetrics(metrics),
		worker.WithTracer(observability.NewTracer()),
	}

	log.Printf("worker %s connecting to %s (processes=%d)", name, cfg.Worker.BrokerURL, cfg.Worker.Processes)

	pool := worker.NewPool(client, wf, cfg.Worker.Processes, opts...)
	return pool.Run(ctx)
}
