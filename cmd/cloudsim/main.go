// Command cloudsim serves a simulated cloud machines API for local runs and
// integration tests of mcpanel.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devghori1264/mcpanel/internal/api"
	"github.com/devghori1264/mcpanel/internal/cloudsim"
	"github.com/devghori1264/mcpanel/internal/logger"
	natsclient "github.com/devghori1264/mcpanel/internal/nats"
	"github.com/devghori1264/mcpanel/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	httpAddr    string
	metricsAddr string
	dbPath      string
	apiToken    string
	bootDelay   time.Duration
	natsURL     string
	logLevel    string
	logFormat   string
}

func main() {
	var o options
	cmd := &cobra.Command{
		Use:           "cloudsim",
		Short:         "Simulated cloud machines API",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), o)
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.httpAddr, "http-addr", ":8080", "machines API listen address")
	f.StringVar(&o.metricsAddr, "metrics-addr", ":9091", "Prometheus metrics listen address")
	f.StringVar(&o.dbPath, "db", "./data/cloudsim", "Badger DB path")
	f.StringVar(&o.apiToken, "api-token", os.Getenv("CLOUDSIM_API_TOKEN"), "bearer token required by the API (empty disables auth)")
	f.DurationVar(&o.bootDelay, "boot-delay", 3*time.Second, "time a machine stays pending")
	f.StringVar(&o.natsURL, "nats-url", "", "publish machine events to this NATS server")
	f.StringVar(&o.logLevel, "log-level", "info", "log level")
	f.StringVar(&o.logFormat, "log-format", "console", "log format (json or console)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "cloudsim:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, o options) error {
	log, err := logger.New(o.logLevel, o.logFormat)
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := storage.NewBadgerStore(o.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open badger store: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []cloudsim.Option{
		cloudsim.WithBootDelay(o.bootDelay),
		cloudsim.WithLogger(log),
		cloudsim.WithRegisterer(reg),
	}
	if o.natsURL != "" {
		pub, err := natsclient.NewPublisher(o.natsURL, "mcpanel-cloudsim", log)
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		defer pub.Close()
		opts = append(opts, cloudsim.WithPublisher(pub))
	}

	srv := cloudsim.New(store, opts...)
	if err := srv.Resume(ctx); err != nil {
		return fmt.Errorf("resume pending machines: %w", err)
	}
	defer srv.Wait()

	httpServer := &http.Server{
		Addr:              o.httpAddr,
		Handler:           cloudsim.NewHTTPHandler(srv, o.apiToken, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	mux := http.NewServeMux()
	api.RegisterMetrics(mux, reg)
	metricsServer := &http.Server{Addr: o.metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 2)
	for _, s := range []*http.Server{httpServer, metricsServer} {
		go func(s *http.Server) {
			log.Info("listening", zap.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}(s)
	}
	if o.apiToken == "" {
		log.Warn("api token not set, machines API is unauthenticated")
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown initiated")
	case err := <-errc:
		log.Error("server failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range []*http.Server{httpServer, metricsServer} {
		if err := s.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown", zap.Error(err))
		}
	}
	log.Info("shutdown complete")
	return nil
}
