// Command mcpanel runs the lifecycle orchestrator daemon: it recovers any
// interrupted operation, then serves the Telegram bot, the gRPC and HTTP
// control APIs and Prometheus metrics.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/devghori1264/mcpanel/internal/api"
	"github.com/devghori1264/mcpanel/internal/backup"
	"github.com/devghori1264/mcpanel/internal/cloud"
	"github.com/devghori1264/mcpanel/internal/config"
	"github.com/devghori1264/mcpanel/internal/gateway"
	"github.com/devghori1264/mcpanel/internal/logger"
	"github.com/devghori1264/mcpanel/internal/models"
	natsclient "github.com/devghori1264/mcpanel/internal/nats"
	"github.com/devghori1264/mcpanel/internal/orchestrator"
	"github.com/devghori1264/mcpanel/internal/remote"
	"github.com/devghori1264/mcpanel/internal/storage"
	"github.com/devghori1264/mcpanel/internal/telemetry"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	var configPath, envFile string

	root := &cobra.Command{
		Use:           "mcpanel",
		Short:         "Chat-driven Minecraft server lifecycle orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, envFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration:\n%w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}

	check := &cobra.Command{
		Use:   "check-config",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath, envFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration ok for server %q\n", cfg.ServerID)
			return nil
		},
	}
	root.AddCommand(serve, check)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "mcpanel:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer log.Sync()

	tp, shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: "mcpanel",
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return err
	}
	defer shutdownTracing(context.Background())

	store, err := storage.NewBadgerStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open badger store: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	backups, err := backup.New(ctx, backup.Config{
		Bucket:          cfg.Backup.Bucket,
		Prefix:          cfg.Backup.Prefix,
		Region:          cfg.Backup.Region,
		Endpoint:        cfg.Backup.Endpoint,
		AccessKeyID:     cfg.Backup.AccessKeyID,
		SecretAccessKey: cfg.Backup.SecretAccessKey,
		PresignExpiry:   cfg.Backup.PresignExpiry,
	}, backup.WithLogger(log.Named("backup")))
	if err != nil {
		return err
	}

	proc, err := remote.New(remote.Config{
		User:           cfg.SSH.User,
		KeyFile:        cfg.SSH.KeyFile,
		KnownHostsFile: cfg.SSH.KnownHostsFile,
		SSHPort:        cfg.SSH.Port,
		GamePort:       cfg.SSH.GamePort,
		DialTimeout:    cfg.SSH.DialTimeout,
		PollInterval:   cfg.SSH.PollInterval,
		StartCommand:   cfg.SSH.StartCommand,
		StopCommand:    cfg.SSH.StopCommand,
		DataDir:        cfg.SSH.WorldDir,
	}, remote.WithLogger(log.Named("remote")))
	if err != nil {
		return err
	}

	provisioner := cloud.New(cfg.Cloud.BaseURL, cfg.Cloud.APIToken,
		cloud.WithPollInterval(cfg.Cloud.PollInterval),
		cloud.WithLogger(log.Named("cloud")))

	var userData string
	if cfg.Cloud.UserDataFile != "" {
		raw, err := os.ReadFile(cfg.Cloud.UserDataFile)
		if err != nil {
			return fmt.Errorf("read user data: %w", err)
		}
		userData = string(raw)
	}

	hub := orchestrator.NewHub()
	notifiers := []orchestrator.Notifier{hub}
	if cfg.NATS.URL != "" {
		pub, err := natsclient.NewPublisher(cfg.NATS.URL, "mcpanel", log.Named("nats"))
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		defer pub.Close()
		notifiers = append(notifiers, pub)
	}

	orch, err := orchestrator.New(orchestrator.Config{
		ServerID: cfg.ServerID,
		Instance: models.InstanceSpec{
			Name:     cfg.ServerID,
			Region:   cfg.Cloud.Region,
			Flavor:   cfg.Cloud.Flavor,
			Image:    cfg.Cloud.Image,
			UserData: userData,
		},
		MaxRetries:     cfg.Lifecycle.MaxRetries,
		InitialBackoff: cfg.Lifecycle.InitialBackoff,
		MaxBackoff:     cfg.Lifecycle.MaxBackoff,
		CallTimeout:    cfg.Lifecycle.CallTimeout,
		ReadyTimeout:   cfg.Lifecycle.ReadyTimeout,
		ProbeTimeout:   cfg.Lifecycle.ProbeTimeout,
		LeaseTTL:       cfg.Lifecycle.LeaseTTL,
	}, orchestrator.Deps{
		Store:   store,
		Cloud:   provisioner,
		Backups: backups,
		Process: proc,
	},
		orchestrator.WithLogger(log),
		orchestrator.WithMetrics(orchestrator.NewMetrics(reg)),
		orchestrator.WithNotifier(notifiers...),
		orchestrator.WithTracer(tp.Tracer("github.com/devghori1264/mcpanel/internal/orchestrator")),
	)
	if err != nil {
		return err
	}
	// Close interrupts workflows before the store goes away.
	defer orch.Close()

	// Control APIs come up first so operators can watch recovery.
	lifecycle := api.NewLifecycleServer(orch, log.Named("api"))
	grpcServer := grpc.NewServer()
	lifecycle.RegisterGRPC(grpcServer)
	lis, err := net.Listen("tcp", cfg.API.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.API.GRPCAddr, err)
	}

	httpServer := &http.Server{
		Addr:              cfg.API.HTTPAddr,
		Handler:           api.NewHTTPHandler(orch, log.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}
	mux := http.NewServeMux()
	api.RegisterMetrics(mux, reg)
	metricsServer := &http.Server{Addr: cfg.API.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 4)
	go func() {
		log.Info("gRPC server listening", zap.String("addr", cfg.API.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			errc <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	for _, s := range []*http.Server{httpServer, metricsServer} {
		go func(s *http.Server) {
			log.Info("http server listening", zap.String("addr", s.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}(s)
	}

	if err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	lifecycle.MarkServing()

	var wg sync.WaitGroup
	gwCtx, stopGateway := context.WithCancel(ctx)
	defer stopGateway()
	if cfg.Telegram.Enabled {
		bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		gw := gateway.New(bot, orch, hub, cfg.Telegram.AllowedChatID, gateway.WithLogger(log.Named("telegram")))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := gw.Run(gwCtx); err != nil {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown initiated")
	case err := <-errc:
		log.Error("component failed, shutting down", zap.Error(err))
	}

	stopGateway()
	wg.Wait()
	lifecycle.Shutdown()
	grpcServer.GracefulStop()
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
