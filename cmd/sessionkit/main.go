package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "go.uber.org/automaxprocs"
	ctrllog "sigs.k8s.io/controller-runtime/pkg/log"
	ctrlzap "sigs.k8s.io/controller-runtime/pkg/log/zap"

	"github.com/sessionkit-dev/sessionkit/internal/a2a"
	"github.com/sessionkit-dev/sessionkit/internal/config"
	"github.com/sessionkit-dev/sessionkit/internal/server"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/broadcast"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/metrics"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/queue"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/registry"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/status"
	"github.com/sessionkit-dev/sessionkit/pkg/orchestrator/storage"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessionkit",
		Short: "Session execution orchestrator",
		Long: `sessionkit coordinates interactive worker sessions: it queues
inputs per session, guarantees at most one activation streams at a
time, and exposes session state and events over HTTP.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(newServeCmd())
	return cmd
}

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Path to the YAML config file")
	return cmd
}

func serve(ctx context.Context, configPath string) error {
	v := viper.New()
	v.SetEnvPrefix("SESSIONKIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if configPath == "" {
		configPath = v.GetString("config")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyEnvOverrides(v, cfg)

	log := ctrlzap.New(ctrlzap.UseDevMode(cfg.Logging.Development))
	ctrllog.SetLogger(log)
	log.Info("starting sessionkit",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"driver", cfg.Database.Driver, "worker", cfg.Worker.BaseURL)

	db, err := storage.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	factory := storage.NewFactory(db)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	broadcaster := broadcast.NewBroadcaster()
	statusManager := status.NewManager(factory.Sessions(), broadcaster, log)
	reg := registry.New(factory.Sessions(), log)
	reg.SetProbeTimeout(cfg.Worker.ProbeTimeout.Duration)
	provider := a2a.NewProvider(cfg.Worker.BaseURL, log)

	orch := orchestrator.New(orchestrator.Options{
		Queues:   queue.NewStore(),
		Provider: provider,
		Sink:     broadcaster,
		Status:   statusManager,
		Registry: reg,
		Storage:  factory,
		Metrics:  metrics.New(promRegistry),
		Log:      log,
	})
	hooks := orchestrator.NewHooks(reg, statusManager, log)

	httpServer := server.New(orch, hooks, broadcaster, factory, promRegistry, log).
		HTTPServer(cfg.Server)

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "http server shutdown failed")
	}
	if err := orch.Close(shutdownCtx); err != nil {
		log.Error(err, "orchestrator shutdown incomplete")
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// applyEnvOverrides lets the deploy environment override the most
// operationally relevant settings without touching the config file.
func applyEnvOverrides(v *viper.Viper, cfg *config.Config) {
	if port := v.GetInt("server.port"); port != 0 {
		cfg.Server.Port = port
	}
	if host := v.GetString("server.host"); host != "" {
		cfg.Server.Host = host
	}
	if dsn := v.GetString("database.dsn"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if driver := v.GetString("database.driver"); driver != "" {
		cfg.Database.Driver = driver
	}
	if workerURL := v.GetString("worker.base_url"); workerURL != "" {
		cfg.Worker.BaseURL = workerURL
	}
}
