// Command fleetcore runs the device communication and liveness subsystem:
// the broker client (C1), ingest worker (C2), device registry and liveness
// monitor (C3), command dispatcher (C4) and event fan-out hub (C5), wired
// together behind a small HTTP surface, plus a standalone device simulator
// and a migrate-only mode.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/fleetcore/iotcore/internal/broker"
	"github.com/fleetcore/iotcore/internal/config"
	"github.com/fleetcore/iotcore/internal/dispatch"
	"github.com/fleetcore/iotcore/internal/hub"
	"github.com/fleetcore/iotcore/internal/httpapi"
	"github.com/fleetcore/iotcore/internal/ingest"
	"github.com/fleetcore/iotcore/internal/logging"
	"github.com/fleetcore/iotcore/internal/registry"
	"github.com/fleetcore/iotcore/internal/simulate"
	"github.com/fleetcore/iotcore/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "fleetcore",
		Short: "device communication and liveness subsystem",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newSimulateCmd())
	root.AddCommand(newMigrateCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			st, err := store.Open(cfg.DatabaseURL, 10)
			if err != nil {
				return err
			}
			return st.Close()
		},
	}
}

func newSimulateCmd() *cobra.Command {
	var host string
	var port int
	var username string
	var password string
	var count int
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "run a fleet of simulated devices over MQTT",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("--password is required")
			}
			log := logging.New(os.Stdout, false, slog.LevelInfo)
			return simulate.Run(log, simulate.Config{
				Host:     host,
				Port:     port,
				Username: username,
				Password: password,
				Count:    count,
				Interval: interval,
			})
		},
	}

	cmd.Flags().StringVar(&host, "host", "localhost", "MQTT broker host")
	cmd.Flags().IntVar(&port, "port", 1883, "MQTT broker port")
	cmd.Flags().StringVar(&username, "username", "devices", "MQTT username")
	cmd.Flags().StringVar(&password, "password", "", "MQTT password")
	cmd.Flags().IntVar(&count, "count", 1, "number of simulated devices")
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "publish interval per device")
	return cmd
}

func newServeCmd() *cobra.Command {
	var jsonLog bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the broker client, ingest worker, registry, dispatcher and HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			log := logging.New(os.Stdout, jsonLog, slog.LevelInfo)
			return runServe(cmd.Context(), log, cfg)
		},
	}
	cmd.Flags().BoolVar(&jsonLog, "json", false, "use JSON logging")
	return cmd
}

func runServe(parentCtx context.Context, log *slog.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Shutdown is bounded: once ctx is cancelled, components get 30s to
	// stop before the process is forced to exit.
	go func() {
		<-ctx.Done()
		time.Sleep(30 * time.Second)
		log.Error("shutdown deadline exceeded, forcing exit")
		os.Exit(1)
	}()

	st, err := store.Open(cfg.DatabaseURL, 10)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	subscriberGauge := promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fleetcore_fanout_subscribers",
		Help: "Currently connected push-channel subscribers.",
	})
	h := hub.New(log, cfg.FanoutBufferSize, subscriberGauge)

	reg := registry.New(log, st, h, cfg.LivenessOfflineThreshold)
	if err := reg.Load(ctx); err != nil {
		return fmt.Errorf("loading registry: %w", err)
	}

	brokerMetrics := broker.Metrics{
		Connects:                promCounter("fleetcore_broker_connects_total", "Broker connection attempts that succeeded."),
		Disconnects:             promCounter("fleetcore_broker_disconnects_total", "Broker disconnections observed."),
		MessagesConsumed:        promCounter("fleetcore_broker_messages_consumed_total", "Device-data messages consumed."),
		CommandsPublishedOK:     promCounter("fleetcore_broker_commands_published_ok_total", "Commands published and confirmed."),
		CommandsPublishedFailed: promCounter("fleetcore_broker_commands_published_failed_total", "Commands that failed to publish or confirm."),
	}

	bc := broker.New(broker.Config{
		Address:               cfg.BrokerAddress,
		Port:                  cfg.BrokerPort,
		Username:              cfg.BrokerUsername,
		Password:              cfg.BrokerPassword,
		VHost:                 cfg.BrokerVHost,
		Prefetch:              cfg.IngestPrefetch,
		PublishConfirmTimeout: cfg.CommandPublishTimeout,
	}, log, brokerMetrics)

	worker := ingest.New(log, reg, st, h, bc)
	pool := ingest.NewPool(worker, cfg.IngestWorkerCount)
	if err := bc.Start(ctx, pool.HandlerFunc(ctx)); err != nil {
		return fmt.Errorf("starting broker client: %w", err)
	}

	disp := dispatch.New(log, reg, bc, st, h, cfg.CommandMaxRetries)

	server := httpapi.NewServer(log, cfg.HTTPAddr, reg, disp, h)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		reg.RunSweep(groupCtx, cfg.LivenessSweepInterval)
		return nil
	})
	group.Go(func() error {
		return server.Run(groupCtx)
	})
	group.Go(func() error {
		return runMetricsServer(groupCtx, log)
	})

	err = group.Wait()
	_ = bc.Stop()
	return err
}

func runMetricsServer(ctx context.Context, log *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{Addr: ":9090", Handler: mux, ReadHeaderTimeout: 3 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("metrics server started", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func promCounter(name, help string) func() {
	c := promauto.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	return c.Inc
}
