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

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/yourorg/momo-confirm/internal/adapter"
	"github.com/yourorg/momo-confirm/internal/adapter/gateway"
	adaptermock "github.com/yourorg/momo-confirm/internal/adapter/mock"
	"github.com/yourorg/momo-confirm/internal/adapter/orderstatus"
	"github.com/yourorg/momo-confirm/internal/config"
	custom_context "github.com/yourorg/momo-confirm/internal/context"
	"github.com/yourorg/momo-confirm/internal/logging"
	"github.com/yourorg/momo-confirm/internal/monitor"
	"github.com/yourorg/momo-confirm/internal/notifier"
	"github.com/yourorg/momo-confirm/internal/orchestrator"
	"github.com/yourorg/momo-confirm/internal/poller"
	"github.com/yourorg/momo-confirm/internal/policy"
	"github.com/yourorg/momo-confirm/internal/prober"
	"github.com/yourorg/momo-confirm/internal/prober/circuitbreaker"
	"github.com/yourorg/momo-confirm/internal/processor"
	"github.com/yourorg/momo-confirm/internal/reporting"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)
	cmd := &cobra.Command{
		Use:     "momo-confirm",
		Short:   "Confirms mobile-money payments by polling the gateway",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	zl, err := logging.New(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() { _ = zl.Sync() }()
	log := zl.Sugar()

	shutdownTracing, err := setupTracing(cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			log.Warnw("Tracer shutdown failed", "error", err)
		}
	}()

	srv, err := newServer(cfg, log)
	if err != nil {
		return err
	}
	defer srv.orch.Shutdown()

	httpSrv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           setupRouter(srv, cfg.Tracing.Enabled),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Infow("Starting server", "addr", cfg.Server.Addr, "simulation", cfg.Simulation.Enabled, "version", Version)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Infow("Shutting down", "sessions", srv.orch.Len())
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(sctx)
}

// setupTracing installs a stdout exporter when tracing is enabled. The
// returned func flushes it.
func setupTracing(cfg config.TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	var opts []stdouttrace.Option
	if cfg.PrettyPrint {
		opts = append(opts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("tracing: create exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// newServer wires the confirmation pipeline from cfg.
func newServer(cfg *config.Config, log *zap.SugaredLogger) (*server, error) {
	var primary adapter.StatusSource
	if cfg.Simulation.Enabled {
		sim := adaptermock.NewMockSource(adapter.SourceGateway)
		sim.QueryFunc = adaptermock.Simulated(adapter.SourceGateway, cfg.Simulation.PendingProbes,
			cfg.Simulation.ResultCode, cfg.Simulation.ResultDesc, cfg.Simulation.Latency)
		primary = sim
	} else {
		primary = gateway.NewGatewayAdapter(gateway.Config{
			BaseURL:       cfg.Gateway.BaseURL,
			StatusPath:    cfg.Gateway.StatusPath,
			APIKey:        cfg.Gateway.APIKey,
			Timeout:       cfg.Gateway.Timeout,
			RetryAttempts: cfg.Gateway.RetryAttempts,
			RetryDelay:    cfg.Gateway.RetryDelay,
		})
	}

	var fallback adapter.StatusSource
	if cfg.OrderService.BaseURL != "" {
		fallback = orderstatus.NewOrderStatusAdapter(orderstatus.Config{
			BaseURL:    cfg.OrderService.BaseURL,
			StatusPath: cfg.OrderService.StatusPath,
			Timeout:    cfg.OrderService.Timeout,
		})
	}

	outcomes, err := policy.NewOutcomePolicy(policy.DefaultRules())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize outcome policy: %w", err)
	}

	p := prober.NewProber(prober.Config{
		Primary:    primary,
		Fallback:   fallback,
		Normalizer: processor.NewNormalizer(outcomes),
		Breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
			FailureThreshold:  cfg.Breaker.FailureThreshold,
			ResetTimeout:      cfg.Breaker.OpenTimeout,
			HalfOpenSuccesses: cfg.Breaker.HalfOpenSuccesses,
		}),
		Logger: log,
	})

	contract, err := monitor.NewOpenRequestMonitor()
	if err != nil {
		return nil, fmt.Errorf("failed to load request schema: %w", err)
	}

	recorder := reporting.NewRecorder(cfg.Server.ReportCapacity)
	orch := orchestrator.NewOrchestrator(orchestrator.Config{
		Prober: p,
		Builder: custom_context.NewSessionBuilder(custom_context.PollingPolicy{
			MaxAttempts: cfg.Polling.MaxAttempts,
			Interval:    cfg.Polling.Interval,
		}, cfg.Server.DefaultCurrency),
		Engine: poller.Config{
			SuccessDelay: cfg.Polling.SuccessDelay,
			RetryDelay:   cfg.Polling.RetryDelay,
			ProbeTimeout: cfg.Polling.ProbeTimeout,
		},
		Recorder: recorder,
		Notifier: notifier.NewWebhookNotifier(notifier.Config{
			Timeout:       cfg.Webhook.Timeout,
			RetryAttempts: cfg.Webhook.RetryAttempts,
			Logger:        log,
		}),
		Retention: cfg.Server.SessionRetention,
		Logger:    log,
	})

	return &server{
		orch:     orch,
		recorder: recorder,
		reporter: reporting.NewRetrospectiveReporter(),
		contract: contract,
		log:      log,
	}, nil
}
