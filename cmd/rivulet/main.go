// Package main is the entry point for the rivulet binary.
// It provides a CLI for validating pipeline manifests and running a session.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rivulet-ai/rivulet/internal/governance"
	"github.com/rivulet-ai/rivulet/pkg/config"
	"github.com/rivulet-ai/rivulet/pkg/engine"
	"github.com/rivulet-ai/rivulet/pkg/engine/runtime"
	"github.com/rivulet-ai/rivulet/pkg/graph"
	"github.com/rivulet-ai/rivulet/pkg/logging"
	"github.com/rivulet-ai/rivulet/pkg/manifest"
	"github.com/rivulet-ai/rivulet/pkg/nodes/builtin"
	"github.com/rivulet-ai/rivulet/pkg/telemetry"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for rivulet.
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rivulet",
		Short: "Real-time media pipeline runtime",
		Long: `Rivulet drives a declarative DAG of processing nodes for the lifetime
of a client session, routing media payloads through the graph with
fan-out, fan-in, and per-node failure isolation.`,
	}

	rootCmd.AddCommand(newRunCmd(), newValidateCmd())
	return rootCmd
}

func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a pipeline manifest without running it",
		RunE:  runValidate,
	}
	cmd.Flags().StringP("manifest", "m", "pipeline.yaml", "Path to the pipeline manifest (YAML)")
	return cmd
}

func runValidate(cmd *cobra.Command, _ []string) error {
	path, err := cmd.Flags().GetString("manifest")
	if err != nil {
		return fmt.Errorf("failed to get manifest flag: %w", err)
	}

	m, err := manifest.Load(path)
	if err != nil {
		return err
	}

	g, err := graph.FromManifest(m)
	if err != nil {
		return err
	}

	cmd.Printf("manifest %s is valid\n", path)
	cmd.Printf("  nodes:   %d\n", g.Len())
	cmd.Printf("  order:   %s\n", strings.Join(g.Order(), " -> "))
	cmd.Printf("  sources: %s\n", strings.Join(g.Sources(), ", "))
	cmd.Printf("  sinks:   %s\n", strings.Join(g.Sinks(), ", "))
	return nil
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a session, injecting stdin lines as external input",
		Long: `Run starts one session over the given manifest. Each line read from
stdin is injected as an external input to the pipeline's source nodes;
sink outputs are written to stdout. The session shuts down on EOF,
SIGINT, or SIGTERM.`,
		RunE: runSession,
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file (YAML)")
	cmd.Flags().StringP("manifest", "m", "", "Path to the pipeline manifest (overrides config)")
	return cmd
}

//nolint:gocyclo // Startup wiring is sequential and clearer inline.
func runSession(cmd *cobra.Command, _ []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	manifestPath, err := cmd.Flags().GetString("manifest")
	if err != nil {
		return fmt.Errorf("failed to get manifest flag: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if manifestPath != "" {
		cfg.Pipeline.Manifest = manifestPath
	}
	if cfg.Pipeline.Manifest == "" {
		return fmt.Errorf("no manifest configured: pass --manifest or set pipeline.manifest")
	}

	logger := logging.New(logging.Config{Level: cfg.Logging.Level})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: "rivulet",
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Environment: cfg.Telemetry.Environment,
		Insecure:    cfg.Telemetry.Insecure,
	})
	if err != nil {
		return fmt.Errorf("telemetry setup failed: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	provider, err := manifest.NewFileProvider(cfg.Pipeline.Manifest, logger)
	if err != nil {
		return err
	}
	defer func() { _ = provider.Close() }()

	if cfg.Pipeline.Watch {
		revisions := provider.Subscribe()
		<-revisions // initial revision is already in use
		go func() {
			for m := range revisions {
				logger.Info("manifest revision detected, will apply to new sessions",
					"nodes", len(m.Nodes),
				)
			}
		}()
	}

	registry := engine.NewRegistry()
	if err := builtin.Register(registry); err != nil {
		return err
	}

	metrics := engine.NewMetrics()
	metricsSrv := &http.Server{
		Addr:              cfg.Server.MetricsAddress,
		Handler:           otelhttp.NewHandler(metrics.Handler(), "rivulet.metrics"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listener started", "address", cfg.Server.MetricsAddress)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener failed", "error", err)
		}
	}()
	defer func() { _ = metricsSrv.Close() }()

	session, err := engine.NewSession("", provider.Current(), registry, engine.Options{
		Logger:      logger,
		Metrics:     metrics,
		QueueSize:   cfg.Session.QueueSize,
		InboundSize: cfg.Session.InboundSize,
		InputSize:   cfg.Session.InputSize,
		OutputSize:  cfg.Session.OutputSize,
		Breaker: governance.Config{
			MaxFailures:    cfg.Session.Breaker.MaxFailures,
			Cooldown:       cfg.Session.Breaker.CooldownDuration(),
			HalfOpenProbes: cfg.Session.Breaker.HalfOpenProbes,
		},
	})
	if err != nil {
		return err
	}

	if cfg.Session.Preinit {
		if err := session.Preinitialize(ctx, func(p runtime.InitProgress) {
			if p.Stage == runtime.StageFailed {
				logger.Error("node cold start failed", "node_id", p.NodeID, "error", p.Err)
				return
			}
			logger.Info("node cold start", "node_id", p.NodeID, "node_type", p.NodeType, "stage", string(p.Stage))
		}); err != nil {
			return err
		}
	}

	if err := session.Start(ctx); err != nil {
		return err
	}

	// Sink outputs to stdout.
	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		for pkt := range session.Output() {
			fmt.Fprintf(os.Stdout, "[%s seq=%d.%d] %v\n", pkt.FromNode, pkt.Seq, pkt.SubSeq, pkt.Payload)
		}
	}()

	// Stdin lines in as external input.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if err := session.Inject(scanner.Text()); err != nil {
				return
			}
		}
		stop()
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := session.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-outputDone

	logger.Info("shutdown complete")
	return nil
}
