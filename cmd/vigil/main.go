package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lucid-vigil/vigil/pkg/api"
	"github.com/lucid-vigil/vigil/pkg/config"
	"github.com/lucid-vigil/vigil/pkg/ingest"
	"github.com/lucid-vigil/vigil/pkg/logger"
	"github.com/lucid-vigil/vigil/pkg/pipeline"
)

const shutdownTimeout = 30 * time.Second

var (
	configPath string
	logLevel   string
	replayFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "vigil",
		Short: "Security event graph correlation and automated response engine",
		Long: `Vigil ingests runtime security alerts, builds an event graph of processes,
files, sockets and users, correlates behavior chains, has them risk-scored and
drives approved response actions whose outcomes feed back into correlation.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file (default: ./config.yaml or /etc/vigil/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Consume alerts from NATS and serve the control API",
		RunE:  runServe,
	}

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Feed a JSON-lines alert file through the engine and print a summary",
		RunE:  runReplay,
	}
	replayCmd.Flags().StringVarP(&replayFile, "file", "f", "-", "Alert file to replay, - for stdin")

	rootCmd.AddCommand(serveCmd, replayCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger.InitLogger(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.Info().Msgf("Received signal: %s. Shutting down gracefully...", sig)
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info().Str("api_port", cfg.APIPort).Msg("Vigil starting...")

	ctx, cancel := signalContext()
	defer cancel()

	p, err := pipeline.New(ctx, cfg, log.Logger, pipeline.Options{})
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	p.Start(ctx)

	if configPath != "" {
		if _, err := config.Watch(configPath, func(next *config.Config) {
			if logLevel != "" {
				next.LogLevel = logLevel
			}
			p.UpdateSettings(next)
		}); err != nil {
			log.Warn().Err(err).Msg("Configuration hot reload disabled")
		}
	}

	var source *ingest.NATSSource
	if cfg.Ingest.NatsURL != "" {
		source = ingest.NewNATSSource(cfg.Ingest, p, log.Logger)
		if err := source.Start(); err != nil {
			stopPipeline(p)
			return fmt.Errorf("failed to start alert source: %w", err)
		}
	} else {
		log.Warn().Msg("No NATS URL configured, alerts are not being consumed")
	}

	server := api.NewServer(cfg.APIPort, api.Deps{
		Chains:     p.Engine(),
		Tasks:      p.Orchestrator(),
		Experience: p.Experience(),
		Graph:      p.Graph(),
		Status:     func() any { return p.Stats() },
	}, p.Metrics(), log.Logger)

	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	select {
	case <-ctx.Done():
	case err = <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("API server failed")
		}
	}

	if source != nil {
		source.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		log.Warn().Err(serr).Msg("API server shutdown incomplete")
	}
	stopPipeline(p)

	log.Info().Msg("Vigil stopped.")
	return err
}

func stopPipeline(p *pipeline.Pipeline) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		log.Error().Err(err).Msg("Pipeline shutdown incomplete")
	}
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var in io.Reader = cmd.InOrStdin()
	if replayFile != "-" {
		f, err := os.Open(replayFile)
		if err != nil {
			return fmt.Errorf("failed to open alert file: %w", err)
		}
		defer f.Close()
		in = f
	}

	ctx, cancel := signalContext()
	defer cancel()

	p, err := pipeline.New(ctx, cfg, log.Logger, pipeline.Options{EventTime: true})
	if err != nil {
		return fmt.Errorf("failed to build pipeline: %w", err)
	}
	p.Start(ctx)

	n, replayErr := p.Replay(ctx, in)
	stopPipeline(p)
	if replayErr != nil {
		return fmt.Errorf("replay stopped after %d alerts: %w", n, replayErr)
	}

	return printSummary(cmd.OutOrStdout(), n, p)
}

func printSummary(w io.Writer, lines int, p *pipeline.Pipeline) error {
	st := p.Stats()
	tasks := p.Orchestrator().Pending()

	fmt.Fprintf(w, "alerts read:        %d\n", lines)
	for _, r := range []string{pipeline.ResultIngested, pipeline.ResultDuplicate, pipeline.ResultMalformed,
		pipeline.ResultDangling, pipeline.ResultUnrelated, pipeline.ResultTerminal} {
		fmt.Fprintf(w, "  %-17s %d\n", r+":", st.Results[r])
	}
	fmt.Fprintf(w, "graph:              %d nodes, %d edges\n", st.Graph.Nodes, st.Graph.Edges)
	fmt.Fprintf(w, "chains finalized:   %d (suppressed %d, analysis failed %d)\n",
		st.Correlation.Finalized, st.Correlation.Suppressed, st.Correlation.AnalysisFailed)
	fmt.Fprintf(w, "tasks created:      %d, pending approval %d\n", st.Orchestrator.Created, len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(w, "  %s  %-15s %-40s score %.2f\n", t.ID, t.ActionKind, t.TargetNodeID, t.MaxScore())
	}
	return nil
}
