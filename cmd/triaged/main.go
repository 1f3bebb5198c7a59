package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/carebridge/triage/internal/bus"
	"github.com/carebridge/triage/internal/config"
	"github.com/carebridge/triage/internal/decision"
	"github.com/carebridge/triage/internal/handover"
	"github.com/carebridge/triage/internal/httpapi"
	"github.com/carebridge/triage/internal/medsafety"
	"github.com/carebridge/triage/internal/model"
	"github.com/carebridge/triage/internal/rules"
	"github.com/carebridge/triage/internal/store"
	"github.com/carebridge/triage/internal/token"
)

var version = "1.2.0"

var (
	configPath string
	logLevel   string
	logPretty  bool
)

// rootCmd is the base command for the triage daemon.
var rootCmd = &cobra.Command{
	Use:   "triaged",
	Short: "Clinical triage decision-support service",
	Long: `triaged runs the risk analysis and escalation backend for primary-health
outreach: the rule guardrail, the calibrated risk model, the medication safety
engine, specialist escalation links and the live case event channel.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("triaged v%s - run 'triaged serve' to start the service\n", version)
	},
}

// serveCmd starts the HTTP service.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the triage HTTP service",
	Long: `Load the configuration, connect the case store, and serve the JSON API and
websocket event channel until interrupted.

Example usage:
  triaged serve                          # default config path
  triaged serve --config=/etc/triage.yaml
  triaged serve --log-level=debug --pretty`,
	RunE: runServe,
}

// versionCmd prints the build version.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the triaged version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("triaged v%s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	serveCmd.Flags().StringVar(&configPath, "config", "config/triage.yaml", "Path to the service configuration file")
	serveCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: trace, debug, info, warn, error")
	serveCmd.Flags().BoolVar(&logPretty, "pretty", false, "Human-readable console logging instead of JSON")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	setupLogging()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	aggregator := decision.New(
		rules.New(cfg.Guardrail),
		model.NewPredictor(cfg.Model.ArtifactPath),
		medsafety.New(cfg.Medication.FuzzyThreshold),
		cfg.Decision, cfg.Model, cfg.Medication,
	)

	tokenCache := token.NewCache(cfg.Redis)
	defer tokenCache.Close()

	server := httpapi.New(cfg, st, aggregator,
		token.NewService(cfg.Escalation), tokenCache,
		handover.New(cfg.Handover), bus.New(cfg.Bus.SubscriberBuffer))

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", version).Str("config", configPath).Msg("triaged starting")
	return server.Run(ctx)
}

// openStore selects Postgres when a DSN is configured, the in-memory store
// otherwise (development and tests).
func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.DSN == "" {
		log.Warn().Msg("no database DSN configured, using in-memory store")
		return store.NewMemory(), nil
	}
	st, err := store.NewPostgres(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	log.Info().Msg("connected to postgres case store")
	return st, nil
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if logPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
