// Command canary runs the progressive rollout pipeline.
//
//	canary serve              scheduler plus HTTP API (/health, /metrics, /status, ...)
//	canary cycle              one cycle, result printed as JSON
//	canary validate-config    load and validate the configuration
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"canary-pipeline/internal/config"
	"canary-pipeline/internal/domain"
	"canary-pipeline/internal/intake"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "canary",
		Short:         "Shadow-test, roll out and roll back strategy changes",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", os.Getenv("CANARY_CONFIG"), "YAML configuration file")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "optional .env file")

	root.AddCommand(newServeCmd(flags), newCycleCmd(flags), newValidateCmd(flags))
	return root
}

func (f *rootFlags) load() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(f.configPath, f.envFile)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg.Log, os.Stderr), nil
}

func newLogger(c config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if c.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the cycle scheduler and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := build(ctx, cfg, log, nil)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           newRouter(a.api()),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.Server.Addr).Msg("http server listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()
			a.orch.StartPipeline()

			select {
			case <-ctx.Done():
				log.Info().Msg("shutting down")
			case err = <-errCh:
				log.Error().Err(err).Msg("http server failed")
			}

			a.orch.StopPipeline()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				log.Warn().Err(serr).Msg("http shutdown")
			}
			return err
		},
	}
}

func newCycleCmd(flags *rootFlags) *cobra.Command {
	var suggestionsFile string
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Execute exactly one pipeline cycle and print the result as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := flags.load()
			if err != nil {
				return err
			}

			var queue suggestionQueue
			if suggestionsFile != "" {
				items, err := readSuggestions(suggestionsFile)
				if err != nil {
					return err
				}
				queue = intake.NewMemoryQueue(items...)
			}

			a, err := build(cmd.Context(), cfg, log, queue)
			if err != nil {
				return err
			}
			defer a.Close()

			res := a.orch.ExecuteCycleOnce(cmd.Context())
			out := struct {
				Cycle  domain.ImprovementCycleResults `json:"cycle"`
				Status domain.PipelineStatus          `json:"status"`
			}{res, a.orch.GetStatus(cmd.Context())}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().StringVar(&suggestionsFile, "suggestions", "", "JSON file with an array of suggestions to feed this cycle")
	return cmd
}

func newValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate-config",
		Short: "Load and validate the configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := flags.load()
			if err != nil {
				return err
			}
			var phases []string
			for _, ph := range cfg.StagePlan().Phases() {
				phases = append(phases, string(ph))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "configuration valid\n  phases: %s\n  accounts: %d (%d per test)\n  storage: %s, intake: %s\n",
				strings.Join(phases, " -> "),
				len(cfg.AccountIDs()),
				cfg.Pipeline.ControlAccounts+cfg.Pipeline.TreatmentAccounts,
				cfg.Storage.Backend,
				cfg.Intake.Backend,
			)
			return nil
		},
	}
}

func readSuggestions(path string) ([]domain.ImprovementSuggestion, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suggestions: %w", err)
	}
	var items []domain.ImprovementSuggestion
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse suggestions %s: %w", path, err)
	}
	return items, nil
}
