package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	appName = "tradepipe"
	version = "v0.4.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Adaptive trading decision pipeline",
		Version: version,
		Long: `tradepipe runs the adaptive decision pipeline: online regime
detection, expert gating, quantile edge estimation, risk checks and
execution routing, with a decision tape for replay and a
champion/challenger promotion service.`,
	}
	rootCmd.PersistentFlags().String("config", "config.yaml", "Path to configuration file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the decision pipeline and ops server",
		Long:  "Starts one decision engine per configured symbol, the read-only HTTP ops surface and the promotion loop",
		RunE:  runServe,
	}
	serveCmd.Flags().Duration("tick-interval", time.Second, "Simulated feed tick interval")

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Replay a recorded tape session",
		Long:  "Loads a tape session from Redis and replays it against the configured expert surface, reporting drift and parity",
		RunE:  runReplay,
	}
	replayCmd.Flags().String("session", "", "Session id to replay (required)")
	replayCmd.MarkFlagRequired("session")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check a running instance",
		RunE:  runHealth,
	}
	healthCmd.Flags().String("addr", "http://localhost:8080", "Base URL of the running instance")

	rootCmd.AddCommand(serveCmd, replayCmd, healthCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func setLogLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
}

func runHealth(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("addr")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(addr + "/health")
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read health response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d: %s", resp.StatusCode, body)
	}

	fmt.Println(string(body))
	return nil
}
