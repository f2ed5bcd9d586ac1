// Package cli holds the voiced commands and the composition root.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/voiced/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "voiced",
	Short: "Voice session coordinator",
	Long: `voiced joins voice channels over a peer-to-peer mesh or a media relay,
keeps mute, deafen and speaking state in sync and exposes the session
over a small HTTP control API.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(lvl)
		} else {
			log.Warn().Str("module", "cli").Str("log_level", cfg.LogLevel).Msg("unknown log level, keeping info")
		}
		return nil
	},
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// Execute runs the root command until SIGINT or SIGTERM.
func Execute() {
	setupLogging()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("voiced failed")
		cancel()
		os.Exit(1)
	}
}
