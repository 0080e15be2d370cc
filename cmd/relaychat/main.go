package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ledzpl/relaychat/internal/config"
)

var rootCmd = &cobra.Command{
	Use:           "relaychat",
	Short:         "Terminal chat widget over a hosted pub/sub relay",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(flagEnvFile)
		if err != nil {
			return err
		}
		cfg = c
		applyFlagOverrides(cmd)
		setupLogger(cfg.Level())
		return nil
	},
}

var (
	cfg         config.Config
	flagEnvFile string
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&flagEnvFile, "env-file", ".env", "optional dotenv file read before the environment")
	flags.String("channel", "", "relay channel id (overrides RELAY_CHANNEL)")
	flags.String("log-level", "", "log level (overrides LOG_LEVEL)")

	rootCmd.AddCommand(serveCmd, relayCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("relaychat")
	}
}

func applyFlagOverrides(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("channel") {
		cfg.RelayChannel, _ = flags.GetString("channel")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("relay-url") {
		cfg.RelayURL, _ = flags.GetString("relay-url")
	}
	if flags.Changed("addr") {
		addr, _ := flags.GetString("addr")
		switch cmd {
		case serveCmd:
			cfg.SSHAddr = addr
		case relayCmd:
			cfg.RelayAddr = addr
		}
	}
	if flags.Changed("host-key") {
		cfg.SSHHostKey, _ = flags.GetString("host-key")
	}
	if flags.Changed("data-path") {
		cfg.RelayDataPath, _ = flags.GetString("data-path")
	}
	if flags.Changed("history") {
		cfg.RelayHistory, _ = flags.GetInt("history")
	}
}

func setupLogger(level zerolog.Level) {
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}
