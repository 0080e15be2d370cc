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

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/ledzpl/relaychat/internal/relay"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a local development relay",
	RunE:  runRelay,
}

func init() {
	flags := relayCmd.Flags()
	flags.String("addr", ":4017", "HTTP address for the relay (overrides RELAY_ADDR)")
	flags.String("data-path", "", "directory for PebbleDB room history (overrides RELAY_DATA_PATH)")
	flags.Int("history", 0, "messages replayed to new subscribers, needs --data-path (overrides RELAY_HISTORY)")
}

func runRelay(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateRelay(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []relay.ServerOption
	var history *relay.History
	if cfg.RelayDataPath != "" {
		h, err := relay.OpenHistory(cfg.RelayDataPath, log.Logger)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		history = h
		opts = append(opts, relay.WithHistory(h, cfg.RelayHistory))
		log.Info().Str("path", cfg.RelayDataPath).Int("replay", cfg.RelayHistory).Msg("[relay] history enabled")
	}

	server := relay.NewServer(cfg.RelayChannel, log.Logger, opts...)
	httpSrv := &http.Server{
		Addr:              cfg.RelayAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("[relay] serving at ws://127.0.0.1%s/relay", cfg.RelayAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(sctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("[relay] http server shutdown error")
	}
	server.CloseAll()
	server.Wait()

	if history != nil {
		if err := history.Close(); err != nil {
			log.Warn().Err(err).Msg("[relay] history close error")
		}
	}
	if serveErr != nil {
		return fmt.Errorf("relay http: %w", serveErr)
	}
	log.Info().Msg("[relay] shutdown complete")
	return nil
}
