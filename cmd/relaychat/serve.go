package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gookit/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/ledzpl/relaychat/internal/chat"
	"github.com/ledzpl/relaychat/internal/relay"
	"github.com/ledzpl/relaychat/internal/widget"
	"github.com/ledzpl/relaychat/pkg/sshserver"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat widget to SSH clients",
	RunE:  runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("addr", ":2222", "TCP address for the SSH widget host (overrides SSH_ADDR)")
	flags.String("host-key", "configs/ssh_host_key", "path to the SSH host private key, generated if missing (overrides SSH_HOST_KEY)")
	flags.String("relay-url", "", "relay websocket URL (overrides RELAY_URL)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateWidget(); err != nil {
		return err
	}

	signer, err := sshserver.LoadOrGenerateSigner(cfg.SSHHostKey, log.Logger)
	if err != nil {
		return fmt.Errorf("prepare host key: %w", err)
	}

	// Sessions are remote terminals; the local stdout says nothing about their color support.
	color.ForceColor()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := widget.Deps{
		RelayURL: cfg.RelayURL,
		Channel:  cfg.RelayChannel,
		Dialer:   relay.NewDialer(log.Logger),
		Names:    chat.NewRandomPicker(chat.DefaultNames),
		Colors:   chat.NewRandomPicker(chat.DefaultColors),
		Logger:   log.Logger,
	}

	server := sshserver.New(cfg.SSHAddr, signer, log.Logger)
	log.Info().Str("relay", cfg.RelayURL).Str("room", chat.RoomName).Msg("[widget] starting")

	err = server.ListenAndServe(ctx, func(conn *ssh.ServerConn, channel ssh.Channel, requests <-chan *ssh.Request) {
		widget.HandleSession(deps, conn, channel, requests)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("ssh server: %w", err)
	}

	log.Info().Msg("[widget] shutdown complete")
	return nil
}
