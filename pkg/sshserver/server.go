package sshserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// SessionHandler handles an accepted SSH "session" channel. It owns the
// channel and must return once the channel is closed.
type SessionHandler func(conn *ssh.ServerConn, channel ssh.Channel, requests <-chan *ssh.Request)

// Server accepts SSH connections and hands every session channel to a
// SessionHandler. Client authentication is disabled: the chat identity is
// generated per session, not taken from the SSH user.
type Server struct {
	Addr   string
	Config *ssh.ServerConfig

	log      zerolog.Logger
	sessions atomic.Int64
	wg       sync.WaitGroup
}

// New creates a Server with the provided host signer.
func New(addr string, signer ssh.Signer, logger zerolog.Logger) *Server {
	cfg := &ssh.ServerConfig{NoClientAuth: true}
	cfg.AddHostKey(signer)

	return &Server{
		Addr:   addr,
		Config: cfg,
		log:    logger.With().Str("component", "sshserver").Logger(),
	}
}

// ListenAndServe listens on s.Addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, handler SessionHandler) error {
	listener, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return fmt.Errorf("sshserver: listen %q: %w", s.Addr, err)
	}
	return s.Serve(ctx, listener, handler)
}

// Serve accepts connections on listener until ctx is cancelled, then closes
// every connection and waits for the running session handlers to return.
func (s *Server) Serve(ctx context.Context, listener net.Listener, handler SessionHandler) error {
	defer listener.Close()

	if handler == nil {
		return errors.New("sshserver: session handler required")
	}

	stop := context.AfterFunc(ctx, func() {
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Warn().Err(err).Msg("listener close error")
		}
	})
	defer stop()

	s.log.Info().Str("addr", listener.Addr().String()).Msg("listening")

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.drain()
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				s.drain()
				return err
			}
			s.log.Warn().Err(err).Msg("accept error")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn, handler)
		}()
	}
}

// Sessions reports how many session handlers are running.
func (s *Server) Sessions() int {
	return int(s.sessions.Load())
}

func (s *Server) drain() {
	if n := s.Sessions(); n > 0 {
		s.log.Info().Int("sessions", n).Msg("waiting for sessions to end")
	}
	s.wg.Wait()
}

func (s *Server) handleConn(ctx context.Context, tcpConn net.Conn, handler SessionHandler) {
	defer tcpConn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(tcpConn, s.Config)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", tcpConn.RemoteAddr().String()).Msg("handshake failed")
		return
	}
	defer sshConn.Close()

	log := s.log.With().Str("remote", sshConn.RemoteAddr().String()).Str("user", sshConn.User()).Logger()
	log.Info().Str("client", string(sshConn.ClientVersion())).Msg("new connection")
	started := time.Now()
	defer func() {
		log.Info().Dur("duration", time.Since(started)).Msg("connection closed")
	}()

	go ssh.DiscardRequests(reqs)

	// Closing the connection ends every channel, which is what stops the handlers.
	unwatch := context.AfterFunc(ctx, func() { _ = sshConn.Close() })
	defer unwatch()

	var handlers sync.WaitGroup
	defer handlers.Wait()

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			log.Warn().Err(err).Msg("channel accept failed")
			continue
		}

		handlers.Add(1)
		s.sessions.Add(1)
		go func() {
			defer handlers.Done()
			defer s.sessions.Add(-1)
			handler(sshConn, channel, requests)
		}()
	}
}
