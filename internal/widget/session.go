package widget

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"unicode"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/ledzpl/relaychat/internal/chat"
	"github.com/ledzpl/relaychat/internal/relay"
)

const (
	ctrlC      = 0x03
	ctrlD      = 0x04
	ctrlE      = 0x05
	backspace  = '\b'
	escape     = 0x1b
	deleteChar = 0x7f
)

var errSessionTerminated = errors.New("session terminated")

// errShellNotRequested indicates the SSH client closed the request stream without asking for a shell.
var errShellNotRequested = errors.New("shell request not received before channel closed")

// Deps is what every widget session needs to mount a chat controller.
type Deps struct {
	RelayURL string
	Channel  string
	Dialer   relay.Dialer
	Names    chat.Picker
	Colors   chat.Picker
	Logger   zerolog.Logger
}

// controls is the part of chat.Controller driven by the keyboard.
type controls interface {
	Press(r rune)
	Backspace()
	Submit()
	ToggleEmojiPicker()
	CloseEmojiPicker()
}

// HandleSession mounts a chat widget on an SSH channel for as long as the channel lives.
func HandleSession(deps Deps, conn *ssh.ServerConn, channel ssh.Channel, requests <-chan *ssh.Request) {
	defer channel.Close()

	log := deps.Logger.With().Str("remote", conn.RemoteAddr().String()).Str("user", conn.User()).Logger()
	newSession(deps, log, channel, requests).run()
}

type session struct {
	deps Deps
	log  zerolog.Logger

	channel  ssh.Channel
	requests <-chan *ssh.Request

	ui       *terminalUI
	controls controls

	cancel  context.CancelFunc
	workers sync.WaitGroup
	cleanup sync.Once
}

func newSession(deps Deps, log zerolog.Logger, channel ssh.Channel, requests <-chan *ssh.Request) *session {
	return &session{
		deps:     deps,
		log:      log,
		channel:  channel,
		requests: requests,
	}
}

func (s *session) run() {
	defer s.cleanupSession()

	if err := s.setup(); err != nil {
		if errors.Is(err, errShellNotRequested) {
			return
		}
		s.log.Warn().Err(err).Msg("session setup failed")
		return
	}

	if err := s.readLoop(bufio.NewReader(s.channel)); err != nil {
		s.handleReadError(err)
	}
}

func (s *session) setup() error {
	if err := s.awaitShell(); err != nil {
		return fmt.Errorf("await shell: %w", err)
	}

	s.ui = newTerminalUI(newSessionWriter(s.channel))
	ctrl := chat.NewController(chat.Options{
		RelayURL: s.deps.RelayURL,
		Channel:  s.deps.Channel,
		Dialer:   s.deps.Dialer,
		Renderer: s.ui,
		Notifier: s.ui,
		Names:    s.deps.Names,
		Colors:   s.deps.Colors,
		Logger:   s.log,
	})
	s.controls = ctrl

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.startController(ctx, ctrl)
	return nil
}

// startController runs the controller; when it stops on its own the channel
// is closed so the input loop ends too.
func (s *session) startController(ctx context.Context, ctrl *chat.Controller) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		if err := ctrl.Run(ctx); err != nil {
			s.log.Error().Err(err).Msg("chat controller stopped")
			_ = s.ui.DisplaySystem(err.Error())
		}
		_ = s.channel.Close()
	}()
}

// awaitShell drains SSH channel requests and blocks until the client requests a shell.
func (s *session) awaitShell() error {
	for req := range s.requests {
		if !handleRequest(req) {
			continue
		}

		s.startRequestPump()
		return nil
	}
	return errShellNotRequested
}

func handleRequest(req *ssh.Request) bool {
	switch req.Type {
	case "shell":
		req.Reply(true, nil)
		return true
	case "pty-req", "env", "window-change", "signal":
		req.Reply(true, nil)
	default:
		req.Reply(false, nil)
	}
	return false
}

func (s *session) startRequestPump() {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		for req := range s.requests {
			handleRequest(req)
		}
	}()
}

func (s *session) readLoop(reader *bufio.Reader) error {
	for {
		r, _, err := reader.ReadRune()
		if err != nil {
			return err
		}

		if err := processRune(s.controls, reader, r); err != nil {
			return err
		}
	}
}

// processRune maps one key press onto the controller.
func processRune(c controls, reader *bufio.Reader, r rune) error {
	switch r {
	case '\r', '\n':
		skipLineFeed(reader, r)
		c.Submit()
	case ctrlC, ctrlD:
		return errSessionTerminated
	case ctrlE:
		c.ToggleEmojiPicker()
	case backspace, deleteChar:
		c.Backspace()
	case escape:
		if !skipEscapeSequence(reader) {
			c.CloseEmojiPicker()
		}
	default:
		if unicode.IsPrint(r) {
			c.Press(r)
		}
	}
	return nil
}

func skipLineFeed(reader *bufio.Reader, r rune) {
	if r != '\r' || reader.Buffered() == 0 {
		return
	}
	if next, _, err := reader.ReadRune(); err == nil && next != '\n' {
		_ = reader.UnreadRune()
	}
}

// skipEscapeSequence consumes a CSI sequence such as an arrow key and reports
// whether one was present. A lone ESC reports false.
func skipEscapeSequence(reader *bufio.Reader) bool {
	if reader.Buffered() == 0 {
		return false
	}
	next, _, err := reader.ReadRune()
	if err != nil {
		return false
	}
	if next != '[' {
		_ = reader.UnreadRune()
		return false
	}
	for reader.Buffered() > 0 {
		b, err := reader.ReadByte()
		if err != nil || (b >= 0x40 && b <= 0x7e) {
			break
		}
	}
	return true
}

func (s *session) cleanupSession() {
	s.cleanup.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.channel != nil {
			_ = s.channel.Close()
		}
		s.workers.Wait()
	})
}

func (s *session) handleReadError(err error) {
	switch {
	case errors.Is(err, errSessionTerminated), errors.Is(err, io.EOF):
		return
	default:
		s.log.Debug().Err(err).Msg("session read failed")
	}
}
