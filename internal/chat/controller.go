package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/ledzpl/relaychat/internal/relay"
)

const (
	// RoomName is the single relay room every participant joins.
	RoomName = "observable-room"
	// TypingDebounce is how long after the last keystroke typing(false) is sent.
	TypingDebounce = 2000 * time.Millisecond

	inputBuffer = 32
	ackBuffer   = 16
)

// Renderer draws a frame. Errors are logged and otherwise ignored.
type Renderer interface {
	Render(View) error
}

// Notifier plays the new-message sound.
type Notifier interface {
	Notify() error
}

// State is the controller's in-memory model.
type State struct {
	Self            Participant
	Messages        []ChatMessage
	Connected       bool
	TypingUsers     []string
	EmojiPickerOpen bool
	Draft           string
	Interacted      bool
	LocalTyping     bool
}

func (s State) clone() State {
	s.Messages = slices.Clone(s.Messages)
	s.TypingUsers = slices.Clone(s.TypingUsers)
	return s
}

// Options wires a Controller to its collaborators. Dialer is required.
type Options struct {
	RelayURL string
	Channel  string
	Dialer   relay.Dialer

	Renderer Renderer
	Notifier Notifier
	Clock    clock.Clock
	Names    Picker
	Colors   Picker
	Logger   zerolog.Logger
}

type inputKind int

const (
	inputType inputKind = iota + 1
	inputPress
	inputBackspace
	inputSubmit
	inputToggleEmoji
	inputCloseEmoji
	inputPickEmoji
)

type inputEvent struct {
	kind  inputKind
	text  string
	index int
}

type publishResult struct {
	kind string
	err  error
}

// Controller owns one chat session: identity, relay connection, message list,
// typing state and draft. All state is touched only by the Run goroutine;
// the input methods are safe to call from any goroutine.
type Controller struct {
	opts  Options
	log   zerolog.Logger
	clock clock.Clock

	input     chan inputEvent
	acks      chan publishResult
	expired   chan uint64
	snapshots chan chan State
	done      chan struct{}
	stopOnce  sync.Once

	state       State
	draft       *draft
	conn        relay.Conn
	typingTimer *clock.Timer
	typingGen   uint64
	// renderedMessages counts the messages already checked for missing fields.
	renderedMessages int
}

// NewController prepares a controller. Nothing is opened until Run.
func NewController(opts Options) *Controller {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Controller{
		opts:      opts,
		log:       opts.Logger.With().Str("component", "chat").Logger(),
		clock:     clk,
		input:     make(chan inputEvent, inputBuffer),
		acks:      make(chan publishResult, ackBuffer),
		expired:   make(chan uint64, 1),
		snapshots: make(chan chan State),
		done:      make(chan struct{}),
		draft:     newDraft(128),
	}
}

// Run mounts the session, processes events until ctx is cancelled or the
// relay stream ends, then releases the connection.
func (c *Controller) Run(ctx context.Context) error {
	defer c.stop()

	if c.opts.Dialer == nil {
		return errors.New("chat: relay dialer required")
	}

	c.state.Self = NewParticipant(c.opts.Names, c.opts.Colors)
	c.log = c.log.With().Str("participant", c.state.Self.DisplayName).Logger()

	conn, err := c.opts.Dialer(ctx, relay.Options{
		URL:        c.opts.RelayURL,
		Channel:    c.opts.Channel,
		ClientData: c.state.Self,
	})
	if err != nil {
		return fmt.Errorf("chat: open relay: %w", err)
	}
	c.conn = conn
	defer c.unmount()

	if err := conn.Subscribe(RoomName); err != nil {
		return fmt.Errorf("chat: subscribe %q: %w", RoomName, err)
	}
	c.render()

	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				c.log.Info().Msg("relay event stream ended")
				return nil
			}
			c.handleRelayEvent(ev)
		case in := <-c.input:
			c.handleInput(in)
		case gen := <-c.expired:
			c.handleTypingExpired(gen)
		case res := <-c.acks:
			c.handlePublishResult(res)
			continue
		case reply := <-c.snapshots:
			reply <- c.state.clone()
			continue
		}
		c.render()
	}
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot(ctx context.Context) (State, error) {
	reply := make(chan State, 1)
	select {
	case c.snapshots <- reply:
	case <-c.done:
		return State{}, errors.New("chat: controller stopped")
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return State{}, ctx.Err()
	}
}

// Type appends text to the draft as a keystroke.
func (c *Controller) Type(text string) { c.post(inputEvent{kind: inputType, text: text}) }

// Press handles one typed character. While the emoji picker is open the
// digits 1-9 pick from EmojiPalette instead of reaching the draft.
func (c *Controller) Press(r rune) { c.post(inputEvent{kind: inputPress, text: string(r)}) }

// Backspace removes the last character of the draft as a keystroke.
func (c *Controller) Backspace() { c.post(inputEvent{kind: inputBackspace}) }

// Submit sends the draft.
func (c *Controller) Submit() { c.post(inputEvent{kind: inputSubmit}) }

// ToggleEmojiPicker shows or hides the emoji picker.
func (c *Controller) ToggleEmojiPicker() { c.post(inputEvent{kind: inputToggleEmoji}) }

// CloseEmojiPicker hides the emoji picker.
func (c *Controller) CloseEmojiPicker() { c.post(inputEvent{kind: inputCloseEmoji}) }

// PickEmoji appends EmojiPalette[i] to the draft and closes the picker.
func (c *Controller) PickEmoji(i int) { c.post(inputEvent{kind: inputPickEmoji, index: i}) }

func (c *Controller) post(ev inputEvent) {
	select {
	case c.input <- ev:
	case <-c.done:
	}
}

func (c *Controller) stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

// unmount releases the relay connection. Publish callbacks fired while
// closing see done and return without blocking.
func (c *Controller) unmount() {
	c.stop()
	if c.typingTimer != nil {
		c.typingTimer.Stop()
		c.typingTimer = nil
	}
	if err := c.conn.Close(); err != nil {
		c.log.Warn().Err(err).Msg("close relay connection")
	}
	c.log.Info().Msg("chat session closed")
}

func (c *Controller) handleRelayEvent(ev relay.Event) {
	switch ev.Kind {
	case relay.EventOpen:
		c.log.Info().Msg("connected to relay")
		c.state.Connected = true
	case relay.EventClose:
		c.log.Info().Msg("relay connection closed")
		c.state.Connected = false
	case relay.EventReconnect:
		c.log.Info().Msg("attempting to reconnect to relay")
	case relay.EventData:
		if ev.Room != "" && ev.Room != RoomName {
			c.log.Debug().Str("room", ev.Room).Msg("ignoring data for other room")
			return
		}
		c.handleInbound(ev.Data)
	}
}

func (c *Controller) handleInbound(raw json.RawMessage) {
	in, err := DecodeInbound(raw)
	switch {
	case errors.Is(err, ErrUnknownType):
		c.log.Debug().Err(err).Msg("ignoring relay payload")
		return
	case err != nil:
		c.log.Warn().Err(err).Msg("discarding relay payload")
		return
	}

	switch ev := in.(type) {
	case ChatMessage:
		c.state.Messages = append(c.state.Messages, ev)
		c.log.Debug().Str("sender", ev.Sender).Int("messages", len(c.state.Messages)).Msg("message received")
		if c.state.Interacted {
			c.notify()
		}
	case TypingEvent:
		if ev.Sender == c.state.Self.DisplayName {
			return
		}
		if ev.IsTyping {
			if !lo.Contains(c.state.TypingUsers, ev.Sender) {
				c.state.TypingUsers = append(c.state.TypingUsers, ev.Sender)
			}
		} else {
			c.state.TypingUsers = lo.Without(c.state.TypingUsers, ev.Sender)
		}
	}
}

func (c *Controller) notify() {
	if c.opts.Notifier == nil {
		return
	}
	if err := c.opts.Notifier.Notify(); err != nil {
		c.log.Warn().Err(err).Msg("notification sound failed")
	}
}

func (c *Controller) handleInput(in inputEvent) {
	switch in.kind {
	case inputType:
		if in.text == "" {
			return
		}
		c.draft.Append(in.text)
		c.keystroke()
	case inputPress:
		if c.state.EmojiPickerOpen && len(in.text) == 1 && in.text[0] >= '1' && in.text[0] <= '9' {
			c.pickEmoji(int(in.text[0] - '1'))
			return
		}
		c.draft.Append(in.text)
		c.keystroke()
	case inputBackspace:
		if c.draft.TrimLast() {
			c.keystroke()
		}
	case inputSubmit:
		c.sendMessage()
	case inputToggleEmoji:
		c.state.EmojiPickerOpen = !c.state.EmojiPickerOpen
	case inputCloseEmoji:
		c.state.EmojiPickerOpen = false
	case inputPickEmoji:
		c.pickEmoji(in.index)
	}
}

func (c *Controller) pickEmoji(i int) {
	if i < 0 || i >= len(EmojiPalette) {
		return
	}
	c.draft.Append(EmojiPalette[i])
	c.state.Draft = c.draft.String()
	c.state.EmojiPickerOpen = false
	c.state.Interacted = true
}

// keystroke records a draft edit and publishes typing(true).
func (c *Controller) keystroke() {
	c.state.Draft = c.draft.String()
	c.state.Interacted = true
	c.state.LocalTyping = true
	c.publish(TypeTyping, NewTypingEvent(c.state.Self, true))
	c.resetTypingTimer()
}

// resetTypingTimer replaces the pending debounce timer. Firings of replaced
// timers carry an old generation and are dropped.
func (c *Controller) resetTypingTimer() {
	if c.typingTimer != nil {
		c.typingTimer.Stop()
	}
	c.typingGen++
	gen := c.typingGen
	c.typingTimer = c.clock.AfterFunc(TypingDebounce, func() {
		select {
		case c.expired <- gen:
		case <-c.done:
		}
	})
}

func (c *Controller) handleTypingExpired(gen uint64) {
	if gen != c.typingGen || !c.state.LocalTyping {
		return
	}
	c.typingTimer = nil
	c.state.LocalTyping = false
	c.publish(TypeTyping, NewTypingEvent(c.state.Self, false))
}

func (c *Controller) sendMessage() {
	if c.conn == nil || !c.state.Connected {
		c.log.Warn().Msg("connection not established; message not sent")
		return
	}

	text := c.draft.String()
	c.draft.Clear()
	c.state.Draft = ""
	if strings.TrimSpace(text) == "" {
		return
	}

	msg := NewChatMessage(c.state.Self, text, c.clock.Now())
	c.log.Debug().Str("text", msg.Text).Msg("publishing message")
	c.conn.Publish(RoomName, msg, c.ackFunc(TypeMessage))
}

// publish sends payload when the connection is open.
func (c *Controller) publish(kind string, payload any) {
	if c.conn == nil || !c.state.Connected {
		c.log.Debug().Str("kind", kind).Msg("not connected; skipping publish")
		return
	}
	c.conn.Publish(RoomName, payload, c.ackFunc(kind))
}

func (c *Controller) ackFunc(kind string) func(error) {
	return func(err error) {
		select {
		case c.acks <- publishResult{kind: kind, err: err}:
		case <-c.done:
		}
	}
}

func (c *Controller) handlePublishResult(res publishResult) {
	if res.err != nil {
		c.log.Warn().Err(res.err).Str("kind", res.kind).Msg("publish failed")
		return
	}
	c.log.Debug().Str("kind", res.kind).Msg("publish acknowledged")
}

func (c *Controller) render() {
	view := Render(c.state)
	for _, i := range view.Skipped {
		if i >= c.renderedMessages {
			c.log.Warn().Int("index", i).Msg("skipping message with missing fields")
		}
	}
	c.renderedMessages = len(c.state.Messages)
	if c.opts.Renderer == nil {
		return
	}
	if err := c.opts.Renderer.Render(view); err != nil {
		c.log.Debug().Err(err).Msg("render failed")
	}
}
