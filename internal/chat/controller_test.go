package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/ledzpl/relaychat/internal/relay"
	"github.com/ledzpl/relaychat/internal/relay/mocks"
)

var alice = Participant{ID: "id-alice", DisplayName: "Alice", Color: "#1e90ff"}

type countingNotifier struct {
	calls int
	err   error
}

func (n *countingNotifier) Notify() error {
	n.calls++
	return n.err
}

type recordingRenderer struct {
	views chan View
}

func (r *recordingRenderer) Render(v View) error {
	select {
	case r.views <- v:
	default:
	}
	return nil
}

// mountedController returns a controller wired to conn as if Run had mounted it.
func mountedController(conn relay.Conn, clk clock.Clock, notifier Notifier) *Controller {
	c := NewController(Options{Clock: clk, Notifier: notifier, Logger: zerolog.Nop()})
	c.state.Self = alice
	c.conn = conn
	return c
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestInboundMessageAppendsInOrder(t *testing.T) {
	c := mountedController(nil, clock.NewMock(), nil)

	for _, text := range []string{"one", "two", "three"} {
		before := len(c.state.Messages)
		c.handleRelayEvent(relay.Event{Kind: relay.EventData, Room: RoomName, Data: rawJSON(t, map[string]any{
			"type": "message", "sender": "Bob", "text": text, "color": "#ff4500",
		})})
		require.Len(t, c.state.Messages, before+1)
	}

	require.Equal(t, "one", c.state.Messages[0].Text)
	require.Equal(t, "two", c.state.Messages[1].Text)
	require.Equal(t, "three", c.state.Messages[2].Text)
}

func TestInboundMalformedPayloadsAreDiscarded(t *testing.T) {
	c := mountedController(nil, clock.NewMock(), nil)

	payloads := []string{
		`null`,
		`"hello"`,
		`[1,2,3]`,
		`{}`,
		`{"type":42}`,
		`{"type":"message","text":"no sender"}`,
		`{"type":"message","sender":"Bob"}`,
		`{"type":"message","sender":"","text":"empty sender"}`,
		`{"type":"message","sender":"Bob","text":""}`,
		`{"type":"message","sender":7,"text":"wrong type"}`,
		`{"type":"typing","sender":"Bob"}`,
		`{"type":"typing","isTyping":true}`,
		`{"type":"presence","sender":"Bob"}`,
		`not json at all`,
	}
	for _, p := range payloads {
		c.handleInbound(json.RawMessage(p))
	}

	require.Empty(t, c.state.Messages)
	require.Empty(t, c.state.TypingUsers)
}

func TestInboundMessageNotificationNeedsInteraction(t *testing.T) {
	notifier := &countingNotifier{}
	c := mountedController(nil, clock.NewMock(), notifier)
	hey := json.RawMessage(`{"type":"message","sender":"Bob","text":"hey"}`)

	// Given the user never touched the input
	c.handleInbound(hey)

	// Then the message is appended silently
	require.Len(t, c.state.Messages, 1)
	require.Zero(t, notifier.calls)

	// Given the user has interacted once
	c.state.Interacted = true
	notifier.err = errors.New("audio device busy")
	c.handleInbound(hey)

	// Then the sound is attempted and its failure does not block the append
	require.Len(t, c.state.Messages, 2)
	require.Equal(t, 1, notifier.calls)
}

func TestTypingUsersSet(t *testing.T) {
	c := mountedController(nil, clock.NewMock(), nil)
	typing := func(sender string, on bool) {
		c.handleInbound(rawJSON(t, TypingEvent{Type: TypeTyping, Sender: sender, IsTyping: on}))
	}

	typing("Bob", true)
	typing("Bob", true)
	typing("Carol", true)
	require.Equal(t, []string{"Bob", "Carol"}, c.state.TypingUsers)

	typing("Bob", false)
	require.Equal(t, []string{"Carol"}, c.state.TypingUsers)

	// Our own echo never shows up.
	typing("Alice", true)
	require.Equal(t, []string{"Carol"}, c.state.TypingUsers)

	typing("Dave", false)
	require.Equal(t, []string{"Carol"}, c.state.TypingUsers)
}

func TestLifecycleEventsDriveConnectionStatus(t *testing.T) {
	c := mountedController(nil, clock.NewMock(), nil)

	c.handleRelayEvent(relay.Event{Kind: relay.EventOpen})
	require.True(t, c.state.Connected)

	c.handleRelayEvent(relay.Event{Kind: relay.EventReconnect})
	require.True(t, c.state.Connected)

	c.handleRelayEvent(relay.Event{Kind: relay.EventClose})
	require.False(t, c.state.Connected)

	c.handleRelayEvent(relay.Event{Kind: relay.EventReconnect})
	require.False(t, c.state.Connected)
}

func TestDataForOtherRoomsIsIgnored(t *testing.T) {
	c := mountedController(nil, clock.NewMock(), nil)

	c.handleRelayEvent(relay.Event{Kind: relay.EventData, Room: "elsewhere",
		Data: json.RawMessage(`{"type":"message","sender":"Bob","text":"hi"}`)})

	require.Empty(t, c.state.Messages)
}

func TestSendMessageWhileDisconnected(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockConn(ctrl)
	c := mountedController(conn, clock.NewMock(), nil)
	c.draft.Append("hello")
	c.state.Draft = "hello"

	// No Publish expectation: any call fails the test.
	c.handleInput(inputEvent{kind: inputSubmit})

	require.Equal(t, "hello", c.state.Draft)
	require.Equal(t, "hello", c.draft.String())
}

func TestSendMessageWhileConnected(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockConn(ctrl)
	clk := clock.NewMock()
	clk.Set(time.Date(2024, 3, 1, 9, 5, 0, 0, time.UTC))

	c := mountedController(conn, clk, nil)
	c.state.Connected = true
	c.draft.Append("hello")
	c.state.Draft = "hello"

	conn.EXPECT().
		Publish(RoomName, ChatMessage{
			Type:      TypeMessage,
			Text:      "hello",
			Sender:    "Alice",
			Color:     "#1e90ff",
			Timestamp: "Today at 09:05",
		}, gomock.Any()).
		Times(1)

	c.handleInput(inputEvent{kind: inputSubmit})

	require.Empty(t, c.state.Draft)
	require.Empty(t, c.draft.String())
	// The message list only grows from relay data, including our own echo.
	require.Empty(t, c.state.Messages)
}

func TestSendBlankDraftClearsWithoutPublishing(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockConn(ctrl)
	c := mountedController(conn, clock.NewMock(), nil)
	c.state.Connected = true
	c.draft.Append("   ")
	c.state.Draft = "   "

	c.handleInput(inputEvent{kind: inputSubmit})

	require.Empty(t, c.state.Draft)
}

func TestTypingDebouncePublishesStopOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockConn(ctrl)
	clk := clock.NewMock()
	c := mountedController(conn, clk, nil)
	c.state.Connected = true

	start := conn.EXPECT().Publish(RoomName, NewTypingEvent(alice, true), gomock.Any()).Times(2)
	conn.EXPECT().Publish(RoomName, NewTypingEvent(alice, false), gomock.Any()).Times(1).After(start)

	// When the user types "hi"
	c.handleInput(inputEvent{kind: inputPress, text: "h"})
	c.handleInput(inputEvent{kind: inputPress, text: "i"})
	require.Equal(t, "hi", c.state.Draft)
	require.True(t, c.state.LocalTyping)

	// And pauses for 2100ms
	clk.Add(2100 * time.Millisecond)

	// Then exactly one timer fires
	select {
	case gen := <-c.expired:
		c.handleTypingExpired(gen)
	case <-time.After(time.Second):
		t.Fatal("typing timer did not fire")
	}
	require.False(t, c.state.LocalTyping)

	clk.Add(10 * time.Second)
	select {
	case gen := <-c.expired:
		t.Fatalf("unexpected second timer firing (generation %d)", gen)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTypingTimerResetsOnEachKeystroke(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockConn(ctrl)
	clk := clock.NewMock()
	c := mountedController(conn, clk, nil)
	c.state.Connected = true

	conn.EXPECT().Publish(RoomName, NewTypingEvent(alice, true), gomock.Any()).Times(2)

	c.handleInput(inputEvent{kind: inputPress, text: "a"})
	clk.Add(1500 * time.Millisecond)
	c.handleInput(inputEvent{kind: inputPress, text: "b"})
	clk.Add(1500 * time.Millisecond)

	// 3s since the first key but only 1.5s since the last one.
	select {
	case gen := <-c.expired:
		t.Fatalf("timer fired early (generation %d)", gen)
	case <-time.After(50 * time.Millisecond):
	}
	require.True(t, c.state.LocalTyping)
}

func TestStaleTypingExpiryIsIgnored(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockConn(ctrl)
	c := mountedController(conn, clock.NewMock(), nil)
	c.state.Connected = true

	conn.EXPECT().Publish(RoomName, NewTypingEvent(alice, true), gomock.Any()).Times(2)

	c.handleInput(inputEvent{kind: inputPress, text: "a"})
	stale := c.typingGen
	c.handleInput(inputEvent{kind: inputPress, text: "b"})

	c.handleTypingExpired(stale)
	require.True(t, c.state.LocalTyping)
}

func TestKeystrokeWhileDisconnectedSkipsPublish(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockConn(ctrl)
	c := mountedController(conn, clock.NewMock(), nil)

	c.handleInput(inputEvent{kind: inputPress, text: "x"})

	require.Equal(t, "x", c.state.Draft)
	require.True(t, c.state.Interacted)
}

func TestBackspaceOnEmptyDraftIsNotAKeystroke(t *testing.T) {
	c := mountedController(nil, clock.NewMock(), nil)

	c.handleInput(inputEvent{kind: inputBackspace})

	require.False(t, c.state.Interacted)
	require.Nil(t, c.typingTimer)
}

func TestEmojiPicker(t *testing.T) {
	c := mountedController(nil, clock.NewMock(), nil)
	c.draft.Append("hi ")
	c.state.Draft = "hi "

	c.handleInput(inputEvent{kind: inputToggleEmoji})
	require.True(t, c.state.EmojiPickerOpen)

	// While open, digits pick glyphs instead of typing.
	c.handleInput(inputEvent{kind: inputPress, text: "4"})
	require.Equal(t, "hi "+EmojiPalette[3], c.state.Draft)
	require.False(t, c.state.EmojiPickerOpen)
	require.True(t, c.state.Interacted)

	c.handleInput(inputEvent{kind: inputToggleEmoji})
	c.handleInput(inputEvent{kind: inputPickEmoji, index: len(EmojiPalette)})
	require.True(t, c.state.EmojiPickerOpen)

	c.handleInput(inputEvent{kind: inputCloseEmoji})
	require.False(t, c.state.EmojiPickerOpen)
}

func TestBackspaceRemovesWholePickedEmoji(t *testing.T) {
	for i, glyph := range EmojiPalette {
		c := mountedController(nil, clock.NewMock(), nil)
		c.draft.Append("hi")

		c.handleInput(inputEvent{kind: inputPickEmoji, index: i})
		require.Equal(t, "hi"+glyph, c.state.Draft)

		c.handleInput(inputEvent{kind: inputBackspace})
		require.Equal(t, "hi", c.state.Draft, "glyph %q", glyph)
	}
}

func TestSkippedMessageWarnsOnce(t *testing.T) {
	var logs bytes.Buffer
	c := NewController(Options{Clock: clock.NewMock(), Logger: zerolog.New(&logs)})
	c.state.Self = alice
	c.state.Messages = []ChatMessage{{Sender: "Bob", Text: "ok"}, {Sender: "Bob"}}

	c.render()
	c.render()
	require.Equal(t, 1, strings.Count(logs.String(), "skipping message with missing fields"))

	c.state.Messages = append(c.state.Messages, ChatMessage{Text: "orphan"})
	c.render()
	c.render()
	require.Equal(t, 2, strings.Count(logs.String(), "skipping message with missing fields"))
	require.Contains(t, logs.String(), `"index":2`)
}

func TestRunMountsAndUnmounts(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockConn(ctrl)
	events := make(chan relay.Event, 8)
	renderer := &recordingRenderer{views: make(chan View, 64)}

	var dialed relay.Options
	c := NewController(Options{
		RelayURL: "ws://relay.test/relay",
		Channel:  "test-channel",
		Dialer: func(ctx context.Context, opts relay.Options) (relay.Conn, error) {
			dialed = opts
			return conn, nil
		},
		Renderer: renderer,
		Clock:    clock.NewMock(),
		Names:    StaticPicker("Alice"),
		Colors:   StaticPicker("#1e90ff"),
		Logger:   zerolog.Nop(),
	})

	conn.EXPECT().Subscribe(RoomName).Return(nil)
	conn.EXPECT().Events().Return(events)
	conn.EXPECT().Close().Return(nil).Times(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	events <- relay.Event{Kind: relay.EventOpen}
	events <- relay.Event{Kind: relay.EventData, Room: RoomName,
		Data: json.RawMessage(`{"type":"message","sender":"Bob","text":"hey"}`)}

	require.Eventually(t, func() bool {
		s, err := c.Snapshot(ctx)
		return err == nil && s.Connected && len(s.Messages) == 1
	}, time.Second, 10*time.Millisecond)

	s, err := c.Snapshot(ctx)
	require.NoError(t, err)
	require.Equal(t, "Alice", s.Self.DisplayName)
	require.NotEmpty(t, s.Self.ID)
	require.Equal(t, "test-channel", dialed.Channel)
	require.Equal(t, "ws://relay.test/relay", dialed.URL)
	require.Equal(t, s.Self, dialed.ClientData)
	require.NotEmpty(t, renderer.views)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("controller did not stop")
	}

	_, err = c.Snapshot(context.Background())
	require.Error(t, err)
}

func TestRunClosesConnectionWhenSubscribeFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockConn(ctrl)

	c := NewController(Options{
		Dialer: func(ctx context.Context, opts relay.Options) (relay.Conn, error) { return conn, nil },
		Clock:  clock.NewMock(),
		Logger: zerolog.Nop(),
	})

	conn.EXPECT().Subscribe(RoomName).Return(relay.ErrClosed)
	conn.EXPECT().Close().Return(nil).Times(1)

	err := c.Run(context.Background())
	require.ErrorIs(t, err, relay.ErrClosed)
}

func TestRunStopsWhenEventStreamEnds(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := mocks.NewMockConn(ctrl)
	events := make(chan relay.Event)
	close(events)

	c := NewController(Options{
		Dialer: func(ctx context.Context, opts relay.Options) (relay.Conn, error) { return conn, nil },
		Clock:  clock.NewMock(),
		Logger: zerolog.Nop(),
	})

	conn.EXPECT().Subscribe(RoomName).Return(nil)
	conn.EXPECT().Events().Return(events)
	conn.EXPECT().Close().Return(nil).Times(1)

	require.NoError(t, c.Run(context.Background()))
}

func TestRunFailsWithoutDialer(t *testing.T) {
	c := NewController(Options{Logger: zerolog.Nop()})
	require.Error(t, c.Run(context.Background()))
}

func TestRunReportsDialError(t *testing.T) {
	c := NewController(Options{
		Dialer: func(ctx context.Context, opts relay.Options) (relay.Conn, error) {
			return nil, errors.New("no route")
		},
		Logger: zerolog.Nop(),
	})
	require.ErrorContains(t, c.Run(context.Background()), "no route")
}
