package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	eventBuffer             = 64
	closeGracePeriod        = time.Second
)

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithBackOff sets the redial strategy. The factory is called once per outage.
func WithBackOff(fn func() backoff.BackOff) ClientOption {
	return func(c *Client) {
		if fn != nil {
			c.newBackOff = fn
		}
	}
}

// WithHandshakeTimeout bounds the wait for the relay's handshake reply.
func WithHandshakeTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// Client is a websocket connection to the relay. It redials on its own after
// the socket drops and replays its subscriptions once the new socket is open.
type Client struct {
	opts Options
	log  zerolog.Logger

	ws               *websocket.Dialer
	newBackOff       func() backoff.BackOff
	handshakeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}

	mu       sync.Mutex
	conn     *websocket.Conn
	clientID string
	rooms    []string
	pending  map[uint64]func(error)
	nextCB   uint64
	closed   bool

	writeMu sync.Mutex
}

// NewDialer returns a Dialer producing Clients that log through logger.
func NewDialer(logger zerolog.Logger, opts ...ClientOption) Dialer {
	return func(ctx context.Context, o Options) (Conn, error) {
		return Dial(ctx, o, logger, opts...)
	}
}

// Dial validates opts and starts connecting in the background. It returns
// before the socket is open; EventOpen marks the moment publishes are accepted.
// The connection lives until Close is called or ctx is cancelled.
func Dial(ctx context.Context, opts Options, logger zerolog.Logger, clientOpts ...ClientOption) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("relay: url required")
	}
	if opts.Channel == "" {
		return nil, errors.New("relay: channel required")
	}

	var clientData json.RawMessage
	if opts.ClientData != nil {
		raw, err := json.Marshal(opts.ClientData)
		if err != nil {
			return nil, fmt.Errorf("relay: encode client data: %w", err)
		}
		clientData = raw
	}

	c := &Client{
		opts:             opts,
		log:              logger.With().Str("component", "relay-client").Str("channel", opts.Channel).Logger(),
		ws:               websocket.DefaultDialer,
		newBackOff:       func() backoff.BackOff { return backoff.NewExponentialBackOff() },
		handshakeTimeout: defaultHandshakeTimeout,
		events:           make(chan Event, eventBuffer),
		done:             make(chan struct{}),
		pending:          make(map[uint64]func(error)),
	}
	for _, opt := range clientOpts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	go c.run(clientData)
	return c, nil
}

// Events implements Conn.
func (c *Client) Events() <-chan Event {
	return c.events
}

// ClientID returns the id assigned by the relay on the last handshake.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Subscribe implements Conn.
func (c *Client) Subscribe(room string) error {
	if room == "" {
		return errors.New("relay: room required")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !slices.Contains(c.rooms, room) {
		c.rooms = append(c.rooms, room)
	}
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		// Sent once the socket opens.
		return nil
	}
	if err := c.write(conn, frame{Type: frameSubscribe, Room: room}); err != nil {
		return fmt.Errorf("relay: subscribe %q: %w", room, err)
	}
	return nil
}

// Publish implements Conn. done is never invoked on the caller's goroutine.
func (c *Client) Publish(room string, payload any, done func(error)) {
	msg, err := json.Marshal(payload)
	if err != nil {
		c.fail(done, fmt.Errorf("relay: encode payload: %w", err))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.fail(done, ErrClosed)
		return
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		c.fail(done, ErrNotConnected)
		return
	}
	c.nextCB++
	cb := c.nextCB
	if done != nil {
		c.pending[cb] = done
	}
	c.mu.Unlock()

	if err := c.write(conn, frame{Type: framePublish, Room: room, Message: msg, Callback: cb}); err != nil {
		if fn := c.takePending(cb); fn != nil {
			go fn(fmt.Errorf("relay: publish: %w", err))
		}
	}
}

// Close implements Conn. It waits for the background goroutine to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	<-c.done
	return nil
}

func (c *Client) run(clientData json.RawMessage) {
	defer close(c.done)
	defer close(c.events)

	for {
		conn, err := c.connect(clientData)
		if err != nil {
			if c.ctx.Err() == nil {
				c.log.Error().Err(err).Msg("relay unreachable; giving up")
			}
			return
		}

		err = c.serve(conn)
		c.emit(Event{Kind: EventClose})
		if c.ctx.Err() != nil {
			return
		}

		c.log.Warn().Err(err).Msg("relay connection lost")
		c.emit(Event{Kind: EventReconnect})
	}
}

// connect dials and handshakes until it succeeds, the relay rejects the
// handshake, or the client is closed.
func (c *Client) connect(clientData json.RawMessage) (*websocket.Conn, error) {
	attempt := func() (*websocket.Conn, error) {
		conn, _, err := c.ws.DialContext(c.ctx, c.opts.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
		}

		id, err := c.handshake(conn, clientData)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}

		c.mu.Lock()
		c.clientID = id
		c.mu.Unlock()
		return conn, nil
	}

	return backoff.Retry(c.ctx, attempt,
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Debug().Err(err).Dur("retry_in", next).Msg("relay dial failed")
		}),
	)
}

func (c *Client) handshake(conn *websocket.Conn, clientData json.RawMessage) (string, error) {
	req := frame{Type: frameHandshake, Channel: c.opts.Channel, ClientData: clientData}
	if err := c.write(conn, req); err != nil {
		return "", fmt.Errorf("send handshake: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.handshakeTimeout))
	var resp frame
	if err := conn.ReadJSON(&resp); err != nil {
		return "", fmt.Errorf("read handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch resp.Type {
	case frameHandshake:
		return resp.ClientID, nil
	case frameError:
		return "", backoff.Permanent(fmt.Errorf("relay: handshake rejected: %s", resp.Error))
	default:
		return "", fmt.Errorf("relay: unexpected handshake reply %q", resp.Type)
	}
}

// serve owns conn until it fails or the client is closed.
func (c *Client) serve(conn *websocket.Conn) error {
	stop := context.AfterFunc(c.ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		_ = conn.Close()
	})
	defer stop()
	defer c.detach(conn)

	c.mu.Lock()
	c.conn = conn
	rooms := slices.Clone(c.rooms)
	c.mu.Unlock()

	c.log.Info().Str("client_id", c.ClientID()).Msg("connected to relay")
	c.emit(Event{Kind: EventOpen})

	for _, room := range rooms {
		if err := c.write(conn, frame{Type: frameSubscribe, Room: room}); err != nil {
			return fmt.Errorf("resubscribe %q: %w", room, err)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.log.Warn().Err(err).Msg("discarding undecodable relay frame")
			continue
		}
		c.dispatch(f)
	}
}

func (c *Client) dispatch(f frame) {
	switch f.Type {
	case framePublish:
		c.emit(Event{Kind: EventData, Room: f.Room, ClientID: f.ClientID, Data: f.Message})
	case frameAck:
		if fn := c.takePending(f.Callback); fn != nil {
			if f.Error != "" {
				fn(fmt.Errorf("relay: %s", f.Error))
			} else {
				fn(nil)
			}
		}
	case frameError:
		c.log.Warn().Str("error", f.Error).Uint64("callback", f.Callback).Msg("relay reported error")
		if fn := c.takePending(f.Callback); fn != nil {
			fn(fmt.Errorf("relay: %s", f.Error))
		}
	default:
		c.log.Debug().Str("type", f.Type).Msg("ignoring relay frame")
	}
}

// detach forgets conn and fails every publish still waiting for an ack.
func (c *Client) detach(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	pending := c.pending
	c.pending = make(map[uint64]func(error))
	c.mu.Unlock()

	for _, fn := range pending {
		fn(ErrConnectionLost)
	}
}

func (c *Client) takePending(cb uint64) func(error) {
	if cb == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fn, ok := c.pending[cb]
	if ok {
		delete(c.pending, cb)
	}
	return fn
}

func (c *Client) write(conn *websocket.Conn, f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(f)
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Client) fail(done func(error), err error) {
	if done != nil {
		go done(err)
	}
}
