package relay

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// ServerOption customises a Server.
type ServerOption func(*Server)

// WithHistory replays the last limit messages of a room to each new subscriber.
func WithHistory(h *History, limit int) ServerOption {
	return func(s *Server) {
		s.history = h
		s.historyLimit = limit
	}
}

// WithAcceptTimeout bounds the wait for a new peer's handshake frame.
func WithAcceptTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.acceptTimeout = d
		}
	}
}

// Server is a development relay: one channel, any number of rooms, every
// publish fanned out to all subscribers of the room including the publisher.
type Server struct {
	channel string
	log     zerolog.Logger

	history       *History
	historyLimit  int
	acceptTimeout time.Duration

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	peers map[*peer]struct{}
	rooms map[string]map[*peer]struct{}
	wg    sync.WaitGroup
}

type peer struct {
	id         string
	clientData json.RawMessage
	conn       *websocket.Conn
	writeMu    sync.Mutex
}

func (p *peer) send(f frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteJSON(f)
}

// NewServer constructs a relay serving channel.
func NewServer(channel string, logger zerolog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		channel:       channel,
		log:           logger.With().Str("component", "relay-server").Logger(),
		acceptTimeout: defaultHandshakeTimeout,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers: make(map[*peer]struct{}),
		rooms: make(map[string]map[*peer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the relay HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/relay", s.handleRelay)
	r.Get("/health", s.handleHealth)
	return r
}

type healthResponse struct {
	Channel string         `json:"channel"`
	Peers   int            `json:"peers"`
	Rooms   map[string]int `json:"rooms"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	resp := healthResponse{Channel: s.channel, Peers: len(s.peers), Rooms: make(map[string]int, len(s.rooms))}
	for room, members := range s.rooms {
		resp.Rooms[room] = len(members)
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.wg.Add(1)
	defer s.wg.Done()

	p, ok := s.accept(conn)
	if !ok {
		_ = conn.Close()
		return
	}
	defer s.drop(p)

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		s.handleFrame(p, f)
	}
}

// accept performs the handshake and registers the peer.
func (s *Server) accept(conn *websocket.Conn) (*peer, bool) {
	var hello frame
	_ = conn.SetReadDeadline(time.Now().Add(s.acceptTimeout))
	if err := conn.ReadJSON(&hello); err != nil {
		s.log.Debug().Err(err).Msg("no handshake from peer")
		return nil, false
	}
	_ = conn.SetReadDeadline(time.Time{})
	if hello.Type != frameHandshake || hello.Channel != s.channel {
		_ = conn.WriteJSON(frame{Type: frameError, Error: "unknown channel"})
		s.log.Warn().Str("channel", hello.Channel).Msg("rejected handshake")
		return nil, false
	}

	p := &peer{id: uuid.NewString(), clientData: hello.ClientData, conn: conn}
	if err := p.send(frame{Type: frameHandshake, ClientID: p.id}); err != nil {
		return nil, false
	}

	s.mu.Lock()
	s.peers[p] = struct{}{}
	s.mu.Unlock()

	s.log.Info().Str("client_id", p.id).RawJSON("client_data", orNull(p.clientData)).Msg("peer connected")
	return p, true
}

func (s *Server) handleFrame(p *peer, f frame) {
	switch f.Type {
	case frameSubscribe:
		s.subscribe(p, f.Room)
		s.ack(p, f.Callback, "")
	case framePublish:
		if f.Room == "" {
			s.ack(p, f.Callback, "room required")
			return
		}
		s.publish(p, f.Room, f.Message)
		s.ack(p, f.Callback, "")
	default:
		_ = p.send(frame{Type: frameError, Error: "unsupported frame " + f.Type, Callback: f.Callback})
	}
}

func (s *Server) subscribe(p *peer, room string) {
	if room == "" {
		return
	}
	s.mu.Lock()
	members, ok := s.rooms[room]
	if !ok {
		members = make(map[*peer]struct{})
		s.rooms[room] = members
	}
	_, joined := members[p]
	members[p] = struct{}{}
	s.mu.Unlock()

	// A repeated subscribe on the same socket already has the backlog.
	if joined || s.history == nil || s.historyLimit <= 0 {
		return
	}
	backlog, err := s.history.Recent(room, s.historyLimit)
	if err != nil {
		s.log.Warn().Err(err).Str("room", room).Msg("load history failed")
		return
	}
	for _, msg := range backlog {
		if err := p.send(frame{Type: framePublish, Room: room, Message: msg}); err != nil {
			return
		}
	}
}

func (s *Server) publish(from *peer, room string, msg json.RawMessage) {
	s.mu.RLock()
	targets := make([]*peer, 0, len(s.rooms[room]))
	for p := range s.rooms[room] {
		targets = append(targets, p)
	}
	s.mu.RUnlock()

	if s.history != nil {
		if err := s.history.Append(room, msg); err != nil {
			s.log.Debug().Err(err).Msg("persist message")
		}
	}

	out := frame{Type: framePublish, Room: room, Message: msg, ClientID: from.id}
	for _, p := range targets {
		if err := p.send(out); err != nil {
			s.log.Debug().Err(err).Str("client_id", p.id).Msg("deliver failed")
		}
	}
}

func (s *Server) ack(p *peer, cb uint64, errText string) {
	if cb == 0 {
		return
	}
	_ = p.send(frame{Type: frameAck, Callback: cb, Error: errText})
}

func (s *Server) drop(p *peer) {
	s.mu.Lock()
	delete(s.peers, p)
	for room, members := range s.rooms {
		delete(members, p)
		if len(members) == 0 {
			delete(s.rooms, room)
		}
	}
	s.mu.Unlock()

	_ = p.conn.Close()
	s.log.Info().Str("client_id", p.id).Msg("peer disconnected")
}

// Rooms lists the rooms with at least one subscriber.
func (s *Server) Rooms() []string {
	s.mu.RLock()
	rooms := make([]string, 0, len(s.rooms))
	for room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.mu.RUnlock()
	sort.Strings(rooms)
	return rooms
}

// Subscribers counts the peers subscribed to room.
func (s *Server) Subscribers(room string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[room])
}

// CloseAll sends a going-away close to every peer (used during shutdown).
func (s *Server) CloseAll() {
	s.mu.RLock()
	peers := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.RUnlock()

	deadline := time.Now().Add(time.Second)
	for _, p := range peers {
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), deadline)
		_ = p.conn.Close()
	}
}

// Wait blocks until every peer handler has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

func orNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
