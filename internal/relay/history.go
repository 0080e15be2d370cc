package relay

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/cockroachdb/pebble/v2"
	"github.com/rs/zerolog"
)

// History persists published room messages in a PebbleDB key-value store.
// Keys are the room name, a zero byte, then an 8-byte big-endian sequence
// number that increases monotonically per room.
type History struct {
	db *pebble.DB

	mu   sync.Mutex
	next map[string]uint64
}

// OpenHistory opens (or creates) the store at dir. Pebble's own messages go to logger.
func OpenHistory(dir string, logger zerolog.Logger) (*History, error) {
	if dir == "" {
		return nil, fmt.Errorf("relay: history dir required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("relay: create history dir: %w", err)
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{
		Logger: pebbleLogger{log: logger.With().Str("component", "pebble").Logger()},
	})
	if err != nil {
		return nil, fmt.Errorf("relay: open history: %w", err)
	}
	return &History{db: db, next: make(map[string]uint64)}, nil
}

// Append stores msg as the newest entry of room.
func (h *History) Append(room string, msg json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	seq, ok := h.next[room]
	if !ok {
		last, err := h.lastSeq(room)
		if err != nil {
			return err
		}
		seq = last
	}
	h.next[room] = seq + 1

	return h.db.Set(roomKey(room, seq), msg, pebble.Sync)
}

// Recent returns up to limit of the newest messages of room, oldest first.
func (h *History) Recent(room string, limit int) ([]json.RawMessage, error) {
	if limit <= 0 {
		return nil, nil
	}

	it, err := h.db.NewIter(roomBounds(room))
	if err != nil {
		return nil, fmt.Errorf("relay: history iterator: %w", err)
	}
	defer func() { _ = it.Close() }()

	out := make([]json.RawMessage, 0, limit)
	for it.Last(); it.Valid() && len(out) < limit; it.Prev() {
		out = append(out, slices.Clone(it.Value()))
	}
	slices.Reverse(out)
	return out, nil
}

// Close flushes and closes the store.
func (h *History) Close() error {
	return h.db.Close()
}

// lastSeq returns the sequence number following the newest stored key of room.
func (h *History) lastSeq(room string) (uint64, error) {
	it, err := h.db.NewIter(roomBounds(room))
	if err != nil {
		return 0, fmt.Errorf("relay: history iterator: %w", err)
	}
	defer func() { _ = it.Close() }()

	if !it.Last() {
		return 0, nil
	}
	key := it.Key()
	if len(key) < 8 {
		return 0, nil
	}
	return binary.BigEndian.Uint64(key[len(key)-8:]) + 1, nil
}

func roomKey(room string, seq uint64) []byte {
	key := make([]byte, 0, len(room)+9)
	key = append(key, room...)
	key = append(key, 0)
	return binary.BigEndian.AppendUint64(key, seq)
}

func roomBounds(room string) *pebble.IterOptions {
	lower := append([]byte(room), 0)
	upper := append([]byte(room), 1)
	return &pebble.IterOptions{LowerBound: lower, UpperBound: upper}
}

// pebbleLogger routes Pebble's printf-style logging into zerolog. Pebble is
// chatty at info level, so that maps to debug.
type pebbleLogger struct {
	log zerolog.Logger
}

func (l pebbleLogger) Infof(format string, args ...any) {
	l.log.Debug().Msgf(format, args...)
}

func (l pebbleLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(format, args...)
}

func (l pebbleLogger) Fatalf(format string, args ...any) {
	l.log.Fatal().Msgf(format, args...)
}
