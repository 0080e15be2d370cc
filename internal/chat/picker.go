package chat

import (
	"math/rand"
	"sync"
	"time"
)

// Picker chooses a value for a new participant, such as a display name or color.
type Picker interface {
	Next() string
}

// DefaultColors are the display colors handed out to participants.
var DefaultColors = []string{
	"#ff4500", // orange red
	"#1e90ff", // dodger blue
	"#32cd32", // lime green
	"#ff69b4", // hot pink
	"#8a2be2", // blue violet
	"#00ced1", // dark turquoise
}

// DefaultNames are the display names handed out to participants.
var DefaultNames = []string{
	"Madchiller Queen",
	"Dandelionsting Hand",
	"Reddeath Snake",
	"Starburner Dove",
}

// NewRandomPicker picks uniformly from palette. It returns nil for an empty palette.
func NewRandomPicker(palette []string) Picker {
	if len(palette) == 0 {
		return nil
	}
	return &randomPicker{
		palette: append([]string(nil), palette...),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

type randomPicker struct {
	mu      sync.Mutex
	palette []string
	rng     *rand.Rand
}

func (p *randomPicker) Next() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.palette[p.rng.Intn(len(p.palette))]
}

// StaticPicker always returns the same value.
type StaticPicker string

func (p StaticPicker) Next() string {
	return string(p)
}
