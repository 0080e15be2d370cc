package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Wire type discriminators.
const (
	TypeMessage = "message"
	TypeTyping  = "typing"
)

var (
	// ErrInvalidPayload marks relay data that is not a usable event.
	ErrInvalidPayload = errors.New("chat: invalid payload")
	// ErrUnknownType marks a well-formed payload whose type this client does not handle.
	ErrUnknownType = errors.New("chat: unknown payload type")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Inbound is a decoded relay payload: either ChatMessage or TypingEvent.
type Inbound interface {
	inboundType() string
}

// ChatMessage is one line of chat. Once appended to the message list it is
// never changed.
type ChatMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text" validate:"required"`
	Sender    string `json:"sender" validate:"required"`
	Color     string `json:"color,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

func (ChatMessage) inboundType() string { return TypeMessage }

// TypingEvent reports that Sender started or stopped typing.
type TypingEvent struct {
	Type     string `json:"type"`
	Sender   string `json:"sender"`
	IsTyping bool   `json:"isTyping"`
}

func (TypingEvent) inboundType() string { return TypeTyping }

// typingPayload keeps IsTyping as a pointer so a missing field can be told apart from false.
type typingPayload struct {
	Sender   string `json:"sender" validate:"required"`
	IsTyping *bool  `json:"isTyping" validate:"required"`
}

// NewChatMessage builds an outgoing message from self.
func NewChatMessage(self Participant, text string, now time.Time) ChatMessage {
	return ChatMessage{
		Type:      TypeMessage,
		Text:      text,
		Sender:    self.DisplayName,
		Color:     self.Color,
		Timestamp: FormatTimestamp(now),
	}
}

// NewTypingEvent builds an outgoing typing status for self.
func NewTypingEvent(self Participant, typing bool) TypingEvent {
	return TypingEvent{Type: TypeTyping, Sender: self.DisplayName, IsTyping: typing}
}

// FormatTimestamp renders t as "Today at HH:MM" on a 24-hour clock.
func FormatTimestamp(t time.Time) string {
	return "Today at " + t.Format("15:04")
}

// DecodeInbound validates an arbitrary relay payload. It never panics; every
// malformed input yields ErrInvalidPayload and unrecognised types ErrUnknownType.
func DecodeInbound(raw json.RawMessage) (Inbound, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrInvalidPayload)
	}

	rawType, ok := fields["type"]
	if !ok {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidPayload)
	}
	var kind string
	if err := json.Unmarshal(rawType, &kind); err != nil {
		return nil, fmt.Errorf("%w: type is not a string", ErrInvalidPayload)
	}

	switch kind {
	case TypeMessage:
		var msg ChatMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if err := validate.Struct(msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return msg, nil
	case TypeTyping:
		var p typingPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		if err := validate.Struct(p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
		return TypingEvent{Type: TypeTyping, Sender: p.Sender, IsTyping: *p.IsTyping}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
	}
}
