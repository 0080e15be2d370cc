package chat

import (
	"strings"

	"github.com/samber/lo"
)

const (
	emptyPlaceholder = "No messages yet"
	maxTypingNames   = 3
)

// MessageRow is one rendered chat line.
type MessageRow struct {
	Sender    string
	Text      string
	Color     string
	Timestamp string
	Own       bool
}

// View is everything a painter needs to draw one frame.
type View struct {
	Self            Participant
	Connected       bool
	Rows            []MessageRow
	Placeholder     string
	Typing          string
	Draft           string
	EmojiPickerOpen bool
	Emojis          []string

	// Skipped holds the indexes of stored messages left out for missing fields.
	Skipped []int
}

// Render derives a View from s. It has no side effects.
func Render(s State) View {
	v := View{
		Self:            s.Self,
		Connected:       s.Connected,
		Draft:           s.Draft,
		EmojiPickerOpen: s.EmojiPickerOpen,
		Typing:          TypingLine(s.TypingUsers, s.Self.DisplayName),
	}
	if s.EmojiPickerOpen {
		v.Emojis = EmojiPalette
	}

	for i, msg := range s.Messages {
		if msg.Sender == "" || msg.Text == "" {
			v.Skipped = append(v.Skipped, i)
			continue
		}
		v.Rows = append(v.Rows, MessageRow{
			Sender:    msg.Sender,
			Text:      msg.Text,
			Color:     msg.Color,
			Timestamp: msg.Timestamp,
			Own:       msg.Sender == s.Self.DisplayName,
		})
	}
	if len(v.Rows) == 0 {
		v.Placeholder = emptyPlaceholder
	}
	return v
}

// TypingLine summarises who is typing, leaving out self.
func TypingLine(users []string, self string) string {
	names := lo.Without(users, self)
	switch n := len(names); {
	case n == 0:
		return ""
	case n == 1:
		return names[0] + " is typing..."
	case n <= maxTypingNames:
		return strings.Join(names[:n-1], ", ") + " and " + names[n-1] + " are typing..."
	default:
		return strings.Join(names[:maxTypingNames], ", ") + " and more are typing..."
	}
}
