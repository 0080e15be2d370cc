package chat

import "github.com/google/uuid"

// Participant is the local user's identity for one session. It is sent to the
// relay as handshake client data and never changes after creation.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"name"`
	Color       string `json:"color"`
}

// NewParticipant creates an identity with a fresh random id.
func NewParticipant(names, colors Picker) Participant {
	if names == nil {
		names = NewRandomPicker(DefaultNames)
	}
	if colors == nil {
		colors = NewRandomPicker(DefaultColors)
	}
	return Participant{
		ID:          uuid.NewString(),
		DisplayName: names.Next(),
		Color:       colors.Next(),
	}
}
