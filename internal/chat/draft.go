package chat

// draft is the text the user is composing. It is owned by the controller loop.
type draft struct {
	data []rune
}

func newDraft(capacity int) *draft {
	if capacity <= 0 {
		capacity = 128
	}
	return &draft{data: make([]rune, 0, capacity)}
}

func (d *draft) Append(s string) {
	d.data = append(d.data, []rune(s)...)
}

// variationSelector16 asks for emoji presentation of the rune before it.
const variationSelector16 = '\uFE0F'

// TrimLast removes the last character and reports whether anything was
// removed. A trailing emoji presentation selector goes with its base rune.
func (d *draft) TrimLast() bool {
	n := len(d.data)
	if n == 0 {
		return false
	}
	if n > 1 && d.data[n-1] == variationSelector16 {
		n--
	}
	d.data = d.data[:n-1]
	return true
}

func (d *draft) Clear() {
	d.data = d.data[:0]
}

func (d *draft) String() string {
	return string(d.data)
}
