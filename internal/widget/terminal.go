package widget

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/gookit/color"

	"github.com/ledzpl/relaychat/internal/chat"
)

const (
	seqCursorHome  = "\033[H"
	seqClearScreen = "\033[2J"
	seqClearLine   = "\033[K"
	seqDim         = "\033[2m"
	seqReset       = "\033[0m"
	bell           = "\a"
	crlf           = "\r\n"
)

// sessionWriter serialises writes from the controller loop and the input loop.
type sessionWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newSessionWriter(w io.Writer) *sessionWriter {
	return &sessionWriter{w: w}
}

func (w *sessionWriter) writeString(s string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, err := io.WriteString(w.w, s)
	return err
}

// terminalUI paints chat views onto an ANSI terminal.
type terminalUI struct {
	writer *sessionWriter
}

func newTerminalUI(writer *sessionWriter) *terminalUI {
	return &terminalUI{writer: writer}
}

// Render implements chat.Renderer with a full repaint.
func (ui *terminalUI) Render(v chat.View) error {
	return ui.writer.writeString(paint(v))
}

// Notify implements chat.Notifier by ringing the terminal bell.
func (ui *terminalUI) Notify() error {
	if err := ui.writer.writeString(bell); err != nil {
		return fmt.Errorf("ring bell: %w", err)
	}
	return nil
}

// DisplaySystem prints a one-off line below the current frame.
func (ui *terminalUI) DisplaySystem(msg string) error {
	return ui.writer.writeString("\r" + seqClearLine + "[system] " + msg + crlf)
}

func paint(v chat.View) string {
	var b strings.Builder
	b.WriteString(seqClearScreen + seqCursorHome)

	b.WriteString(header(v) + crlf + crlf)

	if v.Placeholder != "" {
		b.WriteString(seqDim + v.Placeholder + seqReset + crlf)
	}
	for _, row := range v.Rows {
		b.WriteString(formatRow(row) + crlf)
	}

	b.WriteString(crlf)
	if v.Typing != "" {
		b.WriteString(seqDim + v.Typing + seqReset)
	}
	b.WriteString(crlf)

	if v.EmojiPickerOpen {
		cells := make([]string, 0, len(v.Emojis))
		for i, glyph := range v.Emojis {
			cells = append(cells, fmt.Sprintf("%d:%s", i+1, glyph))
		}
		b.WriteString(strings.Join(cells, "  ") + crlf)
	}

	b.WriteString("> " + v.Draft + seqClearLine)
	return b.String()
}

func header(v chat.View) string {
	status := "connecting..."
	if v.Connected {
		status = "connected"
	}
	name := color.HEX(v.Self.Color).Sprint(v.Self.DisplayName)
	return fmt.Sprintf("#%s | %s as %s | Enter send, Ctrl+E emoji, Ctrl+D quit", chat.RoomName, status, name)
}

func formatRow(row chat.MessageRow) string {
	name := color.HEX(row.Color).Sprint(row.Sender)
	if row.Own {
		name += " (you)"
	}
	if row.Timestamp == "" {
		return fmt.Sprintf("%s: %s", name, row.Text)
	}
	return fmt.Sprintf("[%s] %s: %s", row.Timestamp, name, row.Text)
}
