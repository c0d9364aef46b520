package web

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/treecore/trim/internal/logic/capture"
)

// StatusEvent is one message on the status stream. Kind and Data are set for
// structured events (e.g. "scan" progress); plain log lines only carry Msg.
type StatusEvent struct {
	Time  string      `json:"t"`
	Level string      `json:"l,omitempty"`
	Msg   string      `json:"msg"`
	Kind  string      `json:"k,omitempty"`
	Data  interface{} `json:"d,omitempty"`
}

// StatusBroadcaster distributes status messages to multiple SSE clients.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel that receives broadcast messages and a cleanup function.
// The caller must call the returned cleanup when done (e.g. on client disconnect).
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Clients returns the number of subscribers.
func (b *StatusBroadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish sends evt as JSON to all subscribed clients. Slow clients miss
// messages rather than block the publisher.
func (b *StatusBroadcaster) Publish(evt StatusEvent) {
	if evt.Time == "" {
		evt.Time = time.Now().Format(time.RFC3339)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}

// Broadcast sends a plain message: {"t":"...","l":"info","msg":"..."}.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.Publish(StatusEvent{Level: level, Msg: msg})
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// BroadcastProgress publishes one frame of a running scan as a "scan" event.
func (b *StatusBroadcaster) BroadcastProgress(p capture.ScanProgress) {
	msg := fmt.Sprintf("Frame %d/%d at %s", p.Frame, p.Total, p.Position.Tag())
	if p.Skipped {
		msg += " skipped (blank)"
	} else if p.Path != "" {
		msg += " saved"
	}
	b.Publish(StatusEvent{Level: "info", Msg: msg, Kind: "scan", Data: p})
}

// BroadcastWriter implements io.Writer; each Write broadcasts the content to SSE clients.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

// broadcastWriter wraps StatusBroadcaster as io.Writer for use with
// debug.SetOutput. The level is taken from the debug tag in the line.
type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg != "" {
		w.b.Broadcast(lineLevel(msg), msg)
	}
	return len(p), nil
}

func lineLevel(line string) string {
	switch {
	case strings.Contains(line, "[ERROR]"):
		return "error"
	case strings.Contains(line, "[WARN]"):
		return "warn"
	}
	return "info"
}
