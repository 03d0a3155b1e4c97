package web

import (
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// historySize is the number of recent events replayed to a new subscriber.
const historySize = 50

// StatusEvent is one status line sent over SSE.
type StatusEvent struct {
	Time  string `json:"t"`
	Level string `json:"l,omitempty"`
	Msg   string `json:"msg"`
}

// StatusBroadcaster fans status lines out to SSE clients and keeps a short
// history so a console opened mid-run sees recent progress.
type StatusBroadcaster struct {
	mu      sync.RWMutex
	clients map[chan string]struct{}
	history []string
}

// NewStatusBroadcaster creates a new broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		clients: make(map[chan string]struct{}),
	}
}

// Subscribe returns a channel of JSON-encoded events, primed with the recent
// history, and a cleanup function the caller must run on disconnect.
func (b *StatusBroadcaster) Subscribe() (<-chan string, func()) {
	ch := make(chan string, 64+historySize)
	b.mu.Lock()
	for _, payload := range b.history {
		ch <- payload
	}
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

// Broadcast sends an event to every subscriber. Slow clients miss messages
// rather than block the robot.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	evt := StatusEvent{
		Time:  time.Now().Format(time.RFC3339),
		Level: level,
		Msg:   msg,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	payload := string(data)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.history = append(b.history, payload)
	if len(b.history) > historySize {
		b.history = b.history[len(b.history)-historySize:]
	}
	for ch := range b.clients {
		select {
		case ch <- payload:
		default:
		}
	}
}

// BroadcastMsg is a convenience for level "info".
func (b *StatusBroadcaster) BroadcastMsg(msg string) {
	b.Broadcast("info", msg)
}

// BroadcastWriter returns an io.Writer that broadcasts each written log line.
// It understands the tab-separated console log format and lifts the level
// field out of the message.
func BroadcastWriter(b *StatusBroadcaster) *broadcastWriter {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	for _, line := range strings.Split(string(p), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		level, msg := splitLogLine(line)
		w.b.Broadcast(level, msg)
	}
	return len(p), nil
}

// splitLogLine turns "ts\tLEVEL\tlogger\tmsg..." into ("level", "msg...").
// Lines in any other shape are reported at info level unchanged.
func splitLogLine(line string) (string, string) {
	fields := strings.Split(line, "\t")
	if len(fields) < 4 {
		return "info", line
	}
	switch level := strings.ToLower(fields[1]); level {
	case "debug", "info", "warn", "error":
		return level, strings.Join(fields[3:], " ")
	}
	return "info", line
}
