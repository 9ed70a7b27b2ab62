package web

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cjeanneret/MagRail/internal/trace"
)

// StatusEvent is one SSE message: a log line or a control record.
type StatusEvent struct {
	Time   string        `json:"t"`
	Level  string        `json:"l,omitempty"`
	Msg    string        `json:"msg,omitempty"`
	Record *trace.Record `json:"rec,omitempty"`
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

	unsub := func() {
		b.mu.Lock()
		delete(b.clients, ch)
		b.mu.Unlock()
		close(ch)
	}
	return ch, unsub
}

// Broadcast sends a log message to all subscribed clients as
// {"t":"...","l":"info","msg":"..."}.
func (b *StatusBroadcaster) Broadcast(level, msg string) {
	b.send(StatusEvent{Level: level, Msg: msg})
}

// BroadcastRecord sends a control record with level "rec".
func (b *StatusBroadcaster) BroadcastRecord(r trace.Record) {
	b.send(StatusEvent{Level: "rec", Record: &r})
}

// send never blocks: a client whose buffer is full misses the event.
func (b *StatusBroadcaster) send(evt StatusEvent) {
	evt.Time = time.Now().Format(time.RFC3339Nano)
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

// BroadcastWriter returns an io.Writer for debug.SetOutput. Each write
// becomes one event; the debug tag ([WARN], [ERROR], ...) sets its level.
func BroadcastWriter(b *StatusBroadcaster) io.Writer {
	return &broadcastWriter{b: b}
}

type broadcastWriter struct {
	b *StatusBroadcaster
}

// logLevels maps debug tags to event levels, first match wins. Lines
// without a known tag are "info".
var logLevels = []struct{ tag, level string }{
	{"[ERROR]", "error"},
	{"[WARN]", "warn"},
	{"[LIVE]", "live"},
	{"[TRACE]", "trace"},
	{"[GPIO]", "trace"},
	{"[I2C]", "trace"},
}

func (w *broadcastWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimSpace(string(p))
	if msg == "" {
		return len(p), nil
	}
	level := "info"
	for _, l := range logLevels {
		if strings.Contains(msg, l.tag) {
			level = l.level
			break
		}
	}
	w.b.Broadcast(level, msg)
	return len(p), nil
}

// RecordSink is a trace.Sink that forwards every Nth record to the
// broadcaster. The control loop runs far faster than a browser can draw.
type RecordSink struct {
	b     *StatusBroadcaster
	every int
	n     int
}

// NewRecordSink forwards one record out of every. every < 1 means all.
func NewRecordSink(b *StatusBroadcaster, every int) *RecordSink {
	if every < 1 {
		every = 1
	}
	return &RecordSink{b: b, every: every}
}

func (s *RecordSink) Append(r trace.Record) error {
	if s.n%s.every == 0 {
		s.b.BroadcastRecord(r)
	}
	s.n++
	return nil
}

func (s *RecordSink) Close() error { return nil }
