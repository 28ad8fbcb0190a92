package logger

import (
	"encoding/json"
	"sync"
)

const defaultTailSize = 1000

// Broadcaster pushes parsed log entries to live observers. The web UI's
// websocket hub satisfies it.
type Broadcaster interface {
	Broadcast(msgType string, payload any)
}

// LogEntry is one parsed log line kept in the tail.
type LogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// LogTail is an io.Writer fed zerolog's JSON output. It keeps the newest
// entries in a fixed ring for the web UI's log view and forwards each new
// entry to an attached hub.
type LogTail struct {
	mu      sync.Mutex
	hub     Broadcaster
	entries []LogEntry
	next    int
	wrapped bool
}

// NewLogTail builds a tail holding up to size entries.
func NewLogTail(size int) *LogTail {
	if size <= 0 {
		size = defaultTailSize
	}
	return &LogTail{entries: make([]LogEntry, size)}
}

// SetHub attaches the live stream target. Entries written before a hub is
// attached are only buffered.
func (t *LogTail) SetHub(hub Broadcaster) {
	t.mu.Lock()
	t.hub = hub
	t.mu.Unlock()
}

// Write implements io.Writer. Lines that are not zerolog JSON are dropped.
func (t *LogTail) Write(p []byte) (int, error) {
	entry, ok := parseLogEntry(p)
	if !ok {
		return len(p), nil
	}

	t.mu.Lock()
	t.entries[t.next] = entry
	t.next++
	if t.next == len(t.entries) {
		t.next = 0
		t.wrapped = true
	}
	hub := t.hub
	t.mu.Unlock()

	if hub != nil {
		hub.Broadcast("log_entry", entry)
	}
	return len(p), nil
}

// Recent returns the buffered entries, oldest first.
func (t *LogTail) Recent() []LogEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.wrapped {
		return append([]LogEntry(nil), t.entries[:t.next]...)
	}
	out := make([]LogEntry, 0, len(t.entries))
	out = append(out, t.entries[t.next:]...)
	return append(out, t.entries[:t.next]...)
}

// parseLogEntry lifts the well-known zerolog keys out of a JSON line; any
// remaining keys become Fields.
func parseLogEntry(data []byte) (LogEntry, bool) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return LogEntry{}, false
	}

	var entry LogEntry
	if v, ok := raw["time"].(string); ok {
		entry.Timestamp = v
		delete(raw, "time")
	}
	if v, ok := raw["level"].(string); ok {
		entry.Level = v
		delete(raw, "level")
	}
	if v, ok := raw["component"].(string); ok {
		entry.Component = v
		delete(raw, "component")
	}
	if v, ok := raw["message"].(string); ok {
		entry.Message = v
		delete(raw, "message")
	}
	if len(raw) > 0 {
		entry.Fields = raw
	}
	return entry, true
}
