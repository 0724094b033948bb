package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity of a log book entry.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeveritySuccess Severity = "success"
)

func (s Severity) level() slog.Level {
	switch s {
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Entry is one line of the operator log.
type Entry struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

// LogBook is the append-only operator log of a session. Every entry is also
// written to the process logger.
type LogBook struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries []Entry
}

func NewLogBook(logger *slog.Logger) *LogBook {
	return &LogBook{
		logger: logger,
		now:    time.Now,
	}
}

func (b *LogBook) Add(sev Severity, msg string) Entry {
	e := Entry{
		ID:       uuid.NewString(),
		Time:     b.now(),
		Severity: sev,
		Message:  msg,
	}

	b.mu.Lock()
	b.entries = append(b.entries, e)
	b.mu.Unlock()

	b.logger.Log(context.Background(), sev.level(), msg, "severity", string(sev), "entry", e.ID)
	return e
}

func (b *LogBook) Info(msg string) Entry    { return b.Add(SeverityInfo, msg) }
func (b *LogBook) Warn(msg string) Entry    { return b.Add(SeverityWarning, msg) }
func (b *LogBook) Error(msg string) Entry   { return b.Add(SeverityError, msg) }
func (b *LogBook) Success(msg string) Entry { return b.Add(SeveritySuccess, msg) }

// Entries returns a copy of the entries from offset on.
func (b *LogBook) Entries(offset int) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= len(b.entries) {
		return []Entry{}
	}
	out := make([]Entry, len(b.entries)-offset)
	copy(out, b.entries[offset:])
	return out
}

func (b *LogBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
