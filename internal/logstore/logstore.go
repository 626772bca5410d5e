package logstore

import (
	"io"
	"strings"
	"sync"
	"time"
)

// Severity classifies a log line. Stdout lines are Info, stderr lines are
// Error and lines written by the supervisor itself are Notice.
type Severity int

const (
	Info Severity = iota
	Notice
	Error
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Notice:
		return "notice"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// Color is the display colour associated with the severity.
func (s Severity) Color() string {
	switch s {
	case Notice:
		return "yellow"
	case Error:
		return "red"
	default:
		return "white"
	}
}

// ParseSeverity is the inverse of Severity.String. Unknown names map to Info.
func ParseSeverity(name string) Severity {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "notice", "warn", "warning":
		return Notice
	case "error", "err":
		return Error
	default:
		return Info
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Severity) UnmarshalText(b []byte) error {
	*s = ParseSeverity(string(b))
	return nil
}

// Stream identifies where a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
	System Stream = "system"
)

// Entry is one captured or synthetic line.
type Entry struct {
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
	Severity Severity  `json:"severity"`
	Stream   Stream    `json:"stream"`
	Text     string    `json:"text"`
}

// Store is an ordered, append-only (until cleared) sequence of entries.
// It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	entries []Entry
	seq     uint64
}

func New() *Store { return &Store{} }

// Append adds e at the end of the store and returns it with Seq and Time
// filled in. Seq keeps increasing across Clear.
func (s *Store) Append(e Entry) Entry {
	s.mu.Lock()
	s.seq++
	e.Seq = s.seq
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.Stream == "" {
		e.Stream = streamFor(e.Severity)
	}
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return e
}

func streamFor(sev Severity) Stream {
	switch sev {
	case Info:
		return Stdout
	case Error:
		return Stderr
	default:
		return System
	}
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// At returns the entry at index i. The second result is false when i is out
// of range.
func (s *Store) At(i int) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.entries) {
		return Entry{}, false
	}
	return s.entries[i], true
}

// Entries returns a copy of all entries.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Since returns a copy of the entries from index from onward.
func (s *Store) Since(from int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from < 0 {
		from = 0
	}
	if from >= len(s.entries) {
		return nil
	}
	out := make([]Entry, len(s.entries)-from)
	copy(out, s.entries[from:])
	return out
}

// Text concatenates every entry's text separated by newlines.
func (s *Store) Text() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var b strings.Builder
	for i, e := range s.entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Text)
	}
	return b.String()
}

// WriteTo writes one line per entry to w.
func (s *Store) WriteTo(w io.Writer) (int64, error) {
	entries := s.Entries()
	var total int64
	for _, e := range entries {
		n, err := io.WriteString(w, e.Text+"\n")
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()
}
