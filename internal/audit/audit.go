package audit

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is a single append-only audit record. Source and Action are
// mandatory; Log panics when either is empty because a sourceless entry
// cannot be attributed during an investigation.
type Entry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"` // namespaced, e.g. "auth:service"
	UserID    string         `json:"userId,omitempty"`
	Action    string         `json:"action"`
	Success   bool           `json:"success"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// Filter selects entries from Query. Zero-valued fields match everything.
type Filter struct {
	Source  string
	UserID  string
	Action  string
	Since   time.Time
	Success *bool
}

// Matches reports whether the entry satisfies every set filter field.
func (f Filter) Matches(e Entry) bool {
	if f.Source != "" && e.Source != f.Source {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if f.Success != nil && e.Success != *f.Success {
		return false
	}
	return true
}

// Sink receives every logged entry. Sinks must not block; the store lock is
// held while they run.
type Sink interface {
	Write(Entry)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Entry)

func (f SinkFunc) Write(e Entry) { f(e) }

// OverflowFunc is invoked with each entry evicted when the bounded store is
// full.
type OverflowFunc func(Entry)

// Service is the audit contract. The zero-cost default is NewNop so callers
// never need an enabled check before logging.
type Service interface {
	Log(e Entry)
	Query(f Filter) []Entry
	Clear()
}

type nopService struct{}

// NewNop returns an audit service that accepts and discards everything.
func NewNop() Service { return nopService{} }

func (nopService) Log(Entry)           {}
func (nopService) Query(Filter) []Entry { return nil }
func (nopService) Clear()              {}

// DefaultMaxEntries bounds the in-memory store when no cap is configured.
const DefaultMaxEntries = 10000

// Option configures the in-memory service.
type Option func(*memoryService)

// WithMaxEntries overrides the store cap.
func WithMaxEntries(n int) Option {
	return func(s *memoryService) {
		if n > 0 {
			s.max = n
		}
	}
}

// WithOverflow registers a callback for evicted entries. The callback runs
// synchronously under the store lock and must not block.
func WithOverflow(fn OverflowFunc) Option {
	return func(s *memoryService) { s.overflow = fn }
}

// WithSink fans every logged entry out to an additional sink.
func WithSink(sink Sink) Option {
	return func(s *memoryService) { s.sinks = append(s.sinks, sink) }
}

// memoryService is a bounded FIFO store behind a single writer lock. A ring
// buffer keeps Log allocation-free once the cap is reached.
type memoryService struct {
	mu       sync.Mutex
	ring     []Entry
	head     int // index of the oldest entry
	count    int
	max      int
	overflow OverflowFunc
	sinks    []Sink
}

// NewMemory returns a bounded in-memory audit service.
func NewMemory(opts ...Option) Service {
	s := &memoryService{max: DefaultMaxEntries}
	for _, opt := range opts {
		opt(s)
	}
	s.ring = make([]Entry, 0, min(s.max, 1024))
	return s
}

// Log appends the entry, evicting the oldest one when the store is full.
// Entries within a single source are observed in log order.
func (s *memoryService) Log(e Entry) {
	if strings.TrimSpace(e.Source) == "" || strings.TrimSpace(e.Action) == "" {
		panic("audit: entry requires source and action")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count < s.max {
		// Until the ring first fills (and after Clear truncates it),
		// len(ring) == count, so the entry always lands at the tail.
		s.ring = append(s.ring, e)
		s.count++
	} else {
		evicted := s.ring[s.head]
		s.ring[s.head] = e
		s.head = (s.head + 1) % s.max
		if s.overflow != nil {
			s.overflow(evicted)
		}
	}

	for _, sink := range s.sinks {
		sink.Write(e)
	}
}

// Query returns matching entries oldest-first.
func (s *memoryService) Query(f Filter) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, s.count)
	for i := 0; i < s.count; i++ {
		e := s.ring[(s.head+i)%len(s.ring)]
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops all stored entries. Sinks are unaffected.
func (s *memoryService) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ring = s.ring[:0]
	s.head = 0
	s.count = 0
}
