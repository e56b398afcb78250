package audit

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/mizan-labs/idis/pkg/canonjson"
)

// Sink persists validated events. Emit returns only after the event is
// durable; an error means the event is not durable and the caller must
// abort its mutation.
type Sink interface {
	Emit(ctx context.Context, e *Event) error
}

// MemorySink collects events in memory. Tests and the lite mode use it; a
// nil-safe Events accessor returns emitted events in program order.
type MemorySink struct {
	mu     sync.Mutex
	events []*Event

	// FailWith, when set, makes every Emit fail. Tests use it to exercise
	// fail-closed paths.
	FailWith error
}

// NewMemorySink returns an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Emit(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWith != nil {
		return s.FailWith
	}
	copied := *e
	s.events = append(s.events, &copied)
	return nil
}

// Events returns emitted events in emission order.
func (s *MemorySink) Events() []*Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Event, len(s.events))
	copy(out, s.events)
	return out
}

// ByType returns emitted events matching an event type.
func (s *MemorySink) ByType(eventType string) []*Event {
	var out []*Event
	for _, e := range s.Events() {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// FileSink appends one canonical-JSON line per event to a JSONL file and
// fsyncs before returning. The file handle is opened O_APPEND and held for
// the sink's lifetime; a mutex serializes writers so lines never interleave.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (or creates) the audit log at path.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open log %s: %w", path, err)
	}
	return &FileSink{file: f}, nil
}

func (s *FileSink) Emit(_ context.Context, e *Event) error {
	line, err := canonjson.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: encode event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("audit: append event: %w", err)
	}
	// Durability before success: a crash after Emit returns must not lose
	// the event, because the mutation it covers will have committed.
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("audit: fsync event: %w", err)
	}
	return nil
}

// Close releases the underlying file handle.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// MultiSink emits to every child in order and fails on the first error.
// Deployments use it to pair the file log with a database archive.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink composes sinks; emission order follows argument order.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (s *MultiSink) Emit(ctx context.Context, e *Event) error {
	for _, child := range s.sinks {
		if err := child.Emit(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
