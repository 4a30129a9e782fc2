package sinks

import (
	"context"
	"sync"

	"scenecollab/server/logging"
)

// MemorySink records events for assertions in tests.
type MemorySink struct {
	mu     sync.RWMutex
	events []logging.Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Write(event logging.Event) error {
	s.mu.Lock()
	s.events = append(s.events, event.Clone())
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Close(context.Context) error { return nil }

// Events returns every recorded event in arrival order.
func (s *MemorySink) Events() []logging.Event {
	return s.filter(func(logging.Event) bool { return true })
}

// OfType returns the recorded events with the given type.
func (s *MemorySink) OfType(eventType logging.EventType) []logging.Event {
	return s.filter(func(e logging.Event) bool { return e.Type == eventType })
}

// OfCategory returns the recorded events in the given category.
func (s *MemorySink) OfCategory(category string) []logging.Event {
	return s.filter(func(e logging.Event) bool { return e.Category == category })
}

func (s *MemorySink) Reset() {
	s.mu.Lock()
	s.events = nil
	s.mu.Unlock()
}

func (s *MemorySink) filter(keep func(logging.Event) bool) []logging.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]logging.Event, 0, len(s.events))
	for _, event := range s.events {
		if keep(event) {
			matched = append(matched, event)
		}
	}
	return matched
}
