package collab

import (
	"sync"
)

// Sequencer numbers durable events per project when the relay runs without an event store.
// With a store configured the store allocates seq instead, so every node agrees on it.
type Sequencer struct {
	mu       sync.Mutex
	projects map[string]int64
}

func NewSequencer() *Sequencer {
	return &Sequencer{
		projects: make(map[string]int64),
	}
}

// Next returns the next seq for the project, starting at 1.
func (s *Sequencer) Next(projectID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[projectID]++
	return s.projects[projectID]
}
