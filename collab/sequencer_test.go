package collab

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequencer(t *testing.T) {
	s := NewSequencer()
	assert.Equal(t, int64(1), s.Next("p1"))
	assert.Equal(t, int64(2), s.Next("p1"))
	assert.Equal(t, int64(1), s.Next("p2"), "projects are numbered independently")
	assert.Equal(t, int64(3), s.Next("p1"))
}

func TestSequencerConcurrentIsGapFreeAndUnique(t *testing.T) {
	s := NewSequencer()
	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := s.Next("p1")
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 100)
	for i := int64(1); i <= 100; i++ {
		assert.True(t, seen[i], "missing seq %d", i)
	}
}
