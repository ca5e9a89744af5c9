package inbox

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"murmur/internal/domain"
)

// DefaultCapacity bounds how many processed ids are remembered.
const DefaultCapacity = 4096

// ProcessedSet remembers envelope ids that were already surfaced. The
// oldest ids are evicted once capacity is reached.
type ProcessedSet struct {
	ids *lru.Cache[domain.MessageID, struct{}]
}

// NewProcessedSet returns a set holding up to capacity ids.
func NewProcessedSet(capacity int) *ProcessedSet {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ids, err := lru.New[domain.MessageID, struct{}](capacity)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &ProcessedSet{ids: ids}
}

// MarkIfNew records id and reports whether it was not already present.
// Check and insert happen under one lock.
func (s *ProcessedSet) MarkIfNew(id domain.MessageID) bool {
	found, _ := s.ids.ContainsOrAdd(id, struct{}{})
	return !found
}

// Seen reports whether id was processed, without touching its recency.
func (s *ProcessedSet) Seen(id domain.MessageID) bool { return s.ids.Contains(id) }

// Forget removes id so it can be surfaced again.
func (s *ProcessedSet) Forget(id domain.MessageID) { s.ids.Remove(id) }

// Len returns the number of remembered ids.
func (s *ProcessedSet) Len() int { return s.ids.Len() }

// Reset forgets every id.
func (s *ProcessedSet) Reset() { s.ids.Purge() }
