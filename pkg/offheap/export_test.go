package offheap

// Export internal state for testing.
// This file is only compiled during tests.

// SegmentState is the clock and table state of one segment.
type SegmentState struct {
	Slots int
	Hand  int
	Count int
	Clock int // occupied slots with the clock bit set
}

// SegmentStatesForTesting returns the state of every segment in index order.
func SegmentStatesForTesting[K, V any](c *Cache[K, V]) []SegmentState {
	states := make([]SegmentState, 0, len(c.segments))

	for _, seg := range c.segments {
		seg.mu.Lock()

		st := SegmentState{Slots: seg.slots, Hand: seg.hand, Count: seg.count}

		for i := range seg.slots {
			if seg.status(i)&statusOccupied != 0 && seg.status(i)&statusClock != 0 {
				st.Clock++
			}
		}

		seg.mu.Unlock()

		states = append(states, st)
	}

	return states
}

// SegmentIndexForTesting returns the segment key dispatches to.
func SegmentIndexForTesting[K, V any](c *Cache[K, V], key K) int {
	hash, err := c.hasher.Hash(key)
	if err != nil {
		panic(err)
	}

	return c.segmentIndex(hash)
}
