package buffer

import (
	"sync/atomic"

	"github.com/mariusoe/inspectIT-sub007/cmr/trees"
)

// Slot is the buffer's bookkeeping record for one element. The chain of
// slots is ordered by insertion age; the manager owns next.
type Slot struct {
	element *trees.Element
	size    uint64
	seq     uint64
	next    *Slot

	indexed  atomic.Bool
	analyzed atomic.Bool
	evicted  atomic.Bool
}

func newSlot(e *trees.Element, size, seq uint64) *Slot {
	return &Slot{element: e, size: size, seq: seq}
}

// Element returns the buffered element
func (s *Slot) Element() *trees.Element { return s.element }

// Size is the estimate recorded at insertion; eviction subtracts exactly this
func (s *Slot) Size() uint64 { return s.size }

// Seq is the insertion sequence number, strictly increasing along the chain
func (s *Slot) Seq() uint64 { return s.seq }

// Indexed reports whether the element is currently reachable through the tree
func (s *Slot) Indexed() bool { return s.indexed.Load() }

// Evicted reports whether the slot has left the buffer under memory pressure
func (s *Slot) Evicted() bool { return s.evicted.Load() }

// Analyzed reports whether a consumer has processed the element
func (s *Slot) Analyzed() bool { return s.analyzed.Load() }

// MarkAnalyzed flags the element as processed by a consumer
func (s *Slot) MarkAnalyzed() { s.analyzed.Store(true) }

// markEvicted returns false if the slot was already evicted
func (s *Slot) markEvicted() bool {
	if !s.evicted.CompareAndSwap(false, true) {
		return false
	}
	s.indexed.Store(false)
	return true
}
