package buffer

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/mariusoe/inspectIT-sub007/cmr/common"
	"github.com/mariusoe/inspectIT-sub007/cmr/sizing"
	"github.com/mariusoe/inspectIT-sub007/cmr/trees"
)

// EvictionSink receives elements after they left the buffer. Offer must not block.
type EvictionSink interface {
	Offer(e *trees.Element) bool
}

// Manager keeps the total estimated size of buffered elements within a byte
// budget by evicting the oldest elements first. Every accepted element is
// indexed in the tree and appended to an age-ordered chain of slots.
type Manager struct {
	id        uuid.UUID
	tree      *trees.Tree
	estimator sizing.Estimator
	maxBytes  uint64
	lowMark   float64
	sink      EvictionSink
	metrics   *Metrics
	logger    zerolog.Logger

	// clearMu is held shared by inserts between indexing and chaining, so
	// Clear and Validate observe the tree and the chain in agreement.
	clearMu sync.RWMutex

	mu       sync.Mutex
	live     *roaring64.Bitmap // ids reserved by inserts, removed on eviction
	head     *Slot
	tail     *Slot
	length   int
	seq      uint64
	occupied atomic.Uint64 // written under mu

	inserted atomic.Int64
	evicted  atomic.Int64
	rejected atomic.Int64
}

// ManagerOption allows for customization of Manager
type ManagerOption func(*Manager)

// WithManagerLogger sets a custom logger
func WithManagerLogger(logger zerolog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithLowWatermark makes an over-budget insert evict down to fraction*maxBytes
// instead of just below maxBytes. Values outside (0, 1] are ignored.
func WithLowWatermark(fraction float64) ManagerOption {
	return func(m *Manager) {
		if fraction > 0 && fraction <= 1 {
			m.lowMark = fraction
		}
	}
}

// WithSink hands every evicted element to sink
func WithSink(sink EvictionSink) ManagerOption {
	return func(m *Manager) {
		m.sink = sink
	}
}

// WithMetrics reports buffer activity to metrics
func WithMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// NewManager creates a buffer over tree with the given byte budget. Budgets
// above sizing.MaxEstimate are capped.
func NewManager(tree *trees.Tree, estimator sizing.Estimator, maxBytes uint64, opts ...ManagerOption) (*Manager, error) {
	if tree == nil {
		return nil, fmt.Errorf("%w: nil tree", common.ErrInvalidArgument)
	}
	if maxBytes == 0 {
		return nil, fmt.Errorf("%w: max bytes must be positive", common.ErrInvalidArgument)
	}
	// a single element never exceeds MaxEstimate, so the running total stays
	// below 2*MaxEstimate and cannot wrap
	maxBytes = min(maxBytes, sizing.MaxEstimate)
	m := &Manager{
		id:        uuid.New(),
		tree:      tree,
		estimator: estimator,
		maxBytes:  maxBytes,
		lowMark:   1,
		live:      roaring64.New(),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With().Str("buffer", m.id.String()).Logger()
	if m.metrics != nil {
		m.metrics.capacity.Set(float64(m.maxBytes))
	}
	return m, nil
}

// ID identifies this buffer instance in logs
func (m *Manager) ID() uuid.UUID { return m.id }

// Tree returns the index backing the buffer
func (m *Manager) Tree() *trees.Tree { return m.tree }

// MaxBytes returns the byte budget
func (m *Manager) MaxBytes() uint64 { return m.maxBytes }

// Occupied returns the estimated bytes currently held
func (m *Manager) Occupied() uint64 { return m.occupied.Load() }

// Len returns the number of buffered elements
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.length
}

// Insert estimates, indexes and chains e, then evicts the oldest elements
// until the budget holds again. The new element is never evicted by its own
// insert. Elements whose estimate alone exceeds the budget are refused with
// common.ErrEvictionStarved before they are indexed.
func (m *Manager) Insert(e *trees.Element) (*Slot, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil element", common.ErrInvalidArgument)
	}
	size, err := m.estimator.Estimate(e)
	if err != nil {
		m.reject(e, reasonOverflow, err)
		return nil, fmt.Errorf("estimate element %d: %w", e.ID, err)
	}
	if size > m.maxBytes {
		err := fmt.Errorf("%w: element %d needs %d bytes, budget is %d",
			common.ErrEvictionStarved, e.ID, size, m.maxBytes)
		m.reject(e, reasonTooLarge, err)
		return nil, err
	}

	m.clearMu.RLock()
	defer m.clearMu.RUnlock()

	// ids are unique across the whole buffer, not only within one leaf
	m.mu.Lock()
	duplicate := m.live.Contains(e.ID)
	if !duplicate {
		m.live.Add(e.ID)
	}
	m.mu.Unlock()
	if duplicate {
		err := fmt.Errorf("%w: id %d", common.ErrDuplicateID, e.ID)
		m.reject(e, reasonDuplicate, err)
		return nil, err
	}

	if err := m.tree.Insert(e); err != nil {
		m.mu.Lock()
		m.live.Remove(e.ID)
		m.mu.Unlock()
		reason := reasonInvalid
		if errors.Is(err, common.ErrDuplicateID) {
			reason = reasonDuplicate
		}
		m.reject(e, reason, err)
		return nil, err
	}

	m.mu.Lock()
	m.seq++
	slot := newSlot(e, size, m.seq)
	slot.indexed.Store(true)
	m.append(slot)
	victims := m.evictOverBudget(slot)
	occupied, length := m.occupied.Load(), m.length
	m.mu.Unlock()

	m.inserted.Add(1)
	m.metrics.insertedOne()
	m.metrics.observe(occupied, length)
	m.handOff(victims, triggerInsert)
	return slot, nil
}

func (m *Manager) reject(e *trees.Element, reason string, err error) {
	m.rejected.Add(1)
	m.metrics.rejectedOne(reason)
	m.logger.Debug().Uint64("id", e.ID).Str("reason", reason).Err(err).Msg("element rejected")
}

// append links s as the youngest slot. Caller holds mu.
func (m *Manager) append(s *Slot) {
	if m.tail == nil {
		m.head = s
	} else {
		m.tail.next = s
	}
	m.tail = s
	m.length++
	m.occupied.Store(sizing.Add(m.occupied.Load(), s.size))
}

// evictOverBudget evicts from the head while the budget is exceeded, stopping
// at protect. Caller holds mu.
func (m *Manager) evictOverBudget(protect *Slot) []*trees.Element {
	if m.occupied.Load() <= m.maxBytes {
		return nil
	}
	target := m.maxBytes
	if m.lowMark < 1 {
		target = uint64(float64(m.maxBytes) * m.lowMark)
	}
	var victims []*trees.Element
	for m.occupied.Load() > target && m.head != nil && m.head != protect {
		victims = append(victims, m.evictHead())
	}
	return victims
}

// evictHead unlinks the oldest slot and removes its element from the tree.
// Caller holds mu and has checked head is not nil.
func (m *Manager) evictHead() *trees.Element {
	s := m.head
	m.head = s.next
	if m.head == nil {
		m.tail = nil
	}
	s.next = nil
	m.length--
	m.live.Remove(s.element.ID)

	if _, ok := m.tree.Remove(s.element); !ok {
		m.logger.Warn().Uint64("id", s.element.ID).Msg("evicted element was missing from the index")
	}
	if s.markEvicted() {
		m.occupied.Store(m.occupied.Load() - s.size)
	}
	return s.element
}

func (m *Manager) handOff(victims []*trees.Element, trigger string) {
	if len(victims) == 0 {
		return
	}
	m.evicted.Add(int64(len(victims)))
	m.metrics.evictedN(trigger, len(victims))
	if m.sink != nil {
		for _, e := range victims {
			if !m.sink.Offer(e) {
				m.logger.Debug().Uint64("id", e.ID).Msg("eviction sink full, element dropped")
			}
		}
	}
	m.logger.Debug().
		Int("evicted", len(victims)).
		Str("trigger", trigger).
		Uint64("occupied", m.Occupied()).
		Msg("evicted oldest elements")
}

// EvictOne evicts the oldest element regardless of the budget. It returns
// false when the buffer is empty.
func (m *Manager) EvictOne() (*trees.Element, bool) {
	return m.evictOne(triggerManual)
}

func (m *Manager) evictOne(trigger string) (*trees.Element, bool) {
	m.mu.Lock()
	if m.head == nil {
		m.mu.Unlock()
		return nil, false
	}
	e := m.evictHead()
	occupied, length := m.occupied.Load(), m.length
	m.mu.Unlock()

	m.metrics.observe(occupied, length)
	m.handOff([]*trees.Element{e}, trigger)
	return e, true
}

// Query passes q to the index. Elements may be evicted while the sequence is
// being consumed; they are still returned if already selected.
func (m *Manager) Query(q *trees.Query) iter.Seq[*trees.Element] {
	return m.tree.Query(q)
}

// QueryAll collects the results of Query
func (m *Manager) QueryAll(q *trees.Query) []*trees.Element {
	return m.tree.QueryAll(q)
}

// Get looks up a buffered element by template
func (m *Manager) Get(template *trees.Element) (*trees.Element, bool) {
	return m.tree.Get(template)
}

// Clear drops every element without handing them to the sink
func (m *Manager) Clear() {
	m.clearMu.Lock()
	defer m.clearMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	dropped := m.length
	for s := m.head; s != nil; {
		next := s.next
		s.next = nil
		s.indexed.Store(false)
		s = next
	}
	m.head, m.tail = nil, nil
	m.length = 0
	m.occupied.Store(0)
	m.live.Clear()
	m.tree.ClearAll()

	m.metrics.observe(0, 0)
	m.logger.Info().Int("dropped", dropped).Msg("buffer cleared")
}

// ManagerStats summarizes the buffer
type ManagerStats struct {
	ID             string
	Elements       int
	OccupiedBytes  uint64
	MaxBytes       uint64
	Inserted       int64
	Evicted        int64
	Rejected       int64
	MeanSlotSize   float64
	StdDevSlotSize float64
	OldestSeq      uint64
	Tree           trees.TreeStats
}

// Stats returns a snapshot of the buffer's counters and size distribution
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	sizes := make([]float64, 0, m.length)
	for s := m.head; s != nil; s = s.next {
		sizes = append(sizes, float64(s.size))
	}
	stats := ManagerStats{
		ID:            m.id.String(),
		Elements:      m.length,
		OccupiedBytes: m.occupied.Load(),
		MaxBytes:      m.maxBytes,
	}
	if m.head != nil {
		stats.OldestSeq = m.head.seq
	}
	m.mu.Unlock()

	stats.Inserted = m.inserted.Load()
	stats.Evicted = m.evicted.Load()
	stats.Rejected = m.rejected.Load()
	switch len(sizes) {
	case 0:
	case 1:
		stats.MeanSlotSize = sizes[0]
	default:
		stats.MeanSlotSize, stats.StdDevSlotSize = stat.MeanStdDev(sizes, nil)
	}
	stats.Tree = m.tree.Stats()
	return stats
}

// Validate checks the byte and count bookkeeping against the chain and the
// index. It blocks inserts for its duration.
func (m *Manager) Validate() []error {
	m.clearMu.Lock()
	defer m.clearMu.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	var total uint64
	count := 0
	chained := roaring64.New()
	var prevSeq uint64
	for s := m.head; s != nil; s = s.next {
		total += s.size
		count++
		chained.Add(s.element.ID)
		if s.seq <= prevSeq {
			errs = append(errs, fmt.Errorf("chain_order: slot %d follows slot %d", s.seq, prevSeq))
		}
		prevSeq = s.seq
		if !s.Indexed() || s.Evicted() {
			errs = append(errs, fmt.Errorf("slot_state: chained element %d is not indexed", s.element.ID))
		}
	}
	if total != m.occupied.Load() {
		errs = append(errs, fmt.Errorf("byte_mismatch: chain holds %d bytes, counter says %d", total, m.occupied.Load()))
	}
	if total > m.maxBytes {
		errs = append(errs, fmt.Errorf("over_budget: %d bytes exceed %d", total, m.maxBytes))
	}
	if count != m.length {
		errs = append(errs, fmt.Errorf("length_mismatch: chain has %d slots, counter says %d", count, m.length))
	}
	if count != m.tree.Count() {
		errs = append(errs, fmt.Errorf("index_mismatch: chain has %d slots, index has %d elements", count, m.tree.Count()))
	}
	if !chained.Equals(m.live) {
		errs = append(errs, errors.New("id_mismatch: chained ids differ from reserved ids"))
	}
	if !chained.Equals(m.tree.IDs()) {
		errs = append(errs, errors.New("index_mismatch: chained ids differ from indexed ids"))
	}
	errs = append(errs, m.tree.Validate()...)
	return errs
}
