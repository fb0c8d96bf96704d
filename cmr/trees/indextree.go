package trees

import (
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/rs/zerolog"

	"github.com/mariusoe/inspectIT-sub007/cmr/common"
)

// node is either a *branchNode or a *leafNode. Every traversal switches over
// both cases explicitly.
type node interface {
	isNode()
}

// branchNode routes to children by the key its depth's indexer derives
type branchNode struct {
	mu       sync.RWMutex
	depth    int
	retired  bool // detached by Compact; writers must re-descend from the root
	children map[Key]node
}

// leafNode stores elements by id
type leafNode struct {
	mu       sync.RWMutex
	retired  bool
	elements map[uint64]*Element
}

func (*branchNode) isNode() {}
func (*leafNode) isNode()   {}

// treeRoot is one generation of the tree. ClearAll swaps in a new generation,
// and writers still working on the old one only change the old count.
type treeRoot struct {
	node  node
	count atomic.Int64
}

// Tree is a multi-level index over live elements. Its shape, the sequence of
// branch indexers applied from the root down, is fixed at construction.
//
// Branches and leaves carry their own locks, so operations on disjoint
// subtrees never contend. Queries see each visited node at one point in time:
// an element inserted or removed while a query runs may or may not be returned.
type Tree struct {
	shape  []BranchIndexer
	root   atomic.Pointer[treeRoot]
	stats  *treeCounters
	logger zerolog.Logger
}

// TreeOption allows for customization of Tree
type TreeOption func(*Tree)

// WithLogger sets a custom logger
func WithLogger(logger zerolog.Logger) TreeOption {
	return func(t *Tree) {
		t.logger = logger
	}
}

// NewTree creates an empty tree. An empty shape yields a single leaf.
func NewTree(shape []BranchIndexer, opts ...TreeOption) *Tree {
	t := &Tree{
		shape:  append([]BranchIndexer(nil), shape...),
		stats:  &treeCounters{},
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.root.Store(&treeRoot{node: t.newNode(0)})
	return t
}

// Shape returns the configured indexers from the root down
func (t *Tree) Shape() []BranchIndexer {
	return append([]BranchIndexer(nil), t.shape...)
}

func (t *Tree) newNode(depth int) node {
	if depth >= len(t.shape) {
		return &leafNode{elements: make(map[uint64]*Element)}
	}
	return &branchNode{depth: depth, children: make(map[Key]node)}
}

// Insert routes e to exactly one leaf, creating missing nodes on the way
func (t *Tree) Insert(e *Element) error {
	if e == nil {
		return fmt.Errorf("%w: nil element", common.ErrInvalidArgument)
	}
	if err := e.Validate(); err != nil {
		return err
	}

	for {
		root := t.root.Load()
		leaf := t.descendFrom(root, e, true)
		if leaf == nil {
			continue
		}
		inserted, err := leaf.insert(e)
		if err != nil {
			t.logger.Debug().Uint64("id", e.ID).Err(err).Msg("element rejected by index")
			return err
		}
		if !inserted {
			// leaf was pruned concurrently
			continue
		}
		root.count.Add(1)
		t.stats.inserts.Add(1)
		return nil
	}
}

// Get looks up the stored element with template's id along template's route
func (t *Tree) Get(template *Element) (*Element, bool) {
	if template == nil {
		return nil, false
	}
	leaf := t.descend(template, false)
	if leaf == nil {
		return nil, false
	}
	leaf.mu.RLock()
	defer leaf.mu.RUnlock()
	e, ok := leaf.elements[template.ID]
	return e, ok
}

// Remove deletes the element with template's id along template's route
func (t *Tree) Remove(template *Element) (*Element, bool) {
	if template == nil {
		return nil, false
	}
	root := t.root.Load()
	leaf := t.descendFrom(root, template, false)
	if leaf == nil {
		return nil, false
	}
	leaf.mu.Lock()
	e, ok := leaf.elements[template.ID]
	if ok {
		delete(leaf.elements, template.ID)
	}
	leaf.mu.Unlock()
	if ok {
		root.count.Add(-1)
		t.stats.removes.Add(1)
	}
	return e, ok
}

// descend follows e's keys to its leaf. Without create it returns nil when a
// node on the path does not exist; with create it returns nil only when the
// path hit a pruned branch and must be retried.
func (t *Tree) descend(e *Element, create bool) *leafNode {
	return t.descendFrom(t.root.Load(), e, create)
}

func (t *Tree) descendFrom(root *treeRoot, e *Element, create bool) *leafNode {
	n := root.node
	for {
		switch v := n.(type) {
		case *leafNode:
			return v
		case *branchNode:
			key := routeKey(t.shape[v.depth], e)
			var child node
			if create {
				child = v.getOrCreate(key, func() node { return t.newNode(v.depth + 1) })
			} else {
				child = v.lookup(key)
			}
			if child == nil {
				return nil
			}
			n = child
		default:
			return nil
		}
	}
}

func (b *branchNode) lookup(key Key) node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.children[key]
}

func (b *branchNode) getOrCreate(key Key, mk func() node) node {
	b.mu.RLock()
	child, ok := b.children[key]
	retired := b.retired
	b.mu.RUnlock()
	if retired {
		return nil
	}
	if ok {
		return child
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retired {
		return nil
	}
	if child, ok = b.children[key]; ok {
		return child
	}
	child = mk()
	b.children[key] = child
	return child
}

// pick returns the children selected by one level of a query plan
func (b *branchNode) pick(level levelPlan) []node {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if level.all {
		out := make([]node, 0, len(b.children))
		for _, child := range b.children {
			out = append(out, child)
		}
		return out
	}
	out := make([]node, 0, len(level.keys))
	for _, key := range level.keys {
		if child, ok := b.children[key]; ok {
			out = append(out, child)
		}
	}
	return out
}

// insert returns false without error when the leaf was pruned
func (l *leafNode) insert(e *Element) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retired {
		return false, nil
	}
	if _, exists := l.elements[e.ID]; exists {
		return false, fmt.Errorf("%w: id %d", common.ErrDuplicateID, e.ID)
	}
	l.elements[e.ID] = e
	return true, nil
}

func (l *leafNode) snapshot() []*Element {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Element, 0, len(l.elements))
	for _, e := range l.elements {
		out = append(out, e)
	}
	return out
}

type levelPlan struct {
	all  bool
	keys []Key
}

// plan evaluates every level's keys once. It returns false when some level
// cannot be satisfied, in which case nothing needs to be visited.
func (t *Tree) plan(q *Query) ([]levelPlan, bool) {
	levels := make([]levelPlan, len(t.shape))
	for i, ix := range t.shape {
		keys, constrained := ix.KeysFor(q)
		if !constrained {
			levels[i] = levelPlan{all: true}
			continue
		}
		if len(keys) == 0 {
			return nil, false
		}
		levels[i] = levelPlan{keys: keys}
	}
	return levels, true
}

// Query lazily yields every live element matching q. Only branches whose
// keys intersect q's keys are visited; every candidate is then checked
// against the full query. A nil q matches everything.
func (t *Tree) Query(q *Query) iter.Seq[*Element] {
	return func(yield func(*Element) bool) {
		if q == nil {
			q = Unconstrained()
		}
		t.stats.queries.Add(1)
		levels, ok := t.plan(q)
		if !ok {
			t.stats.shortCircuits.Add(1)
			return
		}
		var checks int64
		t.visit(t.root.Load().node, levels, q, &checks, yield)
		t.stats.checks.Add(checks)
	}
}

// QueryAll collects the results of Query
func (t *Tree) QueryAll(q *Query) []*Element {
	var out []*Element
	for e := range t.Query(q) {
		out = append(out, e)
	}
	return out
}

func (t *Tree) visit(n node, levels []levelPlan, q *Query, checks *int64, yield func(*Element) bool) bool {
	switch v := n.(type) {
	case *branchNode:
		for _, child := range v.pick(levels[v.depth]) {
			if !t.visit(child, levels, q, checks, yield) {
				return false
			}
		}
		return true
	case *leafNode:
		for _, e := range v.snapshot() {
			*checks++
			if e.Matches(q) && !yield(e) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// ClearAll drops every element and restarts from an empty root of the same
// shape. Inserts racing with it may land in the dropped generation and are
// lost with it; callers that need every insert kept must serialize the two.
func (t *Tree) ClearAll() {
	t.root.Store(&treeRoot{node: t.newNode(0)})
	t.logger.Info().Msg("index tree cleared")
}

// Count returns the number of live elements
func (t *Tree) Count() int {
	return int(t.root.Load().count.Load())
}

// Compact prunes empty leaves and branches and returns how many nodes were
// removed. Pruned nodes are marked retired so concurrent writers that already
// reached them start over from the root.
func (t *Tree) Compact() int {
	root, ok := t.root.Load().node.(*branchNode)
	if !ok {
		return 0
	}
	pruned := compactBranch(root)
	if pruned > 0 {
		t.stats.pruned.Add(int64(pruned))
		t.logger.Debug().Int("pruned", pruned).Msg("index tree compacted")
	}
	return pruned
}

// compactBranch locks parents before children, the same order every other
// operation acquires them in.
func compactBranch(b *branchNode) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	pruned := 0
	for key, child := range b.children {
		switch c := child.(type) {
		case *leafNode:
			c.mu.Lock()
			if len(c.elements) == 0 {
				c.retired = true
				delete(b.children, key)
				pruned++
			}
			c.mu.Unlock()
		case *branchNode:
			pruned += compactBranch(c)
			c.mu.Lock()
			if len(c.children) == 0 {
				c.retired = true
				delete(b.children, key)
				pruned++
			}
			c.mu.Unlock()
		}
	}
	return pruned
}

// walk visits every node depth first. Each node's children are copied under
// its read lock before descending.
func (t *Tree) walk(fn func(n node, depth int)) {
	var rec func(n node, depth int)
	rec = func(n node, depth int) {
		fn(n, depth)
		if b, ok := n.(*branchNode); ok {
			for _, child := range b.pick(levelPlan{all: true}) {
				rec(child, depth+1)
			}
		}
	}
	rec(t.root.Load().node, 0)
}

// IDs returns the ids of every live element
func (t *Tree) IDs() *roaring64.Bitmap {
	ids := roaring64.New()
	t.walk(func(n node, _ int) {
		if l, ok := n.(*leafNode); ok {
			for _, e := range l.snapshot() {
				ids.Add(e.ID)
			}
		}
	})
	return ids
}

// Validate checks that the element count matches the stored elements and
// that every element sits in the leaf its keys route to.
func (t *Tree) Validate() []error {
	var errs []error
	stored := 0
	t.walk(func(n node, _ int) {
		l, ok := n.(*leafNode)
		if !ok {
			return
		}
		for _, e := range l.snapshot() {
			stored++
			if got := t.descend(e, false); got != l {
				errs = append(errs, fmt.Errorf("misrouted_element: element %d is not reachable through its keys", e.ID))
			}
		}
	})
	if stored != t.Count() {
		errs = append(errs, fmt.Errorf("count_mismatch: tree holds %d elements but counts %d", stored, t.Count()))
	}
	if len(errs) > 0 {
		t.logger.Warn().Int("error_count", len(errs)).Msg("index tree validation found issues")
	} else {
		t.logger.Debug().Int("elements", stored).Msg("index tree validation passed")
	}
	return errs
}
