package trees

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mariusoe/inspectIT-sub007/cmr/common"
)

// Key identifies one child of a branch
type Key uint64

// BranchIndexer maps elements and queries onto the child keys of one tree
// level. Implementations are stateless values, so a single instance serves
// every branch at its depth.
type BranchIndexer interface {
	// Name is the configuration name of the dimension
	Name() string
	// KeyOf returns the branch key of e, or false when e does not take part
	// in this dimension and belongs under Sentinel().
	KeyOf(e *Element) (Key, bool)
	// KeysFor returns the keys q can match. constrained is false when q does
	// not restrict this dimension; an empty slice with constrained set means
	// nothing can match.
	KeysFor(q *Query) (keys []Key, constrained bool)
	// Sentinel is the key shared by non-participating elements. It lies above
	// MaxValidID and differs between indexers.
	Sentinel() Key
}

// Sentinel keys, one per dimension
const (
	agentSentinel Key = math.MaxUint64 - iota
	sensorSentinel
	methodSentinel
	kindSentinel
	timeSentinel
	childrenSentinel
	sqlSentinel
)

// MaxQueryBuckets caps how many time buckets a range query enumerates before
// the time level falls back to visiting every child.
const MaxQueryBuckets = 4096

// DefaultTimeBucket is the bucket width used when none is configured
const DefaultTimeBucket = time.Minute

// routeKey resolves the key an element is stored under at one level
func routeKey(ix BranchIndexer, e *Element) Key {
	if k, ok := ix.KeyOf(e); ok {
		return k
	}
	return ix.Sentinel()
}

// AgentIndexer branches on the platform (agent) id
type AgentIndexer struct{}

func (AgentIndexer) Name() string  { return "agent" }
func (AgentIndexer) Sentinel() Key { return agentSentinel }

func (AgentIndexer) KeyOf(e *Element) (Key, bool) {
	return Key(e.AgentID), true
}

func (AgentIndexer) KeysFor(q *Query) ([]Key, bool) {
	if id, ok := q.AgentID(); ok {
		return []Key{Key(id)}, true
	}
	return nil, false
}

// SensorTypeIndexer branches on the sensor type id
type SensorTypeIndexer struct{}

func (SensorTypeIndexer) Name() string  { return "sensor" }
func (SensorTypeIndexer) Sentinel() Key { return sensorSentinel }

func (SensorTypeIndexer) KeyOf(e *Element) (Key, bool) {
	return Key(e.SensorTypeID), true
}

func (SensorTypeIndexer) KeysFor(q *Query) ([]Key, bool) {
	if id, ok := q.SensorTypeID(); ok {
		return []Key{Key(id)}, true
	}
	return nil, false
}

// MethodIndexer branches on the method id. Records that are not method
// scoped (method id 0) share the sentinel branch.
type MethodIndexer struct{}

func (MethodIndexer) Name() string  { return "method" }
func (MethodIndexer) Sentinel() Key { return methodSentinel }

func (MethodIndexer) KeyOf(e *Element) (Key, bool) {
	if e.MethodID == 0 {
		return 0, false
	}
	return Key(e.MethodID), true
}

func (m MethodIndexer) KeysFor(q *Query) ([]Key, bool) {
	id, ok := q.MethodID()
	if !ok {
		return nil, false
	}
	if id == 0 {
		return []Key{m.Sentinel()}, true
	}
	return []Key{Key(id)}, true
}

// KindIndexer branches on the record kind
type KindIndexer struct{}

func (KindIndexer) Name() string  { return "kind" }
func (KindIndexer) Sentinel() Key { return kindSentinel }

func (KindIndexer) KeyOf(e *Element) (Key, bool) {
	if e.Kind == KindUnknown {
		return 0, false
	}
	return Key(e.Kind), true
}

func (k KindIndexer) KeysFor(q *Query) ([]Key, bool) {
	kinds, ok := q.Kinds()
	if !ok {
		return nil, false
	}
	keys := make([]Key, 0, len(kinds))
	for _, kind := range kinds {
		if kind == KindUnknown {
			keys = append(keys, k.Sentinel())
			continue
		}
		keys = append(keys, Key(kind))
	}
	return keys, true
}

// TimeBucketIndexer branches on fixed-width windows of the timestamp
type TimeBucketIndexer struct {
	Width time.Duration
}

func (TimeBucketIndexer) Name() string  { return "time" }
func (TimeBucketIndexer) Sentinel() Key { return timeSentinel }

func (t TimeBucketIndexer) width() int64 {
	if t.Width <= 0 {
		return int64(DefaultTimeBucket)
	}
	return int64(t.Width)
}

// bucket clamps instants before the epoch into bucket 0
func (t TimeBucketIndexer) bucket(ts time.Time) uint64 {
	n := ts.UnixNano()
	if n < 0 {
		return 0
	}
	return uint64(n / t.width())
}

func (t TimeBucketIndexer) KeyOf(e *Element) (Key, bool) {
	if e.Timestamp.IsZero() {
		return 0, false
	}
	return Key(t.bucket(e.Timestamp)), true
}

func (t TimeBucketIndexer) KeysFor(q *Query) ([]Key, bool) {
	tr, ok := q.TimeRange()
	if !ok {
		return nil, false
	}
	if tr.Empty() {
		return []Key{}, true
	}
	if !tr.Bounded() {
		return nil, false
	}
	lo, hi := t.bucket(tr.From), t.bucket(tr.To)
	if hi-lo >= MaxQueryBuckets {
		return nil, false
	}
	keys := make([]Key, 0, hi-lo+1)
	for b := lo; b <= hi; b++ {
		keys = append(keys, Key(b))
	}
	return keys, true
}

// Keys for the invocation children dimension
const (
	keyWithChildren Key = 0
	keyChildless    Key = 1
)

// InvocationChildrenIndexer separates invocation sequences without nested
// records from those with children. Other kinds share the sentinel branch.
type InvocationChildrenIndexer struct{}

func (InvocationChildrenIndexer) Name() string  { return "invocation-children" }
func (InvocationChildrenIndexer) Sentinel() Key { return childrenSentinel }

func (InvocationChildrenIndexer) KeyOf(e *Element) (Key, bool) {
	if e.Kind != KindInvocationSequence {
		return 0, false
	}
	if e.IsChildlessInvocation() {
		return keyChildless, true
	}
	return keyWithChildren, true
}

func (InvocationChildrenIndexer) KeysFor(q *Query) ([]Key, bool) {
	if q.OnlyInvocationsWithoutChildren() {
		return []Key{keyChildless}, true
	}
	return nil, false
}

// SQLTextIndexer groups SQL records with identical statement text
type SQLTextIndexer struct{}

func (SQLTextIndexer) Name() string  { return "sql" }
func (SQLTextIndexer) Sentinel() Key { return sqlSentinel }

// sqlKey keeps the top bit clear so a hash never lands on a sentinel
func sqlKey(text string) Key {
	return Key(xxhash.Sum64String(text) >> 1)
}

func (SQLTextIndexer) KeyOf(e *Element) (Key, bool) {
	text, ok := e.SQLText()
	if !ok || text == "" {
		return 0, false
	}
	return sqlKey(text), true
}

func (s SQLTextIndexer) KeysFor(q *Query) ([]Key, bool) {
	text, ok := q.SQL()
	if !ok {
		return nil, false
	}
	if text == "" {
		return []Key{s.Sentinel()}, true
	}
	return []Key{sqlKey(text)}, true
}

// IndexerByName resolves a configured dimension name
func IndexerByName(name string, bucketWidth time.Duration) (BranchIndexer, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "agent", "platform":
		return AgentIndexer{}, nil
	case "sensor", "sensor-type":
		return SensorTypeIndexer{}, nil
	case "method":
		return MethodIndexer{}, nil
	case "kind", "object-type":
		return KindIndexer{}, nil
	case "time", "timestamp":
		return TimeBucketIndexer{Width: bucketWidth}, nil
	case "invocation-children":
		return InvocationChildrenIndexer{}, nil
	case "sql":
		return SQLTextIndexer{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", common.ErrInvalidIndexer, name)
	}
}

// ParseShape resolves the configured sequence of branch dimensions
func ParseShape(names []string, bucketWidth time.Duration) ([]BranchIndexer, error) {
	shape := make([]BranchIndexer, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		ix, err := IndexerByName(name, bucketWidth)
		if err != nil {
			return nil, err
		}
		if seen[ix.Name()] {
			return nil, fmt.Errorf("%w: dimension %q listed twice", common.ErrInvalidIndexer, ix.Name())
		}
		seen[ix.Name()] = true
		shape = append(shape, ix)
	}
	return shape, nil
}
