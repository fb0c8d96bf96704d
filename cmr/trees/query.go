package trees

import (
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
)

// Restriction is an opaque caller-supplied predicate evaluated after all
// built-in constraints of a query have passed.
type Restriction func(*Element) bool

// AllOf combines restrictions so that every one must hold. Nil entries are skipped.
func AllOf(restrictions ...Restriction) Restriction {
	var active []Restriction
	for _, r := range restrictions {
		if r != nil {
			active = append(active, r)
		}
	}
	switch len(active) {
	case 0:
		return nil
	case 1:
		return active[0]
	}
	return func(e *Element) bool {
		for _, r := range active {
			if !r(e) {
				return false
			}
		}
		return true
	}
}

// TimeRange is an inclusive interval. A zero From or To leaves that end open.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t lies within the range
func (tr TimeRange) Contains(t time.Time) bool {
	if !tr.From.IsZero() && t.Before(tr.From) {
		return false
	}
	if !tr.To.IsZero() && t.After(tr.To) {
		return false
	}
	return true
}

// Bounded reports whether both ends are set
func (tr TimeRange) Bounded() bool {
	return !tr.From.IsZero() && !tr.To.IsZero()
}

// Empty reports whether no instant can satisfy the range
func (tr TimeRange) Empty() bool {
	return tr.Bounded() && tr.From.After(tr.To)
}

// Query holds the criteria of one lookup. It is only created through
// QueryBuilder and is read-only afterwards, so it can be shared between goroutines.
type Query struct {
	agentID      uint64
	hasAgent     bool
	sensorTypeID uint64
	hasSensor    bool
	methodID     uint64
	hasMethod    bool

	timeRange    TimeRange
	hasTimeRange bool

	kindMask uint64
	hasKinds bool

	sql    string
	hasSQL bool

	onlyChildless bool

	minID    uint64
	hasMinID bool

	includeIDs *roaring64.Bitmap
	excludeIDs *roaring64.Bitmap

	restriction Restriction
}

var unconstrained = &Query{}

// Unconstrained returns the query that matches every element
func Unconstrained() *Query {
	return unconstrained
}

func (q *Query) AgentID() (uint64, bool)      { return q.agentID, q.hasAgent }
func (q *Query) SensorTypeID() (uint64, bool) { return q.sensorTypeID, q.hasSensor }
func (q *Query) MethodID() (uint64, bool)     { return q.methodID, q.hasMethod }
func (q *Query) TimeRange() (TimeRange, bool) { return q.timeRange, q.hasTimeRange }
func (q *Query) SQL() (string, bool)          { return q.sql, q.hasSQL }
func (q *Query) MinID() (uint64, bool)        { return q.minID, q.hasMinID }
func (q *Query) Restriction() Restriction     { return q.restriction }

// OnlyInvocationsWithoutChildren restricts results to invocation sequences
// that carry no nested records.
func (q *Query) OnlyInvocationsWithoutChildren() bool {
	return q.onlyChildless
}

// Kinds returns the accepted record kinds, or false when any kind is accepted
func (q *Query) Kinds() ([]RecordKind, bool) {
	if !q.hasKinds {
		return nil, false
	}
	kinds := []RecordKind{}
	for k := KindUnknown; k <= KindMemoryInformation; k++ {
		if q.kindMask&(1<<uint(k)) != 0 {
			kinds = append(kinds, k)
		}
	}
	return kinds, true
}

// MatchesKind reports whether elements of kind k pass the kind constraint
func (q *Query) MatchesKind(k RecordKind) bool {
	if !q.hasKinds {
		return true
	}
	if k < 0 || k >= 64 {
		return false
	}
	return q.kindMask&(1<<uint(k)) != 0
}

// IncludeIDs returns a copy of the id allow-list
func (q *Query) IncludeIDs() (*roaring64.Bitmap, bool) {
	if q.includeIDs == nil {
		return nil, false
	}
	return q.includeIDs.Clone(), true
}

// ExcludeIDs returns a copy of the id deny-list
func (q *Query) ExcludeIDs() (*roaring64.Bitmap, bool) {
	if q.excludeIDs == nil {
		return nil, false
	}
	return q.excludeIDs.Clone(), true
}

// IsUnconstrained reports whether the query accepts every element
func (q *Query) IsUnconstrained() bool {
	return !q.hasAgent && !q.hasSensor && !q.hasMethod && !q.hasTimeRange &&
		!q.hasKinds && !q.hasSQL && !q.onlyChildless && !q.hasMinID &&
		q.includeIDs == nil && q.excludeIDs == nil && q.restriction == nil
}

func (q *Query) matchesIDs(id uint64) bool {
	if q.includeIDs != nil && !q.includeIDs.Contains(id) {
		return false
	}
	if q.excludeIDs != nil && q.excludeIDs.Contains(id) {
		return false
	}
	return true
}

// QueryBuilder assembles a Query step by step
type QueryBuilder struct {
	q            Query
	restrictions []Restriction
}

// NewQueryBuilder starts an unconstrained query
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{}
}

func (b *QueryBuilder) WithAgentID(id uint64) *QueryBuilder {
	b.q.agentID, b.q.hasAgent = id, true
	return b
}

func (b *QueryBuilder) WithSensorTypeID(id uint64) *QueryBuilder {
	b.q.sensorTypeID, b.q.hasSensor = id, true
	return b
}

func (b *QueryBuilder) WithMethodID(id uint64) *QueryBuilder {
	b.q.methodID, b.q.hasMethod = id, true
	return b
}

// WithTimeRange constrains timestamps to [from, to]; a zero bound stays open
func (b *QueryBuilder) WithTimeRange(from, to time.Time) *QueryBuilder {
	b.q.timeRange, b.q.hasTimeRange = TimeRange{From: from, To: to}, true
	return b
}

// WithKinds accepts only the listed kinds. Calling it with no kinds makes the
// query unsatisfiable.
func (b *QueryBuilder) WithKinds(kinds ...RecordKind) *QueryBuilder {
	b.q.hasKinds = true
	for _, k := range kinds {
		if k >= 0 && k < 64 {
			b.q.kindMask |= 1 << uint(k)
		}
	}
	return b
}

func (b *QueryBuilder) WithSQL(sql string) *QueryBuilder {
	b.q.sql, b.q.hasSQL = sql, true
	return b
}

func (b *QueryBuilder) OnlyInvocationsWithoutChildren() *QueryBuilder {
	b.q.onlyChildless = true
	return b
}

// WithMinID accepts only elements with an id strictly greater than id
func (b *QueryBuilder) WithMinID(id uint64) *QueryBuilder {
	b.q.minID, b.q.hasMinID = id, true
	return b
}

// WithIDs restricts results to the given element ids
func (b *QueryBuilder) WithIDs(ids ...uint64) *QueryBuilder {
	if b.q.includeIDs == nil {
		b.q.includeIDs = roaring64.New()
	}
	b.q.includeIDs.AddMany(ids)
	return b
}

// WithoutIDs excludes the given element ids
func (b *QueryBuilder) WithoutIDs(ids ...uint64) *QueryBuilder {
	if b.q.excludeIDs == nil {
		b.q.excludeIDs = roaring64.New()
	}
	b.q.excludeIDs.AddMany(ids)
	return b
}

// WithRestriction adds a caller predicate; several restrictions must all hold
func (b *QueryBuilder) WithRestriction(r Restriction) *QueryBuilder {
	if r != nil {
		b.restrictions = append(b.restrictions, r)
	}
	return b
}

// Build returns an immutable snapshot of the builder's state. The builder
// may keep being used without affecting queries already built.
func (b *QueryBuilder) Build() *Query {
	q := b.q
	if q.includeIDs != nil {
		q.includeIDs = q.includeIDs.Clone()
	}
	if q.excludeIDs != nil {
		q.excludeIDs = q.excludeIDs.Clone()
	}
	q.restriction = AllOf(b.restrictions...)
	return &q
}
