package trees

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mariusoe/inspectIT-sub007/cmr/common"
	"github.com/mariusoe/inspectIT-sub007/cmr/sizing"
)

// MaxValidID is the largest id usable for elements, agents, sensor types and
// methods. The range above it is reserved for branch sentinel keys.
const MaxValidID uint64 = math.MaxUint64 - 16

// RecordKind discriminates the concrete measurement carried by an Element
type RecordKind int

const (
	KindUnknown RecordKind = iota
	KindTimer
	KindSQLStatement
	KindHTTPTimer
	KindInvocationSequence
	KindException
	KindCPUInformation
	KindMemoryInformation
)

// Kinds lists every concrete record kind
var Kinds = []RecordKind{
	KindTimer,
	KindSQLStatement,
	KindHTTPTimer,
	KindInvocationSequence,
	KindException,
	KindCPUInformation,
	KindMemoryInformation,
}

func (k RecordKind) String() string {
	switch k {
	case KindTimer:
		return "timer"
	case KindSQLStatement:
		return "sql"
	case KindHTTPTimer:
		return "http"
	case KindInvocationSequence:
		return "invocation"
	case KindException:
		return "exception"
	case KindCPUInformation:
		return "cpu"
	case KindMemoryInformation:
		return "memory"
	default:
		return "unknown"
	}
}

// ParseRecordKind maps a kind name back to its RecordKind
func ParseRecordKind(s string) (RecordKind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for _, k := range Kinds {
		if k.String() == name {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: record kind %q", common.ErrInvalidArgument, s)
}

// MethodScoped reports whether records of this kind carry a method id
func (k RecordKind) MethodScoped() bool {
	switch k {
	case KindTimer, KindSQLStatement, KindHTTPTimer, KindInvocationSequence, KindException:
		return true
	default:
		return false
	}
}

// Element is one measurement record delivered by an agent
type Element struct {
	ID           uint64     `json:"id"`
	AgentID      uint64     `json:"agent_id"`
	SensorTypeID uint64     `json:"sensor_type_id"`
	MethodID     uint64     `json:"method_id"` // 0 when the kind is not method scoped
	Timestamp    time.Time  `json:"timestamp"`
	Kind         RecordKind `json:"kind"`
	Payload      Payload    `json:"payload,omitempty"`
}

// NewElement builds an element whose kind is taken from the payload
func NewElement(id, agentID, sensorTypeID, methodID uint64, ts time.Time, payload Payload) *Element {
	e := &Element{
		ID:           id,
		AgentID:      agentID,
		SensorTypeID: sensorTypeID,
		MethodID:     methodID,
		Timestamp:    ts,
	}
	if payload != nil {
		e.Kind = payload.Kind()
		e.Payload = payload
	}
	return e
}

// Validate checks the element can be indexed
func (e *Element) Validate() error {
	if e.ID == 0 {
		return common.ErrUnassignedID
	}
	if e.ID > MaxValidID || e.AgentID > MaxValidID || e.SensorTypeID > MaxValidID || e.MethodID > MaxValidID {
		return fmt.Errorf("%w: id in reserved range (element %d)", common.ErrInvalidArgument, e.ID)
	}
	if e.Payload != nil && e.Payload.Kind() != e.Kind {
		return fmt.Errorf("%w: element %d declares kind %s but carries %s payload",
			common.ErrInvalidArgument, e.ID, e.Kind, e.Payload.Kind())
	}
	return nil
}

// SQLText returns the statement text of SQL records
func (e *Element) SQLText() (string, bool) {
	if e.Kind != KindSQLStatement {
		return "", false
	}
	p, ok := e.Payload.(*SQLPayload)
	if !ok || p == nil {
		return "", false
	}
	return p.SQL, true
}

// IsChildlessInvocation reports whether the element is an invocation sequence
// without nested records.
func (e *Element) IsChildlessInvocation() bool {
	if e.Kind != KindInvocationSequence {
		return false
	}
	p, ok := e.Payload.(*InvocationPayload)
	return !ok || p == nil || len(p.Children) == 0
}

// Matches checks the element against every constraint of q. The extra
// restriction runs last so it only sees elements that passed the built-in fields.
func (e *Element) Matches(q *Query) bool {
	if e == nil {
		return false
	}
	if q == nil {
		return true
	}
	if v, ok := q.AgentID(); ok && e.AgentID != v {
		return false
	}
	if v, ok := q.SensorTypeID(); ok && e.SensorTypeID != v {
		return false
	}
	if v, ok := q.MethodID(); ok && e.MethodID != v {
		return false
	}
	if !q.MatchesKind(e.Kind) {
		return false
	}
	if tr, ok := q.TimeRange(); ok && !tr.Contains(e.Timestamp) {
		return false
	}
	if sql, ok := q.SQL(); ok {
		text, isSQL := e.SQLText()
		if !isSQL || text != sql {
			return false
		}
	}
	if q.OnlyInvocationsWithoutChildren() && !e.IsChildlessInvocation() {
		return false
	}
	if minID, ok := q.MinID(); ok && e.ID <= minID {
		return false
	}
	if !q.matchesIDs(e.ID) {
		return false
	}
	if r := q.Restriction(); r != nil && !r(e) {
		return false
	}
	return true
}

// ObjectSize implements sizing.Sized. Payloads, typed nil ones included,
// size themselves and a missing payload adds nothing.
func (e *Element) ObjectSize(est sizing.Estimator) uint64 {
	size := e.headerSize(est)
	if e.Payload != nil {
		size = sizing.Add(size, e.Payload.ObjectSize(est))
	}
	return size
}

func (e *Element) headerSize(est sizing.Estimator) uint64 {
	size := est.Object(est.PrimitiveSizes(2, 0, 1, 4, 0))
	if !e.Timestamp.IsZero() {
		size = sizing.Add(size, est.TimestampSize())
	}
	return size
}

func (e *Element) String() string {
	return fmt.Sprintf("%s#%d(agent=%d sensor=%d method=%d ts=%s)",
		e.Kind, e.ID, e.AgentID, e.SensorTypeID, e.MethodID, e.Timestamp.Format(time.RFC3339Nano))
}
