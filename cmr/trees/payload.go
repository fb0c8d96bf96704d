package trees

import (
	"github.com/mariusoe/inspectIT-sub007/cmr/sizing"
)

// Payload is the kind-specific part of an Element
type Payload interface {
	sizing.Sized
	Kind() RecordKind
}

// TimerPayload aggregates method invocation durations in milliseconds
type TimerPayload struct {
	Count             int64   `json:"count"`
	Duration          float64 `json:"duration"`
	Min               float64 `json:"min"`
	Max               float64 `json:"max"`
	CPUDuration       float64 `json:"cpu_duration"`
	ExclusiveDuration float64 `json:"exclusive_duration"`
}

func (p *TimerPayload) Kind() RecordKind { return KindTimer }

func (p *TimerPayload) ObjectSize(est sizing.Estimator) uint64 {
	if p == nil {
		return 0
	}
	return est.Object(est.PrimitiveSizes(0, 0, 0, 1, 5))
}

// Add folds one more measured invocation into the aggregate
func (p *TimerPayload) Add(duration float64) {
	if p.Count == 0 || duration < p.Min {
		p.Min = duration
	}
	if duration > p.Max {
		p.Max = duration
	}
	p.Count++
	p.Duration += duration
}

// SQLPayload is a timer bound to one executed statement
type SQLPayload struct {
	TimerPayload
	SQL        string   `json:"sql"`
	Prepared   bool     `json:"prepared"`
	Parameters []string `json:"parameters,omitempty"`
}

func (p *SQLPayload) Kind() RecordKind { return KindSQLStatement }

func (p *SQLPayload) ObjectSize(est sizing.Estimator) uint64 {
	if p == nil {
		return 0
	}
	size := sizing.Add(
		est.Object(est.PrimitiveSizes(2, 1, 0, 1, 5)),
		est.StringSize(p.SQL),
	)
	if p.Parameters != nil {
		size = sizing.Add(size, est.CollectionOverhead(len(p.Parameters)))
		for _, param := range p.Parameters {
			size = sizing.Add(size, est.StringSize(param))
		}
	}
	return size
}

// HTTPPayload is a timer bound to one served request
type HTTPPayload struct {
	TimerPayload
	URI           string            `json:"uri"`
	RequestMethod string            `json:"request_method"`
	Headers       map[string]string `json:"headers,omitempty"`
}

func (p *HTTPPayload) Kind() RecordKind { return KindHTTPTimer }

func (p *HTTPPayload) ObjectSize(est sizing.Estimator) uint64 {
	if p == nil {
		return 0
	}
	size := sizing.Add(
		est.Object(est.PrimitiveSizes(3, 0, 0, 1, 5)),
		est.StringSize(p.URI),
		est.StringSize(p.RequestMethod),
	)
	if p.Headers != nil {
		size = sizing.Add(size, est.MapOverhead(len(p.Headers)))
		for k, v := range p.Headers {
			size = sizing.Add(size, est.StringSize(k), est.StringSize(v))
		}
	}
	return size
}

// InvocationPayload is a recorded call tree rooted at one method. Children are
// owned by the sequence and are never indexed on their own.
type InvocationPayload struct {
	Duration float64    `json:"duration"`
	Children []*Element `json:"children,omitempty"`
}

func (p *InvocationPayload) Kind() RecordKind { return KindInvocationSequence }

// MaxNestingDepth bounds how deep invocation sequences are walked. Deeper or
// cyclic call trees size as sizing.Saturated.
const MaxNestingDepth = 1024

func (p *InvocationPayload) ObjectSize(est sizing.Estimator) uint64 {
	return p.sizeAt(est, make(map[*InvocationPayload]struct{}), 0)
}

// sizeAt sizes p with path holding the sequences currently being walked
func (p *InvocationPayload) sizeAt(est sizing.Estimator, path map[*InvocationPayload]struct{}, depth int) uint64 {
	if p == nil {
		return 0
	}
	if _, cyclic := path[p]; cyclic || depth > MaxNestingDepth {
		return sizing.Saturated
	}
	path[p] = struct{}{}
	defer delete(path, p)

	size := est.Object(est.PrimitiveSizes(1, 0, 0, 1, 1))
	if p.Children == nil {
		return size
	}
	size = sizing.Add(size, est.CollectionOverhead(len(p.Children)))
	for _, child := range p.Children {
		if child == nil {
			continue
		}
		size = sizing.Add(size, child.headerSize(est))
		if nested, ok := child.Payload.(*InvocationPayload); ok {
			size = sizing.Add(size, nested.sizeAt(est, path, depth+1))
		} else if child.Payload != nil {
			size = sizing.Add(size, child.Payload.ObjectSize(est))
		}
		if size == sizing.Saturated {
			return size
		}
	}
	return size
}

// NestedCount returns the number of records below this sequence. A sequence
// reachable from itself is not descended into again, and nothing below
// MaxNestingDepth is counted.
func (p *InvocationPayload) NestedCount() int {
	return p.nestedCount(make(map[*InvocationPayload]struct{}), 0)
}

func (p *InvocationPayload) nestedCount(path map[*InvocationPayload]struct{}, depth int) int {
	if p == nil || depth > MaxNestingDepth {
		return 0
	}
	if _, cyclic := path[p]; cyclic {
		return 0
	}
	path[p] = struct{}{}
	defer delete(path, p)

	n := 0
	for _, child := range p.Children {
		if child == nil {
			continue
		}
		n++
		if nested, ok := child.Payload.(*InvocationPayload); ok {
			n += nested.nestedCount(path, depth+1)
		}
	}
	return n
}

// ExceptionEvent is the stage at which a throwable was observed
type ExceptionEvent int

const (
	ExceptionCreated ExceptionEvent = iota
	ExceptionPassed
	ExceptionHandled
)

// ExceptionPayload records one observed throwable
type ExceptionPayload struct {
	ThrowableType string         `json:"throwable_type"`
	Message       string         `json:"message,omitempty"`
	StackTrace    string         `json:"stack_trace,omitempty"`
	Event         ExceptionEvent `json:"event"`
}

func (p *ExceptionPayload) Kind() RecordKind { return KindException }

func (p *ExceptionPayload) ObjectSize(est sizing.Estimator) uint64 {
	if p == nil {
		return 0
	}
	return sizing.Add(
		est.Object(est.PrimitiveSizes(3, 0, 1, 0, 0)),
		est.StringSize(p.ThrowableType),
		est.StringSize(p.Message),
		est.StringSize(p.StackTrace),
	)
}

// CPUPayload is a platform sample of processor usage
type CPUPayload struct {
	Count          int     `json:"count"`
	ProcessCPUTime int64   `json:"process_cpu_time"`
	UsageMin       float64 `json:"usage_min"`
	UsageMax       float64 `json:"usage_max"`
	UsageTotal     float64 `json:"usage_total"`
}

func (p *CPUPayload) Kind() RecordKind { return KindCPUInformation }

func (p *CPUPayload) ObjectSize(est sizing.Estimator) uint64 {
	if p == nil {
		return 0
	}
	return est.Object(est.PrimitiveSizes(0, 0, 1, 1, 3))
}

// MemoryPayload is a platform sample of heap usage in bytes
type MemoryPayload struct {
	Count         int   `json:"count"`
	FreeMemory    int64 `json:"free_memory"`
	HeapUsed      int64 `json:"heap_used"`
	HeapCommitted int64 `json:"heap_committed"`
	NonHeapUsed   int64 `json:"non_heap_used"`
}

func (p *MemoryPayload) Kind() RecordKind { return KindMemoryInformation }

func (p *MemoryPayload) ObjectSize(est sizing.Estimator) uint64 {
	if p == nil {
		return 0
	}
	return est.Object(est.PrimitiveSizes(0, 0, 1, 4, 0))
}
