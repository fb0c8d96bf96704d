package trees

import (
	"sync/atomic"
)

// TreeStats is a point-in-time view of the tree's structure and activity
type TreeStats struct {
	Elements      int
	Branches      int
	Leaves        int
	MaxDepth      int
	Inserts       int64
	Removes       int64
	Queries       int64
	ShortCircuits int64 // queries answered without visiting any node
	ElementChecks int64 // per-element predicate evaluations across all queries
	PrunedNodes   int64
}

type treeCounters struct {
	inserts       atomic.Int64
	removes       atomic.Int64
	queries       atomic.Int64
	shortCircuits atomic.Int64
	checks        atomic.Int64
	pruned        atomic.Int64
}

// Stats walks the tree and returns its current statistics
func (t *Tree) Stats() TreeStats {
	stats := TreeStats{
		Elements:      t.Count(),
		Inserts:       t.stats.inserts.Load(),
		Removes:       t.stats.removes.Load(),
		Queries:       t.stats.queries.Load(),
		ShortCircuits: t.stats.shortCircuits.Load(),
		ElementChecks: t.stats.checks.Load(),
		PrunedNodes:   t.stats.pruned.Load(),
	}
	t.walk(func(n node, depth int) {
		switch n.(type) {
		case *branchNode:
			stats.Branches++
		case *leafNode:
			stats.Leaves++
		}
		stats.MaxDepth = max(stats.MaxDepth, depth)
	})
	return stats
}
