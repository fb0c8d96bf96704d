package buffer

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mariusoe/inspectIT-sub007/cmr/common"
)

// Compactor frees headroom in the background so that inserts rarely have to
// evict synchronously, and prunes index nodes left empty by evictions.
type Compactor struct {
	manager   *Manager
	interval  time.Duration
	occupancy float64
	limiter   *rate.Limiter
	logger    zerolog.Logger
}

// CompactorOption allows for customization of Compactor
type CompactorOption func(*Compactor)

// WithCompactorLogger sets a custom logger
func WithCompactorLogger(logger zerolog.Logger) CompactorOption {
	return func(c *Compactor) {
		c.logger = logger
	}
}

// WithEvictionRate caps background evictions per second. Zero or less removes the cap.
func WithEvictionRate(perSecond float64) CompactorOption {
	return func(c *Compactor) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), max(1, int(perSecond)))
	}
}

// NewCompactor evicts from manager whenever occupancy exceeds
// occupancy*MaxBytes, checking every interval.
func NewCompactor(manager *Manager, interval time.Duration, occupancy float64, opts ...CompactorOption) (*Compactor, error) {
	if manager == nil {
		return nil, fmt.Errorf("%w: nil manager", common.ErrInvalidArgument)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%w: compaction interval %s", common.ErrInvalidArgument, interval)
	}
	if occupancy <= 0 || occupancy > 1 {
		return nil, fmt.Errorf("%w: eviction occupancy %v outside (0, 1]", common.ErrInvalidArgument, occupancy)
	}
	c := &Compactor{
		manager:   manager,
		interval:  interval,
		occupancy: occupancy,
		limiter:   rate.NewLimiter(rate.Inf, 1),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Threshold is the occupancy in bytes above which the compactor evicts
func (c *Compactor) Threshold() uint64 {
	return uint64(float64(c.manager.MaxBytes()) * c.occupancy)
}

// Run compacts every interval until ctx is cancelled
func (c *Compactor) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.logger.Info().Dur("interval", c.interval).Uint64("threshold", c.Threshold()).Msg("compactor started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("compactor stopped")
			return nil
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error().Err(err).Msg("compaction failed")
			}
		}
	}
}

// RunOnce evicts until occupancy is at or below the threshold, then prunes the
// index. It returns the number of evicted elements.
func (c *Compactor) RunOnce(ctx context.Context) (int, error) {
	threshold := c.Threshold()
	evicted := 0
	for c.manager.Occupied() > threshold {
		if err := c.limiter.Wait(ctx); err != nil {
			return evicted, fmt.Errorf("eviction pacing: %w", err)
		}
		if _, ok := c.manager.evictOne(triggerCompactor); !ok {
			break
		}
		evicted++
	}

	pruned := c.manager.Tree().Compact()
	if evicted > 0 || pruned > 0 {
		c.logger.Debug().
			Int("evicted", evicted).
			Int("pruned_nodes", pruned).
			Uint64("occupied", c.manager.Occupied()).
			Msg("compaction pass finished")
	}
	return evicted, nil
}
