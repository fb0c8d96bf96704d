package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	internal "github.com/mariusoe/inspectIT-sub007/cmr"
	"github.com/mariusoe/inspectIT-sub007/cmr/buffer"
	"github.com/mariusoe/inspectIT-sub007/cmr/common"
	"github.com/mariusoe/inspectIT-sub007/cmr/config"
	"github.com/mariusoe/inspectIT-sub007/cmr/sizing"
	"github.com/mariusoe/inspectIT-sub007/cmr/storage"
	"github.com/mariusoe/inspectIT-sub007/cmr/trees"
)

// Service provides a library-first API over the buffer, its index and the
// persistence of evicted elements.
type Service struct {
	cfg       *config.Config
	logger    zerolog.Logger
	tree      *trees.Tree
	manager   *buffer.Manager
	compactor *buffer.Compactor
	queue     *storage.Queue // nil when storage is disabled
	closer    io.Closer

	registerer prometheus.Registerer
	writer     storage.Writer

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	wg      conc.WaitGroup
}

// Option allows for customization of Service
type Option func(*Service)

// WithLogger sets a custom logger instead of one derived from log.level
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithRegisterer registers buffer metrics on reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Service) {
		s.registerer = reg
	}
}

// WithWriter persists evicted elements through w instead of the configured database
func WithWriter(w storage.Writer) Option {
	return func(s *Service) {
		s.writer = w
	}
}

// NewService wires the estimator, index, buffer, compactor and storage queue
// described by cfg.
func NewService(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Service{
		cfg:    cfg,
		logger: internal.GetLoggerWithLevel(cfg.Log.Level),
	}
	for _, opt := range opts {
		opt(s)
	}

	profile, err := sizing.ProfileByName(cfg.Buffer.Profile, cfg.Buffer.PointerWidth)
	if err != nil {
		return nil, common.WrapError(err, "buffer.profile")
	}
	estimator, err := sizing.NewEstimator(profile)
	if err != nil {
		return nil, err
	}
	shape, err := trees.ParseShape(cfg.Buffer.TreeShape, cfg.Buffer.TimeBucket)
	if err != nil {
		return nil, common.WrapError(err, "buffer.treeShape")
	}
	s.tree = trees.NewTree(shape, trees.WithLogger(s.logger.With().Str("component", "index").Logger()))

	managerOpts := []buffer.ManagerOption{
		buffer.WithManagerLogger(s.logger.With().Str("component", "buffer").Logger()),
		buffer.WithLowWatermark(cfg.Buffer.EvictionLowWatermark),
	}
	if s.registerer != nil {
		managerOpts = append(managerOpts, buffer.WithMetrics(buffer.NewMetrics(s.registerer)))
	}

	if cfg.Storage.Enabled || s.writer != nil {
		if err := s.openStorage(ctx); err != nil {
			return nil, err
		}
		managerOpts = append(managerOpts, buffer.WithSink(s.queue))
	}

	s.manager, err = buffer.NewManager(s.tree, estimator, cfg.Buffer.MaxBytes, managerOpts...)
	if err != nil {
		s.closeStorage()
		return nil, err
	}
	s.compactor, err = buffer.NewCompactor(s.manager, cfg.Buffer.CompactionInterval, cfg.Buffer.EvictionOccupancy,
		buffer.WithCompactorLogger(s.logger.With().Str("component", "compactor").Logger()),
		buffer.WithEvictionRate(cfg.Buffer.CompactionRate),
	)
	if err != nil {
		s.closeStorage()
		return nil, err
	}

	names := make([]string, 0, len(shape))
	for _, ix := range shape {
		names = append(names, ix.Name())
	}
	s.logger.Info().
		Str("profile", profile.Name).
		Int("pointer_width", cfg.Buffer.PointerWidth).
		Uint64("max_bytes", cfg.Buffer.MaxBytes).
		Strs("tree_shape", names).
		Bool("storage", s.queue != nil).
		Msg("buffer service configured")
	return s, nil
}

func (s *Service) openStorage(ctx context.Context) error {
	writer := s.writer
	if writer == nil {
		sqlWriter, err := storage.OpenSQLWriter(ctx, s.cfg.Storage.DSN, s.logger.With().Str("component", "storage").Logger())
		if err != nil {
			return err
		}
		writer, s.closer = sqlWriter, sqlWriter
	}
	queue, err := storage.NewQueue(writer, s.cfg.Storage.QueueSize,
		storage.WithQueueLogger(s.logger.With().Str("component", "storage-queue").Logger()),
		storage.WithBatchSize(s.cfg.Storage.BatchSize),
		storage.WithWorkers(s.cfg.Storage.Workers),
	)
	if err != nil {
		s.closeStorage()
		return err
	}
	s.queue = queue
	return nil
}

func (s *Service) closeStorage() {
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close storage")
		}
		s.closer = nil
	}
}

// Start launches the compactor and the storage queue in the background
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("service is closed")
	}
	if s.started {
		return errors.New("service already started")
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Go(func() {
		_ = s.compactor.Run(runCtx)
	})
	if s.queue != nil {
		// the queue outlives cancellation of ctx so Close can still drain it
		queueCtx := context.WithoutCancel(runCtx)
		s.wg.Go(func() {
			if err := s.queue.Run(queueCtx); err != nil {
				s.logger.Error().Err(err).Msg("storage queue stopped")
			}
		})
	}
	return nil
}

// Close stops background work, persists pending evictions and releases storage
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.queue != nil {
		s.queue.Close()
	}
	if started {
		s.wg.Wait()
	}

	var err error
	if s.closer != nil {
		if cerr := s.closer.Close(); cerr != nil {
			err = fmt.Errorf("failed to close storage: %w", cerr)
		}
	}
	s.logger.Info().Msg("buffer service closed")
	return err
}

// Insert buffers one element
func (s *Service) Insert(e *trees.Element) (*buffer.Slot, error) {
	return s.manager.Insert(e)
}

// Query lazily yields buffered elements matching q
func (s *Service) Query(q *trees.Query) iter.Seq[*trees.Element] {
	return s.manager.Query(q)
}

// QueryAll collects buffered elements matching q
func (s *Service) QueryAll(q *trees.Query) []*trees.Element {
	return s.manager.QueryAll(q)
}

// Get looks up one buffered element by template
func (s *Service) Get(template *trees.Element) (*trees.Element, bool) {
	return s.manager.Get(template)
}

// EvictOne evicts the oldest buffered element
func (s *Service) EvictOne() (*trees.Element, bool) {
	return s.manager.EvictOne()
}

// Clear drops every buffered element
func (s *Service) Clear() {
	s.manager.Clear()
}

// Stats combines buffer and storage statistics
type Stats struct {
	Buffer  buffer.ManagerStats
	Storage *storage.QueueStats
}

func (s *Service) Stats() Stats {
	stats := Stats{Buffer: s.manager.Stats()}
	if s.queue != nil {
		qs := s.queue.Stats()
		stats.Storage = &qs
	}
	return stats
}

// Validate checks the buffer's bookkeeping and the index structure
func (s *Service) Validate() []error {
	return s.manager.Validate()
}
