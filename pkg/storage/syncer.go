package storage

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openspool/printd/pkg/log"
	"github.com/openspool/printd/pkg/types"
)

// Sources supplies the current engine snapshots to the syncer. Each
// closure is called outside any engine lock.
type Sources struct {
	Printers      func() []*types.Printer
	Jobs          func() []*types.Job
	Subscriptions func() []*types.Subscription
	Server        func() ServerState
}

// Syncer batches engine changes into periodic whole-bucket writes.
// The engines flag changed domains through the Mark methods, which
// only flip an atomic and are safe to call while an engine lock is
// held.
type Syncer struct {
	store    *BoltStore
	sources  Sources
	interval time.Duration

	printersDirty atomic.Bool
	jobsDirty     atomic.Bool
	subsDirty     atomic.Bool
	serverDirty   atomic.Bool

	stopCh chan struct{}
	logger zerolog.Logger
}

// NewSyncer creates a syncer flushing at the given interval.
func NewSyncer(store *BoltStore, sources Sources, interval time.Duration) *Syncer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Syncer{
		store:    store,
		sources:  sources,
		interval: interval,
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("storage"),
	}
}

// Mark methods flag a domain for the next flush.

func (s *Syncer) MarkPrinters() { s.printersDirty.Store(true); s.serverDirty.Store(true) }

func (s *Syncer) MarkJobs() { s.jobsDirty.Store(true); s.serverDirty.Store(true) }

func (s *Syncer) MarkSubscriptions() { s.subsDirty.Store(true) }

// Start begins the flush loop.
func (s *Syncer) Start() {
	go s.run()
}

// Stop halts the loop and writes any pending changes.
func (s *Syncer) Stop() {
	close(s.stopCh)
	s.Flush()
}

func (s *Syncer) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Flush()
		case <-s.stopCh:
			return
		}
	}
}

// Flush writes every dirty domain. A failed write re-marks its domain
// so the next cycle retries.
func (s *Syncer) Flush() {
	if s.printersDirty.Swap(false) {
		if err := s.store.SavePrinters(s.sources.Printers()); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist destinations")
			s.printersDirty.Store(true)
		}
	}
	if s.jobsDirty.Swap(false) {
		if err := s.store.SaveJobs(s.sources.Jobs()); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist jobs")
			s.jobsDirty.Store(true)
		}
	}
	if s.subsDirty.Swap(false) {
		if err := s.store.SaveSubscriptions(s.sources.Subscriptions()); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist subscriptions")
			s.subsDirty.Store(true)
		}
	}
	if s.serverDirty.Swap(false) {
		if err := s.store.SaveServerState(s.sources.Server()); err != nil {
			s.logger.Error().Err(err).Msg("failed to persist server state")
			s.serverDirty.Store(true)
		}
	}
}
