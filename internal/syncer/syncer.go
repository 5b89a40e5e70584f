// Package syncer drains the local queue to the remote gateway on a schedule.
//
// A run peeks one bounded batch, uploads it and purges up to the highest local
// id of that batch. A failed upload leaves the queue untouched, so the next run
// re-sends the same entries (at-least-once delivery).
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/pneulink/internal/codec"
	"github.com/srg/pneulink/internal/gateway"
	"github.com/srg/pneulink/internal/groutine"
	"github.com/srg/pneulink/internal/metrics"
	"github.com/srg/pneulink/internal/queue"
)

const (
	DefaultBatchSize = 5000
	DefaultTimeout   = 10 * time.Second
)

// ErrSyncInProgress is returned by RunOnce while another run is in flight.
var ErrSyncInProgress = errors.New("sync already in progress")

// Store is the part of the local queue the scheduler needs.
type Store interface {
	PeekBatch(ctx context.Context, limit int) ([]queue.Entry, error)
	PurgeUpTo(ctx context.Context, localID int64) (int64, error)
	MarkSynced(ctx context.Context, t time.Time) error
	Count(ctx context.Context) (int64, error)
}

// Uploader sends a batch to the remote service.
type Uploader interface {
	Upload(ctx context.Context, userID string, readings []codec.Reading) (gateway.UploadResponse, error)
}

type Config struct {
	BatchSize int
	// Timeout bounds a single upload.
	Timeout time.Duration
}

// Result describes one completed run.
type Result struct {
	ReadingsCount int
	RowsInserted  int
	// HighWaterMark is the largest local id purged by this run, 0 when nothing was sent.
	HighWaterMark int64
}

type Syncer struct {
	store    Store
	uploader Uploader
	cfg      Config
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	running atomic.Bool

	loopMu   sync.Mutex
	loopStop context.CancelFunc
	loopDone chan struct{}
	runs     groutine.Group
}

// New creates a Syncer. m may be nil.
func New(store Store, uploader Uploader, cfg Config, logger *logrus.Logger, m *metrics.Metrics) *Syncer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Syncer{
		store:    store,
		uploader: uploader,
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// RunOnce drains one batch. It never runs concurrently with itself: a call made
// while another is in flight returns ErrSyncInProgress immediately.
func (s *Syncer) RunOnce(ctx context.Context, userID string) (Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return Result{}, ErrSyncInProgress
	}
	defer s.running.Store(false)

	log := s.logger.WithField("user_id", userID)

	entries, err := s.store.PeekBatch(ctx, s.cfg.BatchSize)
	if err != nil {
		s.metrics.IncSyncRun(metrics.SyncFailure)
		return Result{}, fmt.Errorf("failed to read pending readings: %w", err)
	}
	if len(entries) == 0 {
		log.Debug("No readings to sync")
		s.metrics.IncSyncRun(metrics.SyncEmpty)
		s.metrics.SetQueueDepth(0)
		return Result{}, nil
	}

	readings := make([]codec.Reading, len(entries))
	highWater := entries[0].LocalID
	for i, e := range entries {
		readings[i] = e.Reading
		if e.LocalID > highWater {
			highWater = e.LocalID
		}
	}

	log.WithField("count", len(readings)).Info("Uploading readings...")

	uploadCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	start := time.Now()
	resp, err := s.uploader.Upload(uploadCtx, userID, readings)
	cancel()
	s.metrics.ObserveUpload(time.Since(start))
	if err != nil {
		s.metrics.IncSyncRun(metrics.SyncFailure)
		log.WithError(err).Warn("Upload failed, readings kept for the next run")
		return Result{}, fmt.Errorf("upload failed: %w", err)
	}

	// Purge on what was sent, not on rows_inserted: the service acknowledges the batch as a whole.
	if resp.RowsInserted != len(readings) {
		log.WithFields(logrus.Fields{
			"sent":          len(readings),
			"rows_inserted": resp.RowsInserted,
		}).Warn("Gateway inserted a different number of rows than sent")
	}

	removed, err := s.store.PurgeUpTo(ctx, highWater)
	if err != nil {
		s.metrics.IncSyncRun(metrics.SyncFailure)
		return Result{}, fmt.Errorf("uploaded %d readings but failed to purge them: %w", len(readings), err)
	}
	if err := s.store.MarkSynced(ctx, s.now()); err != nil {
		log.WithError(err).Warn("Failed to record sync time")
	}
	if depth, err := s.store.Count(ctx); err == nil {
		s.metrics.SetQueueDepth(depth)
	}

	s.metrics.IncSyncRun(metrics.SyncSuccess)
	log.WithFields(logrus.Fields{
		"count":           len(readings),
		"rows_inserted":   resp.RowsInserted,
		"purged":          removed,
		"high_water_mark": highWater,
	}).Info("Sync successful")

	return Result{
		ReadingsCount: len(readings),
		RowsInserted:  resp.RowsInserted,
		HighWaterMark: highWater,
	}, nil
}

// Start runs a sync immediately and then every interval until Stop or ctx is done.
// A tick that fires while a run is still in flight is skipped.
// The returned func is equivalent to Stop.
func (s *Syncer) Start(ctx context.Context, userID string, interval time.Duration) (func(), error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sync interval must be positive, got %s", interval)
	}
	if userID == "" {
		return nil, errors.New("sync requires a user id")
	}

	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	if s.loopStop != nil {
		return nil, errors.New("sync scheduler already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.loopStop = cancel
	s.loopDone = done

	s.logger.WithFields(logrus.Fields{
		"user_id":  userID,
		"interval": interval,
	}).Info("Starting periodic sync")

	groutine.Go(loopCtx, "sync-scheduler", func(ctx context.Context) {
		defer close(done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.tick(ctx, userID)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx, userID)
			}
		}
	})

	return s.Stop, nil
}

// tick launches a run unless one is still in flight. The run gets a context
// detached from the scheduler so Stop never aborts an upload midway.
func (s *Syncer) tick(ctx context.Context, userID string) {
	if s.Running() {
		s.metrics.IncSkippedTick()
		s.logger.Debug("Previous sync still running, skipping tick")
		return
	}
	runCtx := context.WithoutCancel(ctx)
	s.runs.Go(runCtx, "sync-run", func(ctx context.Context) {
		_, err := s.RunOnce(ctx, userID)
		switch {
		case errors.Is(err, ErrSyncInProgress):
			s.metrics.IncSkippedTick()
			s.logger.Debug("Previous sync still running, skipping tick")
		case err != nil:
			s.logger.WithError(err).Error("Scheduled sync failed")
		}
	})
}

// Stop cancels future ticks and waits for the scheduler loop to exit.
// A run already in flight keeps going; use Wait to block until it finishes.
func (s *Syncer) Stop() {
	s.loopMu.Lock()
	stop, done := s.loopStop, s.loopDone
	s.loopStop, s.loopDone = nil, nil
	s.loopMu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
	s.logger.Info("Periodic sync stopped")
}

// Wait blocks until every run started by the scheduler has finished.
func (s *Syncer) Wait() {
	s.runs.Wait()
}

// Running reports whether a run is in flight.
func (s *Syncer) Running() bool {
	return s.running.Load()
}
