package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pitabwire/util"
)

// DefaultMaintenanceInterval is how often partition maintenance runs.
const DefaultMaintenanceInterval = 24 * time.Hour

// Maintainer is the partition manager surface the scheduler drives.
type Maintainer interface {
	CreatePartitionsAhead(ctx context.Context, n int) ([]string, error)
	DropExpired(ctx context.Context, retentionDays int) ([]string, error)
	Analyze(ctx context.Context) (*PartitionAnalysis, error)
}

// SchedulerConfig configures the partition maintenance scheduler.
type SchedulerConfig struct {
	// Interval between maintenance ticks.
	Interval time.Duration

	// RetentionDays passed to DropExpired.
	RetentionDays int

	// CreateAhead months passed to CreatePartitionsAhead.
	CreateAhead int

	// AutoCreate enables partition pre-creation.
	AutoCreate bool

	// AutoDrop enables expired partition removal.
	AutoDrop bool
}

// DefaultSchedulerConfig returns the default maintenance settings.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:      DefaultMaintenanceInterval,
		RetentionDays: DefaultPartitionRetentionDays,
		CreateAhead:   DefaultCreateAhead,
		AutoCreate:    true,
		AutoDrop:      true,
	}
}

// MaintenanceScheduler periodically drives the partition manager. Runs
// out-of-band from the worker pool; a tick that is still running when
// the next fires causes the new tick to be skipped.
type MaintenanceScheduler struct {
	cfg        SchedulerConfig
	maintainer Maintainer

	running atomic.Bool
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewMaintenanceScheduler creates a scheduler over the given manager.
func NewMaintenanceScheduler(cfg SchedulerConfig, maintainer Maintainer) *MaintenanceScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMaintenanceInterval
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultPartitionRetentionDays
	}
	if cfg.CreateAhead <= 0 {
		cfg.CreateAhead = DefaultCreateAhead
	}
	return &MaintenanceScheduler{
		cfg:        cfg,
		maintainer: maintainer,
		stop:       make(chan struct{}),
	}
}

// Start runs one immediate tick and then the periodic loop.
func (s *MaintenanceScheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.Tick(ctx)

		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			case <-ticker.C:
				s.Tick(ctx)
			}
		}
	}()
}

// Stop terminates the loop and waits for a running tick to finish.
func (s *MaintenanceScheduler) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Tick runs one maintenance round. Errors within a tick are logged and
// the scheduler carries on at the next interval. Returns false when the
// tick was skipped because a previous one is still running.
func (s *MaintenanceScheduler) Tick(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		util.Log(ctx).Warn("partition maintenance still running, skipping tick")
		return false
	}
	defer s.running.Store(false)

	log := util.Log(ctx)

	if s.cfg.AutoCreate {
		created, err := s.maintainer.CreatePartitionsAhead(ctx, s.cfg.CreateAhead)
		if err != nil {
			log.WithError(err).Error("partition pre-creation failed")
		} else if len(created) > 0 {
			log.Info("partition pre-creation complete", "created", created)
		}
	}

	if s.cfg.AutoDrop {
		dropped, err := s.maintainer.DropExpired(ctx, s.cfg.RetentionDays)
		if err != nil {
			log.WithError(err).Error("expired partition drop failed")
		} else if len(dropped) > 0 {
			log.Info("expired partitions dropped", "dropped", dropped)
		}
	}

	analysis, err := s.maintainer.Analyze(ctx)
	if err != nil {
		log.WithError(err).Error("partition analysis failed")
		return true
	}
	log.Info("partition maintenance summary",
		"partitions", analysis.TotalPartitions,
		"total_size_bytes", analysis.TotalSizeBytes,
		"total_records", analysis.TotalRecords,
		"average_size_bytes", analysis.AverageSizeBytes,
		"recommendations", analysis.Recommendations)
	return true
}
