package storage_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smedrec/smart-logs-sub004/internal/storage"
)

// mockMaintainer records calls and can block or fail per step.
type mockMaintainer struct {
	mu          sync.Mutex
	createCalls int
	dropCalls   int
	analyzes    int

	createErr error
	dropErr   error
	block     chan struct{}

	lastCreateAhead   int
	lastRetentionDays int
}

func (m *mockMaintainer) CreatePartitionsAhead(_ context.Context, n int) ([]string, error) {
	m.mu.Lock()
	m.createCalls++
	m.lastCreateAhead = n
	block := m.block
	err := m.createErr
	m.mu.Unlock()
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return []string{"audit_log_2026_09"}, nil
}

func (m *mockMaintainer) DropExpired(_ context.Context, retentionDays int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropCalls++
	m.lastRetentionDays = retentionDays
	if m.dropErr != nil {
		return nil, m.dropErr
	}
	return nil, nil
}

func (m *mockMaintainer) Analyze(_ context.Context) (*storage.PartitionAnalysis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.analyzes++
	return &storage.PartitionAnalysis{TotalPartitions: 3}, nil
}

func (m *mockMaintainer) counts() (int, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls, m.dropCalls, m.analyzes
}

func testSchedulerConfig() storage.SchedulerConfig {
	return storage.SchedulerConfig{
		Interval:      time.Hour,
		RetentionDays: 90,
		CreateAhead:   4,
		AutoCreate:    true,
		AutoDrop:      true,
	}
}

func TestScheduler_TickRunsAllSteps(t *testing.T) {
	m := &mockMaintainer{}
	s := storage.NewMaintenanceScheduler(testSchedulerConfig(), m)

	ok := s.Tick(context.Background())
	assert.True(t, ok)

	creates, drops, analyzes := m.counts()
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, drops)
	assert.Equal(t, 1, analyzes)
	assert.Equal(t, 4, m.lastCreateAhead)
	assert.Equal(t, 90, m.lastRetentionDays)
}

func TestScheduler_FlagsDisableSteps(t *testing.T) {
	m := &mockMaintainer{}
	cfg := testSchedulerConfig()
	cfg.AutoCreate = false
	cfg.AutoDrop = false
	s := storage.NewMaintenanceScheduler(cfg, m)

	require.True(t, s.Tick(context.Background()))

	creates, drops, analyzes := m.counts()
	assert.Zero(t, creates)
	assert.Zero(t, drops)
	assert.Equal(t, 1, analyzes)
}

func TestScheduler_TickToleratesStepErrors(t *testing.T) {
	m := &mockMaintainer{
		createErr: errors.New("ddl failed"),
		dropErr:   errors.New("lock timeout"),
	}
	s := storage.NewMaintenanceScheduler(testSchedulerConfig(), m)

	// A failing step does not abort the tick; analyze still runs.
	require.True(t, s.Tick(context.Background()))
	_, _, analyzes := m.counts()
	assert.Equal(t, 1, analyzes)
}

func TestScheduler_SkipsOverlappingTick(t *testing.T) {
	m := &mockMaintainer{block: make(chan struct{})}
	s := storage.NewMaintenanceScheduler(testSchedulerConfig(), m)

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		close(started)
		s.Tick(context.Background())
		close(done)
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	// The first tick is still blocked inside CreatePartitionsAhead.
	assert.False(t, s.Tick(context.Background()))

	close(m.block)
	<-done
}

func TestScheduler_StartRunsImmediateTickAndStops(t *testing.T) {
	m := &mockMaintainer{}
	s := storage.NewMaintenanceScheduler(testSchedulerConfig(), m)

	s.Start(context.Background())

	require.Eventually(t, func() bool {
		creates, _, _ := m.counts()
		return creates == 1
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()

	// No further ticks after Stop.
	creates, _, _ := m.counts()
	time.Sleep(30 * time.Millisecond)
	after, _, _ := m.counts()
	assert.Equal(t, creates, after)
}

func TestScheduler_DefaultsApplied(t *testing.T) {
	s := storage.NewMaintenanceScheduler(storage.SchedulerConfig{AutoCreate: true}, &mockMaintainer{})
	require.NotNil(t, s)

	m := &mockMaintainer{}
	s = storage.NewMaintenanceScheduler(storage.SchedulerConfig{AutoCreate: true, AutoDrop: true}, m)
	require.True(t, s.Tick(context.Background()))
	assert.Equal(t, storage.DefaultCreateAhead, m.lastCreateAhead)
	assert.Equal(t, storage.DefaultPartitionRetentionDays, m.lastRetentionDays)
}
