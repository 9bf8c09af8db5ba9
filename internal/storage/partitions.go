package storage

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/util"
	"gorm.io/gorm"
)

// Partition management defaults.
const (
	DefaultCreateAhead            = 6
	DefaultPartitionRetentionDays = 2555 // ~7 years

	// Analyze thresholds driving recommendations.
	largePartitionBytes = int64(1) << 30 // 1 GiB
	maxPartitionCount   = 60
)

// PartitionDescriptor describes one child partition of the audit table.
type PartitionDescriptor struct {
	ParentTable   string    `json:"parent_table"`
	PartitionName string    `json:"partition_name"`
	RangeStart    time.Time `json:"range_start"`
	RangeEnd      time.Time `json:"range_end"`
	SizeBytes     int64     `json:"size_bytes"`
	ApproxRows    int64     `json:"approx_rows"`
	RangeExpr     string    `json:"range_expr,omitempty"`
}

// PartitionAnalysis summarizes the physical layout.
type PartitionAnalysis struct {
	TotalPartitions  int      `json:"total_partitions"`
	TotalSizeBytes   int64    `json:"total_size_bytes"`
	TotalRecords     int64    `json:"total_records"`
	AverageSizeBytes int64    `json:"average_size_bytes"`
	Recommendations  []string `json:"recommendations"`
}

// PartitionManager maintains the monthly range partitions of the
// audit_log parent table and their indexes.
type PartitionManager struct {
	pool        pool.Pool
	parentTable string
}

// NewPartitionManager creates a manager for the audit_log table.
func NewPartitionManager(pool pool.Pool) *PartitionManager {
	return &PartitionManager{
		pool:        pool,
		parentTable: AuditLog{}.TableName(),
	}
}

func (m *PartitionManager) db(ctx context.Context, readOnly bool) *gorm.DB {
	if m.pool == nil {
		return nil
	}
	return m.pool.DB(ctx, readOnly)
}

// partitionSuffix extracts YYYY_MM from a partition name.
var partitionSuffix = regexp.MustCompile(`_(\d{4})_(\d{2})$`)

// monthStart returns the first instant of t's month in UTC.
func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// monthRange returns the [start, end) range of the month containing t,
// using calendar-month arithmetic.
func monthRange(t time.Time) (time.Time, time.Time) {
	start := monthStart(t)
	return start, start.AddDate(0, 1, 0)
}

// partitionName returns the child table name for the month of t,
// e.g. audit_log_2025_03.
func partitionName(parent string, t time.Time) string {
	start := monthStart(t)
	return fmt.Sprintf("%s_%04d_%02d", parent, start.Year(), int(start.Month()))
}

// partitionRangeFromName recovers the month range from a partition
// name suffix.
func partitionRangeFromName(name string) (time.Time, time.Time, bool) {
	matches := partitionSuffix.FindStringSubmatch(name)
	if matches == nil {
		return time.Time{}, time.Time{}, false
	}
	var year, month int
	fmt.Sscanf(matches[1], "%d", &year)
	fmt.Sscanf(matches[2], "%d", &month)
	if month < 1 || month > 12 {
		return time.Time{}, time.Time{}, false
	}
	start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0), true
}

// monthsToCover returns the first-of-month anchors for the current
// month plus the next n months inclusive, per calendar arithmetic.
func monthsToCover(now time.Time, n int) []time.Time {
	first := monthStart(now)
	out := make([]time.Time, 0, n+1)
	for i := 0; i <= n; i++ {
		out = append(out, first.AddDate(0, i, 0))
	}
	return out
}

// InitializeParent ensures the parent table and its companion tables
// exist. The parent is declared range-partitioned on timestamp; the
// companion tables are ordinary.
func (m *PartitionManager) InitializeParent(ctx context.Context) error {
	db := m.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	ddl := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGINT GENERATED ALWAYS AS IDENTITY,
			timestamp TIMESTAMPTZ NOT NULL,
			organization_id VARCHAR(255) NOT NULL,
			principal_id VARCHAR(255),
			action VARCHAR(255) NOT NULL,
			target_type VARCHAR(255),
			target_id VARCHAR(255),
			status VARCHAR(32) NOT NULL,
			outcome_description TEXT,
			hash VARCHAR(64),
			hash_algorithm VARCHAR(32),
			event_version VARCHAR(32),
			correlation_id VARCHAR(255),
			data_classification VARCHAR(32) NOT NULL DEFAULT 'INTERNAL',
			retention_policy VARCHAR(255) NOT NULL DEFAULT 'standard',
			processing_latency_ms BIGINT,
			archived_at TIMESTAMPTZ,
			details JSONB,
			PRIMARY KEY (id, timestamp)
		) PARTITION BY RANGE (timestamp)`, m.parentTable),
		`CREATE TABLE IF NOT EXISTS audit_integrity_log (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			audit_log_id BIGINT NOT NULL,
			verification_timestamp TIMESTAMPTZ NOT NULL,
			status VARCHAR(16) NOT NULL,
			computed_hash VARCHAR(64),
			expected_hash VARCHAR(64),
			verifier_id VARCHAR(255),
			details JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_integrity_log_audit_log_id
			ON audit_integrity_log (audit_log_id)`,
		`CREATE TABLE IF NOT EXISTS dead_letter_events (
			id VARCHAR(64) PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			action VARCHAR(255),
			failure_reason TEXT,
			failure_kind VARCHAR(32),
			failure_count INT NOT NULL DEFAULT 0,
			first_failure_at TIMESTAMPTZ,
			last_failure_at TIMESTAMPTZ,
			original_job_id VARCHAR(64) NOT NULL UNIQUE,
			original_queue_name VARCHAR(255),
			original_event JSONB,
			metadata JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letter_events_last_failure_at
			ON dead_letter_events (last_failure_at)`,
		`CREATE TABLE IF NOT EXISTS audit_retention_policy (
			id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE,
			retention_days INT NOT NULL,
			archive_after_days INT,
			classification VARCHAR(32),
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for _, stmt := range ddl {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("initialize audit schema: %w", err)
		}
	}
	return nil
}

// CreatePartitionsAhead ensures partitions exist for the current month
// plus the next n months. Existing partitions are left untouched, so a
// second call in succession is a no-op. A creation failure aborts for
// that partition; index failures are logged as warnings and the batch
// continues.
func (m *PartitionManager) CreatePartitionsAhead(ctx context.Context, n int) ([]string, error) {
	db := m.db(ctx, false)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}
	if n < 0 {
		n = DefaultCreateAhead
	}

	log := util.Log(ctx)
	var created []string
	for _, anchor := range monthsToCover(time.Now(), n) {
		start, end := monthRange(anchor)
		name := partitionName(m.parentTable, anchor)

		var exists bool
		if err := db.Raw(`SELECT EXISTS (SELECT 1 FROM pg_class WHERE relname = ?)`, name).
			Scan(&exists).Error; err != nil {
			return created, fmt.Errorf("check partition %s: %w", name, err)
		}
		if exists {
			continue
		}

		stmt := fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
			name, m.parentTable,
			start.Format("2006-01-02"), end.Format("2006-01-02"),
		)
		if err := db.Exec(stmt).Error; err != nil {
			return created, fmt.Errorf("create partition %s: %w", name, err)
		}
		created = append(created, name)

		if err := m.CreatePartitionIndexes(ctx, name); err != nil {
			log.WithError(err).Warn("partition index creation incomplete", "partition", name)
		}

		log.Info("created audit partition",
			"partition", name,
			"range_start", start.Format("2006-01-02"),
			"range_end", end.Format("2006-01-02"))
	}
	return created, nil
}

// CreatePartitionIndexes creates the per-partition index set. Failures
// on individual indexes are collected as a warning-level error; the
// remaining indexes are still attempted.
func (m *PartitionManager) CreatePartitionIndexes(ctx context.Context, name string) error {
	db := m.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	type indexSpec struct {
		suffix string
		using  string
		cols   string
	}
	specs := []indexSpec{
		{"id", "btree", "(id)"},
		{"timestamp", "btree", "(timestamp)"},
		{"principal_id", "btree", "(principal_id)"},
		{"organization_id", "btree", "(organization_id)"},
		{"action", "btree", "(action)"},
		{"status", "btree", "(status)"},
		{"data_classification", "btree", "(data_classification)"},
		{"retention_policy", "btree", "(retention_policy)"},
		{"correlation_id", "btree", "(correlation_id)"},
		{"org_ts", "btree", "(organization_id, timestamp)"},
		{"principal_action", "btree", "(principal_id, action)"},
		{"class_retention", "btree", "(data_classification, retention_policy)"},
		{"target", "btree", "(target_type, target_id)"},
		{"hash", "hash", "(hash)"},
		{"details", "gin", "(details)"},
	}

	log := util.Log(ctx)
	var failed int
	for _, spec := range specs {
		stmt := fmt.Sprintf(
			`CREATE INDEX IF NOT EXISTS idx_%s_%s ON %s USING %s %s`,
			name, spec.suffix, name, spec.using, spec.cols,
		)
		if err := db.Exec(stmt).Error; err != nil {
			failed++
			log.WithError(err).Warn("could not create partition index",
				"partition", name,
				"index", spec.suffix)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d indexes failed on %s", failed, len(specs), name)
	}
	return nil
}

// EnsurePartitionFor creates the partition covering ts if it does not
// exist, so inserts outside the pre-created horizon do not bounce.
func (m *PartitionManager) EnsurePartitionFor(ctx context.Context, ts time.Time) error {
	db := m.db(ctx, false)
	if db == nil {
		return ErrDatabaseUnavailable
	}

	name := partitionName(m.parentTable, ts)
	var exists bool
	if err := db.Raw(`SELECT EXISTS (SELECT 1 FROM pg_class WHERE relname = ?)`, name).
		Scan(&exists).Error; err != nil {
		return fmt.Errorf("check partition %s: %w", name, err)
	}
	if exists {
		return nil
	}

	start, end := monthRange(ts)
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		name, m.parentTable,
		start.Format("2006-01-02"), end.Format("2006-01-02"),
	)
	if err := db.Exec(stmt).Error; err != nil {
		return fmt.Errorf("create partition %s: %w", name, err)
	}
	if err := m.CreatePartitionIndexes(ctx, name); err != nil {
		util.Log(ctx).WithError(err).Warn("partition index creation incomplete", "partition", name)
	}
	return nil
}

// ListPartitions returns the partitions of the parent table in name
// order with size and approximate row counts.
func (m *PartitionManager) ListPartitions(ctx context.Context) ([]PartitionDescriptor, error) {
	db := m.db(ctx, true)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}

	var rows []struct {
		Name      string
		SizeBytes int64
		Rows      int64
		RangeExpr string
	}
	err := db.Raw(`
		SELECT c.relname AS name,
		       pg_total_relation_size(c.oid) AS size_bytes,
		       GREATEST(c.reltuples::bigint, 0) AS rows,
		       pg_get_expr(c.relpartbound, c.oid) AS range_expr
		FROM pg_inherits i
		JOIN pg_class c ON c.oid = i.inhrelid
		JOIN pg_class p ON p.oid = i.inhparent
		WHERE p.relname = ?
		ORDER BY c.relname`, m.parentTable).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	out := make([]PartitionDescriptor, 0, len(rows))
	for _, r := range rows {
		desc := PartitionDescriptor{
			ParentTable:   m.parentTable,
			PartitionName: r.Name,
			SizeBytes:     r.SizeBytes,
			ApproxRows:    r.Rows,
			RangeExpr:     r.RangeExpr,
		}
		if start, end, ok := partitionRangeFromName(r.Name); ok {
			desc.RangeStart = start
			desc.RangeEnd = end
		}
		out = append(out, desc)
	}
	return out, nil
}

// DropExpired drops every partition whose range end is on or before
// now minus retentionDays. Dropping a partition deletes its rows.
// Returns the dropped partition names.
func (m *PartitionManager) DropExpired(ctx context.Context, retentionDays int) ([]string, error) {
	db := m.db(ctx, false)
	if db == nil {
		return nil, ErrDatabaseUnavailable
	}
	if retentionDays <= 0 {
		retentionDays = DefaultPartitionRetentionDays
	}

	partitions, err := m.ListPartitions(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
	log := util.Log(ctx)

	var dropped []string
	for _, p := range expiredPartitions(partitions, cutoff) {
		if execErr := db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, p.PartitionName)).Error; execErr != nil {
			return dropped, fmt.Errorf("drop partition %s: %w", p.PartitionName, execErr)
		}
		dropped = append(dropped, p.PartitionName)
		log.Info("dropped expired audit partition",
			"partition", p.PartitionName,
			"range_end", p.RangeEnd.Format("2006-01-02"),
			"retention_days", retentionDays)
	}
	return dropped, nil
}

// expiredPartitions selects partitions whose range end is at or before
// the cutoff. Partitions whose range cannot be recovered from the name
// are skipped rather than dropped.
func expiredPartitions(partitions []PartitionDescriptor, cutoff time.Time) []PartitionDescriptor {
	var out []PartitionDescriptor
	for _, p := range partitions {
		if p.RangeEnd.IsZero() {
			continue
		}
		if !p.RangeEnd.After(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

// Analyze summarizes the partition layout and emits maintenance
// recommendations.
func (m *PartitionManager) Analyze(ctx context.Context) (*PartitionAnalysis, error) {
	partitions, err := m.ListPartitions(ctx)
	if err != nil {
		return nil, err
	}
	return analyzePartitions(partitions), nil
}

func analyzePartitions(partitions []PartitionDescriptor) *PartitionAnalysis {
	a := &PartitionAnalysis{TotalPartitions: len(partitions)}

	var empty int
	for _, p := range partitions {
		a.TotalSizeBytes += p.SizeBytes
		a.TotalRecords += p.ApproxRows
		if p.ApproxRows == 0 {
			empty++
		}
	}
	if a.TotalPartitions > 0 {
		a.AverageSizeBytes = a.TotalSizeBytes / int64(a.TotalPartitions)
	}

	if a.AverageSizeBytes > largePartitionBytes {
		a.Recommendations = append(a.Recommendations,
			"average partition exceeds 1 GiB; consider a shorter partition interval")
	}
	if empty > 1 {
		a.Recommendations = append(a.Recommendations,
			fmt.Sprintf("%d empty partitions; consider cleaning up unused partitions", empty))
	}
	if a.TotalPartitions > maxPartitionCount {
		a.Recommendations = append(a.Recommendations,
			fmt.Sprintf("%d partitions exceeds the recommended cap of %d; consider consolidating or tightening retention", a.TotalPartitions, maxPartitionCount))
	}
	return a
}
