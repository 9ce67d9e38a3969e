package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/guregu/null/v5"
	_ "github.com/marcboeker/go-duckdb/v2"
)

// ErrStoreUnavailable is returned when the database cannot be opened or
// migrated. The process has no useful fallback in that case.
var ErrStoreUnavailable = errors.New("store unavailable")

// ErrIncidentAlreadyOpen is returned by OpenIncident when the monitor already
// has an incident without an end time. Hitting it means the caller skipped the
// open-incident check.
var ErrIncidentAlreadyOpen = errors.New("incident already open")

// ErrIncidentNotFound is returned when an update targets an unknown incident.
var ErrIncidentNotFound = errors.New("incident not found")

// Store owns every persisted row. Reads may run concurrently; writes are
// serialized through writeMu.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
	now     func() time.Time
}

// NewStore wraps an already migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: time.Now,
	}
}

// OpenStore opens the DuckDB database at path and migrates it. An empty path
// opens an in-memory database.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening duckdb: %w", ErrStoreUnavailable, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: pinging duckdb: %w", ErrStoreUnavailable, err)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: migrating duckdb: %w", ErrStoreUnavailable, err)
	}

	return NewStore(db), nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Snapshot(ctx context.Context) (AggregateSnapshot, error) {
	var snapshot AggregateSnapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT last_update, overall_up, overall_down
		FROM monitor_state
		WHERE id = 1`).Scan(&snapshot.LastUpdate, &snapshot.OverallUp, &snapshot.OverallDown)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AggregateSnapshot{}, nil
		}
		return AggregateSnapshot{}, fmt.Errorf("querying snapshot: %w", err)
	}

	return snapshot, nil
}

func (s *Store) SetSnapshot(ctx context.Context, snapshot AggregateSnapshot) error {
	span := sentry.StartSpan(ctx, "db.sql.update", sentry.WithDescription("Set Aggregate Snapshot"))
	ctx = span.Context()
	defer span.Finish()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO monitor_state (id, last_update, overall_up, overall_down)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			last_update = excluded.last_update,
			overall_up = excluded.overall_up,
			overall_down = excluded.overall_down`,
		snapshot.LastUpdate, snapshot.OverallUp, snapshot.OverallDown)
	if err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}

	return nil
}

const incidentColumns = `id, monitor_id, started_at, ended_at, error, notified`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIncident(row rowScanner) (IncidentRecord, error) {
	var incident IncidentRecord
	err := row.Scan(&incident.ID, &incident.MonitorID, &incident.Start, &incident.End, &incident.Error, &incident.Notified)
	return incident, err
}

// LatestIncident returns the most recently started incident for the monitor.
// The boolean is false when the monitor has no incidents at all.
func (s *Store) LatestIncident(ctx context.Context, monitorID string) (IncidentRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+incidentColumns+`
		FROM incidents
		WHERE monitor_id = ?
		ORDER BY started_at DESC, seq DESC
		LIMIT 1`, monitorID)

	incident, err := scanIncident(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return IncidentRecord{}, false, nil
		}
		return IncidentRecord{}, false, fmt.Errorf("querying latest incident: %w", err)
	}

	return incident, true, nil
}

// Incidents returns up to limit incidents, newest first. A limit of zero or
// less returns every incident of the monitor.
func (s *Store) Incidents(ctx context.Context, monitorID string, limit int) ([]IncidentRecord, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM incidents
		WHERE monitor_id = ?
		ORDER BY started_at DESC, seq DESC`
	args := []any{monitorID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying incidents: %w", err)
	}
	defer rows.Close()

	incidents := []IncidentRecord{}
	for rows.Next() {
		incident, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning incident: %w", err)
		}
		incidents = append(incidents, incident)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating incidents: %w", err)
	}

	return incidents, nil
}

// OpenIncident records the start of an outage.
func (s *Store) OpenIncident(ctx context.Context, monitorID string, start int64, reason string) (IncidentRecord, error) {
	span := sentry.StartSpan(ctx, "db.sql.insert", sentry.WithDescription("Open Incident"))
	ctx = span.Context()
	defer span.Finish()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var openCount int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM incidents
		WHERE monitor_id = ? AND ended_at IS NULL`, monitorID).Scan(&openCount)
	if err != nil {
		return IncidentRecord{}, fmt.Errorf("counting open incidents: %w", err)
	}
	if openCount > 0 {
		return IncidentRecord{}, fmt.Errorf("%w: monitor %s", ErrIncidentAlreadyOpen, monitorID)
	}

	incident := IncidentRecord{
		ID:        uuid.NewString(),
		MonitorID: monitorID,
		Start:     start,
		Error:     reason,
	}
	if err := s.insertIncident(ctx, incident); err != nil {
		return IncidentRecord{}, err
	}

	return incident, nil
}

// SeedPlaceholderIncident inserts the already closed incident that anchors a
// monitor's history on its first evaluation.
func (s *Store) SeedPlaceholderIncident(ctx context.Context, monitorID string, at int64) (IncidentRecord, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	incident := IncidentRecord{
		ID:        uuid.NewString(),
		MonitorID: monitorID,
		Start:     at,
		End:       null.IntFrom(at),
		Error:     PlaceholderIncidentError,
	}
	if err := s.insertIncident(ctx, incident); err != nil {
		return IncidentRecord{}, err
	}

	return incident, nil
}

func (s *Store) insertIncident(ctx context.Context, incident IncidentRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO incidents (id, monitor_id, started_at, ended_at, error, notified)
		VALUES (?, ?, ?, ?, ?, ?)`,
		incident.ID, incident.MonitorID, incident.Start, incident.End, incident.Error, incident.Notified)
	if err != nil {
		return fmt.Errorf("inserting incident: %w", err)
	}
	return nil
}

func (s *Store) CloseIncident(ctx context.Context, id string, end int64) error {
	return s.updateIncident(ctx, "closing incident", `UPDATE incidents SET ended_at = ? WHERE id = ?`, end, id)
}

// UpdateIncidentError replaces the failure reason of an incident without
// touching its timing.
func (s *Store) UpdateIncidentError(ctx context.Context, id string, reason string) error {
	return s.updateIncident(ctx, "updating incident error", `UPDATE incidents SET error = ? WHERE id = ?`, reason, id)
}

// MarkIncidentNotified records that the down notification for the incident
// went out.
func (s *Store) MarkIncidentNotified(ctx context.Context, id string) error {
	return s.updateIncident(ctx, "marking incident notified", `UPDATE incidents SET notified = TRUE WHERE id = ?`, id)
}

func (s *Store) updateIncident(ctx context.Context, action string, query string, args ...any) error {
	span := sentry.StartSpan(ctx, "db.sql.update", sentry.WithDescription(action))
	ctx = span.Context()
	defer span.Finish()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: reading affected rows: %w", action, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", action, ErrIncidentNotFound)
	}

	return nil
}

// AppendLatency stores one probe sample. An empty ID is filled in.
func (s *Store) AppendLatency(ctx context.Context, sample LatencySample) error {
	if sample.ID == "" {
		sample.ID = uuid.NewString()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO latency (id, monitor_id, location, ping_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		sample.ID, sample.MonitorID, sample.Location, sample.PingMs, sample.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting latency sample: %w", err)
	}

	return nil
}

// LatencySince returns samples recorded at or after since, oldest first.
func (s *Store) LatencySince(ctx context.Context, monitorID string, since int64) ([]LatencySample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, monitor_id, location, ping_ms, recorded_at
		FROM latency
		WHERE monitor_id = ? AND recorded_at >= ?
		ORDER BY recorded_at ASC`, monitorID, since)
	if err != nil {
		return nil, fmt.Errorf("querying latency: %w", err)
	}
	defer rows.Close()

	samples := []LatencySample{}
	for rows.Next() {
		var sample LatencySample
		if err := rows.Scan(&sample.ID, &sample.MonitorID, &sample.Location, &sample.PingMs, &sample.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning latency sample: %w", err)
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating latency: %w", err)
	}

	return samples, nil
}

// LatestLatency returns the newest sample of the monitor, if any.
func (s *Store) LatestLatency(ctx context.Context, monitorID string) (LatencySample, bool, error) {
	var sample LatencySample
	err := s.db.QueryRowContext(ctx, `
		SELECT id, monitor_id, location, ping_ms, recorded_at
		FROM latency
		WHERE monitor_id = ?
		ORDER BY recorded_at DESC
		LIMIT 1`, monitorID).Scan(&sample.ID, &sample.MonitorID, &sample.Location, &sample.PingMs, &sample.Timestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LatencySample{}, false, nil
		}
		return LatencySample{}, false, fmt.Errorf("querying latest latency: %w", err)
	}

	return sample, true, nil
}

// PurgeOlderThan deletes closed incidents that ended before the retention
// cutoff and latency samples recorded before it. Open incidents are kept
// whatever their age.
func (s *Store) PurgeOlderThan(ctx context.Context, retentionDays int) error {
	span := sentry.StartSpan(ctx, "db.sql.delete", sentry.WithDescription("Purge Expired Rows"))
	ctx = span.Context()
	defer span.Finish()

	cutoff := s.now().AddDate(0, 0, -retentionDays).Unix()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring database connection: %w", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning purge transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM incidents WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff); err != nil {
		return fmt.Errorf("purging incidents: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM latency WHERE recorded_at < ?`, cutoff); err != nil {
		return fmt.Errorf("purging latency: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing purge transaction: %w", err)
	}

	return nil
}
