package main

import (
	"context"
	"database/sql"
	"fmt"
)

var migrationStatements = []string{
	`CREATE SEQUENCE IF NOT EXISTS incidents_seq START 1`,
	`CREATE TABLE IF NOT EXISTS monitor_state (
		id INTEGER PRIMARY KEY,
		last_update BIGINT NOT NULL,
		overall_up INTEGER NOT NULL,
		overall_down INTEGER NOT NULL
	)`,
	`INSERT INTO monitor_state (id, last_update, overall_up, overall_down)
		VALUES (1, 0, 0, 0)
		ON CONFLICT DO NOTHING`,
	// seq breaks ties between incidents opened within the same second.
	`CREATE TABLE IF NOT EXISTS incidents (
		id VARCHAR PRIMARY KEY,
		seq BIGINT NOT NULL DEFAULT nextval('incidents_seq'),
		monitor_id VARCHAR NOT NULL,
		started_at BIGINT NOT NULL,
		ended_at BIGINT,
		error VARCHAR NOT NULL DEFAULT '',
		notified BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS incidents_monitor_id_started_at_idx ON incidents (monitor_id, started_at)`,
	`CREATE TABLE IF NOT EXISTS latency (
		id VARCHAR PRIMARY KEY,
		monitor_id VARCHAR NOT NULL,
		location VARCHAR NOT NULL,
		ping_ms BIGINT NOT NULL,
		recorded_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS latency_monitor_id_recorded_at_idx ON latency (monitor_id, recorded_at)`,
}

// Migrate creates the tables used by the store. It is safe to call on every
// startup.
func Migrate(ctx context.Context, db *sql.DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquiring database connection: %w", err)
	}
	defer conn.Close()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, statement := range migrationStatements {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("executing migration statement: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration transaction: %w", err)
	}

	return nil
}
