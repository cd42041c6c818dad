package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// Migration is one forward schema step. There is no Down: the schema
// only ever moves forward, and a bad migration is fixed by a new one.
type Migration struct {
	Version     int
	Description string
	Up          string
}

// GetMigrations returns the schema in application order.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "orchestration core schema",
			Up: `
				CREATE TABLE IF NOT EXISTS namespaces (
					id TEXT PRIMARY KEY,
					status TEXT NOT NULL,
					settings JSONB NOT NULL DEFAULT '{}'
				);

				CREATE TABLE IF NOT EXISTS cluster_specs (
					ns_id TEXT NOT NULL REFERENCES namespaces(id),
					name TEXT NOT NULL,
					declaration JSONB NOT NULL DEFAULT '{}',
					PRIMARY KEY (ns_id, name)
				);

				CREATE TABLE IF NOT EXISTS cluster_discoveries (
					ns_id TEXT NOT NULL,
					cluster_id TEXT NOT NULL,
					nodes JSONB NOT NULL DEFAULT '[]',
					PRIMARY KEY (ns_id, cluster_id)
				);

				CREATE TABLE IF NOT EXISTS platforms (
					ns_id TEXT NOT NULL REFERENCES namespaces(id),
					name TEXT NOT NULL,
					base_url TEXT NOT NULL,
					tls_enabled BOOLEAN NOT NULL DEFAULT FALSE,
					tls_cert_file TEXT NOT NULL DEFAULT '',
					tls_key_file TEXT NOT NULL DEFAULT '',
					tls_ca_file TEXT NOT NULL DEFAULT '',
					PRIMARY KEY (ns_id, name)
				);

				CREATE TABLE IF NOT EXISTS nodes (
					ns_id TEXT NOT NULL,
					cluster_id TEXT NOT NULL,
					node_id TEXT NOT NULL,
					node_status TEXT NOT NULL,
					node_group TEXT NOT NULL DEFAULT '',
					kind TEXT NOT NULL DEFAULT '',
					version TEXT NOT NULL DEFAULT '',
					details JSONB NOT NULL DEFAULT '{}',
					last_shard_progress TIMESTAMP WITH TIME ZONE,
					PRIMARY KEY (ns_id, cluster_id, node_id)
				);

				CREATE TABLE IF NOT EXISTS shards (
					ns_id TEXT NOT NULL,
					cluster_id TEXT NOT NULL,
					node_id TEXT NOT NULL,
					shard_id TEXT NOT NULL,
					role TEXT NOT NULL,
					commit_offset BIGINT NOT NULL DEFAULT 0,
					lag BIGINT NOT NULL DEFAULT 0,
					PRIMARY KEY (ns_id, cluster_id, node_id, shard_id)
				);

				CREATE TABLE IF NOT EXISTS nactions (
					ns_id TEXT NOT NULL,
					cluster_id TEXT NOT NULL,
					node_id TEXT NOT NULL,
					action_id UUID NOT NULL,
					kind TEXT NOT NULL,
					args JSONB NOT NULL DEFAULT '{}',
					approval TEXT NOT NULL,
					metadata JSONB NOT NULL DEFAULT '{}',
					created_time TIMESTAMP WITH TIME ZONE NOT NULL,
					scheduled_time TIMESTAMP WITH TIME ZONE,
					finished_time TIMESTAMP WITH TIME ZONE,
					state JSONB NOT NULL DEFAULT '{}',
					PRIMARY KEY (ns_id, cluster_id, action_id)
				);
				CREATE INDEX IF NOT EXISTS nactions_unfinished_idx ON nactions (ns_id, cluster_id) WHERE finished_time IS NULL;

				CREATE TABLE IF NOT EXISTS oactions (
					ns_id TEXT NOT NULL,
					cluster_id TEXT NOT NULL,
					action_id UUID NOT NULL,
					kind TEXT NOT NULL,
					args JSONB NOT NULL DEFAULT '{}',
					approval TEXT NOT NULL,
					state TEXT NOT NULL,
					timeout_ns BIGINT,
					created_ts TIMESTAMP WITH TIME ZONE NOT NULL,
					scheduled_ts TIMESTAMP WITH TIME ZONE,
					finished_ts TIMESTAMP WITH TIME ZONE,
					state_payload JSONB NOT NULL DEFAULT '{}',
					state_payload_error TEXT NOT NULL DEFAULT '',
					PRIMARY KEY (ns_id, cluster_id, action_id)
				);
				CREATE INDEX IF NOT EXISTS oactions_unfinished_idx ON oactions (ns_id, cluster_id) WHERE finished_ts IS NULL;

				CREATE TABLE IF NOT EXISTS converge_states (
					ns_id TEXT NOT NULL,
					cluster_id TEXT NOT NULL,
					graces JSONB NOT NULL DEFAULT '{}',
					PRIMARY KEY (ns_id, cluster_id)
				);

				CREATE TABLE IF NOT EXISTS orchestrate_reports (
					id BIGSERIAL PRIMARY KEY,
					ns_id TEXT NOT NULL,
					cluster_id TEXT NOT NULL,
					start_time TIMESTAMP WITH TIME ZONE NOT NULL,
					duration_ns BIGINT NOT NULL,
					outcome JSONB NOT NULL DEFAULT '{}',
					nodes_synced INTEGER NOT NULL DEFAULT 0,
					nodes_failed INTEGER NOT NULL DEFAULT 0,
					node_actions_scheduled INTEGER NOT NULL DEFAULT 0,
					node_actions_schedule_failed INTEGER NOT NULL DEFAULT 0,
					node_actions_lost INTEGER NOT NULL DEFAULT 0,
					action_scheduling_choices JSONB,
					notes JSONB NOT NULL DEFAULT '[]'
				);
				CREATE INDEX IF NOT EXISTS orchestrate_reports_cluster_idx ON orchestrate_reports (ns_id, cluster_id, start_time DESC);
			`,
		},
	}
}

// RunMigrations applies every migration not yet recorded in
// schema_migrations, in version order, each inside its own transaction.
func RunMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	migrations := GetMigrations()
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })

	for _, m := range migrations {
		var applied int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = $1`, m.Version).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if applied > 0 {
			continue
		}

		logger.Info("applying migration", "version", m.Version, "description", m.Description)
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, description, applied_at) VALUES ($1, $2, $3)`,
			m.Version, m.Description, time.Now()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
