package db

import (
	"context"
	"fmt"
)

// Bootstrap creates the tables and indexes the service depends on. All
// statements are idempotent so both binaries can run it at startup without
// coordination.
func (db *DB) Bootstrap(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrapping schema: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS node (
		id            BIGINT PRIMARY KEY,
		kind          TEXT NOT NULL,
		name          TEXT NOT NULL,
		path          TEXT[] NOT NULL,
		parent        BIGINT REFERENCES node(id),
		"group"       TEXT,
		state         TEXT NOT NULL,
		result        TEXT NOT NULL,
		owner         TEXT NOT NULL,
		user_groups   TEXT[] NOT NULL DEFAULT '{}',
		data          JSONB NOT NULL DEFAULT '{}',
		artifacts     JSONB,
		created       TIMESTAMPTZ NOT NULL,
		updated       TIMESTAMPTZ NOT NULL,
		holdoff       TIMESTAMPTZ,
		timeout       TIMESTAMPTZ NOT NULL,
		retry_counter INT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS node_parent ON node (parent)`,
	`CREATE INDEX IF NOT EXISTS node_kind ON node (kind)`,
	`CREATE INDEX IF NOT EXISTS node_state_timeout ON node (state, timeout)`,
	`CREATE INDEX IF NOT EXISTS node_state_holdoff ON node (state, holdoff)`,
	`CREATE INDEX IF NOT EXISTS node_data ON node USING GIN (data)`,

	`CREATE TABLE IF NOT EXISTS eventhistory (
		id          BIGINT PRIMARY KEY,
		channel     TEXT NOT NULL,
		sequence_id BIGINT NOT NULL,
		owner       TEXT,
		timestamp   TIMESTAMPTZ NOT NULL,
		data        JSONB NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS eventhistory_channel_sequence
		ON eventhistory (channel, sequence_id)`,
	`CREATE INDEX IF NOT EXISTS eventhistory_timestamp ON eventhistory (timestamp)`,

	`CREATE TABLE IF NOT EXISTS event_sequence (
		channel TEXT PRIMARY KEY,
		last_id BIGINT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS subscriber_state (
		subscriber_id TEXT PRIMARY KEY,
		channel       TEXT NOT NULL,
		owner         TEXT NOT NULL,
		promiscuous   BOOLEAN NOT NULL DEFAULT FALSE,
		last_event_id BIGINT NOT NULL,
		last_poll     TIMESTAMPTZ,
		created       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS subscriber_state_last_poll
		ON subscriber_state (last_poll)`,
}
