package store

import (
	"context"
	"fmt"
)

// Schema is the primary store's DDL. Migrate applies it idempotently; a
// managed deployment would instead run this through a migration tool, but
// the open-source build keeps it self-contained.
const Schema = `
CREATE TABLE IF NOT EXISTS groups (
	id               text PRIMARY KEY,
	name             text NOT NULL,
	status           text NOT NULL DEFAULT 'active',
	daily_cost_limit bigint NOT NULL DEFAULT 0,
	monthly_budget   bigint NOT NULL DEFAULT 0,
	created_at       timestamptz NOT NULL DEFAULT now(),
	updated_at       timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS group_members (
	id        text PRIMARY KEY,
	group_id  text NOT NULL REFERENCES groups(id),
	user_id   text NOT NULL,
	role      text NOT NULL DEFAULT 'member',
	joined_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS client_api_keys (
	id                 text PRIMARY KEY,
	group_id           text NOT NULL REFERENCES groups(id),
	key_hash           text NOT NULL UNIQUE,
	name               text NOT NULL,
	status             text NOT NULL DEFAULT 'active',
	service_permission text NOT NULL DEFAULT '',
	quota_limit        bigint NOT NULL DEFAULT 0,
	quota_used         bigint NOT NULL DEFAULT 0,
	daily_cost_limit   bigint NOT NULL DEFAULT 0,
	window_minutes     integer NOT NULL DEFAULT 1,
	max_requests       integer NOT NULL DEFAULT 0,
	max_tokens         integer NOT NULL DEFAULT 0,
	expires_at         timestamptz,
	last_used_at       timestamptz,
	created_at         timestamptz NOT NULL DEFAULT now(),
	updated_at         timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS upstream_accounts (
	id             text PRIMARY KEY,
	group_id       text NOT NULL REFERENCES groups(id),
	provider       text NOT NULL,
	name           text NOT NULL,
	status         text NOT NULL DEFAULT 'active',
	credentials    jsonb NOT NULL DEFAULT '{}',
	priority       integer NOT NULL DEFAULT 100,
	weight         integer NOT NULL DEFAULT 1,
	cost_per_token bigint NOT NULL DEFAULT 0,
	total_requests    bigint NOT NULL DEFAULT 0,
	total_tokens      bigint NOT NULL DEFAULT 0,
	total_cost_micros bigint NOT NULL DEFAULT 0,
	last_used_at      timestamptz,
	created_at     timestamptz NOT NULL DEFAULT now(),
	updated_at     timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_upstream_accounts_provider ON upstream_accounts(group_id, provider);

CREATE TABLE IF NOT EXISTS resource_bindings (
	id            text PRIMARY KEY,
	client_key_id text NOT NULL REFERENCES client_api_keys(id),
	group_id      text NOT NULL REFERENCES groups(id),
	mode          text NOT NULL DEFAULT 'shared',
	account_ids   text[] NOT NULL DEFAULT '{}',
	hybrid_ratio  integer NOT NULL DEFAULT 50,
	created_at    timestamptz NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_resource_bindings_key ON resource_bindings(client_key_id);

CREATE TABLE IF NOT EXISTS usage_records (
	id            text PRIMARY KEY,
	group_id      text NOT NULL,
	client_key_id text NOT NULL,
	account_id    text NOT NULL,
	provider      text NOT NULL,
	model         text NOT NULL,
	input_tokens  integer NOT NULL DEFAULT 0,
	output_tokens integer NOT NULL DEFAULT 0,
	cost_micros   bigint NOT NULL DEFAULT 0,
	status_code   integer NOT NULL DEFAULT 0,
	duration_ms   bigint NOT NULL DEFAULT 0,
	cache_hit     boolean NOT NULL DEFAULT false,
	request_id    text NOT NULL DEFAULT '',
	created_at    timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_usage_records_key_day ON usage_records(client_key_id, created_at);

CREATE TABLE IF NOT EXISTS account_health (
	account_id text PRIMARY KEY,
	healthy    boolean NOT NULL DEFAULT true,
	latency_ms bigint NOT NULL DEFAULT 0,
	error      text NOT NULL DEFAULT '',
	checked_at timestamptz NOT NULL DEFAULT now()
);
`

// Migrate applies Schema. Safe to call on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}
