package store

// Schema is the DDL applied by the migrate subcommand. Statements are
// idempotent so re-running a migration is safe.
const Schema = `
CREATE TABLE IF NOT EXISTS planets (
    planet_id            VARCHAR(100) PRIMARY KEY,
    season_id            INT NOT NULL,
    round_id             INT NOT NULL DEFAULT 0,
    current_round_number INT NOT NULL DEFAULT 0,
    next_round_time      TIMESTAMPTZ NOT NULL,
    status               VARCHAR(20) NOT NULL DEFAULT 'queued',
    last_processed       TIMESTAMPTZ,
    processing_server_id VARCHAR(100) NOT NULL DEFAULT '',
    error_retry_count    INT NOT NULL DEFAULT 0,
    version              BIGINT NOT NULL DEFAULT 0,
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_planets_status ON planets (status);
CREATE INDEX IF NOT EXISTS idx_planets_next_round_time ON planets (next_round_time);

CREATE TABLE IF NOT EXISTS workers (
    server_id       VARCHAR(100) PRIMARY KEY,
    server_ip       VARCHAR(45) NOT NULL DEFAULT '',
    status          VARCHAR(20) NOT NULL DEFAULT 'offline',
    last_heartbeat  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    idle_cpu        DOUBLE PRECISION NOT NULL DEFAULT 0,
    max_cpu         DOUBLE PRECISION NOT NULL DEFAULT 0,
    idle_ram        DOUBLE PRECISION NOT NULL DEFAULT 0,
    max_ram         DOUBLE PRECISION NOT NULL DEFAULT 0,
    disk            DOUBLE PRECISION NOT NULL DEFAULT 0,
    current_task    VARCHAR(100) NOT NULL DEFAULT '',
    total_assigned  INT NOT NULL DEFAULT 0,
    total_completed INT NOT NULL DEFAULT 0,
    total_failed    INT NOT NULL DEFAULT 0,
    connected_at    TIMESTAMPTZ,
    disconnected_at TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_workers_status ON workers (status);
CREATE INDEX IF NOT EXISTS idx_workers_last_heartbeat ON workers (last_heartbeat);

CREATE TABLE IF NOT EXISTS task_history (
    id               UUID PRIMARY KEY,
    planet_id        VARCHAR(100) NOT NULL,
    server_id        VARCHAR(100) NOT NULL,
    start_time       TIMESTAMPTZ NOT NULL,
    end_time         TIMESTAMPTZ,
    status           VARCHAR(20) NOT NULL DEFAULT 'started',
    error_message    TEXT NOT NULL DEFAULT '',
    duration_seconds DOUBLE PRECISION
);

CREATE INDEX IF NOT EXISTS idx_task_history_pair ON task_history (planet_id, server_id, status);
CREATE INDEX IF NOT EXISTS idx_task_history_start ON task_history (start_time);
`
