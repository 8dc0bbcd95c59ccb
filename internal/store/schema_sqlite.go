package store

// sqliteSchema mirrors the postgres migrations for standalone runs.
// Postgres gets its schema from migrations/ instead.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	agent_id        TEXT NOT NULL DEFAULT '',
	session_type    TEXT NOT NULL DEFAULT 'chat',
	title           TEXT NOT NULL DEFAULT '',
	system_prompt   TEXT NOT NULL DEFAULT '',
	model           TEXT NOT NULL DEFAULT '',
	temperature     REAL NOT NULL DEFAULT 0,
	max_tokens      INTEGER NOT NULL DEFAULT 0,
	context_window  INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'active',
	message_count   INTEGER NOT NULL DEFAULT 0,
	total_tokens    INTEGER NOT NULL DEFAULT 0,
	total_cost      REAL NOT NULL DEFAULT 0,
	metadata        TEXT,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL,
	ended_at        TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_id);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

CREATE TABLE IF NOT EXISTS messages (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id        TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role              TEXT NOT NULL,
	content           TEXT NOT NULL DEFAULT '',
	thinking          TEXT NOT NULL DEFAULT '',
	tool_calls        TEXT,
	tool_call_id      TEXT NOT NULL DEFAULT '',
	model             TEXT NOT NULL DEFAULT '',
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	cost              REAL NOT NULL DEFAULT 0,
	latency_ms        INTEGER NOT NULL DEFAULT 0,
	metadata          TEXT,
	created_at        TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

CREATE TABLE IF NOT EXISTS agent_states (
	agent_id             TEXT PRIMARY KEY,
	display_name         TEXT NOT NULL DEFAULT '',
	focus                TEXT NOT NULL DEFAULT '',
	model                TEXT NOT NULL DEFAULT '',
	temperature          REAL NOT NULL DEFAULT 0,
	system_prompt        TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'idle',
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	pheromone            REAL NOT NULL DEFAULT 0.5,
	messages_processed   INTEGER NOT NULL DEFAULT 0,
	total_tokens         INTEGER NOT NULL DEFAULT 0,
	total_latency_ms     INTEGER NOT NULL DEFAULT 0,
	errors               INTEGER NOT NULL DEFAULT 0,
	last_active          TIMESTAMP NOT NULL,
	metadata             TEXT,
	created_at           TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS cron_jobs (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL DEFAULT '',
	schedule         TEXT NOT NULL,
	agent_id         TEXT NOT NULL DEFAULT '',
	enabled          INTEGER NOT NULL DEFAULT 1,
	payload_kind     TEXT NOT NULL DEFAULT 'prompt',
	payload          TEXT NOT NULL DEFAULT '',
	session_mode     TEXT NOT NULL DEFAULT 'isolated',
	session_id       TEXT NOT NULL DEFAULT '',
	max_duration_s   INTEGER NOT NULL DEFAULT 300,
	retry_count      INTEGER NOT NULL DEFAULT 0,
	runs             INTEGER NOT NULL DEFAULT 0,
	successes        INTEGER NOT NULL DEFAULT 0,
	failures         INTEGER NOT NULL DEFAULT 0,
	last_status      TEXT NOT NULL DEFAULT '',
	last_duration_ms INTEGER NOT NULL DEFAULT 0,
	last_error       TEXT NOT NULL DEFAULT '',
	last_run_at      TIMESTAMP,
	next_run_at      TIMESTAMP,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS cron_history (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id      TEXT NOT NULL REFERENCES cron_jobs(id) ON DELETE CASCADE,
	status      TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cron_history_job ON cron_history(job_id, id);
`
