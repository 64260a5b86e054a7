// Package store is the durable repository: a typed Repository interface
// over a *sql.DB, an atomic lease CAS via conditional UPDATE, and the
// due-task query the worker polls.
package store

import "database/sql"

const schema = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  kind TEXT NOT NULL CHECK(kind IN ('one_shot','recurring')),
  fire_at DATETIME,
  cron TEXT,
  timezone TEXT NOT NULL DEFAULT 'UTC',
  next_fire_at DATETIME,
  callback_kind TEXT NOT NULL CHECK(callback_kind IN ('webhook','chat','email','store')),
  callback_config TEXT NOT NULL DEFAULT '{}',
  payload TEXT NOT NULL DEFAULT '{}',
  status TEXT NOT NULL CHECK(status IN ('active','paused','completed','failed','cancelled')) DEFAULT 'active',
  max_retries INTEGER NOT NULL DEFAULT 0,
  retry_delay_seconds INTEGER NOT NULL DEFAULT 60,
  current_retry_count INTEGER NOT NULL DEFAULT 0,
  last_fired_at DATETIME,
  fire_count INTEGER NOT NULL DEFAULT 0,
  created_by TEXT NOT NULL DEFAULT 'anonymous',
  tags TEXT NOT NULL DEFAULT '[]',
  locked_at DATETIME,
  locked_by TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, locked_at, next_fire_at, fire_at);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(created_by, status);

CREATE TABLE IF NOT EXISTS executions (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
  status TEXT NOT NULL CHECK(status IN ('running','success','failed','timeout','skipped')),
  started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  finished_at DATETIME,
  response_code INTEGER NOT NULL DEFAULT 0,
  response_body TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  duration_ms INTEGER NOT NULL DEFAULT 0,
  retry_number INTEGER NOT NULL DEFAULT 0,
  request_url TEXT NOT NULL DEFAULT '',
  request_payload TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_executions_task ON executions(task_id, started_at DESC);

CREATE TABLE IF NOT EXISTS stored_notifications (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
  payload TEXT NOT NULL DEFAULT '{}',
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  read_at DATETIME,
  session_id TEXT NOT NULL DEFAULT 'anonymous'
);
CREATE INDEX IF NOT EXISTS idx_notifications_session ON stored_notifications(session_id, read_at);
`

// EnsureSchema creates the three durable tables if they don't already
// exist.
func EnsureSchema(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
