package store

import (
	"database/sql"
	"time"

	"github.com/bekirdag/mcoda/internal/errs"
)

// A migration is applied exactly once, inside its own transaction, and is
// recorded by id and name. Ids increase monotonically and are never re-run.
type migration struct {
	id   int
	name string
	sql  string
	// alters lists column additions applied only when the column does not
	// already exist, keeping ALTER TABLE steps idempotent.
	alters []columnAdd
}

type columnAdd struct {
	table  string
	column string
	ddl    string
}

var migrations = []migration{
	{
		id:   1,
		name: "create core tables",
		sql: `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	key TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS epics (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	key TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS user_stories (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	epic_id TEXT NOT NULL,
	key TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE,
	FOREIGN KEY(epic_id) REFERENCES epics(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	epic_id TEXT NOT NULL,
	story_id TEXT NOT NULL,
	key TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'not_started',
	priority INTEGER NOT NULL DEFAULT 0,
	story_points INTEGER NOT NULL DEFAULT 0,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	FOREIGN KEY(project_id) REFERENCES projects(id) ON DELETE CASCADE,
	FOREIGN KEY(epic_id) REFERENCES epics(id) ON DELETE CASCADE,
	FOREIGN KEY(story_id) REFERENCES user_stories(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS task_dependencies (
	from_task_key TEXT NOT NULL,
	to_task_key TEXT NOT NULL,
	created_at TEXT NOT NULL,
	PRIMARY KEY (from_task_key, to_task_key)
);

CREATE TABLE IF NOT EXISTS task_comments (
	id TEXT PRIMARY KEY,
	task_key TEXT NOT NULL,
	author TEXT NOT NULL DEFAULT '',
	body TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_key TEXT NOT NULL,
	level TEXT NOT NULL DEFAULT 'info',
	message TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_project_id ON tasks(project_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_task_logs_task_key ON task_logs(task_key);
`,
	},
	{
		id:   2,
		name: "create run and job tables",
		sql: `
CREATE TABLE IF NOT EXISTS command_runs (
	id TEXT PRIMARY KEY,
	command_name TEXT NOT NULL,
	args_json TEXT NOT NULL DEFAULT '{}',
	exit_code INTEGER,
	started_at TEXT NOT NULL,
	finished_at TEXT
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	command_run_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	command_name TEXT NOT NULL,
	state TEXT NOT NULL DEFAULT 'queued',
	payload_json TEXT NOT NULL DEFAULT '{}',
	resume_supported INTEGER NOT NULL DEFAULT 0,
	row_version INTEGER NOT NULL DEFAULT 1,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS task_runs (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	task_key TEXT NOT NULL,
	step TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	status TEXT NOT NULL,
	decision TEXT NOT NULL DEFAULT '',
	outcome TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	finished_at TEXT,
	FOREIGN KEY(job_id) REFERENCES jobs(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS token_usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	workspace_id TEXT NOT NULL DEFAULT '',
	project_key TEXT NOT NULL DEFAULT '',
	agent_slug TEXT NOT NULL DEFAULT '',
	job_id TEXT NOT NULL DEFAULT '',
	command_run_id TEXT NOT NULL DEFAULT '',
	task_key TEXT NOT NULL DEFAULT '',
	command_name TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL DEFAULT '',
	invocation_kind TEXT NOT NULL DEFAULT '',
	provider TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	currency TEXT NOT NULL DEFAULT 'USD',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	cached_tokens INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens INTEGER NOT NULL DEFAULT 0,
	cache_write_tokens INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER,
	duration_seconds REAL,
	cost_estimate REAL,
	timestamp TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS telemetry_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	local_recording INTEGER NOT NULL DEFAULT 1,
	remote_export INTEGER NOT NULL DEFAULT 0,
	opt_out INTEGER NOT NULL DEFAULT 0,
	strict INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO telemetry_config (id) VALUES (1);

CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
CREATE INDEX IF NOT EXISTS idx_task_runs_job_id ON task_runs(job_id);
CREATE INDEX IF NOT EXISTS idx_token_usage_timestamp ON token_usage(timestamp);
CREATE INDEX IF NOT EXISTS idx_token_usage_job_id ON token_usage(job_id);
`,
	},
	{
		id:   3,
		name: "add task stage and job error summary",
		alters: []columnAdd{
			{table: "tasks", column: "stage", ddl: `ALTER TABLE tasks ADD COLUMN stage TEXT NOT NULL DEFAULT 'other'`},
			{table: "tasks", column: "assigned_agent", ddl: `ALTER TABLE tasks ADD COLUMN assigned_agent TEXT NOT NULL DEFAULT ''`},
			{table: "jobs", column: "error_summary", ddl: `ALTER TABLE jobs ADD COLUMN error_summary TEXT NOT NULL DEFAULT ''`},
			{table: "jobs", column: "workspace_id", ddl: `ALTER TABLE jobs ADD COLUMN workspace_id TEXT NOT NULL DEFAULT ''`},
		},
	},
}

// migrate runs all pending migrations, each inside its own transaction,
// recording applied id and name. An id is never re-run.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS schema_migrations (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	applied_at TEXT NOT NULL
);`); err != nil {
		return errs.Wrap(errs.ClassStore, err, "failed to ensure schema_migrations table")
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(id), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return errs.Wrap(errs.ClassStore, err, "failed to read schema version")
	}

	for _, m := range migrations {
		if m.id <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errs.Wrap(errs.ClassStore, err, "failed to begin migration %03d", m.id)
	}
	defer tx.Rollback()

	if m.sql != "" {
		if _, err := tx.Exec(m.sql); err != nil {
			return errs.Wrap(errs.ClassStore, err, "migration %03d (%s) failed", m.id, m.name)
		}
	}
	for _, a := range m.alters {
		exists, err := hasColumn(tx, a.table, a.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if _, err := tx.Exec(a.ddl); err != nil {
			return errs.Wrap(errs.ClassStore, err, "migration %03d (%s): alter %s.%s failed", m.id, m.name, a.table, a.column)
		}
	}

	if _, err := tx.Exec(`INSERT INTO schema_migrations (id, name, applied_at) VALUES (?, ?, ?)`,
		m.id, m.name, formatTime(time.Now())); err != nil {
		return errs.Wrap(errs.ClassStore, err, "failed to record migration %03d", m.id)
	}
	return tx.Commit()
}

// hasColumn reads column metadata so ALTER TABLE steps can skip columns
// that already exist.
func hasColumn(tx *sql.Tx, table, column string) (bool, error) {
	rows, err := tx.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, errs.Wrap(errs.ClassStore, err, "failed to read column metadata for %s", table)
	}
	defer rows.Close()

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, errs.Wrap(errs.ClassStore, err, "failed to scan column metadata")
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
