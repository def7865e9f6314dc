// Package registry manages the global agent registry: agent definitions,
// capabilities, EMA ratings, and complexity caps. The registry database
// lives under the user's home directory and is shared by every workspace,
// so writes take a short-lived advisory lock.
package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/bekirdag/mcoda/internal/errs"
)

// Agent is a globally registered execution agent.
type Agent struct {
	ID                  string    `json:"id"`
	Slug                string    `json:"slug"`
	Adapter             string    `json:"adapter"`
	DefaultModel        string    `json:"defaultModel"`
	Capabilities        []string  `json:"capabilities"`
	Rating              float64   `json:"rating"`
	ReasoningRating     float64   `json:"reasoningRating"`
	RatingSamples       int       `json:"ratingSamples"`
	MaxComplexity       int       `json:"maxComplexity"`
	ComplexityUpdatedAt time.Time `json:"complexityUpdatedAt"`
	CostPerMillion      float64   `json:"costPerMillion"`
}

// HasCapability reports whether the agent declares the capability.
func (a *Agent) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// RunRating is one persisted rating record; agent ratings are always
// derived from these rows.
type RunRating struct {
	ID           string    `json:"id"`
	AgentSlug    string    `json:"agentSlug"`
	JobID        string    `json:"jobId"`
	TaskKey      string    `json:"taskKey"`
	Complexity   int       `json:"complexity"`
	QualityScore float64   `json:"qualityScore"`
	RunScore     float64   `json:"runScore"`
	TotalCostUSD float64   `json:"totalCostUsd"`
	DurationSecs float64   `json:"durationSeconds"`
	Iterations   int       `json:"iterations"`
	RatingAfter  float64   `json:"ratingAfter"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Registry is the global agent database handle.
type Registry struct {
	db   *sql.DB
	lock *fileLock
}

// Open opens the registry database at path, creating the schema on first
// use.
func Open(path string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errs.Wrap(errs.ClassStore, err, "failed to create registry directory")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.ClassStore, err, "failed to open agent registry").
			WithHint("check permissions on ~/.mcoda")
	}

	r := &Registry{db: db, lock: newFileLock(path + ".lock")}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// Close closes the registry.
func (r *Registry) Close() error {
	return r.db.Close()
}

func (r *Registry) migrate() error {
	_, err := r.db.Exec(`
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	slug TEXT NOT NULL UNIQUE,
	adapter TEXT NOT NULL,
	default_model TEXT NOT NULL DEFAULT '',
	capabilities_json TEXT NOT NULL DEFAULT '[]',
	rating REAL NOT NULL DEFAULT 5.0,
	reasoning_rating REAL NOT NULL DEFAULT 5.0,
	rating_samples INTEGER NOT NULL DEFAULT 0,
	max_complexity INTEGER NOT NULL DEFAULT 5,
	complexity_updated_at TEXT NOT NULL DEFAULT '',
	cost_per_million REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS agent_run_ratings (
	id TEXT PRIMARY KEY,
	agent_slug TEXT NOT NULL,
	job_id TEXT NOT NULL DEFAULT '',
	task_key TEXT NOT NULL DEFAULT '',
	complexity INTEGER NOT NULL DEFAULT 0,
	quality_score REAL NOT NULL DEFAULT 0,
	run_score REAL NOT NULL DEFAULT 0,
	total_cost_usd REAL NOT NULL DEFAULT 0,
	duration_seconds REAL NOT NULL DEFAULT 0,
	iterations INTEGER NOT NULL DEFAULT 0,
	rating_after REAL NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agent_run_ratings_slug ON agent_run_ratings(agent_slug);
`)
	if err != nil {
		return errs.Wrap(errs.ClassStore, err, "failed to migrate agent registry")
	}
	return nil
}

// withLock serializes cross-workspace writes through the advisory lock.
func (r *Registry) withLock(fn func() error) error {
	if err := r.lock.Acquire(5 * time.Second); err != nil {
		return errs.Wrap(errs.ClassStore, err, "failed to lock agent registry").
			WithHint("another mcoda process holds the registry lock")
	}
	defer r.lock.Release()
	return fn()
}

// Upsert creates or replaces an agent definition by slug.
func (r *Registry) Upsert(a *Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return errs.Wrap(errs.ClassValidation, err, "invalid capabilities for %s", a.Slug)
	}
	return r.withLock(func() error {
		_, err := r.db.Exec(`INSERT INTO agents
			(id, slug, adapter, default_model, capabilities_json, rating, reasoning_rating, rating_samples, max_complexity, complexity_updated_at, cost_per_million)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(slug) DO UPDATE SET
				adapter = excluded.adapter,
				default_model = excluded.default_model,
				capabilities_json = excluded.capabilities_json,
				cost_per_million = excluded.cost_per_million`,
			a.ID, a.Slug, a.Adapter, a.DefaultModel, string(caps),
			a.Rating, a.ReasoningRating, a.RatingSamples, a.MaxComplexity,
			formatTime(a.ComplexityUpdatedAt), a.CostPerMillion)
		if err != nil {
			return errs.Wrap(errs.ClassStore, err, "failed to upsert agent %s", a.Slug)
		}
		return nil
	})
}

const agentColumns = `id, slug, adapter, default_model, capabilities_json, rating, reasoning_rating, rating_samples, max_complexity, complexity_updated_at, cost_per_million`

func scanAgent(scan func(...any) error) (*Agent, error) {
	var a Agent
	var caps, updated string
	if err := scan(&a.ID, &a.Slug, &a.Adapter, &a.DefaultModel, &caps, &a.Rating, &a.ReasoningRating,
		&a.RatingSamples, &a.MaxComplexity, &updated, &a.CostPerMillion); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(caps), &a.Capabilities)
	a.ComplexityUpdatedAt = parseTime(updated)
	return &a, nil
}

// GetBySlug fetches one agent.
func (r *Registry) GetBySlug(slug string) (*Agent, error) {
	row := r.db.QueryRow(`SELECT `+agentColumns+` FROM agents WHERE slug = ?`, slug)
	a, err := scanAgent(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.ClassValidation, "unknown agent %q", slug)
		}
		return nil, errs.Wrap(errs.ClassStore, err, "failed to load agent %s", slug)
	}
	return a, nil
}

// List returns all registered agents ordered by slug.
func (r *Registry) List() ([]*Agent, error) {
	rows, err := r.db.Query(`SELECT ` + agentColumns + ` FROM agents ORDER BY slug`)
	if err != nil {
		return nil, errs.Wrap(errs.ClassStore, err, "failed to list agents")
	}
	defer rows.Close()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, errs.Wrap(errs.ClassStore, err, "failed to scan agent")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateRatings persists new rating values for an agent.
func (r *Registry) UpdateRatings(slug string, rating, reasoningRating float64, samples int) error {
	return r.withLock(func() error {
		_, err := r.db.Exec(`UPDATE agents SET rating = ?, reasoning_rating = ?, rating_samples = ? WHERE slug = ?`,
			rating, reasoningRating, samples, slug)
		if err != nil {
			return errs.Wrap(errs.ClassStore, err, "failed to update ratings for %s", slug)
		}
		return nil
	})
}

// UpdateMaxComplexity persists a complexity cap change with its timestamp.
func (r *Registry) UpdateMaxComplexity(slug string, maxComplexity int, at time.Time) error {
	return r.withLock(func() error {
		_, err := r.db.Exec(`UPDATE agents SET max_complexity = ?, complexity_updated_at = ? WHERE slug = ?`,
			maxComplexity, formatTime(at), slug)
		if err != nil {
			return errs.Wrap(errs.ClassStore, err, "failed to update complexity cap for %s", slug)
		}
		return nil
	})
}

// InsertRunRating appends one run-rating record.
func (r *Registry) InsertRunRating(rr *RunRating) error {
	if rr.ID == "" {
		rr.ID = uuid.NewString()
	}
	if rr.CreatedAt.IsZero() {
		rr.CreatedAt = time.Now()
	}
	return r.withLock(func() error {
		_, err := r.db.Exec(`INSERT INTO agent_run_ratings
			(id, agent_slug, job_id, task_key, complexity, quality_score, run_score, total_cost_usd, duration_seconds, iterations, rating_after, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rr.ID, rr.AgentSlug, rr.JobID, rr.TaskKey, rr.Complexity, rr.QualityScore, rr.RunScore,
			rr.TotalCostUSD, rr.DurationSecs, rr.Iterations, rr.RatingAfter, formatTime(rr.CreatedAt))
		if err != nil {
			return errs.Wrap(errs.ClassStore, err, "failed to insert run rating for %s", rr.AgentSlug)
		}
		return nil
	})
}

// ListRunRatings returns rating records for an agent, newest first.
func (r *Registry) ListRunRatings(slug string, limit int) ([]RunRating, error) {
	query := `SELECT id, agent_slug, job_id, task_key, complexity, quality_score, run_score, total_cost_usd, duration_seconds, iterations, rating_after, created_at
		FROM agent_run_ratings WHERE agent_slug = ? ORDER BY created_at DESC`
	args := []any{slug}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.ClassStore, err, "failed to list run ratings for %s", slug)
	}
	defer rows.Close()

	var out []RunRating
	for rows.Next() {
		var rr RunRating
		var created string
		if err := rows.Scan(&rr.ID, &rr.AgentSlug, &rr.JobID, &rr.TaskKey, &rr.Complexity, &rr.QualityScore,
			&rr.RunScore, &rr.TotalCostUSD, &rr.DurationSecs, &rr.Iterations, &rr.RatingAfter, &created); err != nil {
			return nil, errs.Wrap(errs.ClassStore, err, "failed to scan run rating")
		}
		rr.CreatedAt = parseTime(created)
		out = append(out, rr)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
