// Package telemetry implements the append-only token-usage ledger: event
// recording, grouped summaries, paged queries, and the opt-in/opt-out
// recording configuration.
package telemetry

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/bekirdag/mcoda/internal/errs"
)

// Event is one immutable token-usage record.
type Event struct {
	ID               int64     `json:"id,omitempty"`
	WorkspaceID      string    `json:"workspace_id,omitempty"`
	ProjectKey       string    `json:"project_key,omitempty"`
	AgentSlug        string    `json:"agent_slug,omitempty"`
	JobID            string    `json:"job_id,omitempty"`
	CommandRunID     string    `json:"command_run_id,omitempty"`
	TaskKey          string    `json:"task_key,omitempty"`
	CommandName      string    `json:"command_name,omitempty"`
	Action           string    `json:"action,omitempty"`
	InvocationKind   string    `json:"invocation_kind,omitempty"`
	Provider         string    `json:"provider,omitempty"`
	Model            string    `json:"model,omitempty"`
	Currency         string    `json:"currency,omitempty"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	CachedTokens     int64     `json:"cached_tokens"`
	CacheReadTokens  int64     `json:"cache_read_tokens"`
	CacheWriteTokens int64     `json:"cache_write_tokens"`
	DurationMS       *int64    `json:"duration_ms,omitempty"`
	DurationSeconds  *float64  `json:"duration_seconds,omitempty"`
	CostEstimate     *float64  `json:"cost_estimate,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Filter narrows ledger reads. Since/Until accept RFC-3339 timestamps or
// duration shorthands like "30m", "2h", "7d", "1w".
type Filter struct {
	WorkspaceID string
	ProjectKey  string
	AgentSlug   string
	JobID       string
	TaskKey     string
	CommandName string
	Action      string
	Model       string
	Since       string
	Until       string
}

// GroupKey is one of the supported group-by dimensions.
type GroupKey string

const (
	GroupProject GroupKey = "project"
	GroupAgent   GroupKey = "agent"
	GroupCommand GroupKey = "command"
	GroupDay     GroupKey = "day"
	GroupModel   GroupKey = "model"
	GroupJob     GroupKey = "job"
	GroupAction  GroupKey = "action"
)

// DefaultGroupBy is used when the caller passes no group keys.
var DefaultGroupBy = []GroupKey{GroupProject, GroupCommand, GroupAgent}

var groupColumns = map[GroupKey]string{
	GroupProject: "project_key",
	GroupAgent:   "agent_slug",
	GroupCommand: "command_name",
	GroupDay:     "substr(timestamp, 1, 10)",
	GroupModel:   "model",
	GroupJob:     "job_id",
	GroupAction:  "action",
}

// SummaryRow is one aggregated line of a telemetry summary.
type SummaryRow struct {
	Groups           map[GroupKey]string `json:"groups"`
	PromptTokens     int64               `json:"prompt_tokens"`
	CompletionTokens int64               `json:"completion_tokens"`
	TotalTokens      int64               `json:"total_tokens"`
	CachedTokens     int64               `json:"cached_tokens"`
	CacheReadTokens  int64               `json:"cache_read_tokens"`
	CacheWriteTokens int64               `json:"cache_write_tokens"`
	DurationMS       int64               `json:"duration_ms"`
	CostEstimate     *float64            `json:"cost_estimate"` // nil when all inputs were null
	Calls            int64               `json:"calls"`
}

// Config toggles local recording and remote export.
type Config struct {
	LocalRecording bool `json:"localRecording"`
	RemoteExport   bool `json:"remoteExport"`
	OptOut         bool `json:"optOut"`
	Strict         bool `json:"strict"`
}

// MaxPageSize bounds Query page sizes.
const MaxPageSize = 1000

// timeLayout is fixed-width so stored timestamps compare correctly as
// strings.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Ledger reads and appends token-usage events in the workspace database.
type Ledger struct {
	db       *sql.DB
	exporter *Exporter
}

// NewLedger creates a ledger over the workspace database handle.
func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// SetExporter attaches a remote exporter; events are forwarded only
// while remote export is enabled.
func (l *Ledger) SetExporter(x *Exporter) {
	l.exporter = x
}

// Record appends one event. Events are never mutated. Recording is a
// no-op when disabled by configuration.
func (l *Ledger) Record(e Event) error {
	cfg, err := l.GetConfig()
	if err != nil {
		return err
	}
	if cfg.Strict || !cfg.LocalRecording {
		return nil
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Currency == "" {
		e.Currency = "USD"
	}
	var durMS any
	if e.DurationMS != nil {
		durMS = *e.DurationMS
	}
	var durSec any
	if e.DurationSeconds != nil {
		durSec = *e.DurationSeconds
	}
	var cost any
	if e.CostEstimate != nil {
		cost = *e.CostEstimate
	}

	_, err = l.db.Exec(`INSERT INTO token_usage
		(workspace_id, project_key, agent_slug, job_id, command_run_id, task_key, command_name, action, invocation_kind, provider, model, currency,
		 prompt_tokens, completion_tokens, total_tokens, cached_tokens, cache_read_tokens, cache_write_tokens,
		 duration_ms, duration_seconds, cost_estimate, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.WorkspaceID, e.ProjectKey, e.AgentSlug, e.JobID, e.CommandRunID, e.TaskKey, e.CommandName, e.Action,
		e.InvocationKind, e.Provider, e.Model, e.Currency,
		e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.CachedTokens, e.CacheReadTokens, e.CacheWriteTokens,
		durMS, durSec, cost, e.Timestamp.UTC().Format(timeLayout))
	if err != nil {
		return errs.Wrap(errs.ClassStore, err, "failed to record token usage").
			WithHint("check that the workspace database is writable")
	}

	if l.exporter != nil && cfg.RemoteExport {
		l.exporter.Enqueue(e)
	}
	return nil
}

func buildWhere(f Filter) (string, []any, error) {
	var (
		conds []string
		args  []any
	)
	add := func(col, val string) {
		if val != "" {
			conds = append(conds, col+" = ?")
			args = append(args, val)
		}
	}
	add("workspace_id", f.WorkspaceID)
	add("project_key", f.ProjectKey)
	add("agent_slug", f.AgentSlug)
	add("job_id", f.JobID)
	add("task_key", f.TaskKey)
	add("command_name", f.CommandName)
	add("action", f.Action)
	add("model", f.Model)

	if f.Since != "" {
		t, err := ParseTimeArg(f.Since, time.Now())
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, "timestamp >= ?")
		args = append(args, t.UTC().Format(timeLayout))
	}
	if f.Until != "" {
		t, err := ParseTimeArg(f.Until, time.Now())
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, "timestamp <= ?")
		args = append(args, t.UTC().Format(timeLayout))
	}

	if len(conds) == 0 {
		return "", args, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// Summarize aggregates matching events by the given group keys. Empty
// groupBy defaults to {project, command, agent}.
func (l *Ledger) Summarize(f Filter, groupBy []GroupKey) ([]SummaryRow, error) {
	if len(groupBy) == 0 {
		groupBy = DefaultGroupBy
	}
	var selectCols, groupCols []string
	for _, g := range groupBy {
		col, ok := groupColumns[g]
		if !ok {
			return nil, errs.New(errs.ClassValidation, "unknown group-by key %q", g).
				WithHint("valid keys: project, agent, command, day, model, job, action")
		}
		selectCols = append(selectCols, col)
		groupCols = append(groupCols, col)
	}

	where, args, err := buildWhere(f)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s,
		SUM(prompt_tokens), SUM(completion_tokens), SUM(total_tokens),
		SUM(cached_tokens), SUM(cache_read_tokens), SUM(cache_write_tokens),
		SUM(COALESCE(duration_ms, CAST(duration_seconds * 1000 AS INTEGER), 0)),
		SUM(cost_estimate),
		COUNT(*)
		FROM token_usage%s GROUP BY %s ORDER BY %s`,
		strings.Join(selectCols, ", "), where, strings.Join(groupCols, ", "), strings.Join(groupCols, ", "))

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.ClassStore, err, "failed to summarize token usage")
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		groupVals := make([]sql.NullString, len(groupBy))
		scanArgs := make([]any, 0, len(groupBy)+9)
		for i := range groupVals {
			scanArgs = append(scanArgs, &groupVals[i])
		}
		var r SummaryRow
		var cost sql.NullFloat64
		scanArgs = append(scanArgs,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&r.CachedTokens, &r.CacheReadTokens, &r.CacheWriteTokens,
			&r.DurationMS, &cost, &r.Calls)
		if err := rows.Scan(scanArgs...); err != nil {
			return nil, errs.Wrap(errs.ClassStore, err, "failed to scan summary row")
		}
		r.Groups = make(map[GroupKey]string, len(groupBy))
		for i, g := range groupBy {
			r.Groups[g] = groupVals[i].String
		}
		if cost.Valid {
			v := cost.Float64
			r.CostEstimate = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Query returns matching events sorted by timestamp ascending with
// insertion order as tie-break. Pages are 1-based; pageSize caps at 1000.
func (l *Ledger) Query(f Filter, page, pageSize int) ([]Event, error) {
	if page < 1 {
		return nil, errs.New(errs.ClassValidation, "page numbering is 1-based, got %d", page)
	}
	if pageSize < 1 || pageSize > MaxPageSize {
		return nil, errs.New(errs.ClassValidation, "page size must be in [1, %d], got %d", MaxPageSize, pageSize)
	}

	where, args, err := buildWhere(f)
	if err != nil {
		return nil, err
	}

	query := `SELECT id, workspace_id, project_key, agent_slug, job_id, command_run_id, task_key, command_name,
		action, invocation_kind, provider, model, currency,
		prompt_tokens, completion_tokens, total_tokens, cached_tokens, cache_read_tokens, cache_write_tokens,
		duration_ms, duration_seconds, cost_estimate, timestamp
		FROM token_usage` + where + ` ORDER BY timestamp, id LIMIT ? OFFSET ?`
	args = append(args, pageSize, (page-1)*pageSize)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.ClassStore, err, "failed to query token usage")
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var durMS sql.NullInt64
		var durSec, cost sql.NullFloat64
		var ts string
		if err := rows.Scan(&e.ID, &e.WorkspaceID, &e.ProjectKey, &e.AgentSlug, &e.JobID, &e.CommandRunID,
			&e.TaskKey, &e.CommandName, &e.Action, &e.InvocationKind, &e.Provider, &e.Model, &e.Currency,
			&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens, &e.CachedTokens, &e.CacheReadTokens, &e.CacheWriteTokens,
			&durMS, &durSec, &cost, &ts); err != nil {
			return nil, errs.Wrap(errs.ClassStore, err, "failed to scan token usage row")
		}
		if durMS.Valid {
			v := durMS.Int64
			e.DurationMS = &v
		}
		if durSec.Valid {
			v := durSec.Float64
			e.DurationSeconds = &v
		}
		if cost.Valid {
			v := cost.Float64
			e.CostEstimate = &v
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Timestamp = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetConfig returns the current telemetry configuration.
func (l *Ledger) GetConfig() (Config, error) {
	row := l.db.QueryRow(`SELECT local_recording, remote_export, opt_out, strict FROM telemetry_config WHERE id = 1`)
	var local, remote, optOut, strict int
	if err := row.Scan(&local, &remote, &optOut, &strict); err != nil {
		return Config{}, errs.Wrap(errs.ClassStore, err, "failed to read telemetry config")
	}
	return Config{
		LocalRecording: local != 0,
		RemoteExport:   remote != 0,
		OptOut:         optOut != 0,
		Strict:         strict != 0,
	}, nil
}

// OptIn re-enables local recording (and clears opt-out and strict).
func (l *Ledger) OptIn() (Config, error) {
	return l.setConfig(Config{LocalRecording: true})
}

// OptOut disables remote export; with strict it disables local recording
// as well.
func (l *Ledger) OptOut(strict bool) (Config, error) {
	return l.setConfig(Config{LocalRecording: !strict, OptOut: true, Strict: strict})
}

func (l *Ledger) setConfig(cfg Config) (Config, error) {
	_, err := l.db.Exec(`UPDATE telemetry_config SET local_recording = ?, remote_export = ?, opt_out = ?, strict = ? WHERE id = 1`,
		boolToInt(cfg.LocalRecording), boolToInt(cfg.RemoteExport), boolToInt(cfg.OptOut), boolToInt(cfg.Strict))
	if err != nil {
		return Config{}, errs.Wrap(errs.ClassStore, err, "failed to update telemetry config")
	}
	return cfg, nil
}

// EnableRemoteExport turns on the remote exporter (requires prior opt-in).
func (l *Ledger) EnableRemoteExport() (Config, error) {
	cfg, err := l.GetConfig()
	if err != nil {
		return Config{}, err
	}
	if cfg.OptOut {
		return Config{}, errs.New(errs.ClassValidation, "cannot enable remote export while opted out").
			WithHint("run `mcoda telemetry opt-in` first")
	}
	cfg.RemoteExport = true
	return l.setConfig(cfg)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
