package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bekirdag/mcoda/internal/errs"
)

// TaskFilter narrows task listings.
type TaskFilter struct {
	ProjectKey string
	EpicKey    string
	StoryKey   string
	Keys       []string
	Statuses   []TaskStatus
	Limit      int
}

// CreateProject inserts a project. The key must be unique per workspace.
func (s *Store) CreateProject(key, name string) (*Project, error) {
	now := time.Now()
	p := &Project{
		ID:        uuid.NewString(),
		Key:       key,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO projects (id, key, name, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
			p.ID, p.Key, p.Name, formatTime(now), formatTime(now))
		if err != nil {
			return errs.Wrap(errs.ClassStore, err, "failed to create project %s", key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetProjectByKey fetches a project by key.
func (s *Store) GetProjectByKey(key string) (*Project, error) {
	row := s.db.QueryRow(`SELECT id, key, name, created_at, updated_at FROM projects WHERE key = ?`, key)
	var p Project
	var created, updated string
	if err := row.Scan(&p.ID, &p.Key, &p.Name, &created, &updated); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.ClassValidation, "unknown project %q", key).
				WithHint("run `mcoda order-tasks` without --project to list available work")
		}
		return nil, errs.Wrap(errs.ClassStore, err, "failed to load project %s", key)
	}
	p.CreatedAt, p.UpdatedAt = parseTime(created), parseTime(updated)
	return &p, nil
}

// CreateEpic inserts an epic under a project.
func (s *Store) CreateEpic(projectID, key, title string) (*Epic, error) {
	now := time.Now()
	e := &Epic{ID: uuid.NewString(), ProjectID: projectID, Key: key, Title: title, CreatedAt: now, UpdatedAt: now}
	err := s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO epics (id, project_id, key, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.ProjectID, e.Key, e.Title, formatTime(now), formatTime(now))
		if err != nil {
			return errs.Wrap(errs.ClassStore, err, "failed to create epic %s", key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// CreateStory inserts a user story under an epic.
func (s *Store) CreateStory(projectID, epicID, key, title string) (*UserStory, error) {
	now := time.Now()
	st := &UserStory{ID: uuid.NewString(), ProjectID: projectID, EpicID: epicID, Key: key, Title: title, CreatedAt: now, UpdatedAt: now}
	err := s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO user_stories (id, project_id, epic_id, key, title, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			st.ID, st.ProjectID, st.EpicID, st.Key, st.Title, formatTime(now), formatTime(now))
		if err != nil {
			return errs.Wrap(errs.ClassStore, err, "failed to create story %s", key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// CreateTask inserts a task.
func (s *Store) CreateTask(t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskNotStarted
	}
	if t.Stage == "" {
		t.Stage = "other"
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now

	meta := "{}"
	if len(t.Metadata) > 0 {
		data, err := json.Marshal(t.Metadata)
		if err != nil {
			return errs.Wrap(errs.ClassValidation, err, "invalid task metadata for %s", t.Key)
		}
		meta = string(data)
	}

	return s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO tasks
			(id, project_id, epic_id, story_id, key, title, description, status, priority, story_points, stage, assigned_agent, metadata_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.ProjectID, t.EpicID, t.StoryID, t.Key, t.Title, t.Description,
			string(t.Status), t.Priority, t.StoryPoints, t.Stage, t.AssignedAgent, meta,
			formatTime(now), formatTime(now))
		if err != nil {
			return errs.Wrap(errs.ClassStore, err, "failed to create task %s", t.Key)
		}
		return nil
	})
}

const taskColumns = `id, project_id, epic_id, story_id, key, title, description, status, priority, story_points, stage, assigned_agent, metadata_json, created_at, updated_at`

func scanTask(scan func(...any) error) (*Task, error) {
	var t Task
	var meta, created, updated, status string
	if err := scan(&t.ID, &t.ProjectID, &t.EpicID, &t.StoryID, &t.Key, &t.Title, &t.Description,
		&status, &t.Priority, &t.StoryPoints, &t.Stage, &t.AssignedAgent, &meta, &created, &updated); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.CreatedAt, t.UpdatedAt = parseTime(created), parseTime(updated)
	// Unknown metadata keys are preserved as-is.
	if meta != "" && meta != "{}" {
		_ = json.Unmarshal([]byte(meta), &t.Metadata)
	}
	return &t, nil
}

// GetTaskByKey fetches a task by its workspace-unique key.
func (s *Store) GetTaskByKey(key string) (*Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE key = ?`, key)
	t, err := scanTask(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.ClassValidation, "unknown task %q", key)
		}
		return nil, errs.Wrap(errs.ClassStore, err, "failed to load task %s", key)
	}
	return t, nil
}

// ListTasks returns tasks matching the filter, ordered by key.
func (s *Store) ListTasks(f TaskFilter) ([]*Task, error) {
	var (
		conds []string
		args  []any
	)
	if f.ProjectKey != "" {
		conds = append(conds, `project_id = (SELECT id FROM projects WHERE key = ?)`)
		args = append(args, f.ProjectKey)
	}
	if f.EpicKey != "" {
		conds = append(conds, `epic_id = (SELECT id FROM epics WHERE key = ?)`)
		args = append(args, f.EpicKey)
	}
	if f.StoryKey != "" {
		conds = append(conds, `story_id = (SELECT id FROM user_stories WHERE key = ?)`)
		args = append(args, f.StoryKey)
	}
	if len(f.Keys) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Keys)), ",")
		conds = append(conds, fmt.Sprintf(`key IN (%s)`, placeholders))
		for _, k := range f.Keys {
			args = append(args, k)
		}
	}
	if len(f.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")
		conds = append(conds, fmt.Sprintf(`status IN (%s)`, placeholders))
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY key`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.ClassStore, err, "failed to list tasks")
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, errs.Wrap(errs.ClassStore, err, "failed to scan task")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskStatus sets the status of one task.
func (s *Store) UpdateTaskStatus(key string, status TaskStatus) error {
	return s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE key = ?`,
			string(status), formatTime(time.Now()), key)
		if err != nil {
			return errs.Wrap(errs.ClassStore, err, "failed to update task %s", key)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.New(errs.ClassValidation, "unknown task %q", key)
		}
		return nil
	})
}

// AssignTaskAgent records the agent chosen for a task.
func (s *Store) AssignTaskAgent(key, agentSlug string) error {
	return s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE tasks SET assigned_agent = ?, updated_at = ? WHERE key = ?`,
			agentSlug, formatTime(time.Now()), key)
		if err != nil {
			return errs.Wrap(errs.ClassStore, err, "failed to assign agent on task %s", key)
		}
		return nil
	})
}

// AddDependency records a prerequisite edge from → to.
func (s *Store) AddDependency(fromKey, toKey string) error {
	return s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT OR IGNORE INTO task_dependencies (from_task_key, to_task_key, created_at) VALUES (?, ?, ?)`,
			fromKey, toKey, formatTime(time.Now()))
		if err != nil {
			return errs.Wrap(errs.ClassStore, err, "failed to add dependency %s -> %s", fromKey, toKey)
		}
		return nil
	})
}

// ListDependencies returns all dependency edges whose dependent (from) task
// is among the given task keys; the prerequisite may lie outside them. With
// no keys, all edges are returned.
func (s *Store) ListDependencies(keys []string) ([]Dependency, error) {
	query := `SELECT from_task_key, to_task_key, created_at FROM task_dependencies`
	var args []any
	if len(keys) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
		query += fmt.Sprintf(` WHERE from_task_key IN (%s)`, placeholders)
		for _, k := range keys {
			args = append(args, k)
		}
	}
	query += ` ORDER BY from_task_key, to_task_key`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.ClassStore, err, "failed to list dependencies")
	}
	defer rows.Close()

	var out []Dependency
	for rows.Next() {
		var d Dependency
		var created string
		if err := rows.Scan(&d.FromKey, &d.ToKey, &created); err != nil {
			return nil, errs.Wrap(errs.ClassStore, err, "failed to scan dependency")
		}
		d.CreatedAt = parseTime(created)
		out = append(out, d)
	}
	return out, rows.Err()
}

// AddComment attaches a comment to a task.
func (s *Store) AddComment(taskKey, author, body string) error {
	return s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO task_comments (id, task_key, author, body, created_at) VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), taskKey, author, body, formatTime(time.Now()))
		if err != nil {
			return errs.Wrap(errs.ClassStore, err, "failed to add comment on %s", taskKey)
		}
		return nil
	})
}

// ListComments returns comments for a task, oldest first.
func (s *Store) ListComments(taskKey string) ([]Comment, error) {
	rows, err := s.db.Query(`SELECT id, task_key, author, body, created_at FROM task_comments WHERE task_key = ? ORDER BY created_at`, taskKey)
	if err != nil {
		return nil, errs.Wrap(errs.ClassStore, err, "failed to list comments for %s", taskKey)
	}
	defer rows.Close()

	var out []Comment
	for rows.Next() {
		var c Comment
		var created string
		if err := rows.Scan(&c.ID, &c.TaskKey, &c.Author, &c.Body, &created); err != nil {
			return nil, errs.Wrap(errs.ClassStore, err, "failed to scan comment")
		}
		c.CreatedAt = parseTime(created)
		out = append(out, c)
	}
	return out, rows.Err()
}

// AppendTaskLog attaches a log line to a task.
func (s *Store) AppendTaskLog(taskKey, level, message string) error {
	return s.WithTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO task_logs (task_key, level, message, created_at) VALUES (?, ?, ?, ?)`,
			taskKey, level, message, formatTime(time.Now()))
		if err != nil {
			return errs.Wrap(errs.ClassStore, err, "failed to append log on %s", taskKey)
		}
		return nil
	})
}

// ListTaskLogs returns log lines for a task, oldest first.
func (s *Store) ListTaskLogs(taskKey string) ([]TaskLog, error) {
	rows, err := s.db.Query(`SELECT id, task_key, level, message, created_at FROM task_logs WHERE task_key = ? ORDER BY id`, taskKey)
	if err != nil {
		return nil, errs.Wrap(errs.ClassStore, err, "failed to list logs for %s", taskKey)
	}
	defer rows.Close()

	var out []TaskLog
	for rows.Next() {
		var l TaskLog
		var created string
		if err := rows.Scan(&l.ID, &l.TaskKey, &l.Level, &l.Message, &created); err != nil {
			return nil, errs.Wrap(errs.ClassStore, err, "failed to scan task log")
		}
		l.CreatedAt = parseTime(created)
		out = append(out, l)
	}
	return out, rows.Err()
}
