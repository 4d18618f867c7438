package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/apex/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
	// mu serializes read-modify-write sequences such as UpdateTaskStatus.
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
// ":memory:" opens a private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serializes all access and keeps an in-memory database alive.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const taskColumns = `id, parent_task_id, title, description, project_path, branch_name,
	status, retry_count, max_retries, resume_attempts, pause_reason, paused_at, resume_after, checkpoint, error,
	subtask_ids, subtask_strategy, depends_on, blocked_by,
	trashed_at, archived_at, merged_at,
	input_tokens, output_tokens, cost_usd, artifacts,
	created_at, updated_at, started_at, completed_at`

func (s *SQLiteStore) CreateTask(ctx context.Context, t *models.Task) error {
	if t.ID == "" {
		t.ID = models.NewID()
	}
	if t.Status == "" {
		t.Status = models.TaskStatusPending
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		append([]any{t.ID}, args...)...,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var conditions []string
	var args []any

	if filter.ProjectPath != "" {
		conditions = append(conditions, "project_path = ?")
		args = append(args, filter.ProjectPath)
	}
	if filter.ParentTaskID != "" {
		conditions = append(conditions, "parent_task_id = ?")
		args = append(args, filter.ParentTaskID)
	} else if filter.TopLevel {
		conditions = append(conditions, "parent_task_id = ''")
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		conditions = append(conditions, "status IN ("+strings.Join(marks, ", ")+")")
	}
	switch filter.Visibility {
	case VisibleOnly:
		conditions = append(conditions, "trashed_at IS NULL", "archived_at IS NULL")
	case TrashedOnly:
		conditions = append(conditions, "trashed_at IS NOT NULL")
	case ArchivedOnly:
		conditions = append(conditions, "archived_at IS NOT NULL", "trashed_at IS NULL")
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, t *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateTask(ctx, t)
}

func (s *SQLiteStore) updateTask(ctx context.Context, t *models.Task) error {
	t.UpdatedAt = time.Now().UTC()
	args, err := taskArgs(t)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET parent_task_id=?, title=?, description=?, project_path=?, branch_name=?,
		status=?, retry_count=?, max_retries=?, resume_attempts=?, pause_reason=?, paused_at=?, resume_after=?, checkpoint=?, error=?,
		subtask_ids=?, subtask_strategy=?, depends_on=?, blocked_by=?,
		trashed_at=?, archived_at=?, merged_at=?,
		input_tokens=?, output_tokens=?, cost_usd=?, artifacts=?,
		created_at=?, updated_at=?, started_at=?, completed_at=?
		WHERE id=?`,
		append(args, t.ID)...,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, ErrNotFound)
	}
	return nil
}

// UpdateTaskStatus sets the status and stamps completed_at when the new
// status is terminal.
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid task status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var completed any
	if status.IsTerminal() {
		completed = now
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, updated_at=?, completed_at=? WHERE id=?`,
		string(status), now, completed, id,
	)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteTask removes the task and its logs.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) AddLog(ctx context.Context, entry *models.LogEntry) error {
	if entry.Level == "" {
		entry.Level = models.LogLevelInfo
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO task_logs (task_id, level, message, created_at) VALUES (?, ?, ?, ?)`,
		entry.TaskID, string(entry.Level), entry.Message, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("add log: %w", err)
	}
	entry.ID, _ = result.LastInsertId()
	return nil
}

// ListLogs returns the most recent limit entries for a task, oldest first.
// A limit of zero returns all entries.
func (s *SQLiteStore) ListLogs(ctx context.Context, taskID string, limit int) ([]*models.LogEntry, error) {
	query := `SELECT id, task_id, level, message, created_at FROM task_logs WHERE task_id = ? ORDER BY id DESC`
	args := []any{taskID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*models.LogEntry
	for rows.Next() {
		e := &models.LogEntry{}
		var level string
		if err := rows.Scan(&e.ID, &e.TaskID, &level, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.Level = models.LogLevel(level)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// taskArgs returns the column values of t in taskColumns order, without id.
func taskArgs(t *models.Task) ([]any, error) {
	checkpoint := ""
	if t.Checkpoint != nil {
		data, err := json.Marshal(t.Checkpoint)
		if err != nil {
			return nil, fmt.Errorf("encode checkpoint: %w", err)
		}
		checkpoint = string(data)
	}
	return []any{
		t.ParentTaskID, t.Title, t.Description, t.ProjectPath, t.BranchName,
		string(t.Status), t.RetryCount, t.MaxRetries, t.ResumeAttempts, t.PauseReason,
		nullTime(t.PausedAt), nullTime(t.ResumeAfter), checkpoint, t.Error,
		encodeList(t.SubtaskIDs), string(t.SubtaskStrategy), encodeList(t.DependsOn), encodeList(t.BlockedBy),
		nullTime(t.TrashedAt), nullTime(t.ArchivedAt), nullTime(t.MergedAt),
		t.Usage.InputTokens, t.Usage.OutputTokens, t.Usage.CostUSD, encodeList(t.Artifacts),
		t.CreatedAt, t.UpdatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.Task, error) {
	t := &models.Task{}
	var status, strategy, checkpoint string
	var subtasks, dependsOn, blockedBy, artifacts string
	var pausedAt, resumeAfter, trashedAt, archivedAt, mergedAt, startedAt, completedAt sql.NullTime

	err := row.Scan(&t.ID, &t.ParentTaskID, &t.Title, &t.Description, &t.ProjectPath, &t.BranchName,
		&status, &t.RetryCount, &t.MaxRetries, &t.ResumeAttempts, &t.PauseReason, &pausedAt, &resumeAfter, &checkpoint, &t.Error,
		&subtasks, &strategy, &dependsOn, &blockedBy,
		&trashedAt, &archivedAt, &mergedAt,
		&t.Usage.InputTokens, &t.Usage.OutputTokens, &t.Usage.CostUSD, &artifacts,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	t.Status = models.TaskStatus(status)
	t.SubtaskStrategy = models.SubtaskStrategy(strategy)
	t.PausedAt = timePtr(pausedAt)
	t.ResumeAfter = timePtr(resumeAfter)
	t.TrashedAt = timePtr(trashedAt)
	t.ArchivedAt = timePtr(archivedAt)
	t.MergedAt = timePtr(mergedAt)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)

	if t.SubtaskIDs, err = decodeList(subtasks); err != nil {
		return nil, fmt.Errorf("decode subtask_ids: %w", err)
	}
	if t.DependsOn, err = decodeList(dependsOn); err != nil {
		return nil, fmt.Errorf("decode depends_on: %w", err)
	}
	if t.BlockedBy, err = decodeList(blockedBy); err != nil {
		return nil, fmt.Errorf("decode blocked_by: %w", err)
	}
	if t.Artifacts, err = decodeList(artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}
	if checkpoint != "" {
		t.Checkpoint = &models.Checkpoint{}
		if err := json.Unmarshal([]byte(checkpoint), t.Checkpoint); err != nil {
			return nil, fmt.Errorf("decode checkpoint: %w", err)
		}
	}
	return t, nil
}

func encodeList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, _ := json.Marshal(v)
	return string(data)
}

func decodeList(s string) ([]string, error) {
	if s == "" || s == "[]" {
		return nil, nil
	}
	var v []string
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
