package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/model"
)

// ErrHistoryNotFound is returned when no record has the given ID
var ErrHistoryNotFound = errors.New("task history record not found")

// maxStoredOutput caps the output text kept per record
const maxStoredOutput = 4000

// TaskHistory is one dispatch attempt of a task
type TaskHistory struct {
	ID          string           `json:"id"`
	TaskID      string           `json:"task_id"`
	ProjectID   string           `json:"project_id"`
	AgentID     string           `json:"agent_id"`
	Kind        model.TaskKind   `json:"kind"`
	Description string           `json:"description"`
	Status      model.TaskStatus `json:"status"`
	Attempt     int              `json:"attempt"`
	Output      string           `json:"output,omitempty"`
	Error       string           `json:"error,omitempty"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Duration    time.Duration    `json:"duration,omitempty"`
	Metadata    json.RawMessage  `json:"metadata,omitempty"`
}

// TaskHistoryStorage defines the interface for task history storage
type TaskHistoryStorage interface {
	// Store stores a new attempt record
	Store(ctx context.Context, history *TaskHistory) error

	// Update records the outcome of an attempt
	Update(ctx context.Context, history *TaskHistory) error

	// Get retrieves a record by ID
	Get(ctx context.Context, id string) (*TaskHistory, error)

	// List retrieves records with pagination and equality filters
	List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*TaskHistory, error)

	// Count returns the number of records matching the filters
	Count(ctx context.Context, filters map[string]interface{}) (int, error)

	// DeleteBefore deletes records started before the given time
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// filterColumns are the columns List and Count may filter on
var filterColumns = map[string]bool{
	"task_id":    true,
	"project_id": true,
	"agent_id":   true,
	"kind":       true,
	"status":     true,
}

const historyColumns = `id, task_id, project_id, agent_id, kind, description, status, attempt,
	output, error, started_at, completed_at, duration, metadata`

// SQLiteTaskHistory implements TaskHistoryStorage using SQLite
type SQLiteTaskHistory struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteTaskHistory opens (or creates) the history database at dbPath
func NewSQLiteTaskHistory(logger *zap.Logger, dbPath string) (*SQLiteTaskHistory, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer
	db.SetMaxOpenConns(1)

	storage := &SQLiteTaskHistory{
		logger: logger.Named("task-history"),
		db:     db,
	}

	if err := storage.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return storage, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteTaskHistory) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_history (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			output TEXT,
			error TEXT,
			started_at DATETIME NOT NULL,
			completed_at DATETIME,
			duration INTEGER,
			metadata TEXT,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_task_history_task_id ON task_history(task_id);
		CREATE INDEX IF NOT EXISTS idx_task_history_project_id ON task_history(project_id);
		CREATE INDEX IF NOT EXISTS idx_task_history_status ON task_history(status);
		CREATE INDEX IF NOT EXISTS idx_task_history_started_at ON task_history(started_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Store implements TaskHistoryStorage.Store
func (s *SQLiteTaskHistory) Store(ctx context.Context, history *TaskHistory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (
			id, task_id, project_id, agent_id, kind, description, status, attempt, started_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		history.ID,
		history.TaskID,
		history.ProjectID,
		history.AgentID,
		history.Kind,
		history.Description,
		history.Status,
		history.Attempt,
		history.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store task history: %w", err)
	}
	return nil
}

// Update implements TaskHistoryStorage.Update
func (s *SQLiteTaskHistory) Update(ctx context.Context, history *TaskHistory) error {
	output := clip(history.Output, maxStoredOutput)
	var completedAt sql.NullTime
	if history.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *history.CompletedAt, Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE task_history SET
			status = ?,
			output = ?,
			error = ?,
			completed_at = ?,
			duration = ?,
			metadata = ?
		WHERE id = ?`,
		history.Status,
		sql.NullString{String: output, Valid: output != ""},
		sql.NullString{String: history.Error, Valid: history.Error != ""},
		completedAt,
		sql.NullInt64{Int64: int64(history.Duration), Valid: history.Duration != 0},
		sql.NullString{String: string(history.Metadata), Valid: len(history.Metadata) > 0},
		history.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update task history: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrHistoryNotFound, history.ID)
	}
	return nil
}

// Get implements TaskHistoryStorage.Get
func (s *SQLiteTaskHistory) Get(ctx context.Context, id string) (*TaskHistory, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+historyColumns+" FROM task_history WHERE id = ?", id)
	history, err := scanHistory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrHistoryNotFound, id)
		}
		return nil, fmt.Errorf("failed to scan task history: %w", err)
	}
	return history, nil
}

// List implements TaskHistoryStorage.List
func (s *SQLiteTaskHistory) List(ctx context.Context, filters map[string]interface{}, offset, limit int) ([]*TaskHistory, error) {
	where, args, err := buildWhere(filters)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	query := "SELECT " + historyColumns + " FROM task_history" + where + " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task history: %w", err)
	}
	defer rows.Close()

	var histories []*TaskHistory
	for rows.Next() {
		history, err := scanHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task history: %w", err)
		}
		histories = append(histories, history)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return histories, nil
}

// Count implements TaskHistoryStorage.Count
func (s *SQLiteTaskHistory) Count(ctx context.Context, filters map[string]interface{}) (int, error) {
	where, args, err := buildWhere(filters)
	if err != nil {
		return 0, err
	}

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_history"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count task history: %w", err)
	}
	return count, nil
}

// DeleteBefore implements TaskHistoryStorage.DeleteBefore
func (s *SQLiteTaskHistory) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM task_history WHERE started_at < ?", before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete task history: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Info("Deleted old task history records",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteTaskHistory) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHistory(row rowScanner) (*TaskHistory, error) {
	history := &TaskHistory{}
	var output, errorStr, metadata sql.NullString
	var completedAt sql.NullTime
	var durationNanos sql.NullInt64

	err := row.Scan(
		&history.ID,
		&history.TaskID,
		&history.ProjectID,
		&history.AgentID,
		&history.Kind,
		&history.Description,
		&history.Status,
		&history.Attempt,
		&output,
		&errorStr,
		&history.StartedAt,
		&completedAt,
		&durationNanos,
		&metadata,
	)
	if err != nil {
		return nil, err
	}

	history.Output = output.String
	history.Error = errorStr.String
	if completedAt.Valid {
		history.CompletedAt = &completedAt.Time
	}
	if durationNanos.Valid {
		history.Duration = time.Duration(durationNanos.Int64)
	}
	if metadata.Valid && metadata.String != "" {
		history.Metadata = json.RawMessage(metadata.String)
	}
	return history, nil
}

func buildWhere(filters map[string]interface{}) (string, []interface{}, error) {
	if len(filters) == 0 {
		return "", nil, nil
	}

	clauses := make([]string, 0, len(filters))
	args := make([]interface{}, 0, len(filters))
	for key, value := range filters {
		if !filterColumns[key] {
			return "", nil, fmt.Errorf("unsupported history filter %q", key)
		}
		clauses = append(clauses, key+" = ?")
		args = append(args, value)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// clip cuts s to at most n bytes without splitting a rune
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
