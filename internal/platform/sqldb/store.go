package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/mediatext/internal/domain"
	"github.com/phrazzld/mediatext/internal/platform/logger"
	"github.com/phrazzld/mediatext/internal/store"
)

const taskColumns = `id, engine, source, options, status, attempt, external_job_id, error_message,
	available_at, submitted_at, created_at, updated_at`

// Store implements store.Store on a SQL database.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates a store over db, which must already be migrated.
func New(db *sql.DB, d Dialect) *Store {
	return &Store{db: db, dialect: d, now: func() time.Time { return time.Now().UTC() }}
}

// DB returns the underlying connection pool.
func (s *Store) DB() *sql.DB { return s.db }

// Dialect returns the store's dialect.
func (s *Store) Dialect() Dialect { return s.dialect }

func (s *Store) q(query string) string { return s.dialect.Rebind(query) }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t                    domain.Task
		source, options      []byte
		jobID, errMsg        sql.NullString
		available, submitted timeValue
		createdAt, updatedAt timeValue
	)
	if err := row.Scan(&t.ID, &t.Engine, &source, &options, &t.Status, &t.Attempt, &jobID, &errMsg,
		&available, &submitted, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(source, &t.Source); err != nil {
		return nil, fmt.Errorf("failed to decode task source: %w", err)
	}
	if len(options) > 0 {
		if err := json.Unmarshal(options, &t.Options); err != nil {
			return nil, fmt.Errorf("failed to decode task options: %w", err)
		}
	}
	t.ExternalJobID = jobID.String
	t.ErrorMessage = errMsg.String
	t.AvailableAt = available.Time
	t.SubmittedAt = submitted.ptr()
	t.CreatedAt = createdAt.Time
	t.UpdatedAt = updatedAt.Time
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*domain.Task, error) {
	defer rows.Close()
	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task rows: %w", err)
	}
	return tasks, nil
}

func encodeTask(t *domain.Task) (source, options string, err error) {
	src, err := json.Marshal(t.Source)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode task source: %w", err)
	}
	opts, err := json.Marshal(t.Options)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode task options: %w", err)
	}
	return string(src), string(opts), nil
}

// CreateTask implements store.TaskStore.
func (s *Store) CreateTask(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	source, options, err := encodeTask(task)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.q(`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		task.ID, string(task.Engine), source, options, string(task.Status), task.Attempt,
		nullString(task.ExternalJobID), nullString(task.ErrorMessage),
		s.dialect.Time(task.AvailableAt), s.dialect.NullTime(task.SubmittedAt),
		s.dialect.Time(task.CreatedAt), s.dialect.Time(task.UpdatedAt),
	)
	if err != nil {
		logger.FromContext(ctx).Error("failed to save task", "task_id", task.ID, "error", err)
		return fmt.Errorf("failed to save task: %w", MapError(err))
	}
	return nil
}

// GetTask implements store.TaskStore.
func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	return s.getTask(ctx, s.db, id)
}

func (s *Store) getTask(ctx context.Context, db store.DBTX, id uuid.UUID) (*domain.Task, error) {
	row := db.QueryRowContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, MapError(err))
	}
	return t, nil
}

// ListTasks implements store.TaskStore.
func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Engine != "" {
		where = append(where, "engine = ?")
		args = append(args, string(filter.Engine))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	page, pageArgs := s.dialect.Page(filter.Limit, filter.Offset)
	query += page
	args = append(args, pageArgs...)

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", MapError(err))
	}
	return scanTasks(rows)
}

// ClaimNextPending implements store.TaskStore.
func (s *Store) ClaimNextPending(ctx context.Context, engines []domain.Engine, now time.Time) (*domain.Task, error) {
	if len(engines) == 0 {
		return nil, store.ErrNoPendingTask
	}

	args := []any{
		string(domain.TaskStatusProcessing), s.dialect.Time(s.now()),
		string(domain.TaskStatusPending), s.dialect.Time(now),
	}
	for _, e := range engines {
		args = append(args, string(e))
	}
	args = append(args, string(domain.TaskStatusPending))

	query := `UPDATE tasks SET status = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = ? AND available_at <= ? AND engine IN (` + placeholders(len(engines)) + `)
			ORDER BY created_at, id
			LIMIT 1` + s.dialect.lockClause + `
		) AND status = ?
		RETURNING ` + taskColumns

	t, err := scanTask(s.db.QueryRowContext(ctx, s.q(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNoPendingTask
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", MapError(err))
	}
	return t, nil
}

// UpdateTask implements store.TaskStore.
func (s *Store) UpdateTask(ctx context.Context, task *domain.Task, expected domain.TaskStatus) error {
	return s.updateTask(ctx, s.db, task, expected)
}

func (s *Store) updateTask(ctx context.Context, db store.DBTX, task *domain.Task, expected domain.TaskStatus) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %w", store.ErrInvalidEntity, err)
	}
	source, options, err := encodeTask(task)
	if err != nil {
		return err
	}

	now := s.now()
	res, err := db.ExecContext(ctx, s.q(`UPDATE tasks SET
			source = ?, options = ?, status = ?, attempt = ?, external_job_id = ?, error_message = ?,
			available_at = ?, submitted_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`),
		source, options, string(task.Status), task.Attempt,
		nullString(task.ExternalJobID), nullString(task.ErrorMessage),
		s.dialect.Time(task.AvailableAt), s.dialect.NullTime(task.SubmittedAt), s.dialect.Time(now),
		task.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, MapError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return s.casFailure(ctx, db, task.ID, expected)
	}
	task.UpdatedAt = now
	return nil
}

// casFailure explains why a compare-and-set matched no row.
func (s *Store) casFailure(ctx context.Context, db store.DBTX, id uuid.UUID, expected domain.TaskStatus) error {
	var current domain.TaskStatus
	err := db.QueryRowContext(ctx, s.q(`SELECT status FROM tasks WHERE id = ?`), id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrTaskNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read task status: %w", MapError(err))
	}
	return fmt.Errorf("%w: task %s is %s, expected %s", store.ErrConflict, id, current, expected)
}

// CompleteTask implements store.TaskStore.
func (s *Store) CompleteTask(
	ctx context.Context,
	task *domain.Task,
	expected domain.TaskStatus,
	result *domain.Result,
) error {
	return store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if err := s.updateTask(ctx, tx, task, expected); err != nil {
			return err
		}
		return s.createResult(ctx, tx, result)
	})
}

// CreateResult implements store.TaskStore.
func (s *Store) CreateResult(ctx context.Context, result *domain.Result) error {
	return s.createResult(ctx, s.db, result)
}

func (s *Store) createResult(ctx context.Context, db store.DBTX, result *domain.Result) error {
	_, err := db.ExecContext(ctx, s.q(`INSERT INTO results (task_id, text_content, result_path, created_at)
		VALUES (?, ?, ?, ?)`),
		result.TaskID, result.TextContent, nullString(result.ResultPath), s.dialect.Time(result.CreatedAt))
	if err == nil {
		return nil
	}
	mapped := MapError(err)
	if errors.Is(mapped, store.ErrDuplicate) {
		return store.ErrResultExists
	}
	return fmt.Errorf("failed to save result for task %s: %w", result.TaskID, mapped)
}

// GetResult implements store.TaskStore.
func (s *Store) GetResult(ctx context.Context, taskID uuid.UUID) (*domain.Result, error) {
	var (
		r         domain.Result
		path      sql.NullString
		createdAt timeValue
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT task_id, text_content, result_path, created_at
		FROM results WHERE task_id = ?`), taskID).Scan(&r.TaskID, &r.TextContent, &path, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result of task %s: %w", taskID, MapError(err))
	}
	r.ResultPath = path.String
	r.CreatedAt = createdAt.Time
	return &r, nil
}

// ListStatuses implements store.TaskStore.
func (s *Store) ListStatuses(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.TaskStatus, error) {
	out := make(map[uuid.UUID]domain.TaskStatus, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, status FROM tasks WHERE id IN (`+placeholders(len(ids))+`)`), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list task statuses: %w", MapError(err))
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id     uuid.UUID
			status domain.TaskStatus
		)
		if err := rows.Scan(&id, &status); err != nil {
			return nil, fmt.Errorf("failed to scan task status: %w", err)
		}
		out[id] = status
	}
	return out, rows.Err()
}

// ResetTask implements store.TaskStore.
func (s *Store) ResetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	var reset *domain.Task
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		now := s.dialect.Time(s.now())
		row := tx.QueryRowContext(ctx, s.q(`UPDATE tasks SET
				status = ?, attempt = 0, external_job_id = NULL, error_message = NULL,
				submitted_at = NULL, available_at = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?, ?)
			RETURNING `+taskColumns),
			string(domain.TaskStatusPending), now, now, id,
			string(domain.TaskStatusCompleted), string(domain.TaskStatusFailed),
			string(domain.TaskStatusWaitingOnRemote))

		t, err := scanTask(row)
		if errors.Is(err, sql.ErrNoRows) {
			return s.casFailure(ctx, tx, id, "completed|failed|waiting_on_remote")
		}
		if err != nil {
			return fmt.Errorf("failed to reset task %s: %w", id, MapError(err))
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM results WHERE task_id = ?`), id); err != nil {
			return fmt.Errorf("failed to delete result of task %s: %w", id, MapError(err))
		}
		reset = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reset, nil
}

// ListProcessingBefore implements store.TaskStore.
func (s *Store) ListProcessingBefore(ctx context.Context, cutoff time.Time) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND updated_at < ?
		ORDER BY created_at, id`),
		string(domain.TaskStatusProcessing), s.dialect.Time(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to list processing tasks: %w", MapError(err))
	}
	return scanTasks(rows)
}
