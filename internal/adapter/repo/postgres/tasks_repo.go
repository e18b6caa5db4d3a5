package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/leadforge/jobengine/internal/domain"
)

// TaskRepo persists and loads per-item job tasks from PostgreSQL.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

// CreateBatch inserts all of a job's tasks in pending state, one per input
// item, ahead of stage execution.
func (r *TaskRepo) CreateBatch(ctx domain.Context, tasks []domain.Task) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CreateBatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "tasks"),
		attribute.Int("tasks.count", len(tasks)),
	)
	if len(tasks) == 0 {
		return nil
	}

	now := time.Now().UTC()
	q := `INSERT INTO tasks (id, job_id, status, attempts, input_data, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	for _, t := range tasks {
		id := t.ID
		if id == "" {
			id = uuid.New().String()
		}
		status := t.Status
		if status == "" {
			status = domain.TaskPending
		}
		if _, err := r.Pool.Exec(ctx, q, id, t.JobID, status, t.Attempts, t.InputData, now, now); err != nil {
			return fmt.Errorf("op=task.create_batch: %w", err)
		}
	}
	return nil
}

// UpdateResult transitions a task to its terminal status and records its
// output payload or error message, incrementing the attempt counter.
func (r *TaskRepo) UpdateResult(ctx domain.Context, taskID string, status domain.TaskStatus, output []byte, errMsg string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.UpdateResult")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "tasks"),
		attribute.String("task.status", string(status)),
	)
	now := time.Now().UTC()
	q := `UPDATE tasks SET status=$2, attempts=attempts+1, output_data=$3, error_message=$4, updated_at=$5, completed_at=$5 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, taskID, status, output, errMsg, now); err != nil {
		return fmt.Errorf("op=task.update_result: %w", err)
	}
	return nil
}

// ResetForRetry returns a failed task to pending without clearing its
// attempt count, so CanRetry's budget still applies on the next pass.
func (r *TaskRepo) ResetForRetry(ctx domain.Context, taskID string) error {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ResetForRetry")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPDATE"),
		attribute.String("db.sql.table", "tasks"),
	)
	q := `UPDATE tasks SET status=$2, error_message='', completed_at=NULL, updated_at=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, taskID, domain.TaskPending, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=task.reset_for_retry: %w", err)
	}
	return nil
}

func scanTask(row interface {
	Scan(dest ...any) error
}) (domain.Task, error) {
	var t domain.Task
	if err := row.Scan(&t.ID, &t.JobID, &t.Status, &t.Attempts, &t.InputData, &t.OutputData,
		&t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt, &t.CompletedAt); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

const taskColumns = `id, job_id, status, attempts, input_data, output_data, COALESCE(error_message,''), created_at, updated_at, completed_at`

// ListByJob returns a page of a job's tasks ordered by creation.
func (r *TaskRepo) ListByJob(ctx domain.Context, jobID string, offset, limit int) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListByJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "tasks"),
	)
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE job_id=$1 ORDER BY created_at ASC LIMIT $2 OFFSET $3`
	rows, err := r.Pool.Query(ctx, q, jobID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_by_job: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.list_by_job_scan: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.list_by_job_rows: %w", err)
	}
	return tasks, nil
}

// ListFailedByJob returns every failed task of a job, for retry_failed_tasks.
func (r *TaskRepo) ListFailedByJob(ctx domain.Context, jobID string) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListFailedByJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "tasks"),
	)
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE job_id=$1 AND status=$2 ORDER BY created_at ASC`
	rows, err := r.Pool.Query(ctx, q, jobID, domain.TaskFailed)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_failed_by_job: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.list_failed_by_job_scan: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=task.list_failed_by_job_rows: %w", err)
	}
	return tasks, nil
}
