package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/surgilog/bloodloss/internal/domain"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

const taskColumns = `id, bloodlosscalc_id, operation_id, patient_height, patient_weight,
	hb_before, hb_after, surgery_duration, blood_loss_coeff, avg_blood_loss,
	status, total_blood_loss, error_message, created_at, started_at, completed_at`

var _ domain.TaskStore = (*DB)(nil)

// ─── Task Repository ────────────────────────────────────────────────────────

// CreateTask inserts a PENDING task with a fresh UUID.
func (d *DB) CreateTask(ctx context.Context, sub domain.Submission) (*domain.CalculationTask, error) {
	now := d.now().UTC().Truncate(time.Millisecond) // stored at millisecond precision
	task := &domain.CalculationTask{
		ID:          uuid.NewString(),
		ExternalIDs: sub.ExternalIDs,
		Inputs:      sub.Inputs,
		Status:      domain.TaskPending,
		CreatedAt:   now,
	}

	_, err := d.db.ExecContext(ctx,
		`INSERT INTO calculation_tasks (id, bloodlosscalc_id, operation_id, patient_height, patient_weight,
			hb_before, hb_after, surgery_duration, blood_loss_coeff, avg_blood_loss, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.BloodLossCalcID, task.OperationID, task.PatientHeight, task.PatientWeight,
		nullInt(task.HbBefore), nullInt(task.HbAfter), nullFloat(task.SurgeryDuration),
		task.BloodLossCoeff, task.AvgBloodLoss, string(task.Status), now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// GetTask retrieves a task by ID.
func (d *DB) GetTask(ctx context.Context, id string) (*domain.CalculationTask, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM calculation_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// UpdateStatus applies one forward transition with a single conditional
// UPDATE, so the transition and its fields become visible together and a task
// can never move backwards or leave a terminal state.
func (d *DB) UpdateStatus(ctx context.Context, id string, upd domain.StatusUpdate) error {
	prev, ok := upd.Status.Predecessor()
	if !ok {
		return fmt.Errorf("update task %s to %q: %w", id, upd.Status, domain.ErrInvalidTransition)
	}
	now := d.now().UnixMilli()

	var (
		res sql.Result
		err error
	)
	switch upd.Status {
	case domain.TaskProcessing:
		res, err = d.db.ExecContext(ctx,
			`UPDATE calculation_tasks SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
			string(upd.Status), now, id, string(prev))
	case domain.TaskCompleted:
		res, err = d.db.ExecContext(ctx,
			`UPDATE calculation_tasks SET status = ?, total_blood_loss = ?, error_message = NULL, completed_at = ?
			 WHERE id = ? AND status = ?`,
			string(upd.Status), upd.TotalBloodLoss, now, id, string(prev))
	case domain.TaskFailed:
		if upd.ErrorMessage == "" {
			return fmt.Errorf("update task %s to FAILED without message: %w", id, domain.ErrInconsistentState)
		}
		res, err = d.db.ExecContext(ctx,
			`UPDATE calculation_tasks SET status = ?, error_message = ?, total_blood_loss = NULL, completed_at = ?
			 WHERE id = ? AND status = ?`,
			string(upd.Status), upd.ErrorMessage, now, id, string(prev))
	}
	if err != nil {
		return fmt.Errorf("update task %s to %s: %w", id, upd.Status, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if n == 1 {
		return nil
	}

	current, err := d.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("task %s is %s, cannot become %s: %w",
		id, current.Status, upd.Status, domain.ErrInvalidTransition)
}

// ListTasks returns tasks newest first, optionally filtered by status.
func (d *DB) ListTasks(ctx context.Context, filter domain.TaskFilter) ([]domain.CalculationTask, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	query := `SELECT ` + taskColumns + ` FROM calculation_tasks`
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, seq DESC LIMIT ?`
	args = append(args, limit)

	return d.queryTasks(ctx, query, args...)
}

// TasksByExternalID returns every task created for one main-service object, newest first.
func (d *DB) TasksByExternalID(ctx context.Context, ids domain.ExternalIDs) ([]domain.CalculationTask, error) {
	return d.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM calculation_tasks
		 WHERE bloodlosscalc_id = ? AND operation_id = ?
		 ORDER BY created_at DESC, seq DESC`,
		ids.BloodLossCalcID, ids.OperationID)
}

// FailInterrupted moves every non-terminal task to FAILED through the legal
// transitions (PENDING → PROCESSING → FAILED) in one transaction. Called at
// startup, before any task can be running. Returns how many tasks were failed.
func (d *DB) FailInterrupted(ctx context.Context, reason string) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := d.now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`UPDATE calculation_tasks SET status = ?, started_at = ? WHERE status = ?`,
		string(domain.TaskProcessing), now, string(domain.TaskPending)); err != nil {
		return 0, fmt.Errorf("start pending tasks: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE calculation_tasks SET status = ?, error_message = ?, completed_at = ? WHERE status = ?`,
		string(domain.TaskFailed), reason, now, string(domain.TaskProcessing))
	if err != nil {
		return 0, fmt.Errorf("fail processing tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

func (d *DB) queryTasks(ctx context.Context, query string, args ...any) ([]domain.CalculationTask, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []domain.CalculationTask{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func scanTask(s scanner) (*domain.CalculationTask, error) {
	var (
		t                    domain.CalculationTask
		status               string
		hbBefore, hbAfter    sql.NullInt64
		duration             sql.NullFloat64
		total                sql.NullInt64
		errMsg               sql.NullString
		createdAt            int64
		startedAt, completed sql.NullInt64
	)
	err := s.Scan(&t.ID, &t.BloodLossCalcID, &t.OperationID, &t.PatientHeight, &t.PatientWeight,
		&hbBefore, &hbAfter, &duration, &t.BloodLossCoeff, &t.AvgBloodLoss,
		&status, &total, &errMsg, &createdAt, &startedAt, &completed)
	if err != nil {
		return nil, err
	}

	t.Status = domain.TaskStatus(status)
	t.HbBefore = intFromNull(hbBefore)
	t.HbAfter = intFromNull(hbAfter)
	if duration.Valid {
		v := duration.Float64
		t.SurgeryDuration = &v
	}
	t.TotalBloodLoss = intFromNull(total)
	if errMsg.Valid {
		v := errMsg.String
		t.ErrorMessage = &v
	}
	t.CreatedAt = *fromMillis(sql.NullInt64{Int64: createdAt, Valid: true})
	t.StartedAt = fromMillis(startedAt)
	t.CompletedAt = fromMillis(completed)
	return &t, nil
}

func intFromNull(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
