// Package domain holds the calculation task types.
// A CalculationTask is one blood-loss estimate flowing through the service:
// submit → PENDING → PROCESSING → COMPLETED | FAILED → notify main service.
package domain

import "time"

// TaskStatus tracks task lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskProcessing TaskStatus = "PROCESSING"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
)

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskProcessing, TaskCompleted, TaskFailed:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for COMPLETED and FAILED.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Predecessor returns the only status a task may hold before entering s.
// PENDING has no predecessor.
func (s TaskStatus) Predecessor() (TaskStatus, bool) {
	switch s {
	case TaskProcessing:
		return TaskPending, true
	case TaskCompleted, TaskFailed:
		return TaskProcessing, true
	default:
		return "", false
	}
}

// CanTransitionTo reports whether s → next is a legal forward transition.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	prev, ok := next.Predecessor()
	return ok && prev == s
}

// ExternalIDs identify the domain object in the main service that asked for
// the calculation.
type ExternalIDs struct {
	BloodLossCalcID int64 `json:"bloodlosscalc_id"`
	OperationID     int64 `json:"operation_id"`
}

// Inputs are the patient and operation parameters of an estimate.
// Optional fields are nil when the caller did not supply them.
type Inputs struct {
	PatientHeight   float64  `json:"patient_height"` // cm
	PatientWeight   int      `json:"patient_weight"` // kg
	HbBefore        *int     `json:"hb_before,omitempty"`
	HbAfter         *int     `json:"hb_after,omitempty"`
	SurgeryDuration *float64 `json:"surgery_duration,omitempty"` // hours
	BloodLossCoeff  float64  `json:"blood_loss_coeff"`
	AvgBloodLoss    int      `json:"avg_blood_loss"` // ml
}

// Submission is a validated request to calculate blood loss.
type Submission struct {
	ExternalIDs
	Inputs
}

// CalculationTask is the persisted record of one calculation.
type CalculationTask struct {
	ID string `json:"task_id"`
	ExternalIDs
	Inputs
	Status         TaskStatus `json:"status"`
	TotalBloodLoss *int       `json:"total_blood_loss,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the task has reached a final state.
func (t *CalculationTask) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// Duration returns how long the task took to execute (0 if not started/completed).
func (t *CalculationTask) Duration() time.Duration {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.StartedAt)
}

// Consistent reports whether the result fields agree with the status:
// a result exists iff COMPLETED, an error message exists iff FAILED.
func (t *CalculationTask) Consistent() bool {
	hasResult := t.TotalBloodLoss != nil
	hasError := t.ErrorMessage != nil
	return hasResult == (t.Status == TaskCompleted) && hasError == (t.Status == TaskFailed)
}

// StatusUpdate is one atomic transition applied by a TaskStore.
type StatusUpdate struct {
	Status         TaskStatus
	TotalBloodLoss int    // only with TaskCompleted
	ErrorMessage   string // only with TaskFailed
}

// TaskFilter narrows ListTasks. Zero values mean "any".
type TaskFilter struct {
	Status TaskStatus
	Limit  int
}

// Result is what the notifier delivers to the main service once a task completes.
type Result struct {
	TaskID string
	ExternalIDs
	TotalBloodLoss int
}
