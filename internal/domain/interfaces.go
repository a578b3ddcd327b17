package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; application layer depends on them.

// TaskStore persists calculation tasks. Implemented by infra/sqlite.DB.
type TaskStore interface {
	// CreateTask inserts a PENDING task and returns it with its assigned ID.
	CreateTask(ctx context.Context, sub Submission) (*CalculationTask, error)

	// GetTask returns ErrTaskNotFound for unknown ids.
	GetTask(ctx context.Context, id string) (*CalculationTask, error)

	// UpdateStatus applies one forward transition atomically. It returns
	// ErrInvalidTransition when the task is not in the predecessor status.
	UpdateStatus(ctx context.Context, id string, upd StatusUpdate) error

	// ListTasks returns tasks newest first.
	ListTasks(ctx context.Context, filter TaskFilter) ([]CalculationTask, error)
}

// Estimator computes a blood-loss estimate in millilitres.
// Implemented by app/estimator.Estimator.
type Estimator interface {
	Estimate(in Inputs) (int, error)
}

// ResultNotifier delivers a completed result to the main service.
// Notify never fails from the caller's point of view: retries and the final
// drop are handled internally. Implemented by infra/notifier.Notifier.
type ResultNotifier interface {
	Notify(ctx context.Context, res Result)
}
