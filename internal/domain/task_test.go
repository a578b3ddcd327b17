package domain

import (
	"errors"
	"testing"
	"time"
)

// ─── TaskStatus ─────────────────────────────────────────────────────────────

func TestTaskStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		want     bool
	}{
		{TaskPending, TaskProcessing, true},
		{TaskProcessing, TaskCompleted, true},
		{TaskProcessing, TaskFailed, true},
		{TaskPending, TaskCompleted, false},
		{TaskPending, TaskFailed, false},
		{TaskProcessing, TaskPending, false},
		{TaskCompleted, TaskFailed, false},
		{TaskFailed, TaskCompleted, false},
		{TaskCompleted, TaskProcessing, false},
		{TaskPending, TaskPending, false},
	}

	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
			t.Errorf("%s → %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTaskStatus_Terminal(t *testing.T) {
	if TaskPending.IsTerminal() || TaskProcessing.IsTerminal() {
		t.Error("PENDING and PROCESSING are not terminal")
	}
	if !TaskCompleted.IsTerminal() || !TaskFailed.IsTerminal() {
		t.Error("COMPLETED and FAILED are terminal")
	}
}

func TestTaskStatus_Valid(t *testing.T) {
	for _, s := range []TaskStatus{TaskPending, TaskProcessing, TaskCompleted, TaskFailed} {
		if !s.Valid() {
			t.Errorf("%s should be valid", s)
		}
	}
	if TaskStatus("DONE").Valid() || TaskStatus("").Valid() {
		t.Error("unknown statuses should be invalid")
	}
}

// ─── CalculationTask ────────────────────────────────────────────────────────

func TestCalculationTask_Consistent(t *testing.T) {
	total, msg := 500, "boom"

	tests := []struct {
		name string
		task CalculationTask
		want bool
	}{
		{"pending bare", CalculationTask{Status: TaskPending}, true},
		{"processing bare", CalculationTask{Status: TaskProcessing}, true},
		{"completed with result", CalculationTask{Status: TaskCompleted, TotalBloodLoss: &total}, true},
		{"failed with message", CalculationTask{Status: TaskFailed, ErrorMessage: &msg}, true},
		{"completed without result", CalculationTask{Status: TaskCompleted}, false},
		{"failed without message", CalculationTask{Status: TaskFailed}, false},
		{"pending with result", CalculationTask{Status: TaskPending, TotalBloodLoss: &total}, false},
		{"completed with error", CalculationTask{Status: TaskCompleted, TotalBloodLoss: &total, ErrorMessage: &msg}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.task.Consistent(); got != tt.want {
				t.Errorf("Consistent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCalculationTask_Duration(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(7 * time.Second)

	task := CalculationTask{StartedAt: &start}
	if task.Duration() != 0 {
		t.Error("unfinished task should have zero duration")
	}
	task.CompletedAt = &end
	if task.Duration() != 7*time.Second {
		t.Errorf("Duration() = %v, want 7s", task.Duration())
	}
}

// ─── Errors ─────────────────────────────────────────────────────────────────

func TestValidationError_Message(t *testing.T) {
	missing := &ValidationError{Field: "avg_blood_loss", Missing: true}
	if missing.Error() != "Missing required field: avg_blood_loss" {
		t.Errorf("Error() = %q", missing.Error())
	}

	invalid := &ValidationError{Field: "patient_weight", Reason: "must be positive"}
	if invalid.Error() != "Invalid value for field patient_weight: must be positive" {
		t.Errorf("Error() = %q", invalid.Error())
	}
}

func TestTypedErrors_Unwrap(t *testing.T) {
	base := errors.New("overflow")

	ce := &ComputationError{Err: base}
	if !errors.Is(ce, base) {
		t.Error("ComputationError should unwrap to its cause")
	}

	de := &DeliveryError{StatusCode: 500, Err: base}
	if !errors.Is(de, base) {
		t.Error("DeliveryError should unwrap to its cause")
	}
	if de.Error() != "delivery failed with HTTP 500: overflow" {
		t.Errorf("Error() = %q", de.Error())
	}
	if (&DeliveryError{Err: base}).Error() != "delivery failed: overflow" {
		t.Error("transport DeliveryError should omit the status code")
	}

	wrapped := errors.Join(errors.New("ctx"), &ValidationError{Field: "x", Missing: true})
	if !IsValidation(wrapped) {
		t.Error("IsValidation should see through wrapping")
	}
	if IsValidation(base) {
		t.Error("IsValidation(base) should be false")
	}
}
