package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/surgilog/bloodloss/internal/domain"
)

const (
	acceptedMessage = "Blood loss calculation started"
	estimatedTime   = "5-10 seconds"
)

type submitResponse struct {
	Status        string `json:"status"`
	TaskID        string `json:"task_id"`
	Message       string `json:"message"`
	EstimatedTime string `json:"estimated_time"`
}

// taskView is the status-query representation of a task.
type taskView struct {
	TaskID          string            `json:"task_id"`
	Status          domain.TaskStatus `json:"status"`
	BloodLossCalcID int64             `json:"bloodlosscalc_id"`
	OperationID     int64             `json:"operation_id"`
	CreatedAt       string            `json:"created_at"`
	TotalBloodLoss  *int              `json:"total_blood_loss,omitempty"`
	CompletedAt     string            `json:"completed_at,omitempty"`
	ErrorMessage    *string           `json:"error_message,omitempty"`
}

func toView(t *domain.CalculationTask) taskView {
	v := taskView{
		TaskID:          t.ID,
		Status:          t.Status,
		BloodLossCalcID: t.BloodLossCalcID,
		OperationID:     t.OperationID,
		CreatedAt:       t.CreatedAt.Format(time.RFC3339Nano),
	}
	switch t.Status {
	case domain.TaskCompleted:
		v.TotalBloodLoss = t.TotalBloodLoss
		if t.CompletedAt != nil {
			v.CompletedAt = t.CompletedAt.Format(time.RFC3339Nano)
		}
	case domain.TaskFailed:
		v.ErrorMessage = t.ErrorMessage
	}
	return v
}

// POST /api/v1/calculate-blood-loss
func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	var req domain.SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			writeError(w, http.StatusBadRequest,
				(&domain.ValidationError{Field: typeErr.Field, Reason: "expected " + typeErr.Type.String()}).Error())
			return
		}
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	task, err := s.runner.Submit(r.Context(), req)
	if err != nil {
		var ve *domain.ValidationError
		switch {
		case errors.As(err, &ve):
			writeError(w, http.StatusBadRequest, ve.Error())
		case errors.Is(err, domain.ErrRunnerClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.log.Error().Err(err).Msg("calculate blood loss")
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		Status:        "accepted",
		TaskID:        task.ID,
		Message:       acceptedMessage,
		EstimatedTime: estimatedTime,
	})
}

// GET /api/v1/tasks/{id}
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.GetTask(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrTaskNotFound) {
		writeError(w, http.StatusNotFound, "Task not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("task status")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toView(task))
}

// GET /api/v1/tasks?status=&limit=&bloodlosscalc_id=&operation_id=
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var filter domain.TaskFilter
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = domain.TaskStatus(v)
		if !filter.Status.Valid() {
			writeError(w, http.StatusBadRequest,
				(&domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", v)}).Error())
			return
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest,
				(&domain.ValidationError{Field: "limit", Reason: "must be a positive integer"}).Error())
			return
		}
		filter.Limit = n
	}

	ids, byExternal, err := externalIDsQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var tasks []domain.CalculationTask
	if byExternal {
		tasks, err = s.tasks.TasksByExternalID(r.Context(), ids)
		tasks = applyFilter(tasks, filter)
	} else {
		tasks, err = s.tasks.ListTasks(r.Context(), filter)
	}
	if err != nil {
		s.log.Error().Err(err).Msg("list tasks")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]taskView, 0, len(tasks))
	for i := range tasks {
		views = append(views, toView(&tasks[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": views,
		"count": len(views),
	})
}

// externalIDsQuery reads the bloodlosscalc_id / operation_id pair. Both or
// neither must be given.
func externalIDsQuery(r *http.Request) (domain.ExternalIDs, bool, error) {
	q := r.URL.Query()
	calc, op := q.Get("bloodlosscalc_id"), q.Get("operation_id")
	if calc == "" && op == "" {
		return domain.ExternalIDs{}, false, nil
	}

	var ids domain.ExternalIDs
	for _, p := range []struct {
		field, raw string
		dst        *int64
	}{
		{"bloodlosscalc_id", calc, &ids.BloodLossCalcID},
		{"operation_id", op, &ids.OperationID},
	} {
		if p.raw == "" {
			return ids, false, &domain.ValidationError{Field: p.field, Missing: true}
		}
		n, err := strconv.ParseInt(p.raw, 10, 64)
		if err != nil {
			return ids, false, &domain.ValidationError{Field: p.field, Reason: "must be an integer"}
		}
		*p.dst = n
	}
	return ids, true, nil
}

func applyFilter(tasks []domain.CalculationTask, filter domain.TaskFilter) []domain.CalculationTask {
	out := tasks[:0]
	for _, t := range tasks {
		if filter.Status == "" || t.Status == filter.Status {
			out = append(out, t)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}
