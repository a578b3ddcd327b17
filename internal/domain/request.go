package domain

import "math"

// SubmitRequest is an unvalidated submission as decoded from the gateway.
// Every field is a pointer so that absence can be told apart from zero.
type SubmitRequest struct {
	BloodLossCalcID *int64   `json:"bloodlosscalc_id"`
	OperationID     *int64   `json:"operation_id"`
	PatientHeight   *float64 `json:"patient_height"`
	PatientWeight   *int     `json:"patient_weight"`
	HbBefore        *int     `json:"hb_before"`
	HbAfter         *int     `json:"hb_after"`
	SurgeryDuration *float64 `json:"surgery_duration"`
	BloodLossCoeff  *float64 `json:"blood_loss_coeff"`
	AvgBloodLoss    *int     `json:"avg_blood_loss"`
}

// Validate checks required fields in their documented order and reports the
// first missing one, then checks value ranges.
func (r SubmitRequest) Validate() (Submission, error) {
	required := []struct {
		name    string
		present bool
	}{
		{"bloodlosscalc_id", r.BloodLossCalcID != nil},
		{"operation_id", r.OperationID != nil},
		{"patient_height", r.PatientHeight != nil},
		{"patient_weight", r.PatientWeight != nil},
		{"blood_loss_coeff", r.BloodLossCoeff != nil},
		{"avg_blood_loss", r.AvgBloodLoss != nil},
	}
	for _, f := range required {
		if !f.present {
			return Submission{}, &ValidationError{Field: f.name, Missing: true}
		}
	}

	switch {
	case !positive(*r.PatientHeight):
		return Submission{}, &ValidationError{Field: "patient_height", Reason: "must be positive"}
	case *r.PatientWeight <= 0:
		return Submission{}, &ValidationError{Field: "patient_weight", Reason: "must be positive"}
	case *r.AvgBloodLoss <= 0:
		return Submission{}, &ValidationError{Field: "avg_blood_loss", Reason: "must be positive"}
	case math.IsNaN(*r.BloodLossCoeff) || math.IsInf(*r.BloodLossCoeff, 0):
		return Submission{}, &ValidationError{Field: "blood_loss_coeff", Reason: "must be finite"}
	case r.HbBefore != nil && *r.HbBefore < 0:
		return Submission{}, &ValidationError{Field: "hb_before", Reason: "must not be negative"}
	case r.HbAfter != nil && *r.HbAfter < 0:
		return Submission{}, &ValidationError{Field: "hb_after", Reason: "must not be negative"}
	case r.SurgeryDuration != nil && (*r.SurgeryDuration < 0 || math.IsNaN(*r.SurgeryDuration) || math.IsInf(*r.SurgeryDuration, 0)):
		return Submission{}, &ValidationError{Field: "surgery_duration", Reason: "must not be negative"}
	}

	// A zero duration carries no information and selects the fallback method.
	duration := r.SurgeryDuration
	if duration != nil && *duration == 0 {
		duration = nil
	}

	return Submission{
		ExternalIDs: ExternalIDs{
			BloodLossCalcID: *r.BloodLossCalcID,
			OperationID:     *r.OperationID,
		},
		Inputs: Inputs{
			PatientHeight:   *r.PatientHeight,
			PatientWeight:   *r.PatientWeight,
			HbBefore:        r.HbBefore,
			HbAfter:         r.HbAfter,
			SurgeryDuration: duration,
			BloodLossCoeff:  *r.BloodLossCoeff,
			AvgBloodLoss:    *r.AvgBloodLoss,
		},
	}, nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}
