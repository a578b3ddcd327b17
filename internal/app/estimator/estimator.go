// Package estimator computes intraoperative blood-loss estimates.
//
// Two methods are used. The precise method derives circulating blood volume
// from height and weight (Nadler) and scales it by the relative haemoglobin
// drop and the operation length. When haemoglobin or duration data is
// missing, the fallback method scales the procedure's average loss by the
// calibration coefficient and adjusts for BMI. Both add random variation to
// mimic patient-to-patient spread; the random source is injectable.
package estimator

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/rs/zerolog"

	"github.com/surgilog/bloodloss/internal/domain"
	"github.com/surgilog/bloodloss/internal/infra/metrics"
	"github.com/surgilog/bloodloss/internal/logger"
)

// Method names which formula produced an estimate.
type Method string

const (
	MethodPrecise  Method = "precise"
	MethodFallback Method = "fallback"
	// MethodPreciseError is a fallback estimate taken because the precise
	// arithmetic produced a non-finite or out-of-range value.
	MethodPreciseError Method = "precise_error"
)

// Result bounds. Precise estimates may reach three times the average loss,
// fallback estimates only twice.
const (
	MinBloodLoss         = 50
	PreciseCapMultiplier = 3
	FallbackCapMult      = 2
)

// Nadler blood-volume coefficients (litres).
const (
	nadlerHeight   = 0.3669
	nadlerWeight   = 0.03219
	nadlerConstant = 0.6041
)

// Random variation ranges.
const (
	preciseVarLow   = 0.9
	preciseVarHigh  = 1.1
	fallbackVarLow  = 0.7
	fallbackVarHigh = 1.3
)

// BMI bands and their multipliers.
const (
	obeseBMI          = 30.0
	underweightBMI    = 18.5
	obeseFactor       = 1.2
	underweightFactor = 0.8
)

// maxExact is the largest magnitude converted to int; float64 holds every
// integer up to 2^53 exactly.
const maxExact = 1 << 53

var errOutOfRange = errors.New("intermediate value is not finite or out of range")

// Rand is the randomness the estimator draws from. Float64 returns a value in [0, 1).
// *math/rand/v2.Rand satisfies it but is not safe for concurrent use.
type Rand interface {
	Float64() float64
}

// globalRand uses the concurrency-safe top-level math/rand/v2 functions.
type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }

// Estimator implements domain.Estimator.
type Estimator struct {
	rnd Rand
	log zerolog.Logger
}

// New returns an estimator drawing from rnd. A nil rnd uses the global source.
func New(rnd Rand) *Estimator {
	if rnd == nil {
		rnd = globalRand{}
	}
	return &Estimator{rnd: rnd, log: logger.Component("estimator")}
}

// Estimate returns the blood loss in millilitres.
func (e *Estimator) Estimate(in domain.Inputs) (int, error) {
	v, _, err := e.EstimateWithMethod(in)
	return v, err
}

// EstimateWithMethod is Estimate plus the method that produced the value.
func (e *Estimator) EstimateWithMethod(in domain.Inputs) (int, Method, error) {
	if in.AvgBloodLoss <= 0 || !(in.PatientHeight > 0) || in.PatientWeight <= 0 {
		return 0, "", &domain.ComputationError{Err: fmt.Errorf(
			"height %.1f cm, weight %d kg, average loss %d ml are not all positive",
			in.PatientHeight, in.PatientWeight, in.AvgBloodLoss)}
	}

	method := MethodFallback
	if hasPreciseData(in) {
		v, err := e.precise(in)
		if err == nil {
			metrics.EstimatesTotal.WithLabelValues(string(MethodPrecise)).Inc()
			return v, MethodPrecise, nil
		}
		e.log.Warn().Err(err).Msg("precise calculation failed, using fallback method")
		method = MethodPreciseError
	} else {
		e.log.Debug().Msg("insufficient data for precise calculation, using fallback method")
	}

	v, err := e.fallback(in)
	if err != nil {
		return 0, "", &domain.ComputationError{Err: err}
	}
	metrics.EstimatesTotal.WithLabelValues(string(method)).Inc()
	return v, method, nil
}

// hasPreciseData: both haemoglobin values present with a real drop, and a duration.
func hasPreciseData(in domain.Inputs) bool {
	return in.HbBefore != nil && in.HbAfter != nil &&
		*in.HbBefore > *in.HbAfter && in.SurgeryDuration != nil
}

// BloodVolume returns the Nadler estimate of circulating blood volume in ml.
func BloodVolume(heightCm float64, weightKg int) float64 {
	h := heightCm / 100.0
	return (nadlerHeight*h*h*h + nadlerWeight*float64(weightKg) + nadlerConstant) * 1000
}

// BMI returns weight / height² with height in metres.
func BMI(heightCm float64, weightKg int) float64 {
	h := heightCm / 100.0
	return float64(weightKg) / (h * h)
}

func (e *Estimator) precise(in domain.Inputs) (int, error) {
	hbBefore, hbAfter := float64(*in.HbBefore), float64(*in.HbAfter)
	if hbBefore == 0 {
		return 0, errors.New("hb_before is zero")
	}

	bv := BloodVolume(in.PatientHeight, in.PatientWeight)
	baseLoss := bv * ((hbBefore - hbAfter) / hbBefore)
	timeFactor := 1.0 + in.BloodLossCoeff*(*in.SurgeryDuration)
	raw := baseLoss * timeFactor * e.uniform(preciseVarLow, preciseVarHigh)
	if !representable(raw) {
		return 0, fmt.Errorf("precise estimate %v: %w", raw, errOutOfRange)
	}

	return clamp(int(raw), MinBloodLoss, in.AvgBloodLoss*PreciseCapMultiplier), nil
}

func (e *Estimator) fallback(in domain.Inputs) (int, error) {
	raw := float64(in.AvgBloodLoss) * in.BloodLossCoeff * e.uniform(fallbackVarLow, fallbackVarHigh)
	if !representable(raw) {
		return 0, fmt.Errorf("fallback estimate %v: %w", raw, errOutOfRange)
	}
	result := int(raw)

	bmi := BMI(in.PatientHeight, in.PatientWeight)
	if bmi > obeseBMI {
		result = int(float64(result) * obeseFactor)
	} else if bmi < underweightBMI {
		result = int(float64(result) * underweightFactor)
	}

	return clamp(result, MinBloodLoss, in.AvgBloodLoss*FallbackCapMult), nil
}

// uniform returns a value in [lo, hi).
func (e *Estimator) uniform(lo, hi float64) float64 {
	return lo + (hi-lo)*e.rnd.Float64()
}

// clamp applies max(lo, min(v, hi)); lo wins when hi < lo.
func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func representable(f float64) bool {
	return !math.IsNaN(f) && math.Abs(f) < maxExact
}
