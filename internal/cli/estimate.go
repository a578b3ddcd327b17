package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/surgilog/bloodloss/internal/app/estimator"
	"github.com/surgilog/bloodloss/internal/domain"
)

func init() {
	f := estimateCmd.Flags()
	f.Float64Var(&estHeight, "height", 0, "Patient height in cm (required)")
	f.IntVar(&estWeight, "weight", 0, "Patient weight in kg (required)")
	f.IntVar(&estHbBefore, "hb-before", 0, "Hemoglobin before surgery")
	f.IntVar(&estHbAfter, "hb-after", 0, "Hemoglobin after surgery")
	f.Float64Var(&estDuration, "duration", 0, "Surgery duration in hours")
	f.Float64Var(&estCoeff, "coeff", 0, "Blood loss coefficient (required)")
	f.IntVar(&estAvg, "avg", 0, "Average blood loss for the operation in ml (required)")
	for _, name := range []string{"height", "weight", "coeff", "avg"} {
		_ = estimateCmd.MarkFlagRequired(name)
	}
	rootCmd.AddCommand(estimateCmd)
}

var (
	estHeight   float64
	estWeight   int
	estHbBefore int
	estHbAfter  int
	estDuration float64
	estCoeff    float64
	estAvg      int
)

var estimateCmd = &cobra.Command{
	Use:   "estimate",
	Short: "Run a single blood-loss estimate locally and print it",
	Long: `Run the estimator once without the simulated delay or any delivery.
The precise method is used when --hb-before, --hb-after and --duration are all
given and hemoglobin dropped; otherwise the fallback method applies.`,
	RunE: runEstimate,
}

func runEstimate(cmd *cobra.Command, args []string) error {
	req := domain.SubmitRequest{
		BloodLossCalcID: new(int64),
		OperationID:     new(int64),
		PatientHeight:   &estHeight,
		PatientWeight:   &estWeight,
		BloodLossCoeff:  &estCoeff,
		AvgBloodLoss:    &estAvg,
	}
	if cmd.Flags().Changed("hb-before") {
		req.HbBefore = &estHbBefore
	}
	if cmd.Flags().Changed("hb-after") {
		req.HbAfter = &estHbAfter
	}
	if cmd.Flags().Changed("duration") {
		req.SurgeryDuration = &estDuration
	}

	sub, err := req.Validate()
	if err != nil {
		return err
	}

	v, method, err := estimator.New(nil).EstimateWithMethod(sub.Inputs)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Blood loss: %d ml\n", v)
	fmt.Fprintf(out, "Method:     %s\n", method)
	fmt.Fprintf(out, "BMI:        %.1f\n", estimator.BMI(sub.PatientHeight, sub.PatientWeight))
	return nil
}
