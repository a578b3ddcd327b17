package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status TASK_ID",
	Short: "Show detailed information about a calculation task",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	t, err := db.GetTask(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task:       %s\n", t.ID)
	fmt.Fprintf(out, "Status:     %s\n", t.Status)
	fmt.Fprintf(out, "Calc ID:    %d\n", t.BloodLossCalcID)
	fmt.Fprintf(out, "Operation:  %d\n", t.OperationID)
	fmt.Fprintf(out, "Created:    %s\n", t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if t.StartedAt != nil {
		fmt.Fprintf(out, "Started:    %s\n", t.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(out, "Finished:   %s (%s)\n", t.CompletedAt.Local().Format("2006-01-02 15:04:05"), t.Duration())
	}
	if t.TotalBloodLoss != nil {
		fmt.Fprintf(out, "Blood loss: %d ml\n", *t.TotalBloodLoss)
	}
	if t.ErrorMessage != nil {
		fmt.Fprintf(out, "Error:      %s\n", *t.ErrorMessage)
	}

	return nil
}
