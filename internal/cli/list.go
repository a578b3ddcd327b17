package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/surgilog/bloodloss/internal/daemon"
	"github.com/surgilog/bloodloss/internal/domain"
	"github.com/surgilog/bloodloss/internal/infra/sqlite"
)

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "Only show tasks with this status (PENDING, PROCESSING, COMPLETED, FAILED)")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum number of tasks to show")
	rootCmd.AddCommand(listCmd)
}

var (
	listStatus string
	listLimit  int
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List recent calculation tasks",
	RunE:    runList,
}

// openStore opens the task database named by the config. It is safe to use
// while the daemon is running.
func openStore() (*sqlite.DB, error) {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.Storage.Dir)
}

func runList(cmd *cobra.Command, args []string) error {
	filter := domain.TaskFilter{Status: domain.TaskStatus(listStatus), Limit: listLimit}
	if filter.Status != "" && !filter.Status.Valid() {
		return fmt.Errorf("unknown status %q", listStatus)
	}

	db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	tasks, err := db.ListTasks(cmd.Context(), filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(tasks) == 0 {
		fmt.Fprintln(out, "No tasks yet. Submit one to POST /api/v1/calculate-blood-loss.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK ID\tCALC\tOPERATION\tSTATUS\tRESULT\tCREATED")
	for _, t := range tasks {
		result := "-"
		if t.TotalBloodLoss != nil {
			result = fmt.Sprintf("%d ml", *t.TotalBloodLoss)
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%s\n",
			t.ID,
			t.BloodLossCalcID,
			t.OperationID,
			t.Status,
			result,
			t.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}
