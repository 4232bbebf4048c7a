package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/neurolov/swarmd/internal/domain"
)

func init() {
	tasksCmd.Flags().StringVar(&taskStatus, "status", "", "List tasks with this status (default available)")
	tasksCmd.Flags().IntVar(&taskLimit, "limit", 0, "Maximum tasks to list")

	taskCreateCmd.Flags().StringVar(&taskType, "type", domain.ComputeInference, "Computation type")
	taskCreateCmd.Flags().StringVar(&taskData, "data", "{}", "Task data as JSON")
	taskCreateCmd.Flags().Int64Var(&taskReward, "reward", 0, "Reward in credits")
	taskCreateCmd.Flags().StringVar(&taskWallet, "wallet", "", "Requester wallet (default --actor)")
	taskCreateCmd.Flags().Float64Var(&taskMinPower, "min-power", 0, "Minimum swarm compute power")
	taskCreateCmd.Flags().StringVar(&taskHardware, "hardware", "", "Preferred hardware")

	tasksCmd.AddCommand(taskShowCmd, taskCreateCmd, taskAssignCmd)
	rootCmd.AddCommand(tasksCmd, requeueCmd)
}

var (
	taskStatus   string
	taskLimit    int
	taskType     string
	taskData     string
	taskReward   int64
	taskWallet   string
	taskMinPower float64
	taskHardware string
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{}
		if taskStatus != "" {
			q.Set("status", taskStatus)
		}
		if taskLimit > 0 {
			q.Set("limit", fmt.Sprint(taskLimit))
		}
		path := "/tasks/"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var tasks []domain.Task
		if err := c.get(cmd.Context(), path, &tasks); err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No tasks.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tMIN POWER\tREWARD\tSWARM\tAGE")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%d\t%s\t%s\n",
				t.ID, t.Payload.Type, t.Status, t.Requirements.MinComputePower,
				t.Reward, dash(t.AssignedTo), age(t.CreatedAt))
		}
		return w.Flush()
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a task as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var t json.RawMessage
		if err := c.get(cmd.Context(), "/tasks/"+url.PathEscape(args[0]), &t); err != nil {
			return err
		}
		return printJSON(cmd, t)
	},
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a task",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !json.Valid([]byte(taskData)) {
			return fmt.Errorf("--data is not valid JSON")
		}
		payload := domain.Payload{Type: taskType, Data: json.RawMessage(taskData)}
		if taskMinPower > 0 || taskHardware != "" {
			payload.Requirements = &domain.Requirements{
				MinComputePower:   taskMinPower,
				PreferredHardware: taskHardware,
			}
		}
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var t domain.Task
		err = c.post(cmd.Context(), "/tasks/create", map[string]any{
			"walletAddress": taskWallet,
			"payload":       payload,
			"reward":        taskReward,
		}, &t)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s (needs %g power)\n", t.ID, t.Requirements.MinComputePower)
		return nil
	},
}

var taskAssignCmd = &cobra.Command{
	Use:   "assign ID [SWARM]",
	Short: "Assign a task to a swarm, or to the best fit when SWARM is omitted",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		id := url.PathEscape(args[0])
		var t domain.Task
		if len(args) == 2 {
			err = c.post(cmd.Context(), "/tasks/"+id+"/assign", map[string]string{"swarmId": args[1]}, &t)
		} else {
			err = c.post(cmd.Context(), "/tasks/"+id+"/dispatch", nil, &t)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "assigned %s to %s\n", t.ID, t.AssignedTo)
		return nil
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue ID",
	Short: "Requeue a failed task as a new available task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var t domain.Task
		if err := c.post(cmd.Context(), "/tasks/"+url.PathEscape(args[0])+"/requeue", nil, &t); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "requeued %s as %s\n", args[0], t.ID)
		return nil
	},
}

// ─── Output ─────────────────────────────────────────────────────────────────

func printJSON(cmd *cobra.Command, raw json.RawMessage) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(raw)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String()
}
