package cli

import (
	"encoding/json"
	"fmt"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/neurolov/swarmd/internal/domain"
)

func init() {
	swarmsCmd.Flags().StringVar(&swarmStatus, "status", "", "Only list swarms with this status")
	for _, c := range []*cobra.Command{swarmCreateCmd, swarmJoinCmd, swarmLeaveCmd} {
		c.Flags().StringVar(&swarmWallet, "wallet", "", "Member wallet (default --actor)")
	}
	for _, c := range []*cobra.Command{swarmCreateCmd, swarmJoinCmd} {
		c.Flags().Float64Var(&swarmPower, "power", 1, "Declared compute power")
		c.Flags().StringVar(&swarmHardware, "hardware", domain.HardwareCPU, "Hardware class (GPU or CPU)")
	}
	swarmsCmd.AddCommand(swarmShowCmd, swarmCreateCmd, swarmJoinCmd, swarmLeaveCmd)
	rootCmd.AddCommand(swarmsCmd)
}

var (
	swarmStatus   string
	swarmWallet   string
	swarmPower    float64
	swarmHardware string
)

var swarmsCmd = &cobra.Command{
	Use:   "swarms",
	Short: "List swarms",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/swarms/"
		if swarmStatus != "" {
			path += "?status=" + url.QueryEscape(swarmStatus)
		}
		var swarms []domain.Swarm
		if err := c.get(cmd.Context(), path, &swarms); err != nil {
			return err
		}
		if len(swarms) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No swarms.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tLEADER\tMEMBERS\tONLINE\tPOWER")
		for _, s := range swarms {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%g\n",
				s.ID, s.Status, s.Leader, len(s.Members), online(s), s.TotalPower)
		}
		return w.Flush()
	},
}

func online(s domain.Swarm) int {
	n := 0
	for _, m := range s.Members {
		if m.Online {
			n++
		}
	}
	return n
}

var swarmShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a swarm as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		var s json.RawMessage
		if err := c.get(cmd.Context(), "/swarms/"+url.PathEscape(args[0]), &s); err != nil {
			return err
		}
		return printJSON(cmd, s)
	},
}

var swarmCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a swarm led by the caller",
	RunE: func(cmd *cobra.Command, args []string) error {
		return swarmAction(cmd, "/swarms/create", "created")
	},
}

var swarmJoinCmd = &cobra.Command{
	Use:   "join ID",
	Short: "Join a swarm",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return swarmAction(cmd, "/swarms/join/"+url.PathEscape(args[0]), "joined")
	},
}

var swarmLeaveCmd = &cobra.Command{
	Use:   "leave ID",
	Short: "Leave a swarm",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return swarmAction(cmd, "/swarms/leave/"+url.PathEscape(args[0]), "left")
	},
}

func swarmAction(cmd *cobra.Command, path, verb string) error {
	c, err := newAPIClient()
	if err != nil {
		return err
	}
	var s domain.Swarm
	err = c.post(cmd.Context(), path, map[string]any{
		"walletAddress": swarmWallet,
		"gpuScore":      swarmPower,
		"hardware":      swarmHardware,
	}, &s)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s, power %g)\n", verb, s.ID, s.Status, s.TotalPower)
	return nil
}
