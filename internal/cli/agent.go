package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/neurolov/swarmd/internal/agent"
	"github.com/neurolov/swarmd/internal/app/verify"
	"github.com/neurolov/swarmd/internal/daemon"
	"github.com/neurolov/swarmd/internal/domain"
	"github.com/neurolov/swarmd/internal/infra/logging"
	"github.com/neurolov/swarmd/internal/security"
)

func init() {
	agentCmd.Flags().StringVar(&agentCoordinator, "coordinator", "", "Coordinator websocket URL (overrides config)")
	agentCmd.Flags().StringVar(&agentIdentity, "identity", "", "Member identity (default derived from the keypair)")
	agentCmd.Flags().StringVar(&agentSwarm, "swarm", "", "Swarm to join on connect")
	agentCmd.Flags().Float64Var(&agentPower, "power", 0, "Declared compute power (overrides config)")
	agentCmd.Flags().StringVar(&agentHardware, "hardware", "", "Hardware class (overrides config)")
	rootCmd.AddCommand(agentCmd)
}

var (
	agentCoordinator string
	agentIdentity    string
	agentSwarm       string
	agentPower       float64
	agentHardware    string
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a swarm member",
	Long: `Connect to a coordinator as a swarm member, execute assigned tasks
and submit proven results. Results echo the task data.`,
	RunE: runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	ac := cfg.AgentConfig()
	if agentCoordinator != "" {
		ac.URL = agentCoordinator
	}
	if agentIdentity != "" {
		ac.Identity = agentIdentity
	}
	if agentSwarm != "" {
		ac.SwarmID = agentSwarm
	}
	if agentPower > 0 {
		ac.Power = agentPower
	}
	if agentHardware != "" {
		ac.Hardware = agentHardware
	}

	kp, err := security.LoadOrCreateKeypair(daemon.Home())
	if err != nil {
		return fmt.Errorf("load keypair: %w", err)
	}
	if ac.Identity == "" {
		ac.Identity = "member-" + kp.PublicKeyHex()[:16]
	}

	base := logging.New(cfg.LoggingOptions())
	log := logging.Component(base, "agent").With().Str("identity", ac.Identity).Logger()
	client := agent.NewClient(ac, agent.WorkerFunc(echo), verify.NewRegistry(logging.Component(base, "verify")), kp, log)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("coordinator", ac.URL).Str("swarm", ac.SwarmID).Msg("agent starting")
	err = client.Run(ctx)
	st := client.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d completed, %d failed, %d reconnects\n",
		st.State, st.Completed, st.Failed, st.Reconnects)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// echo returns the task data wrapped with its computation type.
func echo(_ context.Context, t domain.Task) (json.RawMessage, error) {
	data := t.Payload.Data
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(map[string]any{
		"type": t.Payload.Type,
		"echo": data,
	})
}
