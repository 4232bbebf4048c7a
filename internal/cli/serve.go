package cli

import (
	"github.com/spf13/cobra"

	"github.com/neurolov/swarmd/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveRedis, "redis", "", "Redis address for the shared rate window (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost  string
	servePort  int
	serveRedis string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the coordinator",
	Long:  `Start the coordinator HTTP API and session endpoint at localhost:8420.`,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}

	// Override config from flags
	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	if serveRedis != "" {
		cfg.Admission.RedisAddr = serveRedis
	}

	d, err := daemon.NewWithConfig(cfg)
	if err != nil {
		return err
	}
	return d.Serve(cmd.Context())
}
