package worker

import "github.com/spf13/cobra"

var metricsAddr string

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", ":9102", "address for the Prometheus /metrics listener (empty to disable)")

	// attach subcommands
	cmd.AddCommand(dispatcherCmd)
	cmd.AddCommand(sweeperCmd)

	return cmd
}
