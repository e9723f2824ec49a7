package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/tiermem/tiermem/internal/memory"
)

func init() {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe tier stores, backups, and the semantic index",
		Args:  cobra.NoArgs,
		Run:   runHealth,
	}
	RootCmd.AddCommand(cmd)
}

func runHealth(cmd *cobra.Command, args []string) {
	coord, _, err := openCoordinator()
	if err != nil {
		exitErr("open memory", err)
	}
	defer coord.Close()

	report := coord.Health(cmd.Context())
	printJSON(report)
	if report.Status != memory.StatusHealthy {
		os.Exit(1)
	}
}
