package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tiermem/tiermem/internal/memory"
)

func init() {
	cmd := &cobra.Command{
		Use:     "optimize",
		Aliases: []string{"promote"},
		Short:   "Run a promotion and expiry cycle across all tiers",
		Args:    cobra.NoArgs,
		Run:     runOptimize,
	}
	RootCmd.AddCommand(cmd)
}

func runOptimize(cmd *cobra.Command, args []string) {
	coord, _, err := openCoordinator()
	if err != nil {
		exitErr("open memory", err)
	}
	defer coord.Close()

	result, err := coord.Optimize(cmd.Context())
	if errors.Is(err, memory.ErrMaintenanceBusy) {
		fmt.Fprintln(os.Stderr, "another maintenance operation is running, retry later")
		os.Exit(1)
	}
	if err != nil {
		exitErr("optimize", err)
	}
	printJSON(result)
}
