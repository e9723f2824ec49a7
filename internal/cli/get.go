package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Fetch a record by id without counting an access",
		Args:  cobra.ExactArgs(1),
		Run:   runGet,
	}
	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	coord, _, err := openCoordinator()
	if err != nil {
		exitErr("open memory", err)
	}
	defer coord.Close()

	rec, err := coord.Get(cmd.Context(), args[0])
	if err != nil {
		exitErr("get", err)
	}
	if rec == nil {
		fmt.Fprintf(os.Stderr, "not found: %s\n", args[0])
		os.Exit(1)
	}
	printJSON(rec)
}
