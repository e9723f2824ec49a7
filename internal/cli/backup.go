package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tiermem/tiermem/internal/memory"
)

func init() {
	backupCmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a checksummed archive of all tiers",
		Args:  cobra.NoArgs,
		Run:   runBackup,
	}
	backupCmd.Flags().String("name", "", "archive file name (default backup_<timestamp>.tar.gz)")

	restoreCmd := &cobra.Command{
		Use:   "restore <archive>",
		Short: "Restore tiers from an archive, verifying checksums first",
		Args:  cobra.ExactArgs(1),
		Run:   runRestore,
	}

	listCmd := &cobra.Command{
		Use:   "list-backups",
		Short: "List archives in the backup directory, newest first",
		Args:  cobra.NoArgs,
		Run:   runListBackups,
	}

	cleanupCmd := &cobra.Command{
		Use:   "cleanup-backups",
		Short: "Delete old archives, keeping the newest N",
		Args:  cobra.NoArgs,
		Run:   runCleanupBackups,
	}
	cleanupCmd.Flags().Int("keep", 0, "number of archives to keep (default from config)")

	verifyCmd := &cobra.Command{
		Use:   "verify <archive>",
		Short: "Check an archive's integrity without restoring it",
		Args:  cobra.ExactArgs(1),
		Run:   runVerify,
	}

	RootCmd.AddCommand(backupCmd, restoreCmd, listCmd, cleanupCmd, verifyCmd)
}

func runBackup(cmd *cobra.Command, args []string) {
	name, _ := cmd.Flags().GetString("name")

	coord, _, err := openCoordinator()
	if err != nil {
		exitErr("open memory", err)
	}
	defer coord.Close()

	path, err := coord.CreateBackup(cmd.Context(), name)
	if errors.Is(err, memory.ErrMaintenanceBusy) {
		fmt.Fprintln(os.Stderr, "another maintenance operation is running, retry later")
		os.Exit(1)
	}
	if err != nil {
		exitErr("backup", err)
	}
	printJSON(map[string]string{"path": path})
}

func runRestore(cmd *cobra.Command, args []string) {
	coord, _, err := openCoordinator()
	if err != nil {
		exitErr("open memory", err)
	}
	defer coord.Close()

	result, err := coord.RestoreBackup(cmd.Context(), args[0])
	if errors.Is(err, memory.ErrMaintenanceBusy) {
		fmt.Fprintln(os.Stderr, "another maintenance operation is running, retry later")
		os.Exit(1)
	}
	if err != nil {
		exitErr("restore", err)
	}
	printJSON(result)
}

func runListBackups(cmd *cobra.Command, args []string) {
	coord, _, err := openCoordinator()
	if err != nil {
		exitErr("open memory", err)
	}
	defer coord.Close()

	infos, err := coord.ListBackups()
	if err != nil {
		exitErr("list backups", err)
	}
	printJSON(infos)
}

func runCleanupBackups(cmd *cobra.Command, args []string) {
	keep, _ := cmd.Flags().GetInt("keep")

	coord, cfg, err := openCoordinator()
	if err != nil {
		exitErr("open memory", err)
	}
	defer coord.Close()

	if keep <= 0 {
		keep = cfg.KeepBackups
	}
	removed, err := coord.CleanupBackups(keep)
	if err != nil {
		exitErr("cleanup backups", err)
	}
	printJSON(map[string]int{"removed": removed, "kept": keep})
}

func runVerify(cmd *cobra.Command, args []string) {
	coord, _, err := openCoordinator()
	if err != nil {
		exitErr("open memory", err)
	}
	defer coord.Close()

	ok, err := coord.VerifyBackup(args[0])
	if err != nil {
		exitErr("verify", err)
	}
	printJSON(map[string]bool{"ok": ok})
	if !ok {
		os.Exit(1)
	}
}
