package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove expired backup files from the workspace",
	Long: `Delete .bak files older than the configured retention period.

Backups are written next to every modified or deleted file so changes
stay reversible; this reclaims the space once they have aged out.

Examples:
  intentd cleanup
  intentd cleanup --workspace /srv/project`,
	RunE: runCleanup,
}

func runCleanup(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	removed, err := a.diffEngine.CleanupBackups()
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d expired backup(s).\n", removed)
	return nil
}
