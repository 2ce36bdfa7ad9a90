package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var lessonsCmd = &cobra.Command{
	Use:   "lessons <project>",
	Short: "Show stored lessons for a project",
	Long: `List the lessons, recurring patterns, and outcome tallies recorded
for a project by previous runs.

Examples:
  intentd lessons default
  intentd lessons billing-service`,
	Args: cobra.ExactArgs(1),
	RunE: runLessons,
}

func runLessons(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	projectID := args[0]

	entries, err := a.store.ForProject(projectID)
	if err != nil {
		return err
	}
	patterns, err := a.store.Patterns(projectID)
	if err != nil {
		return err
	}
	successes, failures, err := a.store.Outcomes(projectID)
	if err != nil {
		return err
	}

	if len(entries) == 0 && len(patterns) == 0 && successes+failures == 0 {
		fmt.Printf("No lessons recorded for project %q yet.\n", projectID)
		return nil
	}

	fmt.Printf("Project %s: %d lessons, %d successes, %d failures\n\n",
		projectID, len(entries), successes, failures)

	for _, e := range entries {
		fmt.Printf("  [%s/%s] %s\n", e.Category, e.Severity, e.Text)
	}
	if len(patterns) > 0 {
		fmt.Println("\nRecurring patterns:")
		for _, p := range patterns {
			fmt.Printf("  - %s\n", p)
		}
	}
	return nil
}
