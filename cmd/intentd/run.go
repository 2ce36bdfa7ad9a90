package main

import (
	"bufio"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seamlab/intentd/internal/action"
	"github.com/seamlab/intentd/internal/diffengine"
	"github.com/seamlab/intentd/internal/engine"
	"github.com/seamlab/intentd/internal/plan"
)

var (
	runProject    string
	runPermission string
	runTargets    []string
	runOverview   string
	runDryRun     bool
	runYes        bool
)

var runCmd = &cobra.Command{
	Use:   "run <intent>",
	Short: "Plan and apply a code change described in natural language",
	Long: `Run the full cycle for one change request: generate a plan, apply it
as reversible diffs, verify the result, and record lessons.

Plans that delete files or carry high risk pause for review before
anything touches the workspace, unless --yes is given.

Examples:
  # Change the current directory's project
  intentd run "add request logging to the HTTP handlers"

  # Review the plan before it runs
  intentd run --permission review "refactor the config loader"

  # Plan only, apply nothing
  intentd run --permission none "split the parser into two packages"

  # Stage the diffs without writing them
  intentd run --dry-run "rename the User struct to Account"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runProject, "project", "default", "project ID for the lesson store")
	runCmd.Flags().StringVar(&runPermission, "permission", "auto", "permission level: none, review, or auto")
	runCmd.Flags().StringSliceVar(&runTargets, "target", nil, "file path hints for the planner (repeatable)")
	runCmd.Flags().StringVar(&runOverview, "overview", "", "short project description for planning context")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "stage diffs without writing them")
	runCmd.Flags().BoolVar(&runYes, "yes", false, "apply plans that pause for review without prompting")
}

func runRun(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req := engine.SubmitRequest{
		ProjectID:   runProject,
		Intent:      strings.Join(args, " "),
		Permission:  action.ParsePermissionLevel(runPermission),
		Overview:    runOverview,
		TargetFiles: runTargets,
		DryRun:      runDryRun,
	}

	act, err := a.engine.Submit(ctx, req)
	if err != nil {
		return err
	}

	if act.Status == action.StatusPending && act.RequiresApproval {
		printPlan(act.Plan)
		if !runYes && !confirm("Apply this plan?") {
			act, err = a.engine.Reject(act.ID)
			if err != nil {
				return err
			}
			printOutcome(act)
			return nil
		}
		act, err = a.engine.Approve(ctx, act.ID, req)
		if err != nil {
			return err
		}
	}

	printOutcome(act)
	if act.Status != action.StatusCompleted && act.Status != action.StatusPending {
		return fmt.Errorf("action finished %s", act.Status)
	}
	return nil
}

// printPlan renders a plan for human review.
func printPlan(pl *plan.Plan) {
	if pl == nil {
		return
	}
	fmt.Printf("\nPlan: %s\n", pl.Summary)
	if pl.Understanding != "" {
		fmt.Printf("Understanding: %s\n", pl.Understanding)
	}
	fmt.Println()
	for _, s := range pl.Steps {
		fmt.Printf("  %d. [%s] %s  (%s, risk: %s)\n", s.Number, s.Action, s.Title, s.Path, s.Risk)
	}
	if len(pl.Risks) > 0 {
		fmt.Println("\nRisks:")
		for _, r := range pl.Risks {
			fmt.Printf("  - %s\n", r)
		}
	}
	fmt.Println()
}

// printOutcome summarizes where the action ended up.
func printOutcome(act *action.Action) {
	fmt.Printf("\nAction %s: %s\n", act.ID, act.Status)
	switch act.Status {
	case action.StatusCompleted:
		for _, d := range act.Diffs {
			marker := "M"
			switch d.Op {
			case diffengine.OpCreate:
				marker = "A"
			case diffengine.OpDelete:
				marker = "D"
			}
			fmt.Printf("  %s %s (+%d -%d)\n", marker, d.Path, d.Additions, d.Deletions)
		}
		if act.Verification != nil && act.Verification.Coverage >= 0 {
			fmt.Printf("  coverage: %.1f%%\n", act.Verification.Coverage)
		}
	case action.StatusPending:
		if act.Plan != nil && !act.RequiresApproval {
			printPlan(act.Plan)
		}
	case action.StatusFailed, action.StatusRolledBack:
		fmt.Printf("  reason: %s\n", act.Error)
		if act.Verification != nil {
			for _, v := range act.Verification.Violations {
				fmt.Printf("  %s:%d %s [%s]\n", v.File, v.Line, v.Message, v.Tool)
			}
		}
	}
	if act.Reflection != nil && act.Reflection.Summary != "" {
		fmt.Printf("  reflection: %s\n", act.Reflection.Summary)
	}
}

// confirm asks a yes/no question on stdin.
func confirm(question string) bool {
	fmt.Printf("%s [y/N]: ", question)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
