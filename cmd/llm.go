package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/joescharf/apex/internal/llm"
	"github.com/joescharf/apex/internal/output"
)

var planApply bool

var subtaskPlanCmd = &cobra.Command{
	Use:   "plan <id>",
	Short: "Ask the Anthropic API to propose subtasks for a task",
	Long: `Ask the Anthropic API to propose a decomposition of a task. The plan is
printed; with --apply the task is split accordingly.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return subtaskPlanRun(cmd, args[0])
	},
}

func init() {
	subtaskPlanCmd.Flags().BoolVar(&planApply, "apply", false, "Split the task according to the plan")
	subtaskCmd.AddCommand(subtaskPlanCmd)
}

// newLLMClient creates an LLM client from config/env, or returns nil if no API key is configured.
func newLLMClient() *llm.Client {
	apiKey := viper.GetString("anthropic.api_key")
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil
	}
	return llm.NewClient(apiKey, viper.GetString("anthropic.model"))
}

func subtaskPlanRun(cmd *cobra.Command, ref string) error {
	client := newLLMClient()
	if client == nil {
		return fmt.Errorf("no Anthropic API key: set anthropic.api_key or ANTHROPIC_API_KEY")
	}
	o, err := getOrchestrator()
	if err != nil {
		return err
	}
	t, err := o.Resolve(cmd.Context(), ref)
	if err != nil {
		return err
	}

	plan, err := client.Plan(cmd.Context(), t)
	if err != nil {
		return err
	}
	if jsonOutput && !planApply {
		return ui.JSON(plan)
	}
	if len(plan.Definitions) < 2 {
		ui.Info("The planner suggests running %s as a single task.", output.Cyan(t.ID))
		return nil
	}

	ui.Info("Proposed %s plan for %s:", plan.Strategy, output.Cyan(t.ID))
	for i, d := range plan.Definitions {
		fmt.Fprintf(ui.Out, "  %d. %s\n", i+1, d.Title)
		if d.Description != "" {
			ui.VerboseLog("%s", d.Description)
		}
	}
	if !planApply {
		return nil
	}
	if dryRun {
		ui.DryRunMsg("Would split task %s into %d subtasks", t.ID, len(plan.Definitions))
		return nil
	}
	subs, err := o.Decompose(cmd.Context(), t.ID, plan.Definitions, plan.Strategy)
	if err != nil {
		return err
	}
	if jsonOutput {
		return ui.JSON(subs)
	}
	ui.Success("Split %s into %d subtasks", output.Cyan(t.ID), len(subs))
	return nil
}
