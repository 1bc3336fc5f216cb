package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/drover-dev/drover/internal/scheduler"
	"github.com/drover-dev/drover/pkg/models"
)

// workflowFile is the on-disk workflow submission format.
type workflowFile struct {
	Tasks []scheduler.TaskDef `yaml:"tasks"`
}

var submitTimeout time.Duration

var submitCmd = &cobra.Command{
	Use:   "submit <workflow.yaml>",
	Short: "Run a workflow file to completion and print the results",
	Long: `Submit starts an engine with the agents from configuration, submits the
tasks in the given workflow file as one workflow, waits until every task
reaches a terminal state, and prints the per-task results.

A workflow file lists tasks with refs so siblings can depend on each other:

  tasks:
    - ref: fetch
      specialization: research
      payload: {prompt: "gather sources"}
    - ref: summarize
      specialization: reasoning
      depends_on: [fetch]
      payload: {prompt: "summarize the sources"}`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		defs, err := readWorkflowFile(args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		eng, cleanup, err := buildEngine(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if submitTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, submitTimeout)
			defer cancel()
		}

		if err := eng.Start(ctx); err != nil {
			return err
		}
		defer eng.Stop()

		workflowID, err := eng.SubmitWorkflow(defs)
		if err != nil {
			return err
		}
		fmt.Printf("submitted workflow %s (%d tasks)\n", workflowID, len(defs))

		snap, err := waitForWorkflow(ctx, eng, workflowID)
		if err != nil {
			// Leave a clean state behind when the wait is interrupted.
			eng.Cancel(workflowID)
			return err
		}
		printWorkflow(snap)
		if snap.Status != models.WorkflowStatusCompleted {
			return fmt.Errorf("workflow %s %s", workflowID, snap.Status)
		}
		return nil
	},
}

func init() {
	submitCmd.Flags().DurationVar(&submitTimeout, "timeout", 0, "abort the workflow after this duration (0 = wait forever)")
}

func readWorkflowFile(path string) ([]scheduler.TaskDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading workflow file: %w", err)
	}
	var wf workflowFile
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(wf.Tasks) == 0 {
		return nil, fmt.Errorf("%s defines no tasks", path)
	}
	return wf.Tasks, nil
}

// waitForWorkflow polls until the workflow reaches a terminal status.
func waitForWorkflow(ctx context.Context, eng workflowWaiter, id string) (*scheduler.WorkflowSnapshot, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			snap, err := eng.GetWorkflowStatus(id)
			if err != nil {
				return nil, err
			}
			switch snap.Status {
			case models.WorkflowStatusCompleted, models.WorkflowStatusFailed, models.WorkflowStatusCancelled:
				return snap, nil
			}
		}
	}
}

type workflowWaiter interface {
	GetWorkflowStatus(id string) (*scheduler.WorkflowSnapshot, error)
}

func printWorkflow(snap *scheduler.WorkflowSnapshot) {
	fmt.Printf("workflow %s: %s\n", snap.Workflow.ID, snap.Status)
	for _, task := range snap.Tasks {
		fmt.Printf("  %s [%s] %s", task.ID, task.Specialization, task.Status)
		if task.AssignedAgent != "" {
			fmt.Printf(" agent=%s", task.AssignedAgent)
		}
		fmt.Println()
		if task.Result != "" {
			fmt.Printf("    %s\n", task.Result)
		}
		if task.Error != "" {
			fmt.Printf("    error: %s\n", task.Error)
		}
	}
}
