// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"os/user"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/conveyor/cmd/conveyor/cli"
	"github.com/bureau-foundation/conveyor/lib/pipelinedef"
	"github.com/bureau-foundation/conveyor/lib/schema"
)

func (a *app) pushCommand() *cli.Command {
	return &cli.Command{
		Name:        "push",
		Summary:     "Store a pipeline definition",
		Description: "Upload a pipeline definition. The format follows the file extension:\n.jsonc/.json, .yaml/.yml or .toml.",
		Usage:       "conveyor push <file> [flags]",
		Examples: []cli.Example{
			{Description: "Push a YAML pipeline", Command: "conveyor push ci/web.yaml"},
		},
		Flags: func() *pflag.FlagSet { return a.jsonFlags("push") },
		Run: func(args []string) error {
			if err := cli.RequireArgs(args, "file"); err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			response, err := a.client().PushPipeline(a.ctx, data, pipelinedef.FormatFromPath(args[0]))
			if err != nil {
				return err
			}
			if a.outputJSON {
				return cli.WriteJSON(a.stdout, response)
			}
			fmt.Fprintf(a.stdout, "pipeline %s stored as version %d\n", a.styles.id.Render(response.ID), response.Version)
			for _, warning := range response.Warnings {
				fmt.Fprintf(a.stdout, "%s %s\n", a.styles.warn.Render("warning:"), warning)
			}
			return nil
		},
	}
}

func (a *app) runCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Summary: "Start a pipeline",
		Usage:   "conveyor run <pipeline> [flags]",
		Flags:   func() *pflag.FlagSet { return a.jsonFlags("run") },
		Run: func(args []string) error {
			if err := cli.RequireArgs(args, "pipeline"); err != nil {
				return err
			}
			instance, err := a.client().RunPipeline(a.ctx, args[0])
			if err != nil {
				return err
			}
			if a.outputJSON {
				return cli.WriteJSON(a.stdout, instance)
			}
			fmt.Fprintf(a.stdout, "started %s (%s)\n", a.styles.id.Render(instance.ID), a.styles.phase(instance.Status.Phase))
			return nil
		},
	}
}

// statusReport is the --json form of conveyor status.
type statusReport struct {
	Instance *schema.PipelineInstance `json:"instance"`
	Jobs     []schema.JobInstance     `json:"jobs"`
}

func (a *app) statusCommand() *cli.Command {
	return &cli.Command{
		Name:    "status",
		Summary: "Show a pipeline run and its jobs",
		Usage:   "conveyor status <pipeline-instance> [flags]",
		Flags:   func() *pflag.FlagSet { return a.jsonFlags("status") },
		Run: func(args []string) error {
			if err := cli.RequireArgs(args, "pipeline-instance"); err != nil {
				return err
			}
			client := a.client()
			instance, err := client.GetPipelineInstance(a.ctx, args[0])
			if err != nil {
				return err
			}
			jobs, err := client.ListJobInstances(a.ctx, instance.ID, "")
			if err != nil {
				return err
			}
			if a.outputJSON {
				return cli.WriteJSON(a.stdout, statusReport{Instance: instance, Jobs: jobs})
			}
			a.printStatus(instance, jobs)
			return nil
		},
	}
}

func (a *app) printStatus(instance *schema.PipelineInstance, jobs []schema.JobInstance) {
	status := instance.Status
	fmt.Fprintf(a.stdout, "%s  %s  pipeline %s\n", a.styles.id.Render(instance.ID), a.styles.phase(status.Phase), instance.PipelineID)
	if status.EndedAt != nil {
		runtime := time.Duration(status.RuntimeSeconds * float64(time.Second))
		fmt.Fprintf(a.stdout, "runtime %s\n", runtime.Round(time.Second))
	}

	fmt.Fprintln(a.stdout)
	tw := tabwriter.NewWriter(a.stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tAPPROVALS\tSTATE")
	for _, stage := range instance.Spec.Stages {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", stage.ID, approvalSummary(status, stage), a.styles.stageState(stageState(status, stage.ID)))
	}
	tw.Flush()

	if len(jobs) == 0 {
		return
	}
	fmt.Fprintln(a.stdout)
	tw = tabwriter.NewWriter(a.stdout, 2, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB INSTANCE\tSTAGE\tJOB\tSTATE")
	for _, job := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", job.ID, job.StageID, job.JobID, a.styles.jobState(job.State))
	}
	tw.Flush()
}

// stageState summarizes one stage of a run for display.
func stageState(status schema.PipelineStatus, stageID string) string {
	switch {
	case slices.Contains(status.FailedStages, stageID):
		return "failed"
	case slices.Contains(status.FinishedStages, stageID):
		return "finished"
	}
	for _, approval := range status.StageApprovals {
		if approval.StageID == stageID && !approval.HasRun {
			return "awaiting approval"
		}
	}
	if slices.Contains(status.TriggeredStages, stageID) {
		return "running"
	}
	return "-"
}

func approvalSummary(status schema.PipelineStatus, stage schema.Stage) string {
	if stage.RequiredApprovals == 0 {
		return ""
	}
	for _, approval := range status.StageApprovals {
		if approval.StageID == stage.ID {
			summary := fmt.Sprintf("%d/%d", approval.ApprovalCount, stage.RequiredApprovals)
			if len(approval.Approvers) > 0 {
				summary += " (" + strings.Join(approval.Approvers, ", ") + ")"
			}
			return summary
		}
	}
	return fmt.Sprintf("0/%d", stage.RequiredApprovals)
}

func (a *app) approveCommand() *cli.Command {
	var approver string
	return &cli.Command{
		Name:    "approve",
		Summary: "Approve a gated stage",
		Usage:   "conveyor approve <pipeline-instance> <stage> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := a.jsonFlags("approve")
			flagSet.StringVar(&approver, "as", currentUser(), "approver name recorded on the stage")
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.RequireArgs(args, "pipeline-instance", "stage"); err != nil {
				return err
			}
			approval, err := a.client().Approve(a.ctx, args[0], args[1], approver)
			if err != nil {
				return err
			}
			if a.outputJSON {
				return cli.WriteJSON(a.stdout, approval)
			}
			if approval.HasRun {
				fmt.Fprintf(a.stdout, "stage %s approved and launched\n", approval.StageID)
				return nil
			}
			fmt.Fprintf(a.stdout, "stage %s has %d approval(s): %s\n",
				approval.StageID, approval.ApprovalCount, strings.Join(approval.Approvers, ", "))
			return nil
		},
	}
}

func currentUser() string {
	if current, err := user.Current(); err == nil && current.Username != "" {
		return current.Username
	}
	return os.Getenv("USER")
}

func (a *app) forceRunCommand() *cli.Command {
	return &cli.Command{
		Name:    "force-run",
		Summary: "Launch a gated stage without waiting for approvals",
		Usage:   "conveyor force-run <pipeline-instance> <stage> [flags]",
		Flags:   func() *pflag.FlagSet { return a.flags("force-run") },
		Run: func(args []string) error {
			if err := cli.RequireArgs(args, "pipeline-instance", "stage"); err != nil {
				return err
			}
			instance, err := a.client().ForceRun(a.ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "stage %s launched; %s is %s\n", args[1], instance.ID, a.styles.phase(instance.Status.Phase))
			return nil
		},
	}
}

func (a *app) stopCommand() *cli.Command {
	var reason string
	return &cli.Command{
		Name:    "stop",
		Summary: "Stop a running job",
		Usage:   "conveyor stop <job-instance> [flags]",
		Flags: func() *pflag.FlagSet {
			flagSet := a.flags("stop")
			flagSet.StringVar(&reason, "reason", "", "reason passed to the worker")
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.RequireArgs(args, "job-instance"); err != nil {
				return err
			}
			job, err := a.client().StopJob(a.ctx, args[0], reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "job %s is %s\n", job.ID, a.styles.jobState(job.State))
			return nil
		},
	}
}

func (a *app) resumeCommand() *cli.Command {
	var retry bool
	return &cli.Command{
		Name:    "resume",
		Summary: "Resume a job frozen at a breakpoint",
		Usage:   "conveyor resume <job-instance> <breakpoint-id> [--retry]",
		Flags: func() *pflag.FlagSet {
			flagSet := a.flags("resume")
			flagSet.BoolVar(&retry, "retry", false, "re-run the task that tripped instead of continuing")
			return flagSet
		},
		Run: func(args []string) error {
			if err := cli.RequireArgs(args, "job-instance", "breakpoint-id"); err != nil {
				return err
			}
			if err := a.client().ResumeBreakpoint(a.ctx, args[0], args[1], retry); err != nil {
				return err
			}
			action := "continue"
			if retry {
				action = "retry"
			}
			fmt.Fprintf(a.stdout, "breakpoint %s resumed (%s)\n", args[1], action)
			return nil
		},
	}
}
