package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"FinAgent/internal/di"
	"FinAgent/internal/domain/models"
	"FinAgent/internal/domain/repository"
	"FinAgent/pkg/config"
)

var statusFormat string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the training progress stored in the checkpoint",
	Long: `Read the checkpoint without starting the trainer and print the current
phase and the average iteration count of every stage.

Examples:
  finagent status
  finagent status --format json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusFormat, "format", "table", "Output format (table|json)")
	rootCmd.AddCommand(statusCmd)
}

type stageSummary struct {
	Stage   string  `json:"stage"`
	AvgIter float64 `json:"avg_iter"`
	Agents  int     `json:"agents"`
}

type checkpointSummary struct {
	Phase  int            `json:"phase"`
	Stage  string         `json:"stage"`
	Saved  string         `json:"saved"`
	Agents int            `json:"agents"`
	Stages []stageSummary `json:"stages"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	cp, err := di.ProvideCheckpointStore(cfg).Load(context.Background())
	if errors.Is(err, repository.ErrNoCheckpoint) {
		fmt.Fprintf(cmd.OutOrStdout(), "no checkpoint at %s\n", cfg.Training.CheckpointPath)
		return nil
	}
	if err != nil {
		return err
	}

	sum := summarize(cp)
	if statusFormat == "json" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	}
	return printSummary(cmd.OutOrStdout(), sum)
}

func summarize(cp *models.Checkpoint) checkpointSummary {
	ladder := models.NewLadder(cp.Filters)
	sum := checkpointSummary{
		Phase:  cp.Phase,
		Stage:  ladder.Stage(cp.Phase).String(),
		Saved:  cp.Saved.Format("2006-01-02 15:04:05"),
		Agents: len(cp.Agents),
	}
	for p, stage := range ladder.Training() {
		s := stageSummary{Stage: stage.String()}
		total := 0
		for _, a := range cp.Agents {
			if p < len(a.Stages) {
				total += a.Stages[p].Iter
				s.Agents++
			}
		}
		if s.Agents > 0 {
			s.AvgIter = float64(total) / float64(s.Agents)
		}
		sum.Stages = append(sum.Stages, s)
	}
	return sum
}

func printSummary(w io.Writer, sum checkpointSummary) error {
	fmt.Fprintf(w, "phase %d (%s), %d agents, saved %s\n\n", sum.Phase, sum.Stage, sum.Agents, sum.Saved)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tAVG ITER\tAGENTS")
	for _, s := range sum.Stages {
		fmt.Fprintf(tw, "%s\t%.1f\t%d\n", s.Stage, s.AvgIter, s.Agents)
	}
	return tw.Flush()
}
