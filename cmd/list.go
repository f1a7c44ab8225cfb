package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/arbiter/internal/metric"
	"github.com/signalnine/arbiter/internal/truth"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show the challenge, available metrics and ground-truth rounds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			c := cfg.Challenge

			fmt.Fprintln(out, "Challenge:")
			if c.Name != "" {
				fmt.Fprintf(out, "  name:         %s\n", c.Name)
			}
			fmt.Fprintf(out, "  ground truth: %s (round %d)\n", c.AnswerFilePath, c.Round)
			fmt.Fprintf(out, "  format:       %s (id %q, value %q, answer %q)\n", c.Format, c.IDColumn, c.ValueColumn, c.AnswerColumn)
			fmt.Fprintf(out, "  metrics:      %s / %s\n", c.PrimaryMetric, c.SecondaryMetric)
			if cfg.Sandbox.Image != "" {
				fmt.Fprintf(out, "  sandbox:      %s\n", cfg.Sandbox.Image)
			}

			fmt.Fprintln(out, "\nMetrics:")
			for _, name := range metric.Names() {
				m, _ := metric.Lookup(name)
				direction := "lower is better"
				if m.HigherIsBetter() {
					direction = "higher is better"
				}
				fmt.Fprintf(out, "  - %s (%s)\n", name, direction)
			}

			if truth.IsS3(c.AnswerFilePath) {
				return nil
			}
			rounds, err := truth.Rounds(c.AnswerFilePath)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "\nGround-truth rounds:")
			fmt.Fprintf(out, "  - base: %s\n", c.AnswerFilePath)
			for _, r := range rounds {
				fmt.Fprintf(out, "  - round %d: %s\n", r, truth.ResolveLocal(c.AnswerFilePath, r))
			}
			return nil
		},
	}
}
