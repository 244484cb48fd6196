package main

import (
	"context"
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(newWatchCmd())
}

func newWatchCmd() *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Continuously show what a running mirror is doing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			c, err := controlPlaneClient(cmd)
			if err != nil {
				return err
			}

			fetch := func(ctx context.Context) (*snapshot, error) {
				status, err := c.Status(ctx)
				if err != nil {
					return nil, err
				}
				paths, err := c.Paths(ctx)
				if err != nil {
					return nil, err
				}
				return &snapshot{status: status, paths: paths}, nil
			}

			p := tea.NewProgram(newWatchModel(fetch, interval),
				tea.WithContext(cmd.Context()),
				tea.WithOutput(cmd.OutOrStdout()),
			)
			if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
				return err
			}
			return nil
		},
	}

	addClientFlags(cmd)
	cmd.Flags().DurationVarP(&interval, "interval", "i", time.Second, "poll interval")
	return cmd
}
