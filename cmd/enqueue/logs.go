package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newLogsCmd(withDeps runWithDeps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "logs VERSION_ID",
		Short: "Print the build log of a version",
		Args:  cobra.ExactArgs(1),
	}

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		versionID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid version id: %w", err)
		}

		return withDeps(func(cmd *cobra.Command, d *deps) error {
			entries, err := d.db.ListLogs(cmd.Context(), versionID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				_, _ = fmt.Fprintf(out, "%s %s %-5s [%s] %s\n",
					e.Time.Format(time.RFC3339), e.RunID, e.Level, e.Step, e.Message)
			}
			return nil
		})(cmd, args)
	}
	return cmd
}
