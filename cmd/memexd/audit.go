package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memexd/memex/internal/audit"
	"github.com/memexd/memex/internal/logging"
)

func auditCmd(flags *rootFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show recent admission and host lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Disable()
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			trail, err := audit.Open(cfg.DataDir)
			if err != nil {
				return err
			}
			defer trail.Close()

			events, err := trail.Recent(limit)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("No audit events recorded.")
				return nil
			}
			for _, ev := range events {
				line := fmt.Sprintf("%s  %-18s", ev.Time.Format("2006-01-02 15:04:05"), ev.Kind)
				if ev.PluginID != "" {
					line += "  " + ev.PluginID
				}
				if ev.Capability != "" {
					line += "  [" + ev.Capability + "]"
				}
				if ev.Detail != "" {
					line += "  " + ev.Detail
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum number of events to show")
	return cmd
}
