package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/rangedl/internal/scheduler"
	"github.com/tanq16/rangedl/internal/utils"
)

const maxTotalConnections = 64

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [YAML_FILE]",
		Short: "Process multiple downloads from a YAML file",
		Long: "Process multiple downloads from a YAML file containing a list of entries:\n\n" +
			"  - link: https://example.com/a.iso\n" +
			"    op: isos/a.iso\n" +
			"  - link: https://example.com/b.tar.gz\n",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := utils.ReadDownloadList(args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				return fmt.Errorf("no entries found in %s", args[0])
			}
			connectionsPerLink := cfg.Connections
			if cfg.Workers*connectionsPerLink > maxTotalConnections {
				connectionsPerLink = max(maxTotalConnections/cfg.Workers, 1)
			}
			jobs := make([]utils.RangeJob, 0, len(entries))
			for _, entry := range entries {
				job := cfg.Job(entry.URL, entry.OutputPath)
				job.Connections = connectionsPerLink
				jobs = append(jobs, job)
			}
			return scheduler.Run(cmd.Context(), jobs, scheduler.Options{
				Workers: cfg.Workers,
				Output:  os.Stdout,
				Summary: os.Stdout,
			})
		},
	}
	return cmd
}
