package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/rangedl/internal/scheduler"
	"github.com/tanq16/rangedl/internal/utils"
)

func newHTTPCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "http [URL] [--output OUTPUT_PATH]",
		Short: "Download a file over HTTP/HTTPS with byte-range connections",
		Long: "Download a file over HTTP/HTTPS with byte-range connections.\n" +
			"Re-running the same command with the same output path resumes an interrupted download.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs := []utils.RangeJob{cfg.Job(args[0], outputPath)}
			return scheduler.Run(cmd.Context(), jobs, scheduler.Options{
				Workers: 1,
				Output:  os.Stdout,
				Summary: os.Stdout,
			})
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (inferred from the resource if not provided)")
	return cmd
}
