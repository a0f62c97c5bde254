package cmd

import (
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/tanq16/rangedl/internal/output"
	"github.com/tanq16/rangedl/internal/state"
	"github.com/tanq16/rangedl/internal/utils"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [OUTPUT_PATH]",
		Short: "Show the resume state of an interrupted download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printStatus(os.Stdout, afero.NewOsFs(), args[0])
		},
	}
	return cmd
}

func printStatus(w io.Writer, afs afero.Fs, outputPath string) error {
	st, err := state.Load(afs, state.PathFor(outputPath))
	if err != nil {
		return fmt.Errorf("no readable resume state for %s: %w", outputPath, err)
	}
	committed := st.Committed()
	percent := 100.0
	if st.TotalSize > 0 {
		percent = float64(committed) / float64(st.TotalSize) * 100
	}
	fmt.Fprintln(w, output.FDetail(st.Filename))
	fmt.Fprintf(w, "  %s %s\n", output.FDebug("job"), st.JobID)
	fmt.Fprintf(w, "  %s %s\n", output.FDebug("url"), st.URL)
	fmt.Fprintf(w, "  %s %s / %s (%.1f%%)\n", output.FDebug("committed"),
		utils.FormatBytes(uint64(committed)), utils.FormatBytes(uint64(st.TotalSize)), percent)
	fmt.Fprintf(w, "  %s %s\n", output.FDebug("updated"), st.UpdatedAt.Format("2006-01-02 15:04:05"))
	for _, idx := range slices.Sorted(maps.Keys(st.Chunks)) {
		c := st.Chunks[idx]
		mark := output.FPending(output.StyleSymbols["pending"])
		switch {
		case !c.Valid():
			mark = output.FError(output.StyleSymbols["fail"])
		case c.Done():
			mark = output.FSuccess(output.StyleSymbols["pass"])
		}
		fmt.Fprintf(w, "    %s chunk %d  %d-%d  at %d\n", mark, c.Index, c.Start, c.End, c.Offset)
	}
	return nil
}
