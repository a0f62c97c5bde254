package cmd

import (
	"errors"
	"io/fs"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/tanq16/rangedl/internal/output"
	"github.com/tanq16/rangedl/internal/state"
)

func newCleanCmd() *cobra.Command {
	var partial bool

	cmd := &cobra.Command{
		Use:   "clean [OUTPUT_PATH]",
		Short: "Discard resume state for an output path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cleanOutput(afero.NewOsFs(), args[0], partial)
		},
	}

	cmd.Flags().BoolVar(&partial, "partial", false, "Also delete the partially downloaded output file")
	return cmd
}

func cleanOutput(afs afero.Fs, outputPath string, partial bool) error {
	exists, err := afero.Exists(afs, state.PathFor(outputPath))
	if err != nil {
		return err
	}
	if !exists {
		output.PrintWarning("No resume state for " + outputPath)
	} else {
		if err := state.Remove(afs, outputPath); err != nil {
			return err
		}
		output.PrintSuccess("Removed resume state for " + outputPath)
	}
	if !partial {
		return nil
	}
	if err := afs.Remove(outputPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	output.PrintSuccess("Removed partial file " + outputPath)
	return nil
}
