package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/rangedl/internal/output"
	"github.com/tanq16/rangedl/internal/server"
	"github.com/tanq16/rangedl/internal/utils"
)

func newServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve [FILE] [--addr ADDRESS]",
		Short: "Serve a local file with byte-range support at /file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := os.Stat(args[0])
			if err != nil {
				return err
			}
			if info.IsDir() {
				return utils.NewError(utils.KindInvalidArgument, nil, "%s is a directory", args[0])
			}
			output.PrintHeader("Serving " + args[0])
			output.PrintDetail(fmt.Sprintf("http://%s/file (%s)", addr, utils.FormatBytes(uint64(info.Size()))))
			output.PrintInfo("Press Ctrl+C to stop")
			err = server.ListenAndServe(cmd.Context(), addr, args[0])
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8000", "Listen address")
	return cmd
}
