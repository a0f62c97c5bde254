package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tanq16/rangedl/internal/config"
	"github.com/tanq16/rangedl/internal/output"
	"github.com/tanq16/rangedl/internal/utils"
)

var (
	configFile string
	cfg        *config.Config
	logCloser  io.Closer
)

var RangedlVersion = "dev"

var rootCmd = &cobra.Command{
	Use:           "rangedl",
	Short:         "rangedl is a resumable multi-connection HTTP downloader",
	Version:       RangedlVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cmd.Flags(), configFile)
		if err != nil {
			return err
		}
		cfg = loaded
		closer, err := utils.InitLogger(cfg.Debug, cfg.LogFile)
		if err != nil {
			log := utils.GetLogger("cmd")
			log.Warn().Err(err).Str("file", cfg.LogFile).Msg("Log file unavailable, logging to console only")
		}
		logCloser = closer
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logCloser != nil {
			logCloser.Close()
		}
	},
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		output.PrintError(err.Error())
		stop()
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Path to a YAML config file (keys match long flag names)")
	flags.IntP("connections", "c", utils.DefaultConnections, "Number of byte-range connections per download (above 5 enables high-thread-mode)")
	flags.IntP("workers", "w", 1, "Number of downloads to run in parallel")
	flags.DurationP("timeout", "t", 3*time.Minute, "Timeout for connecting and for response headers; bodies may take longer (eg. 5s, 10m)")
	flags.DurationP("keep-alive-timeout", "k", 90*time.Second, "Keep-alive timeout for client (eg. 10s, 1m, 80s)")
	flags.StringP("user-agent", "a", utils.ToolUserAgent, "User agent (\"randomize\" picks a browser agent)")
	flags.StringP("proxy", "p", "", "HTTP/HTTPS proxy URL (e.g., proxy.example.com:8080)")
	flags.String("proxy-username", "", "Proxy username (if not provided in proxy URL)")
	flags.String("proxy-password", "", "Proxy password (if not provided in proxy URL)")
	flags.StringArrayP("header", "H", []string{}, "Custom headers (like 'Authorization: Basic dXNlcjpwYXNz'); can be specified multiple times")
	flags.Int("buffer-size", utils.DefaultBufferSize, "Bytes buffered per connection before each durable commit")
	flags.Int("retries", utils.DefaultMaxRetries, "Retries per chunk for transient network or server errors")
	flags.String("log-file", utils.LogFile, "File receiving JSON logs (empty disables)")
	flags.Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(newHTTPCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newCleanCmd())
	rootCmd.AddCommand(newStatusCmd())
}
