// Command rfbprobe connects to an RFB server, fetches a number of frames and
// optionally writes them out as PNG files. It is meant for smoke-testing
// rfbd and other RFB 3.8 servers.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/coder/rfbd/internal/logger"
	"github.com/coder/rfbd/version"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rfbprobe: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cfg := probeConfig{}
	var logLevel string

	cmd := &cobra.Command{
		Use:   "rfbprobe",
		Short: "Fetch frames from an RFB server",
		Long: `rfbprobe performs the RFB 3.8 handshake with security type None,
requests a full frame followed by incremental updates and reports
what it received.

Examples:
  rfbprobe --host localhost:5900
  rfbprobe --host localhost:5900 --frames 10 --interval 500ms --output ./frames
  rfbprobe --host localhost:5900 --rgb565 --checkerboard --output ./frames`,
		Version:       version.Version(),
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logger.New(logger.Options{Level: logLevel, Format: "text", Output: cmd.ErrOrStderr()})
			if err != nil {
				return err
			}
			res, err := runProbe(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %dx%d %s, %d frames, %d resizes, %d pixel bytes\n",
				res.Name, res.Width, res.Height, res.PixelFormat.String(), res.Frames, res.Resizes, res.Bytes)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Host, "host", "localhost:5900", "RFB server host:port")
	f.IntVar(&cfg.Frames, "frames", 1, "Number of framebuffer updates to request")
	f.DurationVar(&cfg.Interval, "interval", 0, "Delay between update requests")
	f.DurationVar(&cfg.Timeout, "timeout", 10*time.Second, "Timeout for each network operation")
	f.StringVar(&cfg.OutputDir, "output", "", "Write every frame as a PNG into this directory")
	f.BoolVar(&cfg.Checkerboard, "checkerboard", false, "Composite saved frames over a checkerboard to show transparency")
	f.BoolVar(&cfg.RGB565, "rgb565", false, "Ask the server for 16bpp RGB565 pixels")
	f.BoolVar(&cfg.Shared, "shared", true, "Send the shared flag in ClientInit")
	f.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	return cmd
}
