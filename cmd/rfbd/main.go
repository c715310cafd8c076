// Command rfbd serves a desktop to VNC viewers over RFB 3.8.
package main

import (
	"fmt"
	"os"

	"github.com/coder/rfbd/config"
	"github.com/coder/rfbd/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "rfbd: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFile string
	v := config.New()

	cmd := &cobra.Command{
		Use:   "rfbd",
		Short: "RFB (VNC) server for a single shared desktop",
		Long: `rfbd serves one desktop to any number of VNC viewers.

Frames come from a synthetic animation or an image file. Every
client negotiates its own pixel format and asks for updates at its
own pace; input events are accepted and ignored.

Settings are read from defaults, then --config, then RFBD_*
environment variables, then flags.

Examples:
  rfbd
  rfbd --listen :5900 --animation bars --width 800 --height 600
  rfbd --capture-source image --image desktop.png --ws-listen :6080`,
		Version:       version.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v, configFile)
		},
	}
	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	if err := config.RegisterFlags(cmd.PersistentFlags(), v); err != nil {
		// flag names are fixed at compile time
		panic(err)
	}

	cmd.AddCommand(
		serveCmd(v, &configFile),
		configCmd(v, &configFile),
		versionCmd(),
	)
	return cmd
}

func loadConfig(v *viper.Viper, file string) (*config.Config, error) {
	cfg, err := config.Load(v, file)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
