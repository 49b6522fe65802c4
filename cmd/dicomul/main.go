// Command dicomul is a DICOM verification tool: "echo" sends C-ECHO
// requests and "serve" runs a verification SCP.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/caio-sobreiro/dicomul/config"
	"github.com/spf13/cobra"
)

// app carries the state shared by all subcommands.
type app struct {
	configPath string
	logLevel   string
	logFormat  string

	cfg    config.Config
	logger *slog.Logger
	close  func() error
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "dicomul",
		Short:         "DICOM upper layer tool",
		Long:          "dicomul opens and accepts DICOM associations and exchanges verification requests.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if a.close != nil {
				return a.close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "TOML configuration file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug|info|warn|error (overrides config)")
	root.PersistentFlags().StringVar(&a.logFormat, "log-format", "", "log format: text|json (overrides config)")

	root.AddCommand(newEchoCmd(a))
	root.AddCommand(newServeCmd(a))
	return root
}

// setup loads the configuration and installs the logger.
func (a *app) setup() error {
	cfg := config.Default()
	if a.configPath != "" {
		var err error
		if cfg, err = config.Load(a.configPath); err != nil {
			return err
		}
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Logging.Format = a.logFormat
	}

	logger, closer, err := newLogger(cfg.Logging, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	a.cfg = cfg
	a.logger = logger
	a.close = closer
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dicomul: %v\n", err)
		os.Exit(1)
	}
}
