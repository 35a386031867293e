package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/c360/hypernote/config"
)

// globalFlags are shared by every command
type globalFlags struct {
	configPaths []string
	envFiles    []string
	relays      []string
	secretKey   string
	logLevel    string
	logFormat   string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           appName,
		Short:         "Live-query documents and correlated function calls over relays",
		Long:          "hypernote binds document slots to live relay queries, triggers function calls from actions and republishes their results into the bound feeds.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringSliceVarP(&flags.configPaths, "config", "c", nil, "YAML configuration file; repeat to layer")
	pf.StringSliceVar(&flags.envFiles, "env-file", []string{".env"}, "dotenv files loaded before HYPERNOTE_* overrides")
	pf.StringSliceVar(&flags.relays, "relay", nil, "relay URL; repeat for several (overrides configuration)")
	pf.StringVar(&flags.secretKey, "secret-key", "", "hex secret key (overrides configuration)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format: json, text")

	rootCmd.AddCommand(
		newVersionCmd(),
		newKeygenCmd(),
		newServeCmd(flags),
		newCallCmd(flags),
		newRenderCmd(flags),
	)
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (%s)\n", appName, Version, BuildTime)
			return err
		},
	}
}

// load merges configuration files, the environment and command-line
// overrides, validates the result and installs the process logger
func (f *globalFlags) load(logOut io.Writer) (*config.Config, *slog.Logger, error) {
	loader := config.NewLoader()
	loader.SetEnvFiles(f.envFiles...)
	loader.EnableValidation(false)
	for _, path := range f.configPaths {
		loader.AddLayer(path)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}

	if len(f.relays) > 0 {
		cfg.Relays = f.relays
	}
	if f.secretKey != "" {
		cfg.SecretKey = f.secretKey
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger := setupLogger(logOut, cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
