package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/kbukum/condflow/version"
)

type rootOptions struct {
	configFile string
	envFile    string
	logLevel   string
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "condflow",
		Short: "Run conditional pipelines of executable steps",
		Long: `condflow builds pipelines of executable steps from YAML definitions,
validates them up front and runs them with branches chosen at run time from
the JSON reports earlier steps produce.`,
		Version:       version.GetVersionInfo().String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	cmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "",
		"config file (default: ./condflow.yml or ./config.yml when present)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", ".env file to load before reading CONDFLOW_* variables")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level")

	cmd.AddCommand(
		newValidateCmd(opts),
		newRunCmd(opts),
		newServeCmd(opts),
	)
	return cmd
}
