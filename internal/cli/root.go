// Package cli implements the arena command line: one-shot broadcasts with an optional judge pass,
// and catalog inspection.
package cli

import (
	"github.com/nadmax/nexarena/internal/config"
	"github.com/nadmax/nexarena/internal/logging"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type options struct {
	cfgFile  string
	logLevel string
}

func (o *options) load() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return nil, nil, err
	}

	level := cfg.Log.Level
	if o.logLevel != "" {
		level = o.logLevel
	}
	log, err := logging.New(level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}

	return cfg, log, nil
}

func NewRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "arena",
		Short:         "Compare LLM backends side by side",
		Long:          `Broadcast one prompt to several model backends at once, compare their latency and throughput, and let a judge model score the answers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default is ./config.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level")

	root.AddCommand(newAskCmd(opts), newModelsCmd(opts))
	return root
}

// Execute executes the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
