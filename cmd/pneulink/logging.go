package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/srg/pneulink/pkg/config"
)

// cliLevels are the values accepted by --log-level.
var cliLevels = map[string]logrus.Level{
	"debug": logrus.DebugLevel,
	"info":  logrus.InfoLevel,
	"warn":  logrus.WarnLevel,
	"error": logrus.ErrorLevel,
}

// configureLogger builds the command logger from cfg.
// --log-level overrides log_level from the config file, --verbose means debug
// unless --log-level is also given. Logs go to the command's stderr.
func configureLogger(cmd *cobra.Command, cfg *config.Config) (*logrus.Logger, error) {
	if name, _ := cmd.Flags().GetString("log-level"); name != "" {
		if _, ok := cliLevels[name]; !ok {
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", name)
		}
		cfg.LogLevel = name
	} else if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.LogLevel = logrus.DebugLevel.String()
	}

	logger := cfg.NewLogger()
	logger.SetOutput(cmd.ErrOrStderr())
	return logger, nil
}
