package main

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// logLevels maps the accepted --log-level values. Anything else is
// rejected so a typo fails loudly instead of silently logging nothing.
var logLevels = map[string]logrus.Level{
	"debug": logrus.DebugLevel,
	"info":  logrus.InfoLevel,
	"warn":  logrus.WarnLevel,
	"error": logrus.ErrorLevel,
}

// configureLogger builds the CLI logger from --log-level and the command's
// verbose flag. --log-level wins when both are set; with neither, the level
// stays at panic so command output is not interleaved with log lines.
func configureLogger(cmd *cobra.Command, verboseFlagName string) (*logrus.Logger, error) {
	level := logrus.PanicLevel

	if name, _ := cmd.Flags().GetString("log-level"); name != "" {
		l, ok := logLevels[name]
		if !ok {
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", name)
		}
		level = l
	} else if verbose, _ := cmd.Flags().GetBool(verboseFlagName); verbose {
		level = logrus.DebugLevel
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger, nil
}
