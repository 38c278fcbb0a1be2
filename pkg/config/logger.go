package config

import (
	"github.com/treeverse/srcprep/pkg/logging"
)

const (
	DefaultLoggingFormat = "text"
	DefaultLoggingLevel  = "INFO"
	DefaultLoggingOutput = "-"
)

func setupLogger(format, level string, outputs []string, fileMaxSizeMB, filesKeep int) error {
	// set output format
	logging.SetOutputFormat(format)

	// set outputs
	if len(outputs) == 0 {
		outputs = []string{DefaultLoggingOutput}
	}
	if err := logging.SetOutputs(outputs, fileMaxSizeMB, filesKeep); err != nil {
		return err
	}

	// set level
	return logging.SetLevel(level)
}
