package logger

import (
	"go.uber.org/zap"
)

// New builds a production logger at the given level. Logs go to stderr so
// stdout only carries the diagnostic lines of a run. encoding is "json"
// (the default when empty) or "console".
func New(verbosity string, encoding string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	level, err := zap.ParseAtomicLevel(verbosity)
	if err != nil {
		return nil, err
	}
	config.Level = level
	if encoding != "" {
		config.Encoding = encoding
	}
	if config.Encoding == "console" {
		config.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}
	return config.Build()
}
