package logging

import (
	"go.uber.org/zap"
)

// New builds the process-wide sugared logger. Debug mode uses the development
// config; otherwise production config at info level.
func New(debug bool) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
