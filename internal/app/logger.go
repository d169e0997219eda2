package app

import (
	"strings"

	"github.com/charlesng35/imrelay/pkg/logger"
)

// ConfigureLogging initialises the global logger from the log section, defaulting to info.
func ConfigureLogging(cfg LogConfig) error {
	level := strings.TrimSpace(cfg.Level)
	if level == "" {
		level = "info"
	}
	return logger.Init(level, cfg.Encoding)
}
