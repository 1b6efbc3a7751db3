package config

import (
	"fmt"
	"slices"

	"cobrowse/internal/logging"
)

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level" json:"level,omitempty" env:"LEVEL"`    // debug, info, warn, error
	Format     string          `yaml:"format" json:"format,omitempty" env:"FORMAT"` // json, console
	File       string          `yaml:"file" json:"file,omitempty" env:"FILE"`
	Categories map[string]bool `yaml:"categories" json:"categories,omitempty"` // Per-category toggles
}

// IsCategoryEnabled returns whether logging is enabled for a category.
// Categories not listed are enabled.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}

// Validate rejects unknown levels and formats.
func (c *LoggingConfig) Validate() error {
	if c.Level != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, c.Level) {
		return fmt.Errorf("invalid log level: %q", c.Level)
	}
	if c.Format != "" && !slices.Contains([]string{"json", "console"}, c.Format) {
		return fmt.Errorf("invalid log format: %q", c.Format)
	}
	return nil
}

// ToLogging converts to the logging package configuration.
func (c *LoggingConfig) ToLogging() logging.Config {
	return logging.Config{
		Level:      c.Level,
		Format:     c.Format,
		File:       c.File,
		Categories: c.Categories,
	}
}
