package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// ParseWidgetJSON parses a widget initialisation object. Comments and
// trailing commas are allowed. Unset fields keep the values in base.
func ParseWidgetJSON(data []byte, base WidgetConfig) (WidgetConfig, error) {
	w := base
	if err := json.Unmarshal(jsonc.ToJSON(data), &w); err != nil {
		return WidgetConfig{}, fmt.Errorf("failed to parse widget config: %w", err)
	}
	return w, nil
}

// LoadWidgetJSON reads a widget initialisation file into c.
func (c *Config) LoadWidgetJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read widget config: %w", err)
	}
	w, err := ParseWidgetJSON(data, c.Widget)
	if err != nil {
		return err
	}
	c.ApplyWidget(w)
	return nil
}
