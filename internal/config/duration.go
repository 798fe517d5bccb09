package config

import (
    "fmt"
    "strings"
    "time"

    "gopkg.in/yaml.v3"
)

// Duration parses Go duration strings ("60s", "5m") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
    s := strings.TrimSpace(value.Value)
    if s == "" {
        *d = 0
        return nil
    }
    parsed, err := time.ParseDuration(s)
    if err != nil {
        return fmt.Errorf("invalid duration %q: %w", value.Value, err)
    }
    if parsed < 0 {
        return fmt.Errorf("duration %q must be >= 0", value.Value)
    }
    *d = Duration(parsed)
    return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }
