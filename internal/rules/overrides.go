package rules

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tbourn/notify-gate/internal/domain"
)

// Override adjusts the tunable limits of one message type. Nil fields keep
// the built-in value.
type Override struct {
	DailyCap    *int    `yaml:"daily_cap"`
	Cooldown    *string `yaml:"cooldown"`
	MaxAttempts *int    `yaml:"max_attempts"`
}

// Overrides is the document shape of RULES_FILE:
//
//	rules:
//	  pickup_reminder:
//	    daily_cap: 1
//	    cooldown: 48h
type Overrides struct {
	Rules map[string]Override `yaml:"rules"`
}

// LoadOverrides reads a YAML overrides file.
func LoadOverrides(path string) (Overrides, error) {
	// #nosec G304 -- path comes from operator configuration.
	data, err := os.ReadFile(path)
	if err != nil {
		return Overrides{}, err
	}
	return ParseOverrides(data)
}

// ParseOverrides decodes a YAML overrides document.
func ParseOverrides(data []byte) (Overrides, error) {
	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return Overrides{}, fmt.Errorf("parse rule overrides: %w", err)
	}
	return o, nil
}

// WithOverrides returns a copy of c with o applied. Unknown types and
// negative values are rejected.
func (c Catalog) WithOverrides(o Overrides) (Catalog, error) {
	out := c.clone()
	for name, ov := range o.Rules {
		t := domain.ParseMessageType(name)
		def, ok := out[t]
		if !ok {
			return nil, fmt.Errorf("rule overrides: unknown message type %q", name)
		}
		if ov.DailyCap != nil {
			if *ov.DailyCap < 0 {
				return nil, fmt.Errorf("rule overrides: %s: daily_cap must be >= 0", t)
			}
			def.DailyCap = *ov.DailyCap
		}
		if ov.Cooldown != nil {
			d, err := time.ParseDuration(*ov.Cooldown)
			if err != nil || d < 0 {
				return nil, fmt.Errorf("rule overrides: %s: invalid cooldown %q", t, *ov.Cooldown)
			}
			def.Cooldown = d
		}
		if ov.MaxAttempts != nil {
			if *ov.MaxAttempts < 0 {
				return nil, fmt.Errorf("rule overrides: %s: max_attempts must be >= 0", t)
			}
			def.MaxAttempts = *ov.MaxAttempts
		}
		out[t] = def
	}
	return out, nil
}
