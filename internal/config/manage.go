package config

import (
	"fmt"
	"sort"
)

// SetKey writes one non-secret key to the config file. Unknown or secret
// keys are rejected.
func SetKey(key, value string) error {
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			return fmt.Errorf("%s is a secret; set it via %s instead", key, s.env)
		}
		// Validate by round-tripping through the same parser Load uses.
		probe := defaults()
		applyString(&probe, s, value, "config key")
		return newFileBackend(configFilePath()).Set(key, value)
	}
	return fmt.Errorf("unknown config key %q", key)
}

// GetKey reads one key's effective value (defaults + file + env). Secrets
// are redacted.
func GetKey(key string) (string, error) {
	cfg, err := Load()
	if err != nil {
		return "", err
	}
	for _, s := range specs {
		if s.key != key {
			continue
		}
		if s.secret {
			if s.extract(cfg) != "" {
				return "(set)", nil
			}
			return "(unset)", nil
		}
		return fmt.Sprint(s.extract(cfg)), nil
	}
	return "", fmt.Errorf("unknown config key %q", key)
}

// List returns every effective key=value pair, sorted by key, secrets
// redacted.
func List() ([]string, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range specs {
		val := fmt.Sprint(s.extract(cfg))
		if s.secret {
			val = "(unset)"
			if s.extract(cfg) != "" {
				val = "(set)"
			}
		}
		out = append(out, fmt.Sprintf("%s=%s", s.key, val))
	}
	sort.Strings(out)
	return out, nil
}
