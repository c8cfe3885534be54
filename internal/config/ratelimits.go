package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// CategoryLimit configures one rate-limit bucket category. Period is a
// wall-clock window name; buckets reset on the window boundary.
type CategoryLimit struct {
	Limit  int64  `yaml:"limit"`
	Period string `yaml:"period"`
}

// RateLimits maps category name to its limit configuration.
type RateLimits map[string]CategoryLimit

// defaultRateLimits matches the documented per-user daily quotas.
var defaultRateLimits = RateLimits{
	"generate_concept": {Limit: 10, Period: "day"},
	"refine_concept":   {Limit: 20, Period: "day"},
	"store_concept":    {Limit: 50, Period: "day"},
	"get_concepts":     {Limit: 500, Period: "day"},
	"export_action":    {Limit: 100, Period: "day"},
	"auth_sessions":    {Limit: 50, Period: "day"},
}

// LoadRateLimits reads category limits from the YAML file at path, merging
// over the embedded defaults. An empty path returns the defaults.
func LoadRateLimits(path string) (RateLimits, error) {
	out := make(RateLimits, len(defaultRateLimits))
	for k, v := range defaultRateLimits {
		out[k] = v
	}
	if path == "" {
		return out, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadRateLimits: %w", err)
	}
	var file struct {
		Categories RateLimits `yaml:"categories"`
	}
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("op=config.LoadRateLimits: %w", err)
	}
	for k, v := range file.Categories {
		if v.Limit <= 0 {
			return nil, fmt.Errorf("op=config.LoadRateLimits: category %q: limit must be positive", k)
		}
		if v.Period == "" {
			v.Period = "day"
		}
		out[k] = v
	}
	return out, nil
}
