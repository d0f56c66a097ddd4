// Package trainmode maps a job's configured training mode to its trial
// budget.
package trainmode

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeMinimal     Mode = "minimal"
	ModeQuick       Mode = "quick"
	ModePerformance Mode = "performance"
)

// Policy holds the mode to max-trials table. The budget is fixed at job
// creation; later policy changes never affect running jobs.
type Policy struct {
	maxTrials map[Mode]int
}

// Default returns the built-in trial budgets.
func Default() Policy {
	return Policy{maxTrials: map[Mode]int{
		ModeMinimal:     5,
		ModeQuick:       30,
		ModePerformance: 120,
	}}
}

type policyFile struct {
	Modes map[string]int `yaml:"modes"`
}

// Load reads budgets from a YAML file, overlaying the defaults. Unknown mode
// names and non-positive budgets are rejected.
func Load(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Policy, error) {
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Policy{}, fmt.Errorf("parse policy file: %w", err)
	}

	policy := Default()
	for name, budget := range file.Modes {
		mode := Mode(strings.ToLower(strings.TrimSpace(name)))
		if _, ok := policy.maxTrials[mode]; !ok {
			return Policy{}, fmt.Errorf("unknown training mode %q in policy file", name)
		}
		if budget < 1 {
			return Policy{}, fmt.Errorf("training mode %q budget must be >= 1, got %d", name, budget)
		}
		policy.maxTrials[mode] = budget
	}
	return policy, nil
}

// MaxTrials returns the trial budget for mode.
func (p Policy) MaxTrials(mode Mode) (int, error) {
	budget, ok := p.maxTrials[mode]
	if !ok {
		return 0, fmt.Errorf("unknown training mode %q", string(mode))
	}
	return budget, nil
}

// NormalizeMode maps a wire value to a known mode, or "" when unrecognized.
func (p Policy) NormalizeMode(value string) Mode {
	mode := Mode(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := p.maxTrials[mode]; !ok {
		return ""
	}
	return mode
}
