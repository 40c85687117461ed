// Scheduled chaos scenarios switched on and off by elapsed run time
// Parses time offsets, finds active windows, and drives mode transitions
package sim

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/andrewh/shopsim/pkg/chaos"
)

// Scenario is a resolved window during which a set of chaos modes is on.
type Scenario struct {
	Name  string
	Start time.Duration
	End   time.Duration
	Modes []chaos.Mode
}

// ParseOffset parses a time offset string like "+5m" or "30s" into a duration.
func ParseOffset(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("offset cannot be empty")
	}
	s = strings.TrimPrefix(s, "+")
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("offset %q must not be negative", s)
	}
	return d, nil
}

// BuildScenarios converts scenario configs into resolved Scenarios.
func BuildScenarios(cfgs []ScenarioConfig) ([]Scenario, error) {
	scenarios := make([]Scenario, 0, len(cfgs))
	for _, cfg := range cfgs {
		start, err := ParseOffset(cfg.At)
		if err != nil {
			return nil, fmt.Errorf("scenario %q: invalid at: %w", cfg.Name, err)
		}
		dur, err := time.ParseDuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("scenario %q: invalid duration: %w", cfg.Name, err)
		}
		if dur <= 0 {
			return nil, fmt.Errorf("scenario %q: duration must be positive", cfg.Name)
		}
		if len(cfg.Modes) == 0 {
			return nil, fmt.Errorf("scenario %q: at least one mode is required", cfg.Name)
		}

		modes := make([]chaos.Mode, 0, len(cfg.Modes))
		for _, name := range cfg.Modes {
			m, err := chaos.ParseMode(name)
			if err != nil {
				return nil, fmt.Errorf("scenario %q: %w", cfg.Name, err)
			}
			if !slices.Contains(modes, m) {
				modes = append(modes, m)
			}
		}

		scenarios = append(scenarios, Scenario{
			Name:  cfg.Name,
			Start: start,
			End:   start + dur,
			Modes: modes,
		})
	}
	return scenarios, nil
}

// ActiveScenarios returns scenarios whose window contains the given elapsed time.
func ActiveScenarios(scenarios []Scenario, elapsed time.Duration) []Scenario {
	var active []Scenario
	for i := range scenarios {
		if elapsed >= scenarios[i].Start && elapsed < scenarios[i].End {
			active = append(active, scenarios[i])
		}
	}
	return active
}

// scheduler tracks which modes scenarios currently hold on, so it only
// writes the switchboard at window boundaries. Modes toggled by hand in the
// meantime are left alone until the next boundary for that mode.
type scheduler struct {
	scenarios []Scenario
	held      map[chaos.Mode]bool
}

func newScheduler(scenarios []Scenario) *scheduler {
	return &scheduler{scenarios: scenarios, held: make(map[chaos.Mode]bool)}
}

// transition describes one switchboard write made by the scheduler.
type transition struct {
	Mode    chaos.Mode
	Enabled bool
}

// apply writes mode changes for the given elapsed time and returns them.
func (s *scheduler) apply(state *chaos.State, elapsed time.Duration) ([]transition, error) {
	if len(s.scenarios) == 0 {
		return nil, nil
	}

	want := make(map[chaos.Mode]bool)
	for _, sc := range ActiveScenarios(s.scenarios, elapsed) {
		for _, m := range sc.Modes {
			want[m] = true
		}
	}

	var changes []transition
	for _, m := range chaos.Modes() {
		if want[m] == s.held[m] {
			continue
		}
		if _, err := state.Set(string(m), want[m]); err != nil {
			return changes, fmt.Errorf("scenario transition for %s: %w", m, err)
		}
		s.held[m] = want[m]
		changes = append(changes, transition{Mode: m, Enabled: want[m]})
	}
	return changes, nil
}
