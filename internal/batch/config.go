package batch

import (
	"fmt"

	"github.com/hochfrequenz/cellrun/internal/config"
)

// Schedule triggers a run-all of the session notebook on a cron expression
type Schedule struct {
	Name string
	Cron string
}

// Validate checks if the schedule is usable
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if s.Cron == "" {
		return fmt.Errorf("cron expression is required")
	}
	if _, err := ParseCron(s.Cron); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}
	return nil
}

// FromConfig converts the [[schedule]] tables of the app config
func FromConfig(cfgs []config.ScheduleConfig) ([]Schedule, error) {
	out := make([]Schedule, 0, len(cfgs))
	seen := make(map[string]bool, len(cfgs))
	for i, c := range cfgs {
		s := Schedule{Name: c.Name, Cron: c.Cron}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("schedule %d: %w", i, err)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("schedule %d: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
		out = append(out, s)
	}
	return out, nil
}
