package harness

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance scenario: a namespace, an ordered
// list of input events, and expectations about the state they leave
// behind.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description,omitempty"`

	// Ns is the namespace all steps run in.
	Ns string `yaml:"ns"`

	// Steps are executed in order through the real promoter; every
	// published delta is drained into the projection before the next
	// step runs.
	Steps []Step `yaml:"steps"`

	// VerifyReplay, when true, replays the delta log after the final
	// step and requires the replayed state hash to match the live
	// projection.
	VerifyReplay bool `yaml:"verify_replay,omitempty"`
}

// Step is one input event: exactly one of Propose or Admin is set.
type Step struct {
	Propose *ProposeStep `yaml:"propose,omitempty"`
	Admin   *AdminStep   `yaml:"admin,omitempty"`

	// Expect validates the promoter's result for this step. If nil the
	// step is assumed to settle terminally.
	Expect *Expect `yaml:"expect,omitempty"`
}

// ProposeStep submits a proposal event.
type ProposeStep struct {
	ProposalID string   `yaml:"proposal_id"`
	ItemID     string   `yaml:"item_id"`
	Ref        string   `yaml:"ref"`
	CI         string   `yaml:"ci,omitempty"`
	Title      string   `yaml:"title"`
	Content    string   `yaml:"content"`
	Labels     []string `yaml:"labels,omitempty"`
}

// AdminStep submits an admin override event.
type AdminStep struct {
	EventID         string `yaml:"event_id"`
	ItemID          string `yaml:"item_id"`
	Action          string `yaml:"action"` // create | update | delete
	Title           string `yaml:"title,omitempty"`
	Content         string `yaml:"content,omitempty"`
	UserID          string `yaml:"user_id"`
	Reason          string `yaml:"reason,omitempty"`
	ExpectedVersion *int64 `yaml:"expected_version,omitempty"`
}

// Expect specifies the expected promoter result for a step.
type Expect struct {
	// Outcome is the expected Outcome string: promoted, unchanged,
	// duplicate, skipped, conflict, invalid.
	Outcome string `yaml:"outcome"`

	// Version is the expected new version. Only checked when non-zero.
	Version int64 `yaml:"version,omitempty"`

	// Reason is the expected audit reason code. Only checked when set.
	Reason string `yaml:"reason,omitempty"`
}

// LoadScenario reads and validates a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if err := s.validate(); err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return &s, nil
}

func (s *Scenario) validate() error {
	if s.Name == "" {
		return fmt.Errorf("missing name")
	}
	if s.Ns == "" {
		return fmt.Errorf("missing ns")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("no steps")
	}
	for i, step := range s.Steps {
		switch {
		case step.Propose == nil && step.Admin == nil:
			return fmt.Errorf("step %d: neither propose nor admin", i)
		case step.Propose != nil && step.Admin != nil:
			return fmt.Errorf("step %d: both propose and admin", i)
		}
		if a := step.Admin; a != nil {
			switch a.Action {
			case "create", "update", "delete":
			default:
				return fmt.Errorf("step %d: bad admin action %q", i, a.Action)
			}
		}
	}
	return nil
}
