// Package workflow loads and validates workflow definitions. A workflow is a
// named, ordered list of steps stored as YAML; validation happens at load
// time so a bad definition fails before any job starts.
package workflow

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/driftworks/relay/internal/errors"
	"github.com/driftworks/relay/internal/step"
)

// Workflow is an ordered list of steps executed sequentially per job.
type Workflow struct {
	Name  string      `yaml:"name"`
	Steps []step.Step `yaml:"steps"`
}

// Load reads and parses a workflow file, then validates it.
func Load(fs afero.Fs, path string) (*Workflow, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read workflow file %s", path)
	}
	return Parse(data)
}

// Parse decodes a YAML workflow definition and validates it.
func Parse(data []byte) (*Workflow, error) {
	var wf Workflow
	if err := yaml.Unmarshal(data, &wf); err != nil {
		return nil, errors.Wrap(err, "failed to parse workflow YAML")
	}
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	return &wf, nil
}

// Validate checks the workflow as a whole: it must have at least one step,
// step IDs must be unique when set, and every step must pass its own
// per-action validation.
func (w *Workflow) Validate() error {
	if len(w.Steps) == 0 {
		return errors.NewValidationError("workflow has no steps").
			WithField("steps")
	}

	seen := make(map[string]int, len(w.Steps))
	for i, s := range w.Steps {
		if id := strings.TrimSpace(s.ID); id != "" {
			if prev, ok := seen[id]; ok {
				return errors.NewValidationError(
					fmt.Sprintf("duplicate step id %q (steps %d and %d)", id, prev+1, i+1)).
					WithField("id").WithValue(id)
			}
			seen[id] = i
		}
		if err := step.Validate(s); err != nil {
			return errors.Wrapf(err, "step %d (%s)", i+1, w.stepLabel(s))
		}
	}
	return nil
}

// stepLabel names a step for error messages: its ID when set, else its action.
func (w *Workflow) stepLabel(s step.Step) string {
	if s.ID != "" {
		return s.ID
	}
	return s.Action
}
