package workflow

import (
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/driftworks/relay/internal/errors"
)

const validWorkflow = `
name: feature-branch
steps:
  - id: make-branch
    action: branch
  - id: commit-work
    action: commit
    config:
      message: "relay: automated change"
  - id: push
    action: push
`

func TestParseValidWorkflow(t *testing.T) {
	wf, err := Parse([]byte(validWorkflow))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if wf.Name != "feature-branch" {
		t.Errorf("Name = %q", wf.Name)
	}
	if len(wf.Steps) != 3 {
		t.Fatalf("len(Steps) = %d, want 3", len(wf.Steps))
	}
	if wf.Steps[1].Config["message"] != "relay: automated change" {
		t.Errorf("commit message config = %q", wf.Steps[1].Config["message"])
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		wantText string
	}{
		{
			name:     "invalid yaml",
			yaml:     "steps: [",
			wantText: "failed to parse",
		},
		{
			name:     "no steps",
			yaml:     "name: empty\n",
			wantText: "no steps",
		},
		{
			name: "unknown action",
			yaml: `
steps:
  - id: bad
    action: deploy
`,
			wantText: "not found",
		},
		{
			name: "commit without message",
			yaml: `
steps:
  - id: commit-work
    action: commit
`,
			wantText: `config key "message"`,
		},
		{
			name: "duplicate step ids",
			yaml: `
steps:
  - id: push
    action: push
  - id: push
    action: push
`,
			wantText: "duplicate step id",
		},
		{
			name: "non-integer timeout",
			yaml: `
steps:
  - id: push
    action: push
    config:
      timeout_seconds: soon
`,
			wantText: "timeout_seconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() error = nil, want failure")
			}
			if !strings.Contains(err.Error(), tt.wantText) {
				t.Errorf("error %q does not contain %q", err.Error(), tt.wantText)
			}
		})
	}
}

func TestValidateNamesFailingStep(t *testing.T) {
	_, err := Parse([]byte(`
steps:
  - id: first
    action: push
  - id: broken
    action: worktree-remove
`))
	if err == nil {
		t.Fatal("Parse() error = nil, want failure")
	}
	// The error identifies which step failed, by position and ID.
	if !strings.Contains(err.Error(), "step 2 (broken)") {
		t.Errorf("error %q does not identify the failing step", err.Error())
	}
	var verr *errors.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("error type = %T, want wrapped *ValidationError", err)
	}
}

func TestLoad(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/workflows/feature.yaml", []byte(validWorkflow), 0o644); err != nil {
		t.Fatal(err)
	}

	wf, err := Load(fs, "/workflows/feature.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if wf.Name != "feature-branch" {
		t.Errorf("Name = %q", wf.Name)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(afero.NewMemMapFs(), "/nope.yaml")
	if err == nil {
		t.Fatal("Load() error = nil, want failure")
	}
	if !strings.Contains(err.Error(), "/nope.yaml") {
		t.Errorf("error %q does not name the file", err.Error())
	}
}
