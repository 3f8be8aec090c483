// Package workflow drives multi-step remediation playbooks: sequential steps
// with approval gates, conditional branching, parallel fan-out, retries, and
// compensating rollback on failure. Runs suspend on approval steps and resume
// from external decision calls rather than blocking a goroutine.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StepType identifies what a workflow step does.
type StepType string

const (
	StepTypeAction       StepType = "action"
	StepTypeApproval     StepType = "approval"
	StepTypeCondition    StepType = "condition"
	StepTypeParallel     StepType = "parallel"
	StepTypeNotification StepType = "notification"
)

// FailurePolicy controls what happens when a step fails.
type FailurePolicy string

const (
	FailStop     FailurePolicy = "stop"
	FailContinue FailurePolicy = "continue"
	FailRollback FailurePolicy = "rollback"
)

// Definition is a declarative, versioned playbook.
type Definition struct {
	ID                string        `yaml:"id" json:"id"`
	Name              string        `yaml:"name" json:"name"`
	Description       string        `yaml:"description" json:"description"`
	Version           int           `yaml:"version" json:"version"`
	Steps             []Step        `yaml:"steps" json:"steps"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
	RollbackOnFailure bool          `yaml:"rollback_on_failure" json:"rollback_on_failure"`
}

// Step is one unit of a definition. Exactly one of the config pointers must
// be set, matching Type.
type Step struct {
	ID           string              `yaml:"id" json:"id"`
	Name         string              `yaml:"name" json:"name"`
	Type         StepType            `yaml:"type" json:"type"`
	Action       *ActionConfig       `yaml:"action,omitempty" json:"action,omitempty"`
	Approval     *ApprovalConfig     `yaml:"approval,omitempty" json:"approval,omitempty"`
	Condition    *ConditionConfig    `yaml:"condition,omitempty" json:"condition,omitempty"`
	Parallel     *ParallelConfig     `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	Notification *NotificationConfig `yaml:"notification,omitempty" json:"notification,omitempty"`
	Timeout      time.Duration       `yaml:"timeout" json:"timeout"`
	RetryCount   int                 `yaml:"retry_count" json:"retry_count"`
	OnFailure    FailurePolicy       `yaml:"on_failure" json:"on_failure"`
}

// ActionConfig configures an action step.
type ActionConfig struct {
	ActionType       string                 `yaml:"action_type" json:"action_type"`
	Target           string                 `yaml:"target" json:"target"`
	Parameters       map[string]interface{} `yaml:"parameters" json:"parameters"`
	Provider         string                 `yaml:"provider,omitempty" json:"provider,omitempty"`
	RequiresApproval bool                   `yaml:"requires_approval" json:"requires_approval"`
	BlastRadius      string                 `yaml:"blast_radius,omitempty" json:"blast_radius,omitempty"`
	TargetFrom       string                 `yaml:"target_from,omitempty" json:"target_from,omitempty"`
	RollbackTTL      time.Duration          `yaml:"rollback_ttl,omitempty" json:"rollback_ttl,omitempty"`
}

// ApprovalConfig configures an approval gate.
type ApprovalConfig struct {
	ApproverRole string        `yaml:"approver_role" json:"approver_role"`
	Required     int           `yaml:"required" json:"required"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	Message      string        `yaml:"message" json:"message"`
	EscalateTo   string        `yaml:"escalate_to,omitempty" json:"escalate_to,omitempty"`
}

// ConditionConfig configures a branch point. The expression is evaluated
// against the run's context map; TrueStep/FalseStep name the step id to
// continue from. An empty branch id means "the next step in order".
type ConditionConfig struct {
	Expression string `yaml:"expression" json:"expression"`
	TrueStep   string `yaml:"true_step,omitempty" json:"true_step,omitempty"`
	FalseStep  string `yaml:"false_step,omitempty" json:"false_step,omitempty"`
}

// ParallelConfig configures concurrent fan-out. Branch steps run at the same
// time; the parent step waits for all of them or its own timeout.
type ParallelConfig struct {
	Steps []Step `yaml:"steps" json:"steps"`
}

// NotificationConfig configures a best-effort notification step.
type NotificationConfig struct {
	Subject    string   `yaml:"subject" json:"subject"`
	Message    string   `yaml:"message" json:"message"`
	Priority   string   `yaml:"priority,omitempty" json:"priority,omitempty"`
	Recipients []string `yaml:"recipients,omitempty" json:"recipients,omitempty"`
}

// Validate checks structural consistency of a definition.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("workflow definition missing id")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %s has no steps", d.ID)
	}

	seen := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.ID == "" {
			return fmt.Errorf("workflow %s: step %d missing id", d.ID, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("workflow %s: duplicate step id %q", d.ID, s.ID)
		}
		seen[s.ID] = true
		if err := s.validate(d.ID); err != nil {
			return err
		}
	}

	// Condition branches must name real steps.
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.Type != StepTypeCondition {
			continue
		}
		for _, branch := range []string{s.Condition.TrueStep, s.Condition.FalseStep} {
			if branch != "" && !seen[branch] {
				return fmt.Errorf("workflow %s: step %s branches to unknown step %q", d.ID, s.ID, branch)
			}
		}
	}
	return nil
}

func (s *Step) validate(workflowID string) error {
	switch s.OnFailure {
	case "", FailStop, FailContinue, FailRollback:
	default:
		return fmt.Errorf("workflow %s: step %s has unknown failure policy %q", workflowID, s.ID, s.OnFailure)
	}
	if s.RetryCount < 0 {
		return fmt.Errorf("workflow %s: step %s has negative retry count", workflowID, s.ID)
	}

	switch s.Type {
	case StepTypeAction:
		if s.Action == nil {
			return fmt.Errorf("workflow %s: action step %s missing action config", workflowID, s.ID)
		}
		if s.Action.ActionType == "" {
			return fmt.Errorf("workflow %s: step %s missing action_type", workflowID, s.ID)
		}
	case StepTypeApproval:
		if s.Approval == nil {
			return fmt.Errorf("workflow %s: approval step %s missing approval config", workflowID, s.ID)
		}
		if s.Approval.ApproverRole == "" {
			return fmt.Errorf("workflow %s: step %s missing approver_role", workflowID, s.ID)
		}
	case StepTypeCondition:
		if s.Condition == nil || s.Condition.Expression == "" {
			return fmt.Errorf("workflow %s: condition step %s missing expression", workflowID, s.ID)
		}
	case StepTypeParallel:
		if s.Parallel == nil || len(s.Parallel.Steps) == 0 {
			return fmt.Errorf("workflow %s: parallel step %s has no branch steps", workflowID, s.ID)
		}
		for i := range s.Parallel.Steps {
			b := &s.Parallel.Steps[i]
			if b.Type == StepTypeApproval || b.Type == StepTypeParallel {
				return fmt.Errorf("workflow %s: parallel step %s branch %s has unsupported type %s", workflowID, s.ID, b.ID, b.Type)
			}
			if err := b.validate(workflowID); err != nil {
				return err
			}
		}
	case StepTypeNotification:
		if s.Notification == nil {
			return fmt.Errorf("workflow %s: notification step %s missing notification config", workflowID, s.ID)
		}
	default:
		return fmt.Errorf("workflow %s: step %s has unknown type %q", workflowID, s.ID, s.Type)
	}
	return nil
}

// Policy returns the step's failure policy with the stop default applied.
func (s *Step) Policy() FailurePolicy {
	if s.OnFailure == "" {
		return FailStop
	}
	return s.OnFailure
}

// StepIndex returns the position of a step id, or -1.
func (d *Definition) StepIndex(stepID string) int {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// LoadDefinition parses one YAML definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return ParseDefinition(data)
}

// ParseDefinition parses YAML definition bytes.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse workflow definition: %w", err)
	}
	if def.Version == 0 {
		def.Version = 1
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinitionDir loads every .yaml/.yml definition in a directory.
func LoadDefinitionDir(dir string) ([]*Definition, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow directory: %w", err)
	}

	var defs []*Definition
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := LoadDefinition(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}
