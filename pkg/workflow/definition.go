package workflow

import (
	"fmt"
	"time"

	"github.com/tombee/conductor/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Workflow is the immutable-once-published graph a run is instantiated
// from. Steps are addressed by their stable ID within the workflow.
type Workflow struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Version int    `yaml:"version" json:"version"`

	// Steps is the ordered list of step definitions. Order only affects
	// auto-generated IDs and diagnostics; graph traversal follows
	// Connections, not slice order.
	Steps []Step `yaml:"steps" json:"steps"`

	// RootTaskTitleTemplate renders the root task's title. It is a
	// text/template string evaluated against {input}.
	RootTaskTitleTemplate string `yaml:"rootTaskTitleTemplate,omitempty" json:"rootTaskTitleTemplate,omitempty"`
}

// StepByID returns the step with the given ID, or nil if absent.
func (w *Workflow) StepByID(id string) *Step {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i]
		}
	}
	return nil
}

// TriggerStep returns the workflow's unique entry step.
func (w *Workflow) TriggerStep() (*Step, error) {
	var found *Step
	for i := range w.Steps {
		if w.Steps[i].Kind == StepKindTrigger {
			if found != nil {
				return nil, &errors.ValidationError{
					Field:   "steps",
					Message: "workflow has more than one trigger step",
				}
			}
			found = &w.Steps[i]
		}
	}
	if found == nil {
		return nil, &errors.ValidationError{
			Field:      "steps",
			Message:    "workflow has no trigger step",
			Suggestion: "add exactly one step with type: trigger",
		}
	}
	return found, nil
}

// Connection is an outgoing edge from a step to a successor.
type Connection struct {
	TargetStepID string `yaml:"targetStepId" json:"targetStepId"`

	// Condition is an opaque expression evaluated against {input, output}
	// by the pluggable ConditionEvaluator. Empty means unconditional.
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	Label string `yaml:"label,omitempty" json:"label,omitempty"`
}

// Step is one node of the workflow graph.
type Step struct {
	ID   string   `yaml:"id" json:"id"`
	Kind StepKind `yaml:"type" json:"type"`

	Connections []Connection `yaml:"connections,omitempty" json:"connections,omitempty"`

	// DefaultConnection is used by decision steps when no condition
	// matches, and may be used by other kinds as the sole unconditional
	// successor when Connections carries only conditioned edges.
	DefaultConnection string `yaml:"defaultConnection,omitempty" json:"defaultConnection,omitempty"`

	TitleTemplate string   `yaml:"titleTemplate,omitempty" json:"titleTemplate,omitempty"`
	Assignee      string   `yaml:"assignee,omitempty" json:"assignee,omitempty"`
	Tags          []string `yaml:"tags,omitempty" json:"tags,omitempty"`

	Foreach  *ForeachConfig  `yaml:"foreach,omitempty" json:"foreach,omitempty"`
	Join     *JoinConfig     `yaml:"join,omitempty" json:"join,omitempty"`
	External *ExternalConfig `yaml:"external,omitempty" json:"external,omitempty"`
	Webhook  *WebhookConfig  `yaml:"webhook,omitempty" json:"webhook,omitempty"`
	Subflow  *SubflowConfig  `yaml:"subflow,omitempty" json:"subflow,omitempty"`
}

// ItemsSource selects where a foreach step's items come from.
type ItemsSource string

const (
	ItemsSourcePayload          ItemsSource = "payload"
	ItemsSourceExternalCallback ItemsSource = "external_callback"
)

// ForeachConfig configures a fan-out step.
type ForeachConfig struct {
	ItemsSource ItemsSource `yaml:"itemsSource" json:"itemsSource"`

	// ItemsPath extracts the item array from run input when
	// ItemsSource is payload, e.g. "$.docs". Evaluated with gojq.
	ItemsPath string `yaml:"itemsPath,omitempty" json:"itemsPath,omitempty"`

	// ExpectedCountPath names a path to an expected item count in run
	// input. The dispatcher does not read it: a payload-sourced batch is
	// sealed at the number of extracted items, and a callback-sourced
	// batch is sealed only by its callbacks.
	ExpectedCountPath string `yaml:"expectedCountPath,omitempty" json:"expectedCountPath,omitempty"`

	MaxItems int `yaml:"maxItems,omitempty" json:"maxItems,omitempty"`

	// SuccessorStepID is the step activated once per item.
	SuccessorStepID string `yaml:"successorStepId" json:"successorStepId"`
}

// JoinScope selects the counter source a join evaluates its boundary over.
type JoinScope string

const (
	JoinScopeChildren    JoinScope = "children"
	JoinScopeStepTasks   JoinScope = "step_tasks"
	JoinScopeDescendants JoinScope = "descendants"
)

// BoundaryConfig is the predicate that decides when a waiting fan-in step
// completes.
type BoundaryConfig struct {
	MinCount         int           `yaml:"minCount,omitempty" json:"minCount,omitempty"`
	MinPercent       float64       `yaml:"minPercent,omitempty" json:"minPercent,omitempty"`
	MaxWait          time.Duration `yaml:"maxWait,omitempty" json:"maxWait,omitempty"`
	FailOnTimeout    bool          `yaml:"failOnTimeout,omitempty" json:"failOnTimeout,omitempty"`
	MinSuccessPercent float64      `yaml:"minSuccessPercent,omitempty" json:"minSuccessPercent,omitempty"`
}

// JoinConfig configures a fan-in step.
type JoinConfig struct {
	AwaitStepID string    `yaml:"awaitStepId" json:"awaitStepId"`
	Scope       JoinScope `yaml:"scope" json:"scope"`
	Boundary    BoundaryConfig `yaml:"boundary,omitempty" json:"boundary,omitempty"`
}

// ExternalConfig configures a single- or multi-callback external step.
type ExternalConfig struct {
	ExpectedCallbacks int        `yaml:"expectedCallbacks,omitempty" json:"expectedCallbacks,omitempty"`
	TimeoutAt         *time.Time `yaml:"timeoutAt,omitempty" json:"timeoutAt,omitempty"`
}

// WebhookConfig configures an outbound HTTP call step.
type WebhookConfig struct {
	Method             string            `yaml:"method" json:"method"`
	URLTemplate        string            `yaml:"urlTemplate" json:"urlTemplate"`
	HeaderTemplates    map[string]string `yaml:"headerTemplates,omitempty" json:"headerTemplates,omitempty"`
	BodyTemplate       string            `yaml:"bodyTemplate,omitempty" json:"bodyTemplate,omitempty"`
	SuccessStatusCodes []int             `yaml:"successStatusCodes,omitempty" json:"successStatusCodes,omitempty"`
	MaxRetries         int               `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
}

// isSuccess reports whether statusCode counts as success: any 2xx when
// SuccessStatusCodes is empty, otherwise one of the listed codes.
func (w *WebhookConfig) isSuccess(statusCode int) bool {
	if len(w.SuccessStatusCodes) == 0 {
		return statusCode >= 200 && statusCode < 300
	}
	for _, code := range w.SuccessStatusCodes {
		if code == statusCode {
			return true
		}
	}
	return false
}

// SubflowConfig configures a nested-run step.
type SubflowConfig struct {
	WorkflowID    string         `yaml:"workflowId" json:"workflowId"`
	InputMapping  map[string]any `yaml:"inputMapping,omitempty" json:"inputMapping,omitempty"`
}

// ParseWorkflow parses a YAML-encoded workflow definition.
func ParseWorkflow(data []byte) (*Workflow, error) {
	var w Workflow
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, &errors.ValidationError{
			Field:   "workflow",
			Message: fmt.Sprintf("invalid workflow YAML: %s", err.Error()),
		}
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// Validate checks structural invariants of the workflow graph: unique
// step IDs, a single trigger, connections targeting known steps, and
// kind-specific required configuration.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "workflow name is required"}
	}
	if len(w.Steps) == 0 {
		return &errors.ValidationError{Field: "steps", Message: "workflow must have at least one step"}
	}

	seen := make(map[string]bool, len(w.Steps))
	triggers := 0
	for i := range w.Steps {
		s := &w.Steps[i]
		if s.ID == "" {
			return &errors.ValidationError{Field: "steps[].id", Message: "step id is required"}
		}
		if seen[s.ID] {
			return &errors.ValidationError{Field: "steps[].id", Message: fmt.Sprintf("duplicate step id %q", s.ID)}
		}
		seen[s.ID] = true
		if !s.Kind.IsValid() {
			return &errors.ValidationError{Field: "steps[].type", Message: fmt.Sprintf("unknown step type %q", s.Kind)}
		}
		if s.Kind == StepKindTrigger {
			triggers++
		}
		if err := s.validateKindConfig(); err != nil {
			return err
		}
	}
	if triggers != 1 {
		return &errors.ValidationError{
			Field:   "steps",
			Message: fmt.Sprintf("workflow must have exactly one trigger step, found %d", triggers),
		}
	}

	for i := range w.Steps {
		s := &w.Steps[i]
		for _, c := range s.Connections {
			if !seen[c.TargetStepID] {
				return &errors.ValidationError{
					Field:   "steps[].connections[].targetStepId",
					Message: fmt.Sprintf("step %q connects to unknown step %q", s.ID, c.TargetStepID),
				}
			}
		}
		if s.DefaultConnection != "" && !seen[s.DefaultConnection] {
			return &errors.ValidationError{
				Field:   "steps[].defaultConnection",
				Message: fmt.Sprintf("step %q default connection targets unknown step %q", s.ID, s.DefaultConnection),
			}
		}
	}

	return nil
}

func (s *Step) validateKindConfig() error {
	switch s.Kind {
	case StepKindForeach:
		if s.Foreach == nil {
			return &errors.ValidationError{Field: "steps[].foreach", Message: fmt.Sprintf("step %q is type foreach and requires a foreach config", s.ID)}
		}
		if s.Foreach.SuccessorStepID == "" {
			return &errors.ValidationError{Field: "steps[].foreach.successorStepId", Message: fmt.Sprintf("step %q foreach config requires successorStepId", s.ID)}
		}
		if s.Foreach.ItemsSource == ItemsSourcePayload && s.Foreach.ItemsPath == "" {
			return &errors.ValidationError{Field: "steps[].foreach.itemsPath", Message: fmt.Sprintf("step %q foreach with itemsSource=payload requires itemsPath", s.ID)}
		}
	case StepKindJoin:
		if s.Join == nil {
			return &errors.ValidationError{Field: "steps[].join", Message: fmt.Sprintf("step %q is type join and requires a join config", s.ID)}
		}
		if s.Join.AwaitStepID == "" {
			return &errors.ValidationError{Field: "steps[].join.awaitStepId", Message: fmt.Sprintf("step %q join config requires awaitStepId", s.ID)}
		}
	case StepKindWebhook:
		if s.Webhook == nil {
			return &errors.ValidationError{Field: "steps[].webhook", Message: fmt.Sprintf("step %q is type webhook and requires a webhook config", s.ID)}
		}
		if s.Webhook.URLTemplate == "" {
			return &errors.ValidationError{Field: "steps[].webhook.urlTemplate", Message: fmt.Sprintf("step %q webhook config requires urlTemplate", s.ID)}
		}
	case StepKindSubflow:
		if s.Subflow == nil || s.Subflow.WorkflowID == "" {
			return &errors.ValidationError{Field: "steps[].subflow.workflowId", Message: fmt.Sprintf("step %q is type subflow and requires subflow.workflowId", s.ID)}
		}
	case StepKindDecision:
		if s.DefaultConnection == "" && len(s.Connections) == 0 {
			return &errors.ValidationError{Field: "steps[].connections", Message: fmt.Sprintf("step %q is type decision and requires at least one connection or a default", s.ID)}
		}
	}
	return nil
}
