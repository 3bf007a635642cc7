package schema

import "sort"

// WorkflowStatus represents the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft  WorkflowStatus = "draft"
	WorkflowStatusActive WorkflowStatus = "active"
	WorkflowStatusPaused WorkflowStatus = "paused"
)

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeTrigger  StepType = "trigger"
	StepTypeAction   StepType = "action"
	StepTypeDecision StepType = "decision"
	StepTypeEnd      StepType = "end"
)

// AssigneeType says whether a step is worked by a human or a digital worker.
type AssigneeType string

const (
	AssigneeHuman AssigneeType = "human"
	AssigneeAgent AssigneeType = "agent"
)

// Workflow is a compiled business process: an ordered list of steps with a
// lifecycle status. Owned by the repository; the engine only reads it and
// writes status transitions back on explicit activation.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Steps       []Step         `json:"steps"`
	Status      WorkflowStatus `json:"status"`
	Stakeholder string         `json:"stakeholder,omitempty"`
}

// Step is a single unit of the process.
type Step struct {
	ID           string       `json:"id"`
	Label        string       `json:"label"`
	Type         StepType     `json:"type"`
	Order        int          `json:"order"`
	Assignment   Assignment   `json:"assignment"`
	Requirements Requirements `json:"requirements,omitempty"`
}

// Assignment names who works a step.
type Assignment struct {
	Type      AssigneeType `json:"type"`
	AgentName string       `json:"agent_name,omitempty"`
}

// Requirements describes what a step needs to run automatically.
type Requirements struct {
	Text         string       `json:"text,omitempty"`
	Blueprint    Blueprint    `json:"blueprint,omitempty"`
	Integrations Integrations `json:"integrations,omitempty"`
}

// Blueprint is a step's declared allow/deny action lists, constraining what
// the decision service may choose.
type Blueprint struct {
	GreenList []string `json:"green_list,omitempty"`
	RedList   []string `json:"red_list,omitempty"`
}

// Empty reports whether the blueprint declares no constraints at all.
func (b Blueprint) Empty() bool {
	return len(b.GreenList) == 0 && len(b.RedList) == 0
}

// Integrations holds the external integration availability flags for a step.
type Integrations struct {
	Gmail bool `json:"gmail,omitempty"`
}

// OrderedSteps returns the workflow's steps sorted by ascending Order.
// The returned slice is a copy; the workflow is not mutated.
func (w *Workflow) OrderedSteps() []Step {
	steps := make([]Step, len(w.Steps))
	copy(steps, w.Steps)
	sort.Slice(steps, func(i, j int) bool {
		return steps[i].Order < steps[j].Order
	})
	return steps
}
