// Package workflow defines, persists, and executes automation workflows.
package workflow

import "time"

// Trigger types.
const (
	TriggerCron  = "cron"
	TriggerEvent = "event"
)

// Trigger is a tagged union: a cron expression or an event-bus key with an
// optional payload filter.
type Trigger struct {
	Type       string            `json:"type"`
	Expression string            `json:"expression,omitempty"`
	Source     string            `json:"source,omitempty"`
	EventType  string            `json:"eventType,omitempty"`
	Filter     map[string]string `json:"filter,omitempty"`
}

// Input value types.
const (
	InputLiteral  = "literal"
	InputVariable = "variable"
)

// InputValue is a tagged union: a literal string or a reference into a
// predecessor step's output by dot-separated JSON path.
type InputValue struct {
	Type   string `json:"type"`
	Value  string `json:"value,omitempty"`
	StepID string `json:"stepId,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Error policies for a step.
const (
	OnErrorStop  = "stop"
	OnErrorSkip  = "skip"
	OnErrorRetry = "retry"
)

// Step is one tool invocation inside a workflow.
type Step struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	ToolName   string                `json:"toolName"`
	ServerName string                `json:"serverName,omitempty"`
	Inputs     map[string]InputValue `json:"inputTemplate,omitempty"`
	DependsOn  []string              `json:"dependsOn,omitempty"`
	OnError    string                `json:"onError,omitempty"`
}

// NotificationPrefs selects which lifecycle events broadcast a
// workflow_notification envelope.
type NotificationPrefs struct {
	OnStart        bool `json:"onStart"`
	OnComplete     bool `json:"onComplete"`
	OnFailure      bool `json:"onFailure"`
	OnStepComplete bool `json:"onStepComplete"`
}

// Definition is a stored workflow.
type Definition struct {
	ID                string            `json:"id"`
	Name              string            `json:"name"`
	Description       string            `json:"description,omitempty"`
	Enabled           bool              `json:"enabled"`
	Trigger           Trigger           `json:"trigger"`
	Steps             []Step            `json:"steps"`
	NotificationPrefs NotificationPrefs `json:"notificationPrefs"`
	CreatedAt         time.Time         `json:"created"`
	UpdatedAt         time.Time         `json:"updated"`
}

// ExecStatus is the lifecycle status of a whole execution.
type ExecStatus string

const (
	ExecPending   ExecStatus = "pending"
	ExecRunning   ExecStatus = "running"
	ExecCompleted ExecStatus = "completed"
	ExecFailed    ExecStatus = "failed"
	ExecCancelled ExecStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ExecStatus) Terminal() bool {
	return s == ExecCompleted || s == ExecFailed || s == ExecCancelled
}

// StepStatus is the lifecycle status of one step inside an execution.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepSuccess StepStatus = "success"
	StepError   StepStatus = "error"
	StepSkipped StepStatus = "skipped"
)

// StepResult records one step's outcome within an execution.
type StepResult struct {
	StepID      string     `json:"stepId"`
	StepName    string     `json:"stepName"`
	Status      StepStatus `json:"status"`
	Output      string     `json:"output,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Execution is one run of a workflow.
type Execution struct {
	ID           string       `json:"id"`
	WorkflowID   string       `json:"workflowId"`
	WorkflowName string       `json:"workflowName"`
	Status       ExecStatus   `json:"status"`
	StartedAt    time.Time    `json:"startedAt"`
	CompletedAt  *time.Time   `json:"completedAt,omitempty"`
	TriggerInfo  string       `json:"triggerInfo"`
	StepResults  []StepResult `json:"stepResults"`
}

// Summary joins a definition with its latest execution for list views.
type Summary struct {
	Definition
	LastExecution *Execution `json:"lastExecution,omitempty"`
}
