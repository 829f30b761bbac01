package workflow

import (
	"fmt"

	"github.com/lanternlabs/lantern/internal/ws"
)

// Notification types carried in workflow_notification metadata.
const (
	NotifyStarted       = "started"
	NotifyCompleted     = "completed"
	NotifyFailed        = "failed"
	NotifyStepCompleted = "stepCompleted"
)

// Notifier maps workflow lifecycle events to broadcast envelopes,
// respecting the workflow's per-event preferences. No retry; a dropped
// envelope is acceptable.
type Notifier struct {
	broadcast func(ws.Envelope)
}

// NewNotifier wires the notifier to a broadcast sink.
func NewNotifier(broadcast func(ws.Envelope)) *Notifier {
	return &Notifier{broadcast: broadcast}
}

// Started announces an execution starting.
func (n *Notifier) Started(def *Definition, exec *Execution) {
	if !def.NotificationPrefs.OnStart {
		return
	}
	n.send(def, exec, NotifyStarted, def.Name, fmt.Sprintf("Workflow %q started", def.Name))
}

// Completed announces a successful terminal state.
func (n *Notifier) Completed(def *Definition, exec *Execution) {
	if !def.NotificationPrefs.OnComplete {
		return
	}
	n.send(def, exec, NotifyCompleted, def.Name, fmt.Sprintf("Workflow %q completed", def.Name))
}

// Failed announces a failed terminal state.
func (n *Notifier) Failed(def *Definition, exec *Execution, reason string) {
	if !def.NotificationPrefs.OnFailure {
		return
	}
	n.send(def, exec, NotifyFailed, def.Name, fmt.Sprintf("Workflow %q failed: %s", def.Name, reason))
}

// StepCompleted announces one step finishing successfully.
func (n *Notifier) StepCompleted(def *Definition, exec *Execution, step *StepResult) {
	if !def.NotificationPrefs.OnStepComplete {
		return
	}
	n.send(def, exec, NotifyStepCompleted, def.Name,
		fmt.Sprintf("Step %q completed in workflow %q", step.StepName, def.Name))
}

func (n *Notifier) send(def *Definition, exec *Execution, kind, title, body string) {
	n.broadcast(ws.Envelope{
		Type:    ws.TypeWorkflowNotification,
		Content: body,
		Metadata: map[string]any{
			"title":            title,
			"body":             body,
			"workflowId":       def.ID,
			"executionId":      exec.ID,
			"notificationType": kind,
		},
	})
}
