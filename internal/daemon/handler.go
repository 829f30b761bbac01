package daemon

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lanternlabs/lantern/internal/conversation"
	"github.com/lanternlabs/lantern/internal/logger"
	"github.com/lanternlabs/lantern/internal/schedule"
	"github.com/lanternlabs/lantern/internal/workflow"
	"github.com/lanternlabs/lantern/internal/ws"
)

// Error codes beyond the transport-level ones.
const (
	codeNotFound         = "NOT_FOUND"
	codeValidationFailed = "VALIDATION_FAILED"
)

// handle dispatches one inbound envelope. Replies echo the request's id
// so the client can correlate them.
func (d *Daemon) handle(client *ws.Client, env ws.Envelope) {
	switch env.Type {
	case ws.TypeUserMessage:
		d.handleUserMessage(client, env)
	case ws.TypeNewConversation:
		d.handleNewConversation(client, env)
	case ws.TypeLoadConversation:
		d.handleLoadConversation(client, env)
	case ws.TypeDeleteConversation:
		d.handleDeleteConversation(client, env)
	case ws.TypeListConversations:
		d.reply(client, env, ws.Envelope{
			Type:     ws.TypeConversationList,
			Metadata: map[string]any{"conversations": conversationSummaries(d.convs.List())},
		})
	case ws.TypeCreateWorkflow:
		d.handleCreateWorkflow(client, env)
	case ws.TypeUpdateWorkflow:
		d.handleUpdateWorkflow(client, env)
	case ws.TypeDeleteWorkflow:
		d.handleDeleteWorkflow(client, env)
	case ws.TypeListWorkflows:
		d.reply(client, env, ws.Envelope{
			Type:     ws.TypeWorkflowList,
			Metadata: map[string]any{"workflows": d.wfStore.ListAll()},
		})
	case ws.TypeGetWorkflow:
		d.handleGetWorkflow(client, env)
	case ws.TypeRunWorkflow:
		d.handleRunWorkflow(client, env)
	case ws.TypeCancelWorkflow:
		d.handleCancelWorkflow(client, env)
	case ws.TypeListExecutions:
		d.reply(client, env, ws.Envelope{
			Type:     ws.TypeExecutionList,
			Metadata: map[string]any{"executions": d.wfStore.ListExecutions(env.ID, 0)},
		})
	case ws.TypeGetExecution:
		d.handleGetExecution(client, env)
	case ws.TypeMCPToolsList:
		d.reply(client, env, ws.Envelope{
			Type: ws.TypeMCPToolsListResult,
			Metadata: map[string]any{
				"tools":   d.manager.ToolDefinitions(),
				"servers": d.manager.ActiveServerNames(),
			},
		})
	case ws.TypeParseSchedule:
		d.handleParseSchedule(client, env)
	case ws.TypeBuildWorkflow:
		d.handleBuildWorkflow(client, env)
	default:
		d.sendErr(client, env, ws.CodeInvalidMessage, "unknown envelope type: "+env.Type)
	}
}

func (d *Daemon) handleUserMessage(client *ws.Client, env ws.Envelope) {
	conversationID := env.ConversationID
	if conversationID == "" {
		conv, err := d.convs.New()
		if err != nil {
			d.sendErr(client, env, ws.CodeInvalidMessage, "create conversation: "+err.Error())
			return
		}
		conversationID = conv.ID
		d.hub.Broadcast(ws.Envelope{
			Type:           ws.TypeConversationCreated,
			ConversationID: conv.ID,
			Metadata:       conversationSummary(conv),
		})
	}

	// The turn runs in its own goroutine; the per-conversation lock inside
	// the engine serializes concurrent messages on the same conversation.
	go func() {
		if err := d.engine.HandleUserMessage(context.Background(), conversationID, env.Content); err != nil {
			logger.Warn("chat turn failed", "conversation", conversationID, "error", err)
		}
	}()
}

func (d *Daemon) handleNewConversation(client *ws.Client, env ws.Envelope) {
	conv, err := d.convs.New()
	if err != nil {
		d.sendErr(client, env, ws.CodeInvalidMessage, err.Error())
		return
	}
	d.reply(client, env, ws.Envelope{
		Type:           ws.TypeConversationCreated,
		ConversationID: conv.ID,
		Metadata:       conversationSummary(conv),
	})
}

func (d *Daemon) handleLoadConversation(client *ws.Client, env ws.Envelope) {
	conv, err := d.convs.Get(env.ConversationID)
	if err != nil {
		d.sendErr(client, env, codeNotFound, err.Error())
		return
	}
	d.reply(client, env, ws.Envelope{
		Type:           ws.TypeConversationLoaded,
		ConversationID: conv.ID,
		Metadata:       map[string]any{"conversation": conv},
	})
}

func (d *Daemon) handleDeleteConversation(client *ws.Client, env ws.Envelope) {
	if err := d.convs.Delete(env.ConversationID); err != nil {
		d.sendErr(client, env, codeNotFound, err.Error())
		return
	}
	d.reply(client, env, ws.Envelope{
		Type:           ws.TypeConversationDeleted,
		ConversationID: env.ConversationID,
	})
}

func (d *Daemon) handleCreateWorkflow(client *ws.Client, env ws.Envelope) {
	def, errs := d.builder.Build(json.RawMessage(env.Content))
	if len(errs) > 0 {
		d.sendValidationErr(client, env, errs)
		return
	}
	if err := d.wfStore.SaveDefinition(def); err != nil {
		d.sendErr(client, env, ws.CodeInvalidMessage, err.Error())
		return
	}
	d.registerTrigger(def)
	d.reply(client, env, ws.Envelope{
		Type:     ws.TypeWorkflowCreated,
		Metadata: map[string]any{"workflow": def},
	})
}

func (d *Daemon) handleUpdateWorkflow(client *ws.Client, env ws.Envelope) {
	existing, err := d.wfStore.GetDefinition(env.ID)
	if err != nil {
		d.sendErr(client, env, codeNotFound, err.Error())
		return
	}

	def, errs := d.builder.Build(json.RawMessage(env.Content))
	if len(errs) > 0 {
		d.sendValidationErr(client, env, errs)
		return
	}
	def.ID = existing.ID
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = time.Now().UTC()

	if err := d.wfStore.SaveDefinition(def); err != nil {
		d.sendErr(client, env, ws.CodeInvalidMessage, err.Error())
		return
	}
	d.registerTrigger(def)
	d.reply(client, env, ws.Envelope{
		Type:     ws.TypeWorkflowUpdated,
		Metadata: map[string]any{"workflow": def},
	})
}

func (d *Daemon) handleDeleteWorkflow(client *ws.Client, env ws.Envelope) {
	if err := d.wfStore.DeleteDefinition(env.ID); err != nil {
		d.sendErr(client, env, codeNotFound, err.Error())
		return
	}
	d.unregisterTrigger(env.ID)
	d.reply(client, env, ws.Envelope{
		Type:     ws.TypeWorkflowDeleted,
		Metadata: map[string]any{"workflowId": env.ID},
	})
}

func (d *Daemon) handleGetWorkflow(client *ws.Client, env ws.Envelope) {
	def, err := d.wfStore.GetDefinition(env.ID)
	if err != nil {
		d.sendErr(client, env, codeNotFound, err.Error())
		return
	}
	d.reply(client, env, ws.Envelope{
		Type: ws.TypeWorkflowDetail,
		Metadata: map[string]any{
			"workflow":   def,
			"executions": d.wfStore.ListExecutions(def.ID, 0),
		},
	})
}

func (d *Daemon) handleRunWorkflow(client *ws.Client, env ws.Envelope) {
	def, err := d.wfStore.GetDefinition(env.ID)
	if err != nil {
		d.sendErr(client, env, codeNotFound, err.Error())
		return
	}
	// Lifecycle envelopes (started, step updates, done) are broadcast by
	// the executor itself.
	go d.runTriggered(def.ID, "manual")
}

func (d *Daemon) handleCancelWorkflow(client *ws.Client, env ws.Envelope) {
	if !d.executor.Cancel(env.ID) {
		d.sendErr(client, env, codeNotFound, "no running execution with id "+env.ID)
	}
}

func (d *Daemon) handleGetExecution(client *ws.Client, env ws.Envelope) {
	exec, err := d.wfStore.GetExecution(env.ID)
	if err != nil {
		d.sendErr(client, env, codeNotFound, err.Error())
		return
	}
	d.reply(client, env, ws.Envelope{
		Type:     ws.TypeExecutionDetail,
		Metadata: map[string]any{"execution": exec},
	})
}

func (d *Daemon) handleParseSchedule(client *ws.Client, env ws.Envelope) {
	next, err := schedule.NextRuns(env.Content, time.Now(), 5)
	if err != nil {
		d.reply(client, env, ws.Envelope{
			Type:     ws.TypeParseScheduleResult,
			Metadata: map[string]any{"valid": false, "error": err.Error()},
		})
		return
	}

	stamps := make([]string, len(next))
	for i, at := range next {
		stamps[i] = at.Format(time.RFC3339)
	}
	d.reply(client, env, ws.Envelope{
		Type:     ws.TypeParseScheduleResult,
		Metadata: map[string]any{"valid": true, "nextRuns": stamps},
	})
}

func (d *Daemon) handleBuildWorkflow(client *ws.Client, env ws.Envelope) {
	def, errs := d.builder.Build(json.RawMessage(env.Content))
	if len(errs) > 0 {
		d.reply(client, env, ws.Envelope{
			Type:     ws.TypeBuildWorkflowResult,
			Metadata: map[string]any{"valid": false, "errors": errs},
		})
		return
	}
	d.reply(client, env, ws.Envelope{
		Type:     ws.TypeBuildWorkflowResult,
		Metadata: map[string]any{"valid": true, "workflow": def},
	})
}

// reply sends a response to the requesting client, echoing the request id.
func (d *Daemon) reply(client *ws.Client, req ws.Envelope, resp ws.Envelope) {
	resp.ID = req.ID
	_ = d.hub.Send(client, resp)
}

func (d *Daemon) sendErr(client *ws.Client, req ws.Envelope, code, msg string) {
	env := ws.ErrorEnvelope(code, msg)
	env.ID = req.ID
	_ = d.hub.Send(client, env)
}

func (d *Daemon) sendValidationErr(client *ws.Client, req ws.Envelope, errs []workflow.ValidationError) {
	env := ws.ErrorEnvelope(codeValidationFailed, "workflow validation failed")
	env.ID = req.ID
	env.Metadata["errors"] = errs
	_ = d.hub.Send(client, env)
}

// conversationSummary strips messages for list and created replies.
func conversationSummary(conv *conversation.Conversation) map[string]any {
	return map[string]any{
		"id":            conv.ID,
		"title":         conv.Title,
		"created":       conv.CreatedAt.Format(time.RFC3339),
		"messages":      len(conv.Messages),
		"lastMessageAt": conv.LastMessageTime().Format(time.RFC3339),
	}
}

func conversationSummaries(convs []*conversation.Conversation) []map[string]any {
	out := make([]map[string]any, len(convs))
	for i, conv := range convs {
		out[i] = conversationSummary(conv)
	}
	return out
}
