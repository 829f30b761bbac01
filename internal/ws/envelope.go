// Package ws multiplexes WebSocket clients over a single broadcast hub.
package ws

// Envelope is the single wire frame for both directions. Fields beyond
// Type are optional and depend on the envelope type.
type Envelope struct {
	Type           string         `json:"type"`
	ID             string         `json:"id,omitempty"`
	ConversationID string         `json:"conversationId,omitempty"`
	Content        string         `json:"content,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Client-to-server envelope types.
const (
	TypeUserMessage        = "user_message"
	TypeNewConversation    = "new_conversation"
	TypeLoadConversation   = "load_conversation"
	TypeDeleteConversation = "delete_conversation"
	TypeListConversations  = "list_conversations"
	TypePing               = "ping"
	TypeCreateWorkflow     = "create_workflow"
	TypeUpdateWorkflow     = "update_workflow"
	TypeDeleteWorkflow     = "delete_workflow"
	TypeListWorkflows      = "list_workflows"
	TypeGetWorkflow        = "get_workflow"
	TypeRunWorkflow        = "run_workflow"
	TypeCancelWorkflow     = "cancel_workflow"
	TypeListExecutions     = "list_executions"
	TypeGetExecution       = "get_execution"
	TypeMCPToolsList       = "mcp_tools_list"
	TypeParseSchedule      = "parse_schedule"
	TypeBuildWorkflow      = "build_workflow"
)

// Server-to-client envelope types.
const (
	TypeStatus                 = "status"
	TypePong                   = "pong"
	TypeAssistantChunk         = "assistant_chunk"
	TypeAssistantDone          = "assistant_done"
	TypeThinkingChunk          = "thinking_chunk"
	TypeThinkingDone           = "thinking_done"
	TypeToolCallStart          = "tool_call_start"
	TypeToolCallDone           = "tool_call_done"
	TypeError                  = "error"
	TypeConversationList       = "conversation_list"
	TypeConversationLoaded     = "conversation_loaded"
	TypeConversationCreated    = "conversation_created"
	TypeConversationDeleted    = "conversation_deleted"
	TypeWorkflowCreated        = "workflow_created"
	TypeWorkflowUpdated        = "workflow_updated"
	TypeWorkflowDeleted        = "workflow_deleted"
	TypeWorkflowList           = "workflow_list"
	TypeWorkflowDetail         = "workflow_detail"
	TypeExecutionStarted       = "workflow_execution_started"
	TypeStepUpdate             = "workflow_step_update"
	TypeExecutionDone          = "workflow_execution_done"
	TypeExecutionList          = "execution_list"
	TypeExecutionDetail        = "execution_detail"
	TypeWorkflowNotification   = "workflow_notification"
	TypeMCPToolsListResult     = "mcp_tools_list_result"
	TypeParseScheduleResult    = "parse_schedule_result"
	TypeBuildWorkflowResult    = "build_workflow_result"
)

// Error codes carried in error envelope metadata.
const (
	CodeInvalidMessage = "INVALID_MESSAGE"
	CodeRateLimited    = "RATE_LIMITED"
)

// ErrorEnvelope builds an error envelope with a machine-readable code.
func ErrorEnvelope(code, message string) Envelope {
	return Envelope{
		Type:     TypeError,
		Content:  message,
		Metadata: map[string]any{"code": code},
	}
}
