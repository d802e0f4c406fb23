package tracing

// Span attribute keys for coordinator tracing.
const (
	// Agent attributes
	AttrAgentID   = "agent.id"
	AttrAgentRole = "agent.role"

	// Thread attributes
	AttrThreadID         = "thread.id"
	AttrProviderThreadID = "provider.thread.id"

	// Message attributes
	AttrMessageID    = "message.id"
	AttrMessageFrom  = "message.from"
	AttrMessageTo    = "message.to"
	AttrMessageTitle = "message.title"
	AttrBatchSize    = "batch.size"

	// Provider attributes
	AttrProvider = "provider.name"

	// Tool attributes
	AttrToolName = "tool.name"

	// Error attributes
	AttrErrorMessage = "error.message"
)

// Span names for the coordinator's own operations.
const (
	SpanAgentTurn     = "agent.turn"
	SpanProviderSend  = "provider.send"
	SpanSessionInit   = "session.init"
	SpanMessageRoute  = "message.route"
	SpanWaitSuspend   = "wait.suspend"
	SpanRestartHandle = "restart.handle"
)

// Event names for span events.
const (
	EventToolParsed       = "tool.parsed"
	EventWaitResumed      = "wait.resumed"
	EventWaitTimeout      = "wait.timeout"
	EventMessageDelivered = "message.delivered"
	EventAutoReply        = "auto_reply.sent"
)
