package logging

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldEventType classifies a log line for filtering.
	FieldEventType = "event_type"
	// FieldErrorHint tells an operator what to check next.
	FieldErrorHint = "error_hint"
	// FieldImpact is the standardized key for user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldEndpoint is the socket path of a diagnostic port.
	FieldEndpoint = "endpoint"
	// FieldEndpointMode is "connect" or "listen".
	FieldEndpointMode = "endpoint_mode"
	// FieldPollPass is the 1-based pass number within one multiplex call.
	FieldPollPass = "poll_pass"
	// FieldErrorCode carries the platform errno reported with a failure.
	FieldErrorCode = "error_code"
	// FieldRunID identifies one daemon process run.
	FieldRunID = "run_id"
	// FieldSessionID is the journal row id of a served diagnostic session.
	FieldSessionID = "session_id"
	// FieldCommand names a diagnostics protocol command (set/id).
	FieldCommand = "command"
)
