package services

// Failure classes surfaced to the chat client as terminal error events.
const (
	CodeMissingModel       = "MISSING_MODEL"
	CodeMissingCredential  = "MISSING_CREDENTIAL"
	CodeOAuthExchange      = "OAUTH_EXCHANGE_FAILED"
	CodeUpstreamTransport  = "UPSTREAM_TRANSPORT_ERROR"
	CodeConversationLookup = "CONVERSATION_LOOKUP_FAILED"
)

// RelayError halts a chat turn. Code is stable and machine-readable; Message
// is safe to show to the user.
type RelayError struct {
	Code    string
	Message string
	Err     error
}

func (e *RelayError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *RelayError) Unwrap() error { return e.Err }

type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string { return "Validation error" }

type ConflictError struct{ Message string }

func (e *ConflictError) Error() string { return e.Message }

type NotFoundError struct{ Message string }

func (e *NotFoundError) Error() string { return e.Message }
