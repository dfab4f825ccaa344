package protocol

import "fmt"

// ErrUnknownOpTag is returned when decoding a Submission whose Op.type is
// not a recognized wire tag. The Op union is declared non-exhaustive
// (spec.md §9): callers surface this as an Error event rather than panic.
type ErrUnknownOpTag struct {
	Tag string
}

func (e *ErrUnknownOpTag) Error() string {
	return fmt.Sprintf("protocol: unknown op tag %q", e.Tag)
}

// ErrUnknownEventTag is the EventMsg analog of ErrUnknownOpTag.
type ErrUnknownEventTag struct {
	Tag string
}

func (e *ErrUnknownEventTag) Error() string {
	return fmt.Sprintf("protocol: unknown event tag %q", e.Tag)
}

// ErrorKind enumerates the logical error kinds of spec.md §7. These are
// not Go error types to catch with errors.As in the general case — they
// classify how a failure is surfaced on the wire and whether it is fatal
// to the session.
type ErrorKind string

const (
	KindProtocolError              ErrorKind = "protocol_error"
	KindSessionConfiguredNotFirstEvent ErrorKind = "session_configured_not_first_event"
	KindConversationNotFound       ErrorKind = "conversation_not_found"
	KindModelStreamError           ErrorKind = "model_stream_error"
	KindToolFailure                ErrorKind = "tool_failure"
	KindPolicyDenied                ErrorKind = "policy_denied"
	KindCancelled                   ErrorKind = "cancelled"
	KindShutdownRequested           ErrorKind = "shutdown_requested"
)

// EngineError is the concrete error type wrapping an ErrorKind with a
// human-readable message. Its Error() string carries the stable message
// prefix spec.md §6 requires ("Errors surfaced on the wire use
// Error{message} with a stable message prefix classifying the kind").
type EngineError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *EngineError) Unwrap() error { return e.Cause }

// NewEngineError constructs an EngineError of the given kind.
func NewEngineError(kind ErrorKind, message string, cause error) *EngineError {
	return &EngineError{Kind: kind, Message: message, Cause: cause}
}

// ToErrorMsg renders an EngineError (or any error) as the wire ErrorMsg
// payload for an Error event.
func ToErrorMsg(err error) *ErrorMsg {
	if ee, ok := err.(*EngineError); ok {
		return &ErrorMsg{Message: string(ee.Kind) + ": " + ee.Message}
	}
	return &ErrorMsg{Message: err.Error()}
}

// ErrConversationNotFound is returned by the Conversation Manager on a
// get_conversation miss (spec.md §4.5).
var ErrConversationNotFound = NewEngineError(KindConversationNotFound, "conversation not found", nil)

// ErrSessionConfiguredNotFirstEvent is returned when a newly spawned
// session's first event is not SessionConfigured{id==INITIAL_SUBMIT_ID}
// (spec.md §3 Invariants, §4.5).
var ErrSessionConfiguredNotFirstEvent = NewEngineError(KindSessionConfiguredNotFirstEvent, "session's first event was not SessionConfigured", nil)

// ErrSessionClosed is returned by next_event() once the session has shut
// down and no further events will ever be produced (spec.md §4.3).
var ErrSessionClosed = NewEngineError(KindShutdownRequested, "session closed", nil)
