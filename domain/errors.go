package domain

import "fmt"

// ConflictError is returned when a compare-and-swap loses a race. Callers
// treat it as "someone else won" and swallow it rather than retry.
type ConflictError struct {
	Op  string
	Key string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: conflict on %s", e.Op, e.Key)
}

// NotFoundError is returned when a requested aggregate does not exist.
type NotFoundError struct {
	Op   string
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %s not found", e.Op, e.Kind, e.ID)
}

// TransientError wraps a retryable infrastructure fault (timeout, connection
// reset, deadlock-abort). Callers back off and retry on the next tick.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a non-retryable fault. The caller logs it and moves
// on to the next batch/item; the failing one is skipped.
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// AuthErrorKind enumerates why authentication failed.
type AuthErrorKind string

const (
	AuthInvalid  AuthErrorKind = "invalid"
	AuthExpired  AuthErrorKind = "expired"
	AuthRevoked  AuthErrorKind = "revoked"
	AuthTransient AuthErrorKind = "transient"
)

// AuthError is returned by the pluggable Authenticator (spec §6). It is never
// retried server-side; the connection is rejected with the kind as reason.
type AuthError struct {
	Kind AuthErrorKind
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth error (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("auth error (%s)", e.Kind)
}

func (e *AuthError) Unwrap() error { return e.Err }

// AgentProtocolError signals a malformed or out-of-order message on an Agent
// session. The Gateway closes the session; the Agent reconnects and resyncs.
type AgentProtocolError struct {
	SessionID string
	Reason    string
}

func (e *AgentProtocolError) Error() string {
	return fmt.Sprintf("protocol error on session %s: %s", e.SessionID, e.Reason)
}

// TaskExecutionError is produced by the Agent when a process exits non-zero,
// times out, or cannot be started. It is not a server error: it becomes a
// terminal TaskInstance with status Failed/Timeout and this message.
type TaskExecutionError struct {
	TaskID  string
	Reason  string
	Wrapped error
}

func (e *TaskExecutionError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("task %s execution failed: %s: %v", e.TaskID, e.Reason, e.Wrapped)
	}
	return fmt.Sprintf("task %s execution failed: %s", e.TaskID, e.Reason)
}

func (e *TaskExecutionError) Unwrap() error { return e.Wrapped }
