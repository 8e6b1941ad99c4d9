package protocol

import "encoding/json"

// Cancellation reasons carried by TypeCancelled.
const (
	ReasonUser       = "user"
	ReasonDisconnect = "disconnect"
	ReasonShutdown   = "shutdown"
)

// Error codes carried by TypeError.
const (
	CodeRequestInvalid        = "request_invalid"
	CodeSessionNotFound       = "session_not_found"
	CodeSessionExpired        = "session_expired"
	CodeSessionAlreadyStarted = "session_already_started"
	CodeSpawnFailed           = "spawn_failed"
	CodeWorkerCrashed         = "worker_crashed"
	CodeWorkerError           = "worker_error"
	CodeTimeout               = "timeout"
)

// Summary is the payload of a TypeCompleted event.
type Summary struct {
	ExitCode   int   `json:"exitCode"`
	Events     int   `json:"events"`
	DurationMs int64 `json:"durationMs"`
}

// CancelInfo is the payload of a TypeCancelled event.
type CancelInfo struct {
	Reason string `json:"reason"`
}

// ErrorInfo is the payload of a TypeError event.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Completed builds the terminal success event.
func Completed(s Summary) Event {
	return mustEvent(TypeCompleted, s)
}

// Cancelled builds the terminal cancellation event.
func Cancelled(reason string) Event {
	return mustEvent(TypeCancelled, CancelInfo{Reason: reason})
}

// Failure builds the terminal error event.
func Failure(code, message string) Event {
	return mustEvent(TypeError, ErrorInfo{Code: code, Message: message})
}

// the payload types above always marshal
func mustEvent(typ string, v any) Event {
	raw, _ := json.Marshal(v)
	return Event{Type: typ, Data: raw}
}
