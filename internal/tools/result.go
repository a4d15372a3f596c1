package tools

// ResultKind tags a Result.
type ResultKind string

const (
	ResultSuccess ResultKind = "success"
	ResultFailure ResultKind = "failure"
)

// Result is the outcome of one tool invocation.
type Result struct {
	Kind    ResultKind `json:"kind"`
	Payload any        `json:"payload,omitempty"`
	Message string     `json:"message,omitempty"`
}

// Success wraps a tool payload.
func Success(payload any) Result {
	return Result{Kind: ResultSuccess, Payload: payload}
}

// Failure wraps a failure message.
func Failure(message string) Result {
	return Result{Kind: ResultFailure, Message: message}
}

// Failed reports whether r is a failure.
func (r Result) Failed() bool {
	return r.Kind == ResultFailure
}

// Data is what clients and the model see: the payload on success and
// {"error": message} on failure.
func (r Result) Data() any {
	if r.Failed() {
		return map[string]any{"error": r.Message}
	}
	return r.Payload
}
