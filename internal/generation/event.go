// Package generation drives the AI tool-use loop and emits the public event
// stream for one agent run.
package generation

// Event is the closed union of everything the stream can carry. The sealed
// kind() method keeps the set of variants fixed at compile time.
type Event interface {
	// Name is the wire-level event type: status, text, tool, error, complete.
	Name() string
	kind()
}

// StatusEvent reports lifecycle progress.
type StatusEvent struct {
	Message   string `json:"message"`
	Kind      string `json:"type,omitempty"`
	SandboxID string `json:"sandboxId,omitempty"`
}

// TextEvent carries a chunk of model prose.
type TextEvent struct {
	Content string `json:"content"`
}

// ToolEvent reports a tool invocation.
type ToolEvent struct {
	Tool   string `json:"name"`
	Action string `json:"action"`
}

// ErrorEvent reports a non-terminal error. The model may self-correct, so the
// stream keeps delivering events afterwards; only a stream that ends without
// a CompleteEvent means the run failed.
type ErrorEvent struct {
	Message string `json:"message"`
}

// CompleteEvent is always the last event on success.
type CompleteEvent struct {
	Message      string   `json:"message"`
	SandboxID    string   `json:"sandboxId"`
	SandboxURL   string   `json:"sandboxUrl"`
	FilesCreated []string `json:"filesCreated"`
}

func (StatusEvent) Name() string   { return "status" }
func (TextEvent) Name() string     { return "text" }
func (ToolEvent) Name() string     { return "tool" }
func (ErrorEvent) Name() string    { return "error" }
func (CompleteEvent) Name() string { return "complete" }

func (StatusEvent) kind()   {}
func (TextEvent) kind()     {}
func (ToolEvent) kind()     {}
func (ErrorEvent) kind()    {}
func (CompleteEvent) kind() {}
