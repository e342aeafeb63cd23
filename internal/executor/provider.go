package executor

import (
	"context"
	"encoding/json"
)

// ProviderStatus is a remote task state as reported by the provider
type ProviderStatus string

const (
	ProviderCreated  ProviderStatus = "created"
	ProviderStarted  ProviderStatus = "started"
	ProviderPaused   ProviderStatus = "paused"
	ProviderFinished ProviderStatus = "finished"
	ProviderStopped  ProviderStatus = "stopped"
	ProviderFailed   ProviderStatus = "failed"
)

// terminalFailure reports states that end a task without a result
func (s ProviderStatus) terminalFailure() bool {
	return s == ProviderStopped || s == ProviderFailed
}

// SubmitRequest is a task handed to the provider
type SubmitRequest struct {
	Task         string
	StartURL     string
	OutputSchema json.RawMessage
}

// TaskStatus is one status poll result
type TaskStatus struct {
	Status ProviderStatus
	Output string // final output text, JSON when a schema was declared
	Error  string
}

// Step is one raw entry of the provider's step feed
type Step struct {
	Number  int
	Thought string
	Actions []string
	Output  string
	Raw     json.RawMessage
}

// Provider runs browser automation tasks remotely
type Provider interface {
	// Submit creates a remote task and returns its handle
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	// Status returns the current state of a task
	Status(ctx context.Context, handle string) (*TaskStatus, error)
	// StreamSteps returns the task's step feed. The channel may close early or
	// never close; it is not a completion signal.
	StreamSteps(ctx context.Context, handle string) (<-chan Step, error)
}
