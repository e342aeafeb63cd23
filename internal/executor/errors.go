package executor

import (
	"fmt"
	"time"
)

// ProviderTimeoutError means the task did not reach a terminal state within the polling ceiling
type ProviderTimeoutError struct {
	Attempts int
	Interval time.Duration
}

func (e *ProviderTimeoutError) Error() string {
	return fmt.Sprintf("task timed out after %d status checks (%s)", e.Attempts, time.Duration(e.Attempts)*e.Interval)
}

// ProviderExecutionError means the provider ended the task without a result
type ProviderExecutionError struct {
	Status  ProviderStatus
	Message string
}

func (e *ProviderExecutionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("task %s by provider", e.Status)
	}
	return fmt.Sprintf("task %s by provider: %s", e.Status, e.Message)
}
