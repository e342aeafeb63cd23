package executor

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// StepKind tags a normalized step event
type StepKind string

const (
	StepThought StepKind = "thought"
	StepAction  StepKind = "action"
	StepOutput  StepKind = "output"
	StepRaw     StepKind = "raw"
)

// StepEvent is one normalized entry of a task's progress
type StepEvent struct {
	Kind      StepKind  `json:"kind"`
	Step      int       `json:"step,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// LogLine renders the event for the run transcript
func (e StepEvent) LogLine() string {
	switch e.Kind {
	case StepThought:
		return "💭 " + e.Text
	case StepAction:
		return "⚡ " + e.Text
	case StepOutput:
		return "📋 " + e.Text
	default:
		return "📝 " + e.Text
	}
}

// Normalize converts a provider step into tagged events, one per populated field.
// A step with none of the known fields becomes a single raw event.
func Normalize(step Step, at time.Time) []StepEvent {
	var events []StepEvent
	add := func(kind StepKind, text string) {
		events = append(events, StepEvent{Kind: kind, Step: step.Number, Text: text, Timestamp: at})
	}

	if step.Thought != "" {
		add(StepThought, step.Thought)
	}
	if len(step.Actions) > 0 {
		add(StepAction, strings.Join(step.Actions, "; "))
	}
	if step.Output != "" {
		add(StepOutput, step.Output)
	}
	if len(events) == 0 {
		raw := string(step.Raw)
		if raw == "" {
			raw = fmt.Sprintf("step %d", step.Number)
		}
		add(StepRaw, raw)
	}
	return events
}

// transcript collects log lines from the poll and feed goroutines
type transcript struct {
	mu    sync.Mutex
	lines []string
}

func (t *transcript) add(line string) {
	t.mu.Lock()
	t.lines = append(t.lines, line)
	t.mu.Unlock()
}

func (t *transcript) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}
