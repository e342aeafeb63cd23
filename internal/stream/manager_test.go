package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/browser-tasks/internal/executor"
)

func step(text string) executor.StepEvent {
	return executor.StepEvent{Kind: executor.StepThought, Text: text, Timestamp: time.Now()}
}

func TestPublishReachesSubscribers(t *testing.T) {
	m := NewManager()
	client := m.Subscribe("run1", "c1")

	m.Publish("run1", step("open page"))
	msg := <-client.Steps
	assert.Equal(t, "run1", msg.RunID)
	assert.Equal(t, "open page", msg.Step.Text)
	assert.True(t, m.IsRunStreaming("run1"))

	m.Complete(CompletionEvent{RunID: "run1", Status: "success"})
	done := <-client.Complete
	assert.Equal(t, "success", done.Status)
	assert.False(t, m.IsRunStreaming("run1"))
}

func TestLateSubscriberGetsBufferedSteps(t *testing.T) {
	m := NewManager()
	m.Publish("run1", step("one"))
	m.Publish("run1", step("two"))

	client := m.Subscribe("run1", "late")
	require.Len(t, client.Steps, 2)
	assert.Equal(t, "one", (<-client.Steps).Step.Text)
}

func TestBufferIsBounded(t *testing.T) {
	m := NewManager()
	for i := 0; i < bufferLimit+20; i++ {
		m.Publish("run1", step("s"))
	}
	client := m.Subscribe("run1", "c")
	assert.Len(t, client.Steps, bufferLimit)
}

func TestUnsubscribeCleansUpCompletedStream(t *testing.T) {
	m := NewManager()
	client := m.Subscribe("run1", "c1")
	m.Complete(CompletionEvent{RunID: "run1", Status: "failed", Error: "boom"})

	m.Unsubscribe("run1", "c1")
	_, open := <-client.Done
	assert.False(t, open)

	m.mu.RLock()
	defer m.mu.RUnlock()
	assert.Empty(t, m.streams)
}

func TestCleanupOldStreams(t *testing.T) {
	m := NewManager()
	m.Publish("stale", step("x"))
	m.streams["stale"].updatedAt = time.Now().Add(-time.Hour)
	m.Publish("fresh", step("y"))

	m.CleanupOldStreams(10 * time.Minute)
	assert.NotContains(t, m.streams, "stale")
	assert.Contains(t, m.streams, "fresh")
}
