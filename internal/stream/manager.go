// Package stream fans out run progress to connected SSE clients.
package stream

import (
	"sync"
	"time"

	"github.com/kylemclaren/browser-tasks/internal/executor"
)

const bufferLimit = 100

// StepMessage is one step event of a run
type StepMessage struct {
	RunID string             `json:"run_id"`
	Step  executor.StepEvent `json:"step"`
}

// CompletionEvent signals that a run has finished
type CompletionEvent struct {
	RunID    string           `json:"run_id"`
	Status   string           `json:"status"` // "success" or "failed"
	Error    string           `json:"error,omitempty"`
	Result   *executor.Output `json:"result,omitempty"`
	Duration int64            `json:"duration_ms"`
}

// Client represents a connected SSE client
type Client struct {
	ID       string
	Steps    chan StepMessage
	Complete chan CompletionEvent
	Done     chan struct{}
}

// RunStream manages subscribers for a single run
type RunStream struct {
	runID      string
	clients    map[string]*Client
	buffer     []StepMessage
	completed  bool
	completion *CompletionEvent
	updatedAt  time.Time
	mu         sync.RWMutex
}

// Manager manages all active run streams
type Manager struct {
	streams map[string]*RunStream
	mu      sync.RWMutex
}

// NewManager creates a new stream manager
func NewManager() *Manager {
	return &Manager{
		streams: make(map[string]*RunStream),
	}
}

func (m *Manager) getOrCreateStream(runID string) *RunStream {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stream, ok := m.streams[runID]; ok {
		return stream
	}

	stream := &RunStream{
		runID:     runID,
		clients:   make(map[string]*Client),
		buffer:    make([]StepMessage, 0, bufferLimit),
		updatedAt: time.Now(),
	}
	m.streams[runID] = stream
	return stream
}

// Subscribe registers a client for updates on a run.
// Buffered steps and an earlier completion are replayed to the new client.
func (m *Manager) Subscribe(runID string, clientID string) *Client {
	stream := m.getOrCreateStream(runID)

	client := &Client{
		ID:       clientID,
		Steps:    make(chan StepMessage, bufferLimit),
		Complete: make(chan CompletionEvent, 1),
		Done:     make(chan struct{}),
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()

	for _, msg := range stream.buffer {
		select {
		case client.Steps <- msg:
		default:
		}
	}

	if stream.completed && stream.completion != nil {
		client.Complete <- *stream.completion
	}

	stream.clients[clientID] = client
	return client
}

// Unsubscribe removes a client from a run's updates
func (m *Manager) Unsubscribe(runID string, clientID string) {
	m.mu.RLock()
	stream, ok := m.streams[runID]
	m.mu.RUnlock()

	if !ok {
		return
	}

	stream.mu.Lock()
	if client, ok := stream.clients[clientID]; ok {
		close(client.Done)
		delete(stream.clients, clientID)
	}
	stream.mu.Unlock()

	m.cleanupStream(runID)
}

// Publish sends a step to all subscribed clients. Slow clients miss steps.
func (m *Manager) Publish(runID string, step executor.StepEvent) {
	stream := m.getOrCreateStream(runID)
	msg := StepMessage{RunID: runID, Step: step}

	stream.mu.Lock()
	defer stream.mu.Unlock()

	if len(stream.buffer) >= bufferLimit {
		stream.buffer = stream.buffer[1:]
	}
	stream.buffer = append(stream.buffer, msg)
	stream.updatedAt = time.Now()

	for _, client := range stream.clients {
		select {
		case client.Steps <- msg:
		default:
		}
	}
}

// Complete signals that a run has finished
func (m *Manager) Complete(event CompletionEvent) {
	stream := m.getOrCreateStream(event.RunID)

	stream.mu.Lock()
	stream.completed = true
	stream.completion = &event
	stream.updatedAt = time.Now()

	for _, client := range stream.clients {
		select {
		case client.Complete <- event:
		default:
		}
	}
	stream.mu.Unlock()

	m.cleanupStream(event.RunID)
}

// IsRunStreaming returns true if a run has an active stream
func (m *Manager) IsRunStreaming(runID string) bool {
	m.mu.RLock()
	stream, ok := m.streams[runID]
	m.mu.RUnlock()

	if !ok {
		return false
	}

	stream.mu.RLock()
	defer stream.mu.RUnlock()

	return !stream.completed
}

// cleanupStream removes a stream if it has no clients and is completed
func (m *Manager) cleanupStream(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream, ok := m.streams[runID]
	if !ok {
		return
	}

	stream.mu.RLock()
	clientCount := len(stream.clients)
	completed := stream.completed
	stream.mu.RUnlock()

	if clientCount == 0 && completed {
		delete(m.streams, runID)
	}
}

// CleanupOldStreams removes idle streams older than maxAge, completed or not
func (m *Manager) CleanupOldStreams(maxAge time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)

	for runID, stream := range m.streams {
		stream.mu.RLock()
		clientCount := len(stream.clients)
		updatedAt := stream.updatedAt
		stream.mu.RUnlock()

		if clientCount == 0 && updatedAt.Before(cutoff) {
			delete(m.streams, runID)
		}
	}
}
