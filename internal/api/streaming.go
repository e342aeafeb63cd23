package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/kylemclaren/browser-tasks/internal/db"
	"github.com/kylemclaren/browser-tasks/internal/executor"
	"github.com/kylemclaren/browser-tasks/internal/stream"
)

// RunTaskStreaming handles POST /api/v1/tasks/{id}/run/streaming.
// The response is an SSE stream of start, step and complete (or error) events.
// The run keeps going if the client disconnects.
func (s *Server) RunTaskStreaming(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "Streaming not supported", nil)
		return
	}
	if !s.checkRunLimit(w, r, task.UserID) {
		return
	}

	ctx := context.WithoutCancel(r.Context())
	exec, err := s.runner.Open(ctx, task, db.TriggerManual)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "Failed to start run", err)
		return
	}

	client := s.streamMgr.Subscribe(exec.RunID, clientID(r))
	defer s.streamMgr.Unsubscribe(exec.RunID, client.ID)

	go func() {
		outcome, err := exec.Run(ctx, func(ev executor.StepEvent) {
			s.streamMgr.Publish(exec.RunID, ev)
		})
		if err != nil {
			s.logger.Error().Err(err).Str("run_id", exec.RunID).Msg("streamed run failed to record")
			s.streamMgr.Complete(stream.CompletionEvent{RunID: exec.RunID, Status: string(db.RunStatusFailed), Error: err.Error()})
			return
		}
		s.streamMgr.Complete(completionFor(outcome.Run, outcome.Result.Output))
		// notifications go out once the stream has been finalized
		s.runner.Notify(outcome)
	}()

	sseHeaders(w)
	writeSSE(w, flusher, "start", SSEStartEvent{RunID: exec.RunID, TaskID: task.ID})
	s.pump(w, r, flusher, client)
}

// StreamTaskRun handles GET /api/v1/tasks/{id}/runs/{runId}/stream.
// Finished runs produce a single completion event; running runs without a
// live stream are rejected.
func (s *Server) StreamTaskRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "Streaming not supported", nil)
		return
	}

	if run.Status == db.RunStatusRunning && !s.streamMgr.IsRunStreaming(run.ID) {
		s.errorResponse(w, http.StatusConflict, codeNotStreaming, "Run is not streaming", nil)
		return
	}

	sseHeaders(w)
	if run.Status != db.RunStatusRunning {
		writeCompletion(w, flusher, completionFor(run, nil))
		return
	}

	client := s.streamMgr.Subscribe(run.ID, clientID(r))
	defer s.streamMgr.Unsubscribe(run.ID, client.ID)
	s.pump(w, r, flusher, client)
}

// pump forwards steps until the run completes or the client goes away
func (s *Server) pump(w http.ResponseWriter, r *http.Request, flusher http.Flusher, client *stream.Client) {
	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg := <-client.Steps:
			writeStep(w, flusher, msg)
		case done := <-client.Complete:
			drain(w, flusher, client)
			writeCompletion(w, flusher, done)
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

// drain writes steps published before the completion event
func drain(w http.ResponseWriter, flusher http.Flusher, client *stream.Client) {
	for {
		select {
		case msg := <-client.Steps:
			writeStep(w, flusher, msg)
		default:
			return
		}
	}
}

func completionFor(run *db.Run, output *executor.Output) stream.CompletionEvent {
	ev := stream.CompletionEvent{
		RunID:    run.ID,
		Status:   string(run.Status),
		Error:    run.ErrorMsg,
		Result:   output,
		Duration: run.Duration().Milliseconds(),
	}
	if ev.Result == nil && len(run.Output) > 0 {
		var out executor.Output
		if err := json.Unmarshal(run.Output, &out); err == nil {
			ev.Result = &out
		}
	}
	return ev
}

func clientID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return fmt.Sprintf("%p", r)
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

func writeStep(w http.ResponseWriter, flusher http.Flusher, msg stream.StepMessage) {
	writeSSE(w, flusher, "step", SSEStepEvent{
		RunID:     msg.RunID,
		Kind:      msg.Step.Kind,
		Step:      msg.Step.Step,
		Text:      msg.Step.Text,
		Log:       msg.Step.LogLine(),
		Timestamp: msg.Step.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func writeCompletion(w http.ResponseWriter, flusher http.Flusher, ev stream.CompletionEvent) {
	event := "complete"
	if ev.Status != string(db.RunStatusSuccess) {
		event = "error"
	}
	writeSSE(w, flusher, event, SSECompletionEvent{
		RunID:      ev.RunID,
		Status:     ev.Status,
		Error:      ev.Error,
		Result:     ev.Result,
		DurationMs: ev.Duration,
	})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
