package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kylemclaren/browser-tasks/internal/auth"
	"github.com/kylemclaren/browser-tasks/internal/db"
	"github.com/kylemclaren/browser-tasks/internal/notify"
	"github.com/kylemclaren/browser-tasks/internal/schedule"
	"github.com/kylemclaren/browser-tasks/internal/usage"
	"github.com/kylemclaren/browser-tasks/internal/version"
)

// HealthCheck handles GET /api/v1/health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.Version,
	})
}

// RunDueTasks handles GET|POST /api/v1/run-due-tasks
func (s *Server) RunDueTasks(w http.ResponseWriter, r *http.Request) {
	if s.cfg.CronSecret != "" {
		token, _ := auth.BearerToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.CronSecret)) != 1 {
			s.errorResponse(w, http.StatusUnauthorized, codeUnauthorized, "Unauthorized", nil)
			return
		}
	}

	// runs outlive the trigger request; the executor's ceiling bounds them
	report, err := s.dispatcher.RunDueTasks(context.WithoutCancel(r.Context()), s.now())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "Failed to run due tasks", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, report)
}

// GetMe handles GET /api/v1/me
func (s *Server) GetMe(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	user, err := s.db.GetUser(r.Context(), id.UserID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "Failed to load account", err)
		return
	}
	tasks, err := s.limiter.CheckTaskLimit(r.Context(), id.UserID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "Failed to load usage", err)
		return
	}
	runs, err := s.limiter.CheckRunLimit(r.Context(), id.UserID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "Failed to load usage", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, MeResponse{
		ID:                 user.ID,
		Email:              user.Email,
		Plan:               user.Plan,
		EmailNotifications: user.EmailNotifications,
		Tasks:              UsageCounter{Current: tasks.Current, Limit: tasks.Limit},
		RunsThisMonth:      UsageCounter{Current: runs.Current, Limit: runs.Limit},
	})
}

// UpdateMe handles PUT /api/v1/me
func (s *Server) UpdateMe(w http.ResponseWriter, r *http.Request) {
	var req MeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, codeInvalidRequest, "Invalid request body", err)
		return
	}
	id, _ := auth.FromContext(r.Context())
	if req.EmailNotifications != nil {
		if err := s.db.SetEmailNotifications(r.Context(), id.UserID, *req.EmailNotifications); err != nil {
			s.errorResponse(w, http.StatusInternalServerError, codeInternal, "Failed to update account", err)
			return
		}
	}
	s.GetMe(w, r)
}

// ListTasks handles GET /api/v1/tasks
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	tasks, err := s.db.ListTasksByUser(r.Context(), id.UserID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "Failed to fetch tasks", err)
		return
	}

	statuses, err := s.db.GetLastRunStatuses(r.Context(), id.UserID)
	if err != nil {
		s.logger.Warn().Err(err).Str("user_id", id.UserID).Msg("failed to load last run statuses")
	}

	response := TaskListResponse{
		Tasks: make([]TaskResponse, len(tasks)),
		Total: len(tasks),
	}
	for i, task := range tasks {
		response.Tasks[i] = taskToResponse(task, statuses[task.ID])
	}

	s.jsonResponse(w, http.StatusOK, response)
}

// CreateTask handles POST /api/v1/tasks
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, codeInvalidRequest, "Invalid request body", err)
		return
	}
	if !s.validateTaskRequest(w, &req) {
		return
	}

	id, _ := auth.FromContext(r.Context())
	check, err := s.limiter.CheckTaskLimit(r.Context(), id.UserID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "Failed to check task limit", err)
		return
	}
	if !check.Allowed {
		s.limitResponse(w, check, usage.KindTasks)
		return
	}

	task := &db.Task{
		UserID:       id.UserID,
		Name:         req.Name,
		Description:  req.Description,
		StartURL:     req.StartURL,
		CronSchedule: req.CronSchedule,
		IsActive:     req.IsActive == nil || *req.IsActive,
	}
	if !s.scheduleTask(w, task) {
		return
	}

	if err := s.db.CreateTask(r.Context(), task); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "Failed to create task", err)
		return
	}

	s.jsonResponse(w, http.StatusCreated, taskToResponse(task, ""))
}

// GetTask handles GET /api/v1/tasks/{id}
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	var status db.RunStatus
	if lastRun, err := s.db.GetLatestRun(r.Context(), task.ID); err == nil {
		status = lastRun.Status
	}

	s.jsonResponse(w, http.StatusOK, taskToResponse(task, status))
}

// UpdateTask handles PUT /api/v1/tasks/{id}
func (s *Server) UpdateTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, codeInvalidRequest, "Invalid request body", err)
		return
	}
	if !s.validateTaskRequest(w, &req) {
		return
	}

	task.Name = req.Name
	task.Description = req.Description
	task.StartURL = req.StartURL
	task.CronSchedule = req.CronSchedule
	if req.IsActive != nil {
		task.IsActive = *req.IsActive
	}
	if !s.scheduleTask(w, task) {
		return
	}

	if err := s.db.UpdateTask(r.Context(), task); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "Failed to update task", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, taskToResponse(task, ""))
}

// DeleteTask handles DELETE /api/v1/tasks/{id}
func (s *Server) DeleteTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	if err := s.db.DeleteTask(r.Context(), task.ID); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "Failed to delete task", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Task deleted",
	})
}

// ToggleTask handles POST /api/v1/tasks/{id}/toggle
func (s *Server) ToggleTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	task.IsActive = !task.IsActive
	if !s.scheduleTask(w, task) {
		return
	}
	if err := s.db.UpdateTask(r.Context(), task); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "Failed to toggle task", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, taskToResponse(task, ""))
}

// RunTask handles POST /api/v1/tasks/{id}/run. It waits for the run to finish;
// a client that hangs up does not cancel the run.
func (s *Server) RunTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if !s.checkRunLimit(w, r, task.UserID) {
		return
	}

	outcome, err := s.runner.RunTask(context.WithoutCancel(r.Context()), task, db.TriggerManual, nil)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "Failed to run task", err)
		return
	}
	s.runner.Notify(outcome)

	message := "Task completed"
	if !outcome.Succeeded() {
		message = "Task failed"
	}
	s.jsonResponse(w, http.StatusOK, RunResultResponse{
		Run:     taskRunToResponse(outcome.Run),
		Message: message,
	})
}

// GetTaskRuns handles GET /api/v1/tasks/{id}/runs
func (s *Server) GetTaskRuns(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	// Get limit from query params, default 20
	limit := 20
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			limit = min(l, 100)
		}
	}

	runs, err := s.db.ListRuns(r.Context(), task.ID, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "Failed to fetch task runs", err)
		return
	}

	response := TaskRunsResponse{
		Runs:  make([]TaskRunResponse, len(runs)),
		Total: len(runs),
	}
	for i, run := range runs {
		response.Runs[i] = taskRunToResponse(run)
	}

	s.jsonResponse(w, http.StatusOK, response)
}

// GetLatestTaskRun handles GET /api/v1/tasks/{id}/runs/latest
func (s *Server) GetLatestTaskRun(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	run, err := s.db.GetLatestRun(r.Context(), task.ID)
	if err != nil {
		s.storeError(w, err, "No runs found")
		return
	}

	s.jsonResponse(w, http.StatusOK, taskRunToResponse(run))
}

// GetTaskRunByID handles GET /api/v1/tasks/{id}/runs/{runId}
func (s *Server) GetTaskRunByID(w http.ResponseWriter, r *http.Request) {
	run, ok := s.loadRun(w, r)
	if !ok {
		return
	}
	s.jsonResponse(w, http.StatusOK, taskRunToResponse(run))
}

// GetNotificationSettings handles GET /api/v1/tasks/{id}/notifications
func (s *Server) GetNotificationSettings(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	settings, err := s.db.GetNotificationSettings(r.Context(), task.ID)
	if err != nil {
		s.storeError(w, err, "Notification settings not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, settings)
}

// UpdateNotificationSettings handles PUT /api/v1/tasks/{id}/notifications
func (s *Server) UpdateNotificationSettings(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}

	var req NotificationSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, codeInvalidRequest, "Invalid request body", err)
		return
	}

	switch req.Frequency {
	case "":
		req.Frequency = db.FrequencyImmediate
	case db.FrequencyImmediate, db.FrequencyDaily, db.FrequencyWeekly:
	default:
		s.errorResponse(w, http.StatusBadRequest, codeInvalidRequest, "Frequency must be immediate, daily or weekly", nil)
		return
	}
	for _, hook := range []string{req.SlackWebhook, req.DiscordWebhook} {
		if hook != "" && !strings.HasPrefix(hook, "https://") {
			s.errorResponse(w, http.StatusBadRequest, codeInvalidRequest, "Webhook URLs must use https", nil)
			return
		}
	}
	rules, err := notify.NormalizeRules(req.CustomRules)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, codeInvalidRequest, "Invalid custom rule", err)
		return
	}

	settings := &db.NotificationSettings{
		TaskID:          task.ID,
		NotifyOnSuccess: req.NotifyOnSuccess,
		NotifyOnFailure: req.NotifyOnFailure,
		Email:           strings.TrimSpace(req.Email),
		Frequency:       req.Frequency,
		Criteria:        strings.TrimSpace(req.Criteria),
		CustomRules:     rules,
		SlackWebhook:    req.SlackWebhook,
		DiscordWebhook:  req.DiscordWebhook,
	}
	if err := s.db.UpsertNotificationSettings(r.Context(), settings); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "Failed to save notification settings", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, settings)
}

// DeleteNotificationSettings handles DELETE /api/v1/tasks/{id}/notifications
func (s *Server) DeleteNotificationSettings(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if err := s.db.DeleteNotificationSettings(r.Context(), task.ID); err != nil {
		s.storeError(w, err, "Notification settings not found")
		return
	}
	s.jsonResponse(w, http.StatusOK, SuccessResponse{
		Success: true,
		Message: "Notification settings deleted",
	})
}

// Helper functions

// loadTask returns the task named in the URL when the caller owns it.
// Other users' tasks are reported as missing.
func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (*db.Task, bool) {
	id, _ := auth.FromContext(r.Context())
	task, err := s.db.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err == nil && task.UserID != id.UserID {
		err = db.ErrNotFound
	}
	if err != nil {
		s.storeError(w, err, "Task not found")
		return nil, false
	}
	return task, true
}

func (s *Server) loadRun(w http.ResponseWriter, r *http.Request) (*db.Run, bool) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return nil, false
	}
	run, err := s.db.GetRun(r.Context(), chi.URLParam(r, "runId"))
	if err == nil && run.TaskID != task.ID {
		err = db.ErrNotFound
	}
	if err != nil {
		s.storeError(w, err, "Run not found")
		return nil, false
	}
	return run, true
}

func (s *Server) checkRunLimit(w http.ResponseWriter, r *http.Request, userID string) bool {
	check, err := s.limiter.CheckRunLimit(r.Context(), userID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, codeInternal, "Failed to check run limit", err)
		return false
	}
	if !check.Allowed {
		s.limitResponse(w, check, usage.KindRuns)
		return false
	}
	return true
}

// scheduleTask recomputes NextRunAt from the task's schedule and active flag
func (s *Server) scheduleTask(w http.ResponseWriter, task *db.Task) bool {
	next, err := s.evaluator.NextRunFor(task.CronSchedule, task.IsActive, s.now())
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, codeInvalidCron, "Invalid cron expression", err)
		return false
	}
	task.NextRunAt = next
	return true
}

func (s *Server) validateTaskRequest(w http.ResponseWriter, req *TaskRequest) bool {
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)
	req.StartURL = strings.TrimSpace(req.StartURL)
	req.CronSchedule = strings.TrimSpace(req.CronSchedule)

	var msg string
	switch {
	case req.Name == "":
		msg = "Name is required"
	case req.Description == "":
		msg = "Description is required"
	case req.StartURL != "" && !strings.HasPrefix(req.StartURL, "http://") && !strings.HasPrefix(req.StartURL, "https://"):
		msg = "Start URL must be an http(s) URL"
	}
	if msg != "" {
		s.errorResponse(w, http.StatusBadRequest, codeInvalidRequest, msg, nil)
		return false
	}

	if req.CronSchedule != "" {
		if _, err := schedule.Parse(req.CronSchedule); err != nil {
			s.errorResponse(w, http.StatusBadRequest, codeInvalidCron, "Invalid cron expression", err)
			return false
		}
	}
	return true
}

func taskToResponse(task *db.Task, status db.RunStatus) TaskResponse {
	return TaskResponse{
		ID:            task.ID,
		Name:          task.Name,
		Description:   task.Description,
		StartURL:      task.StartURL,
		CronSchedule:  task.CronSchedule,
		IsActive:      task.IsActive,
		CreatedAt:     task.CreatedAt,
		UpdatedAt:     task.UpdatedAt,
		LastRunAt:     task.LastRunAt,
		NextRunAt:     task.NextRunAt,
		LastRunStatus: string(status),
	}
}

func taskRunToResponse(run *db.Run) TaskRunResponse {
	resp := TaskRunResponse{
		ID:                 run.ID,
		TaskID:             run.TaskID,
		Status:             string(run.Status),
		Trigger:            string(run.Trigger),
		StartedAt:          run.StartedAt,
		FinishedAt:         run.FinishedAt,
		Output:             run.Output,
		Error:              run.ErrorMsg,
		Logs:               run.Logs,
		ShouldNotify:       run.ShouldNotify,
		NotificationReason: run.NotificationReason,
	}
	if run.FinishedAt != nil {
		durationMs := run.Duration().Milliseconds()
		resp.DurationMs = &durationMs
	}
	return resp
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, code, message string, err error) {
	resp := ErrorResponse{
		Error: message,
		Code:  code,
	}
	if err != nil {
		resp.Details = err.Error()
		if status >= http.StatusInternalServerError {
			s.logger.Error().Err(err).Msg(message)
		}
	}
	s.jsonResponse(w, status, resp)
}

func (s *Server) storeError(w http.ResponseWriter, err error, notFoundMessage string) {
	if errors.Is(err, db.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, codeNotFound, notFoundMessage, nil)
		return
	}
	s.errorResponse(w, http.StatusInternalServerError, codeInternal, "Database error", err)
}

func (s *Server) limitResponse(w http.ResponseWriter, check usage.Check, kind usage.Kind) {
	s.jsonResponse(w, http.StatusForbidden, LimitExceededResponse{
		Error:   check.Err(kind).Error(),
		Code:    codeLimitExceeded,
		Current: check.Current,
		Limit:   check.Limit,
	})
}
