// Package browseruse is an HTTP client for the Browser Use Cloud task API.
package browseruse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/kylemclaren/browser-tasks/internal/config"
	"github.com/kylemclaren/browser-tasks/internal/executor"
)

const apiKeyHeader = "X-Browser-Use-API-Key"

// errAbandoned marks a request whose caller's context ended first
var errAbandoned = errors.New("request abandoned by caller")

// APIError is a non-2xx response from the API
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("browser use api: %d %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// Client talks to the task API. It is safe for concurrent use.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	limiter      *rate.Limiter
	breaker      *gobreaker.CircuitBreaker[[]byte]
	stepInterval time.Duration
	logger       zerolog.Logger
}

var _ executor.Provider = (*Client)(nil)

// New creates a client from provider config
func New(cfg config.ProviderConfig, logger zerolog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	stepInterval := cfg.StepPollInterval
	if stepInterval <= 0 {
		stepInterval = 2 * time.Second
	}
	maxFailures := cfg.Breaker.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	c := &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		httpClient:   &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(rate.Limit(rps), burst),
		stepInterval: stepInterval,
		logger:       logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "browser-use",
		MaxRequests: 1,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
		// client errors and abandoned requests say nothing about provider health
		IsSuccessful: func(err error) bool {
			if errors.Is(err, errAbandoned) {
				return true
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				return apiErr.StatusCode < 500
			}
			return err == nil
		},
	})
	return c
}

type createTaskRequest struct {
	Task             string `json:"task"`
	StartURL         string `json:"startUrl,omitempty"`
	StructuredOutput string `json:"structuredOutput,omitempty"`
}

type createTaskResponse struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
}

type taskView struct {
	ID        string     `json:"id"`
	Status    string     `json:"status"`
	Output    *string    `json:"output"`
	IsSuccess *bool      `json:"isSuccess"`
	Steps     []taskStep `json:"steps"`
}

type taskStep struct {
	Number                 int      `json:"number"`
	Memory                 string   `json:"memory"`
	EvaluationPreviousGoal string   `json:"evaluationPreviousGoal"`
	NextGoal               string   `json:"nextGoal"`
	URL                    string   `json:"url"`
	Actions                []string `json:"actions"`
}

// Submit creates a task
func (c *Client) Submit(ctx context.Context, req executor.SubmitRequest) (string, error) {
	body := createTaskRequest{Task: req.Task, StartURL: req.StartURL}
	if len(req.OutputSchema) > 0 {
		body.StructuredOutput = string(req.OutputSchema)
	}

	data, err := c.do(ctx, http.MethodPost, "/api/v2/tasks", body)
	if err != nil {
		return "", err
	}
	var resp createTaskResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decoding create task response: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("create task response has no id")
	}
	return resp.ID, nil
}

// Status fetches the current task state
func (c *Client) Status(ctx context.Context, handle string) (*executor.TaskStatus, error) {
	view, err := c.getTask(ctx, handle)
	if err != nil {
		return nil, err
	}

	status := &executor.TaskStatus{Status: executor.ProviderStatus(view.Status)}
	if view.Output != nil {
		status.Output = *view.Output
	}
	if status.Status == executor.ProviderStopped && status.Output != "" {
		status.Error = status.Output
	}
	return status, nil
}

// StreamSteps polls the task and emits each new step once. The channel closes
// when the task reaches a terminal state or ctx ends.
func (c *Client) StreamSteps(ctx context.Context, handle string) (<-chan executor.Step, error) {
	out := make(chan executor.Step)
	go func() {
		defer close(out)

		ticker := time.NewTicker(c.stepInterval)
		defer ticker.Stop()

		seen := 0
		for {
			view, err := c.getTask(ctx, handle)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Debug().Err(err).Str("handle", handle).Msg("step poll failed")
			} else {
				for _, s := range view.Steps {
					if s.Number <= seen {
						continue
					}
					seen = s.Number
					select {
					case out <- toStep(s):
					case <-ctx.Done():
						return
					}
				}
				switch executor.ProviderStatus(view.Status) {
				case executor.ProviderFinished, executor.ProviderStopped, executor.ProviderFailed:
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

func toStep(s taskStep) executor.Step {
	thought := s.NextGoal
	if thought == "" {
		thought = s.EvaluationPreviousGoal
	}
	raw, _ := json.Marshal(s)
	return executor.Step{
		Number:  s.Number,
		Thought: thought,
		Actions: s.Actions,
		Raw:     raw,
	}
}

func (c *Client) getTask(ctx context.Context, handle string) (*taskView, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/v2/tasks/"+url.PathEscape(handle), nil)
	if err != nil {
		return nil, err
	}
	var view taskView
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("decoding task: %w", err)
	}
	return &view, nil
}

// do sends one rate-limited request through the circuit breaker and returns the body
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	data, err := c.breaker.Execute(func() ([]byte, error) {
		var body io.Reader
		if payload != nil {
			encoded, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("encoding request: %w", err)
			}
			body = bytes.NewReader(encoded)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set(apiKeyHeader, c.apiKey)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("%s %s: %w: %w", method, path, errAbandoned, ctxErr)
			}
			return nil, fmt.Errorf("%s %s: %w", method, path, err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("reading response: %w: %w", errAbandoned, ctxErr)
			}
			return nil, fmt.Errorf("reading response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
		}
		return respBody, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("browser use circuit open: %w", err)
	}
	return data, err
}
