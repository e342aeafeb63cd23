package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider scripts status responses in order; the last entry repeats.
type fakeProvider struct {
	mu        sync.Mutex
	submitted []SubmitRequest
	submitErr error
	statuses  []*TaskStatus
	errs      []error
	polls     int
	steps     []Step
	hangFeed  bool
	panicPoll bool
}

func (f *fakeProvider) Submit(_ context.Context, req SubmitRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "task_123", nil
}

func (f *fakeProvider) Status(_ context.Context, _ string) (*TaskStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicPoll {
		panic("provider exploded")
	}
	i := f.polls
	f.polls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	return f.statuses[i], nil
}

func (f *fakeProvider) StreamSteps(ctx context.Context, _ string) (<-chan Step, error) {
	ch := make(chan Step)
	go func() {
		if !f.hangFeed {
			defer close(ch)
		}
		for _, s := range f.steps {
			select {
			case ch <- s:
			case <-ctx.Done():
				return
			}
		}
		if f.hangFeed {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (f *fakeProvider) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func started(n int) []*TaskStatus {
	out := make([]*TaskStatus, n)
	for i := range out {
		out[i] = &TaskStatus{Status: ProviderStarted}
	}
	return out
}

func newTestExecutor(p Provider) *Executor {
	return New(p, Options{PollInterval: time.Millisecond}, zerolog.Nop())
}

func TestExecuteCompletesOnLastAttempt(t *testing.T) {
	p := &fakeProvider{statuses: append(started(59), &TaskStatus{Status: ProviderFinished, Output: `{"result":["price is $10"]}`})}
	res := newTestExecutor(p).Execute(context.Background(), Request{Description: "check price"})

	require.Equal(t, StatusCompleted, res.Status, res.Error)
	assert.Equal(t, 60, p.pollCount())
	assert.Equal(t, "task_123", res.ID)
	assert.Equal(t, []string{"price is $10"}, res.Output.Result)
	assert.Nil(t, res.Err)
	assert.Contains(t, res.LogText(), "✅ Task completed")
}

func TestExecuteTimesOut(t *testing.T) {
	p := &fakeProvider{statuses: started(1)}
	res := newTestExecutor(p).Execute(context.Background(), Request{Description: "check price"})

	require.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 60, p.pollCount())
	var timeout *ProviderTimeoutError
	require.ErrorAs(t, res.Err, &timeout)
	assert.Equal(t, 60, timeout.Attempts)
	assert.Contains(t, res.Error, "timed out")
}

func TestExecuteStoppedIsFailure(t *testing.T) {
	p := &fakeProvider{statuses: []*TaskStatus{{Status: ProviderStarted}, {Status: ProviderStopped, Error: "user cancelled"}}}
	res := newTestExecutor(p).Execute(context.Background(), Request{Description: "x"})

	require.Equal(t, StatusFailed, res.Status)
	var execErr *ProviderExecutionError
	require.ErrorAs(t, res.Err, &execErr)
	assert.Equal(t, ProviderStopped, execErr.Status)
	assert.Contains(t, res.Error, "user cancelled")
}

func TestExecuteSubmitError(t *testing.T) {
	p := &fakeProvider{submitErr: errors.New("401 unauthorized")}
	res := newTestExecutor(p).Execute(context.Background(), Request{Description: "x"})

	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "401 unauthorized")
	assert.Contains(t, res.LogText(), "❌ Error:")
}

func TestExecuteToleratesTransientStatusErrors(t *testing.T) {
	transient := errors.New("502 bad gateway")
	p := &fakeProvider{
		errs:     []error{transient, transient, nil, transient},
		statuses: []*TaskStatus{nil, nil, {Status: ProviderStarted}, nil, {Status: ProviderFinished, Output: `{"result":[]}`}},
	}
	res := newTestExecutor(p).Execute(context.Background(), Request{Description: "x"})
	assert.Equal(t, StatusCompleted, res.Status, res.Error)
}

func TestExecuteFailsAfterRepeatedStatusErrors(t *testing.T) {
	broken := errors.New("connection refused")
	p := &fakeProvider{errs: []error{broken, broken, broken}, statuses: started(1)}
	res := newTestExecutor(p).Execute(context.Background(), Request{Description: "x"})

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, 3, p.pollCount())
	assert.ErrorIs(t, res.Err, broken)
}

func TestExecuteRecoversPanic(t *testing.T) {
	p := &fakeProvider{panicPoll: true}
	res := newTestExecutor(p).Execute(context.Background(), Request{Description: "x"})

	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "provider exploded")
}

func TestExecuteCancelledContext(t *testing.T) {
	p := &fakeProvider{statuses: started(1)}
	e := New(p, Options{PollInterval: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	res := e.Execute(ctx, Request{Description: "x"})

	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestCriterionAddsSuffixAndSchema(t *testing.T) {
	p := &fakeProvider{statuses: []*TaskStatus{{Status: ProviderFinished, Output: `{"result":["in stock"],"shouldNotify":true,"notificationReason":"item is back"}`}}}
	res := newTestExecutor(p).Execute(context.Background(), Request{Description: "check stock", StartURL: "https://shop.example", Criterion: "item is in stock"})

	require.Len(t, p.submitted, 1)
	sub := p.submitted[0]
	assert.True(t, strings.HasPrefix(sub.Task, "check stock"))
	assert.Contains(t, sub.Task, `"item is in stock"`)
	assert.Contains(t, string(sub.OutputSchema), "shouldNotify")
	assert.Equal(t, "https://shop.example", sub.StartURL)

	require.Equal(t, StatusCompleted, res.Status)
	require.NotNil(t, res.Output.ShouldNotify)
	assert.True(t, *res.Output.ShouldNotify)
	assert.Equal(t, "item is back", res.Output.NotificationReason)

	var stored map[string]any
	require.NoError(t, json.Unmarshal(res.OutputJSON(), &stored))
	assert.Equal(t, true, stored["shouldNotify"])
}

func TestNoCriterionKeepsDescription(t *testing.T) {
	task, schema := BuildTask("check stock", "  ")
	assert.Equal(t, "check stock", task)
	assert.NotContains(t, string(schema), "shouldNotify")
}

func TestUnstructuredOutputIsKept(t *testing.T) {
	p := &fakeProvider{statuses: []*TaskStatus{{Status: ProviderFinished, Output: "The price is $10"}}}
	res := newTestExecutor(p).Execute(context.Background(), Request{Description: "x"})

	require.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, []string{"The price is $10"}, res.Output.Result)
	assert.Equal(t, "The price is $10", res.RawOutput)
}

func TestStreamingForwardsSteps(t *testing.T) {
	p := &fakeProvider{
		statuses: append(started(5), &TaskStatus{Status: ProviderFinished, Output: `{"result":["done"]}`}),
		steps: []Step{
			{Number: 1, Thought: "open the page", Actions: []string{"go_to_url"}},
			{Number: 2, Raw: json.RawMessage(`{"x":1}`)},
		},
		hangFeed: true,
	}

	var mu sync.Mutex
	var events []StepEvent
	res := newTestExecutor(p).ExecuteStreaming(context.Background(), Request{Description: "x"}, func(ev StepEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	require.Equal(t, StatusCompleted, res.Status)
	// a hanging feed never blocks completion; delivered steps are best effort
	mu.Lock()
	defer mu.Unlock()
	for _, ev := range events {
		assert.Contains(t, res.LogText(), ev.LogLine())
	}
}

func TestStreamingUsesLongerCeiling(t *testing.T) {
	p := &fakeProvider{statuses: append(started(100), &TaskStatus{Status: ProviderFinished, Output: `{"result":[]}`})}
	res := newTestExecutor(p).ExecuteStreaming(context.Background(), Request{Description: "x"}, func(StepEvent) {})

	assert.Equal(t, StatusCompleted, res.Status, res.Error)
	assert.Equal(t, 101, p.pollCount())
}

func TestNormalize(t *testing.T) {
	at := time.Now()
	events := Normalize(Step{Number: 3, Thought: "t", Actions: []string{"click", "type"}, Output: "o"}, at)
	require.Len(t, events, 3)
	assert.Equal(t, StepThought, events[0].Kind)
	assert.Equal(t, "⚡ click; type", events[1].LogLine())
	assert.Equal(t, "📋 o", events[2].LogLine())

	events = Normalize(Step{Number: 4, Raw: json.RawMessage(`{"a":1}`)}, at)
	require.Len(t, events, 1)
	assert.Equal(t, StepRaw, events[0].Kind)
	assert.Equal(t, `📝 {"a":1}`, events[0].LogLine())
}

func TestParseOutput(t *testing.T) {
	out, err := ParseOutput("```json\n{\"result\":[\"a\",\"b\"]}\n```", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out.Result)

	out, err = ParseOutput(`{"result":["a"]}`, true)
	assert.Error(t, err, "criterion schema requires shouldNotify")
	assert.Equal(t, []string{`{"result":["a"]}`}, out.Result)

	out, err = ParseOutput("", false)
	require.NoError(t, err)
	assert.Empty(t, out.Result)
}

func TestCeiling(t *testing.T) {
	e := New(&fakeProvider{}, Options{}, zerolog.Nop())
	assert.Equal(t, 10*time.Minute, e.Ceiling())

	e = New(&fakeProvider{}, Options{PollInterval: time.Second, MaxPollAttempts: 90, MaxStreamAttempts: 30}, zerolog.Nop())
	assert.Equal(t, 90*time.Second, e.Ceiling())
}
