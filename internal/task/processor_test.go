package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ChainPilot/internal/agent"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/alerting"
)

type executorFunc func(ctx context.Context, req agent.Request) (*agent.Result, error)

func (f executorFunc) ProcessMessage(ctx context.Context, req agent.Request) (*agent.Result, error) {
	return f(ctx, req)
}

type alertRecorder struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *alertRecorder) Notify(_ context.Context, event alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *alertRecorder) snapshot() []alerting.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]alerting.Event(nil), r.events...)
}

type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []string
}

func (r *outcomeRecorder) ObserveJob(outcome string, _ int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, outcome)
}

func (r *outcomeRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.outcomes...)
}

type pipeline struct {
	store   *MemoryStore
	queue   *MemoryQueue
	service *Service
	alerts  *alertRecorder
	observe *outcomeRecorder
}

func startPipeline(t *testing.T, exec Executor, maxRetries int) *pipeline {
	t.Helper()
	p := &pipeline{
		store:   NewMemoryStore(),
		queue:   NewMemoryQueue(32),
		alerts:  &alertRecorder{},
		observe: &outcomeRecorder{},
	}
	p.service = NewService(p.store, p.queue, maxRetries)
	processor := NewProcessor(exec, p.store, p.queue,
		WithWorkerCount(4),
		WithAlertDispatcher(p.alerts),
		WithJobObserver(p.observe),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = processor.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func (p *pipeline) waitTerminal(t *testing.T, id string) *Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	job, err := p.service.WaitUntilCompleted(ctx, id, 5*time.Millisecond)
	require.NoError(t, err)
	return job
}

func TestProcessorHandlesConcurrentJobs(t *testing.T) {
	var calls atomic.Int32
	exec := executorFunc(func(_ context.Context, req agent.Request) (*agent.Result, error) {
		calls.Add(1)
		return &agent.Result{Response: "echo " + req.Input, ConversationID: "conv-" + req.CallerAddress}, nil
	})
	p := startPipeline(t, exec, 3)

	ids := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		job, err := p.service.Submit(context.Background(), Request{
			Message:       fmt.Sprintf("msg-%d", i),
			CallerAddress: fmt.Sprintf("0x%d", i),
		})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	for i, id := range ids {
		job := p.waitTerminal(t, id)
		assert.Equal(t, StatusSucceeded, job.Status)
		assert.Equal(t, fmt.Sprintf("echo msg-%d", i), job.Result.Response)
		assert.Equal(t, fmt.Sprintf("conv-0x%d", i), job.ConversationID)
		assert.Equal(t, 1, job.Attempts)
	}
	assert.Equal(t, int32(10), calls.Load())
	assert.Empty(t, p.alerts.snapshot())
}

func TestProcessorTagsRequestsWithJobMetadata(t *testing.T) {
	seen := make(chan agent.Request, 1)
	exec := executorFunc(func(_ context.Context, req agent.Request) (*agent.Result, error) {
		seen <- req
		return &agent.Result{Response: "ok"}, nil
	})
	p := startPipeline(t, exec, 1)

	job, err := p.service.Submit(context.Background(), Request{
		Message:  "hi",
		Metadata: map[string]any{"source": "webhook", "channel": "forged", "attempt": 3},
	})
	require.NoError(t, err)
	p.waitTerminal(t, job.ID)

	req := <-seen
	assert.Equal(t, agent.ChannelJob, req.Metadata[agent.MetaChannel])
	assert.Equal(t, job.ID, req.Metadata[agent.MetaJobID])
	assert.Equal(t, "webhook", req.Metadata["source"])
	assert.NotContains(t, req.Metadata, "attempt")
}

func TestProcessorRetriesRetryableFailure(t *testing.T) {
	var calls atomic.Int32
	exec := executorFunc(func(_ context.Context, req agent.Request) (*agent.Result, error) {
		if calls.Add(1) == 1 {
			return nil, xerrors.New(xerrors.CodeProviderUnavailable, "upstream 503")
		}
		return &agent.Result{Response: "ok", ConversationID: req.ConversationID}, nil
	})
	p := startPipeline(t, exec, 3)

	job, err := p.service.Submit(context.Background(), Request{Message: "hello", ConversationID: "conv-9"})
	require.NoError(t, err)

	job = p.waitTerminal(t, job.ID)
	assert.Equal(t, StatusSucceeded, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, "conv-9", job.ConversationID)
	assert.Empty(t, job.LastError)
	assert.Empty(t, p.alerts.snapshot())
	require.Eventually(t, func() bool { return len(p.observe.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{OutcomeRetried, OutcomeSucceeded}, p.observe.snapshot())
}

func TestProcessorAlertsOnNonRetryableFailure(t *testing.T) {
	exec := executorFunc(func(context.Context, agent.Request) (*agent.Result, error) {
		return nil, xerrors.New(xerrors.CodeProviderCredential, "bad key", xerrors.WithMetadata("provider", "openai"))
	})
	p := startPipeline(t, exec, 3)

	job, err := p.service.Submit(context.Background(), Request{Message: "hello", ConversationID: "conv-1"})
	require.NoError(t, err)

	job = p.waitTerminal(t, job.ID)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, string(xerrors.CodeProviderCredential), job.ErrorCode)

	require.Eventually(t, func() bool { return len(p.alerts.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	event := p.alerts.snapshot()[0]
	assert.Equal(t, job.ID, event.JobID)
	assert.Equal(t, "conv-1", event.ConversationID)
	assert.Equal(t, xerrors.CodeProviderCredential, event.Code)
	assert.Equal(t, xerrors.SeverityCritical, event.Severity)
	assert.Equal(t, "non_retryable", event.Metadata["reason"])
	assert.Equal(t, "openai", event.Metadata["provider"])
}

func TestProcessorStopsAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	exec := executorFunc(func(context.Context, agent.Request) (*agent.Result, error) {
		calls.Add(1)
		return nil, fmt.Errorf("round 1: %w", xerrors.New(xerrors.CodeTimeout, ""))
	})
	p := startPipeline(t, exec, 2)

	job, err := p.service.Submit(context.Background(), Request{Message: "hello"})
	require.NoError(t, err)

	job = p.waitTerminal(t, job.ID)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, int32(2), calls.Load())

	require.Eventually(t, func() bool { return len(p.alerts.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "retries_exhausted", p.alerts.snapshot()[0].Metadata["reason"])
	require.Eventually(t, func() bool { return len(p.observe.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{OutcomeRetried, OutcomeFailed}, p.observe.snapshot())
}

func TestProcessorUsesProcessingCodeForPlainErrors(t *testing.T) {
	exec := executorFunc(func(context.Context, agent.Request) (*agent.Result, error) {
		return nil, fmt.Errorf("plain failure")
	})
	p := startPipeline(t, exec, 3)

	job, err := p.service.Submit(context.Background(), Request{Message: "hello"})
	require.NoError(t, err)

	job = p.waitTerminal(t, job.ID)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, string(CodeJobProcessing), job.ErrorCode)
	assert.Equal(t, "plain failure", job.LastError)
}

func TestProcessorRequeuesPendingJobsOnStart(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(8)
	ctx := context.Background()
	for _, id := range []string{"left-1", "left-2"} {
		require.NoError(t, store.Create(ctx, &Job{ID: id, Message: id, Status: StatusPending, MaxRetries: 1}))
	}

	exec := executorFunc(func(_ context.Context, req agent.Request) (*agent.Result, error) {
		return &agent.Result{Response: req.Input}, nil
	})
	processor := NewProcessor(exec, store, queue)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = processor.Start(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.Eventually(t, func() bool {
		stats, err := store.Stats(ctx, ListOptions{})
		return err == nil && stats.Succeeded == 2
	}, 3*time.Second, 5*time.Millisecond)
}

func TestProcessorStartRequiresDependencies(t *testing.T) {
	err := NewProcessor(nil, NewMemoryStore(), NewMemoryQueue(1)).Start(context.Background())
	assert.True(t, xerrors.HasCode(err, xerrors.CodeInitializationFailure))
}
