package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"contextqueue/models"
)

type scriptEngine struct {
	mu     sync.Mutex
	single func(c *models.Context) (*ProcessResult, error)
	batch  func(cs []*models.Context) (*BatchResult, error)
	calls  int
}

func (e *scriptEngine) ProcessContext(ctx context.Context, c *models.Context) (*ProcessResult, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return e.single(c)
}

func (e *scriptEngine) ProcessBatch(ctx context.Context, cs []*models.Context) (*BatchResult, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return e.batch(cs)
}

func (e *scriptEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func newTestWorker(t *testing.T, store *MemoryStore, eng ProcessingEngine, cfg WorkerConfig) (*Worker, *Poller, *Manager, *recordingOutput) {
	t.Helper()
	logger := zap.NewNop()
	m, out := newTestManager(t, store)
	p := NewPoller(store, "svc", 10, cfg.RetryDelay, logger)
	w := NewWorker(p, m, eng, cfg, logger)
	return w, p, m, out
}

func TestWorkerEndToEnd(t *testing.T) {
	store := NewMemoryStore()
	eng := &scriptEngine{
		single: func(c *models.Context) (*ProcessResult, error) {
			return &ProcessResult{Output: "analyzed", Tags: []string{"engine:v2"}}, nil
		},
	}
	w, _, m, out := newTestWorker(t, store, eng, WorkerConfig{
		PollInterval: 5 * time.Millisecond,
		MaxRetries:   3,
		RetryDelay:   time.Minute,
	})

	id, err := m.CreateServiceContext(context.Background(), CreateContextParams{
		ServiceType: "svc",
		Priority:    5,
		Request:     map[string]interface{}{"input": "data"},
	})
	require.NoError(t, err)

	w.Start()
	defer w.Stop()

	require.Eventually(t, func() bool {
		c, _ := store.Get(context.Background(), id)
		return c != nil && c.Status == models.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	w.Stop()
	m.Close()

	c, _ := store.Get(context.Background(), id)
	assert.Equal(t, "analyzed", c.Results.Output)
	assert.True(t, c.HasTag("engine:v2"))
	require.NotNil(t, c.CompletedAt)

	// The condition engine routed the final document to the output
	// manager exactly once.
	require.Equal(t, 1, out.count())
	assert.Equal(t, id, out.calls[0].ID)
	assert.Equal(t, models.StatusCompleted, out.calls[0].Status)

	metrics := w.Metrics()
	assert.False(t, metrics.Running)
	assert.Equal(t, int64(1), metrics.ProcessedCount)
	assert.Equal(t, int64(1), metrics.SuccessCount)
	assert.Equal(t, int64(0), metrics.ErrorCount)
	assert.False(t, metrics.LastProcessed.IsZero())
}

func TestWorkerRetryBackoffSchedule(t *testing.T) {
	store := NewMemoryStore()
	eng := &scriptEngine{
		single: func(c *models.Context) (*ProcessResult, error) {
			return nil, &ProcessingError{Message: "transient", Component: "engine", RetryRecommended: true}
		},
	}
	const d = 10 * time.Second
	w, p, m, _ := newTestWorker(t, store, eng, WorkerConfig{
		MaxRetries: 3,
		RetryDelay: d,
	})

	base := time.Now()
	setClock := func(tm time.Time) {
		clock := func() time.Time { return tm }
		p.now, w.now, m.now = clock, clock, clock
	}

	seedPending(t, store, "flaky", "svc", "", 5, base.Add(-time.Minute))
	ctx := context.Background()

	// Attempt 1 fails at T0: first retry is due one base delay later.
	setClock(base)
	c := p.GetNextContext(ctx)
	require.NotNil(t, c)
	w.processOne(ctx, c)

	doc, _ := store.Get(ctx, "flaky")
	assert.Equal(t, models.StatusPending, doc.Status)
	require.NotNil(t, doc.Results.Error)
	assert.Equal(t, "transient", doc.Results.Error.Message)
	assert.WithinDuration(t, base, *doc.LastAttempt, time.Second)

	// Attempt 2 at T1 = T0 + d: backoff doubles, so the context becomes
	// eligible 2d after this failure.
	t1 := base.Add(d + time.Millisecond)
	setClock(t1)
	c = p.GetNextContext(ctx)
	require.NotNil(t, c)
	assert.Equal(t, 2, c.Attempts)
	w.processOne(ctx, c)

	doc, _ = store.Get(ctx, "flaky")
	assert.Equal(t, models.StatusPending, doc.Status)
	assert.WithinDuration(t, t1.Add(d), *doc.LastAttempt, time.Second)

	// Not yet eligible before the doubled backoff expires.
	setClock(t1.Add(2*d - time.Millisecond))
	assert.Nil(t, p.GetNextContext(ctx))

	// Attempt 3 at T2 = T1 + 2d: backoff quadruples.
	t2 := t1.Add(2*d + time.Millisecond)
	setClock(t2)
	c = p.GetNextContext(ctx)
	require.NotNil(t, c)
	assert.Equal(t, 3, c.Attempts)
	w.processOne(ctx, c)

	doc, _ = store.Get(ctx, "flaky")
	assert.Equal(t, models.StatusPending, doc.Status)
	assert.WithinDuration(t, t2.Add(3*d), *doc.LastAttempt, time.Second)

	// Attempt 4 exhausts MaxRetries: the context stays failed for good.
	t3 := t2.Add(4*d + time.Millisecond)
	setClock(t3)
	c = p.GetNextContext(ctx)
	require.NotNil(t, c)
	assert.Equal(t, 4, c.Attempts)
	w.processOne(ctx, c)

	doc, _ = store.Get(ctx, "flaky")
	assert.Equal(t, models.StatusFailed, doc.Status)

	metrics := w.Metrics()
	assert.Equal(t, int64(4), metrics.ProcessedCount)
	assert.Equal(t, int64(4), metrics.ErrorCount)
}

func TestWorkerNonRetryableFailureStaysFailed(t *testing.T) {
	store := NewMemoryStore()
	eng := &scriptEngine{
		single: func(c *models.Context) (*ProcessResult, error) {
			return nil, &ProcessingError{Message: "bad template", Component: "engine"}
		},
	}
	w, p, _, _ := newTestWorker(t, store, eng, WorkerConfig{MaxRetries: 3, RetryDelay: time.Second})

	seedPending(t, store, "doomed", "svc", "", 5, time.Now())
	ctx := context.Background()
	c := p.GetNextContext(ctx)
	require.NotNil(t, c)
	w.processOne(ctx, c)

	doc, _ := store.Get(ctx, "doomed")
	assert.Equal(t, models.StatusFailed, doc.Status)
	assert.Equal(t, "bad template", doc.Results.Error.Message)
	assert.Equal(t, "engine", doc.Results.Error.Component)
}

func TestWorkerBatchFanOut(t *testing.T) {
	store := NewMemoryStore()
	eng := &scriptEngine{
		batch: func(cs []*models.Context) (*BatchResult, error) {
			// Two results for three contexts: the third gets an engine
			// bookkeeping failure.
			return &BatchResult{Items: []BatchItemResult{
				{Success: true, Output: "r0"},
				{Success: false, Error: "item exploded"},
			}}, nil
		},
	}
	w, p, m, _ := newTestWorker(t, store, eng, WorkerConfig{
		BatchMode:  true,
		BatchSize:  3,
		BatchWait:  time.Hour,
		MaxRetries: 3,
		RetryDelay: time.Minute,
	})

	now := time.Now()
	seedPending(t, store, "i0", "svc", "tmpl", 5, now.Add(-3*time.Second))
	seedPending(t, store, "i1", "svc", "tmpl", 5, now.Add(-2*time.Second))
	seedPending(t, store, "i2", "svc", "tmpl", 5, now.Add(-time.Second))

	ctx := context.Background()
	batch := p.GetBatchContexts(ctx, 3, time.Hour)
	require.Len(t, batch, 3)
	w.processBatch(ctx, batch)
	m.Close()

	c0, _ := store.Get(ctx, "i0")
	assert.Equal(t, models.StatusCompleted, c0.Status)
	assert.Equal(t, "r0", c0.Results.Output)

	c1, _ := store.Get(ctx, "i1")
	assert.Equal(t, models.StatusFailed, c1.Status)
	assert.Equal(t, "item exploded", c1.Results.Error.Message)

	c2, _ := store.Get(ctx, "i2")
	assert.Equal(t, models.StatusFailed, c2.Status)

	// One engine call, metrics counted per item.
	assert.Equal(t, 1, eng.callCount())
	metrics := w.Metrics()
	assert.True(t, metrics.BatchMode)
	assert.Equal(t, int64(3), metrics.ProcessedCount)
	assert.Equal(t, int64(1), metrics.SuccessCount)
	assert.Equal(t, int64(2), metrics.ErrorCount)
}

func TestWorkerBatchWholeFailureRetries(t *testing.T) {
	store := NewMemoryStore()
	eng := &scriptEngine{
		batch: func(cs []*models.Context) (*BatchResult, error) {
			return nil, &ProcessingError{Message: "engine offline", Component: "engine", RetryRecommended: true}
		},
	}
	w, p, _, _ := newTestWorker(t, store, eng, WorkerConfig{
		BatchMode:  true,
		BatchSize:  2,
		BatchWait:  time.Hour,
		MaxRetries: 3,
		RetryDelay: time.Minute,
	})

	now := time.Now()
	seedPending(t, store, "j0", "svc", "tmpl", 5, now.Add(-2*time.Second))
	seedPending(t, store, "j1", "svc", "tmpl", 5, now.Add(-time.Second))

	ctx := context.Background()
	batch := p.GetBatchContexts(ctx, 2, time.Hour)
	require.Len(t, batch, 2)
	w.processBatch(ctx, batch)

	// Every member shares the failure and gets rescheduled.
	for _, id := range []string{"j0", "j1"} {
		doc, _ := store.Get(ctx, id)
		assert.Equal(t, models.StatusPending, doc.Status)
		assert.Equal(t, "engine offline", doc.Results.Error.Message)
	}
}

func TestWorkerSurvivesEnginePanic(t *testing.T) {
	store := NewMemoryStore()
	var once sync.Once
	eng := &scriptEngine{
		single: func(c *models.Context) (*ProcessResult, error) {
			panicked := false
			once.Do(func() {
				panicked = true
			})
			if panicked {
				panic("engine bug")
			}
			return &ProcessResult{Output: "ok"}, nil
		},
	}
	w, _, m, _ := newTestWorker(t, store, eng, WorkerConfig{
		PollInterval: time.Millisecond,
		MaxRetries:   3,
		RetryDelay:   time.Minute,
	})
	// Skip the elevated panic backoff so the test stays fast.
	w.sleep = func(d time.Duration, stop <-chan struct{}) bool {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}

	seedPending(t, store, "p0", "svc", "", 5, time.Now().Add(-2*time.Second))
	seedPending(t, store, "p1", "svc", "", 5, time.Now().Add(-time.Second))

	w.Start()
	defer w.Stop()
	require.Eventually(t, func() bool {
		c, _ := store.Get(context.Background(), "p1")
		return c != nil && c.Status == models.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	w.Stop()
	m.Close()
}

func TestWorkerStartStopIdempotent(t *testing.T) {
	store := NewMemoryStore()
	eng := &scriptEngine{
		single: func(c *models.Context) (*ProcessResult, error) {
			return &ProcessResult{}, nil
		},
	}
	w, _, _, _ := newTestWorker(t, store, eng, WorkerConfig{PollInterval: time.Millisecond})

	w.Start()
	w.Start()
	assert.True(t, w.Metrics().Running)
	w.Stop()
	w.Stop()
	assert.False(t, w.Metrics().Running)
}
