package services

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"contextqueue/models"
)

type stubUsers struct {
	exists map[string]bool
	err    error
}

func (s *stubUsers) ValidateUserExists(ctx context.Context, userID string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.exists[userID], nil
}

type recordingOutput struct {
	mu    sync.Mutex
	calls []*models.Context
	err   error
}

func (r *recordingOutput) ProcessOutput(ctx context.Context, contextID string, c *models.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
	return r.err
}

func (r *recordingOutput) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestManager(t *testing.T, store *MemoryStore) (*Manager, *recordingOutput) {
	t.Helper()
	out := &recordingOutput{}
	users := &stubUsers{exists: map[string]bool{"u1": true}}
	m, err := NewManager(store, users, out, ManagerConfig{
		IDSource:         "test",
		CompletedTTLDays: 7,
		FailedTTLDays:    14,
		MaxWaitTime:      time.Hour,
	}, zap.NewNop())
	require.NoError(t, err)
	return m, out
}

func TestCreateServiceContext(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newTestManager(t, store)

	id, err := m.CreateServiceContext(context.Background(), CreateContextParams{
		ServiceType: "analysis",
		Priority:    2,
		UserID:      "u1",
		TenantID:    "t9",
		Request:     map[string]interface{}{"q": "v"},
	})
	require.NoError(t, err)

	c, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, models.StatusPending, c.Status)
	assert.Equal(t, 2, c.Priority)
	assert.True(t, c.HasTag("service:analysis"))
	assert.True(t, c.HasTag("user:u1"))
	assert.True(t, c.HasTag("tenant:t9"))
}

func TestCreateServiceContextRequiresServiceType(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newTestManager(t, store)
	_, err := m.CreateServiceContext(context.Background(), CreateContextParams{})
	assert.Error(t, err)
	assert.Equal(t, 0, store.Len())
}

func TestCreateContextStatusCreated(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newTestManager(t, store)

	id, err := m.CreateContext(context.Background(), CreateContextParams{})
	require.NoError(t, err)
	c, _ := store.Get(context.Background(), id)
	require.NotNil(t, c)
	assert.Equal(t, models.StatusCreated, c.Status)
	assert.Equal(t, models.PriorityDefault, c.Priority)
}

func TestCreateContextClampsInvalidPriority(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newTestManager(t, store)

	for _, p := range []int{0, 42, -1} {
		id, err := m.CreateContext(context.Background(), CreateContextParams{Priority: p})
		require.NoError(t, err)
		c, _ := store.Get(context.Background(), id)
		assert.Equal(t, models.PriorityDefault, c.Priority)
	}
}

func TestCreateContextRejectsUnknownUser(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newTestManager(t, store)

	_, err := m.CreateServiceContext(context.Background(), CreateContextParams{
		ServiceType: "analysis",
		UserID:      "ghost",
	})
	assert.Error(t, err)
	// Nothing is partially persisted.
	assert.Equal(t, 0, store.Len())
}

func TestCreateBatchContext(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newTestManager(t, store)

	id, err := m.CreateBatchContext(context.Background(), CreateBatchParams{
		BatchID:          "batch-7",
		ServiceType:      "analysis",
		ProcessingMethod: models.ProcessingMethodBatch,
		DataSourceType:   models.DataSourceUsers,
		ValidItems:       []interface{}{"a", "b", "c"},
		InvalidItems:     []interface{}{"z"},
	})
	require.NoError(t, err)

	c, _ := store.Get(context.Background(), id)
	require.NotNil(t, c)
	assert.Equal(t, models.StatusInitializing, c.Status)
	require.NotNil(t, c.Batch)
	assert.Equal(t, "batch-7", c.Batch.ID)
	assert.Equal(t, 4, c.Batch.ItemCount)
	require.NotNil(t, c.Results)
	assert.Equal(t, 3, c.Results.Validation.Valid)
	assert.Equal(t, 1, c.Results.Validation.Invalid)
	assert.Equal(t, 4, c.Results.Validation.Total)
	assert.Equal(t, 3, c.Results.Progress.Total)
}

func TestCreateBatchContextValidation(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newTestManager(t, store)

	cases := []CreateBatchParams{
		{DataSourceType: models.DataSourceUsers},                                        // no method
		{ProcessingMethod: models.ProcessingMethodBatch},                                // no source
		{ProcessingMethod: "SOMETIMES", DataSourceType: models.DataSourceUsers},         // bad method
		{ProcessingMethod: models.ProcessingMethodBatch, DataSourceType: "SPREADSHEET"}, // bad source
	}
	for _, p := range cases {
		_, err := m.CreateBatchContext(context.Background(), p)
		assert.Error(t, err)
	}
	assert.Equal(t, 0, store.Len())
}

func TestCreatePreferenceBatchContext(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newTestManager(t, store)
	// u1 exists in the stub; ghost does not and is skipped.
	batchID, childIDs, err := m.CreatePreferenceBatchContext(
		context.Background(), "instagram", "daily", "2026-08-23", "preference", []string{"u1", "ghost"})
	require.NoError(t, err)
	require.Len(t, childIDs, 1)

	batch, _ := m.GetBatchContextByBatchID(context.Background(), "pref-instagram-daily-2026-08-23")
	require.NotNil(t, batch)
	assert.Equal(t, batchID, batch.ID)

	child, _ := store.Get(context.Background(), childIDs[0])
	require.NotNil(t, child)
	assert.Equal(t, batchID, child.ParentID)
	assert.Equal(t, models.StatusPending, child.Status)
	assert.True(t, child.HasTag("user:u1"))
}

func TestUpdateBatchProgress(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newTestManager(t, store)

	id, err := m.CreateBatchContext(context.Background(), CreateBatchParams{
		ProcessingMethod: models.ProcessingMethodIndividual,
		DataSourceType:   models.DataSourceUsers,
		ValidItems:       []interface{}{1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
	})
	require.NoError(t, err)

	require.NoError(t, m.UpdateBatchProgress(context.Background(), id, 7, 6, 1, 10))
	c, _ := store.Get(context.Background(), id)
	assert.Equal(t, 70, c.Results.Progress.Percentage)
	assert.Equal(t, 7, c.Results.Progress.Processed)

	t.Run("zero total", func(t *testing.T) {
		require.NoError(t, m.UpdateBatchProgress(context.Background(), id, 7, 6, 1, 0))
		c, _ := store.Get(context.Background(), id)
		assert.Equal(t, 0, c.Results.Progress.Percentage)
	})

	t.Run("missing results block is initialized", func(t *testing.T) {
		bare := &models.Context{ID: "bare", Status: models.StatusProcessing, CreatedAt: time.Now()}
		require.NoError(t, store.Save(context.Background(), bare))
		require.NoError(t, m.UpdateBatchProgress(context.Background(), "bare", 1, 1, 0, 4))
		c, _ := store.Get(context.Background(), "bare")
		require.NotNil(t, c.Results)
		assert.Equal(t, 25, c.Results.Progress.Percentage)
	})
}

func TestUpdateStatusStampsCompletedAt(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newTestManager(t, store)

	id, _ := m.CreateServiceContext(context.Background(), CreateContextParams{ServiceType: "svc"})
	require.NoError(t, m.UpdateStatus(context.Background(), id, models.StatusProcessing))
	c, _ := store.Get(context.Background(), id)
	assert.Nil(t, c.CompletedAt)

	for _, status := range []string{models.StatusCompleted, models.StatusFailed, models.StatusPartial} {
		require.NoError(t, m.UpdateStatus(context.Background(), id, status))
		c, _ := store.Get(context.Background(), id)
		require.NotNil(t, c.CompletedAt)
	}
	m.Close()
}

func TestConditionEngineRoutesCompletedToOutput(t *testing.T) {
	store := NewMemoryStore()
	m, out := newTestManager(t, store)

	id, _ := m.CreateServiceContext(context.Background(), CreateContextParams{ServiceType: "svc"})
	require.NoError(t, m.CompleteContext(context.Background(), id, &ProcessResult{Output: "done"}))
	m.outputWG.Wait()

	require.Equal(t, 1, out.count())
	assert.Equal(t, id, out.calls[0].ID)
	assert.Equal(t, models.StatusCompleted, out.calls[0].Status)
	assert.Equal(t, "done", out.calls[0].Results.Output)
}

func TestConditionEngineDoesNotRouteFailures(t *testing.T) {
	store := NewMemoryStore()
	m, out := newTestManager(t, store)

	id, _ := m.CreateServiceContext(context.Background(), CreateContextParams{ServiceType: "svc"})
	require.NoError(t, m.UpdateStatus(context.Background(), id, models.StatusProcessing))
	require.NoError(t, m.FailContext(context.Background(), id, &models.ErrorInfo{Message: "boom"}))
	m.outputWG.Wait()
	// failed maps to log_error, not output routing
	assert.Equal(t, 0, out.count())
}

func TestConditionFailureDoesNotBlockStatusWrite(t *testing.T) {
	store := NewMemoryStore()
	m, out := newTestManager(t, store)
	out.err = errors.New("sink down")

	id, _ := m.CreateServiceContext(context.Background(), CreateContextParams{ServiceType: "svc"})
	require.NoError(t, m.CompleteContext(context.Background(), id, nil))
	m.outputWG.Wait()

	c, _ := store.Get(context.Background(), id)
	assert.Equal(t, models.StatusCompleted, c.Status)
}

func TestAddBatchItemResult(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newTestManager(t, store)

	id, _ := m.CreateBatchContext(context.Background(), CreateBatchParams{
		ProcessingMethod: models.ProcessingMethodIndividual,
		DataSourceType:   models.DataSourceCategories,
		ValidItems:       []interface{}{"x"},
	})

	require.NoError(t, m.AddBatchItemResult(context.Background(), id, "item-1", map[string]interface{}{"ok": true}))
	require.NoError(t, m.AddBatchItemResult(context.Background(), id, "item-1", map[string]interface{}{"ok": false}))

	c, _ := store.Get(context.Background(), id)
	require.Len(t, c.Results.Items, 1)
	assert.Equal(t, map[string]interface{}{"ok": false}, c.Results.Items["item-1"])
}

func TestGetBatchContextSummary(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newTestManager(t, store)

	_, err := m.CreateBatchContext(context.Background(), CreateBatchParams{
		BatchID:          "batch-9",
		ProcessingMethod: models.ProcessingMethodBatch,
		DataSourceType:   models.DataSourceUsers,
		ValidItems:       []interface{}{"a", "b"},
	})
	require.NoError(t, err)

	s, err := m.GetBatchContextSummary(context.Background(), "batch-9")
	require.NoError(t, err)
	assert.Equal(t, "batch-9", s.BatchID)
	assert.Equal(t, models.StatusInitializing, s.Status)
	assert.Equal(t, 2, s.Validation.Valid)

	_, err = m.GetBatchContextSummary(context.Background(), "no-such-batch")
	assert.Error(t, err)
}

func TestUpdateBatchStatus(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newTestManager(t, store)

	_, err := m.CreateBatchContext(context.Background(), CreateBatchParams{
		BatchID:          "batch-3",
		ProcessingMethod: models.ProcessingMethodBatch,
		DataSourceType:   models.DataSourceUsers,
	})
	require.NoError(t, err)

	require.NoError(t, m.UpdateBatchStatus(context.Background(), "batch-3", models.StatusProcessing))
	c, _ := m.GetBatchContextByBatchID(context.Background(), "batch-3")
	assert.Equal(t, models.StatusProcessing, c.Status)

	assert.Error(t, m.UpdateBatchStatus(context.Background(), "missing", models.StatusProcessing))
}

func TestPromoteWaitingContexts(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newTestManager(t, store)
	maxWait := time.Hour
	now := time.Now()

	seed := func(id string, priority int, age time.Duration) {
		require.NoError(t, store.Save(context.Background(), &models.Context{
			ID:          id,
			Status:      models.StatusPending,
			Priority:    priority,
			ServiceType: "svc",
			CreatedAt:   now.Add(-age),
		}))
	}
	seed("ancient", 9, maxWait)     // all tiers match: target 1
	seed("fresh", 9, 0)             // no tier matches
	seed("mid", 9, 21*time.Minute)  // /5 and /3 tiers: target 6
	seed("already-urgent", 3, maxWait/2) // tiers reach 4 at best: no change

	promoted, err := m.PromoteWaitingContexts(context.Background(), maxWait)
	require.NoError(t, err)
	assert.Equal(t, 2, promoted)

	ancient, _ := store.Get(context.Background(), "ancient")
	assert.Equal(t, 1, ancient.Priority)
	assert.True(t, ancient.PriorityPromoted)
	require.NotNil(t, ancient.PriorityPromotedAt)
	assert.NotEmpty(t, ancient.PriorityReason)

	fresh, _ := store.Get(context.Background(), "fresh")
	assert.Equal(t, 9, fresh.Priority)
	assert.False(t, fresh.PriorityPromoted)

	mid, _ := store.Get(context.Background(), "mid")
	assert.Equal(t, 6, mid.Priority)

	urgent, _ := store.Get(context.Background(), "already-urgent")
	assert.Equal(t, 3, urgent.Priority)
	assert.False(t, urgent.PriorityPromoted)
}

func TestPromotionOnlyRaisesUrgency(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newTestManager(t, store)

	// Priority 1 context can never be promoted further, no matter the age.
	require.NoError(t, store.Save(context.Background(), &models.Context{
		ID:          "top",
		Status:      models.StatusPending,
		Priority:    1,
		ServiceType: "svc",
		CreatedAt:   time.Now().Add(-24 * time.Hour),
	}))
	promoted, err := m.PromoteWaitingContexts(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, promoted)
}

func TestRunManualCleanupIdempotent(t *testing.T) {
	store := NewMemoryStore()
	m, _ := newTestManager(t, store)
	now := time.Now()

	oldDone := now.AddDate(0, 0, -10)
	recentDone := now.AddDate(0, 0, -2)
	save := func(id, status string, completedAt time.Time) {
		require.NoError(t, store.Save(context.Background(), &models.Context{
			ID:          id,
			Status:      status,
			CreatedAt:   completedAt.Add(-time.Hour),
			CompletedAt: &completedAt,
		}))
	}
	save("old-completed", models.StatusCompleted, oldDone)
	save("old-failed", models.StatusFailed, oldDone)
	save("recent-completed", models.StatusCompleted, recentDone)

	deleted, err := m.RunManualCleanup(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	// Second pass with no new terminal contexts deletes nothing.
	deleted, err = m.RunManualCleanup(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(0), deleted)
	assert.Equal(t, 1, store.Len())

	_, err = m.RunManualCleanup(context.Background(), 0)
	assert.Error(t, err)
}

func TestReloadConditions(t *testing.T) {
	store := NewMemoryStore()
	out := &recordingOutput{}
	path := writeConditionFile(t, `{"status": {"completed": {"action": "route_to_output"}}}`)
	m, err := NewManager(store, &stubUsers{}, out, ManagerConfig{ConditionsPath: path}, zap.NewNop())
	require.NoError(t, err)

	// Swap the table on disk: completed becomes a no-op after reload.
	require.NoError(t, os.WriteFile(path, []byte(`{"status": {"completed": {"action": "none"}}}`), 0o644))
	require.NoError(t, m.ReloadConditions())

	require.NoError(t, store.Save(context.Background(), &models.Context{ID: "c", Status: models.StatusPending, CreatedAt: time.Now()}))
	require.NoError(t, m.CompleteContext(context.Background(), "c", nil))
	m.outputWG.Wait()
	assert.Equal(t, 0, out.count())
}

func TestBackgroundTasksStartStop(t *testing.T) {
	store := NewMemoryStore()
	out := &recordingOutput{}
	m, err := NewManager(store, &stubUsers{}, out, ManagerConfig{
		CleanupInterval:   10 * time.Millisecond,
		PromotionInterval: 10 * time.Millisecond,
		MaxWaitTime:       time.Hour,
	}, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, store.Save(context.Background(), &models.Context{
		ID:        "aged",
		Status:    models.StatusPending,
		Priority:  9,
		CreatedAt: time.Now().Add(-2 * time.Hour),
	}))

	m.StartPromotionTask()
	m.StartPromotionTask() // idempotent
	m.StartCleanupTask()

	assert.Eventually(t, func() bool {
		c, _ := store.Get(context.Background(), "aged")
		return c != nil && c.Priority == 1
	}, time.Second, 5*time.Millisecond)

	m.Close()
	m.Close() // stop is safe twice
}
