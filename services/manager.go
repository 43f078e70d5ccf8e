package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"contextqueue/models"
)

// ManagerConfig carries the manager's tunables.
type ManagerConfig struct {
	// IDSource tags generated context IDs (e.g. "agent").
	IDSource string
	// ConditionsPath is the JSON condition table; empty means defaults.
	ConditionsPath string

	CleanupInterval  time.Duration
	CompletedTTLDays int
	FailedTTLDays    int

	PromotionInterval time.Duration
	// MaxWaitTime is the age at which a pending context reaches top
	// priority via aging.
	MaxWaitTime time.Duration
}

// Manager is the authoritative lifecycle layer for contexts: creation,
// status transitions and their configured side effects, priority aging,
// and TTL cleanup. Safe for concurrent use.
type Manager struct {
	store  ContextStore
	users  UserRepository
	output OutputManager
	logger *zap.Logger
	cfg    ManagerConfig

	condMu     sync.RWMutex
	conditions ConditionSet

	taskMu        sync.Mutex
	cleanupStop   chan struct{}
	cleanupDone   chan struct{}
	promotionStop chan struct{}
	promotionDone chan struct{}

	outputWG sync.WaitGroup

	now func() time.Time
}

// NewManager builds a manager. The condition table is resolved eagerly;
// a malformed table is an error, a missing one falls back to defaults.
func NewManager(store ContextStore, users UserRepository, output OutputManager, cfg ManagerConfig, logger *zap.Logger) (*Manager, error) {
	conditions, err := LoadConditions(cfg.ConditionsPath, logger)
	if err != nil {
		return nil, err
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 24 * time.Hour
	}
	if cfg.CompletedTTLDays <= 0 {
		cfg.CompletedTTLDays = 7
	}
	if cfg.FailedTTLDays <= 0 {
		cfg.FailedTTLDays = 14
	}
	if cfg.PromotionInterval <= 0 {
		cfg.PromotionInterval = 5 * time.Minute
	}
	if cfg.MaxWaitTime <= 0 {
		cfg.MaxWaitTime = time.Hour
	}
	return &Manager{
		store:      store,
		users:      users,
		output:     output,
		logger:     logger,
		cfg:        cfg,
		conditions: conditions,
		now:        time.Now,
	}, nil
}

// CreateContextParams are the caller-supplied fields for a new context.
type CreateContextParams struct {
	ServiceType string
	TemplateID  string
	Priority    int
	Request     map[string]interface{}
	Template    map[string]interface{}
	Tags        []string
	UserID      string
	TenantID    string
	ParentID    string
}

// CreateContext persists a plain context with status created.
func (m *Manager) CreateContext(ctx context.Context, p CreateContextParams) (string, error) {
	return m.create(ctx, p, models.StatusCreated)
}

// CreateServiceContext persists a claimable context with status pending.
// The service type routes it to the matching worker pool.
func (m *Manager) CreateServiceContext(ctx context.Context, p CreateContextParams) (string, error) {
	if p.ServiceType == "" {
		return "", fmt.Errorf("create service context: service type required")
	}
	return m.create(ctx, p, models.StatusPending)
}

func (m *Manager) create(ctx context.Context, p CreateContextParams, status string) (string, error) {
	priority, ok := models.ClampPriority(p.Priority)
	if !ok {
		m.logger.Warn("priority out of range, using default",
			zap.Int("priority", p.Priority), zap.Int("default", priority))
	}

	if p.UserID != "" {
		exists, err := m.users.ValidateUserExists(ctx, p.UserID)
		if err != nil {
			return "", fmt.Errorf("validate user %s: %w", p.UserID, err)
		}
		if !exists {
			return "", fmt.Errorf("create context: user %s does not exist", p.UserID)
		}
	}

	now := m.now()
	c := &models.Context{
		ID:          models.NewContextID(m.cfg.IDSource),
		Status:      status,
		Priority:    priority,
		ServiceType: p.ServiceType,
		TemplateID:  p.TemplateID,
		Request:     p.Request,
		Template:    p.Template,
		ParentID:    p.ParentID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	c.AddTags(p.Tags...)
	if p.ServiceType != "" {
		c.AddTags("service:" + p.ServiceType)
	}
	if p.UserID != "" {
		c.AddTags("user:" + p.UserID)
	}
	if p.TenantID != "" {
		c.AddTags("tenant:" + p.TenantID)
	}

	if err := m.store.Save(ctx, c); err != nil {
		m.logger.Error("create context failed", zap.String("context_id", c.ID), zap.Error(err))
		return "", fmt.Errorf("save context %s: %w", c.ID, err)
	}
	m.logger.Info("context created",
		zap.String("context_id", c.ID),
		zap.String("status", status),
		zap.Int("priority", priority),
		zap.String("service_type", p.ServiceType))
	return c.ID, nil
}

// CreateBatchParams describe a batch context.
type CreateBatchParams struct {
	BatchID          string
	ServiceType      string
	TemplateID       string
	Priority         int
	ProcessingMethod string
	DataSourceType   string
	ValidItems       []interface{}
	InvalidItems     []interface{}
	Template         map[string]interface{}
	Tags             []string
}

// CreateBatchContext persists a batch context in status initializing with
// the full progress and validation skeleton. Processing method and data
// source type are mandatory.
func (m *Manager) CreateBatchContext(ctx context.Context, p CreateBatchParams) (string, error) {
	if p.ProcessingMethod == "" || p.DataSourceType == "" {
		return "", fmt.Errorf("create batch context: processing method and data source type required")
	}
	switch p.ProcessingMethod {
	case models.ProcessingMethodIndividual, models.ProcessingMethodBatch:
	default:
		return "", fmt.Errorf("create batch context: unknown processing method %q", p.ProcessingMethod)
	}
	switch p.DataSourceType {
	case models.DataSourceUsers, models.DataSourceCategories:
	default:
		return "", fmt.Errorf("create batch context: unknown data source type %q", p.DataSourceType)
	}

	priority, ok := models.ClampPriority(p.Priority)
	if !ok {
		m.logger.Warn("priority out of range, using default",
			zap.Int("priority", p.Priority), zap.Int("default", priority))
	}

	valid := len(p.ValidItems)
	invalid := len(p.InvalidItems)
	total := valid + invalid
	batchID := p.BatchID
	if batchID == "" {
		batchID = models.NewContextID("batch")
	}

	now := m.now()
	c := &models.Context{
		ID:          models.NewContextID(m.cfg.IDSource),
		Status:      models.StatusInitializing,
		Priority:    priority,
		ServiceType: p.ServiceType,
		TemplateID:  p.TemplateID,
		Template:    p.Template,
		CreatedAt:   now,
		UpdatedAt:   now,
		Batch: &models.BatchInfo{
			ID:               batchID,
			ProcessingMethod: p.ProcessingMethod,
			DataSourceType:   p.DataSourceType,
			ItemCount:        total,
		},
		Results: &models.Results{
			Progress: &models.Progress{Total: valid},
			Validation: &models.Validation{
				Total:        total,
				Valid:        valid,
				Invalid:      invalid,
				ValidItems:   p.ValidItems,
				InvalidItems: p.InvalidItems,
			},
			Items: map[string]interface{}{},
		},
	}
	c.AddTags(p.Tags...)
	if p.ServiceType != "" {
		c.AddTags("service:" + p.ServiceType)
	}

	if err := m.store.Save(ctx, c); err != nil {
		m.logger.Error("create batch context failed", zap.String("batch_id", batchID), zap.Error(err))
		return "", fmt.Errorf("save batch context %s: %w", c.ID, err)
	}
	m.logger.Info("batch context created",
		zap.String("context_id", c.ID),
		zap.String("batch_id", batchID),
		zap.String("processing_method", p.ProcessingMethod),
		zap.String("data_source_type", p.DataSourceType),
		zap.Int("item_count", total))
	return c.ID, nil
}

// CreatePreferenceBatchContext creates a batch keyed by (feature type,
// frequency, time key) and spawns one pending child context per user,
// linked via parent_id. Returns the batch context ID and the child IDs.
func (m *Manager) CreatePreferenceBatchContext(ctx context.Context, featureType, frequency, timeKey, serviceType string, userIDs []string) (string, []string, error) {
	if featureType == "" || frequency == "" || timeKey == "" {
		return "", nil, fmt.Errorf("create preference batch: feature type, frequency and time key required")
	}

	items := make([]interface{}, 0, len(userIDs))
	for _, id := range userIDs {
		items = append(items, id)
	}
	batchID, err := m.CreateBatchContext(ctx, CreateBatchParams{
		BatchID:          models.PreferenceBatchID(featureType, frequency, timeKey),
		ServiceType:      serviceType,
		ProcessingMethod: models.ProcessingMethodIndividual,
		DataSourceType:   models.DataSourceUsers,
		ValidItems:       items,
		Tags:             []string{"feature:" + featureType, "frequency:" + frequency},
	})
	if err != nil {
		return "", nil, err
	}

	childIDs := make([]string, 0, len(userIDs))
	for _, userID := range userIDs {
		childID, err := m.CreateServiceContext(ctx, CreateContextParams{
			ServiceType: serviceType,
			UserID:      userID,
			ParentID:    batchID,
			Request: map[string]interface{}{
				"feature_type": featureType,
				"frequency":    frequency,
				"time_key":     timeKey,
				"user_id":      userID,
			},
		})
		if err != nil {
			// Children are independent units; one bad user does not sink
			// the batch.
			m.logger.Warn("preference child not created",
				zap.String("batch_context_id", batchID),
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		childIDs = append(childIDs, childID)
	}
	return batchID, childIDs, nil
}

// GetContext fetches one context by ID.
func (m *Manager) GetContext(ctx context.Context, id string) (*models.Context, error) {
	return m.store.Get(ctx, id)
}

// GetBatchContextByBatchID fetches the batch context carrying the given
// batch ID.
func (m *Manager) GetBatchContextByBatchID(ctx context.Context, batchID string) (*models.Context, error) {
	return m.store.FindByBatchID(ctx, batchID)
}

// BatchSummary is the external digest of a batch context.
type BatchSummary struct {
	BatchID    string             `json:"batch_id"`
	ContextID  string             `json:"context_id"`
	Status     string             `json:"status"`
	Progress   *models.Progress   `json:"progress,omitempty"`
	Validation *models.Validation `json:"validation,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

// GetBatchContextSummary returns the status/progress/validation digest
// for a batch.
func (m *Manager) GetBatchContextSummary(ctx context.Context, batchID string) (*BatchSummary, error) {
	c, err := m.store.FindByBatchID(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if c == nil || c.Batch == nil {
		return nil, fmt.Errorf("batch %s not found", batchID)
	}
	s := &BatchSummary{
		BatchID:   c.Batch.ID,
		ContextID: c.ID,
		Status:    c.Status,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	if c.Results != nil {
		s.Progress = c.Results.Progress
		s.Validation = c.Results.Validation
	}
	return s, nil
}

// UpdateStatus writes a new status, stamps completed_at for terminal
// statuses, and runs the condition engine for the new status.
func (m *Manager) UpdateStatus(ctx context.Context, id, status string) error {
	return m.updateStatus(ctx, id, status, nil, nil)
}

// CompleteContext marks a context completed, storing the engine output
// and propagating engine-provided tags.
func (m *Manager) CompleteContext(ctx context.Context, id string, result *ProcessResult) error {
	mutate := func(c *models.Context) {
		if result != nil {
			c.EnsureResults().Output = result.Output
			c.AddTags(result.Tags...)
		}
	}
	return m.updateStatus(ctx, id, models.StatusCompleted, mutate, nil)
}

// FailContext marks a context failed with a structured error.
func (m *Manager) FailContext(ctx context.Context, id string, errInfo *models.ErrorInfo) error {
	mutate := func(c *models.Context) {
		if errInfo != nil {
			c.EnsureResults().Error = errInfo
		}
	}
	return m.updateStatus(ctx, id, models.StatusFailed, mutate, nil)
}

// ScheduleRetry returns a failed-in-flight context to pending with
// last_attempt set so it becomes claimable only once the backoff expires.
// No condition runs: pending is not a terminal status.
func (m *Manager) ScheduleRetry(ctx context.Context, id string, lastAttempt time.Time) error {
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get context %s: %w", id, err)
	}
	if c == nil {
		return fmt.Errorf("context %s not found", id)
	}
	c.Status = models.StatusPending
	c.LastAttempt = &lastAttempt
	c.UpdatedAt = m.now()
	if err := m.store.Save(ctx, c); err != nil {
		return fmt.Errorf("save context %s: %w", id, err)
	}
	m.logger.Info("retry scheduled",
		zap.String("context_id", id),
		zap.Int("attempts", c.Attempts),
		zap.Time("eligible_after", lastAttempt))
	return nil
}

// MarkProcessing transitions a freshly claimed context to processing.
func (m *Manager) MarkProcessing(ctx context.Context, id string) error {
	return m.updateStatus(ctx, id, models.StatusProcessing, nil, nil)
}

func (m *Manager) updateStatus(ctx context.Context, id, status string, mutate func(*models.Context), doc *models.Context) error {
	c := doc
	if c == nil {
		var err error
		c, err = m.store.Get(ctx, id)
		if err != nil {
			m.logger.Error("update status failed", zap.String("context_id", id), zap.Error(err))
			return fmt.Errorf("get context %s: %w", id, err)
		}
		if c == nil {
			return fmt.Errorf("context %s not found", id)
		}
	}

	now := m.now()
	c.Status = status
	c.UpdatedAt = now
	if models.IsTerminal(status) {
		c.CompletedAt = &now
	}
	if mutate != nil {
		mutate(c)
	}
	if err := m.store.Save(ctx, c); err != nil {
		m.logger.Error("update status failed", zap.String("context_id", id), zap.Error(err))
		return fmt.Errorf("save context %s: %w", id, err)
	}

	m.processStatusConditions(c)
	return nil
}

// UpdateBatchStatus updates the status of the batch context carrying the
// given batch ID.
func (m *Manager) UpdateBatchStatus(ctx context.Context, batchID, status string) error {
	c, err := m.store.FindByBatchID(ctx, batchID)
	if err != nil {
		return fmt.Errorf("find batch %s: %w", batchID, err)
	}
	if c == nil {
		return fmt.Errorf("batch %s not found", batchID)
	}
	return m.updateStatus(ctx, c.ID, status, nil, c)
}

// UpdateBatchProgress rewrites the progress counters of a batch context
// and recomputes the percentage. A missing results block is initialized.
func (m *Manager) UpdateBatchProgress(ctx context.Context, id string, processed, succeeded, failed, total int) error {
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get context %s: %w", id, err)
	}
	if c == nil {
		return fmt.Errorf("context %s not found", id)
	}
	r := c.EnsureResults()
	r.Progress = &models.Progress{
		Processed:  processed,
		Succeeded:  succeeded,
		Failed:     failed,
		Total:      total,
		Percentage: models.ComputePercentage(processed, total),
	}
	c.UpdatedAt = m.now()
	if err := m.store.Save(ctx, c); err != nil {
		return fmt.Errorf("save context %s: %w", id, err)
	}
	return nil
}

// AddBatchItemResult upserts a single item result into results.items.
func (m *Manager) AddBatchItemResult(ctx context.Context, id, itemID string, result interface{}) error {
	c, err := m.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("get context %s: %w", id, err)
	}
	if c == nil {
		return fmt.Errorf("context %s not found", id)
	}
	r := c.EnsureResults()
	if r.Items == nil {
		r.Items = map[string]interface{}{}
	}
	r.Items[itemID] = result
	c.UpdatedAt = m.now()
	if err := m.store.Save(ctx, c); err != nil {
		return fmt.Errorf("save context %s: %w", id, err)
	}
	return nil
}

// ReloadConditions re-reads the condition table from disk and swaps it in.
func (m *Manager) ReloadConditions() error {
	conditions, err := LoadConditions(m.cfg.ConditionsPath, m.logger)
	if err != nil {
		return err
	}
	m.condMu.Lock()
	m.conditions = conditions
	m.condMu.Unlock()
	m.logger.Info("condition table reloaded", zap.Int("entries", len(conditions)))
	return nil
}

// processStatusConditions runs the configured side effect for a context's
// new status. Failures here are logged and swallowed: a faulty condition
// must never block the status write that triggered it.
func (m *Manager) processStatusConditions(c *models.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("condition dispatch panicked",
				zap.String("context_id", c.ID),
				zap.String("status", c.Status),
				zap.Any("panic", r))
		}
	}()

	m.condMu.RLock()
	cond, ok := m.conditions[c.Status]
	m.condMu.RUnlock()
	if !ok {
		return
	}

	switch cond.Action {
	case ActionRouteToOutput:
		if c.Status != models.StatusCompleted || m.output == nil {
			return
		}
		doc := *c
		m.outputWG.Add(1)
		go func() {
			defer m.outputWG.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := m.output.ProcessOutput(ctx, doc.ID, &doc); err != nil {
				m.logger.Error("output routing failed",
					zap.String("context_id", doc.ID), zap.Error(err))
			}
		}()
	case ActionLogError:
		if c.Status != models.StatusFailed {
			return
		}
		var msg, component string
		if c.Results != nil && c.Results.Error != nil {
			msg = c.Results.Error.Message
			component = c.Results.Error.Component
		}
		m.logger.Error("context failed",
			zap.String("context_id", c.ID),
			zap.String("component", component),
			zap.String("error", msg))
	}
}

// promotionTiers map a fraction of the maximum wait to a target priority,
// least to most aggressive. A context older than maxWait/divisor whose
// priority number is worse than the target is promoted to it.
var promotionTiers = []struct {
	divisor  float64
	priority int
}{
	{5, 8},
	{3, 6},
	{2, 4},
	{1.5, 2},
	{1, 1},
}

// PromoteWaitingContexts raises the urgency of pending contexts that have
// waited too long, so sustained high-priority load cannot starve them.
// Returns the number of contexts promoted.
func (m *Manager) PromoteWaitingContexts(ctx context.Context, maxWait time.Duration) (int, error) {
	pending, err := m.store.FindByStatus(ctx, models.StatusPending, 0)
	if err != nil {
		m.logger.Error("promotion scan failed", zap.Error(err))
		return 0, fmt.Errorf("find pending contexts: %w", err)
	}

	now := m.now()
	promoted := 0
	for _, c := range pending {
		target := c.Priority
		for _, tier := range promotionTiers {
			threshold := time.Duration(float64(maxWait) / tier.divisor)
			if now.Sub(c.CreatedAt) >= threshold && target > tier.priority {
				target = tier.priority
			}
		}
		if target >= c.Priority {
			continue
		}

		old := c.Priority
		c.Priority = target
		c.PriorityPromoted = true
		promotedAt := now
		c.PriorityPromotedAt = &promotedAt
		c.PriorityReason = fmt.Sprintf("aged %s waiting", now.Sub(c.CreatedAt).Round(time.Second))
		c.UpdatedAt = now
		if err := m.store.Save(ctx, c); err != nil {
			m.logger.Error("promotion save failed", zap.String("context_id", c.ID), zap.Error(err))
			continue
		}
		promoted++
		m.logger.Info("context promoted",
			zap.String("context_id", c.ID),
			zap.Int("old_priority", old),
			zap.Int("new_priority", target))
	}
	return promoted, nil
}

// StartPromotionTask launches the periodic priority-aging loop.
func (m *Manager) StartPromotionTask() {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()
	if m.promotionStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.promotionStop = stop
	m.promotionDone = done
	go m.runPeriodic("promotion", m.cfg.PromotionInterval, stop, done, func(ctx context.Context) {
		if _, err := m.PromoteWaitingContexts(ctx, m.cfg.MaxWaitTime); err != nil {
			m.logger.Error("promotion pass failed", zap.Error(err))
		}
	})
}

// StopPromotionTask stops the priority-aging loop, waiting briefly for
// the in-flight pass to finish.
func (m *Manager) StopPromotionTask() {
	m.taskMu.Lock()
	stop, done := m.promotionStop, m.promotionDone
	m.promotionStop, m.promotionDone = nil, nil
	m.taskMu.Unlock()
	stopTask(stop, done)
}

// StartCleanupTask launches the periodic TTL cleanup loop.
func (m *Manager) StartCleanupTask() {
	m.taskMu.Lock()
	defer m.taskMu.Unlock()
	if m.cleanupStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.cleanupStop = stop
	m.cleanupDone = done
	go m.runPeriodic("cleanup", m.cfg.CleanupInterval, stop, done, func(ctx context.Context) {
		m.cleanupOldContexts(ctx)
	})
}

// StopCleanupTask stops the TTL cleanup loop.
func (m *Manager) StopCleanupTask() {
	m.taskMu.Lock()
	stop, done := m.cleanupStop, m.cleanupDone
	m.cleanupStop, m.cleanupDone = nil, nil
	m.taskMu.Unlock()
	stopTask(stop, done)
}

// Close stops all background loops and waits for fire-and-forget output
// routing to drain.
func (m *Manager) Close() {
	m.StopPromotionTask()
	m.StopCleanupTask()
	m.outputWG.Wait()
}

func (m *Manager) runPeriodic(name string, interval time.Duration, stop <-chan struct{}, done chan<- struct{}, pass func(context.Context)) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.logger.Info("background task started", zap.String("task", name), zap.Duration("interval", interval))
	for {
		select {
		case <-ticker.C:
			pass(context.Background())
		case <-stop:
			m.logger.Info("background task stopped", zap.String("task", name))
			return
		}
	}
}

func stopTask(stop chan struct{}, done chan struct{}) {
	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
}

func (m *Manager) cleanupOldContexts(ctx context.Context) {
	now := m.now()
	ttls := map[string]int{
		models.StatusCompleted: m.cfg.CompletedTTLDays,
		models.StatusFailed:    m.cfg.FailedTTLDays,
		models.StatusPartial:   m.cfg.FailedTTLDays,
	}
	for status, days := range ttls {
		cutoff := now.AddDate(0, 0, -days)
		n, err := m.store.DeleteOldContexts(ctx, status, cutoff)
		if err != nil {
			m.logger.Error("cleanup failed", zap.String("status", status), zap.Error(err))
			continue
		}
		if n > 0 {
			m.logger.Info("old contexts deleted",
				zap.String("status", status),
				zap.Int64("count", n),
				zap.Time("cutoff", cutoff))
		}
	}
}

// RunManualCleanup deletes terminal contexts older than the given number
// of days across all terminal statuses. Returns the total deleted.
func (m *Manager) RunManualCleanup(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("manual cleanup: days must be positive")
	}
	cutoff := m.now().AddDate(0, 0, -days)
	var total int64
	for _, status := range []string{models.StatusCompleted, models.StatusFailed, models.StatusPartial} {
		n, err := m.store.DeleteOldContexts(ctx, status, cutoff)
		if err != nil {
			return total, fmt.Errorf("delete old %s contexts: %w", status, err)
		}
		total += n
	}
	m.logger.Info("manual cleanup finished", zap.Int("days", days), zap.Int64("deleted", total))
	return total, nil
}
