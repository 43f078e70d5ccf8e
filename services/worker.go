package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"contextqueue/models"
)

// WorkerConfig carries the worker's tunables.
type WorkerConfig struct {
	// BatchMode switches the loop from single-context claiming to
	// template-coalesced batch claiming.
	BatchMode    bool
	BatchSize    int
	BatchWait    time.Duration
	PollInterval time.Duration
	// MaxRetries bounds retry scheduling after transient failures.
	MaxRetries int
	// RetryDelay is the base of the exponential backoff and the claim
	// eligibility window.
	RetryDelay time.Duration
}

// WorkerMetrics is a point-in-time snapshot of the worker's counters.
type WorkerMetrics struct {
	Running        bool      `json:"running"`
	BatchMode      bool      `json:"batch_mode"`
	ProcessedCount int64     `json:"processed_count"`
	SuccessCount   int64     `json:"success_count"`
	ErrorCount     int64     `json:"error_count"`
	LastProcessed  time.Time `json:"last_processed,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Worker drives the claim → process → persist loop for one service type.
// Multiple workers (in one process or many) are safe against the same
// store because claiming is atomic there.
type Worker struct {
	poller  *Poller
	manager *Manager
	engine  ProcessingEngine
	cfg     WorkerConfig
	logger  *zap.Logger

	mu            sync.Mutex
	running       bool
	stopChan      chan struct{}
	doneChan      chan struct{}
	processed     int64
	succeeded     int64
	failed        int64
	lastProcessed time.Time

	now   func() time.Time
	sleep func(d time.Duration, stop <-chan struct{}) bool
}

// NewWorker builds a worker over a poller, manager and processing engine.
func NewWorker(poller *Poller, manager *Manager, engine ProcessingEngine, cfg WorkerConfig, logger *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.BatchWait <= 0 {
		cfg.BatchWait = 5 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	return &Worker{
		poller:  poller,
		manager: manager,
		engine:  engine,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		sleep:   sleepInterruptible,
	}
}

// Start launches the worker loop. Idempotent while running.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stopChan = make(chan struct{})
	w.doneChan = make(chan struct{})
	w.logger.Info("worker starting", zap.Bool("batch_mode", w.cfg.BatchMode))
	go w.run(w.stopChan, w.doneChan)
}

// Stop requests cooperative shutdown and waits for the loop to drain,
// bounded by a timeout. In-flight engine calls are allowed to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	stop, done := w.stopChan, w.doneChan
	w.stopChan, w.doneChan = nil, nil
	w.mu.Unlock()

	close(stop)
	select {
	case <-done:
		w.logger.Info("worker stopped")
	case <-time.After(30 * time.Second):
		w.logger.Warn("worker stop timed out, abandoning loop")
	}
}

// Metrics returns a snapshot of the worker's counters.
func (w *Worker) Metrics() WorkerMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()
	return WorkerMetrics{
		Running:        w.running,
		BatchMode:      w.cfg.BatchMode,
		ProcessedCount: w.processed,
		SuccessCount:   w.succeeded,
		ErrorCount:     w.failed,
		LastProcessed:  w.lastProcessed,
		Timestamp:      w.now(),
	}
}

func (w *Worker) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}

		idle := w.iterate(stop)
		if idle {
			if !w.sleep(w.cfg.PollInterval, stop) {
				return
			}
		}
	}
}

// iterate runs one loop pass. Returns true when nothing was claimed and
// the caller should back off. The loop itself never terminates on error:
// an unexpected failure logs, sleeps an elevated backoff and continues.
func (w *Worker) iterate(stop <-chan struct{}) (idle bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker iteration panicked", zap.Any("panic", r))
			w.sleep(time.Second, stop)
			idle = false
		}
	}()

	ctx := context.Background()
	if w.cfg.BatchMode {
		batch := w.poller.GetBatchContexts(ctx, w.cfg.BatchSize, w.cfg.BatchWait)
		if len(batch) == 0 {
			return true
		}
		w.processBatch(ctx, batch)
		return false
	}

	c := w.poller.GetNextContext(ctx)
	if c == nil {
		return true
	}
	w.processOne(ctx, c)
	return false
}

func (w *Worker) processOne(ctx context.Context, c *models.Context) {
	if err := w.manager.MarkProcessing(ctx, c.ID); err != nil {
		w.logger.Error("mark processing failed", zap.String("context_id", c.ID), zap.Error(err))
		return
	}

	result, err := w.engine.ProcessContext(ctx, c)
	if err != nil {
		w.recordFailure(ctx, c, err)
		return
	}

	if err := w.manager.CompleteContext(ctx, c.ID, result); err != nil {
		w.logger.Error("complete failed", zap.String("context_id", c.ID), zap.Error(err))
		return
	}
	w.recordSuccess()
	w.logger.Debug("context completed", zap.String("context_id", c.ID))
}

func (w *Worker) processBatch(ctx context.Context, batch []*models.Context) {
	for _, c := range batch {
		if err := w.manager.MarkProcessing(ctx, c.ID); err != nil {
			w.logger.Error("mark processing failed", zap.String("context_id", c.ID), zap.Error(err))
		}
	}

	result, err := w.engine.ProcessBatch(ctx, batch)
	if err != nil {
		// Whole-batch failure: every member shares the error and the
		// retry decision.
		for _, c := range batch {
			w.recordFailure(ctx, c, err)
		}
		return
	}

	for i, c := range batch {
		if i >= len(result.Items) {
			w.recordFailure(ctx, c, &ProcessingError{
				Message:   "engine returned no result for batch item",
				Component: "worker",
			})
			continue
		}
		item := result.Items[i]
		if item.Success {
			if err := w.manager.CompleteContext(ctx, c.ID, &ProcessResult{Output: item.Output}); err != nil {
				w.logger.Error("complete failed", zap.String("context_id", c.ID), zap.Error(err))
				continue
			}
			w.recordSuccess()
		} else {
			w.recordFailure(ctx, c, &ProcessingError{Message: item.Error, Component: "engine"})
		}
	}
	w.logger.Debug("batch processed", zap.Int("size", len(batch)))
}

// recordFailure persists the failure and, for transient errors with
// attempts left, schedules the next attempt with exponential backoff:
// the context becomes claimable again retry_delay * 2^(attempts-1) after
// now.
func (w *Worker) recordFailure(ctx context.Context, c *models.Context, procErr error) {
	w.mu.Lock()
	w.processed++
	w.failed++
	w.lastProcessed = w.now()
	w.mu.Unlock()

	errInfo := &models.ErrorInfo{
		Message:   procErr.Error(),
		Component: "engine",
		Timestamp: w.now(),
	}
	var pe *ProcessingError
	retryable := false
	if errors.As(procErr, &pe) {
		errInfo.Message = pe.Message
		if pe.Component != "" {
			errInfo.Component = pe.Component
		}
		retryable = pe.RetryRecommended
	}

	if err := w.manager.FailContext(ctx, c.ID, errInfo); err != nil {
		w.logger.Error("fail write failed", zap.String("context_id", c.ID), zap.Error(err))
		return
	}

	if !retryable {
		return
	}
	retryCount := c.Attempts
	if retryCount < 1 {
		retryCount = 1
	}
	if retryCount > w.cfg.MaxRetries {
		w.logger.Warn("retries exhausted",
			zap.String("context_id", c.ID),
			zap.Int("attempts", c.Attempts))
		return
	}

	backoff := w.cfg.RetryDelay * (1 << (retryCount - 1))
	// The claim filter requires last_attempt < now - retry_delay, so
	// shifting last_attempt forward by (backoff - retry_delay) makes the
	// context eligible exactly at now + backoff.
	lastAttempt := w.now().Add(backoff - w.cfg.RetryDelay)
	if err := w.manager.ScheduleRetry(ctx, c.ID, lastAttempt); err != nil {
		w.logger.Error("retry scheduling failed", zap.String("context_id", c.ID), zap.Error(err))
		return
	}
	w.logger.Info("retry scheduled",
		zap.String("context_id", c.ID),
		zap.Int("retry", retryCount),
		zap.Duration("backoff", backoff))
}

func (w *Worker) recordSuccess() {
	w.mu.Lock()
	w.processed++
	w.succeeded++
	w.lastProcessed = w.now()
	w.mu.Unlock()
}

// sleepInterruptible waits for d unless stop closes first. Returns false
// when interrupted.
func sleepInterruptible(d time.Duration, stop <-chan struct{}) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	}
}
