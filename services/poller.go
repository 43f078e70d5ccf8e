package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"contextqueue/models"
)

// Poller claims pending contexts from the store for one service type,
// optionally coalescing same-template contexts into batches. A Poller is
// not safe for concurrent use; each worker owns its own instance.
type Poller struct {
	store       ContextStore
	serviceType string
	maxAttempts int
	retryDelay  time.Duration
	logger      *zap.Logger

	// Batch accumulation state. Process-local: coalescing windows are per
	// poller instance, not coordinated across processes.
	accumulating bool
	buffer       []*models.Context
	templateID   string
	startedAt    time.Time

	now func() time.Time
}

// NewPoller creates a poller for the given service type.
func NewPoller(store ContextStore, serviceType string, maxAttempts int, retryDelay time.Duration, logger *zap.Logger) *Poller {
	return &Poller{
		store:       store,
		serviceType: serviceType,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		logger:      logger,
		now:         time.Now,
	}
}

func (p *Poller) claimQuery(templateID string) ClaimQuery {
	return ClaimQuery{
		ServiceType: p.serviceType,
		TemplateID:  templateID,
		MaxAttempts: p.maxAttempts,
		RetryDelay:  p.retryDelay,
		Now:         p.now(),
	}
}

// GetNextContext atomically claims the most urgent eligible context, or
// returns nil when nothing matches. Callers back off for their poll
// interval on nil. Store failures fail closed: nil, never a double claim.
func (p *Poller) GetNextContext(ctx context.Context) *models.Context {
	c, err := p.store.ClaimOne(ctx, p.claimQuery(""))
	if err != nil {
		p.logger.Error("claim failed", zap.String("service_type", p.serviceType), zap.Error(err))
		return nil
	}
	return c
}

// GetBatchContexts accumulates same-template contexts into a batch. The
// first claimed context fixes the batch's template; later calls keep
// filling until the buffer reaches batchSize or wait has elapsed since
// accumulation started, at which point the batch is returned and the
// accumulation state reset. While the window is open an empty slice is
// returned and the caller polls again.
func (p *Poller) GetBatchContexts(ctx context.Context, batchSize int, wait time.Duration) []*models.Context {
	if batchSize <= 0 {
		return nil
	}

	if !p.accumulating {
		first, err := p.store.ClaimOne(ctx, p.claimQuery(""))
		if err != nil {
			p.logger.Error("batch claim failed", zap.String("service_type", p.serviceType), zap.Error(err))
			return nil
		}
		if first == nil {
			return nil
		}
		p.accumulating = true
		p.templateID = first.TemplateID
		p.startedAt = p.now()
		p.buffer = append(p.buffer[:0], first)
	}

	if need := batchSize - len(p.buffer); need > 0 && p.templateID != "" {
		more, err := p.store.ClaimMany(ctx, p.claimQuery(p.templateID), int64(need))
		if err != nil {
			p.logger.Error("batch fill failed",
				zap.String("service_type", p.serviceType),
				zap.String("template_id", p.templateID),
				zap.Error(err))
		} else {
			p.buffer = append(p.buffer, more...)
		}
	}

	if len(p.buffer) >= batchSize || p.now().Sub(p.startedAt) >= wait {
		batch := p.buffer
		p.reset()
		p.logger.Debug("batch ready",
			zap.String("template_id", batch[0].TemplateID),
			zap.Int("size", len(batch)))
		return batch
	}
	return nil
}

func (p *Poller) reset() {
	p.accumulating = false
	p.buffer = nil
	p.templateID = ""
	p.startedAt = time.Time{}
}
