package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"contextqueue/models"
)

// MemoryStore is an in-memory ContextStore with the same claim semantics
// as the Mongo store. It backs unit tests and local development runs; a
// single mutex stands in for Mongo's per-document atomicity.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]*models.Context

	// FailNext, when set, makes the next store call fail with this error
	// and then clears itself. Lets tests exercise fail-closed paths.
	FailNext error
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]*models.Context)}
}

func (s *MemoryStore) takeErr() error {
	err := s.FailNext
	s.FailNext = nil
	return err
}

func cloneContext(c *models.Context) *models.Context {
	cp := *c
	if c.Tags != nil {
		cp.Tags = append([]string(nil), c.Tags...)
	}
	if c.Batch != nil {
		b := *c.Batch
		cp.Batch = &b
	}
	if c.Results != nil {
		r := *c.Results
		if c.Results.Progress != nil {
			p := *c.Results.Progress
			r.Progress = &p
		}
		if c.Results.Validation != nil {
			v := *c.Results.Validation
			r.Validation = &v
		}
		if c.Results.Items != nil {
			items := make(map[string]interface{}, len(c.Results.Items))
			for k, val := range c.Results.Items {
				items[k] = val
			}
			r.Items = items
		}
		if c.Results.Error != nil {
			e := *c.Results.Error
			r.Error = &e
		}
		cp.Results = &r
	}
	return &cp
}

// Save stores a copy of the document.
func (s *MemoryStore) Save(ctx context.Context, c *models.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return err
	}
	s.docs[c.ID] = cloneContext(c)
	return nil
}

// Get returns a copy of the document, nil when absent.
func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return nil, err
	}
	c, ok := s.docs[id]
	if !ok {
		return nil, nil
	}
	return cloneContext(c), nil
}

// FindByStatus lists contexts in a status ordered by creation time.
func (s *MemoryStore) FindByStatus(ctx context.Context, status string, limit int64) ([]*models.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return nil, err
	}
	var out []*models.Context
	for _, c := range s.docs {
		if c.Status == status {
			out = append(out, cloneContext(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindByBatchID returns the batch context with the given batch ID.
func (s *MemoryStore) FindByBatchID(ctx context.Context, batchID string) (*models.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return nil, err
	}
	for _, c := range s.docs {
		if c.Batch != nil && c.Batch.ID == batchID {
			return cloneContext(c), nil
		}
	}
	return nil, nil
}

func eligibleForClaim(c *models.Context, q ClaimQuery) bool {
	if c.Status != models.StatusPending || c.ServiceType != q.ServiceType {
		return false
	}
	if q.TemplateID != "" && c.TemplateID != q.TemplateID {
		return false
	}
	if c.Attempts >= q.MaxAttempts {
		return false
	}
	if c.LastAttempt != nil && !c.LastAttempt.Before(q.Now.Add(-q.RetryDelay)) {
		return false
	}
	return true
}

// claimOneLocked picks the most urgent eligible context and claims it.
func (s *MemoryStore) claimOneLocked(q ClaimQuery) *models.Context {
	var best *models.Context
	for _, c := range s.docs {
		if !eligibleForClaim(c, q) {
			continue
		}
		if best == nil ||
			c.Priority < best.Priority ||
			(c.Priority == best.Priority && c.CreatedAt.Before(best.CreatedAt)) {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	best.Attempts++
	now := q.Now
	best.LastAttempt = &now
	best.UpdatedAt = now
	return cloneContext(best)
}

// ClaimOne atomically claims the most urgent eligible context.
func (s *MemoryStore) ClaimOne(ctx context.Context, q ClaimQuery) (*models.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return nil, err
	}
	return s.claimOneLocked(q), nil
}

// ClaimMany claims up to limit eligible contexts.
func (s *MemoryStore) ClaimMany(ctx context.Context, q ClaimQuery, limit int64) ([]*models.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return nil, err
	}
	var out []*models.Context
	for int64(len(out)) < limit {
		c := s.claimOneLocked(q)
		if c == nil {
			break
		}
		out = append(out, c)
	}
	return out, nil
}

// DeleteOldContexts removes contexts in a status past the cutoff.
func (s *MemoryStore) DeleteOldContexts(ctx context.Context, status string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return 0, err
	}
	var n int64
	for id, c := range s.docs {
		if c.Status != status {
			continue
		}
		ended := c.CreatedAt
		if c.CompletedAt != nil {
			ended = *c.CompletedAt
		}
		if ended.Before(cutoff) {
			delete(s.docs, id)
			n++
		}
	}
	return n, nil
}

// Len reports the number of stored contexts.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}
