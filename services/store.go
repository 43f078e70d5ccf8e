package services

import (
	"context"
	"time"

	"contextqueue/models"
)

// ClaimQuery selects claimable contexts. A context is eligible when its
// status is pending, its service type matches, it has attempts left and
// its last attempt is older than the retry delay (or it has none).
type ClaimQuery struct {
	ServiceType string
	// TemplateID, when set, restricts the claim to contexts sharing that
	// template. Used by batch coalescing.
	TemplateID  string
	MaxAttempts int
	RetryDelay  time.Duration
	Now         time.Time
}

// ContextStore is the document store the scheduling engine runs on. Claim
// methods must be atomic: two concurrent ClaimOne calls matching the same
// document never both succeed. Eligible contexts are claimed in
// (priority asc, created_at asc) order; claiming increments attempts and
// stamps last_attempt.
type ContextStore interface {
	Save(ctx context.Context, c *models.Context) error
	Get(ctx context.Context, id string) (*models.Context, error)
	FindByStatus(ctx context.Context, status string, limit int64) ([]*models.Context, error)
	FindByBatchID(ctx context.Context, batchID string) (*models.Context, error)
	ClaimOne(ctx context.Context, q ClaimQuery) (*models.Context, error)
	ClaimMany(ctx context.Context, q ClaimQuery, limit int64) ([]*models.Context, error)
	DeleteOldContexts(ctx context.Context, status string, cutoff time.Time) (int64, error)
}

// ProcessingEngine executes claimed contexts. External collaborator; the
// real engine lives in another service.
type ProcessingEngine interface {
	ProcessContext(ctx context.Context, c *models.Context) (*ProcessResult, error)
	ProcessBatch(ctx context.Context, cs []*models.Context) (*BatchResult, error)
}

// ProcessResult is the engine's answer for a single context.
type ProcessResult struct {
	Output interface{} `json:"output,omitempty"`
	// Tags the engine wants propagated onto the completed context.
	Tags []string `json:"tags,omitempty"`
}

// BatchResult is the engine's answer for a coalesced batch, one item per
// input context in input order.
type BatchResult struct {
	Items   []BatchItemResult      `json:"items"`
	Summary map[string]interface{} `json:"summary,omitempty"`
}

// BatchItemResult is the per-context slice of a BatchResult.
type BatchItemResult struct {
	Success bool        `json:"success"`
	Output  interface{} `json:"output,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ProcessingError is a structured engine failure. RetryRecommended marks
// transient failures eligible for backoff-and-retry.
type ProcessingError struct {
	Message          string
	Component        string
	RetryRecommended bool
}

func (e *ProcessingError) Error() string {
	if e.Component != "" {
		return e.Component + ": " + e.Message
	}
	return e.Message
}

// OutputManager receives completed contexts routed by the condition
// engine. Invoked fire-and-forget.
type OutputManager interface {
	ProcessOutput(ctx context.Context, contextID string, c *models.Context) error
}

// UserRepository answers existence checks for user-scoped contexts.
type UserRepository interface {
	ValidateUserExists(ctx context.Context, userID string) (bool, error)
}
