package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Valid statuses for a context
const (
	StatusCreated      = "created"
	StatusPending      = "pending"
	StatusProcessing   = "processing"
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusPartial      = "partial"
	StatusInitializing = "initializing"
)

// Priority bounds. Lower number means higher urgency: 1 is claimed first.
const (
	PriorityHighest = 1
	PriorityLowest  = 10
	PriorityDefault = 5
)

// Batch processing methods
const (
	ProcessingMethodIndividual = "INDIVIDUAL"
	ProcessingMethodBatch      = "BATCH"
)

// Batch data source types
const (
	DataSourceUsers      = "USERS"
	DataSourceCategories = "CATEGORIES"
)

// Context represents a single unit of schedulable work. Plain contexts,
// service contexts and batch contexts all share this document shape; batch
// contexts additionally carry Batch and Results.Progress/Validation.
type Context struct {
	ID          string                 `bson:"_id" json:"id"`
	Status      string                 `bson:"status" json:"status"`
	Priority    int                    `bson:"priority" json:"priority"`
	ServiceType string                 `bson:"service_type,omitempty" json:"service_type,omitempty"`
	TemplateID  string                 `bson:"template_id,omitempty" json:"template_id,omitempty"`
	Tags        []string               `bson:"tags,omitempty" json:"tags,omitempty"`
	Request     map[string]interface{} `bson:"request,omitempty" json:"request,omitempty"`
	Template    map[string]interface{} `bson:"template,omitempty" json:"template,omitempty"`

	// Claim/retry bookkeeping. Attempts is incremented by the store's
	// atomic claim; LastAttempt gates retry eligibility.
	Attempts    int        `bson:"attempts" json:"attempts"`
	LastAttempt *time.Time `bson:"last_attempt,omitempty" json:"last_attempt,omitempty"`

	// ParentID points back to a spawning batch context. Lookup only, no
	// ownership implied.
	ParentID string `bson:"parent_id,omitempty" json:"parent_id,omitempty"`

	Batch   *BatchInfo `bson:"batch,omitempty" json:"batch,omitempty"`
	Results *Results   `bson:"results,omitempty" json:"results,omitempty"`

	CreatedAt   time.Time  `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at" json:"updated_at"`
	CompletedAt *time.Time `bson:"completed_at,omitempty" json:"completed_at,omitempty"`

	// Set once priority aging fires.
	PriorityPromoted   bool       `bson:"priority_promoted,omitempty" json:"priority_promoted,omitempty"`
	PriorityPromotedAt *time.Time `bson:"priority_promoted_at,omitempty" json:"priority_promoted_at,omitempty"`
	PriorityReason     string     `bson:"priority_reason,omitempty" json:"priority_reason,omitempty"`
}

// BatchInfo describes how a batch context's items are processed.
type BatchInfo struct {
	ID               string `bson:"id" json:"id"`
	ProcessingMethod string `bson:"processing_method" json:"processing_method"`
	DataSourceType   string `bson:"data_source_type" json:"data_source_type"`
	ItemCount        int    `bson:"item_count" json:"item_count"`
}

// Results holds everything written back after (or during) processing.
type Results struct {
	Output     interface{}            `bson:"output,omitempty" json:"output,omitempty"`
	Error      *ErrorInfo             `bson:"error,omitempty" json:"error,omitempty"`
	Progress   *Progress              `bson:"progress,omitempty" json:"progress,omitempty"`
	Validation *Validation            `bson:"validation,omitempty" json:"validation,omitempty"`
	Items      map[string]interface{} `bson:"items,omitempty" json:"items,omitempty"`
}

// ErrorInfo is the structured error written on failure.
type ErrorInfo struct {
	Message   string    `bson:"message" json:"message"`
	Component string    `bson:"component" json:"component"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// Progress tracks batch completion. Percentage is always recomputed from
// Processed/Total, never trusted from callers.
type Progress struct {
	Processed  int `bson:"processed" json:"processed"`
	Succeeded  int `bson:"succeeded" json:"succeeded"`
	Failed     int `bson:"failed" json:"failed"`
	Total      int `bson:"total" json:"total"`
	Percentage int `bson:"percentage" json:"percentage"`
}

// Validation records the split of batch items into valid and invalid sets.
type Validation struct {
	Total        int           `bson:"total" json:"total"`
	Valid        int           `bson:"valid" json:"valid"`
	Invalid      int           `bson:"invalid" json:"invalid"`
	ValidItems   []interface{} `bson:"valid_items,omitempty" json:"valid_items,omitempty"`
	InvalidItems []interface{} `bson:"invalid_items,omitempty" json:"invalid_items,omitempty"`
}

// NewContextID generates a source-tagged, time-ordered context ID.
func NewContextID(source string) string {
	if source == "" {
		source = "ctx"
	}
	return fmt.Sprintf("%s-%d-%s", source, time.Now().UnixNano(), uuid.NewString()[:8])
}

// PreferenceBatchID derives the stable batch ID for a preference batch
// keyed by (feature type, frequency, time key).
func PreferenceBatchID(featureType, frequency, timeKey string) string {
	return fmt.Sprintf("pref-%s-%s-%s", featureType, frequency, timeKey)
}

// IsTerminal reports whether a status ends the context's lifecycle.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusPartial:
		return true
	}
	return false
}

// ClampPriority returns p if it is inside [1,10], otherwise the default.
// The bool reports whether p was valid.
func ClampPriority(p int) (int, bool) {
	if p < PriorityHighest || p > PriorityLowest {
		return PriorityDefault, false
	}
	return p, true
}

// ComputePercentage returns floor(processed/total*100), or 0 when total
// is not positive.
func ComputePercentage(processed, total int) int {
	if total <= 0 {
		return 0
	}
	return processed * 100 / total
}

// HasTag reports whether the context carries the given tag.
func (c *Context) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTags appends tags the context does not already carry.
func (c *Context) AddTags(tags ...string) {
	for _, t := range tags {
		if t != "" && !c.HasTag(t) {
			c.Tags = append(c.Tags, t)
		}
	}
}

// EnsureResults initializes the results block if missing and returns it.
func (c *Context) EnsureResults() *Results {
	if c.Results == nil {
		c.Results = &Results{}
	}
	return c.Results
}
