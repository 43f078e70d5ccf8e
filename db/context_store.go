package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"contextqueue/models"
	"contextqueue/services"
)

// MongoContextStore implements services.ContextStore on a MongoDB
// collection. Claiming uses FindOneAndUpdate, so concurrent claims
// against the same document resolve to exactly one winner inside Mongo.
type MongoContextStore struct {
	col *mongo.Collection
}

// NewMongoContextStore wraps the contexts collection.
func NewMongoContextStore(col *mongo.Collection) *MongoContextStore {
	return &MongoContextStore{col: col}
}

// Save upserts the full context document keyed by its ID.
func (s *MongoContextStore) Save(ctx context.Context, c *models.Context) error {
	opts := options.Replace().SetUpsert(true)
	if _, err := s.col.ReplaceOne(ctx, bson.M{"_id": c.ID}, c, opts); err != nil {
		return fmt.Errorf("save context %s: %w", c.ID, err)
	}
	return nil
}

// Get fetches one context, returning nil without error when absent.
func (s *MongoContextStore) Get(ctx context.Context, id string) (*models.Context, error) {
	var c models.Context
	err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get context %s: %w", id, err)
	}
	return &c, nil
}

// FindByStatus lists contexts in a status ordered by creation time.
// limit <= 0 means no limit.
func (s *MongoContextStore) FindByStatus(ctx context.Context, status string, limit int64) ([]*models.Context, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := s.col.Find(ctx, bson.M{"status": status}, opts)
	if err != nil {
		return nil, fmt.Errorf("find contexts by status %s: %w", status, err)
	}
	defer cursor.Close(ctx)

	var out []*models.Context
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode contexts: %w", err)
	}
	return out, nil
}

// FindByBatchID fetches the batch context carrying the given batch ID,
// nil when absent.
func (s *MongoContextStore) FindByBatchID(ctx context.Context, batchID string) (*models.Context, error) {
	var c models.Context
	err := s.col.FindOne(ctx, bson.M{"batch.id": batchID}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find batch %s: %w", batchID, err)
	}
	return &c, nil
}

// claimFilter builds the eligibility filter: pending, matching service
// type (and template when coalescing), attempts left, outside the retry
// delay window.
func claimFilter(q services.ClaimQuery) bson.M {
	filter := bson.M{
		"status":       models.StatusPending,
		"service_type": q.ServiceType,
		"$and": bson.A{
			bson.M{"$or": bson.A{
				bson.M{"attempts": bson.M{"$lt": q.MaxAttempts}},
				bson.M{"attempts": bson.M{"$exists": false}},
			}},
			bson.M{"$or": bson.A{
				bson.M{"last_attempt": bson.M{"$lt": q.Now.Add(-q.RetryDelay)}},
				bson.M{"last_attempt": bson.M{"$exists": false}},
			}},
		},
	}
	if q.TemplateID != "" {
		filter["template_id"] = q.TemplateID
	}
	return filter
}

var claimSort = bson.D{
	{Key: "priority", Value: 1},
	{Key: "created_at", Value: 1},
}

// ClaimOne atomically claims the most urgent eligible context: the
// matched document gets attempts incremented and last_attempt stamped in
// the same operation that selects it.
func (s *MongoContextStore) ClaimOne(ctx context.Context, q services.ClaimQuery) (*models.Context, error) {
	update := bson.M{
		"$inc": bson.M{"attempts": 1},
		"$set": bson.M{"last_attempt": q.Now, "updated_at": q.Now},
	}
	opts := options.FindOneAndUpdate().
		SetSort(claimSort).
		SetReturnDocument(options.After)

	var c models.Context
	err := s.col.FindOneAndUpdate(ctx, claimFilter(q), update, opts).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim context: %w", err)
	}
	return &c, nil
}

// ClaimMany claims up to limit eligible contexts as a sequence of
// individually atomic claims. Stops early when the pool drains.
func (s *MongoContextStore) ClaimMany(ctx context.Context, q services.ClaimQuery, limit int64) ([]*models.Context, error) {
	var out []*models.Context
	for int64(len(out)) < limit {
		c, err := s.ClaimOne(ctx, q)
		if err != nil {
			return out, err
		}
		if c == nil {
			break
		}
		out = append(out, c)
	}
	return out, nil
}

// DeleteOldContexts removes contexts in the given status whose lifecycle
// ended before the cutoff. Contexts without completed_at fall back to
// created_at, so stragglers from older writers still age out.
func (s *MongoContextStore) DeleteOldContexts(ctx context.Context, status string, cutoff time.Time) (int64, error) {
	filter := bson.M{
		"status": status,
		"$or": bson.A{
			bson.M{"completed_at": bson.M{"$lt": cutoff}},
			bson.M{
				"completed_at": bson.M{"$exists": false},
				"created_at":   bson.M{"$lt": cutoff},
			},
		},
	}
	res, err := s.col.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("delete old %s contexts: %w", status, err)
	}
	return res.DeletedCount, nil
}
