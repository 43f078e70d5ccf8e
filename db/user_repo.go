package db

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// MongoUserRepository answers user existence checks against the users
// collection. Consulted before creating user-scoped contexts.
type MongoUserRepository struct {
	col *mongo.Collection
}

// NewMongoUserRepository wraps the users collection.
func NewMongoUserRepository(col *mongo.Collection) *MongoUserRepository {
	return &MongoUserRepository{col: col}
}

// ValidateUserExists reports whether a user document with the given ID
// exists.
func (r *MongoUserRepository) ValidateUserExists(ctx context.Context, userID string) (bool, error) {
	n, err := r.col.CountDocuments(ctx, bson.M{"_id": userID})
	if err != nil {
		return false, fmt.Errorf("count user %s: %w", userID, err)
	}
	return n > 0, nil
}
