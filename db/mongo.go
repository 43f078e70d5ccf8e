package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ConnectMongoDB establishes a connection to MongoDB.
// Returns a MongoDB client that should be deferred to close.
func ConnectMongoDB(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to create MongoDB client: %w", err)
	}

	// Verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

// DisconnectMongoDB closes the MongoDB connection.
func DisconnectMongoDB(client *mongo.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return client.Disconnect(ctx)
}

// GetContextsCollection returns the contexts collection.
func GetContextsCollection(client *mongo.Client, database string) *mongo.Collection {
	return client.Database(database).Collection("contexts")
}

// GetUsersCollection returns the users collection.
func GetUsersCollection(client *mongo.Client, database string) *mongo.Collection {
	return client.Database(database).Collection("users")
}

// EnsureContextIndexes creates the indexes the claim and cleanup paths
// rely on: the claim filter/sort compound and the batch ID lookup.
func EnsureContextIndexes(ctx context.Context, col *mongo.Collection) error {
	_, err := col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "service_type", Value: 1},
				{Key: "priority", Value: 1},
				{Key: "created_at", Value: 1},
			},
		},
		{
			Keys:    bson.D{{Key: "batch.id", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
		{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "completed_at", Value: 1},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create context indexes: %w", err)
	}
	return nil
}
