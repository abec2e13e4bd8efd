package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

// Client wraps the MongoDB client and database.
type Client struct {
	*mongo.Client
	Database *mongo.Database
	logger   *zap.Logger
}

// NewClient connects to MongoDB and ensures the secondary indexes the
// pipeline queries by.
func NewClient(uri, dbName string, logger *zap.Logger) (*Client, error) {
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}
	if dbName == "" {
		dbName = "sonara"
	}

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(10).
		SetMinPoolSize(1).
		SetMaxConnIdleTime(30 * time.Minute).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database(dbName)
	if err := ensureIndexes(ctx, db); err != nil {
		return nil, err
	}

	logger.Info("Connected to MongoDB", zap.String("database", dbName))
	return &Client{Client: client, Database: db, logger: logger}, nil
}

func ensureIndexes(ctx context.Context, db *mongo.Database) error {
	specs := map[string][]mongo.IndexModel{
		"conversations": {
			{Keys: bson.D{{Key: "uid", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "uid", Value: 1}, {Key: "status", Value: 1}}},
		},
		"memories": {
			{Keys: bson.D{{Key: "uid", Value: 1}, {Key: "created_at", Value: -1}}},
			{Keys: bson.D{{Key: "uid", Value: 1}, {Key: "category", Value: 1}}},
			{Keys: bson.D{{Key: "uid", Value: 1}, {Key: "scoring", Value: -1}}},
		},
		"people": {
			{Keys: bson.D{{Key: "uid", Value: 1}, {Key: "name", Value: 1}}},
		},
		"calendar_events": {
			{Keys: bson.D{{Key: "uid", Value: 1}, {Key: "starts_at", Value: 1}}},
		},
	}
	for coll, models := range specs {
		if _, err := db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

// Close closes the MongoDB connection.
func (c *Client) Close(ctx context.Context) error {
	if err := c.Client.Disconnect(ctx); err != nil {
		c.logger.Error("Failed to disconnect from MongoDB", zap.Error(err))
		return err
	}
	c.logger.Info("Disconnected from MongoDB")
	return nil
}
