package db

import (
	"context"
	"fmt"
	"time"

	"receipt_harvester/internal/config"
	"receipt_harvester/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDB keeps an audit trail of harvest runs. It is write-only from the
// run's point of view: deduplication never reads it.
type MongoDB struct {
	client  *mongo.Client
	history *mongo.Collection
	runs    *mongo.Collection
}

func NewMongoDB(ctx context.Context, cfg config.DBConfig) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Connection))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("can't ping MongoDB: %w", err)
	}

	database := client.Database(cfg.Database)
	d := &MongoDB{
		client:  client,
		history: database.Collection(cfg.Collections.History),
		runs:    database.Collection(cfg.Collections.Runs),
	}

	if err := d.createIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("can't create indexes: %w", err)
	}

	return d, nil
}

func (d *MongoDB) createIndexes(ctx context.Context) error {
	_, err := d.history.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "identifier", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "run_id", Value: 1}}},
	})
	if err != nil {
		return err
	}

	_, err = d.runs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "started_at", Value: -1}},
	})
	return err
}

func (d *MongoDB) RecordEntry(ctx context.Context, h *models.ReceiptHistory) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := d.history.InsertOne(ctx, h)
	return err
}

func (d *MongoDB) SaveRunState(ctx context.Context, state *models.RunState) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.Update().SetUpsert(true)
	filter := bson.M{"_id": state.ID}
	update := bson.M{"$set": state}

	_, err := d.runs.UpdateOne(ctx, filter, update, opts)
	return err
}

// LastRun returns the most recently started run, or nil when there is none.
func (d *MongoDB) LastRun(ctx context.Context) (*models.RunState, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}})

	var state models.RunState
	err := d.runs.FindOne(ctx, bson.M{}, opts).Decode(&state)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (d *MongoDB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return d.client.Disconnect(ctx)
}
