package repository

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// MongoWebhookEventRepository deduplicates provider webhook deliveries by
// event id. Stripe retries webhooks until acknowledged, so a processed event
// can arrive more than once.
type MongoWebhookEventRepository struct {
	col *mongo.Collection
}

func NewMongoWebhookEventRepository(db *mongo.Database) *MongoWebhookEventRepository {
	return &MongoWebhookEventRepository{col: db.Collection("webhook_events")}
}

// MarkProcessed records the event id and reports whether this is the first
// time we have seen it.
func (m *MongoWebhookEventRepository) MarkProcessed(ctx context.Context, eventID, eventType string) (bool, error) {
	_, err := m.col.InsertOne(ctx, bson.M{
		"_id":          eventID,
		"type":         eventType,
		"processed_at": time.Now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
