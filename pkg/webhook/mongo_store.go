package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const collWebhookEvents = "webhook_events"

// MongoEventLog implements EventLogStore on MongoDB. Retention relies on a
// TTL index over expire_at, so processed records age out without a sweeper.
type MongoEventLog struct {
	coll *mongo.Collection
}

// NewMongoEventLog creates an event log bound to the given database.
func NewMongoEventLog(db *mongo.Database) *MongoEventLog {
	return &MongoEventLog{coll: db.Collection(collWebhookEvents)}
}

// EnsureIndexes creates the TTL index. Safe to call on every startup.
func (s *MongoEventLog) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "expire_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	})
	if err != nil {
		return fmt.Errorf("failed to create webhook event TTL index: %w", err)
	}
	return nil
}

func (s *MongoEventLog) Get(ctx context.Context, eventID string) (*EventRecord, error) {
	var doc eventRecordDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": eventID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load webhook event: %w", err)
	}
	return doc.toDomain(), nil
}

func (s *MongoEventLog) Create(ctx context.Context, record *EventRecord) error {
	doc := eventRecordDoc{
		ID:          record.ID,
		Type:        record.Type,
		ReceivedAt:  record.ReceivedAt,
		ProcessedAt: record.ProcessedAt,
		ExpireAt:    record.ExpireAt,
	}
	_, err := s.coll.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrEventExists
	}
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

func (s *MongoEventLog) MarkProcessed(ctx context.Context, eventID string, processedAt, expireAt time.Time) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": eventID},
		bson.M{"$set": bson.M{"processed_at": processedAt, "expire_at": expireAt}})
	if err != nil {
		return fmt.Errorf("failed to mark webhook event processed: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrEventNotFound
	}
	return nil
}

type eventRecordDoc struct {
	ID          string     `bson:"_id"`
	Type        string     `bson:"type"`
	ReceivedAt  time.Time  `bson:"received_at"`
	ProcessedAt *time.Time `bson:"processed_at,omitempty"`
	ExpireAt    *time.Time `bson:"expire_at,omitempty"`
}

func (d eventRecordDoc) toDomain() *EventRecord {
	return &EventRecord{
		ID:          d.ID,
		Type:        d.Type,
		ReceivedAt:  d.ReceivedAt,
		ProcessedAt: d.ProcessedAt,
		ExpireAt:    d.ExpireAt,
	}
}
