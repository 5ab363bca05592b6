package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

const collRateCounters = "rate_counters"

// casRetries bounds the optimistic-concurrency loop. Exhausting it returns
// ErrTooManyConflicts and the limiter rejects the request.
const casRetries = 5

// MongoStore implements Store on MongoDB using a version field for
// optimistic concurrency: the replace only applies when the version read
// is still the version stored.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore creates a store bound to the given database.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{coll: db.Collection(collRateCounters)}
}

func (s *MongoStore) Update(ctx context.Context, userID string, fn func(*Counter) (bool, error)) (*Counter, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var doc counterDoc
		err := s.coll.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
		found := true
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			found = false
			doc = counterDoc{UserID: userID}
		case err != nil:
			return nil, fmt.Errorf("failed to load rate counter: %w", err)
		}

		c := doc.toDomain()
		save, err := fn(c)
		if err != nil {
			return nil, err
		}
		if !save {
			return c, nil
		}

		c.Version++
		next := toCounterDoc(c)

		if !found {
			_, err = s.coll.InsertOne(ctx, next)
			if mongo.IsDuplicateKeyError(err) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to insert rate counter: %w", err)
			}
			return c, nil
		}

		res, err := s.coll.ReplaceOne(ctx,
			bson.M{"_id": userID, "version": doc.Version}, next)
		if err != nil {
			return nil, fmt.Errorf("failed to update rate counter: %w", err)
		}
		if res.MatchedCount == 1 {
			return c, nil
		}
		// Lost the race; re-read and retry.
	}
	return nil, ErrTooManyConflicts
}

type counterDoc struct {
	UserID         string      `bson:"_id"`
	MinuteRequests []time.Time `bson:"minute_requests"`
	DayRequests    int         `bson:"day_requests"`
	DayStart       time.Time   `bson:"day_start"`
	Version        int64       `bson:"version"`
}

func toCounterDoc(c *Counter) counterDoc {
	return counterDoc{
		UserID:         c.UserID,
		MinuteRequests: c.MinuteRequests,
		DayRequests:    c.DayRequests,
		DayStart:       c.DayStart,
		Version:        c.Version,
	}
}

func (d counterDoc) toDomain() *Counter {
	return &Counter{
		UserID:         d.UserID,
		MinuteRequests: d.MinuteRequests,
		DayRequests:    d.DayRequests,
		DayStart:       d.DayStart,
		Version:        d.Version,
	}
}
