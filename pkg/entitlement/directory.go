package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

const collParents = "parents"

// MongoParentDirectory resolves parent emails from the parents collection
// the account system maintains in the shared database.
type MongoParentDirectory struct {
	coll *mongo.Collection
}

// NewMongoParentDirectory creates a directory bound to the given database.
func NewMongoParentDirectory(db *mongo.Database) *MongoParentDirectory {
	return &MongoParentDirectory{coll: db.Collection(collParents)}
}

func (d *MongoParentDirectory) ParentEmail(ctx context.Context, parentUID uuid.UUID) (string, error) {
	var doc struct {
		Email string `bson:"email"`
	}
	err := d.coll.FindOne(ctx, bson.M{"_id": parentUID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", ErrParentEmailUnknown
	}
	if err != nil {
		return "", fmt.Errorf("failed to load parent record: %w", err)
	}
	if doc.Email == "" {
		return "", ErrParentEmailUnknown
	}
	return doc.Email, nil
}
