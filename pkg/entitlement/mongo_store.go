package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const (
	collEntitlements  = "entitlements"
	collTrialIndex    = "trial_index"
	collCustomerLinks = "customer_links"
)

// MongoStore implements Store on MongoDB. Batches run inside a
// multi-document transaction, which requires a replica set deployment.
type MongoStore struct {
	client       *mongo.Client
	entitlements *mongo.Collection
	trialIndex   *mongo.Collection
	links        *mongo.Collection
}

// NewMongoStore creates a store bound to the given database.
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		client:       db.Client(),
		entitlements: db.Collection(collEntitlements),
		trialIndex:   db.Collection(collTrialIndex),
		links:        db.Collection(collCustomerLinks),
	}
}

// EnsureIndexes creates the indexes the scheduler scans and the handlers'
// lookups depend on. Safe to call on every startup.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.entitlements.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "external_subscription_id", Value: 1}}},
		{Keys: bson.D{{Key: "parent_uid", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create entitlement indexes: %w", err)
	}

	_, err = s.trialIndex.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "effective_trial_end", Value: 1}, {Key: "reminder_sent", Value: 1}}},
		{Keys: bson.D{{Key: "effective_trial_end", Value: 1}, {Key: "expired_processed", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create trial index indexes: %w", err)
	}
	return nil
}

func (s *MongoStore) GetEntitlement(ctx context.Context, childProfileID uuid.UUID) (*Entitlement, error) {
	var doc entitlementDoc
	err := s.entitlements.FindOne(ctx, bson.M{"_id": childProfileID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entitlement: %w", err)
	}
	return doc.toDomain()
}

func (s *MongoStore) GetEntitlementBySubscriptionID(ctx context.Context, subscriptionID string) (*Entitlement, error) {
	if subscriptionID == "" {
		return nil, ErrNotFound
	}

	var doc entitlementDoc
	err := s.entitlements.FindOne(ctx, bson.M{"external_subscription_id": subscriptionID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entitlement by subscription: %w", err)
	}
	return doc.toDomain()
}

func (s *MongoStore) GetTrialIndex(ctx context.Context, childProfileID uuid.UUID) (*TrialIndex, error) {
	var doc trialIndexDoc
	err := s.trialIndex.FindOne(ctx, bson.M{"_id": childProfileID.String()}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrTrialIndexNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trial index: %w", err)
	}
	return doc.toDomain()
}

func (s *MongoStore) ParentByCustomerID(ctx context.Context, customerID string) (uuid.UUID, error) {
	var doc customerLinkDoc
	err := s.links.FindOne(ctx, bson.M{"_id": customerID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return uuid.Nil, ErrLinkNotFound
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to load customer link: %w", err)
	}
	return uuid.Parse(doc.ParentUID)
}

func (s *MongoStore) EntitlementsByParent(ctx context.Context, parentUID uuid.UUID) ([]*Entitlement, error) {
	cursor, err := s.entitlements.Find(ctx, bson.M{"parent_uid": parentUID.String()})
	if err != nil {
		return nil, fmt.Errorf("failed to list entitlements by parent: %w", err)
	}
	defer cursor.Close(ctx)

	var result []*Entitlement
	for cursor.Next(ctx) {
		var doc entitlementDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode entitlement: %w", err)
		}
		e, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, cursor.Err()
}

// Commit applies the batch in one multi-document transaction.
func (s *MongoStore) Commit(ctx context.Context, batch *Batch) error {
	if batch == nil || batch.Empty() {
		return nil
	}

	session, err := s.client.StartSession()
	if err != nil {
		return errors.Join(ErrBatchAborted, err)
	}
	defer session.EndSession(ctx)

	replaceOpts := options.Replace().SetUpsert(true)

	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		for _, e := range batch.Entitlements() {
			doc := toEntitlementDoc(e)
			if _, err := s.entitlements.ReplaceOne(ctx, bson.M{"_id": doc.ChildProfileID}, doc, replaceOpts); err != nil {
				return nil, err
			}
		}
		for _, ti := range batch.IndexPuts() {
			doc := toTrialIndexDoc(ti)
			if _, err := s.trialIndex.ReplaceOne(ctx, bson.M{"_id": doc.ChildProfileID}, doc, replaceOpts); err != nil {
				return nil, err
			}
		}
		for _, childID := range batch.IndexDeletes() {
			if _, err := s.trialIndex.DeleteOne(ctx, bson.M{"_id": childID.String()}); err != nil {
				return nil, err
			}
		}
		for _, l := range batch.Links() {
			doc := customerLinkDoc{
				CustomerID: l.CustomerID,
				ParentUID:  l.ParentUID.String(),
				CreatedAt:  l.CreatedAt,
			}
			if _, err := s.links.ReplaceOne(ctx, bson.M{"_id": doc.CustomerID}, doc, replaceOpts); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return errors.Join(ErrBatchAborted, err)
	}
	return nil
}

func (s *MongoStore) DueReminders(ctx context.Context, from, to time.Time) ([]*TrialIndex, error) {
	filter := bson.M{
		"effective_trial_end": bson.M{"$gt": from, "$lte": to},
		"reminder_sent":       false,
	}
	return s.scanTrialIndex(ctx, filter)
}

func (s *MongoStore) DueExpirations(ctx context.Context, asOf time.Time) ([]*TrialIndex, error) {
	filter := bson.M{
		"effective_trial_end": bson.M{"$lte": asOf},
		"expired_processed":   false,
	}
	return s.scanTrialIndex(ctx, filter)
}

func (s *MongoStore) scanTrialIndex(ctx context.Context, filter bson.M) ([]*TrialIndex, error) {
	cursor, err := s.trialIndex.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to scan trial index: %w", err)
	}
	defer cursor.Close(ctx)

	var result []*TrialIndex
	for cursor.Next(ctx) {
		var doc trialIndexDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode trial index: %w", err)
		}
		ti, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, ti)
	}
	return result, cursor.Err()
}

// Mongo document shapes. UUIDs are stored as strings so documents stay
// readable in the shell and free of driver-specific binary subtypes.

type entitlementDoc struct {
	ChildProfileID string `bson:"_id"`
	ParentUID      string `bson:"parent_uid"`
	Status         string `bson:"status"`

	TrialStartDate time.Time `bson:"trial_start_date"`
	TrialEndDate   time.Time `bson:"trial_end_date"`

	TrialExtendedUntil   *time.Time `bson:"trial_extended_until,omitempty"`
	TrialExtensionReason string     `bson:"trial_extension_reason,omitempty"`
	TrialExtensionSetBy  string     `bson:"trial_extension_set_by,omitempty"`
	TrialExtensionSetAt  *time.Time `bson:"trial_extension_set_at,omitempty"`

	ExternalCustomerID     string `bson:"external_customer_id,omitempty"`
	ExternalSubscriptionID string `bson:"external_subscription_id,omitempty"`

	PriceID            string     `bson:"price_id,omitempty"`
	BillingInterval    string     `bson:"billing_interval,omitempty"`
	CurrentPeriodStart *time.Time `bson:"current_period_start,omitempty"`
	CurrentPeriodEnd   *time.Time `bson:"current_period_end,omitempty"`
	CancelAtPeriodEnd  bool       `bson:"cancel_at_period_end"`

	GraceUntil *time.Time `bson:"grace_until,omitempty"`

	LastPaymentDate   *time.Time `bson:"last_payment_date,omitempty"`
	LastPaymentAmount int64      `bson:"last_payment_amount,omitempty"`
	Currency          string     `bson:"currency,omitempty"`

	UpdatedAt time.Time `bson:"updated_at"`
}

func toEntitlementDoc(e *Entitlement) entitlementDoc {
	return entitlementDoc{
		ChildProfileID:         e.ChildProfileID.String(),
		ParentUID:              e.ParentUID.String(),
		Status:                 string(e.Status),
		TrialStartDate:         e.TrialStartDate,
		TrialEndDate:           e.TrialEndDate,
		TrialExtendedUntil:     e.TrialExtendedUntil,
		TrialExtensionReason:   e.TrialExtensionReason,
		TrialExtensionSetBy:    e.TrialExtensionSetBy,
		TrialExtensionSetAt:    e.TrialExtensionSetAt,
		ExternalCustomerID:     e.ExternalCustomerID,
		ExternalSubscriptionID: e.ExternalSubscriptionID,
		PriceID:                e.PriceID,
		BillingInterval:        string(e.BillingInterval),
		CurrentPeriodStart:     e.CurrentPeriodStart,
		CurrentPeriodEnd:       e.CurrentPeriodEnd,
		CancelAtPeriodEnd:      e.CancelAtPeriodEnd,
		GraceUntil:             e.GraceUntil,
		LastPaymentDate:        e.LastPaymentDate,
		LastPaymentAmount:      e.LastPaymentAmount,
		Currency:               e.Currency,
		UpdatedAt:              e.UpdatedAt,
	}
}

func (d entitlementDoc) toDomain() (*Entitlement, error) {
	childID, err := uuid.Parse(d.ChildProfileID)
	if err != nil {
		return nil, fmt.Errorf("invalid child profile id %q: %w", d.ChildProfileID, err)
	}
	parentUID, err := uuid.Parse(d.ParentUID)
	if err != nil {
		return nil, fmt.Errorf("invalid parent uid %q: %w", d.ParentUID, err)
	}

	return &Entitlement{
		ChildProfileID:         childID,
		ParentUID:              parentUID,
		Status:                 Status(d.Status),
		TrialStartDate:         d.TrialStartDate,
		TrialEndDate:           d.TrialEndDate,
		TrialExtendedUntil:     d.TrialExtendedUntil,
		TrialExtensionReason:   d.TrialExtensionReason,
		TrialExtensionSetBy:    d.TrialExtensionSetBy,
		TrialExtensionSetAt:    d.TrialExtensionSetAt,
		ExternalCustomerID:     d.ExternalCustomerID,
		ExternalSubscriptionID: d.ExternalSubscriptionID,
		PriceID:                d.PriceID,
		BillingInterval:        BillingInterval(d.BillingInterval),
		CurrentPeriodStart:     d.CurrentPeriodStart,
		CurrentPeriodEnd:       d.CurrentPeriodEnd,
		CancelAtPeriodEnd:      d.CancelAtPeriodEnd,
		GraceUntil:             d.GraceUntil,
		LastPaymentDate:        d.LastPaymentDate,
		LastPaymentAmount:      d.LastPaymentAmount,
		Currency:               d.Currency,
		UpdatedAt:              d.UpdatedAt,
	}, nil
}

type trialIndexDoc struct {
	ChildProfileID    string    `bson:"_id"`
	ParentUID         string    `bson:"parent_uid"`
	TrialEndDate      time.Time `bson:"trial_end_date"`
	EffectiveTrialEnd time.Time `bson:"effective_trial_end"`
	ReminderSent      bool      `bson:"reminder_sent"`
	ExpiredProcessed  bool      `bson:"expired_processed"`
}

func toTrialIndexDoc(ti *TrialIndex) trialIndexDoc {
	return trialIndexDoc{
		ChildProfileID:    ti.ChildProfileID.String(),
		ParentUID:         ti.ParentUID.String(),
		TrialEndDate:      ti.TrialEndDate,
		EffectiveTrialEnd: ti.EffectiveTrialEnd,
		ReminderSent:      ti.ReminderSent,
		ExpiredProcessed:  ti.ExpiredProcessed,
	}
}

func (d trialIndexDoc) toDomain() (*TrialIndex, error) {
	childID, err := uuid.Parse(d.ChildProfileID)
	if err != nil {
		return nil, fmt.Errorf("invalid child profile id %q: %w", d.ChildProfileID, err)
	}
	parentUID, err := uuid.Parse(d.ParentUID)
	if err != nil {
		return nil, fmt.Errorf("invalid parent uid %q: %w", d.ParentUID, err)
	}

	return &TrialIndex{
		ChildProfileID:    childID,
		ParentUID:         parentUID,
		TrialEndDate:      d.TrialEndDate,
		EffectiveTrialEnd: d.EffectiveTrialEnd,
		ReminderSent:      d.ReminderSent,
		ExpiredProcessed:  d.ExpiredProcessed,
	}, nil
}

type customerLinkDoc struct {
	CustomerID string    `bson:"_id"`
	ParentUID  string    `bson:"parent_uid"`
	CreatedAt  time.Time `bson:"created_at"`
}
