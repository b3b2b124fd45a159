package storage

import (
	"context"
	"errors"
	"fmt"

	"socialmedia/pkg/model"
	"socialmedia/pkg/relationship"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	SOCIAL_GRAPH_DB         = "social-graph"
	SOCIAL_GRAPH_COLLECTION = "social-graph"
	LEDGER_COLLECTION       = "reconcile-ledger"
)

// UserRecords is the relationship.RecordStore backed by the social graph collection.
type UserRecords struct {
	*SetStore
}

var _ relationship.RecordStore = (*UserRecords)(nil)

func NewUserRecords(client *mongo.Client) *UserRecords {
	return &UserRecords{NewSetStore(client, SOCIAL_GRAPH_DB, SOCIAL_GRAPH_COLLECTION, "user_id")}
}

var _ relationship.Sampler = (*UserRecords)(nil)

// InsertUser creates the empty record of a new user. Inserting an existing
// record is a no-op.
func (u *UserRecords) InsertUser(ctx context.Context, userID int64) error {
	err := u.Insert(ctx, model.UserRecord{
		UserID:    userID,
		Following: []int64{},
		Followers: []int64{},
		Bookmarks: []int64{},
	})
	if errors.Is(err, ErrDuplicate) {
		return nil
	}
	return err
}

func (u *UserRecords) Sample(ctx context.Context, n int) ([]int64, error) {
	return u.SampleIDs(ctx, n)
}

func (u *UserRecords) Get(ctx context.Context, userID int64) (model.UserRecord, error) {
	var record model.UserRecord
	err := u.FindOne(ctx, userID, &record)
	return record, notFound(err)
}

func (u *UserRecords) AddToSet(ctx context.Context, userID int64, field model.Side, value int64) error {
	return notFound(u.SetStore.AddToSet(ctx, userID, string(field), value))
}

func (u *UserRecords) RemoveFromSet(ctx context.Context, userID int64, field model.Side, value int64) error {
	return notFound(u.SetStore.RemoveFromSet(ctx, userID, string(field), value))
}

func notFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("%w: %w", relationship.ErrNotFound, err)
	}
	return err
}

// Ledger is the relationship.Ledger backed by a mongo collection.
type Ledger struct {
	collection *mongo.Collection
}

var _ relationship.Ledger = (*Ledger)(nil)

func NewLedger(client *mongo.Client) *Ledger {
	return &Ledger{collection: client.Database(SOCIAL_GRAPH_DB).Collection(LEDGER_COLLECTION)}
}

func (l *Ledger) EnsureIndex(ctx context.Context) error {
	_, err := l.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "entry_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "timestamp", Value: 1}}},
	})
	return err
}

func (l *Ledger) Append(ctx context.Context, entry model.LedgerEntry) error {
	_, err := l.collection.InsertOne(ctx, entry)
	if mongo.IsDuplicateKeyError(err) {
		// retried append whose first attempt landed
		return nil
	}
	return err
}

func (l *Ledger) Pending(ctx context.Context, limit int) ([]model.LedgerEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := l.collection.Find(ctx, bson.D{}, opts)
	if err != nil {
		return nil, err
	}
	entries := []model.LedgerEntry{}
	if err := cur.All(ctx, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (l *Ledger) Clear(ctx context.Context, entryID string) error {
	_, err := l.collection.DeleteOne(ctx, bson.D{{Key: "entry_id", Value: entryID}})
	return err
}

func (l *Ledger) Count(ctx context.Context) (int64, error) {
	return l.collection.CountDocuments(ctx, bson.D{})
}
