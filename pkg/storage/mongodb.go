package storage

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	ErrNotFound  = errors.New("document not found")
	ErrDuplicate = errors.New("document already exists")
)

func MongoDBClient(ctx context.Context, address string, port int) (*mongo.Client, error) {
	uri := fmt.Sprintf("mongodb://%s:%d/?directConnection=true", address, port)
	clientOptions := options.Client().ApplyURI(uri)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("error connecting to mongodb: %w", err)
	}
	err = client.Ping(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("mongodb cannot be reached after connecting: %w", err)
	}
	return client, nil
}

// SetStore wraps a collection whose documents are keyed by an int64 field
// and carry int64 arrays used as sets. Set updates rely on $addToSet and
// $pull, which are atomic per document and idempotent.
type SetStore struct {
	collection *mongo.Collection
	key        string
}

func NewSetStore(client *mongo.Client, database string, collection string, key string) *SetStore {
	return &SetStore{
		collection: client.Database(database).Collection(collection),
		key:        key,
	}
}

// EnsureIndex creates the unique index on the key field.
func (s *SetStore) EnsureIndex(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: s.key, Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("error creating %s index on %s: %w", s.key, s.collection.Name(), err)
	}
	return nil
}

func (s *SetStore) Insert(ctx context.Context, doc interface{}) error {
	_, err := s.collection.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicate
	}
	return err
}

// FindOne decodes the document with the given id into out.
func (s *SetStore) FindOne(ctx context.Context, id int64, out interface{}) error {
	err := s.collection.FindOne(ctx, bson.D{{Key: s.key, Value: id}}).Decode(out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s %d: %w", s.key, id, ErrNotFound)
	}
	return err
}

func (s *SetStore) Delete(ctx context.Context, id int64) error {
	_, err := s.collection.DeleteOne(ctx, bson.D{{Key: s.key, Value: id}})
	return err
}

// SetFields applies $set with fields to the document with the given id.
func (s *SetStore) SetFields(ctx context.Context, id int64, fields bson.D) error {
	return s.update(ctx, id, bson.M{"$set": fields})
}

// Find decodes up to limit documents matching filter into out, which must
// point to a slice.
func (s *SetStore) Find(ctx context.Context, filter bson.D, limit int64, out interface{}) error {
	opts := options.Find().SetSort(bson.D{{Key: s.key, Value: 1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return err
	}
	return cur.All(ctx, out)
}

// SampleIDs returns the keys of up to n random documents.
func (s *SetStore) SampleIDs(ctx context.Context, n int) ([]int64, error) {
	cur, err := s.collection.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$sample", Value: bson.D{{Key: "size", Value: n}}}},
		{{Key: "$project", Value: bson.D{{Key: s.key, Value: 1}}}},
	})
	if err != nil {
		return nil, err
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(docs))
	for _, doc := range docs {
		if id, ok := doc[s.key].(int64); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *SetStore) AddToSet(ctx context.Context, id int64, field string, value int64) error {
	return s.update(ctx, id, bson.M{"$addToSet": bson.M{field: value}})
}

func (s *SetStore) RemoveFromSet(ctx context.Context, id int64, field string, value int64) error {
	return s.update(ctx, id, bson.M{"$pull": bson.M{field: value}})
}

func (s *SetStore) update(ctx context.Context, id int64, update bson.M) error {
	result, err := s.collection.UpdateOne(ctx, bson.D{{Key: s.key, Value: id}}, update)
	if err != nil {
		return err
	}
	// MatchedCount is 1 even if the set already had (or lacked) the value
	if result.MatchedCount == 0 {
		return fmt.Errorf("%s %d: %w", s.key, id, ErrNotFound)
	}
	return nil
}
