package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avvvet/cardkey-services/internal/cardsvc/models"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const CardsCollection = "cards"

var _ CardStore = (*MongoCardStore)(nil)

type MongoCardStore struct {
	coll *mongo.Collection
}

func NewMongoCardStore(db *mongo.Database) *MongoCardStore {
	return &MongoCardStore{coll: db.Collection(CardsCollection)}
}

type cardDoc struct {
	ID          primitive.ObjectID `bson:"_id,omitempty"`
	Key         string             `bson:"key"`
	Status      string             `bson:"status"`
	Description string             `bson:"description"`
	HWID        string             `bson:"hwid,omitempty"`
	UsedAt      *time.Time         `bson:"usedAt,omitempty"`
	BindAt      *time.Time         `bson:"bindAt,omitempty"`
	ExpiredAt   *time.Time         `bson:"expiredAt,omitempty"`
	BatchID     string             `bson:"batchId,omitempty"`
	CreatedAt   time.Time          `bson:"createdAt"`
	UpdatedAt   time.Time          `bson:"updatedAt"`
}

func (d *cardDoc) toModel() *models.Card {
	return &models.Card{
		ID:          d.ID.Hex(),
		Key:         d.Key,
		Status:      models.Status(d.Status),
		Description: d.Description,
		HWID:        d.HWID,
		UsedAt:      utcPtr(d.UsedAt),
		BindAt:      utcPtr(d.BindAt),
		ExpiredAt:   utcPtr(d.ExpiredAt),
		BatchID:     d.BatchID,
		CreatedAt:   d.CreatedAt.UTC(),
		UpdatedAt:   d.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// EnsureIndexes creates the unique key index plus the lookup indexes used by
// listing, hwid checks and the sweeper.
func (s *MongoCardStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "key", Value: 1}}, Options: options.Index().SetUnique(true).SetName("uniq_card_key")},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "batchId", Value: 1}, {Key: "createdAt", Value: -1}}},
		{Keys: bson.D{{Key: "hwid", Value: 1}}},
		{Keys: bson.D{{Key: "expiredAt", Value: 1}, {Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create card indexes: %w", err)
	}
	return nil
}

func (s *MongoCardStore) Create(ctx context.Context, card *models.Card) (*models.Card, error) {
	now := time.Now().UTC()
	doc := cardDoc{
		Key:         card.Key,
		Status:      string(card.Status),
		Description: card.Description,
		ExpiredAt:   card.ExpiredAt,
		BatchID:     card.BatchID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if doc.Status == "" {
		doc.Status = string(models.StatusUnused)
	}

	res, err := s.coll.InsertOne(ctx, doc)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("failed to create card: %w", err)
	}
	doc.ID = res.InsertedID.(primitive.ObjectID)
	return doc.toModel(), nil
}

func (s *MongoCardStore) findOne(ctx context.Context, filter bson.M) (*models.Card, error) {
	var doc cardDoc
	err := s.coll.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get card: %w", err)
	}
	return doc.toModel(), nil
}

func (s *MongoCardStore) FindByID(ctx context.Context, id string) (*models.Card, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}
	return s.findOne(ctx, bson.M{"_id": oid})
}

func (s *MongoCardStore) FindByKey(ctx context.Context, key string) (*models.Card, error) {
	return s.findOne(ctx, bson.M{"key": key})
}

func (s *MongoCardStore) FindByHWID(ctx context.Context, hwid string) ([]*models.Card, error) {
	opts := options.Find().SetSort(bson.D{{Key: "usedAt", Value: -1}, {Key: "_id", Value: -1}})
	return s.findMany(ctx, bson.M{"hwid": hwid}, opts)
}

func (s *MongoCardStore) Find(ctx context.Context, filter models.Filter, page, limit int) (*models.CardPage, error) {
	q := bson.M{}
	if filter.Status != "" {
		q["status"] = string(filter.Status)
	}
	if filter.BatchID != "" {
		q["batchId"] = filter.BatchID
	}

	total, err := s.coll.CountDocuments(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to count cards: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64((page - 1) * limit)).
		SetLimit(int64(limit))
	cards, err := s.findMany(ctx, q, opts)
	if err != nil {
		return nil, err
	}
	return models.NewCardPage(cards, total, page, limit), nil
}

func (s *MongoCardStore) FindExpirable(ctx context.Context, now time.Time, limit int) ([]*models.Card, error) {
	q := bson.M{
		"expiredAt": bson.M{"$lt": now},
		"status":    bson.M{"$ne": string(models.StatusExpired)},
	}
	opts := options.Find().SetSort(bson.D{{Key: "expiredAt", Value: 1}}).SetLimit(int64(limit))
	return s.findMany(ctx, q, opts)
}

func (s *MongoCardStore) findMany(ctx context.Context, q bson.M, opts *options.FindOptions) ([]*models.Card, error) {
	cur, err := s.coll.Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to find cards: %w", err)
	}
	defer cur.Close(ctx)

	var cards []*models.Card
	for cur.Next(ctx) {
		var doc cardDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode card: %w", err)
		}
		cards = append(cards, doc.toModel())
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return cards, nil
}

// Bind is a single FindOneAndUpdate guarded on status=unused and a future
// (or absent) expiredAt, so only one concurrent caller can match.
func (s *MongoCardStore) Bind(ctx context.Context, id string, b models.Binding) (*models.Card, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}

	filter := bson.M{
		"_id":    oid,
		"status": string(models.StatusUnused),
		"$or": bson.A{
			bson.M{"expiredAt": bson.M{"$exists": false}},
			bson.M{"expiredAt": nil},
			bson.M{"expiredAt": bson.M{"$gte": b.At}},
		},
	}
	update := bson.M{"$set": bson.M{
		"status":    string(models.StatusUsed),
		"hwid":      b.HWID,
		"usedAt":    b.At,
		"bindAt":    b.At,
		"expiredAt": b.ExpiredAt,
		"updatedAt": time.Now().UTC(),
	}}

	var doc cardDoc
	err = s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("failed to bind card: %w", err)
	}
	return doc.toModel(), nil
}

func (s *MongoCardStore) MarkExpired(ctx context.Context, id string, now time.Time) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return false, nil
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.M{
			"_id":       oid,
			"status":    bson.M{"$ne": string(models.StatusExpired)},
			"expiredAt": bson.M{"$lt": now},
		},
		bson.M{"$set": bson.M{"status": string(models.StatusExpired), "updatedAt": time.Now().UTC()}},
	)
	if err != nil {
		return false, fmt.Errorf("failed to expire card %s: %w", id, err)
	}
	return res.ModifiedCount > 0, nil
}

// Unbind is guarded on the hwid the caller saw, so a stale unbind cannot
// clear a binding made after it read the card.
func (s *MongoCardStore) Unbind(ctx context.Context, id, hwid string) (*models.Card, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, ErrNotFound
	}
	if hwid == "" {
		return nil, ErrConflict
	}

	update := bson.M{
		"$set":   bson.M{"status": string(models.StatusUnused), "updatedAt": time.Now().UTC()},
		"$unset": bson.M{"hwid": "", "usedAt": "", "bindAt": "", "expiredAt": ""},
	}

	var doc cardDoc
	err = s.coll.FindOneAndUpdate(ctx, bson.M{"_id": oid, "hwid": hwid}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, s.missOrConflict(ctx, oid)
		}
		return nil, fmt.Errorf("failed to unbind card: %w", err)
	}
	return doc.toModel(), nil
}

func (s *MongoCardStore) missOrConflict(ctx context.Context, oid primitive.ObjectID) error {
	n, err := s.coll.CountDocuments(ctx, bson.M{"_id": oid})
	if err != nil {
		return fmt.Errorf("failed to get card: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrConflict
}
