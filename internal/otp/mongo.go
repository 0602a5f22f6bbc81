package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	challengesCollection = "otp_challenges"
	failuresCollection   = "otp_failures"
)

type challengeDoc struct {
	Subject   string    `bson:"_id"`
	Code      string    `bson:"code"`
	ExpiresAt time.Time `bson:"expires_at"`
}

type failureDoc struct {
	Subject   string    `bson:"_id"`
	Count     int       `bson:"count"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// MongoStore keeps challenges and failure counters in two collections keyed
// by subject. The TTL monitor only runs about once a minute, so every read
// also filters on expires_at.
type MongoStore struct {
	challenges *mongo.Collection
	failures   *mongo.Collection
	now        func() time.Time
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		challenges: db.Collection(challengesCollection),
		failures:   db.Collection(failuresCollection),
		now:        time.Now,
	}
}

// EnsureIndexes creates the expires_at TTL indexes. Safe to call on every start.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	ttl := mongo.IndexModel{
		Keys:    bson.D{{Key: "expires_at", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(0),
	}
	for _, c := range []*mongo.Collection{s.challenges, s.failures} {
		if _, err := c.Indexes().CreateOne(ctx, ttl); err != nil {
			return fmt.Errorf("ttl index on %s: %w", c.Name(), err)
		}
	}
	return nil
}

func (s *MongoStore) liveFilter(subject string) bson.M {
	return bson.M{"_id": subject, "expires_at": bson.M{"$gt": s.now()}}
}

func (s *MongoStore) Put(ctx context.Context, subject, code string, ttl time.Duration) error {
	doc := challengeDoc{Subject: subject, Code: code, ExpiresAt: s.now().Add(ttl)}
	_, err := s.challenges.ReplaceOne(ctx, bson.M{"_id": subject}, doc, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) Get(ctx context.Context, subject string) (string, bool, error) {
	var doc challengeDoc
	err := s.challenges.FindOne(ctx, s.liveFilter(subject)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return doc.Code, true, nil
}

func (s *MongoStore) CompareAndDelete(ctx context.Context, subject, code string) (bool, error) {
	filter := s.liveFilter(subject)
	filter["code"] = code
	res, err := s.challenges.DeleteOne(ctx, filter)
	if err != nil {
		return false, err
	}
	return res.DeletedCount == 1, nil
}

func (s *MongoStore) IncrFailures(ctx context.Context, subject string, ttl time.Duration) (int, error) {
	after := options.FindOneAndUpdate().SetReturnDocument(options.After)

	for attempt := 0; attempt < 3; attempt++ {
		var doc failureDoc

		// Live counter: plain increment, expiry untouched.
		err := s.failures.FindOneAndUpdate(ctx,
			s.liveFilter(subject),
			bson.M{"$inc": bson.M{"count": 1}},
			after,
		).Decode(&doc)
		if err == nil {
			return doc.Count, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return 0, err
		}

		// Absent or expired: (re)create at 1. If another caller created a live
		// counter meanwhile, the upsert hits a duplicate _id and we go round again.
		now := s.now()
		err = s.failures.FindOneAndUpdate(ctx,
			bson.M{"_id": subject, "expires_at": bson.M{"$lte": now}},
			bson.M{"$set": bson.M{"count": 1, "expires_at": now.Add(ttl)}},
			options.FindOneAndUpdate().SetReturnDocument(options.After).SetUpsert(true),
		).Decode(&doc)
		if err == nil {
			return doc.Count, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("increment failures for %s: too much contention", subject)
}

func (s *MongoStore) Failures(ctx context.Context, subject string) (int, error) {
	var doc failureDoc
	err := s.failures.FindOne(ctx, s.liveFilter(subject)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Count, nil
}

func (s *MongoStore) ResetFailures(ctx context.Context, subject string) error {
	_, err := s.failures.DeleteOne(ctx, bson.M{"_id": subject})
	return err
}
