package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"

	"github.com/b-open-io/livefeed/feed"
)

// MongoJournal stores history in a `journal` collection. The unique
// (topic, sequence) index is the sequence authority: appends derive the next
// sequence from the stored maximum and retry on contention, so a failed
// insert never consumes a sequence number.
type MongoJournal struct {
	db *mongo.Database
}

type mongoEvent struct {
	Topic     string    `bson:"topic"`
	Sequence  uint64    `bson:"sequence"`
	Payload   []byte    `bson:"payload"`
	CreatedAt time.Time `bson:"created_at"`
}

// NewMongoJournal connects using a mongodb:// connection string. The database
// name comes from the connection string, defaulting to "livefeed".
func NewMongoJournal(connString string) (*MongoJournal, error) {
	clientOpts := options.Client().ApplyURI(connString)

	client, err := mongo.Connect(clientOpts)
	if err != nil {
		return nil, err
	}

	dbName := "livefeed"
	if cs, err := connstring.ParseAndValidate(connString); err == nil && cs.Database != "" {
		dbName = cs.Database
	}

	db := client.Database(dbName)

	// Unique (topic, sequence) index so duplicate appends cannot fork the
	// sequence.
	_, err = db.Collection("journal").Indexes().CreateOne(context.Background(), mongo.IndexModel{
		Keys:    bson.D{{Key: "topic", Value: 1}, {Key: "sequence", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create journal index: %w", err)
	}

	return &MongoJournal{db: db}, nil
}

func (m *MongoJournal) maxSequence(ctx context.Context, topic string) (uint64, error) {
	var doc struct {
		Sequence uint64 `bson:"sequence"`
	}
	err := m.db.Collection("journal").FindOne(ctx,
		bson.M{"topic": topic},
		options.FindOne().
			SetSort(bson.D{{Key: "sequence", Value: -1}}).
			SetProjection(bson.M{"sequence": 1}),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Sequence, nil
}

func (m *MongoJournal) Append(ctx context.Context, topic string, payload json.RawMessage) (feed.Event, error) {
	// Concurrent appends may pick the same sequence; the unique index
	// rejects the loser, which rereads the maximum and tries again.
	for attempt := 0; attempt < 8; attempt++ {
		max, err := m.maxSequence(ctx, topic)
		if err != nil {
			return feed.Event{}, err
		}
		seq := max + 1

		doc := mongoEvent{
			Topic:     topic,
			Sequence:  seq,
			Payload:   payload,
			CreatedAt: time.Now(),
		}
		_, err = m.db.Collection("journal").InsertOne(ctx, doc)
		if err == nil {
			return feed.Event{Topic: topic, Sequence: seq, Payload: payload}, nil
		}
		if !mongo.IsDuplicateKeyError(err) {
			return feed.Event{}, err
		}
	}
	return feed.Event{}, fmt.Errorf("journal: append contention on topic %s", topic)
}

func (m *MongoJournal) After(ctx context.Context, topic string, after uint64, limit int) ([]feed.Event, error) {
	limit = clampLimit(limit)

	cursor, err := m.db.Collection("journal").Find(ctx,
		bson.M{"topic": topic, "sequence": bson.M{"$gt": after}},
		options.Find().SetSort(bson.D{{Key: "sequence", Value: 1}}).SetLimit(int64(limit)),
	)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var events []feed.Event
	for cursor.Next(ctx) {
		var doc mongoEvent
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		events = append(events, feed.Event{
			Topic:    doc.Topic,
			Sequence: doc.Sequence,
			Payload:  doc.Payload,
		})
	}
	return events, cursor.Err()
}

func (m *MongoJournal) Head(ctx context.Context, topic string) (uint64, error) {
	return m.maxSequence(ctx, topic)
}

func (m *MongoJournal) Close() error {
	if m.db != nil {
		return m.db.Client().Disconnect(context.Background())
	}
	return nil
}
