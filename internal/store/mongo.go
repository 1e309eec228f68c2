package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/airlift/spaces/internal/domain"
)

const roomsCollection = "rooms"

type MongoRoomStore struct {
	coll *mongo.Collection
}

// NewMongoRoomStore wires the rooms collection and ensures the unique
// channel index exists.
func NewMongoRoomStore(ctx context.Context, db *mongo.Database) (*MongoRoomStore, error) {
	coll := db.Collection(roomsCollection)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "channel", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("ensure channel index: %w", err)
	}
	return &MongoRoomStore{coll: coll}, nil
}

// Connect dials mongo with a bounded timeout and pings it.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(dialCtx, nil); err != nil {
		return nil, fmt.Errorf("mongo ping: %w", err)
	}
	log.Info().Str("module", "store").Msg("connected to mongo")
	return client, nil
}

func (s *MongoRoomStore) Insert(ctx context.Context, room *domain.Room) error {
	room.Version = 1
	_, err := s.coll.InsertOne(ctx, room)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrRoomExists
		}
		return err
	}
	return nil
}

func (s *MongoRoomStore) FindByChannel(ctx context.Context, channel string) (*domain.Room, error) {
	var room domain.Room
	err := s.coll.FindOne(ctx, bson.M{"channel": channel}).Decode(&room)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *MongoRoomStore) Update(ctx context.Context, room *domain.Room) error {
	readVersion := room.Version
	room.Version = readVersion + 1

	res, err := s.coll.ReplaceOne(ctx, bson.M{
		"channel": room.Channel,
		"version": readVersion,
	}, room)
	if err != nil {
		room.Version = readVersion
		return err
	}
	if res.MatchedCount == 0 {
		room.Version = readVersion
		// Either the document moved under us or it is gone entirely.
		if _, ferr := s.FindByChannel(ctx, room.Channel); ferr != nil {
			return ferr
		}
		return domain.ErrVersionConflict
	}
	return nil
}

func (s *MongoRoomStore) FindLive(ctx context.Context) ([]*domain.Room, error) {
	cur, err := s.coll.Find(ctx, bson.M{"isLive": true})
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var rooms []*domain.Room
	for cur.Next(ctx) {
		var room domain.Room
		if err := cur.Decode(&room); err != nil {
			return nil, err
		}
		rooms = append(rooms, &room)
	}
	return rooms, cur.Err()
}
