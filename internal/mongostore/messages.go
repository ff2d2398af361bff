package mongostore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/brandon/mail-ingest/pkg/types"
)

// MessageStore keeps ingested messages in a MongoDB collection
type MessageStore struct {
	collection *mongo.Collection
	logger     *logrus.Logger
	now        func() time.Time
}

// NewMessageStore creates a message store on db
func NewMessageStore(db *mongo.Database, logger *logrus.Logger) *MessageStore {
	return &MessageStore{
		collection: db.Collection(collectionMessages),
		logger:     logger,
		now:        time.Now,
	}
}

// FindByMessageID returns the message with the given protocol Message-ID
func (s *MessageStore) FindByMessageID(ctx context.Context, messageID string) (*types.Message, error) {
	return s.findOne(ctx, bson.M{"message_id": messageID}, "message "+messageID)
}

// FindByID returns the message with id
func (s *MessageStore) FindByID(ctx context.Context, id string) (*types.Message, error) {
	return s.findOne(ctx, bson.M{"_id": id}, "message "+id)
}

func (s *MessageStore) findOne(ctx context.Context, filter bson.M, what string) (*types.Message, error) {
	var msg types.Message
	if err := s.collection.FindOne(ctx, filter).Decode(&msg); err != nil {
		return nil, mapError(err, what)
	}
	return &msg, nil
}

// Insert stores a new message. A duplicate Message-ID yields ErrDuplicate.
func (s *MessageStore) Insert(ctx context.Context, msg *types.Message) (*types.Message, error) {
	stored := *msg
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Category == "" {
		stored.Category = types.CategoryUncategorized
	}
	if stored.To == nil {
		stored.To = []string{}
	}
	if stored.Labels == nil {
		stored.Labels = []types.Label{}
	}
	now := s.now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	if _, err := s.collection.InsertOne(ctx, &stored); err != nil {
		return nil, mapError(err, "message "+stored.MessageID)
	}
	return &stored, nil
}

// UpdateByID applies patch and returns the updated message
func (s *MessageStore) UpdateByID(ctx context.Context, id string, patch types.MessagePatch) (*types.Message, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var msg types.Message
	err := s.collection.FindOneAndUpdate(ctx, bson.M{"_id": id}, messageUpdate(patch, s.now()), opts).Decode(&msg)
	if err != nil {
		return nil, mapError(err, "message "+id)
	}

	if patch.Category != nil {
		s.logger.WithFields(logrus.Fields{
			"message_id": msg.MessageID,
			"category":   *patch.Category,
		}).Debug("Updated message category")
	}
	return &msg, nil
}

func messageUpdate(patch types.MessagePatch, now time.Time) bson.M {
	set := bson.M{"updated_at": now.UTC()}
	if patch.Category != nil {
		set["category"] = string(*patch.Category)
	}
	if patch.IsRead != nil {
		set["is_read"] = *patch.IsRead
	}
	if patch.IsFlagged != nil {
		set["is_flagged"] = *patch.IsFlagged
	}
	return bson.M{"$set": set}
}
