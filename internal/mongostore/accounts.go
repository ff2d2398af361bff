package mongostore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/brandon/mail-ingest/pkg/types"
)

// AccountStore is the account registry backed by a MongoDB collection
type AccountStore struct {
	collection *mongo.Collection
	logger     *logrus.Logger
	now        func() time.Time
}

// NewAccountStore creates an account store on db
func NewAccountStore(db *mongo.Database, logger *logrus.Logger) *AccountStore {
	return &AccountStore{
		collection: db.Collection(collectionAccounts),
		logger:     logger,
		now:        time.Now,
	}
}

// Find returns accounts matching filter, oldest first
func (s *AccountStore) Find(ctx context.Context, filter types.AccountFilter) ([]*types.Account, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.collection.Find(ctx, accountQuery(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer cur.Close(ctx)

	accounts := []*types.Account{}
	if err := cur.All(ctx, &accounts); err != nil {
		return nil, fmt.Errorf("failed to decode accounts: %w", err)
	}
	return accounts, nil
}

// FindByID returns the account with id
func (s *AccountStore) FindByID(ctx context.Context, id string) (*types.Account, error) {
	var acc types.Account
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&acc)
	if err != nil {
		return nil, mapError(err, "account "+id)
	}
	return &acc, nil
}

// Insert stores a new account. A duplicate email yields ErrDuplicate.
func (s *AccountStore) Insert(ctx context.Context, acc *types.Account) (*types.Account, error) {
	stored := *acc
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	stored.Email = strings.TrimSpace(stored.Email)
	now := s.now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	if _, err := s.collection.InsertOne(ctx, &stored); err != nil {
		return nil, mapError(err, "account "+stored.Email)
	}

	s.logger.WithFields(logrus.Fields{
		"account_id": stored.ID,
		"account":    stored.Email,
	}).Debug("Stored account")
	return &stored, nil
}

// UpdateByID applies patch and returns the updated account
func (s *AccountStore) UpdateByID(ctx context.Context, id string, patch types.AccountPatch) (*types.Account, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var acc types.Account
	err := s.collection.FindOneAndUpdate(ctx, bson.M{"_id": id}, accountUpdate(patch, s.now()), opts).Decode(&acc)
	if err != nil {
		return nil, mapError(err, "account "+id)
	}
	return &acc, nil
}

func accountQuery(filter types.AccountFilter) bson.M {
	query := bson.M{}
	if filter.ActiveOnly {
		query["active"] = true
	}
	return query
}

func accountUpdate(patch types.AccountPatch, now time.Time) bson.M {
	set := bson.M{"updated_at": now.UTC()}
	if patch.Active != nil {
		set["active"] = *patch.Active
	}
	if patch.LastSync != nil {
		set["last_sync"] = patch.LastSync.UTC()
	}
	return bson.M{"$set": set}
}
