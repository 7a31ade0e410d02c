// internal/entities/accounts.go
package entities

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"marketplace-payments/internal/models"
)

type AccountStore struct {
	coll *mongo.Collection
}

func NewAccountStore(coll *mongo.Collection) *AccountStore {
	return &AccountStore{coll: coll}
}

// GetRole returns the account's current role. Accounts without a role field
// are plain users.
func (s *AccountStore) GetRole(ctx context.Context, accountID string) (models.Role, error) {
	oid, err := objectID("account", accountID)
	if err != nil {
		return "", err
	}

	var doc struct {
		Role string `bson:"role"`
	}
	opts := options.FindOne().SetProjection(bson.M{"role": 1})
	err = s.coll.FindOne(ctx, bson.M{"_id": oid}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", fmt.Errorf("account %q: %w", accountID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to load account %s: %w", accountID, err)
	}

	if doc.Role == "" {
		return models.RoleUser, nil
	}
	return models.Role(doc.Role), nil
}
