// internal/entities/entities.go
//
// Narrow views of the marketplace aggregates that live in the document store.
// Only payment-related fields are read or written here.
package entities

import (
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

var ErrNotFound = errors.New("entity not found")

const (
	OrdersCollection        = "orders"
	SubscriptionsCollection = "subscriptions"
	UsersCollection         = "users"

	paymentStatusPaid = "paid"
)

func objectID(kind, id string) (primitive.ObjectID, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return primitive.NilObjectID, fmt.Errorf("%s %q: %w", kind, id, ErrNotFound)
	}
	return oid, nil
}
