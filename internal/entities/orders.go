// internal/entities/orders.go
package entities

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

type OrderStore struct {
	coll *mongo.Collection
}

func NewOrderStore(coll *mongo.Collection) *OrderStore {
	return &OrderStore{coll: coll}
}

// MarkPaid sets the order's payment status to paid. Marking an already paid
// order again is a no-op.
func (s *OrderStore) MarkPaid(ctx context.Context, orderID string) error {
	oid, err := objectID("order", orderID)
	if err != nil {
		return err
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{"paymentStatus": paymentStatusPaid, "updatedAt": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark order %s paid: %w", orderID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("order %q: %w", orderID, ErrNotFound)
	}
	return nil
}
