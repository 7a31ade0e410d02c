// internal/entities/subscriptions.go
package entities

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"marketplace-payments/internal/models"
)

type SubscriptionStore struct {
	coll *mongo.Collection
}

func NewSubscriptionStore(coll *mongo.Collection) *SubscriptionStore {
	return &SubscriptionStore{coll: coll}
}

type planPrices struct {
	PricePerMonth float64 `bson:"pricePerMonth"`
	PricePerYear  float64 `bson:"pricePerYear"`
}

// GetPlanPrice returns the plan price for the billing period.
func (s *SubscriptionStore) GetPlanPrice(ctx context.Context, subscriptionID string, period models.BillingPeriod) (decimal.Decimal, error) {
	oid, err := objectID("subscription", subscriptionID)
	if err != nil {
		return decimal.Zero, err
	}

	var doc planPrices
	opts := options.FindOne().SetProjection(bson.M{"pricePerMonth": 1, "pricePerYear": 1})
	err = s.coll.FindOne(ctx, bson.M{"_id": oid}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return decimal.Zero, fmt.Errorf("subscription %q: %w", subscriptionID, ErrNotFound)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load subscription %s: %w", subscriptionID, err)
	}

	switch period {
	case models.BillingPeriodYearly:
		return decimal.NewFromFloat(doc.PricePerYear), nil
	case models.BillingPeriodMonthly:
		return decimal.NewFromFloat(doc.PricePerMonth), nil
	default:
		return decimal.Zero, fmt.Errorf("unknown billing period %q", period)
	}
}

// MarkPaid sets the subscription's payment status to paid.
func (s *SubscriptionStore) MarkPaid(ctx context.Context, subscriptionID string) error {
	oid, err := objectID("subscription", subscriptionID)
	if err != nil {
		return err
	}

	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": oid},
		bson.M{"$set": bson.M{"paymentStatus": paymentStatusPaid, "updatedAt": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark subscription %s paid: %w", subscriptionID, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("subscription %q: %w", subscriptionID, ErrNotFound)
	}
	return nil
}
