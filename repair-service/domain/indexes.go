package domain

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureIndexes creates the indexes the repository relies on. The unique
// conversation index backs EnsureConversation and the TTL index expires OTPs.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "MongoEnsureIndexes")
	defer span.End()

	specs := map[*mongo.Collection][]mongo.IndexModel{
		r.RequestCollection: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "location.postalCode", Value: 1}}},
			{Keys: bson.D{{Key: "customer", Value: 1}, {Key: "createdAt", Value: -1}}},
			{Keys: bson.D{{Key: "repairer", Value: 1}, {Key: "createdAt", Value: -1}}},
		},
		r.UserCollection: {
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "phone", Value: 1}}},
		},
		r.RepairerCollection: {
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "phone", Value: 1}}},
		},
		r.AdminCollection: {
			{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		r.ConversationCollection: {
			{Keys: bson.D{{Key: "serviceRequest", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		r.MessageCollection: {
			{Keys: bson.D{{Key: "conversation", Value: 1}, {Key: "createdAt", Value: 1}}},
		},
		r.NotificationCollection: {
			{Keys: bson.D{{Key: "recipient.id", Value: 1}, {Key: "recipient.kind", Value: 1}, {Key: "createdAt", Value: -1}}},
		},
		r.OTPCollection: {
			{Keys: bson.D{{Key: "purpose", Value: 1}, {Key: "key", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "expiresAt", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(0)},
		},
		r.PaymentCollection: {
			{Keys: bson.D{{Key: "serviceRequest", Value: 1}, {Key: "kind", Value: 1}}},
			{Keys: bson.D{{Key: "gatewayOrderId", Value: 1}}, Options: options.Index().SetSparse(true)},
		},
		r.OutboxCollection: {
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_at", Value: 1}}},
		},
	}

	for coll, models := range specs {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fail(span, fmt.Errorf("failed to create indexes on %s: %w", coll.Name(), err), "Failed to create indexes")
		}
	}
	return nil
}
