package domain

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("repair-service")

var errGuardFailed = errors.New("guard no longer holds")

// MongoRepository implements Store on a MongoDB replica set.
type MongoRepository struct {
	client *mongo.Client

	RequestCollection      *mongo.Collection
	UserCollection         *mongo.Collection
	RepairerCollection     *mongo.Collection
	AdminCollection        *mongo.Collection
	ConversationCollection *mongo.Collection
	MessageCollection      *mongo.Collection
	NotificationCollection *mongo.Collection
	OTPCollection          *mongo.Collection
	PaymentCollection      *mongo.Collection
	OutboxCollection       *mongo.Collection
}

// NewMongoRepository creates a new MongoRepository
func NewMongoRepository(client *mongo.Client, database string) *MongoRepository {
	db := client.Database(database)
	return &MongoRepository{
		client:                 client,
		RequestCollection:      db.Collection("service_requests"),
		UserCollection:         db.Collection("users"),
		RepairerCollection:     db.Collection("repairers"),
		AdminCollection:        db.Collection("admins"),
		ConversationCollection: db.Collection("conversations"),
		MessageCollection:      db.Collection("messages"),
		NotificationCollection: db.Collection("notifications"),
		OTPCollection:          db.Collection("otps"),
		PaymentCollection:      db.Collection("payments"),
		OutboxCollection:       db.Collection("outbox"),
	}
}

func fail(span trace.Span, err error, msg string) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	return err
}

func notFound(err error, resource, id string) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return NotFoundError{Resource: resource, ID: id, Err: err}
	}
	return fmt.Errorf("find %s %s: %w", resource, id, err)
}

func findOne[T any](ctx context.Context, coll *mongo.Collection, filter bson.M, resource, id string) (*T, error) {
	var out T
	if err := coll.FindOne(ctx, filter).Decode(&out); err != nil {
		return nil, notFound(err, resource, id)
	}
	return &out, nil
}

func findAll[T any](ctx context.Context, coll *mongo.Collection, filter bson.M, opts ...*options.FindOptions) ([]*T, error) {
	cursor, err := coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to find %s: %w", coll.Name(), err)
	}
	defer cursor.Close(ctx)

	out := []*T{}
	for cursor.Next(ctx) {
		var doc T
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", coll.Name(), err)
		}
		out = append(out, &doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return out, nil
}

func repairerFilter(repairerID string) any {
	if repairerID == "" {
		return bson.M{"$in": bson.A{nil, ""}}
	}
	return repairerID
}

// Ping checks the primary is reachable.
func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, readpref.Primary())
}

func (r *MongoRepository) Close(ctx context.Context) error {
	return r.client.Disconnect(ctx)
}

// CreateRequest inserts a new service request
func (r *MongoRepository) CreateRequest(ctx context.Context, req *ServiceRequest) error {
	ctx, span := tracer.Start(ctx, "MongoCreateRequest")
	defer span.End()

	if _, err := r.RequestCollection.InsertOne(ctx, req); err != nil {
		return fail(span, err, "Failed to insert service request")
	}
	span.SetAttributes(
		attribute.String("requestID", req.ID),
		attribute.String("customerID", req.CustomerID),
	)
	return nil
}

// GetRequest retrieves a service request by ID
func (r *MongoRepository) GetRequest(ctx context.Context, id string) (*ServiceRequest, error) {
	ctx, span := tracer.Start(ctx, "MongoGetRequest")
	defer span.End()
	span.SetAttributes(attribute.String("requestID", id))

	req, err := findOne[ServiceRequest](ctx, r.RequestCollection, bson.M{"_id": id}, "service request", id)
	if err != nil {
		return nil, fail(span, err, "Failed to find service request")
	}
	return req, nil
}

func (r *MongoRepository) listRequests(ctx context.Context, name string, filter bson.M) ([]*ServiceRequest, error) {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()

	reqs, err := findAll[ServiceRequest](ctx, r.RequestCollection, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, fail(span, err, "Failed to list service requests")
	}
	span.SetAttributes(attribute.Int("requestCount", len(reqs)))
	return reqs, nil
}

func (r *MongoRepository) ListRequestsByCustomer(ctx context.Context, customerID string) ([]*ServiceRequest, error) {
	return r.listRequests(ctx, "MongoListRequestsByCustomer", bson.M{"customer": customerID})
}

func (r *MongoRepository) ListRequestsByRepairer(ctx context.Context, repairerID string) ([]*ServiceRequest, error) {
	return r.listRequests(ctx, "MongoListRequestsByRepairer", bson.M{"repairer": repairerID})
}

// ListOpenRequests returns unassigned requests whose postal code starts with postalPrefix.
func (r *MongoRepository) ListOpenRequests(ctx context.Context, postalPrefix string) ([]*ServiceRequest, error) {
	filter := bson.M{
		"status":   StatusRequested,
		"repairer": repairerFilter(""),
	}
	if postalPrefix != "" {
		filter["location.postalCode"] = bson.M{"$regex": "^" + regexp.QuoteMeta(postalPrefix)}
	}
	return r.listRequests(ctx, "MongoListOpenRequests", filter)
}

// ApplyTransition runs the guarded update and the outbox insert in one transaction.
func (r *MongoRepository) ApplyTransition(ctx context.Context, id string, guard RequestGuard, change RequestChange, events []*OutboxEvent) (*ServiceRequest, error) {
	ctx, span := tracer.Start(ctx, "MongoApplyTransition")
	defer span.End()
	span.SetAttributes(
		attribute.String("requestID", id),
		attribute.String("from", string(guard.Status)),
		attribute.String("to", string(change.Status)),
	)

	set := bson.M{
		"status":    change.Status,
		"updatedAt": change.At,
	}
	if change.RepairerID != "" {
		set["repairer"] = change.RepairerID
	}
	if change.EstimatedPrice != nil {
		set["estimatedPrice"] = *change.EstimatedPrice
	}
	for _, stamp := range change.Stamps {
		set[string(stamp)] = change.At
	}
	filter := bson.M{
		"_id":      id,
		"status":   guard.Status,
		"repairer": repairerFilter(guard.RepairerID),
	}

	session, err := r.client.StartSession()
	if err != nil {
		return nil, fail(span, err, "Failed to start session")
	}
	defer session.EndSession(ctx)

	result, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		var updated ServiceRequest
		err := r.RequestCollection.FindOneAndUpdate(sc, filter, bson.M{"$set": set},
			options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&updated)
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errGuardFailed
		}
		if err != nil {
			return nil, err
		}
		if len(events) > 0 {
			docs := make([]interface{}, len(events))
			for i, event := range events {
				docs[i] = event
			}
			if _, err := r.OutboxCollection.InsertMany(sc, docs); err != nil {
				return nil, fmt.Errorf("failed to save outbox events: %w", err)
			}
		}
		return &updated, nil
	})
	if errors.Is(err, errGuardFailed) {
		n, cerr := r.RequestCollection.CountDocuments(ctx, bson.M{"_id": id})
		if cerr != nil {
			return nil, fail(span, cerr, "Failed to re-read service request")
		}
		if n == 0 {
			return nil, fail(span, NotFoundError{Resource: "service request", ID: id}, "Service request not found")
		}
		return nil, fail(span, ConflictError{Resource: "service request", Msg: "request changed concurrently", Err: err}, "Guard failed")
	}
	if err != nil {
		return nil, fail(span, err, "Failed to apply transition")
	}
	return result.(*ServiceRequest), nil
}

// WatchNewRequests sets up a MongoDB change stream for service request insertions
func (r *MongoRepository) WatchNewRequests(ctx context.Context) (<-chan *ServiceRequest, error) {
	_, span := tracer.Start(ctx, "MongoWatchNewRequests")
	defer span.End()

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{{Key: "operationType", Value: "insert"}}}},
	}
	stream, err := r.RequestCollection.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fail(span, fmt.Errorf("failed to open change stream: %w", err), "Failed to open change stream")
	}

	out := make(chan *ServiceRequest)
	go func() {
		defer close(out)
		defer stream.Close(context.Background())
		for stream.Next(ctx) {
			var change struct {
				FullDocument ServiceRequest `bson:"fullDocument"`
			}
			if err := stream.Decode(&change); err != nil {
				continue
			}
			req := change.FullDocument
			select {
			case out <- &req:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *MongoRepository) insertAccount(ctx context.Context, coll *mongo.Collection, name, id string, doc any) error {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()
	span.SetAttributes(attribute.String("accountID", id))

	if _, err := coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fail(span, ConflictError{Resource: coll.Name(), Msg: "email already registered", Err: err}, "Duplicate account")
		}
		return fail(span, err, "Failed to insert account")
	}
	return nil
}

func (r *MongoRepository) CreateUser(ctx context.Context, u *User) error {
	return r.insertAccount(ctx, r.UserCollection, "MongoCreateUser", u.ID, u)
}

func (r *MongoRepository) GetUser(ctx context.Context, id string) (*User, error) {
	return findOne[User](ctx, r.UserCollection, bson.M{"_id": id}, "user", id)
}

func (r *MongoRepository) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	return findOne[User](ctx, r.UserCollection, bson.M{"email": email}, "user", email)
}

func (r *MongoRepository) FindUserByPhone(ctx context.Context, phone string) (*User, error) {
	return findOne[User](ctx, r.UserCollection, bson.M{"phone": phone}, "user", phone)
}

func (r *MongoRepository) CreateRepairer(ctx context.Context, rep *Repairer) error {
	return r.insertAccount(ctx, r.RepairerCollection, "MongoCreateRepairer", rep.ID, rep)
}

func (r *MongoRepository) GetRepairer(ctx context.Context, id string) (*Repairer, error) {
	return findOne[Repairer](ctx, r.RepairerCollection, bson.M{"_id": id}, "repairer", id)
}

func (r *MongoRepository) FindRepairerByEmail(ctx context.Context, email string) (*Repairer, error) {
	return findOne[Repairer](ctx, r.RepairerCollection, bson.M{"email": email}, "repairer", email)
}

func (r *MongoRepository) FindRepairerByPhone(ctx context.Context, phone string) (*Repairer, error) {
	return findOne[Repairer](ctx, r.RepairerCollection, bson.M{"phone": phone}, "repairer", phone)
}

// IncrementRedFlag bumps the counter and evaluates the ban in a single pipeline update.
func (r *MongoRepository) IncrementRedFlag(ctx context.Context, repairerID string, threshold int) (*Repairer, error) {
	ctx, span := tracer.Start(ctx, "MongoIncrementRedFlag")
	defer span.End()

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{{Key: "redflag", Value: bson.D{{Key: "$add", Value: bson.A{
			bson.D{{Key: "$ifNull", Value: bson.A{"$redflag", 0}}}, 1,
		}}}}}}},
		{{Key: "$set", Value: bson.D{{Key: "banned", Value: bson.D{{Key: "$or", Value: bson.A{
			bson.D{{Key: "$eq", Value: bson.A{"$banned", true}}},
			bson.D{{Key: "$gt", Value: bson.A{"$redflag", threshold}}},
		}}}}}}},
	}
	var rep Repairer
	err := r.RepairerCollection.FindOneAndUpdate(ctx, bson.M{"_id": repairerID}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&rep)
	if err != nil {
		return nil, fail(span, notFound(err, "repairer", repairerID), "Failed to increment red flag")
	}
	span.SetAttributes(
		attribute.String("repairerID", repairerID),
		attribute.Int("redflag", rep.RedFlags),
		attribute.Bool("banned", rep.Banned),
	)
	return &rep, nil
}

func (r *MongoRepository) Unban(ctx context.Context, repairerID string) (*Repairer, error) {
	ctx, span := tracer.Start(ctx, "MongoUnban")
	defer span.End()

	var rep Repairer
	err := r.RepairerCollection.FindOneAndUpdate(ctx, bson.M{"_id": repairerID},
		bson.M{"$set": bson.M{"banned": false, "redflag": 0}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&rep)
	if err != nil {
		return nil, fail(span, notFound(err, "repairer", repairerID), "Failed to unban repairer")
	}
	return &rep, nil
}

func (r *MongoRepository) CreateAdmin(ctx context.Context, a *Admin) error {
	return r.insertAccount(ctx, r.AdminCollection, "MongoCreateAdmin", a.ID, a)
}

func (r *MongoRepository) GetAdmin(ctx context.Context, id string) (*Admin, error) {
	return findOne[Admin](ctx, r.AdminCollection, bson.M{"_id": id}, "admin", id)
}

func (r *MongoRepository) FindAdminByEmail(ctx context.Context, email string) (*Admin, error) {
	return findOne[Admin](ctx, r.AdminCollection, bson.M{"email": email}, "admin", email)
}

func (r *MongoRepository) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	return findOne[Conversation](ctx, r.ConversationCollection, bson.M{"_id": id}, "conversation", id)
}

func (r *MongoRepository) FindConversationByRequest(ctx context.Context, requestID string) (*Conversation, error) {
	return findOne[Conversation](ctx, r.ConversationCollection, bson.M{"serviceRequest": requestID}, "conversation", requestID)
}

// CreateConversation inserts the conversation and its seed message in one
// transaction. The unique index on serviceRequest rejects a second conversation.
func (r *MongoRepository) CreateConversation(ctx context.Context, conv *Conversation, seed *Message) error {
	ctx, span := tracer.Start(ctx, "MongoCreateConversation")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversationID", conv.ID),
		attribute.String("requestID", conv.ServiceRequestID),
	)

	session, err := r.client.StartSession()
	if err != nil {
		return fail(span, err, "Failed to start session")
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if _, err := r.ConversationCollection.InsertOne(sc, conv); err != nil {
			return nil, err
		}
		if seed != nil {
			if _, err := r.MessageCollection.InsertOne(sc, seed); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fail(span, ConflictError{Resource: "conversation", Msg: "already exists for request", Err: err}, "Duplicate conversation")
		}
		return fail(span, err, "Failed to create conversation")
	}
	return nil
}

func (r *MongoRepository) AppendMessage(ctx context.Context, msg *Message) error {
	ctx, span := tracer.Start(ctx, "MongoAppendMessage")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversationID", msg.ConversationID),
		attribute.String("messageID", msg.ID),
	)

	session, err := r.client.StartSession()
	if err != nil {
		return fail(span, err, "Failed to start session")
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		if _, err := r.MessageCollection.InsertOne(sc, msg); err != nil {
			return nil, err
		}
		res, err := r.ConversationCollection.UpdateOne(sc, bson.M{"_id": msg.ConversationID},
			bson.M{"$set": bson.M{"lastMessage": msg.ID, "updatedAt": msg.CreatedAt}})
		if err != nil {
			return nil, err
		}
		if res.MatchedCount == 0 {
			return nil, NotFoundError{Resource: "conversation", ID: msg.ConversationID}
		}
		return nil, nil
	})
	if err != nil {
		return fail(span, err, "Failed to append message")
	}
	return nil
}

func (r *MongoRepository) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	ctx, span := tracer.Start(ctx, "MongoListMessages")
	defer span.End()

	msgs, err := findAll[Message](ctx, r.MessageCollection, bson.M{"conversation": conversationID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fail(span, err, "Failed to list messages")
	}
	span.SetAttributes(attribute.Int("messageCount", len(msgs)))
	return msgs, nil
}

func (r *MongoRepository) CreateNotification(ctx context.Context, n *Notification) error {
	ctx, span := tracer.Start(ctx, "MongoCreateNotification")
	defer span.End()

	if _, err := r.NotificationCollection.InsertOne(ctx, n); err != nil {
		return fail(span, err, "Failed to insert notification")
	}
	span.SetAttributes(
		attribute.String("notificationID", n.ID),
		attribute.String("recipientID", n.Recipient.ID),
		attribute.String("type", string(n.Type)),
	)
	return nil
}

func recipientFilter(id string, recipient Participant) bson.M {
	filter := bson.M{"recipient.id": recipient.ID, "recipient.kind": recipient.Kind}
	if id != "" {
		filter["_id"] = id
	}
	return filter
}

func (r *MongoRepository) ListNotifications(ctx context.Context, recipient Participant) ([]*Notification, error) {
	ctx, span := tracer.Start(ctx, "MongoListNotifications")
	defer span.End()

	out, err := findAll[Notification](ctx, r.NotificationCollection, recipientFilter("", recipient),
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}}))
	if err != nil {
		return nil, fail(span, err, "Failed to list notifications")
	}
	return out, nil
}

func (r *MongoRepository) MarkNotificationRead(ctx context.Context, id string, recipient Participant) (*Notification, error) {
	ctx, span := tracer.Start(ctx, "MongoMarkNotificationRead")
	defer span.End()

	var n Notification
	err := r.NotificationCollection.FindOneAndUpdate(ctx, recipientFilter(id, recipient),
		bson.M{"$set": bson.M{"read": true}},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&n)
	if err != nil {
		return nil, fail(span, notFound(err, "notification", id), "Failed to mark notification read")
	}
	return &n, nil
}

func (r *MongoRepository) DeleteNotification(ctx context.Context, id string, recipient Participant) error {
	ctx, span := tracer.Start(ctx, "MongoDeleteNotification")
	defer span.End()

	res, err := r.NotificationCollection.DeleteOne(ctx, recipientFilter(id, recipient))
	if err != nil {
		return fail(span, err, "Failed to delete notification")
	}
	if res.DeletedCount == 0 {
		return fail(span, NotFoundError{Resource: "notification", ID: id}, "Notification not found")
	}
	return nil
}

// SaveOTP upserts on (purpose, key) so only the latest code survives.
func (r *MongoRepository) SaveOTP(ctx context.Context, otp *OTP) error {
	ctx, span := tracer.Start(ctx, "MongoSaveOTP")
	defer span.End()
	span.SetAttributes(attribute.String("purpose", string(otp.Purpose)))

	_, err := r.OTPCollection.UpdateOne(ctx,
		bson.M{"purpose": otp.Purpose, "key": otp.Key},
		bson.M{
			"$set": bson.M{
				"code":      otp.Code,
				"expiresAt": otp.ExpiresAt,
				"createdAt": otp.CreatedAt,
			},
			"$setOnInsert": bson.M{"_id": otp.ID},
		},
		options.Update().SetUpsert(true))
	if err != nil {
		return fail(span, err, "Failed to save otp")
	}
	return nil
}

func (r *MongoRepository) GetOTP(ctx context.Context, purpose OTPPurpose, key string) (*OTP, error) {
	return findOne[OTP](ctx, r.OTPCollection, bson.M{"purpose": purpose, "key": key}, "otp", key)
}

func (r *MongoRepository) ConsumeOTP(ctx context.Context, purpose OTPPurpose, key, code string) (bool, error) {
	ctx, span := tracer.Start(ctx, "MongoConsumeOTP")
	defer span.End()

	res, err := r.OTPCollection.DeleteOne(ctx, bson.M{"purpose": purpose, "key": key, "code": code})
	if err != nil {
		return false, fail(span, err, "Failed to consume otp")
	}
	return res.DeletedCount > 0, nil
}

func (r *MongoRepository) CreatePayment(ctx context.Context, p *Payment) error {
	ctx, span := tracer.Start(ctx, "MongoCreatePayment")
	defer span.End()

	if _, err := r.PaymentCollection.InsertOne(ctx, p); err != nil {
		return fail(span, err, "Failed to insert payment")
	}
	span.SetAttributes(
		attribute.String("paymentID", p.ID),
		attribute.String("requestID", p.ServiceRequestID),
		attribute.Float64("amount", p.Amount),
	)
	return nil
}

func (r *MongoRepository) GetPayment(ctx context.Context, id string) (*Payment, error) {
	return findOne[Payment](ctx, r.PaymentCollection, bson.M{"_id": id}, "payment", id)
}

func (r *MongoRepository) FindOpenPayment(ctx context.Context, requestID string, kind PaymentKind) (*Payment, error) {
	return findOne[Payment](ctx, r.PaymentCollection, bson.M{
		"serviceRequest": requestID,
		"kind":           kind,
		"status":         bson.M{"$in": bson.A{PaymentCreated, PaymentPending}},
	}, "payment", requestID)
}

func (r *MongoRepository) FindPaymentByOrder(ctx context.Context, orderID string) (*Payment, error) {
	return findOne[Payment](ctx, r.PaymentCollection, bson.M{"gatewayOrderId": orderID}, "payment", orderID)
}

func (r *MongoRepository) ListPaymentsByRequest(ctx context.Context, requestID string) ([]*Payment, error) {
	return findAll[Payment](ctx, r.PaymentCollection, bson.M{"serviceRequest": requestID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
}

func (r *MongoRepository) UpdatePayment(ctx context.Context, id string, from []PaymentStatus, change PaymentChange) (*Payment, error) {
	ctx, span := tracer.Start(ctx, "MongoUpdatePayment")
	defer span.End()
	span.SetAttributes(
		attribute.String("paymentID", id),
		attribute.String("status", string(change.Status)),
	)

	set := bson.M{"updatedAt": change.At}
	if change.Status != "" {
		set["status"] = change.Status
	}
	if change.GatewayOrderID != "" {
		set["gatewayOrderId"] = change.GatewayOrderID
	}
	if change.GatewayPaymentID != "" {
		set["gatewayPaymentId"] = change.GatewayPaymentID
	}
	if change.GatewayTransferID != "" {
		set["gatewayTransferId"] = change.GatewayTransferID
	}
	filter := bson.M{"_id": id}
	if len(from) > 0 {
		filter["status"] = bson.M{"$in": from}
	}

	var p Payment
	err := r.PaymentCollection.FindOneAndUpdate(ctx, filter, bson.M{"$set": set},
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, gerr := r.GetPayment(ctx, id); gerr != nil {
			return nil, fail(span, gerr, "Payment not found")
		}
		return nil, fail(span, ConflictError{Resource: "payment", Msg: "payment is no longer in an updatable state"}, "Payment state changed")
	}
	if err != nil {
		return nil, fail(span, err, "Failed to update payment")
	}
	return &p, nil
}

// SaveOutboxEvents inserts events outside of a transition, e.g. payout requests.
func (r *MongoRepository) SaveOutboxEvents(ctx context.Context, events ...*OutboxEvent) error {
	ctx, span := tracer.Start(ctx, "MongoSaveOutboxEvents")
	defer span.End()

	if len(events) == 0 {
		return nil
	}
	docs := make([]interface{}, len(events))
	for i, event := range events {
		docs[i] = event
	}
	if _, err := r.OutboxCollection.InsertMany(ctx, docs); err != nil {
		return fail(span, err, "Failed to save outbox events")
	}
	span.SetAttributes(attribute.Int("eventCount", len(events)))
	return nil
}

// GetDueOutboxEvents retrieves pending outbox events whose next attempt is due
func (r *MongoRepository) GetDueOutboxEvents(ctx context.Context, now time.Time, limit int) ([]*OutboxEvent, error) {
	ctx, span := tracer.Start(ctx, "MongoGetDueOutboxEvents")
	defer span.End()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	events, err := findAll[OutboxEvent](ctx, r.OutboxCollection, bson.M{
		"status":          OutboxPending,
		"next_attempt_at": bson.M{"$lte": now},
	}, opts)
	if err != nil {
		return nil, fail(span, err, "Failed to find due outbox events")
	}
	span.SetAttributes(attribute.Int("eventCount", len(events)))
	return events, nil
}

// MarkOutboxEventProcessed marks an outbox event as processed
func (r *MongoRepository) MarkOutboxEventProcessed(ctx context.Context, eventID string) error {
	ctx, span := tracer.Start(ctx, "MongoMarkOutboxEventProcessed")
	defer span.End()

	now := time.Now()
	_, err := r.OutboxCollection.UpdateOne(ctx, bson.M{"_id": eventID}, bson.M{
		"$set": bson.M{
			"status":       OutboxDone,
			"processed_at": now,
		},
	})
	if err != nil {
		return fail(span, err, "Failed to mark outbox event as processed")
	}
	span.SetAttributes(attribute.String("eventID", eventID))
	return nil
}

func (r *MongoRepository) MarkOutboxEventFailed(ctx context.Context, eventID string, attempts int, lastErr string, next time.Time, dead bool) error {
	ctx, span := tracer.Start(ctx, "MongoMarkOutboxEventFailed")
	defer span.End()

	status := OutboxPending
	if dead {
		status = OutboxDead
	}
	_, err := r.OutboxCollection.UpdateOne(ctx, bson.M{"_id": eventID}, bson.M{
		"$set": bson.M{
			"status":          status,
			"attempts":        attempts,
			"last_error":      lastErr,
			"next_attempt_at": next,
		},
	})
	if err != nil {
		return fail(span, err, "Failed to mark outbox event as failed")
	}
	span.SetAttributes(
		attribute.String("eventID", eventID),
		attribute.Int("attempts", attempts),
		attribute.Bool("dead", dead),
	)
	return nil
}

var _ Store = (*MongoRepository)(nil)
