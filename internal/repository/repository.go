package repository

import (
	"context"
	"errors"
	"time"

	"esim-fulfillment-service/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	ErrNotFound      = errors.New("order not found")
	ErrAlreadyExists = errors.New("order already exists")

	// ErrConflict means the status-guarded update matched no document:
	// another writer moved the order first.
	ErrConflict = errors.New("order state changed concurrently")

	// ErrInvalidTransition means the requested status move is not in the
	// model's transition table. Always a caller bug, never a race.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Mongo implementation
type MongoOrderRepository struct {
	col *mongo.Collection
}

func NewMongoOrderRepository(db *mongo.Database) *MongoOrderRepository {
	return &MongoOrderRepository{col: db.Collection("orders")}
}

func (m *MongoOrderRepository) Create(ctx context.Context, o *model.Order) error {
	now := time.Now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.Status == "" {
		o.Status = model.OrderPending
	}
	if o.Esim.Status == "" {
		o.Esim.Status = model.EsimPending
	}

	_, err := m.col.InsertOne(ctx, o)
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyExists
	}
	return err
}

func (m *MongoOrderRepository) FindByID(ctx context.Context, id string) (*model.Order, error) {
	return m.findOne(ctx, bson.M{"_id": id})
}

func (m *MongoOrderRepository) FindByOrderNumber(ctx context.Context, orderNumber string) (*model.Order, error) {
	return m.findOne(ctx, bson.M{"order_number": orderNumber})
}

func (m *MongoOrderRepository) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (*model.Order, error) {
	return m.findOne(ctx, bson.M{"stripe_payment_intent_id": paymentIntentID})
}

// FindLatestPaidByEmail resolves the most recent paid order for a customer.
func (m *MongoOrderRepository) FindLatestPaidByEmail(ctx context.Context, email string) (*model.Order, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}})
	var res model.Order
	err := m.col.FindOne(ctx, bson.M{
		"customer_email": email,
		"status":         model.OrderPaid,
	}, opts).Decode(&res)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	return &res, err
}

func (m *MongoOrderRepository) findOne(ctx context.Context, filter bson.M) (*model.Order, error) {
	var res model.Order
	err := m.col.FindOne(ctx, filter).Decode(&res)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	return &res, err
}

// MarkPaid moves a pending order to paid. Guarded on the current status so a
// webhook retry cannot pay an order twice.
func (m *MongoOrderRepository) MarkPaid(ctx context.Context, id, paymentIntentID string, paidAt time.Time) error {
	return m.guardedUpdate(ctx,
		bson.M{"_id": id, "status": model.OrderPending},
		bson.M{"$set": bson.M{
			"status":                   model.OrderPaid,
			"stripe_payment_intent_id": paymentIntentID,
			"paid_at":                  paidAt.UTC(),
			"updated_at":               time.Now().UTC(),
		}},
	)
}

// UpdateEsimStatus performs a compare-and-swap on the embedded eSIM status.
// The requested move must be a legal transition per the model table.
func (m *MongoOrderRepository) UpdateEsimStatus(ctx context.Context, id string, from, to model.EsimStatus) error {
	if !from.CanTransition(to) {
		return ErrInvalidTransition
	}
	return m.guardedUpdate(ctx,
		bson.M{"_id": id, "esim.status": from},
		bson.M{"$set": bson.M{
			"esim.status": to,
			"updated_at":  time.Now().UTC(),
		}},
	)
}

// SetEsimProvisioned stores the activation material exactly once: the update
// only matches while the provider order is in flight.
func (m *MongoOrderRepository) SetEsimProvisioned(ctx context.Context, id string, rec model.EsimRecord) error {
	now := time.Now().UTC()
	rec.Status = model.EsimOrdered
	if rec.ProvisionedAt == nil {
		rec.ProvisionedAt = &now
	}
	return m.guardedUpdate(ctx,
		bson.M{"_id": id, "esim.status": model.EsimOrdering},
		bson.M{"$set": bson.M{
			"esim":       rec,
			"updated_at": now,
		}},
	)
}

// MarkDelivered records the winning channel and flips the eSIM to delivered.
func (m *MongoOrderRepository) MarkDelivered(ctx context.Context, id, channel string) error {
	return m.guardedUpdate(ctx,
		bson.M{"_id": id, "esim.status": model.EsimOrdered},
		bson.M{"$set": bson.M{
			"esim.status":     model.EsimDelivered,
			"esim.channel":    channel,
			"esim.email_sent": channel == "email",
			"updated_at":      time.Now().UTC(),
		}},
	)
}

func (m *MongoOrderRepository) MarkEsimFailed(ctx context.Context, id string) error {
	res, err := m.col.UpdateOne(ctx,
		bson.M{"_id": id, "esim.status": bson.M{"$in": []model.EsimStatus{model.EsimOrdering, model.EsimOrdered}}},
		bson.M{"$set": bson.M{
			"esim.status": model.EsimFailed,
			"updated_at":  time.Now().UTC(),
		}},
	)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrConflict
	}
	return nil
}

// MarkRefunded commits the refund: guarded on paid so a second refund of the
// same order can never commit. The caller supplies the full notes text.
func (m *MongoOrderRepository) MarkRefunded(ctx context.Context, id, notes string) error {
	return m.guardedUpdate(ctx,
		bson.M{"_id": id, "status": model.OrderPaid},
		bson.M{"$set": bson.M{
			"status":     model.OrderRefunded,
			"notes":      notes,
			"updated_at": time.Now().UTC(),
		}},
	)
}

func (m *MongoOrderRepository) guardedUpdate(ctx context.Context, filter, update bson.M) error {
	res, err := m.col.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		// Distinguish "no such order" from "wrong state".
		id, _ := filter["_id"].(string)
		if id != "" {
			n, cerr := m.col.CountDocuments(ctx, bson.M{"_id": id})
			if cerr == nil && n == 0 {
				return ErrNotFound
			}
		}
		return ErrConflict
	}
	return nil
}
