package refundstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	apperrors "github.com/privnode/zelo-refund/internal/errors"
)

// MongoStore implements Store using MongoDB.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// mongoRefundLog is the BSON document shape. Quota deltas are stored as
// decimal strings so balances beyond int64 survive round trips.
type mongoRefundLog struct {
	ID                  string     `bson:"_id"`
	CreatedAt           time.Time  `bson:"created_at"`
	UserID              int64      `bson:"user_id"`
	TopUpTradeNo        string     `bson:"topup_trade_no,omitempty"`
	CardChargeID        string     `bson:"card_charge_id,omitempty"`
	CardPaymentIntentID string     `bson:"card_payment_intent_id,omitempty"`
	PaymentMethod       string     `bson:"payment_method,omitempty"`
	Currency            string     `bson:"currency,omitempty"`
	RefundMoney         string     `bson:"refund_money"`
	RefundMoneyMinor    int64      `bson:"refund_money_minor"`
	QuotaDelta          string     `bson:"quota_delta"`
	Provider            string     `bson:"provider"`
	OutRefundNo         string     `bson:"out_refund_no"`
	ProviderRefundNo    string     `bson:"provider_refund_no,omitempty"`
	Status              string     `bson:"status"`
	ErrorMessage        string     `bson:"error_message,omitempty"`
	PerformedBy         string     `bson:"performed_by,omitempty"`
	ExecutedAt          *time.Time `bson:"executed_at,omitempty"`
	RawRequest          string     `bson:"raw_request,omitempty"`
	RawResponse         string     `bson:"raw_response,omitempty"`
}

// NewMongoStore connects to MongoDB and prepares indexes.
func NewMongoStore(ctx context.Context, uri, database, collection string) (*MongoStore, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("refundstore: connect mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("refundstore: ping mongodb: %w", err)
	}

	coll := client.Database(database).Collection(collection)
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "out_refund_no", Value: 1}}, Options: options.Index().SetUnique(true)},
	}
	if _, err := coll.Indexes().CreateMany(connectCtx, indexes); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("refundstore: create indexes: %w", err)
	}

	return &MongoStore{client: client, collection: coll}, nil
}

func (s *MongoStore) Insert(ctx context.Context, row RefundLog) error {
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if _, err := s.collection.InsertOne(ctx, toMongo(row)); err != nil {
		return apperrors.Wrap(apperrors.CodeRefundStoreError, "insert refund log", err)
	}
	return nil
}

func (s *MongoStore) MarkSucceeded(ctx context.Context, id, providerRefundNo string, rawResponse json.RawMessage, executedAt time.Time) error {
	update := bson.M{"$set": bson.M{
		"status":             StatusSucceeded,
		"provider_refund_no": providerRefundNo,
		"raw_response":       string(rawResponse),
		"executed_at":        executedAt,
	}}
	return s.settle(ctx, id, update)
}

func (s *MongoStore) MarkFailed(ctx context.Context, id, errorMessage string, rawResponse json.RawMessage, executedAt time.Time) error {
	update := bson.M{"$set": bson.M{
		"status":        StatusFailed,
		"error_message": errorMessage,
		"raw_response":  string(rawResponse),
		"executed_at":   executedAt,
	}}
	return s.settle(ctx, id, update)
}

func (s *MongoStore) settle(ctx context.Context, id string, update bson.M) error {
	res, err := s.collection.UpdateByID(ctx, id, update)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeRefundStoreError, "settle refund log", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (RefundLog, error) {
	var doc mongoRefundLog
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return RefundLog{}, ErrNotFound
	}
	if err != nil {
		return RefundLog{}, apperrors.Wrap(apperrors.CodeRefundStoreError, "get refund log", err)
	}
	return fromMongo(doc), nil
}

func (s *MongoStore) List(ctx context.Context, f Filter) ([]RefundLog, error) {
	filter := bson.M{}
	if f.UserID != nil {
		filter["user_id"] = *f.UserID
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.PaymentMethod != "" {
		filter["payment_method"] = f.PaymentMethod
	}
	if f.StartAt != nil || f.EndAt != nil {
		createdAt := bson.M{}
		if f.StartAt != nil {
			createdAt["$gte"] = *f.StartAt
		}
		if f.EndAt != nil {
			createdAt["$lte"] = *f.EndAt
		}
		filter["created_at"] = createdAt
	}
	if f.Q != "" {
		filter["$or"] = bson.A{
			bson.M{"topup_trade_no": bson.M{"$regex": f.Q, "$options": "i"}},
			bson.M{"card_charge_id": bson.M{"$regex": f.Q, "$options": "i"}},
			bson.M{"out_refund_no": bson.M{"$regex": f.Q, "$options": "i"}},
		}
	}

	limit := f.Limit
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: 1}}).
		SetSkip(int64(f.Offset)).
		SetLimit(int64(limit))

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRefundStoreError, "list refund logs", err)
	}
	defer cursor.Close(ctx)

	var out []RefundLog
	for cursor.Next(ctx) {
		var doc mongoRefundLog
		if err := cursor.Decode(&doc); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeRefundStoreError, "decode refund log", err)
		}
		out = append(out, fromMongo(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRefundStoreError, "iterate refund logs", err)
	}
	return out, nil
}

func (s *MongoStore) AggregateUser(ctx context.Context, userID int64) (UserAggregates, error) {
	rows, err := s.countableRows(ctx, bson.M{"user_id": userID})
	if err != nil {
		return UserAggregates{}, err
	}
	return foldAggregates(rows), nil
}

func (s *MongoStore) AggregateAll(ctx context.Context) (map[int64]UserAggregates, error) {
	rows, err := s.countableRows(ctx, bson.M{})
	if err != nil {
		return nil, err
	}
	byUser := make(map[int64][]RefundLog)
	for _, row := range rows {
		byUser[row.UserID] = append(byUser[row.UserID], row)
	}
	out := make(map[int64]UserAggregates, len(byUser))
	for uid, userRows := range byUser {
		out[uid] = foldAggregates(userRows)
	}
	return out, nil
}

func (s *MongoStore) countableRows(ctx context.Context, filter bson.M) ([]RefundLog, error) {
	filter["status"] = bson.M{"$in": bson.A{StatusPending, StatusSucceeded}}
	cursor, err := s.collection.Find(ctx, filter)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRefundStoreError, "aggregate refund logs", err)
	}
	defer cursor.Close(ctx)

	var out []RefundLog
	for cursor.Next(ctx) {
		var doc mongoRefundLog
		if err := cursor.Decode(&doc); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeRefundStoreError, "decode refund log", err)
		}
		out = append(out, fromMongo(doc))
	}
	if err := cursor.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeRefundStoreError, "iterate refund logs", err)
	}
	return out, nil
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func toMongo(row RefundLog) mongoRefundLog {
	quota := "0"
	if row.QuotaDelta != nil {
		quota = row.QuotaDelta.String()
	}
	return mongoRefundLog{
		ID:                  row.ID,
		CreatedAt:           row.CreatedAt,
		UserID:              row.UserID,
		TopUpTradeNo:        row.TopUpTradeNo,
		CardChargeID:        row.CardChargeID,
		CardPaymentIntentID: row.CardPaymentIntentID,
		PaymentMethod:       row.PaymentMethod,
		Currency:            row.Currency,
		RefundMoney:         row.RefundMoney,
		RefundMoneyMinor:    row.RefundMoneyMinor,
		QuotaDelta:          quota,
		Provider:            row.Provider,
		OutRefundNo:         row.OutRefundNo,
		ProviderRefundNo:    row.ProviderRefundNo,
		Status:              row.Status,
		ErrorMessage:        row.ErrorMessage,
		PerformedBy:         row.PerformedBy,
		ExecutedAt:          row.ExecutedAt,
		RawRequest:          string(row.RawRequest),
		RawResponse:         string(row.RawResponse),
	}
}

func fromMongo(doc mongoRefundLog) RefundLog {
	quota, ok := new(big.Int).SetString(doc.QuotaDelta, 10)
	if !ok {
		quota = new(big.Int)
	}
	row := RefundLog{
		ID:                  doc.ID,
		CreatedAt:           doc.CreatedAt,
		UserID:              doc.UserID,
		TopUpTradeNo:        doc.TopUpTradeNo,
		CardChargeID:        doc.CardChargeID,
		CardPaymentIntentID: doc.CardPaymentIntentID,
		PaymentMethod:       doc.PaymentMethod,
		Currency:            doc.Currency,
		RefundMoney:         doc.RefundMoney,
		RefundMoneyMinor:    doc.RefundMoneyMinor,
		QuotaDelta:          quota,
		Provider:            doc.Provider,
		OutRefundNo:         doc.OutRefundNo,
		ProviderRefundNo:    doc.ProviderRefundNo,
		Status:              doc.Status,
		ErrorMessage:        doc.ErrorMessage,
		PerformedBy:         doc.PerformedBy,
		ExecutedAt:          doc.ExecutedAt,
	}
	if doc.RawRequest != "" {
		row.RawRequest = json.RawMessage(doc.RawRequest)
	}
	if doc.RawResponse != "" {
		row.RawResponse = json.RawMessage(doc.RawResponse)
	}
	return row
}
