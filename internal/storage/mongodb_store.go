package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoDBStore implements Store using MongoDB.
//
// Purchase IDs come from a counters collection bumped with $inc under
// FindOneAndUpdate, since Mongo has no serial columns. The same two unique
// indexes as Postgres back idempotency; duplicate-key errors map to
// ErrDuplicate.
type MongoDBStore struct {
	client        *mongo.Client
	db            *mongo.Database
	purchases     *mongo.Collection
	templates     *mongo.Collection
	analytics     *mongo.Collection
	users         *mongo.Collection
	subscriptions *mongo.Collection
	counters      *mongo.Collection
}

type mongoPurchase struct {
	ID            int64             `bson:"_id"`
	UserID        string            `bson:"user_id"`
	TemplateID    int64             `bson:"template_id"`
	SellerID      string            `bson:"seller_id"`
	PriceCents    int64             `bson:"price_cents"`
	Currency      string            `bson:"currency"`
	TransactionID string            `bson:"transaction_id"`
	PaymentMethod string            `bson:"payment_method"`
	Status        string            `bson:"status"`
	PurchaseDate  time.Time         `bson:"purchase_date"`
	Metadata      map[string]string `bson:"metadata,omitempty"`
}

func toMongoPurchase(p Purchase) mongoPurchase {
	return mongoPurchase{
		ID:            p.ID,
		UserID:        p.UserID,
		TemplateID:    p.TemplateID,
		SellerID:      p.SellerID,
		PriceCents:    p.Price.Cents,
		Currency:      p.Price.Currency,
		TransactionID: p.TransactionID,
		PaymentMethod: p.PaymentMethod,
		Status:        string(p.Status),
		PurchaseDate:  p.PurchaseDate,
		Metadata:      p.Metadata,
	}
}

func fromMongoPurchase(mp mongoPurchase) Purchase {
	p := Purchase{
		ID:            mp.ID,
		UserID:        mp.UserID,
		TemplateID:    mp.TemplateID,
		SellerID:      mp.SellerID,
		TransactionID: mp.TransactionID,
		PaymentMethod: mp.PaymentMethod,
		Status:        PurchaseStatus(mp.Status),
		PurchaseDate:  mp.PurchaseDate,
		Metadata:      mp.Metadata,
	}
	p.Price.Cents = mp.PriceCents
	p.Price.Currency = mp.Currency
	return p
}

// NewMongoDBStore creates a new MongoDB-backed store.
func NewMongoDBStore(connectionString, database string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		// Disconnect failure during init cleanup is not actionable.
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)

	store := &MongoDBStore{
		client:        client,
		db:            db,
		purchases:     db.Collection("purchases"),
		templates:     db.Collection("templates"),
		analytics:     db.Collection("analytics_events"),
		users:         db.Collection("users"),
		subscriptions: db.Collection("subscriptions"),
		counters:      db.Collection("counters"),
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return store, nil
}

// createIndexes creates the uniqueness indexes the idempotency contract
// depends on. Must exist before the first insert.
func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	_, err := s.purchases.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "transaction_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "template_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "purchase_date", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create purchase indexes: %w", err)
	}

	_, err = s.users.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "email_lower", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return fmt.Errorf("create user indexes: %w", err)
	}

	_, err = s.analytics.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "event_type", Value: 1}, {Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create analytics indexes: %w", err)
	}

	return nil
}

// nextPurchaseID bumps the purchase sequence atomically.
func (s *MongoDBStore) nextPurchaseID(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "purchases"},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("next purchase id: %w", err)
	}
	return counter.Seq, nil
}

// CreatePurchase inserts a purchase and returns it with the assigned ID.
func (s *MongoDBStore) CreatePurchase(ctx context.Context, p Purchase) (Purchase, error) {
	if p.TransactionID == "" {
		return Purchase{}, fmt.Errorf("storage: transaction id is required")
	}
	if p.PurchaseDate.IsZero() {
		p.PurchaseDate = time.Now().UTC()
	}
	if p.Status == "" {
		p.Status = PurchaseCompleted
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	id, err := s.nextPurchaseID(ctx)
	if err != nil {
		return Purchase{}, err
	}
	p.ID = id

	if _, err := s.purchases.InsertOne(ctx, toMongoPurchase(p)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return Purchase{}, ErrDuplicate
		}
		return Purchase{}, fmt.Errorf("insert purchase: %w", err)
	}
	return p, nil
}

func (s *MongoDBStore) findPurchase(ctx context.Context, filter bson.M) (Purchase, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var mp mongoPurchase
	err := s.purchases.FindOne(ctx, filter).Decode(&mp)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Purchase{}, ErrNotFound
	}
	if err != nil {
		return Purchase{}, err
	}
	return fromMongoPurchase(mp), nil
}

// GetPurchase retrieves a purchase by ID.
func (s *MongoDBStore) GetPurchase(ctx context.Context, id int64) (Purchase, error) {
	return s.findPurchase(ctx, bson.M{"_id": id})
}

// GetPurchaseByTransactionID retrieves a purchase by its gateway transaction ID.
func (s *MongoDBStore) GetPurchaseByTransactionID(ctx context.Context, txID string) (Purchase, error) {
	return s.findPurchase(ctx, bson.M{"transaction_id": txID})
}

// GetPurchaseByUserAndTemplate retrieves the purchase a user holds for a template.
func (s *MongoDBStore) GetPurchaseByUserAndTemplate(ctx context.Context, userID string, templateID int64) (Purchase, error) {
	return s.findPurchase(ctx, bson.M{"user_id": userID, "template_id": templateID})
}

// ListPurchasesByUser returns all purchases for a user, newest first.
func (s *MongoDBStore) ListPurchasesByUser(ctx context.Context, userID string) ([]Purchase, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	cursor, err := s.purchases.Find(ctx, bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "purchase_date", Value: -1}}))
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Purchase
	for cursor.Next(ctx) {
		var mp mongoPurchase
		if err := cursor.Decode(&mp); err != nil {
			return nil, fmt.Errorf("decode purchase: %w", err)
		}
		out = append(out, fromMongoPurchase(mp))
	}
	return out, cursor.Err()
}

// UpdatePurchaseStatus updates the status of an existing purchase.
func (s *MongoDBStore) UpdatePurchaseStatus(ctx context.Context, id int64, status PurchaseStatus) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.purchases.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$set": bson.M{"status": string(status)}})
	if err != nil {
		return fmt.Errorf("update purchase status: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

type mongoTemplate struct {
	ID        int64  `bson:"_id"`
	Name      string `bson:"name"`
	Category  string `bson:"category"`
	SellerID  string `bson:"seller_id"`
	Code      string `bson:"code"`
	Sales     int64  `bson:"sales"`
	Downloads int64  `bson:"downloads"`
}

// GetTemplate retrieves a template by ID.
func (s *MongoDBStore) GetTemplate(ctx context.Context, id int64) (Template, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var mt mongoTemplate
	err := s.templates.FindOne(ctx, bson.M{"_id": id}).Decode(&mt)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Template{}, ErrNotFound
	}
	if err != nil {
		return Template{}, fmt.Errorf("get template: %w", err)
	}
	return Template{
		ID:        mt.ID,
		Name:      mt.Name,
		Category:  mt.Category,
		SellerID:  mt.SellerID,
		Code:      mt.Code,
		Sales:     mt.Sales,
		Downloads: mt.Downloads,
	}, nil
}

// IncrementTemplateSales bumps the sales counter with $inc, never
// read-modify-write.
func (s *MongoDBStore) IncrementTemplateSales(ctx context.Context, id int64) error {
	return s.incrementTemplateCounter(ctx, "sales", id)
}

// IncrementTemplateDownloads bumps the downloads counter with $inc.
func (s *MongoDBStore) IncrementTemplateDownloads(ctx context.Context, id int64) error {
	return s.incrementTemplateCounter(ctx, "downloads", id)
}

func (s *MongoDBStore) incrementTemplateCounter(ctx context.Context, field string, id int64) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.templates.UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{field: int64(1)}})
	if err != nil {
		return fmt.Errorf("increment template %s: %w", field, err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordAnalyticsEvent appends an event to the analytics log.
func (s *MongoDBStore) RecordAnalyticsEvent(ctx context.Context, ev AnalyticsEvent) error {
	if ev.ID == "" {
		ev.ID = newEventID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	doc := bson.M{
		"_id":        ev.ID,
		"event_type": ev.EventType,
		"event_data": ev.EventData,
		"created_at": ev.CreatedAt,
	}
	if _, err := s.analytics.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("record analytics event: %w", err)
	}
	return nil
}

type mongoUser struct {
	ID           string `bson:"_id"`
	Email        string `bson:"email"`
	EmailLower   string `bson:"email_lower"`
	PasswordHash string `bson:"password_hash"`
}

// GetUser retrieves a user by ID.
func (s *MongoDBStore) GetUser(ctx context.Context, id string) (User, error) {
	return s.findUser(ctx, bson.M{"_id": id})
}

// GetUserByEmail retrieves a user by email, case-insensitively.
func (s *MongoDBStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.findUser(ctx, bson.M{"email_lower": normalizeEmail(email)})
}

func (s *MongoDBStore) findUser(ctx context.Context, filter bson.M) (User, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var mu mongoUser
	err := s.users.FindOne(ctx, filter).Decode(&mu)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	return User{ID: mu.ID, Email: mu.Email, PasswordHash: mu.PasswordHash}, nil
}

// UpdateUserPassword replaces a user's password hash.
func (s *MongoDBStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	res, err := s.users.UpdateOne(ctx,
		bson.M{"_id": userID},
		bson.M{"$set": bson.M{"password_hash": passwordHash}})
	if err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertSubscriptionStatus records the latest subscription state for a customer.
func (s *MongoDBStore) UpsertSubscriptionStatus(ctx context.Context, sub Subscription) error {
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now().UTC()
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.subscriptions.UpdateOne(ctx,
		bson.M{"_id": sub.CustomerID},
		bson.M{"$set": bson.M{
			"external_id": sub.ExternalID,
			"status":      sub.Status,
			"updated_at":  sub.UpdatedAt,
		}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert subscription: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *MongoDBStore) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, nil)
}

// Close disconnects from MongoDB.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
