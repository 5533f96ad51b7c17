package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/marketdash/storelink/internal/crypto"
	"github.com/marketdash/storelink/internal/models"
)

const (
	connectionsCollection = "salla_connections"
	countersCollection    = "counters"
	connectionSequence    = "salla_connections"
	maxReplaceAttempts    = 3
)

// connectionDocument is the stored form of a Connection. Token fields hold
// ciphertext.
type connectionDocument struct {
	ID            int64      `bson:"_id"`
	OwnerID       int64      `bson:"owner_id"`
	MerchantID    string     `bson:"merchant_id"`
	StoreName     string     `bson:"store_name"`
	StoreEmail    string     `bson:"store_email,omitempty"`
	StoreDomain   string     `bson:"store_domain,omitempty"`
	StorePlan     string     `bson:"store_plan,omitempty"`
	StoreAvatar   string     `bson:"store_avatar,omitempty"`
	StoreCurrency string     `bson:"store_currency,omitempty"`
	AccessToken   string     `bson:"access_token"`
	RefreshToken  string     `bson:"refresh_token,omitempty"`
	TokenType     string     `bson:"token_type"`
	ExpiresAt     *time.Time `bson:"expires_at,omitempty"`
	Scope         string     `bson:"scope,omitempty"`
	TokenVersion  int64      `bson:"token_version"`
	IsActive      bool       `bson:"is_active"`
	ConnectedAt   time.Time  `bson:"connected_at"`
	UpdatedAt     time.Time  `bson:"updated_at"`
}

// MongoConnectionStore persists Salla connections in MongoDB. Connection ids
// are int64 values drawn from a counters collection so they stay compatible
// with the Postgres store and the /connections/{id} routes.
type MongoConnectionStore struct {
	client      *mongo.Client
	connections *mongo.Collection
	counters    *mongo.Collection
	crypto      crypto.Encryptor
	now         func() time.Time
}

// ConnectMongo dials uri, pings the primary and returns a store backed by
// database. The caller owns the store and must Close it.
func ConnectMongo(ctx context.Context, uri, database string, encryptor crypto.Encryptor) (*MongoConnectionStore, error) {
	if encryptor == nil {
		return nil, fmt.Errorf("encryptor is required")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	store := NewMongoConnectionStore(client, client.Database(database), encryptor)
	if err := store.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return store, nil
}

func NewMongoConnectionStore(client *mongo.Client, database *mongo.Database, encryptor crypto.Encryptor) *MongoConnectionStore {
	return &MongoConnectionStore{
		client:      client,
		connections: database.Collection(connectionsCollection),
		counters:    database.Collection(countersCollection),
		crypto:      encryptor,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// EnsureIndexes creates the owner lookup index and the partial unique index
// that allows one active connection per owner.
func (s *MongoConnectionStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.connections.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "is_active", Value: 1}, {Key: "connected_at", Value: -1}}},
		{
			Keys: bson.D{{Key: "owner_id", Value: 1}},
			Options: options.Index().
				SetName("one_active_per_owner").
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"is_active": true}),
		},
		{Keys: bson.D{{Key: "merchant_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create mongo indexes: %w", err)
	}
	return nil
}

func (s *MongoConnectionStore) ReplaceActive(ctx context.Context, input NewConnection) (*Connection, error) {
	tokenType := input.TokenType
	if tokenType == "" {
		tokenType = models.DefaultTokenType
	}

	// A concurrent connect for the same owner may insert between the
	// deactivate and the insert. one_active_per_owner rejects the later insert.
	for attempt := 1; ; attempt++ {
		id, err := s.nextID(ctx)
		if err != nil {
			return nil, err
		}
		sealed, err := crypto.SealTokens(s.crypto, id, input.AccessToken, input.RefreshToken)
		if err != nil {
			return nil, err
		}

		now := s.now()
		if _, err := s.connections.UpdateMany(ctx,
			bson.M{"owner_id": input.OwnerID, "is_active": true},
			bson.M{"$set": bson.M{"is_active": false, "updated_at": now}},
		); err != nil {
			return nil, fmt.Errorf("failed to deactivate previous connections: %w", err)
		}

		doc := connectionDocument{
			ID:            id,
			OwnerID:       input.OwnerID,
			MerchantID:    input.Store.MerchantID,
			StoreName:     input.Store.Name,
			StoreEmail:    input.Store.Email,
			StoreDomain:   input.Store.Domain,
			StorePlan:     input.Store.Plan,
			StoreAvatar:   input.Store.Avatar,
			StoreCurrency: input.Store.Currency,
			AccessToken:   sealed.AccessToken,
			RefreshToken:  sealed.RefreshToken,
			TokenType:     tokenType,
			ExpiresAt:     utcTime(input.ExpiresAt),
			Scope:         input.Scope,
			IsActive:      true,
			ConnectedAt:   now,
			UpdatedAt:     now,
		}
		_, err = s.connections.InsertOne(ctx, doc)
		if mongo.IsDuplicateKeyError(err) && attempt < maxReplaceAttempts {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to insert connection: %w", err)
		}
		return s.toConnection(&doc)
	}
}

func (s *MongoConnectionStore) GetActiveForOwner(ctx context.Context, id, ownerID int64) (*Connection, error) {
	return s.findOne(ctx, bson.M{"_id": id, "owner_id": ownerID, "is_active": true})
}

func (s *MongoConnectionStore) GetByID(ctx context.Context, id int64) (*Connection, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoConnectionStore) ListActiveByOwner(ctx context.Context, ownerID int64) ([]*Connection, error) {
	cursor, err := s.connections.Find(ctx,
		bson.M{"owner_id": ownerID, "is_active": true},
		options.Find().SetSort(bson.D{{Key: "connected_at", Value: -1}, {Key: "_id", Value: -1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()

	conns := make([]*Connection, 0, 1)
	for cursor.Next(ctx) {
		var doc connectionDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode connection: %w", err)
		}
		conn, err := s.toConnection(&doc)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return conns, nil
}

// RotateTokens applies rotation only if the document is still at
// expectedVersion. A rotation without an expiry keeps the stored one.
func (s *MongoConnectionStore) RotateTokens(ctx context.Context, id, expectedVersion int64, rotation TokenRotation) (bool, error) {
	sealed, err := crypto.SealTokens(s.crypto, id, rotation.AccessToken, rotation.RefreshToken)
	if err != nil {
		return false, err
	}

	set := bson.M{
		"access_token": sealed.AccessToken,
		"updated_at":   s.now(),
	}
	if sealed.HasRefreshToken() {
		set["refresh_token"] = sealed.RefreshToken
	}
	if rotation.TokenType != "" {
		set["token_type"] = rotation.TokenType
	}
	if rotation.Scope != "" {
		set["scope"] = rotation.Scope
	}

	if rotation.ExpiresAt != nil {
		set["expires_at"] = utcTime(rotation.ExpiresAt)
	}
	update := bson.M{
		"$set": set,
		"$inc": bson.M{"token_version": 1},
	}

	res, err := s.connections.UpdateOne(ctx, bson.M{"_id": id, "token_version": expectedVersion}, update)
	if err != nil {
		return false, fmt.Errorf("failed to rotate tokens: %w", err)
	}
	return res.MatchedCount == 1, nil
}

func (s *MongoConnectionStore) Deactivate(ctx context.Context, id, ownerID int64) error {
	if _, err := s.connections.UpdateOne(ctx,
		bson.M{"_id": id, "owner_id": ownerID, "is_active": true},
		bson.M{"$set": bson.M{"is_active": false, "updated_at": s.now()}},
	); err != nil {
		return fmt.Errorf("failed to deactivate connection: %w", err)
	}
	return nil
}

// Ping reports whether the primary is reachable.
func (s *MongoConnectionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoConnectionStore) Close() error {
	if s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *MongoConnectionStore) nextID(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": connectionSequence},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate connection id: %w", err)
	}
	return counter.Seq, nil
}

func (s *MongoConnectionStore) findOne(ctx context.Context, filter bson.M) (*Connection, error) {
	var doc connectionDocument
	if err := s.connections.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	return s.toConnection(&doc)
}

func (s *MongoConnectionStore) toConnection(doc *connectionDocument) (*Connection, error) {
	conn := &Connection{
		ID:            doc.ID,
		OwnerID:       doc.OwnerID,
		MerchantID:    doc.MerchantID,
		StoreName:     doc.StoreName,
		StoreEmail:    doc.StoreEmail,
		StoreDomain:   doc.StoreDomain,
		StorePlan:     doc.StorePlan,
		StoreAvatar:   doc.StoreAvatar,
		StoreCurrency: doc.StoreCurrency,
		TokenType:     doc.TokenType,
		ExpiresAt:     utcTime(doc.ExpiresAt),
		Scope:         doc.Scope,
		TokenVersion:  doc.TokenVersion,
		IsActive:      doc.IsActive,
		ConnectedAt:   doc.ConnectedAt,
		UpdatedAt:     doc.UpdatedAt,
	}

	var err error
	conn.AccessToken, conn.RefreshToken, err = crypto.OpenTokens(s.crypto, doc.ID, crypto.SealedTokens{
		AccessToken:  doc.AccessToken,
		RefreshToken: doc.RefreshToken,
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// utcTime copies t in UTC. BSON datetimes carry millisecond precision.
func utcTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC().Truncate(time.Millisecond)
	return &u
}
