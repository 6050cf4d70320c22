package credit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goledger/internal/core"
)

// MongoDBStore implements Store for MongoDB.
type MongoDBStore struct {
	workspaces   *mongo.Collection
	reservations *mongo.Collection
	transactions *mongo.Collection
}

// NewMongoDBStore creates a new MongoDB credit store.
// It creates the collections' indexes if they don't exist.
func NewMongoDBStore(database *mongo.Database) (*MongoDBStore, error) {
	if database == nil {
		return nil, fmt.Errorf("database is required")
	}

	store := &MongoDBStore{
		workspaces:   database.Collection("workspaces"),
		reservations: database.Collection("reservations"),
		transactions: database.Collection("transactions"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// The janitor sweeps expired reservations itself rather than relying on
	// a TTL index: an expired reservation must be refunded, not silently
	// dropped by the server.
	reservationIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "workspace_id", Value: 1}}},
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "expires_at", Value: 1}}},
	}
	if _, err := store.reservations.Indexes().CreateMany(ctx, reservationIndexes); err != nil {
		slog.Warn("failed to create some MongoDB indexes for reservations", "error", err)
	}

	transactionIndexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "workspace_id", Value: 1}, {Key: "created_at", Value: -1}}},
	}
	if _, err := store.transactions.Indexes().CreateMany(ctx, transactionIndexes); err != nil {
		slog.Warn("failed to create some MongoDB indexes for transactions", "error", err)
	}

	return store, nil
}

func (s *MongoDBStore) Get(ctx context.Context, workspaceID string) (*core.Workspace, error) {
	ws := &core.Workspace{}
	err := s.workspaces.FindOne(ctx, bson.M{"_id": workspaceID}).Decode(ws)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workspace: %w", err)
	}
	return ws, nil
}

func (s *MongoDBStore) Create(ctx context.Context, ws *core.Workspace) error {
	doc := *ws
	if doc.Version == 0 {
		doc.Version = 1
	}
	if _, err := s.workspaces.InsertOne(ctx, &doc); err != nil {
		return fmt.Errorf("failed to insert workspace: %w", err)
	}
	return nil
}

// CompareAndSwap performs the version-guarded balance write as a single
// FindOneAndUpdate conditioned on {_id, version}. No matching document means
// either a conflict or a missing workspace; an existence check tells them
// apart.
func (s *MongoDBStore) CompareAndSwap(ctx context.Context, workspaceID string, expectedVersion, newBalance int64) (*core.Workspace, error) {
	ws := &core.Workspace{}
	err := s.workspaces.FindOneAndUpdate(ctx,
		bson.M{"_id": workspaceID, "version": expectedVersion},
		bson.M{
			"$set": bson.M{"credit_balance_nano_usd": newBalance},
			"$inc": bson.M{"version": 1},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(ws)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, gerr := s.Get(ctx, workspaceID); gerr != nil {
			return nil, gerr
		}
		return nil, core.ErrVersionConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update workspace balance: %w", err)
	}
	return ws, nil
}

func (s *MongoDBStore) CreateReservation(ctx context.Context, res *core.Reservation) error {
	if _, err := s.reservations.InsertOne(ctx, res); err != nil {
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

func (s *MongoDBStore) GetReservation(ctx context.Context, id string) (*core.Reservation, error) {
	res := &core.Reservation{}
	err := s.reservations.FindOne(ctx, bson.M{"_id": id}).Decode(res)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query reservation: %w", err)
	}
	return res, nil
}

func (s *MongoDBStore) UpdateReservation(ctx context.Context, res *core.Reservation) error {
	result, err := s.reservations.ReplaceOne(ctx, bson.M{"_id": res.ID}, res)
	if err != nil {
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MongoDBStore) DeleteReservation(ctx context.Context, id string) error {
	if _, err := s.reservations.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("failed to delete reservation: %w", err)
	}
	return nil
}

func (s *MongoDBStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*core.Reservation, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "expires_at", Value: 1}}).
		SetLimit(int64(limit))
	cursor, err := s.reservations.Find(ctx, bson.M{
		"state":      string(core.StateOpen),
		"expires_at": bson.M{"$lt": now},
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired reservations: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*core.Reservation
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("failed to decode expired reservations: %w", err)
	}
	return out, nil
}

func (s *MongoDBStore) Append(ctx context.Context, tx *core.Transaction) error {
	if _, err := s.transactions.InsertOne(ctx, tx); err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// Close is a no-op for MongoDB as the client is managed by the storage layer.
func (s *MongoDBStore) Close() error {
	return nil
}
