// ABOUTME: MongoDB implementation of the Store interface using the official driver
// ABOUTME: Stores sessions and transcripts as documents, one per user and one per thread

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Collection names
const (
	CollectionSessions = "users"
	CollectionChats    = "chats"
)

// MongoStore implements Store on MongoDB.
type MongoStore struct {
	client   *mongo.Client
	sessions *mongo.Collection
	chats    *mongo.Collection
	logger   *slog.Logger
	now      func() time.Time
}

type sessionDoc struct {
	UserID       string     `bson:"_id"`
	LoggedIn     bool       `bson:"logged_in"`
	ThreadID     string     `bson:"thread_id,omitempty"`
	RunID        string     `bson:"run_id,omitempty"`
	RunUpdatedAt *time.Time `bson:"run_updated_at,omitempty"`
	CreatedAt    time.Time  `bson:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at"`
}

func (d *sessionDoc) toSession() *Session {
	s := &Session{
		UserID:    d.UserID,
		LoggedIn:  d.LoggedIn,
		ThreadID:  d.ThreadID,
		RunID:     d.RunID,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if d.RunUpdatedAt != nil {
		s.RunUpdatedAt = *d.RunUpdatedAt
	}
	return s
}

type turnDoc struct {
	Role      string    `bson:"role"`
	Text      string    `bson:"text"`
	CreatedAt time.Time `bson:"created_at"`
}

type summaryDoc struct {
	Topic             *string  `bson:"topic"`
	InvolvedKnowledge *string  `bson:"involved_knowledge"`
	Score             *float64 `bson:"score"`
	Comment           *string  `bson:"comment"`
}

type chatDoc struct {
	ThreadID    string      `bson:"_id"`
	UserID      string      `bson:"user_id"`
	Turns       []turnDoc   `bson:"turns"`
	SummaryText *string     `bson:"summary,omitempty"`
	Summary     *summaryDoc `bson:"summary_json,omitempty"`
	CreatedAt   time.Time   `bson:"created_at"`
	UpdatedAt   time.Time   `bson:"updated_at"`
}

func (d *chatDoc) toTranscript() *Transcript {
	t := &Transcript{
		ID:          d.ThreadID,
		UserID:      d.UserID,
		SummaryText: d.SummaryText,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	for i, td := range d.Turns {
		t.Turns = append(t.Turns, Turn{Seq: i + 1, Role: Role(td.Role), Text: td.Text, CreatedAt: td.CreatedAt})
	}
	if d.Summary != nil {
		t.Summary = &StructuredSummary{
			Topic:             d.Summary.Topic,
			InvolvedKnowledge: d.Summary.InvolvedKnowledge,
			Score:             d.Summary.Score,
			Comment:           d.Summary.Comment,
		}
	}
	return t
}

// NewMongoStore connects to MongoDB, verifies the connection and ensures indexes.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	logger := slog.Default().With("component", "store", "driver", "mongo")

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(connectCtx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		sessions: db.Collection(CollectionSessions),
		chats:    db.Collection(CollectionChats),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}

	if err := s.ensureIndexes(connectCtx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("creating indexes: %w", err)
	}

	logger.Info("MongoDB store initialized", "database", database)
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.chats.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "updated_at", Value: -1}},
	})
	if err != nil {
		return err
	}
	_, err = s.sessions.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "run_updated_at", Value: 1}},
		Options: options.Index().SetSparse(true),
	})
	return err
}

// Close disconnects the client.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("closing MongoDB store")
	return s.client.Disconnect(ctx)
}

// GetSession retrieves the session document for a user.
func (s *MongoStore) GetSession(ctx context.Context, userID string) (*Session, error) {
	var doc sessionDoc
	err := s.sessions.FindOne(ctx, bson.M{"_id": userID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("finding session", err)
	}
	return doc.toSession(), nil
}

// UpdateSession merges the update into the user's document, upserting it.
func (s *MongoStore) UpdateSession(ctx context.Context, userID string, update SessionUpdate) error {
	now := s.now()
	set := bson.M{"updated_at": now}
	unset := bson.M{}
	onInsert := bson.M{"created_at": now}

	if update.LoggedIn != nil {
		set["logged_in"] = *update.LoggedIn
	} else {
		onInsert["logged_in"] = false
	}
	if update.ThreadID != nil {
		if *update.ThreadID == "" {
			unset["thread_id"] = ""
		} else {
			set["thread_id"] = *update.ThreadID
		}
	}
	if update.RunID != nil {
		if *update.RunID == "" {
			unset["run_id"] = ""
			unset["run_updated_at"] = ""
		} else {
			set["run_id"] = *update.RunID
			set["run_updated_at"] = now
		}
	}

	doc := bson.M{"$set": set, "$setOnInsert": onInsert}
	if len(unset) > 0 {
		doc["$unset"] = unset
	}
	_, err := s.sessions.UpdateOne(ctx, bson.M{"_id": userID}, doc, options.Update().SetUpsert(true))
	if err != nil {
		return unavailable("updating session", err)
	}
	return nil
}

// ClearSessionFields unsets the named fields. Absent documents are left absent.
func (s *MongoStore) ClearSessionFields(ctx context.Context, userID string, fields ...SessionField) error {
	if len(fields) == 0 {
		return nil
	}
	unset := bson.M{}
	for _, f := range fields {
		switch f {
		case FieldThreadID:
			unset["thread_id"] = ""
		case FieldRunID:
			unset["run_id"] = ""
			unset["run_updated_at"] = ""
		default:
			return fmt.Errorf("unknown session field %q", f)
		}
	}
	_, err := s.sessions.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{
		"$unset": unset,
		"$set":   bson.M{"updated_at": s.now()},
	})
	if err != nil {
		return unavailable("clearing session fields", err)
	}
	return nil
}

// SwapRunID replaces run_id when it equals expected, using a filtered update
// so the comparison and the write happen in one server-side operation.
func (s *MongoStore) SwapRunID(ctx context.Context, userID, expected, next string) (bool, error) {
	now := s.now()

	// Make sure the document exists so the filtered update below can match.
	_, err := s.sessions.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{
		"$setOnInsert": bson.M{"created_at": now, "updated_at": now, "logged_in": false},
	}, options.Update().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return false, unavailable("creating session", err)
	}

	filter := bson.M{"_id": userID}
	if expected == "" {
		filter["run_id"] = bson.M{"$exists": false}
	} else {
		filter["run_id"] = expected
	}

	var update bson.M
	if next == "" {
		update = bson.M{
			"$unset": bson.M{"run_id": "", "run_updated_at": ""},
			"$set":   bson.M{"updated_at": now},
		}
	} else {
		update = bson.M{"$set": bson.M{"run_id": next, "run_updated_at": now, "updated_at": now}}
	}

	res, err := s.sessions.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, unavailable("swapping run id", err)
	}
	return res.MatchedCount == 1, nil
}

// ListStaleRuns returns sessions whose run was set before the cutoff.
func (s *MongoStore) ListStaleRuns(ctx context.Context, before time.Time) ([]*Session, error) {
	cursor, err := s.sessions.Find(ctx, bson.M{
		"run_id":         bson.M{"$exists": true},
		"run_updated_at": bson.M{"$lt": before},
	})
	if err != nil {
		return nil, unavailable("finding stale runs", err)
	}
	defer cursor.Close(ctx)

	var docs []sessionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, unavailable("decoding sessions", err)
	}
	out := make([]*Session, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toSession())
	}
	return out, nil
}

// CreateTranscript inserts an empty chat document.
func (s *MongoStore) CreateTranscript(ctx context.Context, t *Transcript) error {
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	_, err := s.chats.InsertOne(ctx, chatDoc{
		ThreadID:  t.ID,
		UserID:    t.UserID,
		Turns:     []turnDoc{},
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	})
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateTranscript
	}
	if err != nil {
		return unavailable("inserting transcript", err)
	}
	return nil
}

// AppendTurn pushes a turn onto the chat document.
func (s *MongoStore) AppendTurn(ctx context.Context, threadID string, role Role, text string) (*Turn, error) {
	now := s.now()
	turn := turnDoc{Role: string(role), Text: text, CreatedAt: now}

	var doc chatDoc
	err := s.chats.FindOneAndUpdate(ctx,
		bson.M{"_id": threadID},
		bson.M{"$push": bson.M{"turns": turn}, "$set": bson.M{"updated_at": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("appending turn", err)
	}
	return &Turn{Seq: len(doc.Turns), Role: role, Text: text, CreatedAt: now}, nil
}

// SetSummary replaces the summary fields of a chat document.
func (s *MongoStore) SetSummary(ctx context.Context, threadID, text string, summary *StructuredSummary) error {
	set := bson.M{"summary": text, "updated_at": s.now()}
	if summary != nil {
		set["summary_json"] = summaryDoc{
			Topic:             summary.Topic,
			InvolvedKnowledge: summary.InvolvedKnowledge,
			Score:             summary.Score,
			Comment:           summary.Comment,
		}
	} else {
		set["summary_json"] = nil
	}

	res, err := s.chats.UpdateOne(ctx, bson.M{"_id": threadID}, bson.M{"$set": set})
	if err != nil {
		return unavailable("updating summary", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTranscript retrieves a chat document.
func (s *MongoStore) GetTranscript(ctx context.Context, threadID string) (*Transcript, error) {
	var doc chatDoc
	err := s.chats.FindOne(ctx, bson.M{"_id": threadID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable("finding transcript", err)
	}
	return doc.toTranscript(), nil
}

// ListSummarizedTranscripts returns the user's summarized chats newest first.
func (s *MongoStore) ListSummarizedTranscripts(ctx context.Context, userID string, limit int) ([]*Transcript, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "updated_at", Value: -1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"turns": 0})

	cursor, err := s.chats.Find(ctx, bson.M{"user_id": userID, "summary_json": bson.M{"$ne": nil}}, opts)
	if err != nil {
		return nil, unavailable("finding transcripts", err)
	}
	defer cursor.Close(ctx)

	var docs []chatDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, unavailable("decoding transcripts", err)
	}
	out := make([]*Transcript, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toTranscript())
	}
	return out, nil
}
