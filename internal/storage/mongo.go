package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ironfuel/livechat/internal/constants"
	"github.com/ironfuel/livechat/internal/logging"
	"github.com/ironfuel/livechat/internal/message"
	"github.com/ironfuel/livechat/internal/metrics"
)

// MongoStore persists sessions in MongoDB, one document per customer.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *logging.Logger
	cipher     *contentCipher
	retry      retryConfig
}

// SessionDocument represents a session stored in MongoDB
type SessionDocument struct {
	CustomerID  string            `bson:"_id"`
	Name        string            `bson:"nm,omitempty"`
	Email       string            `bson:"em,omitempty"`
	LastUpdated time.Time         `bson:"lu"`
	CreatedAt   time.Time         `bson:"cts"`
	Messages    []MessageDocument `bson:"msgs"`
}

// MessageDocument represents a message stored in MongoDB
type MessageDocument struct {
	ID        string    `bson:"id"`
	Sender    string    `bson:"sender"`
	Type      string    `bson:"type"`
	Content   string    `bson:"content"`
	Timestamp time.Time `bson:"ts"`
	Read      bool      `bson:"read"`
}

// summaryDocument is the projection produced by the ListSessions pipeline
type summaryDocument struct {
	CustomerID  string           `bson:"_id"`
	Name        string           `bson:"nm"`
	Email       string           `bson:"em"`
	LastUpdated time.Time        `bson:"lu"`
	Count       int              `bson:"count"`
	Unread      int              `bson:"unread"`
	Last        *MessageDocument `bson:"last,omitempty"`
}

// NewMongoStore creates a store over client's dbName.collName.
// encryptionKey must be empty (no encryption) or 32 bytes for AES-256-GCM.
func NewMongoStore(client *mongo.Client, dbName, collName string, logger *logging.Logger, encryptionKey []byte) (*MongoStore, error) {
	if client == nil {
		return nil, errors.New("mongo client cannot be nil")
	}

	c, err := newContentCipher(encryptionKey)
	if err != nil {
		return nil, err
	}

	storeLogger := logger.WithGroup("storage")
	if !c.enabled() {
		storeLogger.Warn("Message content encryption at rest is disabled")
	}

	return &MongoStore{
		client:     client,
		collection: client.Database(dbName).Collection(collName),
		logger:     storeLogger,
		cipher:     c,
		retry:      defaultRetryConfig,
	}, nil
}

// EnsureIndexes creates the indexes used by the admin session list.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	lastUpdatedIndex := mongo.IndexModel{
		Keys:    bson.D{{Key: constants.MongoFieldLastUpdated, Value: -1}},
		Options: options.Index().SetName(constants.IndexLastUpdated),
	}

	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{lastUpdatedIndex})
	// No else needed: early return pattern (guard clause)
	if err != nil {
		return fmt.Errorf("failed to create indexes: %w", err)
	}

	s.logger.Info("MongoDB indexes created successfully", "indexes", []string{constants.IndexLastUpdated})
	return nil
}

// AppendMessage implements SessionStore with a single upsert, so concurrent
// first messages for one customer still produce exactly one session.
func (s *MongoStore) AppendMessage(ctx context.Context, customerID string, profile Profile, msg *message.Message) (bool, error) {
	if err := validateAppend(customerID, msg); err != nil {
		return false, err
	}

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "append_message"}).Observe(time.Since(start).Seconds())
	}()

	doc, err := s.messageToDocument(msg)
	if err != nil {
		return false, err
	}

	set := bson.M{constants.MongoFieldLastUpdated: msg.Timestamp}
	if profile.DisplayName != "" {
		set[constants.MongoFieldName] = profile.DisplayName
	}
	if profile.Email != "" {
		set[constants.MongoFieldEmail] = profile.Email
	}

	// The id guard makes a retried write after a lost acknowledgement a no-op:
	// the filter stops matching and the upsert collides on _id.
	filter := bson.M{
		constants.MongoFieldID: customerID,
		constants.MongoFieldMessages + "." + constants.MongoFieldMessageID: bson.M{"$ne": msg.ID},
	}
	update := bson.M{
		"$push":        bson.M{constants.MongoFieldMessages: doc},
		"$set":         set,
		"$setOnInsert": bson.M{constants.MongoFieldCreated: msg.Timestamp},
	}
	opts := options.Update().SetUpsert(true)

	var created bool
	err = retryOperation(ctx, s.logger, s.retry, "append_message", func() error {
		res, err := s.collection.UpdateOne(ctx, filter, update, opts)
		if mongo.IsDuplicateKeyError(err) {
			// Either this message is already stored, or another instance
			// created the session first and the update must be replayed.
			stored, cerr := s.collection.CountDocuments(ctx, bson.M{
				constants.MongoFieldID: customerID,
				constants.MongoFieldMessages + "." + constants.MongoFieldMessageID: msg.ID,
			})
			if cerr != nil {
				return cerr
			}
			if stored > 0 {
				return nil
			}
			res, err = s.collection.UpdateOne(ctx, filter, update, opts)
		}
		if err != nil {
			return err
		}
		created = res.UpsertedCount == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to append message: %w", err)
	}

	return created, nil
}

// GetSession implements SessionStore.
func (s *MongoStore) GetSession(ctx context.Context, customerID string) (*message.ChatSession, error) {
	if customerID == "" {
		return nil, ErrInvalidCustomerID
	}

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "get_session"}).Observe(time.Since(start).Seconds())
	}()

	var doc SessionDocument
	err := retryOperation(ctx, s.logger, s.retry, "get_session", func() error {
		return s.collection.FindOne(ctx, bson.M{constants.MongoFieldID: customerID}).Decode(&doc)
	})
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return s.documentToSession(&doc)
}

// ListSessions implements SessionStore. Summaries are computed server-side so
// message logs are never shipped for the list view.
func (s *MongoStore) ListSessions(ctx context.Context, limit int) ([]message.SessionSummary, error) {
	limit = normalizeLimit(limit, constants.DefaultSessionLimit, constants.MaxSessionLimit)

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "list_sessions"}).Observe(time.Since(start).Seconds())
	}()

	msgs := "$" + constants.MongoFieldMessages
	unreadFilter := bson.M{"$filter": bson.M{
		"input": msgs,
		"as":    "m",
		"cond": bson.M{"$and": bson.A{
			bson.M{"$eq": bson.A{"$$m." + constants.MongoFieldSender, string(message.SenderCustomer)}},
			bson.M{"$eq": bson.A{"$$m." + constants.MongoFieldRead, false}},
		}},
	}}

	pipeline := mongo.Pipeline{
		{{Key: "$sort", Value: bson.D{
			{Key: constants.MongoFieldLastUpdated, Value: -1},
			{Key: constants.MongoFieldID, Value: 1},
		}}},
		{{Key: "$limit", Value: int64(limit)}},
		{{Key: "$project", Value: bson.M{
			constants.MongoFieldName:        1,
			constants.MongoFieldEmail:       1,
			constants.MongoFieldLastUpdated: 1,
			"count":                         bson.M{"$size": msgs},
			"unread":                        bson.M{"$size": unreadFilter},
			"last":                          bson.M{"$arrayElemAt": bson.A{msgs, -1}},
		}}},
	}

	var docs []summaryDocument
	err := retryOperation(ctx, s.logger, s.retry, "list_sessions", func() error {
		cursor, err := s.collection.Aggregate(ctx, pipeline)
		if err != nil {
			return err
		}
		defer cursor.Close(ctx)
		docs = docs[:0]
		return cursor.All(ctx, &docs)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	summaries := make([]message.SessionSummary, 0, len(docs))
	for i := range docs {
		d := &docs[i]
		sum := message.SessionSummary{
			CustomerID:          d.CustomerID,
			CustomerDisplayName: d.Name,
			CustomerEmail:       d.Email,
			LastUpdated:         d.LastUpdated.UTC(),
			MessageCount:        d.Count,
			UnreadCount:         d.Unread,
		}
		if d.Last != nil {
			last, err := s.documentToMessage(d.CustomerID, d.Last)
			if err != nil {
				return nil, err
			}
			sum.LastMessage = &last
		}
		summaries = append(summaries, sum)
	}

	return summaries, nil
}

// MarkRead implements SessionStore.
func (s *MongoStore) MarkRead(ctx context.Context, customerID string) error {
	if customerID == "" {
		return ErrInvalidCustomerID
	}

	start := time.Now()
	defer func() {
		metrics.MongoDBOperationDuration.With(prometheus.Labels{"operation": "mark_read"}).Observe(time.Since(start).Seconds())
	}()

	field := constants.MongoFieldMessages + ".$[m]." + constants.MongoFieldRead
	update := bson.M{"$set": bson.M{field: true}}
	opts := options.Update().SetArrayFilters(options.ArrayFilters{
		Filters: []interface{}{bson.M{
			"m." + constants.MongoFieldSender: string(message.SenderCustomer),
			"m." + constants.MongoFieldRead:   false,
		}},
	})

	var matched int64
	err := retryOperation(ctx, s.logger, s.retry, "mark_read", func() error {
		res, err := s.collection.UpdateOne(ctx, bson.M{constants.MongoFieldID: customerID}, update, opts)
		if err != nil {
			return err
		}
		matched = res.MatchedCount
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark session read: %w", err)
	}
	if matched == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Ping implements SessionStore.
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close implements SessionStore. The client is owned by the caller that
// connected it, so only the store's own resources are released here.
func (s *MongoStore) Close(ctx context.Context) error {
	return nil
}

func (s *MongoStore) messageToDocument(msg *message.Message) (MessageDocument, error) {
	content, err := s.cipher.encrypt(msg.Content)
	if err != nil {
		return MessageDocument{}, fmt.Errorf("failed to encrypt content: %w", err)
	}
	return MessageDocument{
		ID:        msg.ID,
		Sender:    string(msg.Sender),
		Type:      string(msg.Type),
		Content:   content,
		Timestamp: msg.Timestamp,
		Read:      msg.Read,
	}, nil
}

func (s *MongoStore) documentToMessage(customerID string, doc *MessageDocument) (message.Message, error) {
	content, err := s.cipher.decrypt(doc.Content)
	if err != nil {
		return message.Message{}, fmt.Errorf("failed to decrypt message %s: %w", doc.ID, err)
	}
	return message.Message{
		ID:         doc.ID,
		CustomerID: customerID,
		Sender:     message.SenderType(doc.Sender),
		Type:       message.ContentType(doc.Type),
		Content:    content,
		Timestamp:  doc.Timestamp.UTC(),
		Read:       doc.Read,
	}, nil
}

func (s *MongoStore) documentToSession(doc *SessionDocument) (*message.ChatSession, error) {
	sess := &message.ChatSession{
		CustomerID:          doc.CustomerID,
		CustomerDisplayName: doc.Name,
		CustomerEmail:       doc.Email,
		LastUpdated:         doc.LastUpdated.UTC(),
		CreatedAt:           doc.CreatedAt.UTC(),
		Messages:            make([]message.Message, 0, len(doc.Messages)),
	}
	for i := range doc.Messages {
		m, err := s.documentToMessage(doc.CustomerID, &doc.Messages[i])
		if err != nil {
			return nil, err
		}
		sess.Messages = append(sess.Messages, m)
	}
	return sess, nil
}
