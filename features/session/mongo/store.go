package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/analyst/runtime/analyst/session"
)

type (
	// Options configures the store.
	Options struct {
		// Client is the Mongo connection. Required.
		Client *mongodriver.Client
		// Database is the database name. Required.
		Database string
		// Collection defaults to "analyst_sessions".
		Collection string
		// Timeout bounds each operation. Defaults to 5s.
		Timeout time.Duration
	}

	// Store is a Mongo-backed session.Store.
	Store struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
		now     func() time.Time
	}

	sessionDocument struct {
		ID                 string    `bson:"_id"`
		ThreadID           string    `bson:"thread_id"`
		SessionID          string    `bson:"session_id"`
		Query              string    `bson:"query"`
		Status             string    `bson:"status"`
		ClarificationCount int       `bson:"clarification_count"`
		PendingPrompt      string    `bson:"pending_prompt"`
		PlanID             string    `bson:"plan_id"`
		Version            int64     `bson:"version"`
		CreatedAt          time.Time `bson:"created_at"`
		UpdatedAt          time.Time `bson:"updated_at"`
	}

	collection interface {
		InsertOne(ctx context.Context, doc any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error)
		UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
		FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
		Indexes() indexView
	}

	indexView interface {
		CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
	}

	singleResult interface {
		Decode(val any) error
	}

	mongoCollection struct {
		coll *mongodriver.Collection
	}

	mongoIndexView struct {
		view mongodriver.IndexView
	}
)

const (
	defaultCollection = "analyst_sessions"
	defaultTimeout    = 5 * time.Second
	storeName         = "session-mongo"

	// maxConflicts bounds the compare-and-set retries of one mutation.
	maxConflicts = 10
)

// errConflict reports a concurrent write between read and update.
var errConflict = errors.New("session was modified concurrently")

// New returns a Store backed by opts.Client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := opts.Collection
	if name == "" {
		name = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	coll := mongoCollection{coll: opts.Client.Database(opts.Database).Collection(name)}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	s := newStore(coll, timeout)
	s.mongo = opts.Client
	return s, nil
}

func newStore(coll collection, timeout time.Duration) *Store {
	return &Store{
		coll:    coll,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if s.mongo == nil {
		return errors.New("mongo client not configured")
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Create implements session.Store.
func (s *Store) Create(ctx context.Context, threadID, sessionID, query string) (session.Session, error) {
	if err := validateIDs(threadID, sessionID); err != nil {
		return session.Session{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	now := s.now()
	doc := sessionDocument{
		ID:        docID(threadID, sessionID),
		ThreadID:  threadID,
		SessionID: sessionID,
		Query:     query,
		Status:    string(session.StatusActive),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return session.Session{}, session.ErrExists
		}
		return session.Session{}, fmt.Errorf("insert session: %w", err)
	}
	return doc.session(), nil
}

// Get implements session.Store.
func (s *Store) Get(ctx context.Context, threadID, sessionID string) (session.Session, error) {
	if err := validateIDs(threadID, sessionID); err != nil {
		return session.Session{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc, err := s.load(ctx, threadID, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	return doc.session(), nil
}

// AppendClarification implements session.Store.
func (s *Store) AppendClarification(ctx context.Context, threadID, sessionID, text string) (int, error) {
	var count int
	err := s.update(ctx, threadID, sessionID, func(doc *sessionDocument) (bson.M, error) {
		status := session.Status(doc.Status)
		if status.Terminal() {
			return nil, session.ErrTerminal
		}
		if status != session.StatusWaiting {
			return nil, session.ErrNotWaiting
		}
		count = doc.ClarificationCount + 1
		return bson.M{
			"query":               session.MergeClarification(doc.Query, text),
			"clarification_count": count,
		}, nil
	})
	return count, err
}

// MarkWaiting implements session.Store.
func (s *Store) MarkWaiting(ctx context.Context, threadID, sessionID, prompt, planID string) error {
	return s.update(ctx, threadID, sessionID, func(doc *sessionDocument) (bson.M, error) {
		if err := session.CheckTransition(session.Status(doc.Status), session.StatusWaiting); err != nil {
			return nil, err
		}
		return bson.M{
			"status":         string(session.StatusWaiting),
			"pending_prompt": prompt,
			"plan_id":        planID,
		}, nil
	})
}

// MarkActive implements session.Store.
func (s *Store) MarkActive(ctx context.Context, threadID, sessionID string) error {
	return s.transition(ctx, threadID, sessionID, session.StatusActive)
}

// MarkCompleted implements session.Store.
func (s *Store) MarkCompleted(ctx context.Context, threadID, sessionID string) error {
	return s.transition(ctx, threadID, sessionID, session.StatusCompleted)
}

// MarkAborted implements session.Store.
func (s *Store) MarkAborted(ctx context.Context, threadID, sessionID string) error {
	return s.transition(ctx, threadID, sessionID, session.StatusAborted)
}

func (s *Store) transition(ctx context.Context, threadID, sessionID string, to session.Status) error {
	return s.update(ctx, threadID, sessionID, func(doc *sessionDocument) (bson.M, error) {
		if err := session.CheckTransition(session.Status(doc.Status), to); err != nil {
			return nil, err
		}
		return bson.M{"status": string(to), "pending_prompt": ""}, nil
	})
}

// update loads the session, lets fn compute the fields to set and writes
// them only if no other writer bumped the version in between.
func (s *Store) update(ctx context.Context, threadID, sessionID string, fn func(*sessionDocument) (bson.M, error)) error {
	if err := validateIDs(threadID, sessionID); err != nil {
		return err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	for range maxConflicts {
		doc, err := s.load(ctx, threadID, sessionID)
		if err != nil {
			return err
		}
		set, err := fn(&doc)
		if err != nil {
			return err
		}
		set["updated_at"] = s.now()
		res, err := s.coll.UpdateOne(ctx,
			bson.M{"_id": doc.ID, "version": doc.Version},
			bson.M{"$set": set, "$inc": bson.M{"version": 1}},
		)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		if res.MatchedCount > 0 {
			return nil
		}
	}
	return errConflict
}

func (s *Store) load(ctx context.Context, threadID, sessionID string) (sessionDocument, error) {
	var doc sessionDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": docID(threadID, sessionID)}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return sessionDocument{}, session.ErrNotFound
	}
	if err != nil {
		return sessionDocument{}, fmt.Errorf("load session: %w", err)
	}
	return doc, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (d sessionDocument) session() session.Session {
	return session.Session{
		ThreadID:           d.ThreadID,
		SessionID:          d.SessionID,
		Query:              d.Query,
		Status:             session.Status(d.Status),
		ClarificationCount: d.ClarificationCount,
		PendingPrompt:      d.PendingPrompt,
		PlanID:             d.PlanID,
		CreatedAt:          d.CreatedAt,
		UpdatedAt:          d.UpdatedAt,
	}
}

// docID scopes session ids to their thread.
func docID(threadID, sessionID string) string {
	return threadID + "/" + sessionID
}

func validateIDs(threadID, sessionID string) error {
	if threadID == "" {
		return errors.New("thread id is required")
	}
	if sessionID == "" {
		return errors.New("session id is required")
	}
	return nil
}

func ensureIndexes(ctx context.Context, coll collection) error {
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "created_at", Value: -1}},
	})
	return err
}

func (c mongoCollection) InsertOne(ctx context.Context, doc any, opts ...options.Lister[options.InsertOneOptions]) (*mongodriver.InsertOneResult, error) {
	return c.coll.InsertOne(ctx, doc, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
