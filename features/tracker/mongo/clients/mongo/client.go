// Package mongo implements the low-level MongoDB client used by the execution
// tracker store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"goa.design/analyst/runtime/analyst/tracker"
)

type (
	// Client exposes Mongo-backed operations on execution records. One
	// document holds the status, result and milestones of a session.
	Client interface {
		health.Pinger

		// Init upserts a running record, keeping existing milestones and
		// sequence counter.
		Init(ctx context.Context, sessionID string, now time.Time) error
		// Append stores a milestone labeled label under the next sequence
		// number in a single document update and returns that number. ok is
		// false when the record does not exist.
		Append(ctx context.Context, sessionID, label string, now time.Time) (seq int, ok bool, err error)
		// SetStatus writes status and result unless the record is terminal.
		// It returns tracker.ErrNotFound or tracker.ErrTerminal when nothing
		// was written.
		SetStatus(ctx context.Context, sessionID string, status tracker.Status, result *tracker.Result, now time.Time) error
		// Load returns the record or nil when it does not exist.
		Load(ctx context.Context, sessionID string) (*Record, error)
	}

	// Record is the decoded execution document.
	Record struct {
		SessionID  string
		Status     tracker.Status
		Result     *tracker.Result
		Milestones []tracker.Milestone
		StartedAt  time.Time
		UpdatedAt  time.Time
	}

	// Options configures the Mongo client implementation.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		coll    collection
		timeout time.Duration
	}

	executionDocument struct {
		SessionID  string              `bson:"_id"`
		Status     string              `bson:"status"`
		NextSeq    int                 `bson:"next_seq"`
		Milestones []milestoneDocument `bson:"milestones"`
		Result     *resultDocument     `bson:"result,omitempty"`
		StartedAt  time.Time           `bson:"started_at"`
		UpdatedAt  time.Time           `bson:"updated_at"`
	}

	milestoneDocument struct {
		Seq       int       `bson:"seq"`
		Label     string    `bson:"label"`
		Timestamp time.Time `bson:"ts"`
	}

	resultDocument struct {
		Summary    string `bson:"summary,omitempty"`
		ArtifactID string `bson:"artifact_id,omitempty"`
		Message    string `bson:"message,omitempty"`
	}
)

const (
	defaultCollection = "analyst_executions"
	defaultTimeout    = 5 * time.Second
	clientName        = "tracker-mongo"
)

var terminalStatuses = []string{
	string(tracker.StatusCompleted),
	string(tracker.StatusFailed),
	string(tracker.StatusAborted),
}

// New returns a Client backed by the provided MongoDB client.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	mcoll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Init(ctx context.Context, sessionID string, now time.Time) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	update := bson.M{
		"$set": bson.M{
			"status":     string(tracker.StatusRunning),
			"started_at": now.UTC(),
			"updated_at": now.UTC(),
		},
		"$unset": bson.M{"result": ""},
		"$setOnInsert": bson.M{
			"next_seq":   1,
			"milestones": bson.A{},
		},
	}
	_, err := c.coll.UpdateOne(ctx, bson.M{"_id": sessionID}, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c *client) Append(ctx context.Context, sessionID, label string, now time.Time) (int, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc executionDocument
	err := c.coll.FindOneAndUpdate(ctx,
		bson.M{"_id": sessionID},
		appendPipeline(label, now.UTC()),
		options.FindOneAndUpdate().
			SetReturnDocument(options.Before).
			SetProjection(bson.M{"next_seq": 1}),
	).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return doc.NextSeq, true, nil
}

// appendPipeline numbers the milestone with the stored next_seq and bumps
// the counter in the same stage, so the document never holds a reserved but
// unwritten sequence number.
func appendPipeline(label string, now time.Time) bson.A {
	milestone := bson.M{
		"seq":   "$next_seq",
		"label": bson.M{"$literal": label},
		"ts":    now,
	}
	return bson.A{bson.M{"$set": bson.M{
		"milestones": bson.M{"$concatArrays": bson.A{"$milestones", bson.A{milestone}}},
		"next_seq":   bson.M{"$add": bson.A{"$next_seq", 1}},
		"updated_at": now,
	}}}
}

func (c *client) SetStatus(ctx context.Context, sessionID string, status tracker.Status, result *tracker.Result, now time.Time) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	set := bson.M{"status": string(status), "updated_at": now.UTC()}
	if result != nil {
		set["result"] = resultDocument{Summary: result.Summary, ArtifactID: result.ArtifactID, Message: result.Message}
	}
	filter := bson.M{"_id": sessionID, "status": bson.M{"$nin": terminalStatuses}}
	res, err := c.coll.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount > 0 {
		return nil
	}
	rec, err := c.Load(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return tracker.ErrNotFound
	}
	return tracker.ErrTerminal
}

func (c *client) Load(ctx context.Context, sessionID string) (*Record, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var doc executionDocument
	err := c.coll.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec := &Record{
		SessionID:  doc.SessionID,
		Status:     tracker.Status(doc.Status),
		Milestones: make([]tracker.Milestone, len(doc.Milestones)),
		StartedAt:  doc.StartedAt,
		UpdatedAt:  doc.UpdatedAt,
	}
	for i, m := range doc.Milestones {
		rec.Milestones[i] = tracker.Milestone{Seq: m.Seq, Label: m.Label, Timestamp: m.Timestamp}
	}
	if doc.Result != nil {
		rec.Result = &tracker.Result{Summary: doc.Result.Summary, ArtifactID: doc.Result.ArtifactID, Message: doc.Result.Message}
	}
	return rec, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys: bson.D{{Key: "updated_at", Value: 1}},
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
	}, nil
}

type collection interface {
	UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	FindOneAndUpdate(ctx context.Context, filter, update any, opts ...options.Lister[options.FindOneAndUpdateOptions]) singleResult
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) FindOneAndUpdate(ctx context.Context, filter, update any, opts ...options.Lister[options.FindOneAndUpdateOptions]) singleResult {
	return c.coll.FindOneAndUpdate(ctx, filter, update, opts...)
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return mongoIndexView{view: c.coll.Indexes()}
}

type mongoIndexView struct {
	view mongodriver.IndexView
}

func (v mongoIndexView) CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return v.view.CreateOne(ctx, model, opts...)
}
