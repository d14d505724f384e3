package mongo

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/analyst/runtime/analyst/tracker"
)

func TestClientInitKeepsSequenceOnReInit(t *testing.T) {
	t.Parallel()

	coll := newFakeCollection()
	c := &client{coll: coll}
	ctx := context.Background()
	now := time.Unix(100, 0).UTC()

	require.NoError(t, c.Init(ctx, "s1", now))
	seq, ok, err := c.Append(ctx, "s1", "planning", now)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, seq)
	require.NoError(t, c.SetStatus(ctx, "s1", tracker.StatusWaiting, &tracker.Result{Message: "which?"}, now))

	later := now.Add(time.Minute)
	require.NoError(t, c.Init(ctx, "s1", later))
	rec, err := c.Load(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, tracker.StatusRunning, rec.Status)
	assert.Nil(t, rec.Result)
	assert.Equal(t, later, rec.StartedAt)
	require.Len(t, rec.Milestones, 1)

	seq, _, err = c.Append(ctx, "s1", "resuming", later)
	require.NoError(t, err)
	assert.Equal(t, 2, seq)
}

func TestClientAppendIsOneUpdate(t *testing.T) {
	t.Parallel()

	coll := newFakeCollection()
	c := &client{coll: coll}
	ctx := context.Background()
	now := time.Unix(100, 0).UTC()
	require.NoError(t, c.Init(ctx, "s1", now))

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := c.Append(ctx, "s1", "$step", now)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 20, coll.appends)
	rec, err := c.Load(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, rec.Milestones, 20)
	for i, m := range rec.Milestones {
		assert.Equal(t, i+1, m.Seq, "milestones are stored in sequence order")
		assert.Equal(t, "$step", m.Label)
	}
}

func TestAppendPipelineReadsCounterOnce(t *testing.T) {
	now := time.Unix(100, 0).UTC()
	p := appendPipeline("$not a field", now)

	require.Len(t, p, 1)
	set := p[0].(bson.M)["$set"].(bson.M)
	assert.Equal(t, bson.M{"$add": bson.A{"$next_seq", 1}}, set["next_seq"])
	concat := set["milestones"].(bson.M)["$concatArrays"].(bson.A)
	assert.Equal(t, "$milestones", concat[0])
	m := concat[1].(bson.A)[0].(bson.M)
	assert.Equal(t, "$next_seq", m["seq"])
	assert.Equal(t, bson.M{"$literal": "$not a field"}, m["label"])
}

func TestClientAppendOnUnknownSession(t *testing.T) {
	t.Parallel()

	c := &client{coll: newFakeCollection()}
	seq, ok, err := c.Append(context.Background(), "missing", "planning", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, seq)
}

func TestClientSetStatusDistinguishesMissingAndTerminal(t *testing.T) {
	t.Parallel()

	c := &client{coll: newFakeCollection()}
	ctx := context.Background()
	now := time.Now()

	require.ErrorIs(t, c.SetStatus(ctx, "missing", tracker.StatusFailed, nil, now), tracker.ErrNotFound)

	require.NoError(t, c.Init(ctx, "s1", now))
	require.NoError(t, c.SetStatus(ctx, "s1", tracker.StatusCompleted, &tracker.Result{ArtifactID: "obj_1"}, now))
	require.ErrorIs(t, c.SetStatus(ctx, "s1", tracker.StatusAborted, nil, now), tracker.ErrTerminal)

	rec, err := c.Load(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, tracker.StatusCompleted, rec.Status)
	assert.Equal(t, "obj_1", rec.Result.ArtifactID)
}

func TestClientLoadUnknown(t *testing.T) {
	t.Parallel()

	c := &client{coll: newFakeCollection()}
	rec, err := c.Load(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

// fakeCollection interprets the update documents issued by client against
// typed documents.
type fakeCollection struct {
	mu      sync.Mutex
	docs    map[string]*executionDocument
	appends int
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]*executionDocument)}
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.match(filter.(bson.M))
	u := update.(bson.M)
	if !ok {
		var o options.UpdateOneOptions
		for _, l := range opts {
			for _, set := range l.List() {
				_ = set(&o)
			}
		}
		id := filter.(bson.M)["_id"].(string)
		if o.Upsert == nil || !*o.Upsert || c.docs[id] != nil {
			return &mongodriver.UpdateResult{}, nil
		}
		doc = &executionDocument{SessionID: id}
		if soi, has := u["$setOnInsert"].(bson.M); has {
			doc.NextSeq = soi["next_seq"].(int)
			doc.Milestones = []milestoneDocument{}
		}
		c.docs[id] = doc
	}
	if set, has := u["$set"].(bson.M); has {
		applySet(doc, set)
	}
	if unset, has := u["$unset"].(bson.M); has {
		if _, r := unset["result"]; r {
			doc.Result = nil
		}
	}
	return &mongodriver.UpdateResult{MatchedCount: 1, ModifiedCount: 1}, nil
}

func (c *fakeCollection) FindOneAndUpdate(_ context.Context, filter, update any, _ ...options.Lister[options.FindOneAndUpdateOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.match(filter.(bson.M))
	if !ok {
		return fakeResult{err: mongodriver.ErrNoDocuments}
	}
	before := clone(doc)
	c.appends++
	set := update.(bson.A)[0].(bson.M)["$set"].(bson.M)
	concat := set["milestones"].(bson.M)["$concatArrays"].(bson.A)
	m := concat[1].(bson.A)[0].(bson.M)
	doc.Milestones = append(doc.Milestones, milestoneDocument{
		Seq:       doc.NextSeq,
		Label:     m["label"].(bson.M)["$literal"].(string),
		Timestamp: m["ts"].(time.Time),
	})
	doc.NextSeq++
	doc.UpdatedAt = set["updated_at"].(time.Time)
	return fakeResult{doc: before}
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, ok := c.match(filter.(bson.M))
	if !ok {
		return fakeResult{err: mongodriver.ErrNoDocuments}
	}
	return fakeResult{doc: clone(doc)}
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{}
}

func (c *fakeCollection) match(filter bson.M) (*executionDocument, bool) {
	doc, ok := c.docs[filter["_id"].(string)]
	if !ok {
		return nil, false
	}
	if st, has := filter["status"].(bson.M); has {
		if slices.Contains(st["$nin"].([]string), doc.Status) {
			return nil, false
		}
	}
	return doc, true
}

func applySet(doc *executionDocument, set bson.M) {
	for k, v := range set {
		switch k {
		case "status":
			doc.Status = v.(string)
		case "started_at":
			doc.StartedAt = v.(time.Time)
		case "updated_at":
			doc.UpdatedAt = v.(time.Time)
		case "result":
			r := v.(resultDocument)
			doc.Result = &r
		}
	}
}

func clone(doc *executionDocument) *executionDocument {
	out := *doc
	out.Milestones = slices.Clone(doc.Milestones)
	if doc.Result != nil {
		r := *doc.Result
		out.Result = &r
	}
	return &out
}

type fakeResult struct {
	doc *executionDocument
	err error
}

func (r fakeResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	*val.(*executionDocument) = *r.doc
	return nil
}

type fakeIndexView struct{}

func (fakeIndexView) CreateOne(context.Context, mongodriver.IndexModel, ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	return "", nil
}
