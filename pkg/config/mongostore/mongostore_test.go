package mongostore

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/andrej220/remexec/pkg/config/configstore"
)

type fakeCollection struct {
	doc      bson.M
	findErr  error
	replaced []interface{}
	filters  []interface{}
	upsert   bool
}

func (c *fakeCollection) FindOne(_ context.Context, filter interface{}, _ ...*options.FindOneOptions) *mongo.SingleResult {
	c.filters = append(c.filters, filter)
	if c.findErr != nil {
		return mongo.NewSingleResultFromDocument(bson.M{}, c.findErr, nil)
	}
	return mongo.NewSingleResultFromDocument(c.doc, nil, nil)
}

func (c *fakeCollection) ReplaceOne(_ context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error) {
	c.filters = append(c.filters, filter)
	c.replaced = append(c.replaced, replacement)
	for _, o := range opts {
		if o.Upsert != nil {
			c.upsert = *o.Upsert
		}
	}
	return &mongo.UpdateResult{UpsertedCount: 1}, nil
}

type jobsConfig struct {
	YearRange string `bson:"year_range"`
}

func TestLoad(t *testing.T) {
	coll := &fakeCollection{doc: bson.M{"_id": "dispatcher", "year_range": "2015-2017"}}
	store := NewWithCollection(coll, "dispatcher")

	var out jobsConfig
	require.NoError(t, store.Load(context.Background(), &out))
	assert.Equal(t, "2015-2017", out.YearRange)
	assert.Equal(t, bson.M{"_id": "dispatcher"}, coll.filters[0])
}

func TestLoadNotFound(t *testing.T) {
	store := NewWithCollection(&fakeCollection{findErr: mongo.ErrNoDocuments}, "dispatcher")
	var out jobsConfig
	assert.ErrorIs(t, store.Load(context.Background(), &out), ErrNotFound)
}

func TestLoadDriverError(t *testing.T) {
	boom := errors.New("server selection timeout")
	store := NewWithCollection(&fakeCollection{findErr: boom}, "dispatcher")
	var out jobsConfig
	assert.ErrorIs(t, store.Load(context.Background(), &out), boom)
}

func TestSaveUpserts(t *testing.T) {
	coll := &fakeCollection{}
	store := NewWithCollection(coll, "dispatcher")

	require.NoError(t, store.Save(context.Background(), jobsConfig{YearRange: "2016-2016"}))
	assert.True(t, coll.upsert)
	assert.Equal(t, jobsConfig{YearRange: "2016-2016"}, coll.replaced[0])
	assert.Error(t, store.Save(context.Background(), nil))
}

func TestWatchUnsupported(t *testing.T) {
	store := NewWithCollection(&fakeCollection{}, "x")
	assert.ErrorIs(t, store.Watch(context.Background(), func() {}), configstore.ErrWatchUnsupported)
	assert.NoError(t, store.Close(context.Background()))
}
