// Package runstore keeps the final Result of every job in MongoDB, one
// document per job id.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/andrej220/remexec/internal/orchestrator"
	"github.com/andrej220/remexec/pkg/lg"
)

var ErrNotFound = errors.New("run not found")

const writeTimeout = 30 * time.Second

// Collection is the part of *mongo.Collection the store uses.
type Collection interface {
	FindOne(ctx context.Context, filter interface{}, opts ...*options.FindOneOptions) *mongo.SingleResult
	ReplaceOne(ctx context.Context, filter interface{}, replacement interface{}, opts ...*options.ReplaceOptions) (*mongo.UpdateResult, error)
}

type Store struct {
	coll Collection
}

func New(coll Collection) *Store {
	return &Store{coll: coll}
}

// Save upserts r under its job id. Saving the same job twice keeps the
// later result.
func (s *Store) Save(ctx context.Context, r orchestrator.Result) error {
	if r.JobID == "" {
		return errors.New("runstore: result has no job id")
	}
	// the write outlives a canceled job
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	_, err := s.coll.ReplaceOne(ctx, bson.M{"_id": r.JobID}, r, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("runstore: save %s: %w", r.JobID, err)
	}
	lg.FromContext(ctx).Debug("run saved", lg.String("job_id", r.JobID), lg.Int("status", r.Status))
	return nil
}

// Report is Save under the name the dispatch service calls.
func (s *Store) Report(ctx context.Context, r orchestrator.Result) error {
	return s.Save(ctx, r)
}

func (s *Store) Get(ctx context.Context, jobID string) (orchestrator.Result, error) {
	var r orchestrator.Result
	err := s.coll.FindOne(ctx, bson.M{"_id": jobID}).Decode(&r)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return orchestrator.Result{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("runstore: get %s: %w", jobID, err)
	}
	return r, nil
}
