package credentials

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/andrej220/remexec/internal/orchestrator"
)

// Finder is the part of *mongo.Collection the parameter store needs.
type Finder interface {
	FindOne(ctx context.Context, filter any, opts ...*options.FindOneOptions) *mongo.SingleResult
}

// parameter is one document of the parameters collection:
// {"_id": "nci.host", "value": "gadi.nci.org.au"}.
type parameter struct {
	Name  string `bson:"_id"`
	Value string `bson:"value"`
}

// ParameterStore reads credentials from a parameters collection, one
// document per value, named "<prefix>.<suffix>".
type ParameterStore struct {
	coll   Finder
	prefix string
}

func NewParameterStore(coll Finder, prefix string) *ParameterStore {
	return &ParameterStore{coll: coll, prefix: prefix}
}

func (s *ParameterStore) Fetch(ctx context.Context) (Credentials, error) {
	var (
		c   Credentials
		key string
		err error
	)
	if c.Host, err = s.get(ctx, SuffixHost, true); err != nil {
		return Credentials{}, err
	}
	if c.User, err = s.get(ctx, SuffixUser, true); err != nil {
		return Credentials{}, err
	}
	if key, err = s.get(ctx, SuffixPrivateKey, false); err != nil {
		return Credentials{}, err
	}
	if key != "" {
		c.PrivateKey = []byte(key)
	}
	if c.Passphrase, err = s.get(ctx, SuffixPassphrase, false); err != nil {
		return Credentials{}, err
	}
	if c.Password, err = s.get(ctx, SuffixPassword, false); err != nil {
		return Credentials{}, err
	}
	if err := c.Validate(); err != nil {
		return Credentials{}, err
	}
	return c, nil
}

func (s *ParameterStore) get(ctx context.Context, suffix string, required bool) (string, error) {
	name := s.prefix + "." + suffix
	var p parameter
	err := s.coll.FindOne(ctx, bson.M{"_id": name}).Decode(&p)
	switch {
	case err == nil:
		return p.Value, nil
	case errors.Is(err, mongo.ErrNoDocuments) && !required:
		return "", nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return "", fmt.Errorf("%w: parameter %q not found", orchestrator.ErrCredential, name)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "", err
	default:
		return "", fmt.Errorf("%w: parameter %q: %v", orchestrator.ErrCredential, name, err)
	}
}
