package config

import (
	"context"
	"errors"
	"fmt"

	"github.com/andrej220/remexec/pkg/config/configstore"
	"github.com/andrej220/remexec/pkg/config/filestore"
	"github.com/andrej220/remexec/pkg/config/mongostore"
)

type StoreType int

const (
	FileStore StoreType = iota
	MongoStore
)

var (
	ErrInvalidStoreType = errors.New("invalid store type")
	ErrWatchUnsupported = configstore.ErrWatchUnsupported
)

// Config combines all store capabilities.
type Config interface {
	configstore.ConfigStore
	configstore.Watcher
	Close(ctx context.Context) error
}

type FileConfig struct {
	Path string `yaml:"path" json:"path"`
}

type MongoConfig struct {
	URI      string `yaml:"uri" json:"uri"`
	DBName   string `yaml:"db_name" json:"db_name"`
	CollName string `yaml:"coll_name" json:"coll_name"`
	ID       string `yaml:"id" json:"id"` // document id, e.g. "dispatcher"
}

func NewStore(ctx context.Context, storeType StoreType, cfg any) (Config, error) {
	switch storeType {
	case FileStore:
		fileCfg, ok := cfg.(*FileConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for file store, expected *FileConfig")
		}
		return filestore.New(fileCfg.Path), nil
	case MongoStore:
		mongoCfg, ok := cfg.(*MongoConfig)
		if !ok {
			return nil, fmt.Errorf("invalid config type for mongo store, expected *MongoConfig")
		}
		return mongostore.New(ctx, mongoCfg.URI, mongoCfg.DBName, mongoCfg.CollName, mongoCfg.ID)
	default:
		return nil, ErrInvalidStoreType
	}
}

// ParseStoreType maps "file" and "mongo" to a StoreType.
func ParseStoreType(s string) (StoreType, error) {
	switch s {
	case "", "file":
		return FileStore, nil
	case "mongo":
		return MongoStore, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidStoreType, s)
	}
}
