package main

import (
	"os"

	"github.com/andrej220/remexec/pkg/config"
)

const SERVICENAME = "remexec-dispatcher"
const CONFIGFILENAME = "configs/dispatcher.yaml"

// Where the dispatcher's own configuration lives. The file store is the
// default; REMEXEC_CONFIG_STORE=mongo reads one document instead.
const (
	envConfigPath  = "REMEXEC_CONFIG"
	envConfigStore = "REMEXEC_CONFIG_STORE"
	envConfigURI   = "REMEXEC_CONFIG_MONGO_URI"
	envConfigDB    = "REMEXEC_CONFIG_MONGO_DB"
	envConfigColl  = "REMEXEC_CONFIG_MONGO_COLLECTION"
)

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// storeConfig returns the store type and its constructor argument.
func storeConfig() (config.StoreType, any, error) {
	st, err := config.ParseStoreType(os.Getenv(envConfigStore))
	if err != nil {
		return 0, nil, err
	}
	if st == config.MongoStore {
		return st, &config.MongoConfig{
			URI:      envOr(envConfigURI, "mongodb://localhost:27017"),
			DBName:   envOr(envConfigDB, "remexec"),
			CollName: envOr(envConfigColl, "config"),
			ID:       SERVICENAME,
		}, nil
	}
	return st, &config.FileConfig{Path: envOr(envConfigPath, CONFIGFILENAME)}, nil
}
