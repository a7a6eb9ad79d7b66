// Package settings is the dispatcher's configuration schema.
package settings

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/andrej220/remexec/internal/batch"
	"github.com/andrej220/remexec/internal/credentials"
	"github.com/andrej220/remexec/internal/orchestrator"
	"github.com/andrej220/remexec/pkg/config/configstore"
	"github.com/andrej220/remexec/pkg/jobspec"
)

const (
	SourceEnv   = "env"
	SourceMongo = "mongo"
)

type Config struct {
	Service     Service     `yaml:"service" json:"service" bson:"service"`
	Kafka       Kafka       `yaml:"kafka" json:"kafka" bson:"kafka"`
	Mongo       Mongo       `yaml:"mongo" json:"mongo" bson:"mongo"`
	Credentials Credentials `yaml:"credentials" json:"credentials" bson:"credentials"`
	Jobs        Jobs        `yaml:"jobs" json:"jobs" bson:"jobs"`
	Schedules   []Schedule  `yaml:"schedules" json:"schedules" bson:"schedules" validate:"dive"`
	Tracing     Tracing     `yaml:"tracing" json:"tracing" bson:"tracing"`
}

type Service struct {
	Name       string        `yaml:"name" json:"name" bson:"name" validate:"required"`
	HTTPAddr   string        `yaml:"http_addr" json:"http_addr" bson:"http_addr" validate:"required"`
	HTTPPath   string        `yaml:"http_path" json:"http_path" bson:"http_path" validate:"required,startswith=/"`
	MaxWorkers int           `yaml:"max_workers" json:"max_workers" bson:"max_workers" validate:"min=1,max=256"`
	JobTimeout time.Duration `yaml:"job_timeout" json:"job_timeout" bson:"job_timeout" validate:"min=0"`
}

// Kafka intake is enabled when Topic is set.
type Kafka struct {
	Brokers     []string `yaml:"brokers" json:"brokers" bson:"brokers" validate:"required_with=Topic,dive,hostname_port"`
	Topic       string   `yaml:"topic" json:"topic" bson:"topic"`
	GroupID     string   `yaml:"group_id" json:"group_id" bson:"group_id" validate:"required_with=Topic"`
	ResultTopic string   `yaml:"result_topic" json:"result_topic" bson:"result_topic"`
}

// Mongo is optional; runs are persisted when URI and RunsCollection are set.
type Mongo struct {
	URI                  string `yaml:"uri" json:"uri" bson:"uri" validate:"omitempty,uri"`
	Database             string `yaml:"database" json:"database" bson:"database" validate:"required_with=URI"`
	RunsCollection       string `yaml:"runs_collection" json:"runs_collection" bson:"runs_collection"`
	ParametersCollection string `yaml:"parameters_collection" json:"parameters_collection" bson:"parameters_collection"`
}

type Credentials struct {
	Source      string        `yaml:"source" json:"source" bson:"source" validate:"oneof=env mongo"`
	Prefix      string        `yaml:"prefix" json:"prefix" bson:"prefix" validate:"required"`
	EnvFiles    []string      `yaml:"env_files" json:"env_files" bson:"env_files"`
	KnownHosts  string        `yaml:"known_hosts" json:"known_hosts" bson:"known_hosts"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout" bson:"dial_timeout" validate:"min=0"`
}

type Jobs struct {
	YearRange       string                    `yaml:"year_range" json:"year_range" bson:"year_range"`
	CommandDelay    time.Duration             `yaml:"command_delay" json:"command_delay" bson:"command_delay" validate:"min=0"`
	DefaultTemplate string                    `yaml:"default_template" json:"default_template" bson:"default_template"`
	Templates       map[string]string         `yaml:"templates" json:"templates" bson:"templates"`
	Products        map[string]batch.Location `yaml:"products" json:"products" bson:"products" validate:"dive"`
}

// Schedule submits Job on the cron Spec (seconds field optional).
type Schedule struct {
	Name string             `yaml:"name" json:"name" bson:"name" validate:"required"`
	Spec string             `yaml:"spec" json:"spec" bson:"spec" validate:"required"`
	Job  jobspec.Descriptor `yaml:"job" json:"job" bson:"job" validate:"-"`
}

type Tracing struct {
	Enabled bool `yaml:"enabled" json:"enabled" bson:"enabled"`
}

// Default returns the configuration used for every key the store omits.
func Default() Config {
	return Config{
		Service: Service{
			Name:       "remexec-dispatcher",
			HTTPAddr:   ":8081",
			HTTPPath:   "/jobs",
			MaxWorkers: 4,
			JobTimeout: 6 * time.Hour,
		},
		Kafka: Kafka{
			GroupID: "remexec-dispatcher",
		},
		Mongo: Mongo{
			Database:             "remexec",
			RunsCollection:       "runs",
			ParametersCollection: "parameters",
		},
		Credentials: Credentials{
			Source:      SourceEnv,
			Prefix:      "REMEXEC",
			DialTimeout: 30 * time.Second,
		},
		Jobs: Jobs{
			CommandDelay: orchestrator.DefaultCommandDelay,
		},
	}
}

var validate = validator.New()

// Validate checks field constraints, then that the job section yields a
// usable batch builder.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", batch.ErrConfiguration, err)
	}
	if c.Credentials.Source == SourceMongo && c.Mongo.URI == "" {
		return fmt.Errorf("%w: credentials.source is mongo but mongo.uri is empty", batch.ErrConfiguration)
	}
	if _, err := c.Builder(); err != nil {
		return err
	}
	seen := make(map[string]bool, len(c.Schedules))
	for _, s := range c.Schedules {
		if seen[s.Name] {
			return fmt.Errorf("%w: duplicate schedule %q", batch.ErrConfiguration, s.Name)
		}
		seen[s.Name] = true
		if err := s.Job.Validate(); err != nil {
			return fmt.Errorf("schedule %q: %w", s.Name, err)
		}
	}
	return nil
}

// BatchConfig is the builder's view of the job section.
func (c Config) BatchConfig() batch.Config {
	return batch.Config{
		YearRange:       c.Jobs.YearRange,
		DefaultTemplate: c.Jobs.DefaultTemplate,
		Templates:       c.Jobs.Templates,
		Locations:       c.Jobs.Products,
	}
}

func (c Config) Builder() (*batch.Builder, error) {
	return batch.NewBuilder(c.BatchConfig())
}

func (c Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{CommandDelay: c.Jobs.CommandDelay}
}

// CredentialProvider returns the configured credential source. parameters
// is the Mongo parameters collection; it may be nil for the env source.
func (c Config) CredentialProvider(parameters credentials.Finder) (credentials.Provider, error) {
	switch c.Credentials.Source {
	case SourceMongo:
		if parameters == nil {
			return nil, fmt.Errorf("%w: credentials.source is mongo but no parameters collection is available", batch.ErrConfiguration)
		}
		return credentials.NewParameterStore(parameters, c.Credentials.Prefix), nil
	default:
		return credentials.NewEnvProvider(c.Credentials.Prefix, c.Credentials.EnvFiles...), nil
	}
}

// Load reads the store over the defaults and validates the result.
func Load(ctx context.Context, store configstore.ConfigStore) (Config, error) {
	cfg := Default()
	if err := store.Load(ctx, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
