// The dispatcher runs remote command batches for jobs arriving over Kafka,
// over HTTP and from cron schedules, and records every job's Result.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"

	"github.com/andrej220/remexec/internal/credentials"
	"github.com/andrej220/remexec/internal/dispatch"
	"github.com/andrej220/remexec/internal/orchestrator"
	"github.com/andrej220/remexec/internal/runstore"
	"github.com/andrej220/remexec/internal/scheduler"
	"github.com/andrej220/remexec/internal/serverutil"
	"github.com/andrej220/remexec/internal/settings"
	"github.com/andrej220/remexec/internal/sshexec"
	"github.com/andrej220/remexec/internal/tracing"
	"github.com/andrej220/remexec/pkg/config"
	"github.com/andrej220/remexec/pkg/consumer"
	"github.com/andrej220/remexec/pkg/jobspec"
	"github.com/andrej220/remexec/pkg/lg"
	"github.com/andrej220/remexec/pkg/workerpool"
)

const mongoConnectTimeout = 10 * time.Second

func main() {
	logger := lg.New(lg.NewConfigFromFlags(SERVICENAME))
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(lg.Attach(ctx, logger), logger); err != nil {
		logger.Error("Fatal error", lg.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, logger lg.Logger) error {
	st, stCfg, err := storeConfig()
	if err != nil {
		return err
	}
	store, err := config.NewStore(ctx, st, stCfg)
	if err != nil {
		return fmt.Errorf("opening config store: %w", err)
	}
	defer store.Close(context.Background())

	cfg, err := settings.Load(ctx, store)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger = logger.With(lg.String("instance", cfg.Service.Name))

	shutdownTracing, err := tracing.Init(cfg.Service.Name, cfg.Tracing.Enabled, os.Stderr)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer shutdownTracing(context.Background())

	var mongoClient *mongo.Client
	if cfg.Mongo.URI != "" {
		mctx, cancel := context.WithTimeout(ctx, mongoConnectTimeout)
		mongoClient, err = mongo.Connect(mctx, options.Client().ApplyURI(cfg.Mongo.URI))
		cancel()
		if err != nil {
			return fmt.Errorf("connecting to MongoDB: %w", err)
		}
		defer mongoClient.Disconnect(context.Background())
	}

	var parameters credentials.Finder
	if mongoClient != nil {
		parameters = mongoClient.Database(cfg.Mongo.Database).Collection(cfg.Mongo.ParametersCollection)
	}
	provider, err := cfg.CredentialProvider(parameters)
	if err != nil {
		return err
	}

	var (
		reporters []dispatch.Reporter
		runs      *runstore.Store
	)
	if mongoClient != nil && cfg.Mongo.RunsCollection != "" {
		runs = runstore.New(mongoClient.Database(cfg.Mongo.Database).Collection(cfg.Mongo.RunsCollection))
		reporters = append(reporters, runs)
	}
	if cfg.Kafka.ResultTopic != "" {
		pub := consumer.NewPublisher[orchestrator.Result](consumer.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.ResultTopic})
		defer pub.Close()
		reporters = append(reporters, dispatch.ReporterFunc(func(ctx context.Context, r orchestrator.Result) error {
			return pub.Publish(ctx, []byte(r.JobID), r)
		}))
	}

	builder, err := cfg.Builder()
	if err != nil {
		return err
	}
	dialer := sshexec.NewDialer(cfg.Credentials.KnownHosts, cfg.Credentials.DialTimeout)
	svc, err := dispatch.New(dispatch.Config{
		Builder:      builder,
		Orchestrator: cfg.OrchestratorConfig(),
		Credentials:  provider,
		Connect:      dialer.Connector,
		Reporters:    reporters,
	})
	if err != nil {
		return err
	}

	pool := workerpool.NewPool[jobspec.Request](cfg.Service.MaxWorkers)
	defer pool.Stop()

	a := &app{logger: logger, svc: svc, pool: pool, jobTimeout: cfg.Service.JobTimeout}
	if runs != nil {
		a.runs = runs
	}

	sched := scheduler.New(a, logger)
	if err := sched.Set(cfg.Schedules); err != nil {
		return err
	}

	if err := store.Watch(ctx, func() { reload(ctx, store, svc, sched, logger) }); err != nil {
		if !errors.Is(err, config.ErrWatchUnsupported) {
			return fmt.Errorf("watching config: %w", err)
		}
		logger.Info("config hot reload disabled", lg.Err(err))
	}

	srvCfg := serverutil.DefaultServerConfig()
	srvCfg.Addr = cfg.Service.HTTPAddr
	srvCfg.Logger = logger
	// synchronous runs hold the response open for the whole job
	srvCfg.WriteTimeout = cfg.Service.JobTimeout + time.Minute

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return serverutil.RunServer(gctx, a.routes(cfg.Service.HTTPPath), srvCfg)
	})
	g.Go(func() error {
		return sched.Start(lg.Attach(gctx, logger))
	})
	if cfg.Kafka.Topic != "" {
		cons := consumer.NewConsumer[jobspec.Request](consumer.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		})
		defer cons.Close()
		logger.Info("consuming jobs", lg.Strings("brokers", cfg.Kafka.Brokers), lg.String("topic", cfg.Kafka.Topic))
		g.Go(func() error {
			return a.consume(gctx, cons)
		})
	}

	logger.Info("dispatcher started",
		lg.String("addr", cfg.Service.HTTPAddr),
		lg.Int("max_workers", cfg.Service.MaxWorkers),
		lg.Int("schedules", len(cfg.Schedules)))
	err = g.Wait()
	logger.Info("dispatcher stopping, waiting for running jobs")
	return err
}

// reload applies a changed job configuration. Service, Kafka and Mongo
// settings need a restart; a config that fails validation is ignored.
func reload(ctx context.Context, store config.Config, svc *dispatch.Service, sched *scheduler.Scheduler, logger lg.Logger) {
	cfg, err := settings.Load(ctx, store)
	if err != nil {
		logger.Error("config reload rejected", lg.Err(err))
		return
	}
	builder, err := cfg.Builder()
	if err != nil {
		logger.Error("config reload rejected", lg.Err(err))
		return
	}
	if err := sched.Set(cfg.Schedules); err != nil {
		logger.Error("config reload rejected", lg.Err(err))
		return
	}
	svc.Update(builder, cfg.OrchestratorConfig())
	logger.Info("config reloaded", lg.Int("templates", len(cfg.Jobs.Templates)), lg.Int("schedules", len(cfg.Schedules)))
}
