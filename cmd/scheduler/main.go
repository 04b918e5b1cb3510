package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	config "stepflow/configs"
	"stepflow/pkg/coordination/etcd"
	"stepflow/pkg/events"
	"stepflow/pkg/lock"
	"stepflow/pkg/logger"
	tracing "stepflow/pkg/observability"
	"stepflow/pkg/queue"
	"stepflow/pkg/scheduler"
	"stepflow/pkg/storage/postgres"
)

func main() {
	cfgPath := os.Getenv("STEPFLOW_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		panic(err)
	}

	log, err := logger.Init(logger.Config{
		Level:    cfg.Log.Level,
		Encoding: cfg.Log.Encoding,
		Service:  "stepflow-scheduler",
	})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enable {
		tp, err := tracing.Init(ctx, tracing.Config{
			ServiceName:  "stepflow-scheduler",
			Endpoint:     cfg.Tracing.Endpoint,
			Enabled:      true,
			SamplingRate: cfg.Tracing.SampleRatio,
		})
		if err != nil {
			log.Fatal("failed to init tracing", zap.Error(err))
		}
		defer tp.Shutdown(context.Background())
	}

	store, err := postgres.NewStore(postgres.Config{
		URL:                   cfg.Postgres.URL,
		MaxConnections:        cfg.Postgres.MaxConnections,
		MinConnections:        cfg.Postgres.MinConnections,
		ConnectTimeoutSeconds: cfg.Postgres.ConnectTimeoutSeconds,
	})
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}
	defer store.Close()

	q, err := queue.New(ctx, queue.Config{
		URL:                   cfg.NATS.URL,
		StreamName:            cfg.NATS.StreamName,
		ConsumerName:          cfg.NATS.ConsumerName,
		MaxDeliver:            cfg.NATS.MaxDeliver,
		AckWaitSeconds:        cfg.NATS.AckWaitSeconds,
		PublishTimeoutSeconds: cfg.NATS.PublishTimeoutSeconds,
		PublishMaxRetries:     cfg.NATS.PublishMaxRetries,
	})
	if err != nil {
		log.Fatal("failed to initialize queue", zap.Error(err))
	}
	defer q.Close()

	locks, err := lock.NewRedisLock(lock.Config{URL: cfg.Redis.URL})
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}

	coord, err := etcd.NewEtcdCoordinator(cfg.Etcd.Endpoints, 15)
	if err != nil {
		log.Fatal("failed to connect to etcd", zap.Error(err))
	}
	defer coord.Close()

	core := scheduler.New(scheduler.Config{
		PollIntervalSeconds:      cfg.Scheduler.PollIntervalSeconds,
		LockTTLSeconds:           cfg.Scheduler.LockTTLSeconds,
		BatchSize:                cfg.Scheduler.BatchSize,
		ReconcileIntervalSeconds: cfg.Scheduler.ReconcileIntervalSeconds,
		StalePendingSeconds:      cfg.Scheduler.StalePendingSeconds,
		HeartbeatSeconds:         cfg.Scheduler.HeartbeatSeconds,
	}, store, store, q, q, locks, coord, events.NewPublisher(q.Conn()))

	log.Info("scheduler starting", zap.String("id", core.ID))

	done := make(chan struct{})
	go func() {
		core.Run(ctx)
		close(done)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("shutting down", zap.String("signal", sig.String()))

	cancel()
	<-done
	log.Info("shutdown complete")
}
