package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "stepflow/configs"
	"stepflow/pkg/coordination/etcd"
	"stepflow/pkg/events"
	"stepflow/pkg/executor"
	"stepflow/pkg/logger"
	tracing "stepflow/pkg/observability"
	"stepflow/pkg/queue"
	"stepflow/pkg/resilience"
	"stepflow/pkg/storage/object"
	"stepflow/pkg/storage/postgres"
	"stepflow/pkg/worker"
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
		Service:  "stepflow-worker",
	})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enable {
		tp, err := tracing.Init(ctx, tracing.Config{
			ServiceName:  "stepflow-worker",
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

	objects, err := object.NewStore(ctx, object.Config{
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Bucket:    cfg.S3.Bucket,
		Region:    cfg.S3.Region,
	})
	if err != nil {
		log.Fatal("failed to initialize object store", zap.Error(err))
	}

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

	consumer, err := q.Consumer(ctx)
	if err != nil {
		log.Fatal("failed to create consumer", zap.Error(err))
	}

	coord, err := etcd.NewEtcdCoordinator(cfg.Etcd.Endpoints, 15)
	if err != nil {
		log.Fatal("failed to connect to etcd", zap.Error(err))
	}
	defer coord.Close()

	breakers := resilience.NewRegistry(resilience.DefaultCircuitBreakerConfig())
	registry := executor.NewRegistry(
		executor.NewHTTPExecutor(breakers),
		executor.NewSQLExecutor(store.DB(), breakers),
		executor.NewFileExecutor(objects),
		executor.NewSFTPExecutor(objects, nil, breakers),
	)

	w := worker.New(worker.Config{
		Concurrency:      cfg.Worker.Concurrency,
		FetchBatch:       cfg.Worker.FetchBatch,
		FetchWaitSeconds: cfg.Worker.FetchWaitSeconds,
		NakDelaySeconds:  cfg.Worker.NakDelaySeconds,
		HeartbeatSeconds: cfg.Worker.HeartbeatSeconds,
	}, consumer, store, store, store, objects, registry, coord, events.NewPublisher(q.Conn()))

	log.Info("worker starting", zap.String("id", w.ID))

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("draining", zap.String("signal", sig.String()))

	// Stop fetching new work, then let in-flight executions reach a step
	// boundary before the grace timer forces them out.
	cancel()
	<-done
	w.Drain(time.Duration(cfg.Worker.GraceSeconds) * time.Second)
	log.Info("shutdown complete")
}
