package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "stepflow/configs"
	"stepflow/pkg/api"
	"stepflow/pkg/coordination/etcd"
	"stepflow/pkg/logger"
	tracing "stepflow/pkg/observability"
	"stepflow/pkg/queue"
	"stepflow/pkg/storage/object"
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
		Service:  "stepflow-api",
	})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Tracing.Enable {
		tp, err := tracing.Init(ctx, tracing.Config{
			ServiceName:  "stepflow-api",
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

	coord, err := etcd.NewEtcdCoordinator(cfg.Etcd.Endpoints, 15)
	if err != nil {
		log.Fatal("failed to connect to etcd", zap.Error(err))
	}
	defer coord.Close()

	server := api.NewServer(api.Config{
		Port:        cfg.API.Port,
		JobStore:    store,
		ExecStore:   store,
		VarStore:    store,
		Objects:     objects,
		Publisher:   q,
		Coordinator: coord,
	})

	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	log.Info("shutdown complete")
}
