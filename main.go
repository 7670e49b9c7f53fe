package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/xiaopohou/MessageCenter/internal/config"
	"github.com/xiaopohou/MessageCenter/internal/consumer"
	"github.com/xiaopohou/MessageCenter/internal/delivery"
	"github.com/xiaopohou/MessageCenter/internal/handler"
	"github.com/xiaopohou/MessageCenter/internal/journal"
	"github.com/xiaopohou/MessageCenter/internal/log"
	"github.com/xiaopohou/MessageCenter/internal/message"
	"github.com/xiaopohou/MessageCenter/internal/metrics"
	"github.com/xiaopohou/MessageCenter/internal/queue"
	"github.com/xiaopohou/MessageCenter/internal/server"
	"github.com/xiaopohou/MessageCenter/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := log.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalw("Failed to load config", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.QueueAddr,
		Password: cfg.QueuePassword,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatalw("Failed to connect to queue broker", "error", err)
	}
	defer rdb.Close()

	db, err := store.NewConnection(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatalw("Failed to connect to database", "error", err)
	}
	defer db.Close()

	fullReg := message.FullRegistry()
	queueReg := message.QueueRegistry()

	msgStore := store.NewMessageStore(db, fullReg, logger)
	if err := msgStore.Migrate(ctx); err != nil {
		logger.Fatalw("Failed to migrate schema", "error", err)
	}

	jrnl, err := journal.Open(cfg.JournalDir)
	if err != nil {
		logger.Fatalw("Failed to open envelope journal", "error", err)
	}
	defer jrnl.Close()

	queueClient, err := queue.New(cfg, rdb, queueReg, jrnl, logger)
	if err != nil {
		logger.Fatalw("Failed to initialize queue client", "error", err)
	}
	if err := queueClient.Recover(ctx); err != nil {
		logger.Fatalw("Failed to recover journaled envelopes", "error", err)
	}

	handlers, err := handler.NewTable(msgStore, queueClient, queueReg, cfg.ConsumerID, logger)
	if err != nil {
		logger.Fatalw("Failed to build handler table", "error", err)
	}

	// The hosting process supplies one delivery client per outbound type.
	// LogClient stands in until real transports are plugged in.
	clients, err := delivery.NewRegistry(
		delivery.NewLogClient(message.TypeEmail, logger),
		delivery.NewLogClient(message.TypeSMS, logger),
		delivery.NewLogClient(message.TypeQQ, logger),
		delivery.NewLogClient(message.TypeWeChat, logger),
	)
	if err != nil {
		logger.Fatalw("Failed to build delivery registry", "error", err)
	}

	pipelineMetrics := metrics.NewPipelineMetrics(queueClient, logger)
	go pipelineMetrics.Run(ctx)

	dedup := consumer.NewRedisDeduper(rdb, cfg.DedupTTL)
	consumerSrv := consumer.New(queueClient, clients, handlers, msgStore, dedup, cfg, pipelineMetrics, logger)
	if err := consumerSrv.Start(ctx); err != nil {
		logger.Fatalw("Failed to start consumer", "error", err)
	}

	r := chi.NewRouter()
	server.SetupRouter(r, cfg, handlers, fullReg, msgStore, db, rdb, pipelineMetrics)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	go func() {
		logger.Infow("Server starting", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("Server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Errorw("Server shutdown failed", "error", err)
	}
	if err := consumerSrv.Stop(); err != nil {
		logger.Errorw("Consumer shutdown failed", "error", err)
	}
}
