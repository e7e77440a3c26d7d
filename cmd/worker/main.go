package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/ai-relay/internal/ai"
	"github.com/suPer8Hu/ai-relay/internal/config"
	"github.com/suPer8Hu/ai-relay/internal/db"
	"github.com/suPer8Hu/ai-relay/internal/jobs"
	"github.com/suPer8Hu/ai-relay/internal/store/rabbitmq"
	"github.com/suPer8Hu/ai-relay/internal/store/redisstore"
	"github.com/suPer8Hu/ai-relay/pkg/logger"
)

const maxAttempts = 3

func retryDelay(attempt int) time.Duration {
	return time.Duration(attempt) * 5 * time.Second
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}
	logger.Init(cfg.LogLevel, cfg.LogFormat)

	gdb, err := db.Open(cfg.DBDSN)
	if err != nil {
		logger.Fatalf("db open: %v", err)
	}
	repo := jobs.NewRepo(gdb)
	if err := repo.AutoMigrate(); err != nil {
		logger.Fatalf("db migrate: %v", err)
	}

	rds := redisstore.New(redisstore.Options{
		Addr:      cfg.RedisAddr,
		Password:  cfg.RedisPassword,
		DB:        cfg.RedisDB,
		StreamTTL: cfg.StreamTTL,
		FeedTTL:   cfg.JobFeedTTL,
	})
	defer rds.Close()

	// Provider registry, routed by AI_PROVIDER
	reg := ai.NewDefaultRegistry(cfg.Engines())
	worker := jobs.NewWorker(repo, reg, rds.Feed(), cfg.AIProvider, "", cfg.JobTimeout)

	retries, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		logger.Fatalf("rabbit publisher: %v", err)
	}
	defer retries.Close()

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		logger.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		logger.Fatalf("queue declare: %v", err)
	}

	//  strict concurrency control
	concurrency := cfg.WorkerConcurrency

	if err := ch.Qos(concurrency, 0, false); err != nil {
		logger.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		logger.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infof("worker started, queue=%s concurrency=%d provider=%s", cfg.RabbitQueue, concurrency, cfg.AIProvider)

	// worker pool
	deliveries := make(chan amqp.Delivery, concurrency*2)

	disp := newDispatcher(worker, retries)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range deliveries {
				disp.handle(ctx, workerID, d)
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			logger.Infof("worker shutting down")
			close(deliveries)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				logger.Errorf("delivery channel closed")
				close(deliveries)
				wg.Wait()
				os.Exit(1)
			}
			deliveries <- d
		}
	}
}
