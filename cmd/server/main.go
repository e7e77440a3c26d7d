package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suPer8Hu/ai-relay/internal/ai"
	"github.com/suPer8Hu/ai-relay/internal/budget"
	"github.com/suPer8Hu/ai-relay/internal/chat"
	"github.com/suPer8Hu/ai-relay/internal/config"
	"github.com/suPer8Hu/ai-relay/internal/db"
	"github.com/suPer8Hu/ai-relay/internal/httpapi"
	"github.com/suPer8Hu/ai-relay/internal/httpapi/handlers"
	"github.com/suPer8Hu/ai-relay/internal/jobs"
	"github.com/suPer8Hu/ai-relay/internal/security"
	"github.com/suPer8Hu/ai-relay/internal/store/rabbitmq"
	"github.com/suPer8Hu/ai-relay/internal/store/redisstore"
	"github.com/suPer8Hu/ai-relay/internal/stream"
	"github.com/suPer8Hu/ai-relay/pkg/logger"
	"golang.org/x/sync/errgroup"
)

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

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		logger.Fatalf("rabbit publisher: %v", err)
	}
	defer pub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// producers outlive their request but not the process
	base, cancelBase := context.WithCancel(context.Background())
	defer cancelBase()

	reg := ai.NewDefaultRegistry(cfg.Engines())
	streams := stream.NewController(rds.Registry(), rds.Ledger(), cfg.StreamPollInterval)
	chatSvc := chat.NewService(base, reg, security.NewBasic(cfg.MaxQueryChars, cfg.BlockedPhrases), streams, chat.Options{
		Provider:          cfg.AIProvider,
		ContextWindowSize: cfg.ChatContextWindowSize,
		Budget: budget.Calculator{
			HostMax: map[string]time.Duration{
				budget.RouteStream: cfg.HostMaxDuration,
				budget.RouteResume: cfg.HostMaxDurationResume,
			},
			DefaultMax: cfg.HostMaxDuration,
			Reserve:    cfg.TeardownReserve,
			SoftTarget: cfg.StreamSoftTarget,
			Floor:      cfg.StreamRouteFloor,
		},
	})
	jobSvc := jobs.NewService(repo, pub, rds.Feed())

	h := handlers.NewHandler(chatSvc, jobSvc, rds.Feed(), rds)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(cfg, h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("listening on %s provider=%s engines=%v", cfg.HTTPAddr, cfg.AIProvider, reg.Names())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Infof("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.TeardownReserve+5*time.Second)
		defer cancel()
		err := srv.Shutdown(sctx)

		// detached producers get the rest of the window to finish
		done := make(chan struct{})
		go func() {
			chatSvc.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-sctx.Done():
			cancelBase()
			<-done
		}
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Fatalf("server: %v", err)
	}
}
