package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"consultbot/internal/admintoken"
	"consultbot/internal/ratelimit"
	"consultbot/internal/util"
	"consultbot/pkg/ai"
	"consultbot/pkg/notify"
	"consultbot/pkg/questionnaire"
	"consultbot/pkg/queue"
	"consultbot/pkg/session"
	"consultbot/pkg/store"
	"consultbot/services/bot/internal/app"
	"consultbot/services/bot/internal/config"
	"consultbot/services/bot/internal/gateway"
	"consultbot/services/bot/internal/server"
)

func main() {
	path := config.ConfigPath
	if v := os.Getenv("BOT_CONFIG"); v != "" {
		path = v
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config: %v\n", err)
		os.Exit(1)
	}
	util.InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	catalog := questionnaire.Default()
	if cfg.QuestionsPath != "" {
		catalog, err = questionnaire.Load(cfg.QuestionsPath)
		if err != nil {
			util.Fatal("failed to load questions", "path", cfg.QuestionsPath, "err", err)
		}
	}

	var st store.Store
	switch cfg.Storage {
	case config.StorageMemory:
		slog.Warn("using in-memory storage; conversations are lost on restart")
		st = store.NewMemoryStore()
	default:
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			util.Fatal("failed to init postgres store", "err", err)
		}
		defer gs.Close()
		st = gs
	}

	generator, err := ai.NewTextGenerator(ai.ProviderConfig{
		Provider: cfg.GenerationProvider,
		BaseURL:  cfg.GenerationBaseURL,
		APIKey:   cfg.GenerationAPIKey,
		Model:    cfg.GenerationModel,
		Sampling: ai.Sampling{MaxTokens: cfg.GenerationMaxTokens, Temperature: cfg.GenerationTemperature},
	})
	if err != nil {
		util.Fatal("failed to init generator", "err", err)
	}

	var notifier notify.Notifier = notify.Noop{}
	if cfg.AMQPURL != "" {
		n, err := notify.NewAMQPNotifier(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			util.Fatal("failed to init lead notifier", "err", err)
		}
		defer n.Close()
		notifier = n
	}

	core, err := app.New(app.Config{
		Store:             st,
		Catalog:           catalog,
		Recommender:       ai.NewPromptRecommender(generator),
		Notifier:          notifier,
		BeginPolicy:       app.BeginPolicy(cfg.BeginPolicy),
		GenerationTimeout: cfg.GenerationTimeout(),
	})
	if err != nil {
		util.Fatal("failed to init app", "err", err)
	}

	var (
		sessions session.Store
		jobs     queue.Queue
		limiter  gateway.Limiter
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		sessions = session.NewRedisStore(rdb, "", cfg.SessionTTL())
		jobs, err = queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Client:     rdb,
			Stream:     cfg.QueueStream,
			Group:      cfg.QueueGroup,
			MaxRetries: cfg.QueueMaxRetries,
		})
		if err != nil {
			util.Fatal("failed to init generation queue", "err", err)
		}
		if cfg.AnswerRateLimitPerMinute > 0 {
			l, err := ratelimit.NewFixedWindowLimiter(rdb, "", cfg.AnswerRateLimitPerMinute, time.Minute)
			if err != nil {
				util.Fatal("failed to init rate limiter", "err", err)
			}
			limiter = l
		}
	} else {
		slog.Warn("redis not configured; sessions and generation jobs are kept in memory")
		sessions = session.NewMemoryStore()
		jobs = queue.NewLocalQueue()
	}

	telegram, err := gateway.NewTelegram(cfg.TelegramToken, cfg.TelegramPollTimeout, cfg.TelegramDebug)
	if err != nil {
		util.Fatal("failed to connect to telegram", "err", err)
	}
	handler, err := gateway.NewHandler(gateway.Config{
		App:        core,
		Sessions:   sessions,
		Queue:      jobs,
		Messenger:  telegram,
		Limiter:    limiter,
		ContactURL: cfg.ContactURL,
	})
	if err != nil {
		util.Fatal("failed to init handler", "err", err)
	}
	jobs.Start(ctx, cfg.QueueConcurrency, handler.HandleJob)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("bot polling", "username", telegram.Username(), "questions", catalog.Len())
		return gateway.NewDispatcher(handler, cfg.MaxConcurrentChats, 0).Run(gctx, telegram.Events(gctx))
	})

	if cfg.Port != "" {
		verifier, err := admintoken.NewVerifier(admintoken.Options{Secret: cfg.AdminJWTSecret})
		if err != nil {
			util.Fatal("failed to init operator token verifier", "err", err)
		}
		addr := ":" + cfg.Port
		srv := &http.Server{
			Addr: addr,
			Handler: server.New(server.Config{
				App:            core,
				Queue:          jobs,
				Verifier:       verifier,
				AllowedOrigins: cfg.AdminAllowedOrigins,
			}).Router(),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
		g.Go(func() error {
			slog.Info("operator api listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("bot stopped with error", "err", err)
	}
	if lq, ok := jobs.(*queue.LocalQueue); ok {
		lq.Wait()
	}
	slog.Info("bot stopped")
}
