package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/studyhub/internal/api"
	"github.com/lalith-99/studyhub/internal/chat"
	"github.com/lalith-99/studyhub/internal/clock"
	"github.com/lalith-99/studyhub/internal/config"
	"github.com/lalith-99/studyhub/internal/db"
	"github.com/lalith-99/studyhub/internal/events"
	"github.com/lalith-99/studyhub/internal/hub"
	"github.com/lalith-99/studyhub/internal/matching"
	"github.com/lalith-99/studyhub/internal/models"
	"github.com/lalith-99/studyhub/internal/observ"
	"github.com/lalith-99/studyhub/internal/presence"
	"github.com/lalith-99/studyhub/internal/relay"
	"github.com/lalith-99/studyhub/internal/repository/postgres"
	"github.com/lalith-99/studyhub/internal/timer"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName     = "studyhub-core"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	envFile := pflag.String("env-file", "", "dotenv file to load (default .env.local then .env)")
	deploymentFile := pflag.String("deployment", "", "YAML deployment file (department categories, timer defaults)")
	port := pflag.String("port", "", "HTTP port, overrides PORT")
	migrate := pflag.Bool("migrate", false, "apply the schema before serving, overrides AUTO_MIGRATE")
	pflag.Parse()

	// 1. Config and logger
	cfg, err := config.LoadConfig(*envFile, *deploymentFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *migrate {
		cfg.AutoMigrate = true
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observ.InitTracing(ctx, cfg.OTLPEndpoint, serviceName, cfg.InstanceID, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(tctx)
	}()

	// 2. Postgres
	database, err := db.New(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: int32(cfg.DBMaxConns),
		MinConns: int32(cfg.DBMinConns),
	}, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	if cfg.AutoMigrate {
		if err := database.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	clk := clock.Real()
	pool := database.Pool()
	rooms := postgres.NewRoomStore(pool)
	members := postgres.NewMemberStore(pool)
	messages := postgres.NewMessageStore(pool)
	timers := postgres.NewTimerStore(pool)
	presences := postgres.NewPresenceStore(pool)
	pools := postgres.NewPoolStore(pool)
	proposals := postgres.NewProposalStore(pool)
	stats := postgres.NewStatsStore(pool)
	users := postgres.NewUserStore(pool)

	// 3. Redis relay and the AMQP event export
	broker, err := relay.NewRedisBroker(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	defer broker.Close()

	publisher := events.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	exporter := events.NewExporter(publisher, cfg.InstanceID, clk, logger)
	logger.Info("event export", zap.String("mode", events.Mode(publisher)))

	// 4. Domain services. The hub and the relay point at each other, and
	// so do the hub and chat; the second half of each pair is set after
	// construction.
	bus := relay.New(broker, nil, cfg.PublishTimeout, logger)
	presenceSvc := presence.NewService(presences, users, bus, clk, cfg.PresenceStaleAfter, logger)
	h := hub.New(hub.Options{Bus: bus, Presence: presenceSvc, Clock: clk}, logger)
	bus.SetSink(h)

	chatSvc := chat.NewService(chat.Deps{
		Rooms:    rooms,
		Members:  members,
		Messages: messages,
		Emitter:  h,
		Exporter: exporter,
		Clock:    clk,
	}, cfg.MaxMessageLength, logger)

	timerDefaults := models.TimerSettings{
		WorkSeconds:    cfg.Deployment.Timer.WorkSeconds,
		BreakSeconds:   cfg.Deployment.Timer.BreakSeconds,
		AutoStartBreak: cfg.Deployment.Timer.AutoStartBreak,
	}
	timerSvc := timer.NewService(timers, rooms, chatSvc, h, timerDefaults, clk, logger)

	h.SetAuthorizer(chatSvc)
	h.SetHandler(api.NewFrameRouter(
		api.Handles(chat.Handles, chatSvc),
		api.Handles(timer.Handles, timerSvc),
	))

	engine := matching.NewEngine(matching.Deps{
		Pools:     pools,
		Proposals: proposals,
		Stats:     stats,
		Users:     users,
		Rooms:     chatSvc,
		Emitter:   h,
		Exporter:  exporter,
		Clock:     clk,
	}, matching.Categories(cfg.Deployment.DepartmentCategories), cfg.PoolTTL, logger)
	scheduler := matching.NewScheduler(engine, broker, cfg.InstanceID, cfg.MatchingInterval, logger)

	// 5. HTTP
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(api.Handlers{
		Rooms:    api.NewRoomHandler(chatSvc, logger),
		Members:  api.NewMembershipHandler(chatSvc, logger),
		Messages: api.NewMessageHandler(chatSvc, logger),
		Matching: api.NewMatchingHandler(engine, scheduler, logger),
		Timers:   api.NewTimerHandler(timerSvc, logger),
		Users:    api.NewUserHandler(users, presenceSvc, logger),
		Sockets:  api.NewSocketHandler(h, chatSvc, cfg.JWTSecret, logger),
		Health: map[string]api.Pinger{
			"postgres": database.Health,
			"redis":    broker.Ping,
		},
		JWTSecret:  cfg.JWTSecret,
		ServiceTag: serviceName,
	}, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("starting studyhub core",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.String("instance", cfg.InstanceID),
	)

	// 6. Run until a signal or the first failure, then drain.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return bus.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	g.Go(func() error { return presenceSvc.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		h.Close()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("stopped")
	return nil
}
