package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/fleetsched/internal/auth"
	"github.com/example/fleetsched/internal/fleetstatus"
	outboxworker "github.com/example/fleetsched/internal/outbox"
	"github.com/example/fleetsched/internal/scheduler/availability"
	"github.com/example/fleetsched/internal/scheduler/domain"
	"github.com/example/fleetsched/internal/scheduler/handler"
	"github.com/example/fleetsched/internal/scheduler/lock"
	"github.com/example/fleetsched/internal/scheduler/repository"
	schedservice "github.com/example/fleetsched/internal/scheduler/service"
	"github.com/example/fleetsched/pkg/observability"
	outboxpkg "github.com/example/fleetsched/pkg/outbox"
)

type appConfig struct {
	HTTPAddr    string
	GRPCAddr    string
	PostgresDSN string
	RedisAddr   string
	NATSURL     string
	JWTSecret   string
	GraceWindow time.Duration
	LeaseTTL    time.Duration
	OutboxPoll  time.Duration
	OutboxBatch int
	OutboxRetry int
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("scheduler-service")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "scheduler-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg := loadConfig()

	var db *sql.DB
	if cfg.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
	}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("schedulerservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	var repo domain.Repository
	var events domain.EventPublisher
	if db != nil {
		pg := repository.NewPostgresRepository(db)
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
		store := outboxworker.NewStore(db, "booking.events")
		if err := store.Migrate(ctx); err != nil {
			logger.Fatal("migrate outbox", zap.Error(err))
		}
		repo = pg
		events = store
	} else {
		repo = repository.NewMemoryRepository()
		events = outboxpkg.NewPublisher(natsConn, "booking.events")
	}

	index := availability.NewIndex(repo)
	svc := schedservice.New(repo, index, events, domain.SystemClock{},
		repository.NewMemoryIdempotencyRepo(), schedservice.Config{GraceWindow: cfg.GraceWindow})
	if redisClient != nil {
		svc.UseLease(lock.NewRedisLease(redisClient, ""), uuid.NewString(), cfg.LeaseTTL)
	}

	schedHTTP := handler.NewHTTP(svc)

	r := chi.NewRouter()
	if cfg.JWTSecret != "" {
		r.With(auth.Middleware(cfg.JWTSecret)).Mount("/", schedHTTP.Router())
	} else {
		r.Mount("/", schedHTTP.Router())
	}
	var readyChecks []observability.ReadyCheck
	if db != nil {
		readyChecks = append(readyChecks, db.PingContext)
	}
	if redisClient != nil {
		readyChecks = append(readyChecks, func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}
	r.Mount("/observability", observability.MetricsRouter(readyChecks...))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	if db != nil && natsConn != nil {
		worker := outboxworker.NewWorker(db, natsConn, logger.Named("outbox"), outboxworker.WorkerConfig{
			PollInterval: cfg.OutboxPoll,
			BatchSize:    cfg.OutboxBatch,
			RetryMax:     cfg.OutboxRetry,
		})
		go func() {
			if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("outbox worker stopped", zap.Error(err))
			}
		}()
	} else if db != nil {
		logger.Warn("outbox worker disabled, no NATS connection")
	}

	grpcServer := grpc.NewServer()
	fleetstatus.RegisterFleetStatusServer(grpcServer, fleetstatus.NewServer(svc, logger.Named("fleetstatus")))
	go func() {
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			logger.Fatal("grpc listen", zap.Error(err))
		}
		logger.Info("fleet status stream listening", zap.String("addr", cfg.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("grpc server", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("scheduler service listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	grpcServer.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func loadConfig() appConfig {
	return appConfig{
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		GRPCAddr:    getenv("GRPC_ADDR", ":9090"),
		PostgresDSN: firstNonEmpty(os.Getenv("POSTGRES_DSN"), os.Getenv("DATABASE_URL")),
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		NATSURL:     os.Getenv("NATS_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		GraceWindow: time.Duration(parseIntEnv("GRACE_WINDOW_MIN", 15)) * time.Minute,
		LeaseTTL:    time.Duration(parseIntEnv("LEASE_TTL_SEC", 10)) * time.Second,
		OutboxPoll:  time.Duration(parseIntEnv("OUTBOX_POLL_MS", 200)) * time.Millisecond,
		OutboxBatch: parseIntEnv("OUTBOX_BATCH", 100),
		OutboxRetry: parseIntEnv("OUTBOX_RETRY_MAX", 3),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}
