package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"canteen_order/internal/auth"
	"canteen_order/internal/canteen"
	"canteen_order/internal/config"
	"canteen_order/internal/notify"
	"canteen_order/internal/order"
	"canteen_order/internal/payment"
	"canteen_order/internal/queue"
	"canteen_order/internal/router"
	"canteen_order/internal/schedule"
	"canteen_order/internal/store"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load", slog.Any("error", err))
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.AppConfig, logger *slog.Logger) error {
	// 1. 存储
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("store ready", slog.String("driver", cfg.StoreDriver))

	// 2. Redis（outbox、持久化调度、限流）
	var rdb *rd.Client
	if cfg.NeedsRedis() {
		rdb = rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.RedisAddr, err)
		}
	}

	var workers sync.WaitGroup
	goWorker := func(fn func()) {
		workers.Add(1)
		go func() {
			defer workers.Done()
			fn()
		}()
	}

	// 3. 通知：outbox -> relay -> Kafka -> 收件箱
	var notifier notify.Notifier = notify.LogNotifier{Logger: logger}
	if cfg.Notifier == config.NotifierOutbox {
		producer := queue.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
		consumer := queue.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, st, logger)
		defer consumer.Close()

		relay := queue.NewRelay(rdb, producer, logger, cfg.NotifyStream, cfg.NotifyGroup, cfg.NotifyConsumer)
		goWorker(func() { relay.Run(ctx) })
		goWorker(func() { consumer.Run(ctx) })
		notifier = queue.NewOutbox(rdb, cfg.NotifyStream)
	}
	dispatcher := notify.NewDispatcher(notifier, st, logger, 5*time.Second)
	defer dispatcher.Wait()

	// 4. 业务服务与自动退款调度
	var (
		orders *order.Service
		timer  *schedule.Timer
	)
	switch cfg.Scheduler {
	case config.SchedulerRedis:
		sched := schedule.NewRedis(rdb, logger, cfg.SchedulerPollInt)
		orders = order.NewService(st, sched, dispatcher, logger, cfg.AutoRefundDelay)
		sched.Register(schedule.KindAutoRefund, orders.HandleAutoRefund)
		goWorker(func() { _ = sched.Run(ctx) })
	default:
		timer = schedule.NewTimer(logger)
		orders = order.NewService(st, timer, dispatcher, logger, cfg.AutoRefundDelay)
		timer.Register(schedule.KindAutoRefund, orders.HandleAutoRefund)
	}
	payments := payment.NewService(st, orders, dispatcher, logger)
	issuer := auth.NewIssuer(cfg.JWTSecret, cfg.JWTTTL)
	accounts := auth.NewAccounts(st, issuer, logger, cfg.BcryptCost)
	canteens := canteen.NewService(st, accounts, logger)

	if cfg.SeedDemo {
		if err := seedDemo(ctx, st, accounts, issuer, logger); err != nil {
			return fmt.Errorf("seed demo data: %w", err)
		}
	}

	// 5. HTTP
	r := gin.Default()
	router.Setup(r, router.Deps{
		Orders:          orders,
		Payments:        payments,
		Canteens:        canteens,
		Accounts:        accounts,
		Notifications:   st,
		Tokens:          issuer,
		Health:          st,
		Logger:          logger,
		Redis:           rdb,
		OrderRateLimit:  cfg.OrderRateLimit,
		OrderRateWindow: cfg.OrderRateWindow,
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", slog.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http serve: %w", err)
		}
	}

	// 6. 优雅退出：先停 HTTP，再停后台任务
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	if timer != nil {
		timer.Stop()
	}
	workers.Wait()
	return nil
}

func openStore(ctx context.Context, cfg config.AppConfig) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.StoreMySQL:
		return store.OpenGorm("mysql", cfg.MySQLDSN)
	case config.StoreMongo:
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return store.OpenMongo(connCtx, cfg.MongoURI, cfg.MongoDB)
	case config.StoreMemory:
		return store.NewMemory(), nil
	default:
		return store.OpenGorm("sqlite", cfg.DBPath)
	}
}

func newLogger(level, format string) *slog.Logger {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lv}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
