package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/booking-notifications/internal/alert"
	"github.com/iliyamo/booking-notifications/internal/config"
	"github.com/iliyamo/booking-notifications/internal/database"
	"github.com/iliyamo/booking-notifications/internal/handler"
	"github.com/iliyamo/booking-notifications/internal/logging"
	"github.com/iliyamo/booking-notifications/internal/notify"
	"github.com/iliyamo/booking-notifications/internal/outbox"
	"github.com/iliyamo/booking-notifications/internal/queue"
	"github.com/iliyamo/booking-notifications/internal/repository"
	"github.com/iliyamo/booking-notifications/internal/router"
	"github.com/iliyamo/booking-notifications/internal/sender"
	"github.com/iliyamo/booking-notifications/internal/service"
)

// store is what both the booking service and the outbox forwarder need.
type store interface {
	service.Store
	outbox.Store
}

func main() {
	cfg := config.Load()
	log, err := logging.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped with error", zap.Error(err))
	}
	log.Info("server stopped")
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("starting", zap.Strings("roles", cfg.Roles),
		zap.String("store", cfg.StoreBackend), zap.String("queue", cfg.Queue.Backend))
	if cfg.Queue.Backend == config.BackendMemory && !(cfg.HasRole(config.RoleAPI) && cfg.HasRole(config.RoleNotifier)) {
		log.Warn("memory queue with a single role: messages never leave this process")
	}

	rdb, err := connectRedis(cfg, log)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	st, db, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	var alerts alert.Publisher = alert.NewLogPublisher(log)
	if len(cfg.KafkaBrokers) > 0 {
		alerts = alert.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaAlertTopic, log)
	}
	defer alerts.Close()

	stats := &notify.Stats{}
	newQueue := queueFactory(cfg, rdb, stats, alerts, log)
	bookingQ, emailQ, phoneQ := newQueue(cfg.Queue.Booking), newQueue(cfg.Queue.Email), newQueue(cfg.Queue.Phone)
	defer func() {
		for _, q := range []queue.Queue{bookingQ, emailQ, phoneQ} {
			if err := q.Close(); err != nil {
				log.Error("queue closed with messages left", zap.Error(err))
			}
		}
	}()

	var locks service.Locker = service.NewKeyedMutex()
	if cfg.LockBackend == config.BackendRedis {
		locks = service.NewRedisLocker(rdb, cfg.Queue.KeyPrefix, cfg.LockTTL)
	}
	svc := service.NewBookingService(st, locks, log)

	g, gctx := errgroup.WithContext(ctx)

	if cfg.HasRole(config.RoleAPI) {
		fwd := outbox.NewForwarder(st, bookingQ, alerts, outbox.Config{
			PollInterval: cfg.Outbox.PollInterval,
			BatchSize:    cfg.Outbox.BatchSize,
			AlertAfter:   cfg.Outbox.AlertAfter,
		}, log)
		g.Go(func() error { return fwd.Run(gctx) })

		checks := map[string]handler.Check{}
		if db != nil {
			checks["mysql"] = db.PingContext
		}
		if rdb != nil {
			checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		}
		var limiter redis.Scripter
		if rdb != nil {
			limiter = rdb
		}

		e := echo.New()
		e.HideBanner = true
		router.RegisterRoutes(e, router.Deps{
			Bookings: handler.NewBookingHandler(svc, log),
			Admin: handler.NewAdminHandler(svc, map[string]queue.Queue{
				"booking": bookingQ,
				"email":   emailQ,
				"phone":   phoneQ,
			}, stats, log),
			Checks:    checks,
			JWTSecret: cfg.JWTSecret,
			RateLimit: cfg.RateLimit,
			Limiter:   limiter,
			Log:       log,
		})

		addr := ":" + cfg.Port
		g.Go(func() error {
			log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env))
			if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return e.Shutdown(sctx)
		})
	}

	if cfg.HasRole(config.RoleNotifier) {
		if missing := notify.MissingRules(notify.DefaultRules()); len(missing) > 0 {
			log.Warn("operations without a routing rule", zap.Any("operations", missing))
		}
		email, phone, err := newSenders(ctx, cfg, log)
		if err != nil {
			return err
		}
		var dedup notify.DedupStore = notify.NewMemoryDedup()
		if cfg.Dispatch.DedupBackend == config.BackendRedis {
			dedup = notify.NewRedisDedup(rdb, cfg.Queue.KeyPrefix)
		}
		deps := notify.Deps{Dedup: dedup, Stats: stats, Alerts: alerts, Log: log}
		dcfg := notify.DispatchConfig{
			SendTimeout: cfg.Dispatch.SendTimeout,
			MaxAttempts: cfg.Dispatch.MaxAttempts,
			BaseBackoff: cfg.Dispatch.BackoffBase,
			MaxBackoff:  cfg.Dispatch.BackoffMax,
			DedupWindow: cfg.Dispatch.DedupWindow,
			Visibility:  cfg.Queue.Visibility,
		}
		wcfg := notify.WorkerConfig{
			Concurrency:   cfg.Worker.Concurrency,
			BatchSize:     cfg.Worker.BatchSize,
			PollInterval:  cfg.Worker.PollInterval,
			Visibility:    cfg.Queue.Visibility,
			HandleTimeout: cfg.Worker.HandleTimeout,
			DrainTimeout:  cfg.Worker.DrainTimeout,
			RetryBase:     cfg.Worker.RetryBase,
			RetryMax:      cfg.Worker.RetryMax,
		}

		rt := notify.NewRouter(emailQ, phoneQ, notify.DefaultRules(), stats, alerts, log)
		routeW := notify.NewWorker[queue.BookingNotificationMessage](bookingQ, rt, wcfg, stats, log)
		emailW := notify.NewWorker[queue.EmailTaskMessage](emailQ, notify.NewEmailDispatcher(email, deps, dcfg), wcfg, stats, log)
		phoneW := notify.NewWorker[queue.PhoneTaskMessage](phoneQ, notify.NewPhoneDispatcher(phone, deps, dcfg), wcfg, stats, log)

		g.Go(func() error { return routeW.Run(gctx) })
		g.Go(func() error { return emailW.Run(gctx) })
		g.Go(func() error { return phoneW.Run(gctx) })
	}

	err = g.Wait()
	log.Info("shutdown complete", zap.Any("stats", stats.Snapshot()))
	return err
}

func connectRedis(cfg config.Config, log *zap.Logger) (*redis.Client, error) {
	rdb, err := config.NewRedisClient(cfg.Redis)
	if err == nil {
		return rdb, nil
	}
	if cfg.NeedsRedis() {
		return nil, err
	}
	// rate limiting is the only optional redis user
	log.Warn("redis unavailable; rate limiting disabled", zap.Error(err))
	return nil, nil
}

func openStore(cfg config.Config, log *zap.Logger) (store, *sql.DB, error) {
	if cfg.StoreBackend == config.BackendMemory {
		log.Warn("using in-memory booking store; data is lost on restart")
		return repository.NewMemoryStore(), nil, nil
	}
	db, err := database.Open(cfg.DBUser, cfg.DBPass, cfg.DBHost, cfg.DBPort, cfg.DBName)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.DBMigrate {
		if err := database.Migrate(db); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info("database migrations applied")
	}
	return repository.NewBookingRepo(db), db, nil
}

func queueFactory(cfg config.Config, rdb *redis.Client, stats *notify.Stats, alerts alert.Publisher, log *zap.Logger) func(name string) queue.Queue {
	opts := []queue.Option{
		queue.WithMaxAttempts(cfg.Queue.MaxAttempts),
		queue.WithDeadLetterHook(notify.DeadLetterObserver(stats, alerts, log)),
	}
	return func(name string) queue.Queue {
		switch cfg.Queue.Backend {
		case config.BackendRedis:
			return queue.NewRedisQueue(rdb, cfg.Queue.KeyPrefix, name, opts...)
		case config.BackendRabbitMQ:
			return queue.NewRabbitQueue(cfg.Queue.RabbitURL, name, log, opts...)
		default:
			return queue.NewMemoryQueue(name, opts...)
		}
	}
}

func newSenders(ctx context.Context, cfg config.Config, log *zap.Logger) (notify.EmailSender, notify.PhoneSender, error) {
	if cfg.SenderBackend != config.BackendAWS {
		fs := sender.NewFileSender(cfg.NotificationLogPath)
		log.Info("notifications go to file", zap.String("path", cfg.NotificationLogPath))
		return fs, fs, nil
	}
	settings := sender.Settings{
		Region:           cfg.AWS.Region,
		EndpointOverride: cfg.AWS.EndpointOverride,
		AccessKey:        cfg.AWS.AccessKey,
		SecretKey:        cfg.AWS.SecretKey,
		FromAddress:      cfg.AWS.FromAddress,
	}
	awsCfg, err := sender.LoadAWSConfig(ctx, settings)
	if err != nil {
		return nil, nil, err
	}
	ses, err := sender.NewSESSender(awsCfg, settings, log)
	if err != nil {
		return nil, nil, err
	}
	return ses, sender.NewSNSSender(awsCfg, settings, log), nil
}
