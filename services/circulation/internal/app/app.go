package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"libraryapi/internal/joblock"
	"libraryapi/internal/util"
	"libraryapi/pkg/notify"
	"libraryapi/pkg/queue"
	"libraryapi/pkg/sequence"
	"libraryapi/pkg/store"
)

// Counter backends.
const (
	CounterBackendPostgres = "postgres"
	CounterBackendRedis    = "redis"
)

// Rules are the circulation policy values.
type Rules struct {
	LoanPeriodDays       int
	FinePerDay           int
	OverdueThresholdDays int
}

// Config holds runtime configuration for the circulation service.
type Config struct {
	DatabaseURL string
	Store       store.Store

	RedisAddr      string
	RedisPassword  string
	CounterBackend string

	AMQPURL        string
	AMQPExchange   string
	AMQPRoutingKey string
	// Sender replaces the outbox and transport wiring when set.
	Sender notify.Sender

	Rules    Rules
	Barcodes sequence.BarcodeConfig
	Clock    func() time.Time

	SweepEvery        time.Duration
	NotificationEvery time.Duration
	JobLockTTL        time.Duration
	OutboxWorkers     int
}

// App is the circulation service: checkout and return, fines, patron
// status, overdue sweeps and due-date notifications.
type App struct {
	store     store.Store
	seq       *sequence.Sequencer
	sender    notify.Sender
	transport notify.Sender
	outbox    *queue.RedisOutbox
	locker    *joblock.Locker
	redis     *redis.Client
	amqp      *notify.AMQPSender
	rules     Rules
	now       func() time.Time

	sweepEvery    time.Duration
	notifyEvery   time.Duration
	outboxWorkers int
}

// New wires storage, counters, the notification path and the job lock.
func New(cfg Config) (*App, error) {
	if cfg.Rules.LoanPeriodDays <= 0 {
		return nil, errors.New("loan period days must be positive")
	}
	if cfg.Rules.FinePerDay <= 0 {
		return nil, errors.New("fine per day must be positive")
	}
	if cfg.Rules.OverdueThresholdDays < 0 {
		return nil, errors.New("overdue threshold days must not be negative")
	}

	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		gormStore, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		dataStore = gormStore
	}

	a := &App{
		rules:         cfg.Rules,
		now:           cfg.Clock,
		sweepEvery:    cfg.SweepEvery,
		notifyEvery:   cfg.NotificationEvery,
		outboxWorkers: cfg.OutboxWorkers,
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}

	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: addr, Password: cfg.RedisPassword})
	}

	switch strings.ToLower(strings.TrimSpace(cfg.CounterBackend)) {
	case "", CounterBackendPostgres:
	case CounterBackendRedis:
		if a.redis == nil {
			return nil, errors.New("redis counter backend requires a redis addr")
		}
		dataStore = store.WithCounters(dataStore, store.NewRedisCounterStoreWithClient(a.redis, ""))
	default:
		return nil, fmt.Errorf("unknown counter backend %q", cfg.CounterBackend)
	}
	a.store = dataStore
	a.seq = sequence.New(dataStore, cfg.Barcodes)

	if cfg.Sender != nil {
		a.sender = cfg.Sender
		a.transport = cfg.Sender
	} else if err := a.wireNotifications(cfg); err != nil {
		a.Close()
		return nil, err
	}

	if a.redis != nil && cfg.JobLockTTL > 0 {
		locker, err := joblock.NewLockerWithClient(a.redis, "", cfg.JobLockTTL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init job lock: %w", err)
		}
		a.locker = locker
	}
	return a, nil
}

// wireNotifications picks the transport (AMQP when configured, otherwise the
// log) and, with Redis available, puts the outbox in front of it.
func (a *App) wireNotifications(cfg Config) error {
	a.transport = notify.LogSender{}
	if strings.TrimSpace(cfg.AMQPURL) != "" {
		sender, err := notify.NewAMQPSender(notify.AMQPConfig{
			URL:        cfg.AMQPURL,
			Exchange:   cfg.AMQPExchange,
			RoutingKey: cfg.AMQPRoutingKey,
		}, a.store)
		if err != nil {
			return fmt.Errorf("init amqp sender: %w", err)
		}
		a.amqp = sender
		a.transport = sender
	}
	a.sender = a.transport
	if a.redis == nil {
		return nil
	}
	outbox, err := queue.NewRedisOutboxWithClient(a.redis, queue.RedisOutboxConfig{})
	if err != nil {
		return fmt.Errorf("init notification outbox: %w", err)
	}
	a.outbox = outbox
	a.sender = notify.NewOutboxSender(outbox)
	return nil
}

// StartWorkers drains the notification outbox into the transport until ctx
// is done. It is a no-op without Redis.
func (a *App) StartWorkers(ctx context.Context) {
	if a.outbox == nil {
		return
	}
	a.outbox.Start(ctx, a.outboxWorkers, notify.Deliver(a.transport))
	util.LoggerFromContext(ctx).Info("outbox_workers_started", "workers", a.outboxWorkers)
}

// Delivery reports the state of a queued notification.
func (a *App) Delivery(ctx context.Context, id string) (queue.Delivery, bool, error) {
	if a.outbox == nil {
		return queue.Delivery{}, false, nil
	}
	return a.outbox.GetDelivery(ctx, id)
}

// Close releases broker and Redis connections.
func (a *App) Close() {
	if a.amqp != nil {
		_ = a.amqp.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}
