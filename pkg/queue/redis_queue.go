package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"libraryapi/internal/util"
)

const (
	StatusQueued    = "queued"
	StatusSending   = "sending"
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// Delivery is one notification waiting in, or drained from, the outbox.
type Delivery struct {
	ID           string    `json:"id"`
	PatronID     int       `json:"patronId"`
	Message      string    `json:"message"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RedisOutbox buffers patron notifications on a Redis stream so the batcher
// never waits on the mail transport. A consumer group drains it with retries.
type RedisOutbox struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	statusTTL    time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	claimCount   int64
	once         sync.Once
}

type RedisOutboxConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	StatusTTL  time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
	ClaimCount int64
}

func NewRedisOutbox(cfg RedisOutboxConfig) (*RedisOutbox, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	return NewRedisOutboxWithClient(redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}), cfg)
}

// NewRedisOutboxWithClient builds an outbox on an existing client; Addr and
// Password in cfg are ignored.
func NewRedisOutboxWithClient(client *redis.Client, cfg RedisOutboxConfig) (*RedisOutbox, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "library:notifications"
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "notifier"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	statusTTL := cfg.StatusTTL
	if statusTTL <= 0 {
		statusTTL = 72 * time.Hour
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = time.Minute
	}
	retryDelay := cfg.RetryDelay
	if retryDelay < 0 {
		retryDelay = 0
	} else if retryDelay == 0 {
		retryDelay = 5 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 50000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 20
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 20
	}

	return &RedisOutbox{
		client:       client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		statusTTL:    statusTTL,
		maxRetries:   maxRetries,
		block:        block,
		claimIdle:    claimIdle,
		retryDelay:   retryDelay,
		maxLen:       maxLen,
		readCount:    readCount,
		claimCount:   claimCount,
	}, nil
}

// Enqueue records a notification for patronID and appends it to the stream.
func (q *RedisOutbox) Enqueue(ctx context.Context, patronID int, message string) (Delivery, error) {
	if patronID <= 0 {
		return Delivery{}, errors.New("patron id required")
	}
	if strings.TrimSpace(message) == "" {
		return Delivery{}, errors.New("message required")
	}
	now := time.Now().UTC()
	d := Delivery{
		ID:        util.NewID(),
		PatronID:  patronID,
		Message:   message,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, d); err != nil {
		return Delivery{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: streamValues(d.ID, patronID, message),
	}).Err(); err != nil {
		return Delivery{}, err
	}
	return d, nil
}

func (q *RedisOutbox) GetDelivery(ctx context.Context, id string) (Delivery, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Delivery{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.statusKey(id)).Result()
	if err != nil {
		return Delivery{}, false, err
	}
	if len(data) == 0 {
		return Delivery{}, false, nil
	}
	return decodeDelivery(id, data), true, nil
}

// Start launches concurrency consumers that hand each delivery to handler
// until ctx is done.
func (q *RedisOutbox) Start(ctx context.Context, concurrency int, handler func(context.Context, Delivery) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		go q.consumeLoop(ctx, consumer, handler)
	}
}

func (q *RedisOutbox) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			util.LoggerFromContext(ctx).Warn("outbox_group_create_failed", "stream", q.stream, "err", err)
		}
	})
}

func (q *RedisOutbox) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, Delivery) error) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				util.LoggerFromContext(ctx).Warn("outbox_read_failed", "consumer", consumer, "err", err)
				time.Sleep(time.Second)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *RedisOutbox) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisOutbox) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, Delivery) error) {
	logger := util.LoggerFromContext(ctx)
	id, _ := msg.Values["delivery_id"].(string)
	rawPatron, _ := msg.Values["patron_id"].(string)
	message, _ := msg.Values["message"].(string)
	patronID, convErr := strconv.Atoi(rawPatron)
	if id == "" || convErr != nil || message == "" {
		logger.Warn("outbox_message_malformed", "msg_id", msg.ID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	d, err := q.markSending(ctx, id, patronID, message)
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	err = handler(ctx, d)
	if err == nil {
		_ = q.markStatus(ctx, id, StatusDelivered, "")
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if d.Attempts >= q.maxRetries {
		logger.Error("notification_delivery_failed", "delivery_id", id, "patron_id", patronID, "attempts", d.Attempts, "err", err)
		_ = q.markStatus(ctx, id, StatusFailed, err.Error())
		q.ackAndDel(ctx, msg.ID)
		return
	}
	logger.Warn("notification_delivery_retry", "delivery_id", id, "patron_id", patronID, "attempts", d.Attempts, "err", err)
	_ = q.markStatus(ctx, id, StatusQueued, err.Error())
	if q.retryDelay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(q.retryDelay):
		}
	}
	_ = q.requeueAndAck(ctx, msg.ID, id, patronID, message)
}

func (q *RedisOutbox) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisOutbox) requeueAndAck(ctx context.Context, msgID, id string, patronID int, message string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: streamValues(id, patronID, message),
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisOutbox) markSending(ctx context.Context, id string, patronID int, message string) (Delivery, error) {
	d, found, err := q.GetDelivery(ctx, id)
	if err != nil {
		return Delivery{}, err
	}
	if !found {
		d = Delivery{ID: id}
	}
	d.PatronID = patronID
	d.Message = message
	d.Attempts++
	d.Status = StatusSending
	d.UpdatedAt = time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = d.UpdatedAt
	}
	if err := q.writeStatus(ctx, d); err != nil {
		return Delivery{}, err
	}
	return d, nil
}

func (q *RedisOutbox) markStatus(ctx context.Context, id, status, errMsg string) error {
	d, _, err := q.GetDelivery(ctx, id)
	if err != nil {
		return err
	}
	d.ID = id
	d.Status = status
	d.ErrorMessage = errMsg
	d.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, d)
}

// The message body stays on the stream entry; the hash only tracks progress.
func (q *RedisOutbox) writeStatus(ctx context.Context, d Delivery) error {
	key := q.statusKey(d.ID)
	payload := map[string]any{
		"id":        d.ID,
		"patronId":  strconv.Itoa(d.PatronID),
		"status":    d.Status,
		"error":     d.ErrorMessage,
		"attempts":  strconv.Itoa(d.Attempts),
		"createdAt": d.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": d.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.statusTTL).Err()
	return nil
}

func (q *RedisOutbox) statusKey(id string) string {
	return fmt.Sprintf("delivery:%s:%s", q.stream, id)
}

func streamValues(id string, patronID int, message string) map[string]any {
	return map[string]any{
		"delivery_id": id,
		"patron_id":   strconv.Itoa(patronID),
		"message":     message,
	}
}

func decodeDelivery(id string, data map[string]string) Delivery {
	d := Delivery{ID: id, Status: data["status"], ErrorMessage: data["error"]}
	if n, err := strconv.Atoi(data["patronId"]); err == nil {
		d.PatronID = n
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		d.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		d.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		d.UpdatedAt = t
	}
	return d
}
