package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"FinAgent/pkg/logger"
)

type QueueMode int

const (
	ModeProducerConsumer QueueMode = iota
	ModeProducerOnly
	ModeConsumerOnly
)

func (m QueueMode) String() string {
	switch m {
	case ModeProducerOnly:
		return "producer-only"
	case ModeConsumerOnly:
		return "consumer-only"
	}
	return "producer-consumer"
}

const DefaultKeyPrefix = "finagent:queue"

// RedisQueue keeps one list per message type under its prefix, with a retry
// sorted set and a dead letter list next to each.
type RedisQueue struct {
	logger    *logger.Logger
	config    *QueueConfig
	client    *redis.Client
	mode      QueueMode
	keyPrefix string

	mu      sync.RWMutex
	jobs    map[string]Job
	running bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

type RedisQueueOption func(*RedisQueue)

func WithKeyPrefix(prefix string) RedisQueueOption {
	return func(r *RedisQueue) {
		r.keyPrefix = prefix
	}
}

func NewRedisQueue(lgr *logger.Logger, config *QueueConfig, client *redis.Client, mode QueueMode, opts ...RedisQueueOption) *RedisQueue {
	ctx, cancel := context.WithCancel(context.Background())
	rq := &RedisQueue{
		logger:    lgr.With("redis-queue"),
		config:    config.withDefaults(),
		client:    client,
		mode:      mode,
		keyPrefix: DefaultKeyPrefix,
		jobs:      make(map[string]Job),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(rq)
	}
	return rq
}

// NewRedisPublisher returns a started producer-only queue.
func NewRedisPublisher(lgr *logger.Logger, client *redis.Client, opts ...RedisQueueOption) *RedisQueue {
	q := NewRedisQueue(lgr, nil, client, ModeProducerOnly, opts...)
	if err := q.Start(); err != nil {
		q.logger.Error("redis publisher start failed", logger.Error(err))
	}
	return q
}

// NewRedisConsumer returns a consumer-only queue; call Start to run it.
func NewRedisConsumer(lgr *logger.Logger, config *QueueConfig, client *redis.Client, jobs []Job, opts ...RedisQueueOption) *RedisQueue {
	q := NewRedisQueue(lgr, config, client, ModeConsumerOnly, opts...)
	for _, job := range jobs {
		q.RegisterJob(job)
	}
	return q
}

func (r *RedisQueue) RegisterJob(job Job) {
	if r.mode == ModeProducerOnly {
		r.logger.Warn("job registration ignored in producer-only mode", logger.String("job", job.Name()))
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.Type()]; exists {
		r.logger.Warn("job already registered", logger.String("job", job.Name()))
		return
	}
	r.jobs[job.Type()] = job
	r.logger.Info("job registered", logger.String("job", job.Name()), logger.String("type", job.Type()))
}

func (r *RedisQueue) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("queue already running")
	}
	if r.mode != ModeProducerOnly && len(r.jobs) == 0 {
		return errors.New("no jobs registered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	r.running = true

	if r.mode == ModeProducerOnly {
		r.logger.Info("redis publisher started", logger.String("addr", r.client.Options().Addr))
		return nil
	}
	keys := r.queueKeys()
	for i := 0; i < r.config.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i, keys)
	}
	r.wg.Add(1)
	go r.retryProcessor()
	r.logger.Info("redis queue started",
		logger.Int("workers", r.config.Workers),
		logger.Strings("keys", keys),
		logger.String("mode", r.mode.String()))
	return nil
}

// Stop cancels in-flight handlers and waits for the workers.
func (r *RedisQueue) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		r.logger.Warn("timeout waiting for queue workers", logger.Error(ctx.Err()))
		return fmt.Errorf("timeout: %w", ctx.Err())
	case <-done:
		r.logger.Info("redis queue stopped")
		return nil
	}
}

// PublishMessage marshals payload and pushes it on the list of msgType.
func (r *RedisQueue) PublishMessage(ctx context.Context, msgType string, payload interface{}) error {
	r.mu.RLock()
	running := r.running
	r.mu.RUnlock()
	if !running {
		return errors.New("queue not running")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	data, err := json.Marshal(Message{
		ID:       uuid.NewString(),
		Type:     msgType,
		Payload:  body,
		Enqueued: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := r.client.LPush(ctx, r.queueKey(msgType), data).Err(); err != nil {
		return fmt.Errorf("lpush: %w", err)
	}
	return nil
}

func (r *RedisQueue) worker(id int, keys []string) {
	defer r.wg.Done()
	for r.ctx.Err() == nil {
		res, err := r.client.BRPop(r.ctx, r.config.PollTimeout, keys...).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || r.ctx.Err() != nil {
				continue
			}
			r.logger.Error("brpop error", logger.Int("worker_id", id), logger.Error(err))
			select {
			case <-r.ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		if len(res) < 2 {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
			r.logger.Error("unmarshal message", logger.String("key", res[0]), logger.Error(err))
			continue
		}
		r.process(msg)
	}
}

func (r *RedisQueue) process(msg Message) {
	r.mu.RLock()
	job, ok := r.jobs[msg.Type]
	r.mu.RUnlock()
	if !ok {
		r.logger.Error("no job found", logger.String("type", msg.Type), logger.String("id", msg.ID))
		return
	}

	err := job.Handle(r.ctx, msg.Payload)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		// Put it back so it is not lost on shutdown.
		r.schedule(r.retryKey(msg.Type), msg, time.Now())
	default:
		r.fail(msg, job, err)
	}
}

func (r *RedisQueue) fail(msg Message, job Job, err error) {
	msg.Attempts++
	if msg.Attempts > r.config.RetryLimit {
		r.logger.Error("max retries reached, moving to dead letters",
			logger.String("id", msg.ID),
			logger.String("job", job.Name()),
			logger.Error(err))
		data, _ := json.Marshal(msg)
		if err := r.client.LPush(context.Background(), r.deadLetterKey(msg.Type), data).Err(); err != nil {
			r.logger.Error("lpush dlq", logger.Error(err))
		}
		return
	}
	at := time.Now().Add(backoff(r.config.RetryDelay, msg.Attempts))
	r.logger.Warn("message failed, retry scheduled",
		logger.String("id", msg.ID),
		logger.String("job", job.Name()),
		logger.Int("attempt", msg.Attempts),
		logger.String("retry_at", at.Format(time.RFC3339)),
		logger.Error(err))
	r.schedule(r.retryKey(msg.Type), msg, at)
}

func (r *RedisQueue) schedule(key string, msg Message, at time.Time) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("marshal retry", logger.Error(err))
		return
	}
	if err := r.client.ZAdd(context.Background(), key, redis.Z{Score: float64(at.Unix()), Member: data}).Err(); err != nil {
		r.logger.Error("zadd retry", logger.Error(err))
	}
}

func (r *RedisQueue) retryProcessor() {
	defer r.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.mu.RLock()
			types := make([]string, 0, len(r.jobs))
			for t := range r.jobs {
				types = append(types, t)
			}
			r.mu.RUnlock()
			for _, t := range types {
				r.promoteDue(t)
			}
		}
	}
}

// promoteDue moves due retries back to the list. Only the consumer whose
// ZREM succeeds pushes, so a message is requeued once.
func (r *RedisQueue) promoteDue(msgType string) {
	due, err := r.client.ZRangeByScore(r.ctx, r.retryKey(msgType), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().Unix(), 10),
	}).Result()
	if err != nil {
		if r.ctx.Err() == nil {
			r.logger.Error("fetch retry messages", logger.Error(err))
		}
		return
	}
	for _, data := range due {
		n, err := r.client.ZRem(r.ctx, r.retryKey(msgType), data).Result()
		if err != nil || n == 0 {
			continue
		}
		if err := r.client.LPush(r.ctx, r.queueKey(msgType), data).Err(); err != nil {
			r.logger.Error("move retry to queue", logger.Error(err))
		}
	}
}

func (r *RedisQueue) queueKeys() []string {
	keys := make([]string, 0, len(r.jobs))
	for t := range r.jobs {
		keys = append(keys, r.queueKey(t))
	}
	return keys
}

func (r *RedisQueue) queueKey(t string) string      { return r.keyPrefix + ":" + t }
func (r *RedisQueue) retryKey(t string) string      { return r.keyPrefix + ":" + t + ":retry" }
func (r *RedisQueue) deadLetterKey(t string) string { return r.keyPrefix + ":" + t + ":dlq" }
