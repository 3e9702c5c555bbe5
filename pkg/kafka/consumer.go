package kafka

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"

	"FinAgent/pkg/logger"
)

// MessageHandler handles messages from a specific topic.
type MessageHandler interface {
	Topic() string
	Handle(context.Context, []byte) error
}

// Consumer reads every registered topic with its own reader and hands the
// messages to a worker pool. Messages of one partition are handled one at a time.
type Consumer struct {
	cfg      *ConsumerConfig
	log      *logger.Logger
	handlers map[string]MessageHandler
	readers  map[string]*kafka.Reader
	dlq      *kafka.Writer
	hook     Hooks

	msgs     chan kafka.Message
	stop     chan struct{}
	stopOnce sync.Once
	readWG   sync.WaitGroup
	workWG   sync.WaitGroup

	locksMu sync.Mutex
	locks   map[partitionKey]*sync.Mutex
}

type partitionKey struct {
	topic     string
	partition int
}

func NewConsumer(opts ...ConsumerOption) (*Consumer, error) {
	cfg := defaultConsumerConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	c := &Consumer{
		cfg:      cfg,
		log:      cfg.Logger.With("kafka-consumer"),
		handlers: make(map[string]MessageHandler),
		readers:  make(map[string]*kafka.Reader),
		hook:     Hooks{},
		msgs:     make(chan kafka.Message, cfg.BufferSize),
		stop:     make(chan struct{}),
		locks:    make(map[partitionKey]*sync.Mutex),
	}
	if cfg.DLQTopic != "" {
		c.dlq = &kafka.Writer{Addr: kafka.TCP(cfg.Brokers...), Topic: cfg.DLQTopic, Balancer: &kafka.LeastBytes{}}
	}
	return c, nil
}

// RegisterHandler must be called before Start.
func (c *Consumer) RegisterHandler(handler MessageHandler) {
	topic := handler.Topic()
	if _, ok := c.handlers[topic]; ok {
		c.log.Warn("handler already registered", logger.String("topic", topic))
		return
	}
	c.handlers[topic] = handler
}

// WithConsumerHook adds h to the hooks run around every delivery.
func (c *Consumer) WithConsumerHook(h ConsumerHook) {
	if h != nil {
		c.hook = append(c.hook, h)
	}
}

func (c *Consumer) Start() error {
	if len(c.handlers) == 0 {
		return errors.New("no handlers registered")
	}
	for topic := range c.handlers {
		c.readers[topic] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:  c.cfg.Brokers,
			Topic:    topic,
			GroupID:  c.cfg.GroupID,
			MinBytes: c.cfg.MinBytes,
			MaxBytes: c.cfg.MaxBytes,
		})
	}
	for i := 0; i < c.cfg.WorkerCount; i++ {
		c.workWG.Add(1)
		go c.worker()
	}
	for topic, reader := range c.readers {
		c.readWG.Add(1)
		go c.read(topic, reader)
	}
	c.log.Info("started", logger.Int("topics", len(c.readers)), logger.Int("workers", c.cfg.WorkerCount))
	return nil
}

// Stop ends the readers first, lets the workers drain what was read and
// closes the readers and the DLQ writer.
func (c *Consumer) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		close(c.stop)
		for _, r := range c.readers {
			_ = r.Close()
		}
		if err = waitGroup(ctx, &c.readWG); err != nil {
			return
		}
		close(c.msgs)
		if err = waitGroup(ctx, &c.workWG); err != nil {
			return
		}
		if c.dlq != nil {
			if cerr := c.dlq.Close(); cerr != nil {
				c.log.Warn("close dlq writer", logger.Error(cerr))
			}
		}
		c.log.Info("stopped")
	})
	return err
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for consumer to stop: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (c *Consumer) read(topic string, reader *kafka.Reader) {
	defer c.readWG.Done()
	m := consumerMetricsOnce()
	for {
		// FetchMessage leaves committing to the worker.
		msg, err := reader.FetchMessage(context.Background())
		if err != nil {
			select {
			case <-c.stop:
				return
			default:
			}
			c.log.Warn("fetch message", logger.String("topic", topic), logger.Error(err))
			select {
			case <-c.stop:
				return
			case <-time.After(time.Second):
			}
			continue
		}
		select {
		case c.msgs <- msg:
			m.depth.WithLabelValues(topic).Set(float64(len(c.msgs)))
		case <-c.stop:
			return
		}
	}
}

func (c *Consumer) worker() {
	defer c.workWG.Done()
	m := consumerMetricsOnce()
	for msg := range c.msgs {
		start := time.Now()
		c.handle(msg)
		m.latency.WithLabelValues(msg.Topic).Observe(time.Since(start).Seconds())
	}
}

func (c *Consumer) handle(km kafka.Message) {
	handler, ok := c.handlers[km.Topic]
	if !ok {
		return
	}
	lock := c.partitionLock(km.Topic, km.Partition)
	lock.Lock()
	defer lock.Unlock()

	d := &Delivery{Msg: km, Started: time.Now()}
	err := c.handleWithRetry(handler, d)
	if err != nil {
		c.hook.Failed(context.Background(), d, err)
		c.log.Error("message failed after retries",
			logger.String("topic", km.Topic),
			logger.Int64("offset", km.Offset),
			logger.Error(err))
		if c.dlq == nil {
			return
		}
		if derr := c.dlq.WriteMessages(context.Background(), kafka.Message{
			Key:     km.Key,
			Value:   km.Value,
			Headers: append(km.Headers, kafka.Header{Key: "source_topic", Value: []byte(km.Topic)}),
		}); derr != nil {
			c.log.Error("write dlq", logger.String("topic", c.cfg.DLQTopic), logger.Error(derr))
			return
		}
	}
	c.commit(km)
}

func (c *Consumer) handleWithRetry(handler MessageHandler, d *Delivery) (err error) {
	for attempt := 1; ; attempt++ {
		d.Attempt, d.Data = attempt, d.Msg.Value
		err = c.handleOnce(handler, d)
		if err == nil || attempt > c.cfg.RetryMax {
			return err
		}
		select {
		case <-time.After(backoffWithJitter(c.cfg.BackoffMin, c.cfg.BackoffMax, attempt)):
		case <-c.stop:
			return err
		}
	}
}

func (c *Consumer) handleOnce(handler MessageHandler, d *Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError("handler", r)
		}
	}()
	ctx, err := c.hook.Before(context.Background(), d)
	if err != nil {
		return err
	}
	err = handler.Handle(ctx, d.Data)
	c.hook.After(ctx, d, err)
	return err
}

func (c *Consumer) commit(km kafka.Message) {
	reader := c.readers[km.Topic]
	if reader == nil {
		return
	}
	var err error
	for attempt := 1; attempt <= 3; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err = reader.CommitMessages(ctx, km)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(backoffWithJitter(50*time.Millisecond, 500*time.Millisecond, attempt))
	}
	c.log.Error("commit offset", logger.String("topic", km.Topic), logger.Int64("offset", km.Offset), logger.Error(err))
}

func (c *Consumer) partitionLock(topic string, partition int) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	k := partitionKey{topic, partition}
	l, ok := c.locks[k]
	if !ok {
		l = &sync.Mutex{}
		c.locks[k] = l
	}
	return l
}

// backoffWithJitter doubles from lo per attempt up to hi and subtracts up to half as jitter.
func backoffWithJitter(lo, hi time.Duration, attempt int) time.Duration {
	if lo <= 0 {
		lo = 50 * time.Millisecond
	}
	hi = max(hi, lo)
	d := min(lo<<min(attempt-1, 20), hi)
	return d - rand.N(d/2+1)
}

type consumerMetrics struct {
	depth   *prometheus.GaugeVec
	latency *prometheus.HistogramVec
}

var consumerMetricsOnce = sync.OnceValue(func() *consumerMetrics {
	f := promauto.With(prometheus.DefaultRegisterer)
	return &consumerMetrics{
		depth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "finagent_kafka_consumer_queue_depth",
			Help: "Messages waiting for a consumer worker",
		}, []string{"topic"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "finagent_kafka_consumer_handle_seconds",
			Help: "Handling time per message including retries",
		}, []string{"topic"}),
	}
})
