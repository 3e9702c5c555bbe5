package di

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"FinAgent/internal/domain/models"
	"FinAgent/internal/domain/repository"
	"FinAgent/internal/handler/api"
	mid "FinAgent/internal/middleware"
	internalrepo "FinAgent/internal/repository"
	"FinAgent/internal/service/bridge"
	"FinAgent/internal/service/broker"
	"FinAgent/internal/services/agent"
	"FinAgent/internal/services/features"
	"FinAgent/internal/services/indicators"
	"FinAgent/internal/services/regime"
	"FinAgent/internal/usecase"
	"FinAgent/pkg/cache"
	pkgch "FinAgent/pkg/clickhouse"
	"FinAgent/pkg/config"
	pkgkafka "FinAgent/pkg/kafka"
	"FinAgent/pkg/logger"
	"FinAgent/pkg/metrics"
	"FinAgent/pkg/queue"
	"FinAgent/pkg/server"
)

// Stores pairs the bar reader with the quote writer of the same backend.
type Stores struct {
	Bars   repository.FeatureStore
	Quotes repository.QuoteStorage
}

// ProvideLogger builds the root logger from the logging section.
func ProvideLogger(cfg *config.Config) (*logger.Logger, error) {
	l, err := logger.New(&logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l, nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() *metrics.Recorder {
	return metrics.New()
}

// ProvideRedisClient returns nil when Redis is disabled.
func ProvideRedisClient(cfg *config.Config) *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
}

// ProvideQueuePublisher returns the job queue publisher, nil without Redis.
// With log collection on, aggregated errors go through it under their own type.
func ProvideQueuePublisher(cfg *config.Config, rdb *redis.Client, l *logger.Logger) *queue.RedisQueue {
	if rdb == nil {
		return nil
	}
	pub := queue.NewRedisPublisher(l, rdb)
	if cfg.Logging.Collect {
		l.AddCollector(&logger.CollectionConfig{Topic: cfg.Logging.Topic, Publisher: pub})
	}
	return pub
}

// ProvideClickHouseClient connects and creates the schema. It returns nil
// when the memory bar backend is selected.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	if cfg.Backend.Bars != "clickhouse" {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
		pkgch.WithCompression(!cfg.ClickHouse.DisableCompress),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.InitSchema(ctx, internalrepo.Schema(cfg.ClickHouse.Database)); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, nil
}

// ProvideStores selects the bar backend.
func ProvideStores(cfg *config.Config, ch *pkgch.Client, l *logger.Logger) Stores {
	if ch == nil {
		mem := internalrepo.NewMemoryBarStore(repository.TF1m)
		return Stores{Bars: mem, Quotes: mem}
	}
	bars := internalrepo.NewCHBarStore(ch, cfg.ClickHouse.Database)
	bars.SetLogger(l)
	return Stores{
		Bars:   bars,
		Quotes: internalrepo.NewCHQuoteStorage(ch.DB(), cfg.ClickHouse.Database, "bridge"),
	}
}

func ProvideRegistry(cfg *config.Config, stores Stores) *indicators.Registry {
	return indicators.NewDefaultRegistry(stores.Bars, repository.NormalizeTimeframe(cfg.Market.Timeframe))
}

// ProvideBuilder maps the market, training and regime sections onto the snapshot builder.
func ProvideBuilder(cfg *config.Config, registry *indicators.Registry, l *logger.Logger) (*features.Builder, error) {
	decls := make([]indicators.Declaration, len(cfg.Market.Indicators))
	for i, d := range cfg.Market.Indicators {
		decls[i] = indicators.Declaration{Factory: d.Factory, Args: d.Args}
	}
	return features.NewBuilder(features.Config{
		Symbols:        symbolNames(cfg),
		Indicators:     decls,
		Groups:         cfg.Training.Groups,
		Filters:        cfg.Training.Filters,
		Periods:        cfg.Regime.Periods,
		WindowBars:     cfg.Training.WindowBars,
		MinHistoryBars: cfg.Training.MinHistoryBars,
		VolatDiv:       cfg.Regime.VolatDiv,
		ChangeDiv:      cfg.Regime.ChangeDiv,
	}, registry, l)
}

// ProvideRegimeEngine returns nil when regime clustering is disabled.
func ProvideRegimeEngine(cfg *config.Config, b *features.Builder, l *logger.Logger) *regime.Engine {
	if cfg.Regime.Disabled {
		return nil
	}
	return regime.NewEngine(regime.Config{
		Groups:            cfg.Training.Groups,
		IndicatorClusters: cfg.Regime.IndicatorClusters,
		ExtraCentroids:    cfg.Regime.ExtraCentroids,
		Periods:           cfg.Regime.Periods,
		VolatDiv:          cfg.Regime.VolatDiv,
		ChangeDiv:         cfg.Regime.ChangeDiv,
		VolatMul:          cfg.Regime.VolatMul,
		MaxIterations:     cfg.Regime.MaxIterations,
		NavigationShift:   cfg.Regime.NavigationShift,
	}, b.Layout(), l)
}

// ProvideArena creates one agent per (group, symbol). Cost is the spread in price units.
func ProvideArena(cfg *config.Config, b *features.Builder) (*agent.Arena, error) {
	symbols := make([]agent.Symbol, len(cfg.Market.Symbols))
	for i, s := range cfg.Market.Symbols {
		symbols[i] = agent.Symbol{Name: s.Name, Cost: s.Spread * s.Point}
	}
	t := cfg.Training
	return agent.NewArena(b.Layout(), agent.Settings{
		Iterations:   agent.Limits(t.Iterations),
		EpsilonSteps: agent.Limits(t.EpsilonSteps),
		Symbols:      symbols,
		Seed:         t.Seed,
		BeginEquity:  cfg.Market.MinBeginEquity,
		Factory:      agent.NewQLearnerFactory(t.DiscountFactor, t.ExperienceSize),
	})
}

// ProvideBroker selects the simulated or the HTTP bridge broker.
func ProvideBroker(cfg *config.Config, stores Stores, l *logger.Logger) repository.Broker {
	if cfg.Backend.Broker == "http" {
		return broker.NewHTTPBroker(cfg.Bridge.URL, symbolNames(cfg), cfg.Bridge.Timeout, l,
			broker.WithRetries(cfg.Bridge.RetryCount),
			broker.WithToken(cfg.Bridge.Token),
			broker.WithRateLimit(cfg.Bridge.RatePerSecond),
		)
	}
	specs := make([]broker.SymbolSpec, len(cfg.Market.Symbols))
	for i, s := range cfg.Market.Symbols {
		specs[i] = broker.SymbolSpec{Name: s.Name, Point: s.Point, Spread: int(math.Round(s.Spread))}
	}
	return broker.NewSimBroker(broker.SimConfig{
		Symbols:        specs,
		Leverage:       cfg.Market.Leverage,
		InitialBalance: cfg.Market.MinBeginEquity,
		Timeframe:      repository.NormalizeTimeframe(cfg.Market.Timeframe),
	}, stores.Bars, l)
}

func ProvideCheckpointStore(cfg *config.Config) repository.CheckpointStore {
	return internalrepo.NewFileCheckpointStore(cfg.Training.CheckpointPath)
}

// ProvideAccountLog appends to the local file and, with Redis, to the queue.
func ProvideAccountLog(cfg *config.Config, pub *queue.RedisQueue) repository.AccountLog {
	file := internalrepo.NewFileAccountLog(cfg.Live.AccountLogPath)
	if pub == nil {
		return file
	}
	return internalrepo.MultiAccountLog{file, internalrepo.NewQueueAccountLog(pub)}
}

// AccountSink is the queue consumer side, distinct from the publisher.
type AccountSink struct {
	*queue.RedisQueue
}

// ProvideAccountSink drains queued account records into ClickHouse. It needs
// both Redis and ClickHouse; otherwise the sink is empty.
func ProvideAccountSink(cfg *config.Config, rdb *redis.Client, ch *pkgch.Client, l *logger.Logger) AccountSink {
	if rdb == nil || ch == nil {
		return AccountSink{}
	}
	job := internalrepo.NewAccountRecordJob(internalrepo.NewCHAccountLog(ch.DB(), cfg.ClickHouse.Database))
	return AccountSink{queue.NewRedisConsumer(l, &queue.QueueConfig{
		Workers:    cfg.Redis.Workers,
		RetryLimit: cfg.Redis.RetryLimit,
		RetryDelay: cfg.Redis.RetryDelay,
	}, rdb, []queue.Job{job})}
}

// ProvideKafkaProducer returns nil when Kafka is disabled.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, nil
}

func ProvideSignalPublisher(cfg *config.Config, producer *pkgkafka.Producer) repository.SignalPublisher {
	if producer == nil {
		return nil
	}
	return internalrepo.NewKafkaSignalPublisher(producer, cfg.Kafka.SignalTopic)
}

// ProvideTrainer maps the training and live sections onto the orchestrator.
func ProvideTrainer(
	cfg *config.Config,
	b *features.Builder,
	engine *regime.Engine,
	arena *agent.Arena,
	brk repository.Broker,
	store repository.CheckpointStore,
	rec *metrics.Recorder,
	l *logger.Logger,
	pub repository.SignalPublisher,
	accounts repository.AccountLog,
	stores Stores,
) *usecase.Trainer {
	t := cfg.Training
	opts := []usecase.TrainerOption{
		usecase.WithHooks(usecase.LogHooks(l)),
		usecase.WithAccountLog(accounts),
		usecase.WithQuoteStorage(stores.Quotes),
	}
	if pub != nil {
		opts = append(opts, usecase.WithSignalPublisher(pub))
	}
	return usecase.NewTrainer(usecase.TrainerConfig{
		Workers:            t.Workers,
		BatchSteps:         t.BatchSteps,
		CheckEvery:         t.CheckEvery,
		BreakIntervalIters: t.BreakIntervalIters,
		CheckpointInterval: t.CheckpointInterval,
		MinLearningRate:    t.MinLearningRate,
		MaxLearningRate:    t.MaxLearningRate,
		MaxExtraTimesteps:  t.MaxExtraTimesteps,
		RecreateDrawdown:   t.RecreateDrawdown,
		MinBeginEquity:     cfg.Market.MinBeginEquity,
		PollInterval:       cfg.Live.PollInterval,
		DataInterval:       cfg.Live.DataInterval,
		FreeMarginLevel:    cfg.Live.FreeMarginLevel,
		Resets:             startupResets(cfg, arena.Ladder()),
	}, b, engine, arena, brk, store, rec, l, opts...)
}

// startupResets turns the reset_* flags into stages. Filter resets start at
// the first filter so the cascade covers every later stage.
func startupResets(cfg *config.Config, ladder models.Ladder) []models.Stage {
	t := cfg.Training
	var out []models.Stage
	switch {
	case t.ResetFilters && ladder.Filters > 0:
		out = append(out, models.Stage{Kind: models.StageFilter})
	case t.ResetSignals || t.ResetFilters:
		out = append(out, models.Stage{Kind: models.StageSignal})
	case t.ResetAmps:
		out = append(out, models.Stage{Kind: models.StageAmp})
	case t.ResetFuses:
		out = append(out, models.Stage{Kind: models.StageFuse})
	}
	return out
}

// ProvideKafkaConsumer returns nil when Kafka is disabled.
func ProvideKafkaConsumer(cfg *config.Config, l *logger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		pkgkafka.WithConsumerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.WithConsumerHook(pkgkafka.LogHook(l.With("kafka-consumer")))
	return consumer, nil
}

func ProvideControlHandler(cfg *config.Config, t *usecase.Trainer, rec *metrics.Recorder, l *logger.Logger) *usecase.KafkaControlHandler {
	return usecase.NewKafkaControlHandler(cfg.Kafka.ControlTopic, t.Ladder(), t, rec, l)
}

// ProvideQuoteCollector returns nil when no bridge websocket is configured.
func ProvideQuoteCollector(cfg *config.Config, stores Stores, rec *metrics.Recorder, l *logger.Logger) *usecase.QuoteCollector {
	if cfg.Bridge.WebSocketURL == "" {
		return nil
	}
	symbols := symbolNames(cfg)
	stream := bridge.New(cfg.Bridge.WebSocketURL, cfg.Bridge.Token, symbols, cfg.Bridge.ReconnectDelay, cfg.Bridge.PingInterval, l)
	proc := usecase.NewQuoteProcessor(stores.Quotes, rec, cfg.Backend.Bars)
	pipe := mid.NewRealtimePipeline(proc, rec,
		mid.WithMaxRPS(int(math.Ceil(cfg.Bridge.MaxQuotesPerSec))),
		mid.WithBufferSize(2000),
		mid.WithSymbols(symbols),
	)
	return usecase.NewQuoteCollector(stream, proc, rec, pipe, l)
}

// ProvideCache layers memory over Redis when Redis is reachable.
func ProvideCache(rdb *redis.Client, l *logger.Logger) cache.Service {
	local := []cache.MemoryOption{cache.WithMemoryMaxSize(512), cache.WithMemoryCleanup(time.Minute)}
	if rdb == nil {
		return cache.NewMemoryCache(local...)
	}
	remote, err := cache.NewRedisCache(context.Background(), rdb, cache.WithRedisPrefix("finagent:cache"))
	if err != nil {
		l.Warn("redis cache unavailable, using memory", logger.Error(err))
		return cache.NewMemoryCache(local...)
	}
	return cache.NewLayeredCache(remote, 10*time.Second, local...)
}

func ProvideHTTPHandler(cfg *config.Config, l *logger.Logger, t *usecase.Trainer, stores Stores, c cache.Service) *api.AgentHandler {
	return api.NewAgentHandler(l, t, usecase.NewBarsUseCase(stores.Bars, symbolNames(cfg)), c, cfg.Live.SignalsCacheTTL)
}

// ProvideApp assembles the application server.
func ProvideApp(
	cfg *config.Config,
	l *logger.Logger,
	t *usecase.Trainer,
	handler *api.AgentHandler,
	collector *usecase.QuoteCollector,
	consumer *pkgkafka.Consumer,
	control *usecase.KafkaControlHandler,
	accountSink AccountSink,
	c cache.Service,
	closers Closers,
) *server.App {
	app := server.New(cfg, l, t, handler)
	if collector != nil {
		app.SetCollector(collector)
	}
	if consumer != nil {
		app.SetConsumer(consumer, control)
	}
	if accountSink.RedisQueue != nil {
		app.AddWorker(accountSink.RedisQueue)
	}
	app.AddCloser("cache", c.Close)
	for _, cl := range closers {
		app.AddCloser(cl.Name, cl.Close)
	}
	return app
}

// Closer is an infrastructure client App closes on shutdown, in order.
type Closer struct {
	Name  string
	Close func() error
}

type Closers []Closer

// ProvideClosers orders clients so producers close before their connections.
func ProvideClosers(ch *pkgch.Client, rdb *redis.Client, pub repository.SignalPublisher, q *queue.RedisQueue) Closers {
	var out Closers
	if pub != nil {
		out = append(out, Closer{"signal-publisher", pub.Close})
	}
	if q != nil {
		out = append(out, Closer{"account-queue", func() error { return q.Stop(context.Background()) }})
	}
	if rdb != nil {
		out = append(out, Closer{"redis", rdb.Close})
	}
	if ch != nil {
		out = append(out, Closer{"clickhouse", ch.Close})
	}
	return out
}

func symbolNames(cfg *config.Config) []string {
	out := make([]string, len(cfg.Market.Symbols))
	for i, s := range cfg.Market.Symbols {
		out[i] = s.Name
	}
	return out
}
