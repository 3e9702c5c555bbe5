//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"FinAgent/pkg/config"
	"FinAgent/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Ambient
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideRedisClient,
		ProvideQueuePublisher,
		ProvideClickHouseClient,
		ProvideKafkaProducer,
		ProvideKafkaConsumer,
		ProvideCache,

		// Repositories
		ProvideStores,
		ProvideBroker,
		ProvideCheckpointStore,
		ProvideAccountLog,
		ProvideAccountSink,
		ProvideSignalPublisher,

		// Services
		ProvideRegistry,
		ProvideBuilder,
		ProvideRegimeEngine,
		ProvideArena,

		// Use cases
		ProvideTrainer,
		ProvideControlHandler,
		ProvideQuoteCollector,

		// HTTP
		ProvideHTTPHandler,

		// App
		ProvideClosers,
		ProvideApp,
	)
	return nil, nil
}
