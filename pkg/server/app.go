package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"FinAgent/internal/usecase"
	"FinAgent/pkg/config"
	xhttp "FinAgent/pkg/http"
	"FinAgent/pkg/http/middleware"
	pkgkafka "FinAgent/pkg/kafka"
	applogger "FinAgent/pkg/logger"
)

// Worker is a background consumer started with the app, like the Redis queue.
type Worker interface {
	Start() error
	Stop(ctx context.Context) error
}

type closer struct {
	name string
	fn   func() error
}

// App encapsulates the entire application lifecycle.
type App struct {
	cfg       *config.Config
	log       *applogger.Logger
	trainer   *usecase.Trainer
	handler   xhttp.Handler
	collector *usecase.QuoteCollector
	consumer  *pkgkafka.Consumer
	control   pkgkafka.MessageHandler
	workers   []Worker
	closers   []closer

	httpServer *xhttp.Server
}

// New creates a new App instance with all dependencies.
func New(cfg *config.Config, log *applogger.Logger, trainer *usecase.Trainer, handler xhttp.Handler) *App {
	return &App{cfg: cfg, log: log.With("app"), trainer: trainer, handler: handler}
}

func (a *App) SetCollector(c *usecase.QuoteCollector) { a.collector = c }

func (a *App) SetConsumer(c *pkgkafka.Consumer, control pkgkafka.MessageHandler) {
	a.consumer, a.control = c, control
}

func (a *App) AddWorker(w Worker) { a.workers = append(a.workers, w) }

// AddCloser registers fn to run after everything else stopped, in order.
func (a *App) AddCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name, fn})
}

// Run initializes the trainer, starts every component and blocks until
// SIGINT/SIGTERM or a fatal trainer error.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.RunContext(ctx)
}

func (a *App) RunContext(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.trainer.Init(ctx); err != nil {
		a.closeAll()
		return fmt.Errorf("trainer init: %w", err)
	}
	a.log.Info("trainer ready",
		applogger.String("run_id", a.trainer.RunID()),
		applogger.String("stage", a.trainer.Status().Stage))

	if !a.cfg.Server.Disabled {
		opts := []xhttp.ServerOption{
			xhttp.WithPort(a.cfg.Server.Port),
			xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
			xhttp.WithLogger(a.log),
			xhttp.WithCORSOrigins(a.cfg.Server.CORSOrigins...),
			xhttp.WithMetricsPath(""),
		}
		if a.cfg.Metrics.Enabled {
			opts = append(opts,
				xhttp.WithMetricsPath(a.cfg.Metrics.Path),
				xhttp.WithHTTPMetrics(middleware.NewHTTPMetrics(prometheus.DefaultRegisterer)))
		}
		a.httpServer = xhttp.NewServer(a.handler, opts...)
		if err := a.httpServer.Start(); err != nil {
			a.log.Error("http server start error", applogger.Error(err))
			return err
		}
	}

	if a.collector != nil {
		if err := a.collector.Start(ctx); err != nil {
			a.log.Warn("quote collector not started", applogger.Error(err))
		} else {
			a.log.Info("quote collector started")
		}
	}

	if a.consumer != nil && a.control != nil {
		a.consumer.RegisterHandler(a.control)
		go func() {
			if err := a.consumer.Start(); err != nil {
				a.log.Error("kafka consumer error", applogger.Error(err))
			}
		}()
		a.log.Info("kafka consumer started", applogger.String("topic", a.control.Topic()))
	}

	for _, w := range a.workers {
		if err := w.Start(); err != nil {
			a.log.Error("worker start error", applogger.Error(err))
		}
	}

	trainErr := make(chan error, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		trainErr <- a.trainer.Run(ctx)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutdown signal received")
	case runErr = <-trainErr:
		if runErr != nil {
			a.log.Error("trainer stopped", applogger.Error(runErr))
		}
	}
	a.trainer.Stop()
	wg.Wait()

	if err := a.shutdown(); err != nil {
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

// shutdown stops the producers of work first and the clients they use last.
func (a *App) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	a.log.Info("shutting down")

	var errs []error
	if a.httpServer != nil {
		if err := a.httpServer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.collector != nil {
		if err := a.collector.Shutdown(ctx); err != nil {
			a.log.Warn("collector stop error", applogger.Error(err))
		}
	}
	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			a.log.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}
	for _, w := range a.workers {
		if err := w.Stop(ctx); err != nil {
			a.log.Warn("worker stop error", applogger.Error(err))
		}
	}
	a.closeAll()
	a.log.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c.fn(); err != nil {
			a.log.Warn("close error", applogger.String("client", c.name), applogger.Error(err))
		}
	}
	a.closers = nil
}
