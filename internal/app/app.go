package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/dig"
	"gorm.io/gorm"

	"smart-ticket-relay-go/internal/attachments"
	"smart-ticket-relay-go/internal/config"
	"smart-ticket-relay-go/internal/db"
	"smart-ticket-relay-go/internal/dispatch"
	"smart-ticket-relay-go/internal/events"
	"smart-ticket-relay-go/internal/extract"
	"smart-ticket-relay-go/internal/handler"
	"smart-ticket-relay-go/internal/ledger"
	"smart-ticket-relay-go/internal/mail"
	"smart-ticket-relay-go/internal/metrics"
	"smart-ticket-relay-go/internal/oracle"
	"smart-ticket-relay-go/internal/oracle/provider"
	"smart-ticket-relay-go/internal/pending"
	"smart-ticket-relay-go/internal/pipeline"
	"smart-ticket-relay-go/internal/resolver"
	"smart-ticket-relay-go/internal/retryqueue"
	"smart-ticket-relay-go/internal/router"
	"smart-ticket-relay-go/internal/scheduler"
	"smart-ticket-relay-go/internal/ticketing"
	"smart-ticket-relay-go/internal/ticketnumber"
	"smart-ticket-relay-go/internal/tickets"
)

// Scheduler task names
const (
	TaskPipeline      = "pipeline"
	TaskRetryDispatch = "retry-dispatch"
)

// closers collects resources released on shutdown
type closers struct {
	fns []namedCloser
}

type namedCloser struct {
	name string
	fn   func() error
}

func (c *closers) add(name string, fn func() error) {
	c.fns = append(c.fns, namedCloser{name: name, fn: fn})
}

func (c *closers) closeAll() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		if err := c.fns[i].fn(); err != nil {
			logrus.Errorf("Failed to close %s: %v", c.fns[i].name, err)
		}
	}
}

// Run loads configuration from configPath and serves until SIGINT or SIGTERM
func Run(configPath string) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := configureLogging(cfg.Logging); err != nil {
		return err
	}

	logrus.Info("Starting Smart Ticket Relay Service")

	ctx := context.Background()
	res := &closers{}
	defer res.closeAll()

	container, err := buildContainer(ctx, cfg, res)
	if err != nil {
		return fmt.Errorf("failed to build container: %w", err)
	}

	return container.Invoke(func(sched *scheduler.Scheduler, h *handler.Handlers) error {
		return serve(cfg, sched, h)
	})
}

// buildContainer registers every component of the service
func buildContainer(ctx context.Context, cfg *config.Config, res *closers) (*dig.Container, error) {
	container := dig.New()

	providers := []interface{}{
		func() *config.Config { return cfg },

		// Storage
		func(cfg *config.Config) (*gorm.DB, error) {
			gdb, err := db.Init(cfg.Database)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize database: %w", err)
			}
			return gdb, nil
		},
		func() *metrics.Metrics { return metrics.New(nil) },
		ledger.New,
		tickets.NewStore,
		pending.NewStore,
		func(gdb *gorm.DB, cfg *config.Config) *retryqueue.Queue {
			return retryqueue.New(gdb, cfg.RetryQueue)
		},
		func(cfg *config.Config) (attachments.Store, error) {
			return attachments.New(ctx, cfg.Attachments)
		},
		func(cfg *config.Config) events.Publisher {
			p := events.New(cfg.Redis)
			if rp, ok := p.(*events.RedisPublisher); ok {
				res.add("event publisher", rp.Close)
			}
			return p
		},

		// Identifiers and resolution
		func(cfg *config.Config) (*ticketnumber.Format, error) {
			return ticketnumber.NewFormat(cfg.Resolver.TicketNumberPattern)
		},
		func(format *ticketnumber.Format, cfg *config.Config) (*extract.Extractor, error) {
			return extract.NewExtractor(format, cfg.Resolver.OrderNumberPatterns, cfg.Resolver.PONumberPatterns)
		},
		func(cfg *config.Config) ticketing.API {
			return ticketing.NewFromConfig(cfg.Ticketing)
		},
		func(gdb *gorm.DB, api ticketing.API, format *ticketnumber.Format, cfg *config.Config) *resolver.Resolver {
			return resolver.NewFromConfig(gdb, api, format, cfg.Resolver)
		},

		// Oracle
		func(cfg *config.Config) (oracle.Decider, error) {
			p, closeFn, err := provider.New(ctx, cfg.LLM)
			if err != nil {
				return nil, fmt.Errorf("failed to create LLM provider: %w", err)
			}
			res.add("LLM provider", closeFn)
			o, err := oracle.NewLLMOracle(p, cfg.LLM)
			if err != nil {
				return nil, fmt.Errorf("failed to create oracle: %w", err)
			}
			return o, nil
		},

		// Mail transport
		func(cfg *config.Config) (mail.Fetcher, error) {
			f, err := mail.NewFetcher(ctx, cfg.Mail)
			if err != nil {
				return nil, fmt.Errorf("failed to create mail fetcher: %w", err)
			}
			res.add("mail fetcher", f.Close)
			logrus.Infof("Using %s for inbound mail", cfg.Mail.Inbound)
			return f, nil
		},
		func(cfg *config.Config) (mail.Sender, error) {
			return mail.NewSender(ctx, cfg.Mail)
		},

		// Processing
		func(cfg *config.Config) pipeline.Options {
			return pipeline.Options{
				HistoryLimit: cfg.LLM.HistoryLimit,
				BatchSize:    cfg.RetryQueue.BatchSize,
			}
		},
		pipeline.New,
		func(messages *pending.Store, ticketStore *tickets.Store, api ticketing.API, sender mail.Sender,
			store attachments.Store, publisher events.Publisher, m *metrics.Metrics, cfg *config.Config) *dispatch.Dispatcher {
			return dispatch.NewDispatcher(messages, ticketStore, api, sender, store, publisher, m, cfg.Dispatch)
		},
		dispatch.NewRetryJob,
		newScheduler,

		// HTTP
		handler.NewHandlers,
	}

	for _, p := range providers {
		if err := container.Provide(p); err != nil {
			return nil, err
		}
	}
	return container, nil
}

// newScheduler registers the inbound pipeline and the dispatch retry loop
func newScheduler(cfg *config.Config, p *pipeline.Pipeline, job *dispatch.RetryJob, m *metrics.Metrics) *scheduler.Scheduler {
	return scheduler.New(m,
		scheduler.Task{
			Name:       TaskPipeline,
			Interval:   time.Duration(cfg.Pipeline.IntervalMinutes) * time.Minute,
			RunAtStart: cfg.Pipeline.RunAtStartup,
			Run: func(ctx context.Context) error {
				_, err := p.ProcessCycle(ctx)
				return err
			},
		},
		scheduler.Task{
			Name:       TaskRetryDispatch,
			Interval:   cfg.Dispatch.SchedulerInterval,
			RunAtStart: cfg.Dispatch.RunAtStartup,
			Run: func(ctx context.Context) error {
				_, err := job.Run(ctx)
				return err
			},
		},
	)
}

func serve(cfg *config.Config, sched *scheduler.Scheduler, h *handler.Handlers) error {
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router.SetupRouter(h, cfg.Auth),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	if err := sched.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.Infof("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case <-quit:
	case serveErr = <-errCh:
		logrus.Errorf("HTTP server error: %v", serveErr)
	}

	logrus.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := sched.Stop(); err != nil {
		logrus.Errorf("Failed to stop scheduler: %v", err)
	}
	sched.Wait()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("HTTP server shutdown error: %v", err)
	}

	logrus.Info("Server stopped gracefully")
	return serveErr
}

func configureLogging(cfg config.LoggingConfig) error {
	switch cfg.Format {
	case "", "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("unsupported log format: %s", cfg.Format)
	}

	level := logrus.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = logrus.ParseLevel(cfg.Level); err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	logrus.SetLevel(level)
	return nil
}
