// Package service wires the order engine together and owns the lifetime
// of every component.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/simple-oms/internal/config"
	"github.com/amirphl/simple-oms/internal/db"
	"github.com/amirphl/simple-oms/internal/db/conf"
	"github.com/amirphl/simple-oms/internal/event"
	"github.com/amirphl/simple-oms/internal/exchange"
	"github.com/amirphl/simple-oms/internal/manager"
	"github.com/amirphl/simple-oms/internal/notifier"
	"github.com/amirphl/simple-oms/internal/order"
	"github.com/amirphl/simple-oms/internal/reconcile"
	"github.com/amirphl/simple-oms/internal/sink"
	"github.com/amirphl/simple-oms/internal/utils"
)

// Sink receives every order event.
type Sink interface {
	Handle(ctx context.Context, e order.Event) error
	Close() error
}

// Components are the externally backed parts of the service. Store and
// Broker are required.
type Components struct {
	Store    db.Storage
	Broker   exchange.Exchange
	Notifier notifier.Notifier
	Sink     Sink
	// CloseStore releases the store on shutdown.
	CloseStore func() error
}

type Service struct {
	cfg     config.Config
	store   db.Storage
	broker  exchange.Exchange
	sink    Sink
	closeDB func() error

	Events     *event.Manager
	Manager    *manager.Manager
	Reconciler *reconcile.Engine

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// OpenStore connects to the configured database, applying the schema
// when migrations are enabled.
func OpenStore(ctx context.Context, cfg config.Config) (*db.Default, error) {
	dbConfig, err := conf.NewConfig(cfg.DBDriver, cfg.DBConnStr, cfg.DBMaxOpen, cfg.DBMaxIdle)
	if err != nil {
		return nil, fmt.Errorf("failed to create DB config: %w", err)
	}
	store, err := db.New(*dbConfig)
	if err != nil {
		dbConfig.DB.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if cfg.RunMigration || cfg.Mode == config.ModeMigrate {
		if err := store.Migrate(ctx); err != nil {
			dbConfig.DB.Close()
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		utils.GetLogger().Printf("Service | Schema applied (%s)", cfg.DBDriver)
	}
	return store, nil
}

// New builds the service from configuration: database, broker, notifier
// and Kafka sink.
func New(ctx context.Context, cfg config.Config) (*Service, error) {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var broker exchange.Exchange
	switch cfg.Broker {
	case config.BrokerWallex:
		broker = exchange.NewWallexExchange(cfg.WallexAPIKey)
	default:
		broker = exchange.NewPaperExchange()
	}

	var n notifier.Notifier = notifier.Noop{}
	if cfg.TelegramToken != "" {
		n = notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, cfg.ProxyURL, cfg.NotificationRetries, cfg.NotificationDelay)
	}

	var s Sink
	if len(cfg.KafkaBrokers) > 0 {
		s = sink.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	return Build(cfg, Components{
		Store:      store,
		Broker:     broker,
		Notifier:   n,
		Sink:       s,
		CloseStore: store.GetDB().Close,
	})
}

// Build constructs every engine component on top of c and registers the
// process-level event handlers.
func Build(cfg config.Config, c Components) (*Service, error) {
	if c.Store == nil || c.Broker == nil {
		return nil, errors.New("service needs a store and a broker")
	}
	if c.Notifier == nil {
		c.Notifier = notifier.Noop{}
	}

	events := event.NewManager(c.Store, event.Config{
		QueueSize:      cfg.EventQueueSize,
		HandlerTimeout: cfg.HandlerTimeout,
	})
	mgr := manager.New(c.Store, events, c.Broker, manager.Config{
		MaxAttempts:   cfg.MaxSubmitAttempts,
		RetryDelay:    cfg.SubmitRetryDelay,
		TrackWindow:   cfg.TrackWindow,
		BrokerTimeout: cfg.BrokerTimeout,
	})
	rec := reconcile.New(c.Store, events, c.Broker, reconcile.Config{
		Interval: cfg.ReconcileInterval,
		Lookback: cfg.ReconcileLookback,
	})

	if err := mgr.RegisterEventHandlers(events); err != nil {
		return nil, err
	}
	for _, t := range notifier.NotifiedEvents {
		if _, err := events.RegisterEventHandler(t, notifier.EventHandler(c.Notifier)); err != nil {
			return nil, fmt.Errorf("failed to register notifier for %s: %w", t, err)
		}
	}
	rec.OnReport(notifier.ReportHandler(c.Notifier))
	if c.Sink != nil {
		for _, t := range order.AllEventTypes {
			if _, err := events.RegisterEventHandler(t, c.Sink.Handle); err != nil {
				return nil, fmt.Errorf("failed to register sink for %s: %w", t, err)
			}
		}
	}

	return &Service{
		cfg:        cfg,
		store:      c.Store,
		broker:     c.Broker,
		sink:       c.Sink,
		closeDB:    c.CloseStore,
		Events:     events,
		Manager:    mgr,
		Reconciler: rec,
	}, nil
}

// Connect opens the broker session and re-registers orders placed by an
// earlier process with brokers that track them in memory.
func (s *Service) Connect(ctx context.Context) error {
	if err := s.broker.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.broker.Name(), err)
	}
	r, ok := s.broker.(exchange.Resumer)
	if !ok {
		return nil
	}

	since := time.Now().Add(-s.cfg.ReconcileLookback)
	orders, err := s.store.GetAllOrdersForReconciliation(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to load orders to resume: %w", err)
	}
	refs := make(map[uint64]string)
	for _, o := range orders {
		if o.Ticket != 0 && o.Submission != nil && o.Submission.BrokerRef != "" {
			refs[o.Ticket] = o.Submission.BrokerRef
		}
	}
	r.Resume(refs)
	utils.GetLogger().Printf("Service | Resumed %d broker order(s) on %s", len(refs), s.broker.Name())
	return nil
}

// Start connects to the broker and starts event dispatch, the status
// poller and timed reconciliation.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("service already started")
	}

	if err := s.Connect(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	// dispatch outlives ctx so Shutdown can drain the queue
	s.Events.Start(context.WithoutCancel(ctx))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Manager.RunStatusPoller(runCtx, s.cfg.PollInterval)
	}()

	s.Reconciler.Start(runCtx)
	utils.GetLogger().Printf("Service | Started with broker %s", s.broker.Name())
	return nil
}

// ReconcileOnce connects to the broker if needed and runs one sweep.
func (s *Service) ReconcileOnce(ctx context.Context) (reconcile.Report, error) {
	if !s.broker.IsConnected() {
		if err := s.Connect(ctx); err != nil {
			return reconcile.Report{}, err
		}
	}
	return s.Reconciler.ReconcileOrders(ctx)
}

// Shutdown stops the loops, drains the event queue and releases the
// sink, the broker session and the database, in that order.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.started = false
	s.mu.Unlock()

	utils.GetLogger().Println("Service | Graceful shutdown initiated...")

	var errs []error
	s.Reconciler.Stop()
	if cancel != nil {
		cancel()
	}
	stopped := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("status poller did not stop: %w", ctx.Err()))
	}

	if err := s.Events.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close sink: %w", err))
		}
	}
	if err := s.broker.Disconnect(); err != nil {
		errs = append(errs, fmt.Errorf("failed to disconnect from %s: %w", s.broker.Name(), err))
	}
	if s.closeDB != nil {
		if err := s.closeDB(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close database: %w", err))
		}
	}

	utils.GetLogger().Println("Service | Shutdown complete")
	return errors.Join(errs...)
}
