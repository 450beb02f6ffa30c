package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/sirupsen/logrus"
	"github.com/warp/contract-engine/config"
	"github.com/warp/contract-engine/contract"
	"github.com/warp/contract-engine/contract/store"
	"github.com/warp/contract-engine/factory"
	"github.com/warp/contract-engine/ledger"
	"github.com/warp/contract-engine/metrics"
	"github.com/warp/contract-engine/reminder"
	"github.com/warp/contract-engine/status"
	"github.com/warp/contract-engine/store/sqlstore"
)

// contractStore is what both store implementations provide.
type contractStore interface {
	contract.Store
	contract.ReminderStore
}

// app holds the wired components shared by serve and sweep.
type app struct {
	log     *logrus.Logger
	clock   contract.Clock
	store   contractStore
	metrics *metrics.Metrics
	factory *factory.ContractFactory
	ledger  *ledger.Ledger
	sweeper *reminder.Sweeper

	slipTolerance contract.Money
	closers       []io.Closer
}

func newApp(cfg *config.Config) (*app, error) {
	a := &app{log: newLogger(cfg.Log)}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	rate, err := cfg.PawnRate()
	if err != nil {
		return nil, err
	}
	a.clock = contract.SystemClock{Location: loc}
	a.metrics = metrics.New()
	a.slipTolerance = contract.Money(cfg.Contracts.SlipTolerance)

	if err := a.openStore(cfg.Database); err != nil {
		return nil, err
	}

	a.factory = factory.New(a.store, factory.Options{
		RequireApproval: cfg.Contracts.RequireApproval,
		DefaultPawnRate: rate,
		PawnTermMonths:  cfg.Contracts.PawnTermMonths,
		MaxExtensions:   cfg.Contracts.MaxExtensions,
		Clock:           a.clock,
		Logger:          a.log,
		Metrics:         a.metrics,
	})

	retry := ledger.DefaultRetryConfig()
	retry.MaxAttempts = cfg.Retry.MaxAttempts
	retry.BackoffBase = cfg.Retry.BackoffBase
	retry.MaxBackoff = cfg.Retry.MaxBackoff
	a.ledger = ledger.New(a.store, ledger.Options{
		Engine:        status.NewEngine(cfg.Contracts.GraceDays),
		Clock:         a.clock,
		Logger:        a.log,
		Metrics:       a.metrics,
		Retry:         retry,
		MaxExtensions: cfg.Contracts.MaxExtensions,
	})

	notifier, err := a.newNotifier(cfg.Notifier, cfg.Reminders.NotifyTimeout)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.sweeper = reminder.NewSweeper(a.store, a.store, a.ledger, notifier, reminder.Options{
		UpcomingDays:  cfg.Reminders.UpcomingDays,
		OverdueDays:   cfg.Reminders.OverdueDays,
		Concurrency:   cfg.Reminders.Concurrency,
		NotifyTimeout: cfg.Reminders.NotifyTimeout,
		Clock:         a.clock,
		Logger:        a.log,
		Metrics:       a.metrics,
	})

	a.log.WithFields(logrus.Fields{
		"driver":   cfg.Database.Driver,
		"notifier": notifier.Channel(),
		"timezone": loc.String(),
	}).Info("contract engine initialized")
	return a, nil
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if strings.EqualFold(cfg.Format, "text") {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
		log.WithField("level", cfg.Level).Warn("unknown log level, using info")
	}
	log.SetLevel(level)
	return log
}

func (a *app) openStore(cfg config.DatabaseConfig) error {
	switch cfg.Driver {
	case "memory":
		a.store = store.NewMemory()
		a.log.Warn("using in-memory store; data is lost on exit")
		return nil
	case sqlstore.DriverSQLite:
		if cfg.DSN != ":memory:" && !strings.HasPrefix(cfg.DSN, "file:") {
			if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o755); err != nil {
				return fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	s, err := sqlstore.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	a.store = s
	a.closers = append(a.closers, s)
	return nil
}

func (a *app) newNotifier(cfg config.NotifierConfig, timeout time.Duration) (reminder.Notifier, error) {
	switch cfg.Type {
	case "webhook":
		return reminder.NewWebhookNotifier(cfg.Webhook.URL, timeout), nil
	case "email":
		return reminder.NewEmailNotifier(reminder.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}), nil
	case "nats":
		return a.natsNotifier(cfg.NATS)
	default:
		return &reminder.LogNotifier{Logger: a.log}, nil
	}
}

// natsNotifier connects to NATS and makes sure the reminder stream exists.
// The stream's duplicate window drops a republished Msg-ID.
func (a *app) natsNotifier(cfg config.NATSConfig) (reminder.Notifier, error) {
	conn, err := nats.Connect(cfg.URL, nats.Name("contract-engine"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Stream,
		Subjects:   []string{cfg.Subject + ".>"},
		Duplicates: 48 * time.Hour,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	a.closers = append(a.closers, closerFunc(func() error {
		return conn.Drain()
	}))
	return &reminder.NATSNotifier{Publisher: js, Subject: cfg.Subject}, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.WithError(err).Warn("close failed")
		}
	}
	a.closers = nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
