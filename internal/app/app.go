// Package app assembles the conductor and the worker from the settings.
// Every client is constructed here and handed to the components; nothing
// below this package reads global state.
package app

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/tphakala/aedbatch/internal/aed"
	"github.com/tphakala/aedbatch/internal/aggregator"
	"github.com/tphakala/aedbatch/internal/blob"
	"github.com/tphakala/aedbatch/internal/buildinfo"
	"github.com/tphakala/aedbatch/internal/capacity"
	"github.com/tphakala/aedbatch/internal/conductor"
	"github.com/tphakala/aedbatch/internal/conf"
	"github.com/tphakala/aedbatch/internal/datastore"
	"github.com/tphakala/aedbatch/internal/errors"
	"github.com/tphakala/aedbatch/internal/features"
	"github.com/tphakala/aedbatch/internal/logger"
	"github.com/tphakala/aedbatch/internal/observability"
	"github.com/tphakala/aedbatch/internal/planner"
	"github.com/tphakala/aedbatch/internal/queue"
	"github.com/tphakala/aedbatch/internal/router"
	"github.com/tphakala/aedbatch/internal/telemetry"
	"github.com/tphakala/aedbatch/internal/worker"
)

// App holds the process-wide services shared by the commands.
type App struct {
	Settings *conf.Settings
	Build    *buildinfo.Context
	Log      logger.Logger
	Reporter *telemetry.Reporter

	central *logger.CentralLogger
	root    logger.Logger // unscoped, for components that pick their own module
	closers []func() error
}

// New sets up logging and error reporting.
func New(settings *conf.Settings, build *buildinfo.Context) (*App, error) {
	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	root := central.Module("")
	log := central.Module("app")

	reporter, err := telemetry.New(&settings.Telemetry, settings.Main.Environment,
		build.Release(settings.Main.Name), root)
	if err != nil {
		_ = central.Close()
		return nil, err
	}

	log.Info("starting",
		logger.String("service", settings.Main.Name),
		logger.String("environment", settings.Main.Environment),
		logger.String("version", build.GetVersion()),
		logger.Bool("telemetry", reporter.Enabled()))

	return &App{
		Settings: settings,
		Build:    build,
		Log:      log,
		Reporter: reporter,
		central:  central,
		root:     root,
	}, nil
}

// Logger returns the logger of a module.
func (a *App) Logger(module string) logger.Logger {
	return a.central.Module(module)
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases everything opened through the App in reverse order and
// flushes pending telemetry.
func (a *App) Close() error {
	var errs []error
	for _, fn := range slices.Backward(a.closers) {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	a.Reporter.Flush(telemetry.DefaultFlushTimeout)
	if err := a.central.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// OpenStore opens the relational store. It is closed with the App.
func (a *App) OpenStore() (datastore.Interface, error) {
	store := datastore.New(&a.Settings.Database, a.root)
	if err := store.Open(); err != nil {
		return nil, err
	}
	a.onClose(store.Close)
	return store, nil
}

// Planner builds the chunk planner for the configured accounts.
func (a *App) Planner() (*planner.Planner, error) {
	accounts := make([]planner.Account, len(a.Settings.Accounts))
	for i := range a.Settings.Accounts {
		acct := &a.Settings.Accounts[i]
		accounts[i] = planner.Account{
			ID:     acct.ID,
			Prefix: acct.URIPrefix,
			Caps:   planner.Caps{Normal: acct.ChunkCaps.Normal, High: acct.ChunkCaps.High},
		}
	}
	return planner.New(accounts,
		planner.WithFraction(a.Settings.Conductor.ChunkFraction),
		planner.WithHighSampleRate(a.Settings.Conductor.HighSampleRate))
}

// dial connects to the broker of one account. The connection is closed with
// the App.
func (a *App) dial(acct *conf.AccountSettings) (*queue.Conn, error) {
	conn, err := queue.Dial(acct.AMQP.URL, a.root)
	if err != nil {
		return nil, err
	}
	a.onClose(conn.Close)
	return conn, nil
}

// Conductor builds a conductor with one publisher per account.
func (a *App) Conductor(store datastore.Interface, metrics *observability.Metrics) (*conductor.Conductor, error) {
	plan, err := a.Planner()
	if err != nil {
		return nil, err
	}

	queues := make(map[int]router.AccountQueues, len(a.Settings.Accounts))
	for i := range a.Settings.Accounts {
		acct := &a.Settings.Accounts[i]
		conn, err := a.dial(acct)
		if err != nil {
			return nil, err
		}
		pub, err := queue.NewPublisher(conn, acct.AMQP.Exchange, a.root)
		if err != nil {
			return nil, err
		}
		queues[acct.ID] = router.AccountQueues{
			Normal:    acct.AMQP.NormalQueue,
			Large:     acct.AMQP.LargeQueue,
			Publisher: pub,
		}
	}
	route, err := router.New(queues, a.Settings.LargeJobThreshold(), float64(a.Settings.Conductor.MaxNormalMeanRate))
	if err != nil {
		return nil, err
	}

	s := &a.Settings.Conductor
	return conductor.New(conductor.ConfigFromSettings(s), conductor.Deps{
		Store:    store,
		Capacity: capacity.NewTracker(store, s.ConcurrentLimit, s.AdmissionWindow, a.root),
		Planner:  plan,
		Router:   route,
		Metrics:  metrics.Conductor,
		Reporter: a.Reporter,
		Log:      a.root,
	})
}

// BlobStore returns the object store of an account, or a directory when
// LocalPath is set.
func (a *App) BlobStore(acct *conf.AccountSettings) (blob.Store, error) {
	if acct.S3.LocalPath != "" {
		return blob.NewLocalStore(acct.S3.LocalPath)
	}
	return blob.NewS3Store(&acct.S3, a.root)
}

// Claims returns the Redis claim store when enabled. Without Redis every
// claim is granted.
func (a *App) Claims(ctx context.Context) (aggregator.Claims, error) {
	r := &a.Settings.Redis
	if !r.Enabled {
		return aggregator.NopClaims{}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.New(err).
			Component("app").
			Category(errors.CategoryNetwork).
			Context("addr", r.Addr).
			Build()
	}
	a.onClose(client.Close)
	return aggregator.NewRedisClaims(client, r.KeyPrefix, claimOwner()), nil
}

func claimOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// Detector builds the detection engine and feature extractor.
func (a *App) Detector() (*aed.Engine, *features.Extractor, error) {
	engine, err := aed.New(aed.ConfigFromSettings(&a.Settings.Detection))
	if err != nil {
		return nil, nil, err
	}
	extractor, err := features.NewExtractor(features.HOGFromSettings(&a.Settings.Detection))
	if err != nil {
		return nil, nil, err
	}
	return engine, extractor, nil
}

// Worker builds the worker and one consumer per account that has queues to
// consume.
func (a *App) Worker(ctx context.Context, store datastore.Interface, metrics *observability.Metrics) (*worker.Worker, []worker.Consumer, error) {
	engine, extractor, err := a.Detector()
	if err != nil {
		return nil, nil, err
	}
	claims, err := a.Claims(ctx)
	if err != nil {
		return nil, nil, err
	}

	accounts := make(map[int]worker.Account, len(a.Settings.Accounts))
	var consumers []worker.Consumer
	for i := range a.Settings.Accounts {
		acct := &a.Settings.Accounts[i]
		objects, err := a.BlobStore(acct)
		if err != nil {
			return nil, nil, err
		}
		accounts[acct.ID] = worker.Account{
			Store:            objects,
			RecordingsBucket: acct.S3.RecordingsBucket,
			ArtifactsBucket:  acct.S3.ArtifactsBucket,
			ACL:              acct.S3.ACL,
		}

		queues := ConsumedQueues(acct, a.Settings.Worker.Queues)
		if len(queues) == 0 {
			continue
		}
		conn, err := a.dial(acct)
		if err != nil {
			return nil, nil, err
		}
		consumer, err := queue.NewConsumer(conn, acct.AMQP.Exchange, queues, a.Settings.Worker.Prefetch, a.root)
		if err != nil {
			return nil, nil, err
		}
		consumers = append(consumers, consumer)
	}
	if len(consumers) == 0 {
		return nil, nil, errors.Newf("no configured account owns any of the queues %v", a.Settings.Worker.Queues).
			Component("app").
			Category(errors.CategoryConfiguration).
			Build()
	}

	agg := aggregator.New(store, a.Settings.Main.Environment, extractor.Len(), a.root,
		aggregator.WithFailureRatio(a.Settings.Worker.FailureRatio),
		aggregator.WithRecorder(metrics.Worker))
	w, err := worker.New(worker.ConfigFromSettings(a.Settings), worker.Deps{
		Engine:     engine,
		Extractor:  extractor,
		Aggregator: agg,
		Jobs:       store,
		Accounts:   accounts,
		Claims:     claims,
		Metrics:    metrics.Worker,
		Reporter:   a.Reporter,
		Log:        a.root,
	})
	if err != nil {
		return nil, nil, err
	}
	return w, consumers, nil
}

// ConsumedQueues returns the queues of acct selected by names. No names
// selects both queues of the account.
func ConsumedQueues(acct *conf.AccountSettings, names []string) []string {
	own := []string{acct.AMQP.NormalQueue, acct.AMQP.LargeQueue}
	if len(names) == 0 {
		return own
	}
	var queues []string
	for _, q := range own {
		if slices.Contains(names, q) {
			queues = append(queues, q)
		}
	}
	return queues
}
