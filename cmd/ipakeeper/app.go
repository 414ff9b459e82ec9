package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/ipakeeper/internal/artifact"
	"github.com/and161185/ipakeeper/internal/config"
	"github.com/and161185/ipakeeper/internal/downloads"
	"github.com/and161185/ipakeeper/internal/finalize"
	"github.com/and161185/ipakeeper/internal/jobstore"
	"github.com/and161185/ipakeeper/internal/limiter"
	"github.com/and161185/ipakeeper/internal/lock"
	"github.com/and161185/ipakeeper/internal/logging"
	"github.com/and161185/ipakeeper/internal/migrate"
	"github.com/and161185/ipakeeper/internal/repository"
	"github.com/and161185/ipakeeper/internal/repository/postgres"
	"github.com/and161185/ipakeeper/internal/repository/sqlite"
	"github.com/and161185/ipakeeper/internal/secret"
	"github.com/and161185/ipakeeper/internal/service"
	"github.com/and161185/ipakeeper/internal/session"
	"github.com/and161185/ipakeeper/internal/storeapi"
	"github.com/and161185/ipakeeper/internal/transfer"
)

// app holds the wired components for one invocation.
type app struct {
	cfg    *config.Config
	log    *zap.Logger
	stdout io.Writer
	stderr io.Writer

	lock     *lock.Lock
	sessions *session.Store
	auth     service.AuthService
	catalog  service.CatalogService
	packages service.PackageService
	manager  *downloads.Manager

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) (_ *app, err error) {
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, stdout: stdout, stderr: stderr}
	a.closers = append(a.closers, func() { _ = log.Sync() })
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	if a.lock, err = lock.Acquire(cfg.LockPath()); err != nil {
		return nil, fmt.Errorf("data dir %s: %w", cfg.DataDir, err)
	}
	a.closers = append(a.closers, func() { _ = a.lock.Release() })

	secrets, err := secret.OpenFile(cfg.SecretsPath(), []byte(cfg.Passphrase))
	if err != nil {
		return nil, err
	}
	if a.sessions, err = session.Open(ctx, secrets, log); err != nil {
		return nil, err
	}
	deviceID, err := session.DeviceIdentifier(ctx, secrets, log)
	if err != nil {
		return nil, err
	}

	repo, signins, err := a.openDatabase(ctx)
	if err != nil {
		return nil, err
	}

	opts := storeapi.DefaultOptions()
	opts.Timeout = cfg.Store.Timeout
	if cfg.Store.UserAgent != "" {
		opts.UserAgent = cfg.Store.UserAgent
	}
	api := storeapi.NewClient(opts, log)
	a.auth = service.NewAuthService(api, deviceID, signins, log)
	a.catalog = service.NewCatalogService(api, deviceID, limiter.NewRate(cfg.Store.RequestsPerSecond, cfg.Store.Burst), log)

	store, err := jobstore.Open(ctx, repo, log)
	if err != nil {
		return nil, err
	}
	layout, err := artifact.NewLayout(cfg.PackagesPath())
	if err != nil {
		return nil, err
	}
	topts := transfer.DefaultOptions()
	topts.Dir = layout.Incoming()
	topts.RetryAttempts = cfg.Downloads.RetryAttempts
	if cfg.Downloads.RetryBackoff > 0 {
		topts.RetryBackoff = cfg.Downloads.RetryBackoff
	}
	if cfg.Downloads.RetryMaxBackoff > 0 {
		topts.RetryMaxBackoff = cfg.Downloads.RetryMaxBackoff
	}
	a.manager = downloads.NewManager(store, layout, transfer.NewClient(topts, log), finalize.NewEngine(nil, log),
		downloads.Options{FlushInterval: cfg.Downloads.FlushInterval}, log)
	a.packages = service.NewPackageService(a.sessions, a.auth, a.catalog, a.manager, cfg.Catalog.AutoLicense, log)
	return a, nil
}

// openDatabase returns the job repository and the sign-in limiter for the
// configured driver. PostgreSQL shares its pool with a persistent limiter.
func (a *app) openDatabase(ctx context.Context) (repository.JobRepository, limiter.Limiter, error) {
	auth := a.cfg.Auth
	switch a.cfg.Database.Driver {
	case config.DriverPostgres:
		if err := migrate.Up(ctx, migrate.DriverPostgres, a.cfg.Database.DSN, a.log); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		db, err := postgres.New(ctx, a.cfg.Database.DSN, a.cfg.Database.MaxConns)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, db.Close)
		return postgres.NewJobRepo(db), limiter.NewPG(db.Pool, auth.FailureWindow, auth.MaxFailures, auth.BlockFor), nil
	default:
		repo, err := sqlite.Open(ctx, a.cfg.DatabasePath(), a.log)
		if err != nil {
			return nil, nil, err
		}
		a.closers = append(a.closers, func() { _ = repo.Close() })
		return repo, limiter.NewMemory(auth.FailureWindow, auth.MaxFailures, auth.BlockFor), nil
	}
}

// run drives the download manager alongside fn. The manager outlives fn so
// that an interrupted command can still suspend its jobs; it is stopped once
// fn returns.
func (a *app) run(ctx context.Context, fn func(ctx context.Context) error) error {
	defer a.close()

	loopCtx, stopLoop := context.WithCancel(context.Background())
	defer stopLoop()

	g := new(errgroup.Group)
	g.Go(func() error { return a.manager.Run(loopCtx) })
	g.Go(func() error {
		defer stopLoop()
		return fn(ctx)
	})
	return g.Wait()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// detached returns a short context for cleanup after ctx was cancelled.
func detached() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

var errNoAccount = errors.New("no signed-in account; run login first")
