package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/ipakeeper/internal/errs"
	"github.com/and161185/ipakeeper/internal/model"
)

// JobQueue accepts download jobs.
type JobQueue interface {
	Add(ctx context.Context, job model.Job) (model.Job, error)
	Start(ctx context.Context, id uuid.UUID) error
}

// PackageService turns a catalog entry into a running download job.
type PackageService interface {
	// Request resolves a grant for app (pinned version if set) and queues it.
	Request(ctx context.Context, accountID uuid.UUID, app model.AppIdentity) (model.Job, error)
	// AcquireLicense rotates the account token, then purchases app.
	AcquireLicense(ctx context.Context, accountID uuid.UUID, app model.AppIdentity) error
}

type PackageServiceImpl struct {
	accounts    AccountStore
	auth        AuthService
	catalog     CatalogService
	queue       JobQueue
	autoLicense bool
	now         func() time.Time
	log         *zap.Logger
}

// NewPackageService constructs PackageService. With autoLicense, a
// license-required answer for a free app triggers AcquireLicense and one retry.
func NewPackageService(accounts AccountStore, auth AuthService, catalog CatalogService, queue JobQueue, autoLicense bool, log *zap.Logger) *PackageServiceImpl {
	return &PackageServiceImpl{
		accounts:    accounts,
		auth:        auth,
		catalog:     catalog,
		queue:       queue,
		autoLicense: autoLicense,
		now:         time.Now,
		log:         log.Named("packages"),
	}
}

// Request obtains a grant and creates (or replaces) the job for it.
func (s *PackageServiceImpl) Request(ctx context.Context, accountID uuid.UUID, app model.AppIdentity) (model.Job, error) {
	acc, err := s.accounts.Get(accountID)
	if err != nil {
		return model.Job{}, fmt.Errorf("account %s: %w", accountID, err)
	}
	rotated := false
	if acc.PasswordToken == "" {
		if acc, err = s.rotate(ctx, accountID); err != nil {
			return model.Job{}, err
		}
		rotated = true
	}

	versionID := app.ExternalVersionID
	grant, err := s.catalog.RequestDownload(ctx, acc, app, versionID)
	switch {
	case errors.Is(err, errs.ErrLicenseRequired) && s.autoLicense && app.Free():
		s.log.Info("license required, acquiring", zap.Int64("app", app.ID))
		if err := s.AcquireLicense(ctx, accountID, app); err != nil {
			return model.Job{}, err
		}
		if acc, err = s.accounts.Get(accountID); err != nil {
			return model.Job{}, err
		}
		grant, err = s.catalog.RequestDownload(ctx, acc, app, versionID)
	case errors.Is(err, errs.ErrUnauthorized) && !rotated:
		s.log.Info("password token rejected, re-authenticating")
		if acc, err = s.rotate(ctx, accountID); err != nil {
			return model.Job{}, err
		}
		grant, err = s.catalog.RequestDownload(ctx, acc, app, versionID)
	}
	if err != nil {
		return model.Job{}, err
	}

	if versionID == "" {
		versionID = grant.VersionID
	}
	if versionID == "" {
		versionID = app.Version
	}
	job, err := model.NewJob(acc, app, versionID, grant, s.now())
	if err != nil {
		return model.Job{}, err
	}
	if job, err = s.queue.Add(ctx, job); err != nil {
		return model.Job{}, fmt.Errorf("queue job: %w", err)
	}
	if err := s.queue.Start(ctx, job.ID); err != nil {
		return model.Job{}, fmt.Errorf("start job: %w", err)
	}
	s.log.Info("download requested", zap.String("job", job.ID.String()), zap.String("bundle", app.BundleID), zap.String("version", versionID))
	return job, nil
}

// AcquireLicense rotates the password token, commits it, then purchases app.
// The rotated token is kept even when the purchase fails.
func (s *PackageServiceImpl) AcquireLicense(ctx context.Context, accountID uuid.UUID, app model.AppIdentity) error {
	if !app.Free() {
		return errs.ErrPaidApp
	}
	acc, err := s.rotate(ctx, accountID)
	if err != nil {
		return err
	}
	return s.catalog.Purchase(ctx, acc, app)
}

func (s *PackageServiceImpl) rotate(ctx context.Context, accountID uuid.UUID) (model.Account, error) {
	var out model.Account
	err := s.accounts.WithAccount(ctx, accountID, func(ctx context.Context, acc *model.Account) error {
		next, err := s.auth.RotatePasswordToken(ctx, *acc)
		if err != nil {
			return err
		}
		*acc = next
		out = next
		return nil
	})
	return out, err
}
