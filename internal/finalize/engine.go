// Package finalize turns a downloaded payload into a signed artifact at its
// final path.
package finalize

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/and161185/ipakeeper/internal/errs"
	"github.com/and161185/ipakeeper/internal/model"
	"github.com/and161185/ipakeeper/internal/sinf"
)

// Injector patches an archive in place.
type Injector func(file string, sigs []model.Signature, metadata []byte) error

// Engine places finalized artifacts.
type Engine struct {
	inject Injector
	log    *zap.Logger
}

// NewEngine returns an engine using inject, or sinf.Inject when nil.
func NewEngine(inject Injector, log *zap.Logger) *Engine {
	if inject == nil {
		inject = sinf.Inject
	}
	return &Engine{inject: inject, log: log.Named("finalize")}
}

// Finalize moves payload next to target, injects the job's signatures and
// renames the result onto target. Only a fully patched file ever appears
// at target. Errors wrap errs.ErrFinalize.
func (e *Engine) Finalize(job model.Job, payload, target string) error {
	if err := e.finalize(job, payload, target); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrFinalize, err)
	}
	return nil
}

func (e *Engine) finalize(job model.Job, payload, target string) error {
	log := e.log.With(zap.String("job", job.ID.String()))
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create target dir: %w", err)
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale artifact: %w", err)
	}

	tmp := filepath.Join(dir, "."+filepath.Base(target)+".unsigned")
	if err := os.Rename(payload, tmp); err != nil {
		return fmt.Errorf("stage payload: %w", err)
	}
	defer os.Remove(tmp)

	log.Info("injecting signatures", zap.Int("signatures", len(job.Grant.Signatures)))
	if err := e.inject(tmp, job.Grant.Signatures, job.Grant.Metadata); err != nil {
		return fmt.Errorf("inject signatures: %w", err)
	}

	log.Info("moving finalized file", zap.String("target", target))
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("place artifact: %w", err)
	}
	return nil
}
