// Package artifact maps jobs to on-disk package paths under one managed root.
package artifact

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/and161185/ipakeeper/internal/model"
)

// IncomingDir is the root subdirectory holding in-flight transfers. Keeping
// it on the same volume as the packages makes finalize a rename.
const IncomingDir = ".incoming"

// Layout resolves <root>/<bundleID>/<version>/<jobID>.ipa.
type Layout struct {
	root string
}

// NewLayout returns a layout rooted at the absolute form of root.
func NewLayout(root string) (*Layout, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("artifact root is empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	return &Layout{root: filepath.Clean(abs)}, nil
}

// Root returns the managed root directory.
func (l *Layout) Root() string { return l.root }

// Incoming returns the transfer staging directory.
func (l *Layout) Incoming() string { return filepath.Join(l.root, IncomingDir) }

// Path returns the final artifact path for job.
func (l *Layout) Path(job model.Job) string {
	version := job.App.Version
	if version == "" {
		version = job.VersionID
	}
	return filepath.Join(l.root,
		component(job.App.BundleID, "unknown"),
		component(version, "unknown"),
		job.ID.String()+".ipa")
}

// StagingName is the transfer file name for job inside Incoming.
func (l *Layout) StagingName(job model.Job) string { return job.ID.String() + ".ipa" }

// Remove deletes the job's artifact, its staged transfer files, and every
// ancestor directory left empty, stopping at the root.
func (l *Layout) Remove(job model.Job) error {
	var errs []error
	staged := filepath.Join(l.Incoming(), l.StagingName(job))
	for _, p := range []string{l.Path(job), staged, staged + ".part"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	if err := l.Prune(filepath.Dir(l.Path(job))); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Prune removes dir and its ancestors while they are empty. It never
// touches the root or anything outside it.
func (l *Layout) Prune(dir string) error {
	dir = filepath.Clean(dir)
	for l.inside(dir) {
		entries, err := os.ReadDir(dir)
		if os.IsNotExist(err) {
			dir = filepath.Dir(dir)
			continue
		}
		if err != nil {
			return err
		}
		if len(entries) > 0 {
			return nil
		}
		if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
			return err
		}
		dir = filepath.Dir(dir)
	}
	return nil
}

// inside reports whether p is strictly below the root.
func (l *Layout) inside(p string) bool {
	rel, err := filepath.Rel(l.root, p)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// component makes s safe as a single path element.
func component(s, fallback string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == 0:
			return '_'
		case r < 0x20:
			return -1
		}
		return r
	}, strings.TrimSpace(s))
	s = strings.TrimLeft(s, ".")
	if s == "" {
		return fallback
	}
	return s
}
