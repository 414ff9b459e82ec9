// Package jobstore keeps the ordered, in-memory view of download jobs and
// writes it through to a repository.
package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/ipakeeper/internal/errs"
	"github.com/and161185/ipakeeper/internal/model"
	"github.com/and161185/ipakeeper/internal/repository"
)

// Store is the job collection. Reads are safe from any goroutine; all
// mutations must come from one owner (the download manager loop).
type Store struct {
	repo repository.JobRepository
	log  *zap.Logger

	mu    sync.RWMutex
	jobs  []model.Job
	dirty map[uuid.UUID]struct{}
}

// Open loads all jobs and forces every non-terminal state back to pending.
func Open(ctx context.Context, repo repository.JobRepository, log *zap.Logger) (*Store, error) {
	jobs, err := repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	s := &Store{repo: repo, log: log.Named("jobstore"), dirty: map[uuid.UUID]struct{}{}}

	var resets []repository.StateUpdate
	for i := range jobs {
		before := jobs[i].State
		jobs[i].State.Reset()
		if jobs[i].State != before {
			resets = append(resets, repository.StateUpdate{ID: jobs[i].ID, State: jobs[i].State})
		}
	}
	sortJobs(jobs)
	s.jobs = jobs

	if len(resets) > 0 {
		if err := repo.UpdateStates(ctx, resets); err != nil {
			return nil, fmt.Errorf("reset interrupted jobs: %w", err)
		}
		s.log.Info("interrupted jobs reset", zap.Int("count", len(resets)))
	}
	return s, nil
}

// List returns a snapshot of all jobs in creation order.
func (s *Store) List() []model.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Job(nil), s.jobs...)
}

// Get returns the job with id.
func (s *Store) Get(id uuid.UUID) (model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i := s.indexLocked(id)
	if i < 0 {
		return model.Job{}, fmt.Errorf("job %s: %w", id, errs.ErrNotFound)
	}
	return s.jobs[i], nil
}

// FindByPackage returns the job for an app id + version identifier.
func (s *Store) FindByPackage(key model.PackageKey) (model.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.Key() == key {
			return j, true
		}
	}
	return model.Job{}, false
}

// Insert persists a new job. A job already holding the package key yields
// errs.ErrAlreadyExists; callers remove it first to replace.
func (s *Store) Insert(ctx context.Context, job model.Job) error {
	if _, ok := s.FindByPackage(job.Key()); ok {
		return fmt.Errorf("job for app %d version %s: %w", job.App.ID, job.VersionID, errs.ErrAlreadyExists)
	}
	if err := s.repo.Upsert(ctx, job); err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs = append(s.jobs, job)
	sortJobs(s.jobs)
	s.mu.Unlock()
	return nil
}

// Remove deletes the job. Missing jobs are not an error.
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		s.jobs = append(s.jobs[:i], s.jobs[i+1:]...)
	}
	delete(s.dirty, id)
	return nil
}

// UpdateState replaces a job's state in memory and marks it dirty. The
// change is visible to readers immediately and persisted on the next flush.
func (s *Store) UpdateState(id uuid.UUID, st model.JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("job %s: %w", id, errs.ErrNotFound)
	}
	s.jobs[i].State = st
	s.dirty[id] = struct{}{}
	return nil
}

// Dirty reports how many jobs have unpersisted state.
func (s *Store) Dirty() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.dirty)
}

// Flush persists every dirty state in one batch.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	updates := make([]repository.StateUpdate, 0, len(s.dirty))
	for id := range s.dirty {
		if i := s.indexLocked(id); i >= 0 {
			updates = append(updates, repository.StateUpdate{ID: id, State: s.jobs[i].State})
		}
	}
	s.dirty = map[uuid.UUID]struct{}{}
	s.mu.Unlock()

	if err := s.repo.UpdateStates(ctx, updates); err != nil {
		s.remark(updates)
		return fmt.Errorf("flush job states: %w", err)
	}
	return nil
}

// FlushJob persists one job's state immediately.
func (s *Store) FlushJob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("job %s: %w", id, errs.ErrNotFound)
	}
	u := repository.StateUpdate{ID: id, State: s.jobs[i].State}
	delete(s.dirty, id)
	s.mu.Unlock()

	if err := s.repo.UpdateStates(ctx, []repository.StateUpdate{u}); err != nil {
		s.remark([]repository.StateUpdate{u})
		return fmt.Errorf("flush job %s: %w", id, err)
	}
	return nil
}

func (s *Store) remark(updates []repository.StateUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range updates {
		if s.indexLocked(u.ID) >= 0 {
			s.dirty[u.ID] = struct{}{}
		}
	}
}

func (s *Store) indexLocked(id uuid.UUID) int {
	for i := range s.jobs {
		if s.jobs[i].ID == id {
			return i
		}
	}
	return -1
}

func sortJobs(jobs []model.Job) {
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
}
