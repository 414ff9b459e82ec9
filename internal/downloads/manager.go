// Package downloads drives jobs through transfer and finalize. A single
// loop goroutine owns every job state transition.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/ipakeeper/internal/artifact"
	"github.com/and161185/ipakeeper/internal/errs"
	"github.com/and161185/ipakeeper/internal/jobstore"
	"github.com/and161185/ipakeeper/internal/model"
	"github.com/and161185/ipakeeper/internal/transfer"
)

// ErrStopped is returned by commands issued after Run has returned.
var ErrStopped = errors.New("download manager stopped")

// Finalizer places a downloaded payload at its target path.
type Finalizer interface {
	Finalize(job model.Job, payload, target string) error
}

// Options tunes the manager.
type Options struct {
	// FlushInterval batches progress persistence. Default: 1s
	FlushInterval time.Duration
	// EventBuffer is the per-subscriber channel size. Default: 64
	EventBuffer int
}

// Event reports a job change. Removed jobs carry their last snapshot.
type Event struct {
	Job     model.Job
	Removed bool
}

type command struct {
	fn    func(ctx context.Context) error
	reply chan error
}

// running tracks the live transfer of one job.
type running struct {
	task transfer.Task
	gen  uint64
}

// Manager is the download orchestrator.
type Manager struct {
	store     *jobstore.Store
	layout    *artifact.Layout
	transfers transfer.Downloader
	finalizer Finalizer
	opts      Options
	log       *zap.Logger

	cmds chan command
	done chan struct{}
	once sync.Once

	// loop-owned
	gen        uint64
	active     map[uuid.UUID]running
	finalizing map[uuid.UUID]uint64
	workers    sync.WaitGroup

	subMu sync.Mutex
	subID int
	subs  map[int]chan Event
}

// NewManager wires a manager. Call Run to process commands.
func NewManager(store *jobstore.Store, layout *artifact.Layout, transfers transfer.Downloader, finalizer Finalizer, opts Options, log *zap.Logger) *Manager {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	return &Manager{
		store:      store,
		layout:     layout,
		transfers:  transfers,
		finalizer:  finalizer,
		opts:       opts,
		log:        log.Named("downloads"),
		cmds:       make(chan command),
		done:       make(chan struct{}),
		active:     map[uuid.UUID]running{},
		finalizing: map[uuid.UUID]uint64{},
		subs:       map[int]chan Event{},
	}
}

// Run processes commands and transfer callbacks until ctx is cancelled.
// On exit, live transfers are stopped with their partial data kept and
// pending state is flushed.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case c := <-m.cmds:
			err := c.fn(ctx)
			if c.reply != nil {
				c.reply <- err
			}
		case <-ticker.C:
			if m.store.Dirty() == 0 {
				continue
			}
			if err := m.store.Flush(ctx); err != nil {
				m.log.Warn("flush job states", zap.Error(err))
			}
		}
	}
}

func (m *Manager) shutdown() {
	m.once.Do(func() { close(m.done) })
	for id, r := range m.active {
		r.task.Stop()
		delete(m.active, id)
	}
	m.workers.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.Flush(ctx); err != nil {
		m.log.Warn("final flush", zap.Error(err))
	}
	m.subMu.Lock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	m.subMu.Unlock()
}

// do runs fn on the loop and waits for its result.
func (m *Manager) do(ctx context.Context, fn func(ctx context.Context) error) error {
	c := command{fn: fn, reply: make(chan error, 1)}
	select {
	case m.cmds <- c:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
	select {
	case err := <-c.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn on the loop without waiting. Used by transfer callbacks.
func (m *Manager) post(fn func(ctx context.Context)) {
	select {
	case m.cmds <- command{fn: func(ctx context.Context) error { fn(ctx); return nil }}:
	case <-m.done:
	}
}

// Add stores job. A job with the same package key is cancelled, its
// artifacts deleted and the job removed first.
func (m *Manager) Add(ctx context.Context, job model.Job) (model.Job, error) {
	err := m.do(ctx, func(ctx context.Context) error {
		if old, ok := m.store.FindByPackage(job.Key()); ok {
			m.log.Info("replacing job", zap.String("old", old.ID.String()), zap.String("new", job.ID.String()))
			if err := m.remove(ctx, old); err != nil {
				return err
			}
		}
		job.State = model.NewJobState()
		if err := m.store.Insert(ctx, job); err != nil {
			return err
		}
		m.publish(Event{Job: job})
		return nil
	})
	return job, err
}

// Start begins or resumes the transfer. Starting a downloading job is a
// no-op; a completed job must be restarted instead.
func (m *Manager) Start(ctx context.Context, id uuid.UUID) error {
	return m.do(ctx, func(ctx context.Context) error {
		job, err := m.store.Get(id)
		if err != nil {
			return err
		}
		return m.start(ctx, job)
	})
}

// Suspend stops a downloading job and returns it to pending. Partial data
// is kept so a later Start can resume by byte range.
func (m *Manager) Suspend(ctx context.Context, id uuid.UUID) error {
	return m.do(ctx, func(ctx context.Context) error {
		job, err := m.store.Get(id)
		if err != nil {
			return err
		}
		if job.State.Status != model.StatusDownloading {
			return fmt.Errorf("suspend %s job: %w", job.State.Status, errs.ErrInvalidState)
		}
		if r, ok := m.active[id]; ok {
			r.task.Stop()
			delete(m.active, id)
		}
		delete(m.finalizing, id)
		job.State.Reset()
		return m.transition(ctx, job)
	})
}

// Delete cancels any transfer, removes artifacts and forgets the job.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID) error {
	return m.do(ctx, func(ctx context.Context) error {
		job, err := m.store.Get(id)
		if err != nil {
			return err
		}
		return m.remove(ctx, job)
	})
}

// Restart cancels any transfer, removes artifacts, resets the job and starts it.
func (m *Manager) Restart(ctx context.Context, id uuid.UUID) error {
	return m.do(ctx, func(ctx context.Context) error {
		job, err := m.store.Get(id)
		if err != nil {
			return err
		}
		m.halt(job.ID)
		if err := m.layout.Remove(job); err != nil {
			m.log.Warn("remove artifacts", zap.String("job", id.String()), zap.Error(err))
		}
		job.State = model.NewJobState()
		if err := m.transition(ctx, job); err != nil {
			return err
		}
		return m.start(ctx, job)
	})
}

// RemoveAll deletes every job.
func (m *Manager) RemoveAll(ctx context.Context) error {
	return m.do(ctx, func(ctx context.Context) error {
		var errList []error
		for _, job := range m.store.List() {
			if err := m.remove(ctx, job); err != nil {
				errList = append(errList, err)
			}
		}
		return errors.Join(errList...)
	})
}

// Get returns a job snapshot.
func (m *Manager) Get(id uuid.UUID) (model.Job, error) { return m.store.Get(id) }

// List returns all jobs in creation order.
func (m *Manager) List() []model.Job { return m.store.List() }

// FindByPackage returns the job for an app id + version identifier.
func (m *Manager) FindByPackage(key model.PackageKey) (model.Job, bool) {
	return m.store.FindByPackage(key)
}

// RunningCount returns the number of downloading jobs.
func (m *Manager) RunningCount() int {
	n := 0
	for _, j := range m.store.List() {
		if j.State.Status == model.StatusDownloading {
			n++
		}
	}
	return n
}

// ArtifactPath returns where a completed job's package lives.
func (m *Manager) ArtifactPath(job model.Job) string { return m.layout.Path(job) }

// Subscribe returns a channel of job changes and a function to stop
// receiving them. Slow subscribers miss events; snapshots stay authoritative.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	ch := make(chan Event, m.opts.EventBuffer)
	select {
	case <-m.done:
		close(ch)
		return ch, func() {}
	default:
	}
	m.subID++
	id := m.subID
	m.subs[id] = ch
	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if c, ok := m.subs[id]; ok {
			close(c)
			delete(m.subs, id)
		}
	}
}

// Wait blocks until the job is completed, failed or removed.
func (m *Manager) Wait(ctx context.Context, id uuid.UUID) (model.Job, error) {
	events, cancel := m.Subscribe()
	defer cancel()

	job, err := m.store.Get(id)
	if err != nil {
		return model.Job{}, err
	}
	if job.State.Status.Terminal() {
		return job, nil
	}
	for {
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return job, ErrStopped
			}
			if ev.Job.ID != id {
				continue
			}
			job = ev.Job
			if ev.Removed {
				return job, fmt.Errorf("job %s: %w", id, errs.ErrNotFound)
			}
			if job.State.Status.Terminal() {
				return job, nil
			}
		}
	}
}

func (m *Manager) publish(ev Event) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// start issues a transfer for job. Loop only.
func (m *Manager) start(ctx context.Context, job model.Job) error {
	switch job.State.Status {
	case model.StatusDownloading:
		return nil
	case model.StatusCompleted:
		return fmt.Errorf("start completed job: %w", errs.ErrInvalidState)
	}
	m.gen++
	gen := m.gen
	id := job.ID
	task := m.transfers.Download(job.Grant.URL, m.layout.StagingName(job), transfer.Callbacks{
		Progress: func(f float64) {
			m.post(func(context.Context) { m.onProgress(id, gen, f) })
		},
		Speed: func(bps int64) {
			m.post(func(context.Context) { m.onSpeed(id, gen, bps) })
		},
		Complete: func(path string, err error) {
			m.post(func(ctx context.Context) { m.onComplete(ctx, id, gen, path, err) })
		},
	})
	m.active[id] = running{task: task, gen: gen}

	job.State.Start()
	if err := m.transition(ctx, job); err != nil {
		task.Cancel()
		delete(m.active, id)
		return err
	}
	m.log.Info("transfer started", zap.String("job", id.String()), zap.Uint64("gen", gen))
	task.Start()
	return nil
}

// halt cancels a transfer and drops any in-flight finalize result. Loop only.
func (m *Manager) halt(id uuid.UUID) {
	if r, ok := m.active[id]; ok {
		r.task.Cancel()
		delete(m.active, id)
	}
	delete(m.finalizing, id)
}

// remove cancels, deletes artifacts and forgets job. Loop only.
func (m *Manager) remove(ctx context.Context, job model.Job) error {
	m.halt(job.ID)
	if err := m.layout.Remove(job); err != nil {
		m.log.Warn("remove artifacts", zap.String("job", job.ID.String()), zap.Error(err))
	}
	if err := m.store.Remove(ctx, job.ID); err != nil {
		return err
	}
	m.publish(Event{Job: job, Removed: true})
	return nil
}

// transition records a status change and persists it immediately.
func (m *Manager) transition(ctx context.Context, job model.Job) error {
	if err := m.store.UpdateState(job.ID, job.State); err != nil {
		return err
	}
	if err := m.store.FlushJob(ctx, job.ID); err != nil {
		m.log.Warn("persist job state", zap.String("job", job.ID.String()), zap.Error(err))
	}
	m.publish(Event{Job: job})
	return nil
}

// current returns the job when gen is still its live transfer.
func (m *Manager) current(id uuid.UUID, gen uint64) (model.Job, bool) {
	r, ok := m.active[id]
	if !ok || r.gen != gen {
		return model.Job{}, false
	}
	job, err := m.store.Get(id)
	return job, err == nil
}

func (m *Manager) onProgress(id uuid.UUID, gen uint64, f float64) {
	job, ok := m.current(id, gen)
	if !ok {
		return
	}
	job.State.Percent = f
	if err := m.store.UpdateState(id, job.State); err == nil {
		m.publish(Event{Job: job})
	}
}

func (m *Manager) onSpeed(id uuid.UUID, gen uint64, bps int64) {
	job, ok := m.current(id, gen)
	if !ok {
		return
	}
	job.State.Speed = transfer.FormatSpeed(bps)
	if err := m.store.UpdateState(id, job.State); err == nil {
		m.publish(Event{Job: job})
	}
}

func (m *Manager) onComplete(ctx context.Context, id uuid.UUID, gen uint64, path string, err error) {
	job, ok := m.current(id, gen)
	if !ok {
		// superseded by a later command
		return
	}
	delete(m.active, id)
	log := m.log.With(zap.String("job", id.String()), zap.Uint64("gen", gen))

	if err != nil {
		if transfer.IsCancelled(err) {
			log.Debug("transfer cancelled")
			return
		}
		log.Warn("transfer failed", zap.Error(err))
		job.State.Fail(err.Error())
		_ = m.transition(ctx, job)
		return
	}

	job.State.Percent = 1
	job.State.Speed = ""
	_ = m.store.UpdateState(id, job.State)
	m.publish(Event{Job: job})

	m.finalizing[id] = gen
	target := m.layout.Path(job)
	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		ferr := m.finalizer.Finalize(job, path, target)
		m.post(func(ctx context.Context) { m.onFinalized(ctx, job, gen, ferr) })
	}()
}

func (m *Manager) onFinalized(ctx context.Context, job model.Job, gen uint64, err error) {
	log := m.log.With(zap.String("job", job.ID.String()), zap.Uint64("gen", gen))
	if g, ok := m.finalizing[job.ID]; !ok || g != gen {
		if _, gerr := m.store.Get(job.ID); errors.Is(gerr, errs.ErrNotFound) {
			// deleted while finalizing; the artifact may have landed afterwards
			if rerr := m.layout.Remove(job); rerr != nil {
				log.Warn("remove orphaned artifact", zap.Error(rerr))
			}
		}
		return
	}
	delete(m.finalizing, job.ID)

	current, gerr := m.store.Get(job.ID)
	if gerr != nil {
		return
	}
	if err != nil {
		log.Warn("finalize failed", zap.Error(err))
		current.State.Fail(err.Error())
	} else {
		log.Info("job completed", zap.String("path", m.layout.Path(job)))
		current.State.Complete()
	}
	_ = m.transition(ctx, current)
}
