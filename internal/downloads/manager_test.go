package downloads

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/ipakeeper/internal/artifact"
	"github.com/and161185/ipakeeper/internal/errs"
	"github.com/and161185/ipakeeper/internal/finalize"
	"github.com/and161185/ipakeeper/internal/jobstore"
	"github.com/and161185/ipakeeper/internal/model"
	"github.com/and161185/ipakeeper/internal/repository/sqlite"
	"github.com/and161185/ipakeeper/internal/transfer"
)

/************ fake transfer ************/

type fakeTask struct {
	name      string
	cb        transfer.Callbacks
	started   chan *fakeTask
	stopped   atomic.Bool
	cancelled atomic.Bool
}

func (t *fakeTask) Start() { t.started <- t }

// Stop and Cancel report asynchronously, like a real transfer would.
func (t *fakeTask) Stop() {
	t.stopped.Store(true)
	go t.cb.Complete("", transfer.ErrCancelled)
}

func (t *fakeTask) Cancel() {
	t.cancelled.Store(true)
	go t.cb.Complete("", transfer.ErrCancelled)
}

type fakeDownloader struct {
	mu      sync.Mutex
	calls   int
	started chan *fakeTask
}

var _ transfer.Downloader = (*fakeDownloader)(nil)

func (d *fakeDownloader) Download(_ string, name string, cb transfer.Callbacks) transfer.Task {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return &fakeTask{name: name, cb: cb, started: d.started}
}

func (d *fakeDownloader) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

/************ harness ************/

type harness struct {
	m      *Manager
	layout *artifact.Layout
	dl     *fakeDownloader
}

func signInPlace(file string, _ []model.Signature, _ []byte) error {
	return os.WriteFile(file, []byte("signed"), 0o644)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, signInPlace)
}

func newHarnessWith(t *testing.T, inject finalize.Injector) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)
	ctx, cancel := context.WithCancel(context.Background())

	repo, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "jobs.db"), log)
	require.NoError(t, err)
	store, err := jobstore.Open(ctx, repo, log)
	require.NoError(t, err)
	layout, err := artifact.NewLayout(filepath.Join(t.TempDir(), "packages"))
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(layout.Incoming(), 0o755))

	engine := finalize.NewEngine(inject, log)
	dl := &fakeDownloader{started: make(chan *fakeTask, 8)}
	m := NewManager(store, layout, dl, engine, Options{FlushInterval: 10 * time.Millisecond}, log)

	stopped := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
		_ = repo.Close()
	})
	return &harness{m: m, layout: layout, dl: dl}
}

func (h *harness) add(t *testing.T, appID int64, version string) model.Job {
	t.Helper()
	acc := model.Account{ID: uuid.Must(uuid.NewV4()), Email: "user@example.com"}
	app := model.AppIdentity{ID: appID, BundleID: "com.example.app", Version: "1.0"}
	grant := model.DownloadGrant{URL: "https://cdn.example.com/app.ipa", Signatures: []model.Signature{{Data: []byte("s")}}}
	job, err := model.NewJob(acc, app, version, grant, time.Now())
	require.NoError(t, err)
	job, err = h.m.Add(context.Background(), job)
	require.NoError(t, err)
	return job
}

func (h *harness) nextTask(t *testing.T) *fakeTask {
	t.Helper()
	select {
	case task := <-h.dl.started:
		return task
	case <-time.After(5 * time.Second):
		t.Fatal("no transfer started")
		return nil
	}
}

// payload writes a downloaded file where the transfer would leave it.
func (h *harness) payload(t *testing.T, task *fakeTask) string {
	t.Helper()
	p := filepath.Join(h.layout.Incoming(), task.name)
	require.NoError(t, os.WriteFile(p, []byte("raw"), 0o644))
	return p
}

func (h *harness) status(t *testing.T, id uuid.UUID, want model.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, err := h.m.Get(id)
		return err == nil && j.State.Status == want
	}, 5*time.Second, 5*time.Millisecond, "job never reached %s", want)
}

func wait(t *testing.T, m *Manager, id uuid.UUID) (model.Job, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.Wait(ctx, id)
}

/************ tests ************/

func TestManager_EndToEnd(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.add(t, 42, "1.0")
	require.Equal(t, model.StatusPending, job.State.Status)

	require.NoError(t, h.m.Start(ctx, job.ID))
	task := h.nextTask(t)
	h.status(t, job.ID, model.StatusDownloading)

	for _, f := range []float64{0, 0.25, 0.5, 0.75, 1} {
		task.cb.Progress(f)
	}
	task.cb.Speed(2_000_000)
	require.Eventually(t, func() bool {
		j, _ := h.m.Get(job.ID)
		return j.State.Percent == 1 && j.State.Speed == "2.0 MB/s"
	}, 5*time.Second, 5*time.Millisecond)

	task.cb.Complete(h.payload(t, task), nil)

	final, err := wait(t, h.m, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, final.State.Status)
	require.Empty(t, final.State.Error)

	target := h.layout.Path(job)
	require.Equal(t, filepath.Join(h.layout.Root(), "com.example.app", "1.0", job.ID.String()+".ipa"), target)
	b, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Equal(t, "signed", string(b))
	require.NoFileExists(t, filepath.Join(filepath.Dir(target), "."+filepath.Base(target)+".unsigned"))
	require.Zero(t, h.m.RunningCount())
}

func TestManager_SuspendThenStartIsNotAFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.add(t, 42, "1.0")

	require.NoError(t, h.m.Start(ctx, job.ID))
	first := h.nextTask(t)
	first.cb.Progress(0.4)

	require.NoError(t, h.m.Suspend(ctx, job.ID))
	require.True(t, first.stopped.Load())
	require.False(t, first.cancelled.Load(), "suspend must keep partial data")
	got, err := h.m.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, model.NewJobState(), got.State)

	require.NoError(t, h.m.Start(ctx, job.ID))
	second := h.nextTask(t)

	// late events from the suspended transfer lose to the newer start
	first.cb.Complete("", errors.New("connection reset"))
	first.cb.Complete(h.payload(t, first), nil)
	first.cb.Progress(0.9)

	second.cb.Progress(0.1)
	require.Eventually(t, func() bool {
		j, _ := h.m.Get(job.ID)
		return j.State.Percent == 0.1
	}, 5*time.Second, 5*time.Millisecond)
	got, err = h.m.Get(job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusDownloading, got.State.Status)

	second.cb.Complete(h.payload(t, second), nil)
	final, err := wait(t, h.m, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, final.State.Status)
}

func TestManager_StartTwiceOneTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.add(t, 42, "1.0")

	require.NoError(t, h.m.Start(ctx, job.ID))
	require.NoError(t, h.m.Start(ctx, job.ID))
	h.nextTask(t)
	require.Equal(t, 1, h.dl.count())
	require.Equal(t, 1, h.m.RunningCount())
}

func TestManager_TransferFailureAndRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.add(t, 42, "1.0")

	require.NoError(t, h.m.Start(ctx, job.ID))
	task := h.nextTask(t)
	task.cb.Complete("", errors.New("transfer failed: 403"))

	failed, err := wait(t, h.m, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, failed.State.Status)
	require.Equal(t, "transfer failed: 403", failed.State.Error)

	require.NoError(t, h.m.Restart(ctx, job.ID))
	task = h.nextTask(t)
	h.status(t, job.ID, model.StatusDownloading)
	task.cb.Complete(h.payload(t, task), nil)

	final, err := wait(t, h.m, job.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, final.State.Status)

	require.ErrorIs(t, h.m.Start(ctx, job.ID), errs.ErrInvalidState)
	require.ErrorIs(t, h.m.Suspend(ctx, job.ID), errs.ErrInvalidState)
}

func TestManager_DeletePrunesArtifacts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.add(t, 42, "1.0")

	require.NoError(t, h.m.Start(ctx, job.ID))
	task := h.nextTask(t)
	task.cb.Complete(h.payload(t, task), nil)
	_, err := wait(t, h.m, job.ID)
	require.NoError(t, err)
	require.FileExists(t, h.layout.Path(job))

	require.NoError(t, h.m.Delete(ctx, job.ID))
	require.NoFileExists(t, h.layout.Path(job))
	require.NoDirExists(t, filepath.Join(h.layout.Root(), "com.example.app"))
	require.DirExists(t, h.layout.Root())

	_, err = h.m.Get(job.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.ErrorIs(t, h.m.Delete(ctx, job.ID), errs.ErrNotFound)
}

func TestManager_DeleteWhileFinalizingRemovesLateArtifact(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	h := newHarnessWith(t, func(file string, sigs []model.Signature, md []byte) error {
		close(entered)
		<-release
		return signInPlace(file, sigs, md)
	})
	ctx := context.Background()
	job := h.add(t, 42, "1.0")

	require.NoError(t, h.m.Start(ctx, job.ID))
	task := h.nextTask(t)
	task.cb.Complete(h.payload(t, task), nil)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("finalize not started")
	}
	require.NoError(t, h.m.Delete(ctx, job.ID))
	close(release)

	bundleDir := filepath.Join(h.layout.Root(), "com.example.app")
	require.Eventually(t, func() bool {
		_, err := os.Stat(bundleDir)
		return os.IsNotExist(err)
	}, 5*time.Second, 5*time.Millisecond)
	require.NoFileExists(t, h.layout.Path(job))
	require.DirExists(t, h.layout.Root())

	_, err := h.m.Get(job.ID)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestManager_AddReplacesSamePackage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	old := h.add(t, 42, "1.0")
	require.NoError(t, h.m.Start(ctx, old.ID))
	task := h.nextTask(t)

	events, unsubscribe := h.m.Subscribe()
	defer unsubscribe()

	replacement := h.add(t, 42, "1.0")
	require.True(t, task.cancelled.Load())

	jobs := h.m.List()
	require.Len(t, jobs, 1)
	require.Equal(t, replacement.ID, jobs[0].ID)
	found, ok := h.m.FindByPackage(model.PackageKey{AppID: 42, VersionID: "1.0"})
	require.True(t, ok)
	require.Equal(t, replacement.ID, found.ID)

	ev := <-events
	require.True(t, ev.Removed)
	require.Equal(t, old.ID, ev.Job.ID)
}

func TestManager_WaitOnDeletedJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.add(t, 42, "1.0")
	require.NoError(t, h.m.Start(ctx, job.ID))
	h.nextTask(t)

	errc := make(chan error, 1)
	go func() {
		_, err := wait(t, h.m, job.ID)
		errc <- err
	}()
	// let Wait subscribe before the delete
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.m.RemoveAll(ctx))
	require.ErrorIs(t, <-errc, errs.ErrNotFound)
	require.Empty(t, h.m.List())
}

func TestManager_StoppedRejectsCommands(t *testing.T) {
	log := zaptest.NewLogger(t)
	repo, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "jobs.db"), log)
	require.NoError(t, err)
	defer repo.Close()
	store, err := jobstore.Open(context.Background(), repo, log)
	require.NoError(t, err)
	layout, err := artifact.NewLayout(t.TempDir())
	require.NoError(t, err)
	m := NewManager(store, layout, &fakeDownloader{started: make(chan *fakeTask, 1)}, finalize.NewEngine(nil, log), Options{}, log)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Run(ctx))
	require.ErrorIs(t, m.Start(context.Background(), uuid.Must(uuid.NewV4())), ErrStopped)
}
