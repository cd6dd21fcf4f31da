package jobs_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/arkhaul/arkhaul/internal/bus"
	"github.com/arkhaul/arkhaul/internal/jobs"
	"github.com/arkhaul/arkhaul/internal/runner"
	"github.com/arkhaul/arkhaul/internal/store"
	"github.com/arkhaul/arkhaul/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

// --- in-memory store ---

type memStore struct {
	mu         sync.Mutex
	jobs       map[uuid.UUID]*models.Job
	updateFail int
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*models.Job)}
}

func (s *memStore) Ping(context.Context) error { return nil }

func (s *memStore) CreateJob(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	s.jobs[job.ID] = job.Clone()
	return nil
}

func (s *memStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return job.Clone(), nil
}

func (s *memStore) ListJobs(_ context.Context, filter store.Filter) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Job
	for _, job := range s.jobs {
		if filter.Kind != "" && job.Kind != filter.Kind {
			continue
		}
		if filter.Status == store.ActiveJobs && job.Terminal() {
			continue
		}
		if filter.Status == store.TerminalJobs && !job.Terminal() {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *memStore) UpdateJob(_ context.Context, id uuid.UUID, opts ...store.UpdateOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateFail > 0 {
		s.updateFail--
		return errors.New("injected store failure")
	}
	job, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	store.ApplyUpdate(job, opts...)
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memStore) ClearTerminal(_ context.Context, kind string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, job := range s.jobs {
		if !job.Terminal() {
			continue
		}
		if kind != "" && job.Kind != kind {
			continue
		}
		delete(s.jobs, id)
		n++
	}
	return n, nil
}

func (s *memStore) FailActive(_ context.Context, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, job := range s.jobs {
		if job.Terminal() {
			continue
		}
		job.Status = models.JobStatusFailed
		r := reason
		job.Error = &r
		n++
	}
	return n, nil
}

func (s *memStore) get(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	job, err := s.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

// --- scripted runner ---

// scriptedRunner hands each started job to a script goroutine that plays
// updates and the terminal result through the handle channels.
type scriptedRunner struct {
	mu       sync.Mutex
	started  []uuid.UUID
	script   func(ctx context.Context, job *models.Job, updates chan<- runner.Update, done chan<- runner.Result)
	startErr error
}

func (r *scriptedRunner) Start(ctx context.Context, job *models.Job) (*runner.Handle, error) {
	r.mu.Lock()
	r.started = append(r.started, job.ID)
	script := r.script
	err := r.startErr
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	updates := make(chan runner.Update, 16)
	done := make(chan runner.Result, 1)
	go func() {
		defer close(updates)
		script(runCtx, job, updates, done)
	}()
	return runner.NewHandle(updates, done, cancel), nil
}

func (r *scriptedRunner) startedIDs() []uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uuid.UUID(nil), r.started...)
}

// completeAfter returns a script that reports one progress sample and then
// succeeds once release is closed (or immediately if release is nil).
func completeAfter(release <-chan struct{}) func(context.Context, *models.Job, chan<- runner.Update, chan<- runner.Result) {
	return func(ctx context.Context, _ *models.Job, updates chan<- runner.Update, done chan<- runner.Result) {
		updates <- runner.Update{TransferredBytes: 50, TotalBytes: 100}
		if release != nil {
			select {
			case <-release:
			case <-ctx.Done():
				done <- runner.Result{Cancelled: true}
				return
			}
		}
		done <- runner.Result{}
	}
}

func newManager(t *testing.T, s store.Store, r runner.Runner, cfg jobs.Config) (*jobs.Manager, *bus.Bus) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	m := jobs.New(s, b, r, nil, cfg)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m, b
}

func waitStatus(t *testing.T, m *jobs.Manager, id uuid.UUID, status string) *models.Job {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		job, err := m.Get(context.Background(), id)
		require.NoError(t, err)
		if job.Status == status {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := m.Get(context.Background(), id)
	t.Fatalf("job %s never reached %s (last: %+v)", id, status, job)
	return nil
}

// --- submission ---

func TestSubmit_PersistsPendingJob(t *testing.T) {
	s := newMemStore()
	r := &scriptedRunner{script: completeAfter(nil)}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 1})

	job, err := m.Submit(context.Background(), models.KindDownload, "nasa-apollo11", nil, models.Options{})
	require.NoError(t, err)
	assert.Equal(t, models.KindDownload, job.Kind)
	assert.NotEqual(t, uuid.Nil, job.ID)

	stored := s.get(t, job.ID)
	assert.Contains(t,
		[]string{models.JobStatusPending, models.JobStatusRunning, models.JobStatusCompleted},
		stored.Status)
}

func TestSubmit_RejectsInvalid(t *testing.T) {
	s := newMemStore()
	r := &scriptedRunner{script: completeAfter(nil)}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 1})

	_, err := m.Submit(context.Background(), "sideways", "id", nil, models.Options{})
	assert.ErrorIs(t, err, jobs.ErrValidation)

	_, err = m.Submit(context.Background(), models.KindDownload, "  ", nil, models.Options{})
	assert.ErrorIs(t, err, jobs.ErrValidation)

	_, err = m.Submit(context.Background(), models.KindUpload, "my-item", nil, models.Options{})
	assert.ErrorIs(t, err, jobs.ErrValidation, "upload without files")
}

func TestSubmit_RejectsDestDirTraversal(t *testing.T) {
	s := newMemStore()
	r := &scriptedRunner{script: completeAfter(nil)}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 1, DownloadDir: "/data"})

	_, err := m.Submit(context.Background(), models.KindDownload, "item", nil,
		models.Options{DestDir: "../../etc"})
	assert.ErrorIs(t, err, jobs.ErrValidation)

	job, err := m.Submit(context.Background(), models.KindDownload, "item", nil,
		models.Options{DestDir: "movies/apollo"})
	require.NoError(t, err)
	assert.Equal(t, "/data/movies/apollo", job.Options.DestDir)
}

// --- lifecycle ---

func TestJobRunsToCompletion(t *testing.T) {
	s := newMemStore()
	r := &scriptedRunner{script: completeAfter(nil)}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 1})

	job, err := m.Submit(context.Background(), models.KindDownload, "item", nil, models.Options{})
	require.NoError(t, err)

	final := waitStatus(t, m, job.ID, models.JobStatusCompleted)
	assert.Equal(t, float64(100), final.Progress)
	assert.Nil(t, final.Error)

	stored := s.get(t, job.ID)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Equal(t, float64(100), stored.Progress)
}

func TestJobFailure_RecordsReason(t *testing.T) {
	s := newMemStore()
	r := &scriptedRunner{
		script: func(_ context.Context, _ *models.Job, _ chan<- runner.Update, done chan<- runner.Result) {
			done <- runner.Result{Err: errors.New("disk full")}
		},
	}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 1})

	job, err := m.Submit(context.Background(), models.KindDownload, "item", nil, models.Options{})
	require.NoError(t, err)

	final := waitStatus(t, m, job.ID, models.JobStatusFailed)
	require.NotNil(t, final.Error)
	assert.Equal(t, "disk full", *final.Error)
	assert.Less(t, final.Progress, float64(100))
}

func TestRunnerStartFailure_FailsJob(t *testing.T) {
	s := newMemStore()
	r := &scriptedRunner{startErr: errors.New("tool not found")}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 1})

	job, err := m.Submit(context.Background(), models.KindDownload, "item", nil, models.Options{})
	require.NoError(t, err)

	final := waitStatus(t, m, job.ID, models.JobStatusFailed)
	require.NotNil(t, final.Error)
	assert.Equal(t, "tool not found", *final.Error)
}

// --- concurrency and ordering ---

func TestConcurrencyBound(t *testing.T) {
	release := make(chan struct{})
	var running, peak int
	var mu sync.Mutex

	s := newMemStore()
	r := &scriptedRunner{
		script: func(ctx context.Context, _ *models.Job, _ chan<- runner.Update, done chan<- runner.Result) {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()
			<-release
			mu.Lock()
			running--
			mu.Unlock()
			done <- runner.Result{}
		},
	}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 2})

	var ids []uuid.UUID
	for i := 0; i < 5; i++ {
		job, err := m.Submit(context.Background(), models.KindDownload, "item", nil, models.Options{})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	// Give the dispatcher time to start everything it is willing to.
	require.Eventually(t, func() bool {
		return len(r.startedIDs()) == 2
	}, waitTimeout, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, r.startedIDs(), 2, "only two transfers may run at once")

	close(release)
	for _, id := range ids {
		waitStatus(t, m, id, models.JobStatusCompleted)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

func TestDispatchIsFIFO(t *testing.T) {
	release := make(chan struct{})
	s := newMemStore()
	r := &scriptedRunner{script: completeAfter(release)}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 1})

	var ids []uuid.UUID
	for i := 0; i < 4; i++ {
		job, err := m.Submit(context.Background(), models.KindDownload, "item", nil, models.Options{})
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	close(release)
	for _, id := range ids {
		waitStatus(t, m, id, models.JobStatusCompleted)
	}

	assert.Equal(t, ids, r.startedIDs(), "jobs must start in submission order")
}

// --- progress ---

func TestProgress_KnownTotalCapsBelowHundred(t *testing.T) {
	release := make(chan struct{})
	s := newMemStore()
	r := &scriptedRunner{
		script: func(ctx context.Context, _ *models.Job, updates chan<- runner.Update, done chan<- runner.Result) {
			updates <- runner.Update{TransferredBytes: 100, TotalBytes: 100}
			<-release
			done <- runner.Result{}
		},
	}
	m, b := newManager(t, s, r, jobs.Config{MaxConcurrent: 1})

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	job, err := m.Submit(context.Background(), models.KindDownload, "item", nil, models.Options{})
	require.NoError(t, err)

	// While running, even a fully transferred byte count reads as 99.
	require.Eventually(t, func() bool {
		j, err := m.Get(context.Background(), job.ID)
		require.NoError(t, err)
		return j.Status == models.JobStatusRunning && j.Progress == 99
	}, waitTimeout, 5*time.Millisecond)

	close(release)
	final := waitStatus(t, m, job.ID, models.JobStatusCompleted)
	assert.Equal(t, float64(100), final.Progress)
}

func TestProgress_UnknownTotalCreeps(t *testing.T) {
	release := make(chan struct{})
	s := newMemStore()
	r := &scriptedRunner{
		script: func(ctx context.Context, _ *models.Job, updates chan<- runner.Update, done chan<- runner.Result) {
			for i := int64(1); i <= 60; i++ {
				updates <- runner.Update{TransferredBytes: i * 1024}
			}
			<-release
			done <- runner.Result{}
		},
	}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 1})

	job, err := m.Submit(context.Background(), models.KindDownload, "item", nil, models.Options{})
	require.NoError(t, err)

	// 60 samples at +2 each would exceed 95; the creep must stop there.
	require.Eventually(t, func() bool {
		j, err := m.Get(context.Background(), job.ID)
		require.NoError(t, err)
		return j.Progress == 95
	}, waitTimeout, 5*time.Millisecond)

	close(release)
	waitStatus(t, m, job.ID, models.JobStatusCompleted)
}

func TestProgress_NeverRegresses(t *testing.T) {
	release := make(chan struct{})
	s := newMemStore()
	r := &scriptedRunner{
		script: func(ctx context.Context, _ *models.Job, updates chan<- runner.Update, done chan<- runner.Result) {
			updates <- runner.Update{TransferredBytes: 900, TotalBytes: 1000}
			updates <- runner.Update{TransferredBytes: 100, TotalBytes: 1000}
			<-release
			done <- runner.Result{}
		},
	}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 1})

	job, err := m.Submit(context.Background(), models.KindDownload, "item", nil, models.Options{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := m.Get(context.Background(), job.ID)
		require.NoError(t, err)
		return j.Progress == 90
	}, waitTimeout, 5*time.Millisecond)

	// The out-of-order sample must not pull progress or byte counts back.
	time.Sleep(50 * time.Millisecond)
	j, err := m.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(90), j.Progress)
	require.NotNil(t, j.TransferredBytes)
	assert.Equal(t, int64(900), *j.TransferredBytes)

	close(release)
	waitStatus(t, m, job.ID, models.JobStatusCompleted)
}

// --- cancellation ---

func TestCancel_PendingJob(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := newMemStore()
	r := &scriptedRunner{script: completeAfter(release)}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 1})

	// Occupy the single slot, then queue a second job.
	blocker, err := m.Submit(context.Background(), models.KindDownload, "blocker", nil, models.Options{})
	require.NoError(t, err)
	waitStatus(t, m, blocker.ID, models.JobStatusRunning)

	queued, err := m.Submit(context.Background(), models.KindDownload, "queued", nil, models.Options{})
	require.NoError(t, err)

	require.NoError(t, m.Cancel(context.Background(), queued.ID))
	final := waitStatus(t, m, queued.ID, models.JobStatusCancelled)
	assert.Nil(t, final.Error)

	// It must never have been handed to the runner.
	assert.NotContains(t, r.startedIDs(), queued.ID)
}

func TestCancel_RunningJob(t *testing.T) {
	s := newMemStore()
	r := &scriptedRunner{
		script: func(ctx context.Context, _ *models.Job, updates chan<- runner.Update, done chan<- runner.Result) {
			updates <- runner.Update{TransferredBytes: 10, TotalBytes: 100}
			<-ctx.Done()
			done <- runner.Result{Cancelled: true}
		},
	}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 1, CancelGrace: time.Second})

	job, err := m.Submit(context.Background(), models.KindDownload, "item", nil, models.Options{})
	require.NoError(t, err)
	waitStatus(t, m, job.ID, models.JobStatusRunning)

	require.NoError(t, m.Cancel(context.Background(), job.ID))
	waitStatus(t, m, job.ID, models.JobStatusCancelled)

	stored := s.get(t, job.ID)
	assert.Equal(t, models.JobStatusCancelled, stored.Status)
}

func TestCancel_GraceExpiryForcesCancelled(t *testing.T) {
	hung := make(chan struct{})
	defer close(hung)
	s := newMemStore()
	r := &scriptedRunner{
		script: func(_ context.Context, _ *models.Job, _ chan<- runner.Update, done chan<- runner.Result) {
			// Ignores cancellation entirely.
			<-hung
		},
	}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 1, CancelGrace: 50 * time.Millisecond})

	job, err := m.Submit(context.Background(), models.KindDownload, "item", nil, models.Options{})
	require.NoError(t, err)
	waitStatus(t, m, job.ID, models.JobStatusRunning)

	require.NoError(t, m.Cancel(context.Background(), job.ID))
	waitStatus(t, m, job.ID, models.JobStatusCancelled)
}

func TestCancel_PendingDispatchRace(t *testing.T) {
	s := newMemStore()
	var mu sync.Mutex
	var ctxs []context.Context
	r := &scriptedRunner{
		script: func(ctx context.Context, _ *models.Job, _ chan<- runner.Update, done chan<- runner.Result) {
			mu.Lock()
			ctxs = append(ctxs, ctx)
			mu.Unlock()
			<-ctx.Done()
			done <- runner.Result{Cancelled: true}
		},
	}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 1, CancelGrace: time.Second})

	// Cancel immediately after submit so the cancel races the dispatcher.
	// Whichever side wins, the job must end cancelled and any runner that did
	// start must have been signaled.
	var ids []uuid.UUID
	for i := 0; i < 100; i++ {
		job, err := m.Submit(context.Background(), models.KindDownload, "item", nil, models.Options{})
		require.NoError(t, err)
		require.NoError(t, m.Cancel(context.Background(), job.ID))
		ids = append(ids, job.ID)
	}
	for _, id := range ids {
		waitStatus(t, m, id, models.JobStatusCancelled)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range ctxs {
			if c.Err() == nil {
				return false
			}
		}
		return true
	}, waitTimeout, 5*time.Millisecond, "a started runner was never signaled")

	// No durable row may regress out of cancelled after the fact.
	time.Sleep(50 * time.Millisecond)
	list, err := s.ListJobs(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.Len(t, list, 100)
	for _, j := range list {
		assert.Equal(t, models.JobStatusCancelled, j.Status)
	}
}

func TestCancel_LateRunnerCallbacksIgnored(t *testing.T) {
	late := make(chan struct{})
	s := newMemStore()
	r := &scriptedRunner{
		script: func(_ context.Context, _ *models.Job, updates chan<- runner.Update, done chan<- runner.Result) {
			// Ignores cancellation entirely, then reports progress and
			// success long after the grace period expired.
			<-late
			updates <- runner.Update{TransferredBytes: 999, TotalBytes: 1000}
			done <- runner.Result{}
		},
	}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 1, CancelGrace: 50 * time.Millisecond})

	job, err := m.Submit(context.Background(), models.KindDownload, "item", nil, models.Options{})
	require.NoError(t, err)
	waitStatus(t, m, job.ID, models.JobStatusRunning)

	require.NoError(t, m.Cancel(context.Background(), job.ID))
	waitStatus(t, m, job.ID, models.JobStatusCancelled)

	// Let the abandoned runner deliver its callbacks; they must not move the
	// job out of cancelled or touch its progress.
	close(late)
	time.Sleep(100 * time.Millisecond)

	got, err := m.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status)
	assert.Less(t, got.Progress, float64(100))
	assert.Equal(t, models.JobStatusCancelled, s.get(t, job.ID).Status)
}

func TestCancel_TerminalJobConflicts(t *testing.T) {
	s := newMemStore()
	r := &scriptedRunner{script: completeAfter(nil)}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 1})

	job, err := m.Submit(context.Background(), models.KindDownload, "item", nil, models.Options{})
	require.NoError(t, err)
	waitStatus(t, m, job.ID, models.JobStatusCompleted)

	assert.ErrorIs(t, m.Cancel(context.Background(), job.ID), jobs.ErrInvalidTransition)
}

func TestCancel_SecondCancelConflicts(t *testing.T) {
	hung := make(chan struct{})
	defer close(hung)
	s := newMemStore()
	r := &scriptedRunner{
		script: func(_ context.Context, _ *models.Job, _ chan<- runner.Update, done chan<- runner.Result) {
			<-hung
		},
	}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 1, CancelGrace: time.Minute})

	job, err := m.Submit(context.Background(), models.KindDownload, "item", nil, models.Options{})
	require.NoError(t, err)
	waitStatus(t, m, job.ID, models.JobStatusRunning)

	require.NoError(t, m.Cancel(context.Background(), job.ID))
	assert.ErrorIs(t, m.Cancel(context.Background(), job.ID), jobs.ErrInvalidTransition)
}

func TestCancel_UnknownJob(t *testing.T) {
	s := newMemStore()
	r := &scriptedRunner{script: completeAfter(nil)}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 1})

	err := m.Cancel(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- terminal write resilience ---

func TestFinalize_RetriesStoreWrite(t *testing.T) {
	release := make(chan struct{})
	s := newMemStore()
	r := &scriptedRunner{script: completeAfter(release)}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 1})

	job, err := m.Submit(context.Background(), models.KindDownload, "item", nil, models.Options{})
	require.NoError(t, err)
	waitStatus(t, m, job.ID, models.JobStatusRunning)

	// Fail the next two writes; the terminal write retries past them.
	s.mu.Lock()
	s.updateFail = 2
	s.mu.Unlock()
	close(release)

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.jobs[job.ID].Status == models.JobStatusCompleted
	}, waitTimeout, 10*time.Millisecond)
}

// --- events ---

func TestEvents_TerminalEventPublished(t *testing.T) {
	s := newMemStore()
	r := &scriptedRunner{script: completeAfter(nil)}
	b := bus.New()
	t.Cleanup(b.Close)
	m := jobs.New(s, b, r, nil, jobs.Config{MaxConcurrent: 1})

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	m.Start(context.Background())
	t.Cleanup(m.Stop)

	job, err := m.Submit(context.Background(), models.KindDownload, "item", nil, models.Options{})
	require.NoError(t, err)

	deadline := time.After(waitTimeout)
	var statuses []string
	for {
		select {
		case ev := <-sub.C:
			require.Equal(t, job.ID, ev.Job.ID)
			statuses = append(statuses, ev.Job.Status)
			if ev.Job.Terminal() {
				assert.Equal(t, models.JobStatusCompleted, ev.Job.Status)
				assert.Equal(t, "pending", statuses[0])
				return
			}
		case <-deadline:
			t.Fatal("no terminal event observed")
		}
	}
}

// --- listing ---

func TestList_MergesLiveAndStored(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := newMemStore()
	r := &scriptedRunner{script: completeAfter(release)}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 1})

	running, err := m.Submit(context.Background(), models.KindDownload, "live", nil, models.Options{})
	require.NoError(t, err)
	waitStatus(t, m, running.ID, models.JobStatusRunning)

	list, err := m.List(context.Background(), store.Filter{Kind: models.KindDownload})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.JobStatusRunning, list[0].Status, "live state wins over the stored row")

	uploads, err := m.List(context.Background(), store.Filter{Kind: models.KindUpload})
	require.NoError(t, err)
	assert.Empty(t, uploads)
}

func TestClearHistory_LeavesActiveJobs(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	s := newMemStore()
	r := &scriptedRunner{script: completeAfter(release)}
	m, _ := newManager(t, s, r, jobs.Config{MaxConcurrent: 2})

	finished, err := m.Submit(context.Background(), models.KindDownload, "done", nil, models.Options{})
	require.NoError(t, err)
	active, err := m.Submit(context.Background(), models.KindDownload, "busy", nil, models.Options{})
	require.NoError(t, err)

	waitStatus(t, m, active.ID, models.JobStatusRunning)
	require.NoError(t, m.Cancel(context.Background(), active.ID))
	_ = finished

	// Let both settle, then restart one long runner to hold an active row.
	waitStatus(t, m, active.ID, models.JobStatusCancelled)
	held, err := m.Submit(context.Background(), models.KindDownload, "held", nil, models.Options{})
	require.NoError(t, err)
	waitStatus(t, m, held.ID, models.JobStatusRunning)

	removed, err := m.ClearHistory(context.Background(), models.KindDownload)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, removed, int64(1))

	// The running job survives the sweep.
	_, err = m.Get(context.Background(), held.ID)
	assert.NoError(t, err)
}
