// Package jobs contains the orchestrator for transfer jobs: it accepts
// submissions, dispatches pending jobs to runners under a bounded concurrency
// budget, owns every job status transition, and mirrors each state change to
// the store and the event bus in that order.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/arkhaul/arkhaul/internal/archive"
	"github.com/arkhaul/arkhaul/internal/bus"
	"github.com/arkhaul/arkhaul/internal/runner"
	"github.com/arkhaul/arkhaul/internal/store"
	"github.com/arkhaul/arkhaul/pkg/models"
	"github.com/google/uuid"
)

var (
	// ErrValidation rejects a malformed submission before anything is persisted.
	ErrValidation = errors.New("invalid job submission")
	// ErrInvalidTransition rejects an operation that is illegal for the job's
	// current status, such as cancelling a job that already finished.
	ErrInvalidTransition = errors.New("operation not valid for current job status")
	// ErrNotFound mirrors the store sentinel so callers can match either.
	ErrNotFound = store.ErrNotFound
)

const (
	finalWriteAttempts = 3
	finalWriteBackoff  = 200 * time.Millisecond
	finalWriteTimeout  = 5 * time.Second
)

// Config tunes the manager's scheduling behavior.
type Config struct {
	// MaxConcurrent bounds simultaneous running transfers.
	MaxConcurrent int
	// CancelGrace is how long a signaled runner gets to report termination
	// before the job is force-finalized as cancelled and the runner abandoned.
	CancelGrace time.Duration
	// ProgressInterval is the minimum spacing between persisted progress
	// writes for one job. Zero persists every update.
	ProgressInterval time.Duration
	// DownloadDir is the root all download destinations must stay under.
	DownloadDir string
}

// Manager is the single writer of job state. Active jobs live in memory here;
// the store holds the durable record and is authoritative after a restart.
type Manager struct {
	store   store.Store
	bus     *bus.Bus
	runner  runner.Runner
	archive archive.Client
	cfg     Config

	mu    sync.Mutex
	live  map[uuid.UUID]*liveJob
	queue []uuid.UUID

	slots chan struct{}
	wake  chan struct{}

	ctx     context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// liveJob is the authoritative in-memory state of one non-terminal job. All
// fields are guarded by the manager mutex; job snapshots handed out are clones.
type liveJob struct {
	job             *models.Job
	cancelRequested bool
	cancelCh        chan struct{}
	handle          *runner.Handle

	lastBytes  int64
	lastSample time.Time
	lastWrite  time.Time
}

// New creates a Manager. The archive client may be nil; it is only used to
// estimate expected download sizes.
func New(s store.Store, b *bus.Bus, r runner.Runner, a archive.Client, cfg Config) *Manager {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = 5 * time.Second
	}
	return &Manager{
		store:   s,
		bus:     b,
		runner:  r,
		archive: a,
		cfg:     cfg,
		live:    make(map[uuid.UUID]*liveJob),
		slots:   make(chan struct{}, cfg.MaxConcurrent),
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the dispatcher. Recovery must have run before this; the
// manager assumes the store holds no orphaned active rows it does not own.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.ctx, m.stop = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatch(m.ctx)
	}()
}

// Stop cancels all in-flight work and waits for supervision goroutines to
// drain. Jobs still active are left pending/running in the store for the next
// process's recovery pass.
func (m *Manager) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return
	}
	m.stop()
	m.wg.Wait()
}

// Submit validates the request, persists a new pending job, queues it for
// dispatch and returns the snapshot immediately. It never waits for the
// transfer itself.
func (m *Manager) Submit(ctx context.Context, kind, identifier string, files []string, options models.Options) (*models.Job, error) {
	identifier = strings.TrimSpace(identifier)
	if kind != models.KindDownload && kind != models.KindUpload {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrValidation, kind)
	}
	if identifier == "" {
		return nil, fmt.Errorf("%w: identifier is required", ErrValidation)
	}
	if kind == models.KindUpload && len(files) == 0 {
		return nil, fmt.Errorf("%w: uploads require at least one file", ErrValidation)
	}
	if kind == models.KindDownload {
		resolved, err := resolveDestDir(m.cfg.DownloadDir, options.DestDir)
		if err != nil {
			return nil, err
		}
		options.DestDir = resolved
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:         uuid.New(),
		Kind:       kind,
		Identifier: identifier,
		Files:      files,
		Options:    options,
		Status:     models.JobStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// Persist first. If this fails the job was never queued.
	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	m.mu.Lock()
	m.live[job.ID] = &liveJob{job: job, cancelCh: make(chan struct{})}
	m.queue = append(m.queue, job.ID)
	m.mu.Unlock()

	snapshot := job.Clone()
	m.bus.Publish(snapshot)
	m.signalWake()

	slog.Info("job submitted", "job_id", job.ID, "kind", kind, "identifier", identifier)
	return snapshot, nil
}

// Cancel requests termination of a pending or running job. Pending jobs
// finalize immediately; running jobs are signaled and finalize once the
// runner acknowledges, or after the grace period expires.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	lj := m.live[id]
	if lj == nil {
		m.mu.Unlock()
		job, err := m.store.GetJob(ctx, id)
		if err != nil {
			return err
		}
		if job.Terminal() {
			return ErrInvalidTransition
		}
		// Active in the store but unknown to this manager: nothing to signal.
		return ErrInvalidTransition
	}

	switch {
	case lj.job.Status == models.JobStatusPending && !lj.cancelRequested:
		// Flag and signal before releasing the lock: a dispatch racing this
		// cancel checks cancelRequested under the same mutex, so the job can
		// never reach the runner once this branch is entered. The terminal
		// write runs off this goroutine; cancel does not wait on the store.
		lj.cancelRequested = true
		close(lj.cancelCh)
		m.mu.Unlock()
		go m.finalize(id, models.JobStatusCancelled, nil)
		slog.Info("pending job cancelled", "job_id", id)
		return nil
	case lj.job.Status == models.JobStatusRunning && !lj.cancelRequested:
		lj.cancelRequested = true
		close(lj.cancelCh)
		handle := lj.handle
		m.mu.Unlock()
		if handle != nil {
			handle.Cancel()
		}
		slog.Info("running job signaled to cancel", "job_id", id)
		return nil
	default:
		m.mu.Unlock()
		return ErrInvalidTransition
	}
}

// Get returns the live snapshot for active jobs, falling back to the store.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	if lj := m.live[id]; lj != nil {
		snapshot := lj.job.Clone()
		m.mu.Unlock()
		return snapshot, nil
	}
	m.mu.Unlock()
	return m.store.GetJob(ctx, id)
}

// List returns jobs newest first, merging durable rows with live state. Live
// state wins for jobs the manager currently owns.
func (m *Manager) List(ctx context.Context, filter store.Filter) ([]*models.Job, error) {
	stored, err := m.store.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	overlay := make(map[uuid.UUID]*models.Job, len(m.live))
	for id, lj := range m.live {
		if filter.Kind != "" && lj.job.Kind != filter.Kind {
			continue
		}
		if filter.Status == store.TerminalJobs {
			continue
		}
		overlay[id] = lj.job.Clone()
	}
	m.mu.Unlock()

	jobs := make([]*models.Job, 0, len(stored)+len(overlay))
	for _, j := range stored {
		if live, ok := overlay[j.ID]; ok {
			jobs = append(jobs, live)
			delete(overlay, j.ID)
			continue
		}
		jobs = append(jobs, j)
	}
	// Live jobs whose pending insert raced the listing.
	for _, j := range overlay {
		jobs = append(jobs, j)
	}
	sort.SliceStable(jobs, func(i, k int) bool {
		return jobs[i].CreatedAt.After(jobs[k].CreatedAt)
	})
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// ClearHistory removes terminal rows of the given kind from the store. Active
// jobs are never touched.
func (m *Manager) ClearHistory(ctx context.Context, kind string) (int64, error) {
	return m.store.ClearTerminal(ctx, kind)
}

// --- dispatch ---

func (m *Manager) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}

		for {
			select {
			case m.slots <- struct{}{}:
			case <-ctx.Done():
				return
			}

			id, ok := m.popPending()
			if !ok {
				<-m.slots
				break
			}

			m.wg.Add(1)
			go func(id uuid.UUID) {
				defer m.wg.Done()
				m.supervise(ctx, id)
				<-m.slots
				m.signalWake()
			}(id)
		}
	}
}

// popPending returns the oldest job still waiting for dispatch, skipping
// entries cancelled while queued.
func (m *Manager) popPending() (uuid.UUID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queue) > 0 {
		id := m.queue[0]
		m.queue = m.queue[1:]
		lj := m.live[id]
		if lj != nil && lj.job.Status == models.JobStatusPending && !lj.cancelRequested {
			return id, true
		}
	}
	return uuid.Nil, false
}

func (m *Manager) signalWake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// supervise runs one job from dispatch to terminal state. It is the only
// goroutine that mutates the job while it runs, which keeps store writes and
// bus publishes for a job in a single total order.
func (m *Manager) supervise(ctx context.Context, id uuid.UUID) {
	m.mu.Lock()
	lj := m.live[id]
	if lj == nil || lj.job.Status != models.JobStatusPending || lj.cancelRequested {
		m.mu.Unlock()
		return
	}
	cancelCh := lj.cancelCh
	snapshot := lj.job.Clone()
	m.mu.Unlock()

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	if snapshot.Kind == models.KindDownload && snapshot.TotalBytes == nil {
		m.estimateTotal(runCtx, id, snapshot)
	}

	if !m.markRunning(ctx, id) {
		return
	}

	m.mu.Lock()
	snapshot = lj.job.Clone()
	m.mu.Unlock()

	handle, err := m.runner.Start(runCtx, snapshot)
	if err != nil {
		reason := err.Error()
		m.finalize(id, models.JobStatusFailed, &reason)
		return
	}

	m.mu.Lock()
	lj.handle = handle
	alreadyCancelled := lj.cancelRequested
	m.mu.Unlock()
	if alreadyCancelled {
		handle.Cancel()
	}

	updates := handle.Updates
	var graceExpired <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			// Shutdown. The job row stays active in the store; the next
			// process's recovery pass fails it with a restart reason.
			return

		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			m.applyProgress(ctx, id, u)

		case res := <-handle.Done:
			m.finalizeFromResult(id, res)
			return

		case <-cancelCh:
			cancelCh = nil
			timer := time.NewTimer(m.cfg.CancelGrace)
			defer timer.Stop()
			graceExpired = timer.C

		case <-graceExpired:
			// The runner did not acknowledge in time; abandon it. Its late
			// result, if any, lands on a terminal job and is ignored.
			slog.Warn("cancel grace period expired, abandoning runner", "job_id", id)
			m.finalize(id, models.JobStatusCancelled, nil)
			return
		}
	}
}

// estimateTotal seeds the expected transfer size from the archive's item
// metadata so progress is a percentage instead of a guess. Best effort.
func (m *Manager) estimateTotal(ctx context.Context, id uuid.UUID, job *models.Job) {
	if m.archive == nil {
		return
	}
	item, err := m.archive.GetItem(ctx, job.Identifier)
	if err != nil {
		slog.Debug("size estimation skipped", "job_id", id, "error", err)
		return
	}
	size := item.ExpectedSize(job.Files)
	if size <= 0 {
		return
	}
	m.mu.Lock()
	if lj := m.live[id]; lj != nil && lj.job.TotalBytes == nil {
		lj.job.TotalBytes = &size
	}
	m.mu.Unlock()
}

func (m *Manager) markRunning(ctx context.Context, id uuid.UUID) bool {
	m.mu.Lock()
	lj := m.live[id]
	if lj == nil || lj.job.Status != models.JobStatusPending || lj.cancelRequested {
		m.mu.Unlock()
		return false
	}
	lj.job.Status = models.JobStatusRunning
	lj.job.UpdatedAt = time.Now().UTC()
	snapshot := lj.job.Clone()
	m.mu.Unlock()

	if err := m.store.UpdateJob(ctx, id, store.WithStatus(models.JobStatusRunning)); err != nil {
		slog.Warn("persisting running status failed", "job_id", id, "error", err)
	}
	m.bus.Publish(snapshot)
	slog.Info("job running", "job_id", id)
	return true
}

// applyProgress folds one runner sample into live state. Writes to the store
// are coalesced to at most one per ProgressInterval and are best effort; the
// in-memory state always advances.
func (m *Manager) applyProgress(ctx context.Context, id uuid.UUID, u runner.Update) {
	m.mu.Lock()
	lj := m.live[id]
	if lj == nil || lj.job.Status != models.JobStatusRunning || lj.cancelRequested {
		m.mu.Unlock()
		return
	}

	now := time.Now()
	transferred := u.TransferredBytes
	if lj.job.TransferredBytes != nil && transferred < *lj.job.TransferredBytes {
		transferred = *lj.job.TransferredBytes
	}
	lj.job.TransferredBytes = &transferred
	if u.TotalBytes > 0 {
		total := u.TotalBytes
		lj.job.TotalBytes = &total
	}

	if !lj.lastSample.IsZero() {
		if dt := now.Sub(lj.lastSample).Seconds(); dt > 0 {
			rate := float64(transferred-lj.lastBytes) / dt
			if rate < 0 {
				rate = 0
			}
			lj.job.Rate = &rate
		}
	}
	lj.lastSample = now
	lj.lastBytes = transferred

	// Progress stays below 100 until the runner reports success; with an
	// unknown total it creeps toward an indeterminate ceiling.
	var pct float64
	if lj.job.TotalBytes != nil && *lj.job.TotalBytes > 0 {
		pct = math.Min(99, float64(transferred)/float64(*lj.job.TotalBytes)*100)
	} else {
		pct = math.Min(95, lj.job.Progress+2)
	}
	if pct > lj.job.Progress {
		lj.job.Progress = pct
	}
	lj.job.UpdatedAt = now.UTC()

	if now.Sub(lj.lastWrite) < m.cfg.ProgressInterval {
		m.mu.Unlock()
		return
	}
	lj.lastWrite = now
	snapshot := lj.job.Clone()
	m.mu.Unlock()

	opts := []store.UpdateOption{
		store.WithProgress(snapshot.Progress),
		store.WithTransferredBytes(*snapshot.TransferredBytes),
	}
	if snapshot.TotalBytes != nil {
		opts = append(opts, store.WithTotalBytes(*snapshot.TotalBytes))
	}
	if snapshot.Rate != nil {
		opts = append(opts, store.WithRate(*snapshot.Rate))
	}
	if err := m.store.UpdateJob(ctx, id, opts...); err != nil {
		slog.Warn("persisting progress failed", "job_id", id, "error", err)
	}
	m.bus.Publish(snapshot)
}

func (m *Manager) finalizeFromResult(id uuid.UUID, res runner.Result) {
	m.mu.Lock()
	lj := m.live[id]
	cancelRequested := lj != nil && lj.cancelRequested
	m.mu.Unlock()

	switch {
	case cancelRequested || res.Cancelled:
		if !cancelRequested && m.ctx.Err() != nil {
			// Shutdown, not a user cancel: leave the row active so the next
			// process's recovery pass fails it with a restart reason.
			return
		}
		m.finalize(id, models.JobStatusCancelled, nil)
	case res.Err != nil:
		reason := res.Err.Error()
		m.finalize(id, models.JobStatusFailed, &reason)
	default:
		m.finalize(id, models.JobStatusCompleted, nil)
	}
}

// finalize applies a terminal transition exactly once. The durable write is
// retried within a bounded budget and, unlike progress writes, is flushed
// before the dispatch slot is released. A job already terminal is left alone,
// which is what silently absorbs late callbacks from abandoned runners.
func (m *Manager) finalize(id uuid.UUID, status string, errMsg *string) {
	m.mu.Lock()
	lj := m.live[id]
	if lj == nil || lj.job.Terminal() {
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	lj.job.Status = status
	lj.job.UpdatedAt = now
	if errMsg != nil {
		lj.job.Error = errMsg
	}
	if status == models.JobStatusCompleted {
		lj.job.Progress = 100
		if lj.job.TotalBytes != nil {
			total := *lj.job.TotalBytes
			lj.job.TransferredBytes = &total
		}
	}
	snapshot := lj.job.Clone()
	delete(m.live, id)
	m.mu.Unlock()

	opts := []store.UpdateOption{
		store.WithStatus(status),
		store.WithProgress(snapshot.Progress),
	}
	if snapshot.TransferredBytes != nil {
		opts = append(opts, store.WithTransferredBytes(*snapshot.TransferredBytes))
	}
	if snapshot.TotalBytes != nil {
		opts = append(opts, store.WithTotalBytes(*snapshot.TotalBytes))
	}
	if snapshot.Error != nil {
		opts = append(opts, store.WithErrorMessage(*snapshot.Error))
	}

	var err error
	for attempt := 0; attempt < finalWriteAttempts; attempt++ {
		writeCtx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
		err = m.store.UpdateJob(writeCtx, id, opts...)
		cancel()
		if err == nil {
			break
		}
		time.Sleep(finalWriteBackoff)
	}
	if err != nil {
		// Fatal for this job only; the in-memory view already moved on.
		slog.Error("persisting terminal status failed", "job_id", id, "status", status, "error", err)
	}

	m.bus.Publish(snapshot)
	slog.Info("job finished", "job_id", id, "status", status)
}

// resolveDestDir confines a user-supplied destination under the download
// root, rejecting traversal attempts.
func resolveDestDir(base, destDir string) (string, error) {
	destDir = strings.Trim(strings.TrimSpace(destDir), "/")
	if destDir == "" {
		return "", nil
	}
	full := filepath.Join(base, destDir)
	rel, err := filepath.Rel(base, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: destination escapes download directory", ErrValidation)
	}
	return full, nil
}
