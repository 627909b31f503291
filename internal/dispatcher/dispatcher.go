// Package dispatcher implements the grid-engine batch dispatcher: a
// producer/consumer state machine running on a background worker goroutine
// that submits, tracks, and kills jobs against an external HPC scheduler
// backend, with cached polling, retries, and coalesced status queries.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultWaitDuration is the dispatcher's default polling interval.
const DefaultWaitDuration = time.Second

// ErrSchedulerInteraction is the sentinel wrapped by transient scheduler
// errors; such errors are retried up to 3 times by WithRetries before being
// surfaced as a job failure.
var ErrSchedulerInteraction = errors.New("dispatcher: scheduler interaction error")

// ErrCoalesceUnsupported is returned by a Backend.CoalesceJobExitCodes
// implementation that does not support batched status queries; the worker
// falls back to polling GetJobExitCode individually for each job.
var ErrCoalesceUnsupported = errors.New("dispatcher: coalesced exit-code query not supported")

// ErrKillRace marks a job that was killed but emerged with a normal exit
// code before the kill took effect; it is still reported as killed.
var ErrKillRace = errors.New("dispatcher: job killed but emerged with a normal exit code")

// ExitReason tags a job's termination with a cause other than a bare process
// exit code (e.g. killed, lost, memory limit exceeded).
type ExitReason string

const (
	ExitReasonKilled      ExitReason = "killed"
	ExitReasonLost        ExitReason = "lost"
	ExitReasonMemLimit    ExitReason = "memlimit"
	ExitReasonPartition   ExitReason = "partition"
)

// ExitStatus is the result of polling a single job: either a plain integer
// exit code, or a tagged ExitReason, never both.
type ExitStatus struct {
	Code   *int
	Reason ExitReason
}

func IntExitStatus(code int) ExitStatus       { return ExitStatus{Code: &code} }
func ReasonExitStatus(r ExitReason) ExitStatus { return ExitStatus{Reason: r} }

// Accelerator describes one accelerator requirement.
type Accelerator struct {
	Kind  string
	API   string
	Count int
}

// JobDescription is the tuple a workflow job submits to the dispatcher:
// logical id, resource requirements, command, display name, environment,
// and accelerators.
type JobDescription struct {
	ID           string
	Cores        float64
	MemoryBytes  int64
	DiskBytes    int64
	Command      []string
	DisplayName  string
	Env          map[string]string
	Accelerators []Accelerator
}

// Backend is the scheduler backend contract: the abstract operations a
// concrete grid-engine integration (LSF, SLURM, SGE, PBS, ...) must
// implement.
type Backend interface {
	// Name identifies the backend for ExternalBatchIDMessage.
	Name() string

	// PrepareSubmission builds the scheduler-specific submission command for
	// a job description.
	PrepareSubmission(ctx context.Context, job JobDescription) ([]string, error)

	// SubmitJob submits a prepared command and returns the scheduler's
	// external batch ID.
	SubmitJob(ctx context.Context, cmd []string) (externalID string, err error)

	// KillJob requests cancellation of a running external batch ID.
	KillJob(ctx context.Context, externalID string) error

	// GetRunningJobIDs returns the set of external batch IDs the backend
	// currently believes are running.
	GetRunningJobIDs(ctx context.Context) (map[string]bool, error)

	// GetJobExitCode polls one job; a nil ExitStatus with ok=false means
	// still running.
	GetJobExitCode(ctx context.Context, externalID string) (status ExitStatus, ok bool, err error)

	// CoalesceJobExitCodes polls many jobs in one round-trip, returning a
	// slice aligned index-for-index with externalIDs (ok=false entries mean
	// still running). Returns ErrCoalesceUnsupported if the backend has no
	// batched query and callers should fall back to GetJobExitCode.
	CoalesceJobExitCodes(ctx context.Context, externalIDs []string) (statuses []ExitStatus, oks []bool, err error)

	// GetWaitDuration returns this backend's preferred polling interval.
	GetWaitDuration() time.Duration
}

// ExternalBatchIDMessage is published on the event bus immediately after a
// job is submitted, before it is inserted into the running set (the original
// implementation's ordering; a consumer reacting to the message and
// immediately querying the running set may legitimately race it).
type ExternalBatchIDMessage struct {
	ToilJobID        string
	ExternalBatchID  string
	BackendClassName string
}

// Bus is the minimal publish contract the dispatcher needs from an event
// bus collaborator.
type Bus interface {
	Publish(msg ExternalBatchIDMessage)
}

// UpdatedBatchJobInfo reports a terminal job: either a plain exit status
// code or a tagged reason, never both, with a never-retried-per-id
// guarantee.
type UpdatedBatchJobInfo struct {
	ID         string
	ExitStatus ExitStatus
	Killed     bool
}

// Worker runs one backend's background dispatch loop. All interaction with
// the external scheduler happens on the single goroutine started by Start;
// the caller communicates only through the four channel-based queues.
type Worker struct {
	backend Backend
	bus     Bus
	logger  *slog.Logger

	maxJobs int

	newJobs     chan *JobDescription // nil is a deliberate shutdown sentinel, see Stop
	updatedJobs chan UpdatedBatchJobInfo
	kill        chan string
	killed      chan string

	mu      sync.Mutex
	waiting []*JobDescription
	running map[string]bool // toilID -> true
	idMap   map[string]string // toilID -> externalBatchID

	statePollingWait time.Duration
	lastPoll         time.Time
	cachedRunningIDs []string

	doneCh chan struct{}
}

// Config configures a Worker.
type Config struct {
	MaxJobs          int
	StatePollingWait time.Duration // defaults to backend.GetWaitDuration()
	QueueDepth       int           // buffered channel capacity; 0 means DefaultQueueDepth
}

// DefaultQueueDepth is the default buffered capacity for the four queues.
const DefaultQueueDepth = 256

// NewWorker constructs a Worker for the given backend. Call Start to launch
// its background goroutine.
func NewWorker(backend Backend, bus Bus, cfg Config, logger *slog.Logger) *Worker {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	wait := cfg.StatePollingWait
	if wait <= 0 {
		wait = backend.GetWaitDuration()
	}
	maxJobs := cfg.MaxJobs
	if maxJobs <= 0 {
		maxJobs = 1
	}
	return &Worker{
		backend:          backend,
		bus:              bus,
		logger:           logger.With("component", "dispatcher", "backend", backend.Name()),
		maxJobs:          maxJobs,
		newJobs:          make(chan *JobDescription, depth),
		updatedJobs:      make(chan UpdatedBatchJobInfo, depth),
		kill:             make(chan string, depth),
		killed:           make(chan string, depth),
		running:          make(map[string]bool),
		idMap:            make(map[string]string),
		statePollingWait: wait,
		doneCh:           make(chan struct{}),
	}
}

// Submit enqueues a new job for dispatch.
func (w *Worker) Submit(job *JobDescription) { w.newJobs <- job }

// Kill requests cancellation of a job, whether waiting or running. Idempotent:
// killing an unknown or already-terminated id completes immediately (the id
// is still confirmed on Killed(), without calling the backend).
func (w *Worker) Kill(id string) { w.kill <- id }

// UpdatedJobs returns the channel of terminal job reports.
func (w *Worker) UpdatedJobs() <-chan UpdatedBatchJobInfo { return w.updatedJobs }

// Killed returns the channel confirming a kill has taken effect.
func (w *Worker) Killed() <-chan string { return w.killed }

// Start launches the background dispatch loop. Returns once the loop has
// actually exited (on ctx cancellation or a Stop call), running in the
// caller's goroutine — callers that want it backgrounded should call this in
// their own `go` statement.
func (w *Worker) Start(ctx context.Context) {
	defer close(w.doneCh)
	for {
		cont, err := w.runStep(ctx)
		if err != nil {
			w.logger.Error("dispatcher run step", "error", err)
		}
		if !cont {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Stop pushes the shutdown sentinel and waits for the worker loop to exit.
func (w *Worker) Stop() {
	w.newJobs <- nil
	<-w.doneCh
}

// runStep runs one iteration of the dispatcher's main loop.
func (w *Worker) runStep(ctx context.Context) (bool, error) {
	activity := false

	var newJob *JobDescription
	select {
	case job := <-w.newJobs:
		activity = true
		if job == nil {
			return false, nil
		}
		newJob = job
	default:
	}

	killedActivity, err := w.killJobs(ctx)
	if err != nil {
		return true, err
	}
	activity = activity || killedActivity

	createdActivity, err := w.createJobs(ctx, newJob)
	if err != nil {
		return true, err
	}
	activity = activity || createdActivity

	checkedActivity, err := w.checkOnJobs(ctx)
	if err != nil {
		return true, err
	}
	activity = activity || checkedActivity

	if !activity {
		time.Sleep(w.statePollingWait)
	}
	return true, nil
}

// createJobs appends newJob (if any) to the waiting queue, then submits as
// many waiting jobs as capacity allows, in FIFO order.
func (w *Worker) createJobs(ctx context.Context, newJob *JobDescription) (bool, error) {
	activity := false

	w.mu.Lock()
	if newJob != nil {
		w.waiting = append(w.waiting, newJob)
		activity = true
	}
	w.mu.Unlock()

	for {
		w.mu.Lock()
		if len(w.waiting) == 0 || len(w.running) >= w.maxJobs {
			w.mu.Unlock()
			break
		}
		job := w.waiting[0]
		w.waiting = w.waiting[1:]
		w.mu.Unlock()

		cmd, err := w.backend.PrepareSubmission(ctx, *job)
		if err != nil {
			return true, fmt.Errorf("%w: prepare submission for %s: %v", ErrSchedulerInteraction, job.ID, err)
		}

		var externalID string
		err = WithRetries(w.logger, w.statePollingWait, func() error {
			id, err := w.backend.SubmitJob(ctx, cmd)
			if err != nil {
				return err
			}
			externalID = id
			return nil
		})
		if err != nil {
			return true, fmt.Errorf("%w: submit job %s: %v", ErrSchedulerInteraction, job.ID, err)
		}

		if w.bus != nil {
			w.bus.Publish(ExternalBatchIDMessage{
				ToilJobID:        job.ID,
				ExternalBatchID:  externalID,
				BackendClassName: w.backend.Name(),
			})
		}

		w.mu.Lock()
		w.idMap[job.ID] = externalID
		w.running[job.ID] = true
		w.mu.Unlock()

		activity = true
	}

	return activity, nil
}

// killJobs drains the kill queue: in-flight jobs are killed via the backend
// and polled to confirm termination; still-waiting jobs are removed from the
// queue and reported killed immediately, without ever reaching the backend.
func (w *Worker) killJobs(ctx context.Context) (bool, error) {
	var toKill []string
drain:
	for {
		select {
		case id := <-w.kill:
			toKill = append(toKill, id)
		default:
			break drain
		}
	}
	if len(toKill) == 0 {
		return false, nil
	}

	for _, id := range toKill {
		w.mu.Lock()
		_, isRunning := w.running[id]
		externalID := w.idMap[id]
		w.mu.Unlock()

		if !isRunning {
			// Either still waiting, or unknown/already-terminal: idempotent
			// either way. Remove from waiting if present.
			w.removeWaiting(id)
			w.killed <- id
			continue
		}

		if err := WithRetries(w.logger, w.statePollingWait, func() error {
			return w.backend.KillJob(ctx, externalID)
		}); err != nil {
			return true, fmt.Errorf("%w: kill job %s: %v", ErrSchedulerInteraction, id, err)
		}

		for {
			status, ok, err := w.backend.GetJobExitCode(ctx, externalID)
			if err != nil {
				return true, fmt.Errorf("%w: poll killed job %s: %v", ErrSchedulerInteraction, id, err)
			}
			if ok {
				_ = status // the exit code of a killed job is discarded; only termination matters here
				break
			}
			time.Sleep(w.statePollingWait)
		}

		w.forgetJob(id)
		w.killed <- id
	}

	return true, nil
}

func (w *Worker) removeWaiting(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i, j := range w.waiting {
		if j.ID == id {
			w.waiting = append(w.waiting[:i], w.waiting[i+1:]...)
			return
		}
	}
}

// forgetJob deletes id from both running and idMap as one atomic,
// lock-protected step, so a concurrent checkOnJobs never observes one map
// updated and not the other.
func (w *Worker) forgetJob(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.running, id)
	delete(w.idMap, id)
}

// checkOnJobs polls running jobs for terminal status, cached by
// statePollingWait: two calls within that interval issue at most one real
// backend query.
func (w *Worker) checkOnJobs(ctx context.Context) (bool, error) {
	if !w.lastPoll.IsZero() && time.Since(w.lastPoll) < w.statePollingWait {
		return false, nil
	}
	w.lastPoll = time.Now()

	w.mu.Lock()
	ids := make([]string, 0, len(w.running))
	externalIDs := make([]string, 0, len(w.running))
	for id := range w.running {
		ids = append(ids, id)
		externalIDs = append(externalIDs, w.idMap[id])
	}
	w.mu.Unlock()

	if len(ids) == 0 {
		return false, nil
	}

	activity := false

	statuses, oks, err := w.backend.CoalesceJobExitCodes(ctx, externalIDs)
	if errors.Is(err, ErrCoalesceUnsupported) {
		statuses = make([]ExitStatus, len(ids))
		oks = make([]bool, len(ids))
		for i, ext := range externalIDs {
			st, ok, perr := w.backend.GetJobExitCode(ctx, ext)
			if perr != nil {
				return activity, fmt.Errorf("%w: poll job %s: %v", ErrSchedulerInteraction, ids[i], perr)
			}
			statuses[i] = st
			oks[i] = ok
		}
	} else if err != nil {
		return activity, fmt.Errorf("%w: coalesce exit codes: %v", ErrSchedulerInteraction, err)
	}

	for i, id := range ids {
		if !oks[i] {
			continue
		}
		// A reason-carrying status is checked before a bare integer code so
		// it is never silently coerced into status=1.
		info := UpdatedBatchJobInfo{ID: id}
		if statuses[i].Reason != "" {
			info.ExitStatus = statuses[i]
		} else if statuses[i].Code != nil {
			info.ExitStatus = statuses[i]
		} else {
			continue
		}
		w.forgetJob(id)
		w.updatedJobs <- info
		activity = true
	}

	return activity, nil
}

// WithRetries calls op up to 3 times, sleeping wait between attempts, when it
// fails with an error wrapping ErrSchedulerInteraction-shaped transient
// failures (any error the op itself returns is treated as potentially
// transient, matching the original's called-process-stderr retry class); it
// logs and re-raises the final error on exhaustion.
func WithRetries(logger *slog.Logger, wait time.Duration, op func() error) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt < maxAttempts {
			logger.Warn("scheduler interaction failed, retrying", "attempt", attempt, "error", lastErr)
			time.Sleep(wait)
		}
	}
	logger.Error("scheduler interaction exhausted retries", "attempts", maxAttempts, "error", lastErr)
	return lastErr
}

// Snapshot returns the current waiting/running sets for observability (the
// admin route GET /api/v1/dispatch/{backend}/jobs dumps this).
type Snapshot struct {
	Waiting []string
	Running []string
}

func (w *Worker) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := Snapshot{}
	for _, j := range w.waiting {
		s.Waiting = append(s.Waiting, j.ID)
	}
	for id := range w.running {
		s.Running = append(s.Running, id)
	}
	return s
}
