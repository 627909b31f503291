package dispatcher

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// LocalBackend is a concrete Backend that submits each job as a bare OS
// process on the machine gowe itself runs on: no real scheduler, just
// os/exec, for manual testing of the Worker loop without access to a real
// HPC cluster. The external batch ID it returns is simply its own
// monotonically increasing submission counter, formatted as a string,
// since there is no external scheduler assigning one.
type LocalBackend struct {
	mu      sync.Mutex
	next    int
	procs   map[string]*exec.Cmd
	done    map[string]ExitStatus
	running map[string]bool
}

// NewLocalBackend constructs an empty LocalBackend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{
		procs:   make(map[string]*exec.Cmd),
		done:    make(map[string]ExitStatus),
		running: make(map[string]bool),
	}
}

func (b *LocalBackend) Name() string { return "local" }

// PrepareSubmission is the identity transform: a LocalBackend has no
// scheduler-specific submission wrapper to build.
func (b *LocalBackend) PrepareSubmission(ctx context.Context, job JobDescription) ([]string, error) {
	if len(job.Command) == 0 {
		return nil, fmt.Errorf("local backend: job %s has an empty command", job.ID)
	}
	return job.Command, nil
}

// SubmitJob starts cmd as a background process and returns immediately; the
// caller polls GetJobExitCode/CoalesceJobExitCodes to learn when it exits.
func (b *LocalBackend) SubmitJob(ctx context.Context, cmd []string) (string, error) {
	b.mu.Lock()
	b.next++
	externalID := strconv.Itoa(b.next)
	b.mu.Unlock()

	c := exec.Command(cmd[0], cmd[1:]...)
	if err := c.Start(); err != nil {
		return "", fmt.Errorf("local backend: start %v: %w", cmd, err)
	}

	b.mu.Lock()
	b.procs[externalID] = c
	b.running[externalID] = true
	b.mu.Unlock()

	go b.await(externalID, c)

	return externalID, nil
}

func (b *LocalBackend) await(externalID string, c *exec.Cmd) {
	err := c.Wait()

	status := IntExitStatus(0)
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			status = IntExitStatus(exitErr.ExitCode())
		} else {
			status = ReasonExitStatus(ExitReason("failed"))
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.done[externalID] = status
	delete(b.running, externalID)
}

func (b *LocalBackend) KillJob(ctx context.Context, externalID string) error {
	b.mu.Lock()
	c, ok := b.procs[externalID]
	b.mu.Unlock()
	if !ok || c.Process == nil {
		return nil
	}
	return c.Process.Kill()
}

func (b *LocalBackend) GetRunningJobIDs(ctx context.Context) (map[string]bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]bool, len(b.running))
	for id := range b.running {
		out[id] = true
	}
	return out, nil
}

func (b *LocalBackend) GetJobExitCode(ctx context.Context, externalID string) (ExitStatus, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	status, ok := b.done[externalID]
	return status, ok, nil
}

// CoalesceJobExitCodes has no batched query to offer: LocalBackend reports
// ErrCoalesceUnsupported so the Worker falls back to per-id polling.
func (b *LocalBackend) CoalesceJobExitCodes(ctx context.Context, externalIDs []string) ([]ExitStatus, []bool, error) {
	return nil, nil, ErrCoalesceUnsupported
}

func (b *LocalBackend) GetWaitDuration() time.Duration { return 200 * time.Millisecond }
