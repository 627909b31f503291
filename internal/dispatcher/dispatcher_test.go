package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"
)

// fakeBackend is an in-memory Backend for tests: every submitted job
// "completes" (reaches a non-null exit code) only once the test explicitly
// marks it done via complete(), so tests can control timing precisely.
type fakeBackend struct {
	mu          sync.Mutex
	nextID      int
	submitted   []string // toil job ids, in submission order
	killed      []string
	done        map[string]ExitStatus
	coalesceErr error // set to ErrCoalesceUnsupported to force per-id polling
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{done: make(map[string]ExitStatus)}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) PrepareSubmission(ctx context.Context, job JobDescription) ([]string, error) {
	return []string{"run", job.ID}, nil
}

func (f *fakeBackend) SubmitJob(ctx context.Context, cmd []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("ext-%d", f.nextID)
	f.submitted = append(f.submitted, cmd[1])
	return id, nil
}

func (f *fakeBackend) KillJob(ctx context.Context, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, externalID)
	code := 0
	f.done[externalID] = IntExitStatus(code)
	return nil
}

func (f *fakeBackend) GetRunningJobIDs(ctx context.Context) (map[string]bool, error) {
	return nil, nil
}

func (f *fakeBackend) GetJobExitCode(ctx context.Context, externalID string) (ExitStatus, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.done[externalID]
	return st, ok, nil
}

func (f *fakeBackend) CoalesceJobExitCodes(ctx context.Context, externalIDs []string) ([]ExitStatus, []bool, error) {
	if f.coalesceErr != nil {
		return nil, nil, f.coalesceErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	statuses := make([]ExitStatus, len(externalIDs))
	oks := make([]bool, len(externalIDs))
	for i, id := range externalIDs {
		st, ok := f.done[id]
		statuses[i] = st
		oks[i] = ok
	}
	return statuses, oks, nil
}

func (f *fakeBackend) GetWaitDuration() time.Duration { return 10 * time.Millisecond }

func (f *fakeBackend) complete(externalIDIndex int, status ExitStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("ext-%d", externalIDIndex)
	f.done[id] = status
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nil, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

func TestWorker_RunningCap(t *testing.T) {
	backend := newFakeBackend()
	w := NewWorker(backend, nil, Config{MaxJobs: 2}, testLogger())

	for i := 1; i <= 5; i++ {
		w.Submit(&JobDescription{ID: fmt.Sprintf("job-%d", i)})
	}

	ctx := context.Background()
	// Drain newJobs + createJobs manually without the sleep-driven loop.
	for i := 0; i < 5; i++ {
		if _, err := w.runStep(ctx); err != nil {
			t.Fatalf("runStep: %v", err)
		}
	}

	snap := w.Snapshot()
	if len(snap.Running) > 2 {
		t.Fatalf("running cap violated: %d running, want <= 2", len(snap.Running))
	}
	if len(snap.Running)+len(snap.Waiting) != 5 {
		t.Fatalf("expected all 5 jobs accounted for, got running=%d waiting=%d", len(snap.Running), len(snap.Waiting))
	}
}

func TestWorker_KillWhileWaiting(t *testing.T) {
	backend := newFakeBackend()
	w := NewWorker(backend, nil, Config{MaxJobs: 2}, testLogger())

	for i := 1; i <= 5; i++ {
		w.Submit(&JobDescription{ID: fmt.Sprintf("job-%d", i)})
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := w.runStep(ctx); err != nil {
			t.Fatalf("runStep: %v", err)
		}
	}

	// job-4 should still be waiting (maxJobs=2, jobs 1,2 running, 3 running
	// once one finishes... but nothing has finished yet, so with maxJobs=2
	// only jobs 1 and 2 are running; 3,4,5 wait).
	w.Kill("job-4")
	if _, err := w.runStep(ctx); err != nil {
		t.Fatalf("runStep: %v", err)
	}

	select {
	case id := <-w.Killed():
		if id != "job-4" {
			t.Fatalf("got killed id %q, want job-4", id)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for killed confirmation")
	}

	for _, ext := range backend.killed {
		// job-4 was only waiting; backend.KillJob must never have been
		// called for it (it never got an external id).
		t.Fatalf("backend.KillJob called for %q; job-4 was only waiting", ext)
	}
	snap := w.Snapshot()
	for _, id := range snap.Running {
		if id == "job-4" {
			t.Fatal("job-4 should not be running after kill")
		}
	}
	for _, id := range snap.Waiting {
		if id == "job-4" {
			t.Fatal("job-4 should have been removed from waiting after kill")
		}
	}
}

func TestWorker_AtMostOnceUpdate(t *testing.T) {
	backend := newFakeBackend()
	w := NewWorker(backend, nil, Config{MaxJobs: 5, StatePollingWait: time.Millisecond}, testLogger())

	w.Submit(&JobDescription{ID: "job-1"})
	ctx := context.Background()
	if _, err := w.runStep(ctx); err != nil {
		t.Fatalf("runStep: %v", err)
	}

	backend.complete(1, IntExitStatus(0))
	time.Sleep(2 * time.Millisecond)

	seen := 0
	for i := 0; i < 5; i++ {
		if _, err := w.runStep(ctx); err != nil {
			t.Fatalf("runStep: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
	}
drain:
	for {
		select {
		case info := <-w.UpdatedJobs():
			if info.ID != "job-1" {
				t.Fatalf("unexpected update for %q", info.ID)
			}
			seen++
		default:
			break drain
		}
	}
	if seen != 1 {
		t.Fatalf("expected exactly 1 UpdatedBatchJobInfo for job-1, got %d", seen)
	}
}

func TestWorker_CoalesceUnsupportedFallsBackToPerID(t *testing.T) {
	backend := newFakeBackend()
	backend.coalesceErr = ErrCoalesceUnsupported
	w := NewWorker(backend, nil, Config{MaxJobs: 5, StatePollingWait: time.Millisecond}, testLogger())

	w.Submit(&JobDescription{ID: "job-1"})
	ctx := context.Background()
	if _, err := w.runStep(ctx); err != nil {
		t.Fatalf("runStep: %v", err)
	}
	backend.complete(1, IntExitStatus(3))
	time.Sleep(2 * time.Millisecond)

	var info UpdatedBatchJobInfo
	found := false
	for i := 0; i < 5 && !found; i++ {
		if _, err := w.runStep(ctx); err != nil {
			t.Fatalf("runStep: %v", err)
		}
		select {
		case info = <-w.UpdatedJobs():
			found = true
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}
	if !found {
		t.Fatal("expected an update via per-id fallback polling")
	}
	if info.ExitStatus.Code == nil || *info.ExitStatus.Code != 3 {
		t.Fatalf("got exit status %+v, want code 3", info.ExitStatus)
	}
}

func TestWithRetries_ExhaustsAndReturnsError(t *testing.T) {
	calls := 0
	err := WithRetries(testLogger(), time.Millisecond, func() error {
		calls++
		return fmt.Errorf("boom")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestWithRetries_SucceedsBeforeExhausting(t *testing.T) {
	calls := 0
	err := WithRetries(testLogger(), time.Millisecond, func() error {
		calls++
		if calls < 2 {
			return fmt.Errorf("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestWorker_ExitReasonPreferredOverInteger(t *testing.T) {
	backend := newFakeBackend()
	w := NewWorker(backend, nil, Config{MaxJobs: 5, StatePollingWait: time.Millisecond}, testLogger())

	w.Submit(&JobDescription{ID: "job-1"})
	ctx := context.Background()
	if _, err := w.runStep(ctx); err != nil {
		t.Fatalf("runStep: %v", err)
	}
	backend.complete(1, ReasonExitStatus(ExitReasonMemLimit))
	time.Sleep(2 * time.Millisecond)

	var info UpdatedBatchJobInfo
	found := false
	for i := 0; i < 5 && !found; i++ {
		if _, err := w.runStep(ctx); err != nil {
			t.Fatalf("runStep: %v", err)
		}
		select {
		case info = <-w.UpdatedJobs():
			found = true
		default:
			time.Sleep(2 * time.Millisecond)
		}
	}
	if !found {
		t.Fatal("expected an update")
	}
	if info.ExitStatus.Reason != ExitReasonMemLimit {
		t.Fatalf("got reason %q, want %q", info.ExitStatus.Reason, ExitReasonMemLimit)
	}
}
