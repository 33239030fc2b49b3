package queue

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"fileguard/pkg/domain"
	"fileguard/pkg/store"
)

func testConfig() Config {
	return Config{
		Ceiling:     3,
		Lease:       time.Minute,
		MaxAttempts: 3,
		RetryBase:   30 * time.Second,
		RetryMax:    10 * time.Minute,
	}
}

func TestEnqueueCeiling(t *testing.T) {
	q := New(store.NewMemoryStore(), testConfig())

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue("file", "t1"); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	_, err := q.Enqueue("file", "t1")
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}

	depth, err := q.Depth()
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 3 {
		t.Errorf("depth = %d, want 3", depth)
	}
}

func TestEnqueueCeilingUnderConcurrency(t *testing.T) {
	q := New(store.NewMemoryStore(), testConfig())

	const uploaders = 16
	results := make(chan error, uploaders)
	for i := 0; i < uploaders; i++ {
		go func(n int) {
			_, err := q.Enqueue(fmt.Sprintf("file-%d", n), "t1")
			results <- err
		}(i)
	}

	var accepted, rejected int
	for i := 0; i < uploaders; i++ {
		switch err := <-results; {
		case err == nil:
			accepted++
		case errors.Is(err, ErrQueueFull):
			rejected++
		default:
			t.Fatalf("enqueue: %v", err)
		}
	}
	if accepted != 3 || rejected != uploaders-3 {
		t.Errorf("accepted=%d rejected=%d, want the ceiling held at 3", accepted, rejected)
	}
	depth, err := q.Depth()
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 3 {
		t.Errorf("depth = %d, want 3", depth)
	}
}

func TestClaimOrderAndExclusivity(t *testing.T) {
	st := store.NewMemoryStore()
	q := New(st, testConfig())

	first, err := q.Enqueue("file-a", "t1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Force a strict enqueue order; timestamps in the same microsecond
	// would make the FIFO assertion flaky.
	bumpEnqueuedAt(t, st, first.ID, -time.Second)
	if _, err := q.Enqueue("file-b", "t1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	now := time.Now().UTC()
	claimed, ok, err := q.Claim(now)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if claimed.ID != first.ID {
		t.Errorf("claimed %s, want oldest job %s", claimed.ID, first.ID)
	}
	if claimed.Status != domain.JobInProgress || claimed.Attempts != 1 {
		t.Errorf("claimed job status=%s attempts=%d", claimed.Status, claimed.Attempts)
	}

	second, ok, err := q.Claim(now)
	if err != nil || !ok {
		t.Fatalf("second claim: ok=%v err=%v", ok, err)
	}
	if second.ID == first.ID {
		t.Error("same job claimed twice inside its lease")
	}
	if _, ok, _ := q.Claim(now); ok {
		t.Error("claim succeeded with an empty runnable set")
	}
}

func TestClaimReclaimsExpiredLease(t *testing.T) {
	q := New(store.NewMemoryStore(), testConfig())

	job, err := q.Enqueue("file-a", "t1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	now := time.Now().UTC()
	if _, ok, _ := q.Claim(now); !ok {
		t.Fatal("initial claim failed")
	}

	// Inside the lease the job is invisible.
	if _, ok, _ := q.Claim(now.Add(30 * time.Second)); ok {
		t.Error("job reclaimed before lease expiry")
	}

	reclaimed, ok, err := q.Claim(now.Add(2 * time.Minute))
	if err != nil || !ok {
		t.Fatalf("reclaim: ok=%v err=%v", ok, err)
	}
	if reclaimed.ID != job.ID {
		t.Errorf("reclaimed %s, want %s", reclaimed.ID, job.ID)
	}
	if reclaimed.Attempts != 2 {
		t.Errorf("attempts = %d, want 2 after reclaim", reclaimed.Attempts)
	}
}

func TestFailRequeuesWithBackoff(t *testing.T) {
	st := store.NewMemoryStore()
	q := New(st, testConfig())

	job, err := q.Enqueue("file-a", "t1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	now := time.Now().UTC()
	claimed, _, err := q.Claim(now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}

	terminal, err := q.Fail(claimed, "daemon unreachable")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if terminal {
		t.Fatal("first failure should not be terminal")
	}

	requeued, ok, err := st.GetScanJob(job.ID)
	if err != nil || !ok {
		t.Fatalf("GetScanJob: ok=%v err=%v", ok, err)
	}
	if requeued.Status != domain.JobQueued {
		t.Errorf("status = %s, want queued", requeued.Status)
	}
	delay := time.Until(requeued.NextAttemptAt)
	if delay < 20*time.Second || delay > 40*time.Second {
		t.Errorf("backoff delay = %v, want about 30s", delay)
	}

	// Not claimable until the backoff elapses.
	if _, ok, _ := q.Claim(now.Add(time.Second)); ok {
		t.Error("job claimable before its backoff elapsed")
	}
	if _, ok, _ := q.Claim(now.Add(time.Minute)); !ok {
		t.Error("job not claimable after its backoff elapsed")
	}
}

func TestFailGoesTerminalAfterMaxAttempts(t *testing.T) {
	st := store.NewMemoryStore()
	q := New(st, testConfig())

	job, err := q.Enqueue("file-a", "t1")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	at := time.Now().UTC()
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, ok, err := q.Claim(at.Add(time.Duration(attempt) * time.Hour))
		if err != nil || !ok {
			t.Fatalf("claim attempt %d: ok=%v err=%v", attempt, ok, err)
		}
		terminal, err := q.Fail(claimed, "daemon unreachable")
		if err != nil {
			t.Fatalf("fail attempt %d: %v", attempt, err)
		}
		wantTerminal := attempt == 3
		if terminal != wantTerminal {
			t.Errorf("attempt %d terminal = %v, want %v", attempt, terminal, wantTerminal)
		}
	}

	failed, ok, err := st.GetScanJob(job.ID)
	if err != nil || !ok {
		t.Fatalf("GetScanJob: ok=%v err=%v", ok, err)
	}
	if failed.Status != domain.JobFailed {
		t.Errorf("status = %s, want failed", failed.Status)
	}

	depth, _ := q.Depth()
	if depth != 0 {
		t.Errorf("depth = %d, want 0 after terminal failure", depth)
	}
}

func TestBackoffCapped(t *testing.T) {
	q := New(store.NewMemoryStore(), Config{
		RetryBase: time.Minute,
		RetryMax:  4 * time.Minute,
	})
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Minute},
		{2, 2 * time.Minute},
		{3, 4 * time.Minute},
		{10, 4 * time.Minute},
	}
	for _, tc := range cases {
		if got := q.backoff(tc.attempts); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func bumpEnqueuedAt(t *testing.T, st *store.MemoryStore, jobID string, delta time.Duration) {
	t.Helper()
	job, ok, err := st.GetScanJob(jobID)
	if err != nil || !ok {
		t.Fatalf("GetScanJob: ok=%v err=%v", ok, err)
	}
	job.EnqueuedAt = job.EnqueuedAt.Add(delta)
	if err := st.PutScanJob(job); err != nil {
		t.Fatalf("PutScanJob: %v", err)
	}
}
