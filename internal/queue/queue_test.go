package queue_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"clipfactory/internal/apperr"
	"clipfactory/internal/models"
	"clipfactory/internal/queue"
	"clipfactory/internal/storage"
	"clipfactory/internal/testutil"

	"github.com/sirupsen/logrus"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newQueue(t *testing.T, duration float64) (*queue.Queue, *testutil.Clock, *storage.DB, []models.Chunk) {
	t.Helper()
	db := testutil.OpenDB(t)
	_, chunks := testutil.SeedVideo(t, db, "ch", duration)
	clock := testutil.NewClock(t0)
	q := queue.New(storage.NewJobRepository(db),
		queue.WithClock(clock.Now),
		queue.WithLogger(quietLog()),
	)
	return q, clock, db, chunks
}

func TestBackoff(t *testing.T) {
	q := queue.New(nil, queue.WithBackoff(10*time.Second, 5*time.Minute))
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{5, 160 * time.Second},
		{6, 5 * time.Minute},
		{30, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := q.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryThenSucceed(t *testing.T) {
	q, clock, _, chunks := newQueue(t, 60)
	ctx := context.Background()

	job, err := q.Enqueue(ctx, chunks[0].ID, "alice")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 2; i++ {
		claimed, err := q.Dequeue(ctx)
		if err != nil || claimed == nil {
			t.Fatalf("Dequeue %d = %v, %v", i, claimed, err)
		}
		requeued, err := q.Fail(ctx, claimed.ID, errors.New("upstream 503"), true)
		if err != nil || !requeued {
			t.Fatalf("Fail %d = %v, %v; want requeued", i, requeued, err)
		}
		// Not visible until the backoff passes.
		if again, _ := q.Dequeue(ctx); again != nil {
			t.Fatalf("job visible during backoff")
		}
		clock.Advance(time.Hour)
	}

	claimed, err := q.Dequeue(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("final Dequeue = %v, %v", claimed, err)
	}
	if err := q.Complete(ctx, claimed.ID, []models.SegmentProposal{{Start: 0, End: 2, Transcript: "ok"}}); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	got, _ := q.Get(ctx, job.ID)
	if got.Status != models.JobStatusCompleted || got.AttemptCount != 3 {
		t.Errorf("job = %s attempts %d, want completed 3", got.Status, got.AttemptCount)
	}
}

func TestRetryCeiling(t *testing.T) {
	q, clock, db, chunks := newQueue(t, 60)
	ctx := context.Background()
	job, _ := q.Enqueue(ctx, chunks[0].ID, "alice")

	for i := 1; i <= 3; i++ {
		claimed, _ := q.Dequeue(ctx)
		if claimed == nil {
			t.Fatalf("attempt %d: nothing to dequeue", i)
		}
		requeued, err := q.Fail(ctx, claimed.ID, errors.New("timeout"), true)
		if err != nil {
			t.Fatal(err)
		}
		if want := i < 3; requeued != want {
			t.Errorf("attempt %d requeued = %v, want %v", i, requeued, want)
		}
		clock.Advance(time.Hour)
	}

	got, _ := q.Get(ctx, job.ID)
	if got.Status != models.JobStatusFailed {
		t.Errorf("job status = %s, want failed", got.Status)
	}
	c, _ := storage.NewChunkRepository(db).GetByID(ctx, chunks[0].ID)
	if c.Status != models.ChunkFailed || !c.NeedsRetranscript {
		t.Errorf("chunk = %s flagged %v", c.Status, c.NeedsRetranscript)
	}
}

func TestPermanentFailureSkipsRetry(t *testing.T) {
	q, _, _, chunks := newQueue(t, 60)
	ctx := context.Background()
	q.Enqueue(ctx, chunks[0].ID, "alice")
	claimed, _ := q.Dequeue(ctx)

	requeued, err := q.Fail(ctx, claimed.ID, apperr.New(apperr.KindPermanent, "bad audio"), false)
	if err != nil || requeued {
		t.Errorf("Fail = %v, %v; want terminal", requeued, err)
	}
}

func TestRateLimitHintExtendsBackoff(t *testing.T) {
	q, clock, _, chunks := newQueue(t, 60)
	ctx := context.Background()
	q.Enqueue(ctx, chunks[0].ID, "alice")
	claimed, _ := q.Dequeue(ctx)

	cause := &apperr.Error{Kind: apperr.KindRateLimited, RetryAfter: 2 * time.Minute}
	if _, err := q.Fail(ctx, claimed.ID, cause, true); err != nil {
		t.Fatal(err)
	}
	got, _ := q.Get(ctx, claimed.ID)
	if !got.AvailableAt.Equal(clock.Now().Add(2 * time.Minute)) {
		t.Errorf("available_at = %v, want now+2m", got.AvailableAt)
	}
}

func TestEnqueueMany(t *testing.T) {
	q, _, _, chunks := newQueue(t, 610)
	ctx := context.Background()
	q.Enqueue(ctx, chunks[1].ID, "alice")

	results := q.EnqueueMany(ctx, []string{chunks[0].ID, chunks[1].ID, "missing"}, "alice")
	want := []apperr.Kind{"", apperr.KindDuplicateJob, apperr.KindNotFound}
	for i, r := range results {
		if got := apperr.KindOf(r.Err); got != want[i] {
			t.Errorf("result %d kind = %q, want %q", i, got, want[i])
		}
	}
	if results[0].Job == nil {
		t.Error("successful result has no job")
	}
}

func TestDequeueEmpty(t *testing.T) {
	q, _, _, _ := newQueue(t, 60)
	job, err := q.Dequeue(context.Background())
	if err != nil || job != nil {
		t.Errorf("Dequeue = %v, %v; want nil, nil", job, err)
	}
}

func TestCleanupRequiresRetention(t *testing.T) {
	q, _, _, _ := newQueue(t, 60)
	if _, err := q.Cleanup(context.Background(), 0); !apperr.Is(err, apperr.KindInvalidInput) {
		t.Errorf("Cleanup(0) err = %v", err)
	}
}

func TestRecoverRequeuesOrphans(t *testing.T) {
	q, _, _, chunks := newQueue(t, 60)
	ctx := context.Background()
	job, _ := q.Enqueue(ctx, chunks[0].ID, "alice")
	if claimed, _ := q.Dequeue(ctx); claimed == nil {
		t.Fatal("nothing dequeued")
	}

	n, err := q.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Recover = %d, %v", n, err)
	}
	got, _ := q.Get(ctx, job.ID)
	if got.Status != models.JobStatusQueued || got.AttemptCount != 0 {
		t.Errorf("recovered job = %s attempts %d", got.Status, got.AttemptCount)
	}
}

func TestConcurrentDequeueClaimsEachJobOnce(t *testing.T) {
	q, _, _, chunks := newQueue(t, 40*295)
	ctx := context.Background()
	if len(chunks) < 30 {
		t.Fatalf("seeded %d chunks", len(chunks))
	}
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	for _, r := range q.EnqueueMany(ctx, ids, "alice") {
		if r.Err != nil {
			t.Fatalf("enqueue %s: %v", r.ChunkID, r.Err)
		}
	}

	const workers = 8
	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		errs    []error
		wg      sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				job, err := q.Dequeue(ctx)
				mu.Lock()
				if err != nil {
					errs = append(errs, err)
				} else if job != nil {
					claimed[job.ID]++
				}
				mu.Unlock()
				if err != nil || job == nil {
					return
				}
			}
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("Dequeue errors: %v", errs)
	}
	if len(claimed) != len(chunks) {
		t.Errorf("claimed %d distinct jobs, want %d", len(claimed), len(chunks))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Errorf("job %s claimed %d times", id, n)
		}
	}
}
