package worker_test

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"clipfactory/internal/apperr"
	"clipfactory/internal/keypool"
	"clipfactory/internal/models"
	"clipfactory/internal/queue"
	"clipfactory/internal/storage"
	"clipfactory/internal/testutil"
	"clipfactory/internal/transcribe"
	"clipfactory/internal/worker"

	"github.com/sirupsen/logrus"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type call struct {
	secret string
	model  string
}

// fakeBackend returns errs in order, then succeeds with proposals.
type fakeBackend struct {
	mu        sync.Mutex
	errs      []error
	proposals []models.SegmentProposal
	calls     []call
}

func (f *fakeBackend) Transcribe(ctx context.Context, apiKey string, req transcribe.Request) ([]models.SegmentProposal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{secret: apiKey, model: req.Model})
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return f.proposals, nil
}

type fixture struct {
	w       *worker.Worker
	clock   *testutil.Clock
	db      *storage.DB
	keys    *keypool.Manager
	queue   *queue.Queue
	backend *fakeBackend
	chunk   models.Chunk
	job     *models.ProcessingJob
}

func setup(t *testing.T, cfg worker.Config, keys []models.APIKey, backend *fakeBackend) *fixture {
	t.Helper()
	ctx := context.Background()
	db := testutil.OpenDB(t)
	_, chunks := testutil.SeedVideo(t, db, "ch", 120)
	clock := testutil.NewClock(t0)

	l := logrus.New()
	l.SetOutput(io.Discard)
	log := logrus.NewEntry(l)

	pool := keypool.New(storage.NewAPIKeyRepository(db), keypool.WithClock(clock.Now), keypool.WithLogger(log))
	if err := pool.Provision(ctx, keys); err != nil {
		t.Fatal(err)
	}
	q := queue.New(storage.NewJobRepository(db),
		queue.WithClock(clock.Now),
		queue.WithBackoff(0, 0),
		queue.WithLogger(log),
	)
	job, err := q.Enqueue(ctx, chunks[0].ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	w := worker.NewWorker(q, storage.NewChunkRepository(db), pool, backend, cfg,
		worker.WithClock(clock.Now), worker.WithLogger(log))

	return &fixture{w: w, clock: clock, db: db, keys: pool, queue: q, backend: backend, chunk: chunks[0], job: job}
}

func key(secret, tier string) models.APIKey {
	return models.APIKey{Label: secret, Tier: tier, Secret: secret}
}

func (f *fixture) process(t *testing.T) bool {
	t.Helper()
	did, err := f.w.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}
	return did
}

func (f *fixture) chunkStatus(t *testing.T) models.Chunk {
	t.Helper()
	c, err := storage.NewChunkRepository(f.db).GetByID(context.Background(), f.chunk.ID)
	if err != nil {
		t.Fatal(err)
	}
	return *c
}

func TestProcessNextSuccess(t *testing.T) {
	backend := &fakeBackend{proposals: []models.SegmentProposal{
		{Start: 1, End: 4, Transcript: "こんにちは", Translation: "hello"},
	}}
	f := setup(t, worker.Config{TierModels: map[string]string{models.TierEconomy: "flash"}},
		[]models.APIKey{key("a", models.TierEconomy)}, backend)

	if !f.process(t) {
		t.Fatal("no job processed")
	}
	if f.process(t) {
		t.Error("second ProcessNext found work in an empty queue")
	}

	if c := f.chunkStatus(t); c.Status != models.ChunkReviewReady {
		t.Errorf("chunk status = %s", c.Status)
	}
	segs, _ := storage.NewSegmentRepository(f.db).ListByChunk(context.Background(), f.chunk.ID)
	if len(segs) != 1 || segs[0].Translation != "hello" {
		t.Errorf("segments = %+v", segs)
	}
	job, _ := f.queue.Get(context.Background(), f.job.ID)
	if job.APIKeyID == nil || *job.APIKeyID != keypool.Fingerprint("a") {
		t.Errorf("job key = %v", job.APIKeyID)
	}
	if backend.calls[0].model != "flash" || backend.calls[0].secret != "a" {
		t.Errorf("call = %+v", backend.calls[0])
	}
	if snap := f.keys.Snapshot(); snap[0].UsedCount != 1 {
		t.Errorf("key used = %d, want 1", snap[0].UsedCount)
	}
}

func TestAllKeysRateLimitedPausesThenRecovers(t *testing.T) {
	rateLimited := func() error { return apperr.New(apperr.KindRateLimited, "429") }
	backend := &fakeBackend{errs: []error{rateLimited(), rateLimited()}}
	f := setup(t, worker.Config{MaxIdle: time.Hour},
		[]models.APIKey{key("a", models.TierEconomy), key("b", models.TierEconomy)}, backend)

	f.process(t) // key a limited, job requeued
	f.process(t) // key b limited, pool exhausted

	until, paused := f.w.Paused()
	if !paused || !until.Equal(t0.Add(keypool.DefaultCooldown)) {
		t.Fatalf("Paused = %v, %v; want until %v", until, paused, t0.Add(keypool.DefaultCooldown))
	}
	if f.process(t) {
		t.Error("processed a job while paused")
	}
	if c := f.chunkStatus(t); c.Status != models.ChunkQueued {
		t.Errorf("chunk status while paused = %s", c.Status)
	}

	f.clock.Advance(keypool.DefaultCooldown)
	if !f.process(t) {
		t.Fatal("no job processed after cooldown")
	}
	job, _ := f.queue.Get(context.Background(), f.job.ID)
	if job.Status != models.JobStatusCompleted || job.AttemptCount != 3 {
		t.Errorf("job = %s attempts %d, want completed 3", job.Status, job.AttemptCount)
	}
	if len(backend.calls) != 3 || backend.calls[0].secret == backend.calls[1].secret {
		t.Errorf("calls = %+v", backend.calls)
	}
}

func TestNoKeysDefersWithoutSpendingAttempt(t *testing.T) {
	backend := &fakeBackend{}
	f := setup(t, worker.Config{MaxIdle: time.Minute}, nil, backend)

	if !f.process(t) {
		t.Fatal("job not picked up")
	}
	job, _ := f.queue.Get(context.Background(), f.job.ID)
	if job.Status != models.JobStatusQueued || job.AttemptCount != 0 {
		t.Errorf("job = %s attempts %d, want queued 0", job.Status, job.AttemptCount)
	}
	if _, paused := f.w.Paused(); !paused {
		t.Error("worker not paused")
	}
	if len(backend.calls) != 0 {
		t.Error("backend called without a key")
	}
}

func TestEscalationTier(t *testing.T) {
	backend := &fakeBackend{}
	cfg := worker.Config{
		EscalationTier: models.TierPremium,
		TierModels:     map[string]string{models.TierEconomy: "flash", models.TierPremium: "pro"},
	}
	f := setup(t, cfg, []models.APIKey{key("a", models.TierEconomy), key("p", models.TierPremium)}, backend)
	ctx := context.Background()

	econ, _ := f.keys.Acquire(ctx)
	f.keys.ReportRateLimited(ctx, econ.ID, time.Hour)

	if !f.process(t) {
		t.Fatal("no job processed")
	}
	if len(backend.calls) != 1 || backend.calls[0].model != "pro" || backend.calls[0].secret != "p" {
		t.Errorf("calls = %+v, want premium key with pro model", backend.calls)
	}
	if _, paused := f.w.Paused(); paused {
		t.Error("worker paused despite escalation")
	}
}

func TestPermanentFailureFailsChunk(t *testing.T) {
	backend := &fakeBackend{errs: []error{apperr.New(apperr.KindPermanent, "unsupported audio")}}
	f := setup(t, worker.Config{}, []models.APIKey{key("a", models.TierEconomy)}, backend)

	f.process(t)
	c := f.chunkStatus(t)
	if c.Status != models.ChunkFailed || !c.NeedsRetranscript {
		t.Errorf("chunk = %s flagged %v", c.Status, c.NeedsRetranscript)
	}
	job, _ := f.queue.Get(context.Background(), f.job.ID)
	if job.Status != models.JobStatusFailed || job.LastError == nil {
		t.Errorf("job = %+v", job)
	}
}

func TestTransientFailuresHitCeiling(t *testing.T) {
	transient := apperr.New(apperr.KindTransient, "503")
	backend := &fakeBackend{errs: []error{transient, transient, transient}}
	f := setup(t, worker.Config{}, []models.APIKey{key("a", models.TierEconomy)}, backend)

	for i := 0; i < 3; i++ {
		if !f.process(t) {
			t.Fatalf("attempt %d: nothing processed", i+1)
		}
	}
	job, _ := f.queue.Get(context.Background(), f.job.ID)
	if job.Status != models.JobStatusFailed || job.AttemptCount != 3 {
		t.Errorf("job = %s attempts %d, want failed 3", job.Status, job.AttemptCount)
	}
}

func TestRejectedKeyIsDeactivated(t *testing.T) {
	rejected := apperr.Wrap(apperr.KindTransient, transcribe.ErrKeyRejected, "403")
	backend := &fakeBackend{errs: []error{rejected}}
	f := setup(t, worker.Config{}, []models.APIKey{key("a", models.TierEconomy), key("b", models.TierEconomy)}, backend)

	f.process(t)
	f.process(t)

	if len(backend.calls) != 2 || backend.calls[0].secret == backend.calls[1].secret {
		t.Fatalf("calls = %+v, want the second call on the other key", backend.calls)
	}
	for _, k := range f.keys.Snapshot() {
		if k.ID == keypool.Fingerprint(backend.calls[0].secret) && k.Active {
			t.Error("rejected key still active")
		}
	}
}

func TestStartStop(t *testing.T) {
	backend := &fakeBackend{}
	f := setup(t, worker.Config{Interval: 5 * time.Millisecond}, []models.APIKey{key("a", models.TierEconomy)}, backend)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.w.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.chunkStatus(t).Status == models.ChunkReviewReady {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.w.Stop()
	f.w.Stop()

	if got := f.chunkStatus(t).Status; got != models.ChunkReviewReady {
		t.Errorf("chunk status = %s after running worker", got)
	}
}

// cancelBackend simulates a shutdown arriving while the call is in flight.
type cancelBackend struct {
	cancel context.CancelFunc
}

func (b *cancelBackend) Transcribe(ctx context.Context, _ string, _ transcribe.Request) ([]models.SegmentProposal, error) {
	b.cancel()
	return nil, context.Canceled
}

func TestShutdownMidCallReturnsJob(t *testing.T) {
	backend := &cancelBackend{}
	f := setup(t, worker.Config{}, []models.APIKey{{Label: "a", Tier: models.TierEconomy, Secret: "a", DailyQuota: 1}}, nil)
	f.w = worker.NewWorker(f.queue, storage.NewChunkRepository(f.db), f.keys, backend, worker.Config{},
		worker.WithClock(f.clock.Now))

	ctx, cancel := context.WithCancel(context.Background())
	backend.cancel = cancel
	if _, err := f.w.ProcessNext(ctx); err != nil {
		t.Fatalf("ProcessNext: %v", err)
	}

	job, _ := f.queue.Get(context.Background(), f.job.ID)
	if job.Status != models.JobStatusQueued || job.AttemptCount != 0 {
		t.Errorf("job = %s attempts %d, want queued 0", job.Status, job.AttemptCount)
	}
	if c := f.chunkStatus(t); c.Status != models.ChunkQueued {
		t.Errorf("chunk = %s, want queued", c.Status)
	}
	if _, err := f.keys.Acquire(context.Background()); err != nil {
		t.Errorf("key not returned to the pool: %v", err)
	}
}

func TestFailedCallReturnsKeyQuota(t *testing.T) {
	backend := &fakeBackend{errs: []error{apperr.New(apperr.KindTransient, "503")}}
	last := models.APIKey{Label: "a", Tier: models.TierEconomy, Secret: "a", DailyQuota: 1}
	f := setup(t, worker.Config{}, []models.APIKey{last}, backend)

	f.process(t)
	f.process(t)

	if len(backend.calls) != 2 {
		t.Fatalf("calls = %d, want a retry on the same key", len(backend.calls))
	}
	if c := f.chunkStatus(t); c.Status != models.ChunkReviewReady {
		t.Errorf("chunk = %s, want review_ready", c.Status)
	}
	if snap := f.keys.Snapshot(); snap[0].UsedCount != 1 {
		t.Errorf("used = %d, want 1", snap[0].UsedCount)
	}
}
