package review_test

import (
	"context"
	"io"
	"testing"
	"time"

	"clipfactory/internal/apperr"
	"clipfactory/internal/lease"
	"clipfactory/internal/models"
	"clipfactory/internal/review"
	"clipfactory/internal/storage"
	"clipfactory/internal/testutil"

	"github.com/sirupsen/logrus"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc    *review.Service
	leases *lease.Manager
	clock  *testutil.Clock
	chunk  string
	segs   []models.Segment
}

func setup(t *testing.T, proposals []models.SegmentProposal) *fixture {
	t.Helper()
	db := testutil.OpenDB(t)
	_, chunks := testutil.SeedVideo(t, db, "ch", 60)
	testutil.Transcribe(t, db, chunks[0].ID, proposals, t0)

	l := logrus.New()
	l.SetOutput(io.Discard)
	log := logrus.NewEntry(l)
	clock := testutil.NewClock(t0)

	chunkRepo := storage.NewChunkRepository(db)
	segRepo := storage.NewSegmentRepository(db)
	svc := review.New(chunkRepo, segRepo, storage.NewJobRepository(db),
		review.WithClock(clock.Now), review.WithLogger(log))
	leases := lease.New(chunkRepo, lease.WithClock(clock.Now), lease.WithLogger(log))

	segs, err := segRepo.ListByChunk(context.Background(), chunks[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{svc: svc, leases: leases, clock: clock, chunk: chunks[0].ID, segs: segs}
}

func (f *fixture) decide(t *testing.T, user string, seg models.Segment, d models.ReviewDecision) {
	t.Helper()
	_, err := f.svc.UpdateSegment(context.Background(), review.SegmentUpdate{
		SegmentID: seg.ID, UserID: user, Patch: models.SegmentPatch{Decision: d},
	})
	if err != nil {
		t.Fatalf("decide %s: %v", d, err)
	}
}

func TestApproveFlow(t *testing.T) {
	f := setup(t, []models.SegmentProposal{
		{Start: 1, End: 3, Transcript: "a"},
		{Start: 5, End: 8, Transcript: "b"},
	})
	ctx := context.Background()

	if _, err := f.leases.Acquire(ctx, f.chunk, "alice"); err != nil {
		t.Fatal(err)
	}
	f.decide(t, "alice", f.segs[0], models.DecisionVerify)

	_, err := f.svc.ApproveChunk(ctx, f.chunk, "alice")
	if ae, ok := apperr.As(err); !ok || ae.Kind != apperr.KindUnresolvedSegments || ae.Count != 1 {
		t.Fatalf("ApproveChunk err = %v, want 1 unresolved", err)
	}

	f.decide(t, "alice", f.segs[1], models.DecisionReject)
	tr, err := f.svc.ApproveChunk(ctx, f.chunk, "alice")
	if err != nil {
		t.Fatalf("ApproveChunk: %v", err)
	}
	if tr.To != models.ChunkApproved {
		t.Errorf("transition to %s", tr.To)
	}

	d, err := f.svc.ChunkDetail(ctx, f.chunk)
	if err != nil {
		t.Fatal(err)
	}
	if d.Chunk.Status != models.ChunkApproved || d.Unresolved != 0 || d.Job == nil || d.Chunk.LockedBy != nil {
		t.Errorf("detail = %+v", d)
	}
}

func TestUpdateSegmentEdits(t *testing.T) {
	f := setup(t, []models.SegmentProposal{{Start: 1, End: 3, Transcript: "a"}})
	ctx := context.Background()
	f.leases.Acquire(ctx, f.chunk, "alice")

	start, end := 1.2, 2.8
	text := "fixed"
	seg, err := f.svc.UpdateSegment(ctx, review.SegmentUpdate{
		SegmentID: f.segs[0].ID,
		UserID:    "alice",
		Patch:     models.SegmentPatch{Transcript: &text, EditedStart: &start, EditedEnd: &end, Decision: models.DecisionVerify},
	})
	if err != nil {
		t.Fatalf("UpdateSegment: %v", err)
	}
	if seg.ResolvedStart() != 1.2 || seg.ResolvedEnd() != 2.8 || seg.Transcript != "fixed" || !seg.IsVerified {
		t.Errorf("segment = %+v", seg)
	}
	if seg.StartTime != 1 {
		t.Errorf("original start overwritten: %v", seg.StartTime)
	}

	// Reject supersedes an earlier verify.
	f.decide(t, "alice", f.segs[0], models.DecisionReject)
	d, _ := f.svc.ChunkDetail(ctx, f.chunk)
	if d.Segments[0].IsVerified || !d.Segments[0].IsRejected {
		t.Errorf("flags after reject = verified %v rejected %v", d.Segments[0].IsVerified, d.Segments[0].IsRejected)
	}

	_, err = f.svc.UpdateSegment(ctx, review.SegmentUpdate{
		SegmentID: f.segs[0].ID, UserID: "alice", Patch: models.SegmentPatch{Decision: "maybe"},
	})
	if !apperr.Is(err, apperr.KindInvalidInput) {
		t.Errorf("unknown decision err = %v", err)
	}
}

func TestWritesAfterLeaseExpiry(t *testing.T) {
	f := setup(t, []models.SegmentProposal{{Start: 1, End: 3}})
	ctx := context.Background()
	f.leases.Acquire(ctx, f.chunk, "alice")

	f.clock.Advance(lease.DefaultDuration)
	_, err := f.svc.UpdateSegment(ctx, review.SegmentUpdate{
		SegmentID: f.segs[0].ID, UserID: "alice", Patch: models.SegmentPatch{Decision: models.DecisionVerify},
	})
	if !apperr.Is(err, apperr.KindNotLockOwner) {
		t.Errorf("update after expiry err = %v", err)
	}
	if _, err := f.svc.ApproveChunk(ctx, f.chunk, "alice"); !apperr.Is(err, apperr.KindNotLockOwner) {
		t.Errorf("approve after expiry err = %v", err)
	}
}

func TestAddSegmentAndApprove(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	_, err := f.svc.AddSegment(ctx, f.chunk, "alice", review.NewSegment{Start: 1, End: 2})
	if !apperr.Is(err, apperr.KindNotLockOwner) {
		t.Errorf("AddSegment without lease err = %v", err)
	}

	f.leases.Acquire(ctx, f.chunk, "alice")
	if _, err := f.svc.AddSegment(ctx, f.chunk, "alice", review.NewSegment{Start: 3, End: 2}); !apperr.Is(err, apperr.KindInvalidInput) {
		t.Errorf("AddSegment(end<start) err = %v", err)
	}
	seg, err := f.svc.AddSegment(ctx, f.chunk, "alice", review.NewSegment{Start: 1, End: 2, Transcript: "x", Verified: true})
	if err != nil {
		t.Fatalf("AddSegment: %v", err)
	}
	if seg.Source != models.SegmentSourceReviewer {
		t.Errorf("source = %s", seg.Source)
	}
	if _, err := f.svc.ApproveChunk(ctx, f.chunk, "alice"); err != nil {
		t.Errorf("ApproveChunk: %v", err)
	}
}

func TestRejectAndRetranscript(t *testing.T) {
	f := setup(t, []models.SegmentProposal{{Start: 1, End: 3}})
	ctx := context.Background()

	f.leases.Acquire(ctx, f.chunk, "alice")
	if _, err := f.svc.RejectChunk(ctx, f.chunk, "bob", "noise"); !apperr.Is(err, apperr.KindNotLockOwner) {
		t.Errorf("bob RejectChunk err = %v", err)
	}
	if _, err := f.svc.Retranscript(ctx, f.chunk, "bob"); !apperr.Is(err, apperr.KindLocked) {
		t.Errorf("bob Retranscript err = %v, want locked", err)
	}

	tr, err := f.svc.RejectChunk(ctx, f.chunk, "alice", "music only")
	if err != nil {
		t.Fatalf("RejectChunk: %v", err)
	}
	if tr.To != models.ChunkRejected || tr.Reason != "music only" {
		t.Errorf("transition = %+v", tr)
	}

	job, err := f.svc.Retranscript(ctx, f.chunk, "bob")
	if err != nil {
		t.Fatalf("Retranscript: %v", err)
	}
	if job.Status != models.JobStatusQueued {
		t.Errorf("job status = %s", job.Status)
	}
	d, _ := f.svc.ChunkDetail(ctx, f.chunk)
	if len(d.Segments) != 0 || d.Chunk.Status != models.ChunkQueued {
		t.Errorf("after retranscript: %d segments, status %s", len(d.Segments), d.Chunk.Status)
	}
}

func TestRequiresUser(t *testing.T) {
	f := setup(t, nil)
	if _, err := f.svc.ApproveChunk(context.Background(), f.chunk, ""); !apperr.Is(err, apperr.KindInvalidInput) {
		t.Errorf("err = %v", err)
	}
	if _, err := f.svc.ChunkDetail(context.Background(), "missing"); !apperr.Is(err, apperr.KindNotFound) {
		t.Errorf("ChunkDetail(missing) err = %v", err)
	}
}
