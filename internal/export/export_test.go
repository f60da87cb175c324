package export_test

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"clipfactory/internal/export"
	"clipfactory/internal/models"
	"clipfactory/internal/storage"
	"clipfactory/internal/testutil"

	"github.com/sirupsen/logrus"
)

var t0 = time.Date(2026, 4, 2, 8, 0, 0, 0, time.UTC)

type clipCall struct {
	in         string
	start, dur float64
}

type fakeClipper struct {
	mu    sync.Mutex
	calls []clipCall
}

func (f *fakeClipper) ExtractClip(ctx context.Context, in, out string, start, dur float64) error {
	f.mu.Lock()
	f.calls = append(f.calls, clipCall{in: in, start: start, dur: dur})
	f.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return err
	}
	return os.WriteFile(out, []byte(fmt.Sprintf("%s@%.3f+%.3f", in, start, dur)), 0644)
}

type fixture struct {
	db       *storage.DB
	chunks   *storage.ChunkRepository
	segments *storage.SegmentRepository
	video    *models.Video
	list     []models.Chunk
}

// seed creates a 400s video (chunks [0,300) and [295,400)) with the given source path.
func seed(t *testing.T, sourcePath string) *fixture {
	t.Helper()
	ctx := context.Background()
	db := testutil.OpenDB(t)

	v := &models.Video{ChannelID: "ch1", Title: "episode", DurationSec: 400, SourcePath: sourcePath}
	if err := storage.NewVideoRepository(db).Create(ctx, v); err != nil {
		t.Fatal(err)
	}
	chunks := storage.NewChunkRepository(db)
	err := chunks.CreateBatch(ctx, v.ID, []*models.Chunk{
		{Index: 0, StartOffset: 0, EndOffset: 300, AudioPath: "/audio/c0.wav"},
		{Index: 1, StartOffset: 295, EndOffset: 400, AudioPath: "/audio/c1.wav"},
	})
	if err != nil {
		t.Fatal(err)
	}
	list, err := chunks.ListByVideo(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{db: db, chunks: chunks, segments: storage.NewSegmentRepository(db), video: v, list: list}
}

// approve reviews every segment of a chunk with the given patches and approves it.
func (f *fixture) approve(t *testing.T, chunkID string, patches map[int]models.SegmentPatch) []models.Segment {
	t.Helper()
	ctx := context.Background()
	if _, _, err := f.chunks.AcquireLease(ctx, chunkID, "alice", t0, time.Hour); err != nil {
		t.Fatal(err)
	}
	segs, err := f.segments.ListByChunk(ctx, chunkID)
	if err != nil {
		t.Fatal(err)
	}
	for i, s := range segs {
		p, ok := patches[i]
		if !ok {
			p = models.SegmentPatch{Decision: models.DecisionVerify}
		}
		if _, err := f.segments.UpdateAsReviewer(ctx, s.ID, "alice", p, t0); err != nil {
			t.Fatalf("update segment %d: %v", i, err)
		}
	}
	if _, err := f.chunks.Approve(ctx, chunkID, "alice", t0); err != nil {
		t.Fatal(err)
	}
	return segs
}

func newAssembler(f *fixture, clipper export.Clipper, sink export.Sink) *export.Assembler {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return export.New(f.chunks, f.segments, clipper, sink,
		export.WithLogger(logrus.NewEntry(l)),
		export.WithClock(func() time.Time { return t0 }))
}

func TestPreviewAppliesGuillotineAndAbsoluteTime(t *testing.T) {
	f := seed(t, "")
	testutil.Transcribe(t, f.db, f.list[0].ID, []models.SegmentProposal{
		{Start: 10, End: 12, Transcript: "hello", Translation: "hola"},
		{Start: 100, End: 104, Transcript: "long", Translation: "largo"},
		{Start: 200, End: 203, Transcript: "noise"},
	}, t0)
	testutil.Transcribe(t, f.db, f.list[1].ID, []models.SegmentProposal{
		{Start: 10, End: 14, Transcript: "later", Translation: "luego"},
	}, t0)

	segs := f.approve(t, f.list[0].ID, map[int]models.SegmentPatch{
		1: {EditedEnd: storage.Ptr(301.0), Decision: models.DecisionVerify},
		2: {Decision: models.DecisionReject},
	})
	f.approve(t, f.list[1].ID, nil)

	dir := t.TempDir()
	a := newAssembler(f, &fakeClipper{}, export.NewLocalSink(dir))
	plan, err := a.Preview(context.Background(), export.Scope{VideoID: f.video.ID})
	if err != nil {
		t.Fatal(err)
	}

	if plan.Chunks != 2 {
		t.Errorf("Chunks = %d, want 2", plan.Chunks)
	}
	if len(plan.Rows) != 2 {
		t.Fatalf("rows = %+v, want 2", plan.Rows)
	}
	tests := []struct {
		transcript string
		start, end float64
	}{
		{"hello", 10, 12},
		{"later", 305, 309},
	}
	for i, tt := range tests {
		r := plan.Rows[i]
		if r.Transcript != tt.transcript || r.Start != tt.start || r.End != tt.end || r.Duration != tt.end-tt.start {
			t.Errorf("row %d = %+v, want %s [%v,%v)", i, r, tt.transcript, tt.start, tt.end)
		}
	}

	reasons := map[string]string{}
	for _, e := range plan.Exclusions {
		reasons[e.SegmentID] = e.Reason
	}
	if reasons[segs[1].ID] != export.ReasonPastWindow {
		t.Errorf("edited segment reason = %q, want %q", reasons[segs[1].ID], export.ReasonPastWindow)
	}
	if reasons[segs[2].ID] != export.ReasonRejected {
		t.Errorf("rejected segment reason = %q, want %q", reasons[segs[2].ID], export.ReasonRejected)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("preview wrote %d entries", len(entries))
	}
}

func TestPreviewIgnoresUnapprovedChunks(t *testing.T) {
	f := seed(t, "")
	testutil.Transcribe(t, f.db, f.list[0].ID, []models.SegmentProposal{{Start: 1, End: 2}}, t0)

	a := newAssembler(f, &fakeClipper{}, export.NewLocalSink(t.TempDir()))
	plan, err := a.Preview(context.Background(), export.Scope{ChannelID: "ch1"})
	if err != nil {
		t.Fatal(err)
	}
	if plan.Chunks != 0 || len(plan.Rows) != 0 || len(plan.Exclusions) != 0 {
		t.Errorf("plan = %+v, want empty", plan)
	}
}

func TestRunWritesClipsAndManifest(t *testing.T) {
	src := filepath.Join(t.TempDir(), "source.wav")
	if err := os.WriteFile(src, []byte("audio"), 0644); err != nil {
		t.Fatal(err)
	}
	f := seed(t, src)
	testutil.Transcribe(t, f.db, f.list[1].ID, []models.SegmentProposal{
		{Start: 10, End: 14, Transcript: "a, quoted \"word\"", Translation: "b"},
	}, t0)
	f.approve(t, f.list[1].ID, nil)

	dir := t.TempDir()
	clipper := &fakeClipper{}
	a := newAssembler(f, clipper, export.NewLocalSink(dir))
	res, err := a.Run(context.Background(), export.Scope{})
	if err != nil {
		t.Fatal(err)
	}

	if res.Clips != 1 || len(clipper.calls) != 1 {
		t.Fatalf("clips = %d, calls = %d, want 1", res.Clips, len(clipper.calls))
	}
	call := clipper.calls[0]
	if call.in != src || call.start != 305 || call.dur != 4 {
		t.Errorf("clip call = %+v, want source at 305 for 4s", call)
	}

	row := res.Plan.Rows[0]
	if _, err := os.Stat(filepath.Join(dir, res.RunID, filepath.FromSlash(row.ClipPath))); err != nil {
		t.Errorf("clip not published: %v", err)
	}

	data, err := os.ReadFile(res.Manifest)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("manifest lines = %q", lines)
	}
	if lines[0] != strings.Join(export.ManifestHeader, ",") {
		t.Errorf("header = %q", lines[0])
	}
	want := fmt.Sprintf("%s,%s,%s,%s,305.000,309.000,4.000,\"a, quoted \"\"word\"\"\",b",
		row.ClipPath, f.video.ID, f.list[1].ID, row.SegmentID)
	if lines[1] != want {
		t.Errorf("row = %q\nwant  %q", lines[1], want)
	}
}

func TestRunFallsBackToChunkAudio(t *testing.T) {
	f := seed(t, "/does/not/exist.mp4")
	testutil.Transcribe(t, f.db, f.list[1].ID, []models.SegmentProposal{{Start: 10, End: 14}}, t0)
	f.approve(t, f.list[1].ID, nil)

	clipper := &fakeClipper{}
	a := newAssembler(f, clipper, export.NewLocalSink(t.TempDir()))
	if _, err := a.Run(context.Background(), export.Scope{VideoID: f.video.ID}); err != nil {
		t.Fatal(err)
	}
	if len(clipper.calls) != 1 {
		t.Fatalf("calls = %d", len(clipper.calls))
	}
	if c := clipper.calls[0]; c.in != "/audio/c1.wav" || c.start != 10 {
		t.Errorf("clip call = %+v, want chunk audio at 10", c)
	}
}

func TestRunWithNothingApprovedWritesHeaderOnly(t *testing.T) {
	f := seed(t, "")
	a := newAssembler(f, &fakeClipper{}, export.NewLocalSink(t.TempDir()))
	res, err := a.Run(context.Background(), export.Scope{})
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(res.Manifest)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(string(data)); got != strings.Join(export.ManifestHeader, ",") {
		t.Errorf("manifest = %q, want header only", got)
	}
	if res.Clips != 0 {
		t.Errorf("Clips = %d", res.Clips)
	}
}

func TestMinioSink(t *testing.T) {
	endpoint := os.Getenv("MINIO_TEST_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_TEST_ENDPOINT not set")
	}
	ctx := context.Background()
	sink, err := export.NewMinioSink(ctx, endpoint, os.Getenv("MINIO_TEST_ACCESS_KEY"),
		os.Getenv("MINIO_TEST_SECRET_KEY"), "clipfactory-test", "runs", false)
	if err != nil {
		t.Fatal(err)
	}
	body := "header\n"
	if err := sink.Put(ctx, "x/manifest.csv", strings.NewReader(body), int64(len(body)), "text/csv"); err != nil {
		t.Fatal(err)
	}
	if got := sink.Location("x/manifest.csv"); got != "s3://clipfactory-test/runs/x/manifest.csv" {
		t.Errorf("Location = %q", got)
	}
}
