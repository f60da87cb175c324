// Package export assembles the training dataset: one audio clip per verified
// segment of every approved chunk, plus a flat CSV manifest.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"clipfactory/internal/models"
	"clipfactory/internal/storage"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const epsilon = 1e-6

// ManifestHeader lists the manifest columns in order.
var ManifestHeader = []string{
	"clip_path", "video_id", "chunk_id", "segment_id",
	"start", "end", "duration", "transcript", "translation",
}

// Exclusion reasons
const (
	ReasonRejected   = "rejected"
	ReasonUnverified = "unverified"
	ReasonBadRange   = "invalid_range"
	ReasonPastWindow = "past_chunk_window"
)

// Scope narrows an export. Empty fields mean no restriction.
type Scope struct {
	ChannelID string `json:"channel_id,omitempty" query:"channel_id"`
	VideoID   string `json:"video_id,omitempty" query:"video_id"`
}

// Row is one manifest line. Times are absolute seconds in the source video.
type Row struct {
	ClipPath    string  `json:"clip_path"`
	VideoID     string  `json:"video_id"`
	ChunkID     string  `json:"chunk_id"`
	SegmentID   string  `json:"segment_id"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Duration    float64 `json:"duration"`
	Transcript  string  `json:"transcript"`
	Translation string  `json:"translation"`

	source      string
	sourceStart float64
}

// Exclusion records a segment of an approved chunk left out of the export.
type Exclusion struct {
	VideoID   string `json:"video_id"`
	ChunkID   string `json:"chunk_id"`
	SegmentID string `json:"segment_id"`
	Reason    string `json:"reason"`
}

// Plan is what an export would produce.
type Plan struct {
	Scope      Scope       `json:"scope"`
	Chunks     int         `json:"chunks"`
	Rows       []Row       `json:"rows"`
	Exclusions []Exclusion `json:"exclusions"`
}

// Result describes a finished export run.
type Result struct {
	RunID    string `json:"run_id"`
	Manifest string `json:"manifest"`
	Clips    int    `json:"clips"`
	Plan     *Plan  `json:"plan"`
}

// Clipper cuts an excerpt out of an audio file.
type Clipper interface {
	ExtractClip(ctx context.Context, in, out string, start, dur float64) error
}

// Assembler builds export plans and runs them.
type Assembler struct {
	chunks   *storage.ChunkRepository
	segments *storage.SegmentRepository
	clipper  Clipper
	sink     Sink
	log      *logrus.Entry
	tracer   trace.Tracer
	now      func() time.Time
	format   string
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithLogger sets the log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(a *Assembler) { a.log = log }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithClipFormat sets the clip file extension, "wav" by default.
func WithClipFormat(ext string) Option {
	return func(a *Assembler) {
		if ext != "" {
			a.format = ext
		}
	}
}

// New creates an Assembler.
func New(chunks *storage.ChunkRepository, segments *storage.SegmentRepository, clipper Clipper, sink Sink, opts ...Option) *Assembler {
	a := &Assembler{
		chunks:   chunks,
		segments: segments,
		clipper:  clipper,
		sink:     sink,
		log:      logrus.NewEntry(logrus.StandardLogger()),
		tracer:   otel.Tracer("clipfactory/export"),
		now:      time.Now,
		format:   "wav",
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.WithField("component", "export")
	return a
}

// Preview computes the manifest rows and exclusions without writing anything.
func (a *Assembler) Preview(ctx context.Context, scope Scope) (*Plan, error) {
	ctx, span := a.tracer.Start(ctx, "export.Preview")
	defer span.End()

	approved, err := a.chunks.ListApproved(ctx, scope.ChannelID, scope.VideoID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	plan := &Plan{Scope: scope, Chunks: len(approved), Rows: []Row{}, Exclusions: []Exclusion{}}
	for _, ac := range approved {
		segs, err := a.segments.ListByChunk(ctx, ac.Chunk.ID)
		if err != nil {
			return nil, err
		}
		for _, seg := range segs {
			row, reason := a.rowFor(ac, seg)
			if reason != "" {
				plan.Exclusions = append(plan.Exclusions, Exclusion{
					VideoID: ac.Video.ID, ChunkID: ac.Chunk.ID, SegmentID: seg.ID, Reason: reason,
				})
				continue
			}
			plan.Rows = append(plan.Rows, row)
		}
	}

	sort.SliceStable(plan.Rows, func(i, j int) bool {
		if plan.Rows[i].VideoID != plan.Rows[j].VideoID {
			return plan.Rows[i].VideoID < plan.Rows[j].VideoID
		}
		return plan.Rows[i].Start < plan.Rows[j].Start
	})
	span.SetAttributes(
		attribute.Int("export.chunks", plan.Chunks),
		attribute.Int("export.rows", len(plan.Rows)),
		attribute.Int("export.exclusions", len(plan.Exclusions)),
	)
	return plan, nil
}

// rowFor converts a segment to a manifest row, or returns why it is excluded.
// Chunk-relative times become absolute here and nowhere else.
func (a *Assembler) rowFor(ac storage.ApprovedChunk, seg models.Segment) (Row, string) {
	switch {
	case seg.IsRejected:
		return Row{}, ReasonRejected
	case !seg.IsVerified:
		return Row{}, ReasonUnverified
	}
	start, end := seg.ResolvedStart(), seg.ResolvedEnd()
	if start < 0 || end <= start {
		return Row{}, ReasonBadRange
	}
	if end > ac.Chunk.Duration()+epsilon {
		return Row{}, ReasonPastWindow
	}

	row := Row{
		ClipPath:    path.Join("clips", ac.Video.ID, seg.ID+"."+a.format),
		VideoID:     ac.Video.ID,
		ChunkID:     ac.Chunk.ID,
		SegmentID:   seg.ID,
		Start:       ac.Chunk.StartOffset + start,
		End:         ac.Chunk.StartOffset + end,
		Duration:    end - start,
		Transcript:  seg.Transcript,
		Translation: seg.Translation,
		source:      ac.Chunk.AudioPath,
		sourceStart: start,
	}
	if ac.Video.SourcePath != "" {
		if _, err := os.Stat(ac.Video.SourcePath); err == nil {
			row.source = ac.Video.SourcePath
			row.sourceStart = row.Start
		}
	}
	return row, ""
}

// Run cuts every clip of the plan, writes the manifest and publishes both
// through the sink under a fresh run id.
func (a *Assembler) Run(ctx context.Context, scope Scope) (*Result, error) {
	plan, err := a.Preview(ctx, scope)
	if err != nil {
		return nil, err
	}

	runID := a.now().UTC().Format("20060102T150405Z") + "-" + uuid.New().String()[:8]
	ctx, span := a.tracer.Start(ctx, "export.Run", trace.WithAttributes(
		attribute.String("export.run_id", runID),
		attribute.Int("export.rows", len(plan.Rows)),
	))
	defer span.End()

	staging, err := os.MkdirTemp("", "clipfactory-export-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	log := a.log.WithFields(logrus.Fields{"run_id": runID, "rows": len(plan.Rows)})
	log.Info("export started")

	for _, row := range plan.Rows {
		local := filepath.Join(staging, filepath.FromSlash(row.ClipPath))
		if err := a.clipper.ExtractClip(ctx, row.source, local, row.sourceStart, row.Duration); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "clip extraction failed")
			return nil, fmt.Errorf("failed to cut clip for segment %s: %w", row.SegmentID, err)
		}
		if err := putFile(ctx, a.sink, path.Join(runID, row.ClipPath), local); err != nil {
			span.RecordError(err)
			return nil, err
		}
	}

	manifest, err := WriteManifest(plan.Rows)
	if err != nil {
		return nil, err
	}
	key := path.Join(runID, "manifest.csv")
	if err := a.sink.Put(ctx, key, bytes.NewReader(manifest), int64(len(manifest)), "text/csv"); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to publish manifest: %w", err)
	}

	res := &Result{RunID: runID, Manifest: a.sink.Location(key), Clips: len(plan.Rows), Plan: plan}
	log.WithField("manifest", res.Manifest).Info("export finished")
	return res, nil
}

func putFile(ctx context.Context, sink Sink, key, local string) error {
	f, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("failed to open clip: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat clip: %w", err)
	}
	if err := sink.Put(ctx, key, f, info.Size(), "audio/wav"); err != nil {
		return fmt.Errorf("failed to publish clip %s: %w", key, err)
	}
	return nil
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// WriteManifest renders rows as CSV with a header line.
func WriteManifest(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(ManifestHeader); err != nil {
		return nil, err
	}
	for _, r := range rows {
		rec := []string{
			r.ClipPath, r.VideoID, r.ChunkID, r.SegmentID,
			formatSeconds(r.Start), formatSeconds(r.End), formatSeconds(r.Duration),
			r.Transcript, r.Translation,
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	return buf.Bytes(), nil
}
