// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"clipfactory/internal/models"
	"clipfactory/internal/segmenter"
	"clipfactory/internal/storage"
)

// OpenDB opens a fresh database in the test's temp dir.
func OpenDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// SeedVideo creates a video of the given duration and its pending chunks
// planned with the default window and overlap.
func SeedVideo(t *testing.T, db *storage.DB, channelID string, duration float64) (*models.Video, []models.Chunk) {
	t.Helper()
	ctx := context.Background()

	v := &models.Video{ChannelID: channelID, Title: "test video", DurationSec: duration}
	if err := storage.NewVideoRepository(db).Create(ctx, v); err != nil {
		t.Fatalf("create video: %v", err)
	}

	windows, err := segmenter.Plan(duration, segmenter.DefaultWindow, segmenter.DefaultOverlap)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	chunks := make([]*models.Chunk, len(windows))
	for i, w := range windows {
		chunks[i] = &models.Chunk{
			Index:       w.Index,
			StartOffset: w.Start,
			EndOffset:   w.End,
			AudioPath:   fmt.Sprintf("/tmp/%s/chunk_%03d.wav", v.ID, w.Index),
		}
	}
	repo := storage.NewChunkRepository(db)
	if err := repo.CreateBatch(ctx, v.ID, chunks); err != nil {
		t.Fatalf("create chunks: %v", err)
	}
	list, err := repo.ListByVideo(ctx, v.ID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	return v, list
}

// Transcribe runs a chunk through enqueue, claim and complete so it ends up
// review_ready with the given proposals.
func Transcribe(t *testing.T, db *storage.DB, chunkID string, proposals []models.SegmentProposal, now time.Time) {
	t.Helper()
	ctx := context.Background()
	jobs := storage.NewJobRepository(db)

	if _, _, err := jobs.Enqueue(ctx, chunkID, "test", now); err != nil {
		t.Fatalf("enqueue %s: %v", chunkID, err)
	}
	job, _, err := jobs.Claim(ctx, now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if job == nil || job.ChunkID != chunkID {
		t.Fatalf("claim returned %+v, want job for chunk %s", job, chunkID)
	}
	if _, err := jobs.Complete(ctx, job.ID, proposals, now); err != nil {
		t.Fatalf("complete: %v", err)
	}
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a clock frozen at t.
func NewClock(t time.Time) *Clock {
	return &Clock{now: t}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set moves the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
