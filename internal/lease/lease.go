// Package lease manages the exclusive edit lease a reviewer holds on a chunk.
// Leases expire lazily: an expired lease is simply ignored by the next caller.
package lease

import (
	"context"
	"strings"
	"time"

	"clipfactory/internal/apperr"
	"clipfactory/internal/lifecycle"
	"clipfactory/internal/models"
	"clipfactory/internal/storage"

	"github.com/sirupsen/logrus"
)

// DefaultDuration is how long a lease lasts without renewal.
const DefaultDuration = 30 * time.Minute

// Manager grants, renews and releases chunk leases.
type Manager struct {
	chunks   *storage.ChunkRepository
	log      *logrus.Entry
	now      func() time.Time
	duration time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithDuration sets the lease length.
func WithDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.duration = d
		}
	}
}

// WithLogger sets the log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(m *Manager) { m.log = log }
}

// New creates a Manager.
func New(chunks *storage.ChunkRepository, opts ...Option) *Manager {
	m := &Manager{
		chunks:   chunks,
		log:      logrus.NewEntry(logrus.StandardLogger()),
		now:      time.Now,
		duration: DefaultDuration,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.WithField("component", "lease")
	return m
}

// Status describes the lease on a chunk as seen at a point in time.
type Status struct {
	ChunkID   string             `json:"chunk_id"`
	Chunk     models.ChunkStatus `json:"chunk_status"`
	Holder    string             `json:"holder,omitempty"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty"`
	Active    bool               `json:"active"`
}

func checkUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return apperr.New(apperr.KindInvalidInput, "user id is required")
	}
	return nil
}

// Acquire grants userID the lease when the chunk is unlocked, the previous
// lease expired, or userID already holds it (which refreshes it).
func (m *Manager) Acquire(ctx context.Context, chunkID, userID string) (*models.Chunk, error) {
	if err := checkUser(userID); err != nil {
		return nil, err
	}
	c, tr, err := m.chunks.AcquireLease(ctx, chunkID, userID, m.now(), m.duration)
	if err != nil {
		return nil, err
	}
	lifecycle.Record(m.log, tr)
	m.log.WithFields(logrus.Fields{
		"chunk_id":   chunkID,
		"user_id":    userID,
		"expires_at": c.LeaseExpiresAt,
	}).Info("lease acquired")
	return c, nil
}

// Release drops the lease. Only the holder may release it.
func (m *Manager) Release(ctx context.Context, chunkID, userID string) error {
	if err := checkUser(userID); err != nil {
		return err
	}
	if err := m.chunks.ReleaseLease(ctx, chunkID, userID, m.now()); err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{"chunk_id": chunkID, "user_id": userID}).Info("lease released")
	return nil
}

// Renew extends a live lease held by userID.
func (m *Manager) Renew(ctx context.Context, chunkID, userID string) (time.Time, error) {
	if err := checkUser(userID); err != nil {
		return time.Time{}, err
	}
	return m.chunks.RenewLease(ctx, chunkID, userID, m.now(), m.duration)
}

// Status reports who holds the chunk right now.
func (m *Manager) Status(ctx context.Context, chunkID string) (*Status, error) {
	c, err := m.chunks.GetByID(ctx, chunkID)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, apperr.NotFound("chunk", chunkID)
	}
	st := &Status{ChunkID: c.ID, Chunk: c.Status}
	if c.LeaseActive(m.now()) {
		st.Active = true
		st.Holder = *c.LockedBy
		st.ExpiresAt = c.LeaseExpiresAt
	}
	return st, nil
}

// Duration returns the configured lease length.
func (m *Manager) Duration() time.Duration {
	return m.duration
}
