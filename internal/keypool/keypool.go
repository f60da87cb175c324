// Package keypool hands out API credentials for the transcription service,
// spreading load across keys and honouring per-key quotas and cooldowns.
package keypool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"clipfactory/internal/apperr"
	"clipfactory/internal/models"

	"github.com/sirupsen/logrus"
)

// DefaultCooldown applies when a rate-limit response carries no retry hint.
const DefaultCooldown = 5 * time.Minute

const window = 24 * time.Hour

// busyRetry is the wait suggested when a tier's remaining quota is all
// handed out to calls still in flight.
const busyRetry = 5 * time.Second

// Store persists key usage. Secrets never reach it.
type Store interface {
	ListAPIKeys(ctx context.Context) ([]models.APIKey, error)
	UpsertAPIKey(ctx context.Context, k *models.APIKey) error
	SaveAPIKey(ctx context.Context, k *models.APIKey) error
}

// Key is a credential handed to a caller for one request.
type Key struct {
	ID     string
	Tier   string
	Secret string
}

// Manager selects keys. It is safe for concurrent use.
//
// A key handed out by Acquire counts against its quota until the caller
// reports back with ReportSuccess, ReportRateLimited or Release, so
// concurrent callers cannot overdraw the last calls of a key.
type Manager struct {
	store       Store
	log         *logrus.Entry
	now         func() time.Time
	cooldown    time.Duration
	primary     string
	onExhausted func(tier string, next time.Time)

	mu       sync.Mutex
	keys     map[string]*models.APIKey
	inFlight map[string]int
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithCooldown sets the cooldown used when no retry hint is given.
func WithCooldown(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.cooldown = d
		}
	}
}

// WithPrimaryTier sets the tier Acquire draws from.
func WithPrimaryTier(tier string) Option {
	return func(m *Manager) { m.primary = tier }
}

// WithLogger sets the log entry.
func WithLogger(log *logrus.Entry) Option {
	return func(m *Manager) { m.log = log }
}

// WithExhaustedHook registers fn to run when every key of a tier is cooling down.
func WithExhaustedHook(fn func(tier string, next time.Time)) Option {
	return func(m *Manager) { m.onExhausted = fn }
}

// New creates a Manager over store.
func New(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		log:      logrus.NewEntry(logrus.StandardLogger()),
		now:      time.Now,
		cooldown: DefaultCooldown,
		primary:  models.TierEconomy,
		keys:     make(map[string]*models.APIKey),
		inFlight: make(map[string]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.log = m.log.WithField("component", "keypool")
	return m
}

// Fingerprint derives a stable key id from a secret.
func Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return "key_" + hex.EncodeToString(sum[:6])
}

// Provision registers the configured keys, keeping any usage already
// persisted for them, and loads the pool.
func (m *Manager) Provision(ctx context.Context, keys []models.APIKey) error {
	secrets := make(map[string]string, len(keys))
	for i := range keys {
		k := keys[i]
		if k.Secret == "" {
			return apperr.New(apperr.KindInvalidInput, "key %q has no secret", k.Label)
		}
		if k.ID == "" {
			k.ID = Fingerprint(k.Secret)
		}
		if k.Tier == "" {
			k.Tier = m.primary
		}
		k.Active = true
		k.WindowStartedAt = m.now()
		k.CreatedAt = k.WindowStartedAt
		if err := m.store.UpsertAPIKey(ctx, &k); err != nil {
			return fmt.Errorf("failed to provision key %s: %w", k.ID, err)
		}
		secrets[k.ID] = k.Secret
	}

	if err := m.Load(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, secret := range secrets {
		if k, ok := m.keys[id]; ok {
			k.Secret = secret
		}
	}
	m.log.WithField("keys", len(secrets)).Info("key pool provisioned")
	return nil
}

// Load restores key state from the store. Secrets already in memory are kept.
func (m *Manager) Load(ctx context.Context) error {
	stored, err := m.store.ListAPIKeys(ctx)
	if err != nil {
		return fmt.Errorf("failed to load keys: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range stored {
		k := stored[i]
		if old, ok := m.keys[k.ID]; ok {
			k.Secret = old.Secret
		}
		m.keys[k.ID] = &k
	}
	return nil
}

// Acquire hands out a key of the primary tier.
func (m *Manager) Acquire(ctx context.Context) (*Key, error) {
	return m.AcquireTier(ctx, m.primary)
}

// AcquireTier hands out the least used usable key of tier, breaking ties
// by least recently handed out. It returns NoKeysAvailable when every key
// is cooling down, over quota or inactive.
func (m *Manager) AcquireTier(ctx context.Context, tier string) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var best *models.APIKey
	for _, k := range m.keys {
		if k.Tier != tier || !m.usable(k, now) {
			continue
		}
		if best == nil || m.preferred(k, best) {
			best = k
		}
	}
	if best == nil {
		e := apperr.New(apperr.KindNoKeysAvailable, "no %s keys available", tier)
		if next, ok := m.nextAvailable(tier, now); ok {
			e.RetryAfter = next.Sub(now)
		}
		return nil, e
	}

	stamp := now
	best.LastUsedAt = &stamp
	if err := m.store.SaveAPIKey(ctx, best); err != nil {
		return nil, fmt.Errorf("failed to save key %s: %w", best.ID, err)
	}
	m.inFlight[best.ID]++
	return &Key{ID: best.ID, Tier: best.Tier, Secret: best.Secret}, nil
}

// usable reports whether k may serve a request at now. It rolls the quota
// window forward first.
func (m *Manager) usable(k *models.APIKey, now time.Time) bool {
	if !k.Active || k.Secret == "" {
		return false
	}
	rollWindow(k, now)
	if k.CooldownUntil != nil && now.Before(*k.CooldownUntil) {
		return false
	}
	return k.DailyQuota <= 0 || m.load(k) < k.DailyQuota
}

// load is the key's usage in the current window plus its unreported handouts.
func (m *Manager) load(k *models.APIKey) int {
	return k.UsedCount + m.inFlight[k.ID]
}

func (m *Manager) settle(id string) {
	if m.inFlight[id] > 1 {
		m.inFlight[id]--
		return
	}
	delete(m.inFlight, id)
}

func (m *Manager) preferred(a, b *models.APIKey) bool {
	if la, lb := m.load(a), m.load(b); la != lb {
		return la < lb
	}
	at, bt := lastUsed(a), lastUsed(b)
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.ID < b.ID
}

func lastUsed(k *models.APIKey) time.Time {
	if k.LastUsedAt == nil {
		return time.Time{}
	}
	return *k.LastUsedAt
}

// rollWindow resets usage once the key's 24h window has passed, advancing
// the window start by whole days so each key keeps its own phase.
func rollWindow(k *models.APIKey, now time.Time) {
	end := k.WindowStartedAt.Add(window)
	if now.Before(end) {
		return
	}
	days := now.Sub(k.WindowStartedAt) / window
	k.WindowStartedAt = k.WindowStartedAt.Add(days * window)
	k.UsedCount = 0
}

// ReportSuccess counts a completed request against the key's quota.
func (m *Manager) ReportSuccess(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[id]
	if !ok {
		return apperr.NotFound("api key", id)
	}
	m.settle(id)
	rollWindow(k, m.now())
	k.UsedCount++
	if err := m.store.SaveAPIKey(ctx, k); err != nil {
		return fmt.Errorf("failed to save key %s: %w", id, err)
	}
	return nil
}

// ReportRateLimited puts the key into cooldown for retryAfter, or the
// default cooldown when retryAfter is not positive. It reports whether the
// whole tier is now unavailable.
func (m *Manager) ReportRateLimited(ctx context.Context, id string, retryAfter time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[id]
	if !ok {
		return false, apperr.NotFound("api key", id)
	}
	m.settle(id)
	if retryAfter <= 0 {
		retryAfter = m.cooldown
	}
	now := m.now()
	until := now.Add(retryAfter)
	k.CooldownUntil = &until
	if err := m.store.SaveAPIKey(ctx, k); err != nil {
		return false, fmt.Errorf("failed to save key %s: %w", id, err)
	}

	m.log.WithFields(logrus.Fields{
		"key_id":         id,
		"tier":           k.Tier,
		"cooldown_until": until,
	}).Info("key rate limited")

	for _, other := range m.keys {
		if other.Tier == k.Tier && m.usable(other, now) {
			return false, nil
		}
	}
	next, _ := m.nextAvailable(k.Tier, now)
	m.log.WithFields(logrus.Fields{
		"tier":           k.Tier,
		"next_available": next,
	}).Warn("all keys in tier exhausted")
	if m.onExhausted != nil {
		m.onExhausted(k.Tier, next)
	}
	return true, nil
}

// NextAvailable returns the earliest time a key of tier can be used again.
// ok is false when the tier has no active keys at all.
func (m *Manager) NextAvailable(tier string) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextAvailable(tier, m.now())
}

func (m *Manager) nextAvailable(tier string, now time.Time) (time.Time, bool) {
	var next time.Time
	found := false
	for _, k := range m.keys {
		if k.Tier != tier || !k.Active || k.Secret == "" {
			continue
		}
		at := now
		if k.CooldownUntil != nil && k.CooldownUntil.After(at) {
			at = *k.CooldownUntil
		}
		if k.DailyQuota > 0 && k.UsedCount >= k.DailyQuota {
			if reset := k.WindowStartedAt.Add(window); reset.After(at) {
				at = reset
			}
		} else if k.DailyQuota > 0 && m.load(k) >= k.DailyQuota {
			if busy := now.Add(busyRetry); busy.After(at) {
				at = busy
			}
		}
		if !found || at.Before(next) {
			next, found = at, true
		}
	}
	return next, found
}

// Release returns a handout whose call failed without using the key's quota.
func (m *Manager) Release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settle(id)
}

// Deactivate takes a key out of rotation for good.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k, ok := m.keys[id]
	if !ok {
		return apperr.NotFound("api key", id)
	}
	k.Active = false
	delete(m.inFlight, id)
	if err := m.store.SaveAPIKey(ctx, k); err != nil {
		return fmt.Errorf("failed to save key %s: %w", id, err)
	}
	m.log.WithField("key_id", id).Warn("key deactivated")
	return nil
}

// Snapshot returns the key states sorted by id, without secrets.
func (m *Manager) Snapshot() []models.APIKey {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.APIKey, 0, len(m.keys))
	for _, k := range m.keys {
		c := *k
		c.Secret = ""
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PrimaryTier returns the tier Acquire draws from.
func (m *Manager) PrimaryTier() string {
	return m.primary
}
