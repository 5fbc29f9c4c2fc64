// Package toggles is the read-only view of the safety switches. Nothing in
// this package can change a toggle; writes live in package toggleadmin.
package toggles

import (
	"context"
	"log"
	"sort"
	"time"

	"helixgate/internal/apperrors"
	"helixgate/internal/models"

	"github.com/patrickmn/go-cache"
)

// DefaultCacheTTL bounds how stale IsEnabled may be
const DefaultCacheTTL = 30 * time.Second

// Source is a read-only toggle store. GetToggle returns (nil, nil) when the
// toggle does not exist.
type Source interface {
	GetToggle(ctx context.Context, name string) (*models.FeatureToggle, error)
	ListToggles(ctx context.Context) ([]models.FeatureToggle, error)
}

// Reader is what the router and the orchestrator are given
type Reader interface {
	IsEnabled(ctx context.Context, name string) bool
	Enforce(ctx context.Context, name string) error
	EnforceIfPresent(ctx context.Context, name string) error
	List(ctx context.Context) ([]models.FeatureToggle, error)
}

// Guard answers toggle questions from a cached view for IsEnabled and from
// the source for Enforce
type Guard struct {
	source Source
	cache  *cache.Cache
}

// NewGuard creates a toggle guard. ttl <= 0 uses DefaultCacheTTL.
func NewGuard(source Source, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Guard{
		source: source,
		cache:  cache.New(ttl, 2*ttl),
	}
}

// IsEnabled is a cached check. Unknown toggles and lookup errors read as
// disabled.
func (g *Guard) IsEnabled(ctx context.Context, name string) bool {
	if v, found := g.cache.Get(name); found {
		return v.(bool)
	}

	t, err := g.source.GetToggle(ctx, name)
	if err != nil {
		log.Printf("⚠️  [TOGGLES] Lookup of %s failed, treating as disabled: %v", name, err)
		return false
	}
	enabled := t != nil && t.Enabled
	g.cache.Set(name, enabled, cache.DefaultExpiration)
	return enabled
}

// Enforce always reads the source of truth. A locked-off toggle fails
// ToggleLocked, a plain disabled one OperationDisabled.
func (g *Guard) Enforce(ctx context.Context, name string) error {
	t, err := g.load(ctx, name)
	if err != nil {
		return err
	}
	if t == nil {
		return apperrors.New(apperrors.KindNotConfigured, "toggle %q is not configured", name)
	}
	return check(t)
}

// EnforceIfPresent is Enforce for optional toggles: a missing toggle passes
func (g *Guard) EnforceIfPresent(ctx context.Context, name string) error {
	t, err := g.load(ctx, name)
	if err != nil {
		return err
	}
	if t == nil {
		return nil
	}
	return check(t)
}

// List returns every toggle from the source
func (g *Guard) List(ctx context.Context) ([]models.FeatureToggle, error) {
	return g.source.ListToggles(ctx)
}

// Invalidate drops a cached IsEnabled answer
func (g *Guard) Invalidate(name string) {
	g.cache.Delete(name)
}

func (g *Guard) load(ctx context.Context, name string) (*models.FeatureToggle, error) {
	t, err := g.source.GetToggle(ctx, name)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "toggle %q lookup failed", name)
	}
	if t != nil {
		g.cache.Set(name, t.Enabled, cache.DefaultExpiration)
	}
	return t, nil
}

func check(t *models.FeatureToggle) error {
	if t.LockedOff() {
		return apperrors.New(apperrors.KindToggleLocked, "toggle %q is locked off", t.Name)
	}
	if !t.Enabled {
		return apperrors.New(apperrors.KindOperationDisabled, "toggle %q is disabled", t.Name)
	}
	return nil
}

// MemorySource is a fixed, read-only set of toggles
type MemorySource struct {
	toggles map[string]models.FeatureToggle
}

// NewMemorySource snapshots the given toggles
func NewMemorySource(toggles ...models.FeatureToggle) *MemorySource {
	m := &MemorySource{toggles: make(map[string]models.FeatureToggle, len(toggles))}
	for _, t := range toggles {
		m.toggles[t.Name] = t
	}
	return m
}

func (m *MemorySource) GetToggle(_ context.Context, name string) (*models.FeatureToggle, error) {
	t, ok := m.toggles[name]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (m *MemorySource) ListToggles(_ context.Context) ([]models.FeatureToggle, error) {
	out := make([]models.FeatureToggle, 0, len(m.toggles))
	for _, t := range m.toggles {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

var _ Reader = (*Guard)(nil)
