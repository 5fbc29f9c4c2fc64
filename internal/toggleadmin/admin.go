// Package toggleadmin is the privileged write path for feature toggles. Only
// the HTTP admin surface and server bootstrap may import it.
package toggleadmin

import (
	"context"
	"fmt"
	"log"
	"time"

	"helixgate/internal/apperrors"
	"helixgate/internal/models"
	"helixgate/internal/toggles"
)

// Store is a toggle source that can also be written
type Store interface {
	toggles.Source
	PutToggle(ctx context.Context, toggle *models.FeatureToggle) error
}

// Invalidator drops cached toggle answers after a write
type Invalidator interface {
	Invalidate(name string)
}

// Alerter receives toggle change notifications
type Alerter interface {
	Alert(ctx context.Context, alertType, severity, message string, details map[string]any)
}

// Actor identifies who is changing a toggle
type Actor struct {
	ID    string
	Admin bool
}

// Admin changes toggles
type Admin struct {
	store       Store
	invalidator Invalidator
	alerter     Alerter
}

// New creates a toggle administrator. invalidator and alerter may be nil.
func New(store Store, invalidator Invalidator, alerter Alerter) *Admin {
	return &Admin{store: store, invalidator: invalidator, alerter: alerter}
}

// Seed inserts the hardcoded toggles that do not exist yet. Existing toggles
// keep their stored state.
func (a *Admin) Seed(ctx context.Context, defaults []models.FeatureToggle) error {
	seeded := 0
	for _, d := range defaults {
		existing, err := a.store.GetToggle(ctx, d.Name)
		if err != nil {
			return fmt.Errorf("seed toggle %s: %w", d.Name, err)
		}
		if existing != nil {
			continue
		}
		t := d
		t.UpdatedBy = "system"
		t.UpdatedAt = time.Now().UTC()
		if err := a.store.PutToggle(ctx, &t); err != nil {
			return fmt.Errorf("seed toggle %s: %w", d.Name, err)
		}
		seeded++
	}
	if seeded > 0 {
		log.Printf("🔐 [TOGGLES] Seeded %d hardcoded toggles", seeded)
	}
	return nil
}

// SetEnabled flips a toggle. Locked toggles cannot change, and ADMIN_ONLY
// toggles need an admin actor.
func (a *Admin) SetEnabled(ctx context.Context, name string, enabled bool, actor Actor) (*models.FeatureToggle, error) {
	t, err := a.get(ctx, name)
	if err != nil {
		return nil, err
	}
	if t.Locked {
		return nil, apperrors.New(apperrors.KindToggleLocked, "toggle %q is locked; unlock it first", name)
	}
	if !canControl(t.ControlledBy, actor) {
		return nil, apperrors.New(apperrors.KindToggleLocked, "toggle %q is controlled by %s", name, t.ControlledBy)
	}
	if t.Enabled == enabled {
		return t, nil
	}

	t.Enabled = enabled
	if err := a.put(ctx, t, actor); err != nil {
		return nil, err
	}
	a.notify(ctx, "toggle_changed", "info", t, actor)
	return t, nil
}

// Lock freezes a toggle in its current state
func (a *Admin) Lock(ctx context.Context, name string, actor Actor) (*models.FeatureToggle, error) {
	if !actor.Admin {
		return nil, apperrors.New(apperrors.KindToggleLocked, "only admins may lock toggles")
	}
	t, err := a.get(ctx, name)
	if err != nil {
		return nil, err
	}
	if t.Locked {
		return t, nil
	}

	t.Locked = true
	if err := a.put(ctx, t, actor); err != nil {
		return nil, err
	}
	a.notify(ctx, "toggle_locked", "warning", t, actor)
	return t, nil
}

// Unlock releases a lock. It is a separate explicit admin call and is
// always announced.
func (a *Admin) Unlock(ctx context.Context, name string, actor Actor) (*models.FeatureToggle, error) {
	if !actor.Admin {
		return nil, apperrors.New(apperrors.KindToggleLocked, "only admins may unlock toggles")
	}
	t, err := a.get(ctx, name)
	if err != nil {
		return nil, err
	}
	if !t.Locked {
		return t, nil
	}

	t.Locked = false
	if err := a.put(ctx, t, actor); err != nil {
		return nil, err
	}
	log.Printf("🔓 [TOGGLES] %s unlocked by %s", name, actor.ID)
	a.notify(ctx, "toggle_unlocked", "critical", t, actor)
	return t, nil
}

// List returns every toggle
func (a *Admin) List(ctx context.Context) ([]models.FeatureToggle, error) {
	return a.store.ListToggles(ctx)
}

func (a *Admin) get(ctx context.Context, name string) (*models.FeatureToggle, error) {
	t, err := a.store.GetToggle(ctx, name)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, apperrors.New(apperrors.KindNotFound, "toggle %q not found", name)
	}
	return t, nil
}

func (a *Admin) put(ctx context.Context, t *models.FeatureToggle, actor Actor) error {
	t.UpdatedBy = actor.ID
	t.UpdatedAt = time.Now().UTC()
	if err := a.store.PutToggle(ctx, t); err != nil {
		return err
	}
	if a.invalidator != nil {
		a.invalidator.Invalidate(t.Name)
	}
	return nil
}

func (a *Admin) notify(ctx context.Context, alertType, severity string, t *models.FeatureToggle, actor Actor) {
	if a.alerter == nil {
		return
	}
	a.alerter.Alert(ctx, alertType, severity,
		fmt.Sprintf("Toggle %s changed by %s (enabled=%v locked=%v)", t.Name, actor.ID, t.Enabled, t.Locked),
		map[string]any{"toggle": t.Name, "enabled": t.Enabled, "locked": t.Locked, "actor": actor.ID})
}

func canControl(c models.ToggleController, actor Actor) bool {
	switch c {
	case models.ToggleControllerUser, models.ToggleControllerBoth:
		return true
	default:
		return actor.Admin
	}
}
