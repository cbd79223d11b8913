// Package access tracks the service-technician privilege tier per
// device and drives the elevation workflow against the cloud. The level
// is re-derived from every access-level response the coordinators
// observe, so a grant the server silently expired is demoted rather
// than trusted forever.
package access

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/anicoll/qvantum-integration/internal/pkg/model"
	"github.com/anicoll/qvantum-integration/internal/pkg/qvantum"
)

// State is the elevation lifecycle for one device.
type State int

const (
	Standard State = iota
	Elevating
	Elevated
	ElevationFailed
)

func (s State) String() string {
	switch s {
	case Elevating:
		return "elevating"
	case Elevated:
		return "elevated"
	case ElevationFailed:
		return "elevation_failed"
	default:
		return "standard"
	}
}

// renewWindow is how close to grant expiry the auto-elevate policy
// renews a still-active grant.
const renewWindow = 5 * time.Minute

type api interface {
	ElevateAccess(ctx context.Context, deviceID string) (*qvantum.AccessLevelInfo, error)
}

type stateStore interface {
	SaveDeviceState(ctx context.Context, deviceID string, level model.AccessLevel, autoElevate bool) error
	DeviceStates(ctx context.Context) (map[string]model.DeviceState, error)
}

type deviceState struct {
	state       State
	autoElevate bool
	expiresAt   *time.Time
}

// Manager owns AccessLevel for all devices. Other components read it
// through State/Level but never write it directly.
type Manager struct {
	api    api
	store  stateStore
	logger *zap.Logger

	mu      sync.Mutex
	devices map[string]*deviceState
	sf      singleflight.Group

	now func() time.Time
}

func New(a api, store stateStore) *Manager {
	return &Manager{
		api:     a,
		store:   store,
		logger:  zap.L(),
		devices: make(map[string]*deviceState),
		now:     time.Now,
	}
}

// Load restores persisted per-device state. Only Standard/Elevated
// survive a restart; transient states reset to Standard.
func (m *Manager) Load(ctx context.Context) error {
	states, err := m.store.DeviceStates(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, ds := range states {
		st := Standard
		if ds.Level == model.AccessElevated {
			st = Elevated
		}
		m.devices[id] = &deviceState{state: st, autoElevate: ds.AutoElevate}
		m.logger.Debug("restored access state",
			zap.String("device_id", id),
			zap.String("state", st.String()),
			zap.Bool("auto_elevate", ds.AutoElevate))
	}
	return nil
}

// State reports the elevation lifecycle state for a device.
func (m *Manager) State(deviceID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(deviceID).state
}

// Level collapses the lifecycle state to the two-valued access level.
func (m *Manager) Level(deviceID string) model.AccessLevel {
	if m.State(deviceID) == Elevated {
		return model.AccessElevated
	}
	return model.AccessStandard
}

// AutoElevate reports the per-device auto-elevate policy flag.
func (m *Manager) AutoElevate(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(deviceID).autoElevate
}

// SetAutoElevate updates and persists the policy flag.
func (m *Manager) SetAutoElevate(ctx context.Context, deviceID string, enabled bool) error {
	m.mu.Lock()
	ds := m.get(deviceID)
	ds.autoElevate = enabled
	level := model.AccessStandard
	if ds.state == Elevated {
		level = model.AccessElevated
	}
	m.mu.Unlock()
	return m.store.SaveDeviceState(ctx, deviceID, level, enabled)
}

// Observe re-derives the level from a server-reported access level.
// Coordinators call this on every access-level fetch, which catches
// both server-side demotions and elevations done out of band.
func (m *Manager) Observe(ctx context.Context, deviceID string, info *qvantum.AccessLevelInfo) {
	m.mu.Lock()
	ds := m.get(deviceID)
	if ds.state == Elevating {
		// An elevation request is in flight; it settles the state.
		m.mu.Unlock()
		return
	}
	prev := ds.state
	if info.Elevated() {
		ds.state = Elevated
		ds.expiresAt = info.ExpiresAt
	} else if ds.state == Elevated {
		ds.state = Standard
		ds.expiresAt = nil
	}
	next, auto := ds.state, ds.autoElevate
	m.mu.Unlock()

	if next == prev || (prev != Elevated && next != Elevated) {
		return
	}
	if next == Standard {
		m.logger.Warn("elevated access no longer honored by server, demoting",
			zap.String("device_id", deviceID))
	}
	m.persist(ctx, deviceID, next, auto)
}

// HandleDenied is the conservative demotion signal: any permission
// denial while the state is Elevated means the server no longer honors
// the grant.
func (m *Manager) HandleDenied(ctx context.Context, deviceID string) {
	m.mu.Lock()
	ds := m.get(deviceID)
	if ds.state != Elevated {
		m.mu.Unlock()
		return
	}
	ds.state = Standard
	ds.expiresAt = nil
	auto := ds.autoElevate
	m.mu.Unlock()

	m.logger.Warn("permission denied while elevated, demoting",
		zap.String("device_id", deviceID))
	m.persist(ctx, deviceID, Standard, auto)
}

// Elevate requests elevated access for a device. Concurrent requests
// for the same device share one in-flight attempt. A denial parks the
// device in ElevationFailed; the next Elevate call tries again.
func (m *Manager) Elevate(ctx context.Context, deviceID string) error {
	if m.State(deviceID) == Elevated {
		return nil
	}
	_, err, _ := m.sf.Do(deviceID, func() (any, error) {
		return nil, m.elevate(ctx, deviceID)
	})
	return err
}

func (m *Manager) elevate(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	ds := m.get(deviceID)
	if ds.state == Elevated {
		m.mu.Unlock()
		return nil
	}
	ds.state = Elevating
	m.mu.Unlock()

	info, err := m.api.ElevateAccess(ctx, deviceID)

	m.mu.Lock()
	ds = m.get(deviceID)
	if err != nil {
		ds.state = ElevationFailed
		m.mu.Unlock()
		m.logger.Warn("elevation denied", zap.String("device_id", deviceID), zap.Error(err))
		return err
	}
	ds.state = Elevated
	ds.expiresAt = info.ExpiresAt
	auto := ds.autoElevate
	m.mu.Unlock()

	m.persist(ctx, deviceID, Elevated, auto)
	return nil
}

// MaybeRenew re-elevates ahead of grant expiry when the auto-elevate
// policy is enabled. Called from the normal coordinator's tick.
func (m *Manager) MaybeRenew(ctx context.Context, deviceID string) {
	m.mu.Lock()
	ds := m.get(deviceID)
	due := ds.state == Elevated && ds.autoElevate && ds.expiresAt != nil &&
		ds.expiresAt.Sub(m.now()) > 0 && ds.expiresAt.Sub(m.now()) < renewWindow
	if due {
		// Let Elevate run the full request path again.
		ds.state = Standard
	}
	m.mu.Unlock()

	if !due {
		return
	}
	m.logger.Info("elevation grant expiring soon, renewing", zap.String("device_id", deviceID))
	if err := m.Elevate(ctx, deviceID); err != nil {
		m.logger.Warn("failed to renew elevation", zap.String("device_id", deviceID), zap.Error(err))
	}
}

// persist writes Standard/Elevated transitions; transient states are
// never stored.
func (m *Manager) persist(ctx context.Context, deviceID string, st State, autoElevate bool) {
	level := model.AccessStandard
	if st == Elevated {
		level = model.AccessElevated
	}
	if err := m.store.SaveDeviceState(ctx, deviceID, level, autoElevate); err != nil {
		m.logger.Error("failed to persist access state",
			zap.String("device_id", deviceID), zap.Error(err))
	}
}

// get returns the tracked state for a device, creating the default
// Standard entry on first sight. Caller holds m.mu.
func (m *Manager) get(deviceID string) *deviceState {
	ds, ok := m.devices[deviceID]
	if !ok {
		ds = &deviceState{state: Standard}
		m.devices[deviceID] = ds
	}
	return ds
}
