package access

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anicoll/qvantum-integration/internal/pkg/model"
	"github.com/anicoll/qvantum-integration/internal/pkg/qvantum"
)

type fakeElevator struct {
	mu    sync.Mutex
	calls int
	fail  bool
	info  *qvantum.AccessLevelInfo
}

func (f *fakeElevator) ElevateAccess(_ context.Context, deviceID string) (*qvantum.AccessLevelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, &qvantum.PermissionError{DeviceID: deviceID}
	}
	if f.info != nil {
		return f.info, nil
	}
	return &qvantum.AccessLevelInfo{ReadAccessLevel: 20, WriteAccessLevel: 20}, nil
}

type fakeStateStore struct {
	mu     sync.Mutex
	states map[string]model.DeviceState
	saves  int
}

func newFakeStateStore() *fakeStateStore {
	return &fakeStateStore{states: make(map[string]model.DeviceState)}
}

func (f *fakeStateStore) SaveDeviceState(_ context.Context, deviceID string, level model.AccessLevel, autoElevate bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[deviceID] = model.DeviceState{Level: level, AutoElevate: autoElevate}
	f.saves++
	return nil
}

func (f *fakeStateStore) DeviceStates(context.Context) (map[string]model.DeviceState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]model.DeviceState, len(f.states))
	for k, v := range f.states {
		out[k] = v
	}
	return out, nil
}

func TestManagerDefaultsToStandard(t *testing.T) {
	m := New(&fakeElevator{}, newFakeStateStore())
	assert.Equal(t, Standard, m.State("dev-1"))
	assert.Equal(t, model.AccessStandard, m.Level("dev-1"))
	assert.False(t, m.AutoElevate("dev-1"))
}

func TestManagerElevateSuccess(t *testing.T) {
	api := &fakeElevator{}
	store := newFakeStateStore()
	m := New(api, store)

	require.NoError(t, m.Elevate(context.Background(), "dev-1"))
	assert.Equal(t, Elevated, m.State("dev-1"))
	assert.Equal(t, model.AccessElevated, m.Level("dev-1"))
	assert.Equal(t, model.AccessElevated, store.states["dev-1"].Level, "elevation is persisted")
}

func TestManagerElevateDenied(t *testing.T) {
	api := &fakeElevator{fail: true}
	m := New(api, newFakeStateStore())

	err := m.Elevate(context.Background(), "dev-1")
	require.Error(t, err)
	assert.Equal(t, ElevationFailed, m.State("dev-1"))
	assert.Equal(t, model.AccessStandard, m.Level("dev-1"))

	// A later attempt is allowed to try again.
	api.fail = false
	require.NoError(t, m.Elevate(context.Background(), "dev-1"))
	assert.Equal(t, Elevated, m.State("dev-1"))
}

func TestManagerElevateIdempotentWhenElevated(t *testing.T) {
	api := &fakeElevator{}
	m := New(api, newFakeStateStore())

	require.NoError(t, m.Elevate(context.Background(), "dev-1"))
	require.NoError(t, m.Elevate(context.Background(), "dev-1"))
	assert.Equal(t, 1, api.calls)
}

func TestManagerStatePersistsAcrossRestart(t *testing.T) {
	store := newFakeStateStore()
	m := New(&fakeElevator{}, store)
	require.NoError(t, m.Elevate(context.Background(), "dev-1"))
	require.NoError(t, m.SetAutoElevate(context.Background(), "dev-1", true))

	restarted := New(&fakeElevator{}, store)
	require.NoError(t, restarted.Load(context.Background()))
	assert.Equal(t, Elevated, restarted.State("dev-1"))
	assert.True(t, restarted.AutoElevate("dev-1"))
}

func TestManagerObserveDemotesWhenServerDropsGrant(t *testing.T) {
	store := newFakeStateStore()
	m := New(&fakeElevator{}, store)
	require.NoError(t, m.Elevate(context.Background(), "dev-1"))

	m.Observe(context.Background(), "dev-1", &qvantum.AccessLevelInfo{ReadAccessLevel: 10, WriteAccessLevel: 10})
	assert.Equal(t, Standard, m.State("dev-1"))
	assert.Equal(t, model.AccessStandard, store.states["dev-1"].Level)
}

func TestManagerObservePromotesOutOfBandElevation(t *testing.T) {
	m := New(&fakeElevator{}, newFakeStateStore())

	m.Observe(context.Background(), "dev-1", &qvantum.AccessLevelInfo{ReadAccessLevel: 20, WriteAccessLevel: 20})
	assert.Equal(t, Elevated, m.State("dev-1"))
}

func TestManagerHandleDeniedDemotesOnlyWhenElevated(t *testing.T) {
	store := newFakeStateStore()
	m := New(&fakeElevator{}, store)

	m.HandleDenied(context.Background(), "dev-1")
	assert.Equal(t, Standard, m.State("dev-1"))
	assert.Equal(t, 0, store.saves, "no persistence churn below elevated")

	require.NoError(t, m.Elevate(context.Background(), "dev-1"))
	m.HandleDenied(context.Background(), "dev-1")
	assert.Equal(t, Standard, m.State("dev-1"))
}

func TestManagerMaybeRenewReelevatesNearExpiry(t *testing.T) {
	expiry := time.Now().Add(2 * time.Minute)
	api := &fakeElevator{info: &qvantum.AccessLevelInfo{ReadAccessLevel: 20, WriteAccessLevel: 20, ExpiresAt: &expiry}}
	m := New(api, newFakeStateStore())

	require.NoError(t, m.Elevate(context.Background(), "dev-1"))
	require.NoError(t, m.SetAutoElevate(context.Background(), "dev-1", true))
	require.Equal(t, 1, api.calls)

	m.MaybeRenew(context.Background(), "dev-1")
	assert.Equal(t, 2, api.calls, "grant inside the renew window is refreshed")
	assert.Equal(t, Elevated, m.State("dev-1"))
}

func TestManagerMaybeRenewSkipsWhenPolicyDisabled(t *testing.T) {
	expiry := time.Now().Add(2 * time.Minute)
	api := &fakeElevator{info: &qvantum.AccessLevelInfo{ReadAccessLevel: 20, WriteAccessLevel: 20, ExpiresAt: &expiry}}
	m := New(api, newFakeStateStore())

	require.NoError(t, m.Elevate(context.Background(), "dev-1"))
	m.MaybeRenew(context.Background(), "dev-1")
	assert.Equal(t, 1, api.calls)
}

func TestManagerMaybeRenewSkipsDistantExpiry(t *testing.T) {
	expiry := time.Now().Add(time.Hour)
	api := &fakeElevator{info: &qvantum.AccessLevelInfo{ReadAccessLevel: 20, WriteAccessLevel: 20, ExpiresAt: &expiry}}
	m := New(api, newFakeStateStore())

	require.NoError(t, m.Elevate(context.Background(), "dev-1"))
	require.NoError(t, m.SetAutoElevate(context.Background(), "dev-1", true))
	m.MaybeRenew(context.Background(), "dev-1")
	assert.Equal(t, 1, api.calls)
}
