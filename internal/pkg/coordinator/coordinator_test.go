package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anicoll/qvantum-integration/internal/pkg/model"
	"github.com/anicoll/qvantum-integration/internal/pkg/qvantum"
)

type fakePollAPI struct {
	mu           sync.Mutex
	metricsErr   map[string]error
	metrics      map[string]map[string]json.RawMessage
	metricsCalls map[string][]string
	accessCalls  int
	alarms       []qvantum.AlarmRecord
}

func newFakePollAPI() *fakePollAPI {
	return &fakePollAPI{
		metricsErr:   make(map[string]error),
		metrics:      make(map[string]map[string]json.RawMessage),
		metricsCalls: make(map[string][]string),
	}
}

func (f *fakePollAPI) Metrics(_ context.Context, deviceID string, names []string) (*qvantum.MetricsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metricsCalls[deviceID] = names
	if err := f.metricsErr[deviceID]; err != nil {
		return nil, err
	}
	return &qvantum.MetricsResponse{Values: f.metrics[deviceID]}, nil
}

func (f *fakePollAPI) Status(_ context.Context, deviceID string) (*qvantum.StatusResponse, error) {
	return &qvantum.StatusResponse{Metrics: map[string]json.RawMessage{}}, nil
}

func (f *fakePollAPI) Settings(_ context.Context, deviceID string) ([]qvantum.Setting, error) {
	return nil, nil
}

func (f *fakePollAPI) Alarms(_ context.Context, deviceID string) ([]qvantum.AlarmRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alarms, nil
}

func (f *fakePollAPI) AccessLevel(_ context.Context, deviceID string) (*qvantum.AccessLevelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessCalls++
	return &qvantum.AccessLevelInfo{ReadAccessLevel: 10, WriteAccessLevel: 10}, nil
}

type fakeAccess struct {
	level    model.AccessLevel
	observed int
	renewed  int
}

func (f *fakeAccess) Level(string) model.AccessLevel { return f.level }

func (f *fakeAccess) Observe(context.Context, string, *qvantum.AccessLevelInfo) { f.observed++ }

func (f *fakeAccess) MaybeRenew(context.Context, string) { f.renewed++ }

type fakeInventories struct{}

func (fakeInventories) Settings(context.Context, string) ([]qvantum.SettingDefinition, error) {
	return nil, nil
}

func (fakeInventories) Metrics(context.Context, string) ([]qvantum.MetricDefinition, error) {
	return nil, nil
}

func (fakeInventories) Alarms(context.Context, string) ([]qvantum.AlarmDefinition, error) {
	return nil, nil
}

func testDevices(ids ...string) []model.Device {
	return lo.Map(ids, func(id string, _ int) model.Device {
		return model.Device{ID: id, SerialNumber: "QN" + id, Model: "QE8"}
	})
}

func TestFastTickBuildsSnapshot(t *testing.T) {
	api := newFakePollAPI()
	api.metrics["dev-1"] = map[string]json.RawMessage{
		"powertotal": json.RawMessage(`1250.5`),
		"dhwpower":   json.RawMessage(`0`),
	}
	c := New(Fast, time.Second, api, &fakeAccess{}, fakeInventories{}, testDevices("dev-1"))

	c.Tick(context.Background())

	snap, ok := c.Snapshot("dev-1")
	require.True(t, ok)
	assert.True(t, snap.Connected)
	assert.Equal(t, 1250.5, snap.Metrics["powertotal"].Float)
	assert.Equal(t, model.FastMetricNames, api.metricsCalls["dev-1"], "fast mode polls the fast subset only")
}

func TestTickRetainsLastKnownGoodOnFailure(t *testing.T) {
	api := newFakePollAPI()
	api.metrics["dev-1"] = map[string]json.RawMessage{"powertotal": json.RawMessage(`900`)}
	c := New(Fast, time.Second, api, &fakeAccess{}, fakeInventories{}, testDevices("dev-1"))

	c.Tick(context.Background())
	api.mu.Lock()
	api.metricsErr["dev-1"] = &qvantum.TransientError{Err: errors.New("timeout")}
	api.mu.Unlock()
	c.Tick(context.Background())

	snap, ok := c.Snapshot("dev-1")
	require.True(t, ok)
	assert.False(t, snap.Connected)
	assert.NotEmpty(t, snap.DisconnectReason)
	assert.Equal(t, 900.0, snap.Metrics["powertotal"].Float, "values survive the outage")
}

func TestTickReconnectClearsDisconnectReason(t *testing.T) {
	api := newFakePollAPI()
	api.metricsErr["dev-1"] = &qvantum.DeviceUnavailableError{DeviceID: "dev-1"}
	c := New(Fast, time.Second, api, &fakeAccess{}, fakeInventories{}, testDevices("dev-1"))

	c.Tick(context.Background())
	snap, ok := c.Snapshot("dev-1")
	require.True(t, ok)
	assert.False(t, snap.Connected)
	assert.Equal(t, "device offline", snap.DisconnectReason)

	api.mu.Lock()
	delete(api.metricsErr, "dev-1")
	api.metrics["dev-1"] = map[string]json.RawMessage{"powertotal": json.RawMessage(`1`)}
	api.mu.Unlock()
	c.Tick(context.Background())

	snap, _ = c.Snapshot("dev-1")
	assert.True(t, snap.Connected)
	assert.Empty(t, snap.DisconnectReason)
}

func TestTickIsolatesDeviceFailures(t *testing.T) {
	api := newFakePollAPI()
	api.metrics["dev-1"] = map[string]json.RawMessage{"powertotal": json.RawMessage(`1`)}
	api.metricsErr["dev-2"] = &qvantum.TransientError{Err: errors.New("timeout")}
	c := New(Fast, time.Second, api, &fakeAccess{}, fakeInventories{}, testDevices("dev-1", "dev-2"))

	c.Tick(context.Background())

	healthy, ok := c.Snapshot("dev-1")
	require.True(t, ok)
	assert.True(t, healthy.Connected)

	broken, ok := c.Snapshot("dev-2")
	require.True(t, ok)
	assert.False(t, broken.Connected)
}

func TestNormalTickObservesAccessAndFetchesAlarms(t *testing.T) {
	api := newFakePollAPI()
	api.metrics["dev-1"] = map[string]json.RawMessage{"outdoor_temp": json.RawMessage(`-3.5`)}
	api.alarms = []qvantum.AlarmRecord{{Code: "E101", Severity: "WARNING", Description: "low flow", IsActive: true}}
	acc := &fakeAccess{}
	c := New(Normal, time.Second, api, acc, fakeInventories{}, testDevices("dev-1"))

	c.Tick(context.Background())

	snap, ok := c.Snapshot("dev-1")
	require.True(t, ok)
	require.Len(t, snap.Alarms, 1)
	assert.Equal(t, "E101", snap.Alarms[0].Code)
	assert.Equal(t, model.SeverityWarning, snap.Alarms[0].Severity)
	assert.Equal(t, 1, acc.observed)
	assert.Equal(t, 1, acc.renewed)
}

func TestNormalTickDropsInactiveAlarms(t *testing.T) {
	api := newFakePollAPI()
	api.metrics["dev-1"] = map[string]json.RawMessage{}
	api.alarms = []qvantum.AlarmRecord{
		{Code: "E101", Severity: "WARNING", IsActive: true},
		{Code: "E042", Severity: "CRITICAL", IsActive: false},
		{Code: "E007", Severity: "SEVERE"},
	}
	c := New(Normal, time.Second, api, &fakeAccess{}, fakeInventories{}, testDevices("dev-1"))

	c.Tick(context.Background())

	snap, ok := c.Snapshot("dev-1")
	require.True(t, ok)
	require.Len(t, snap.Alarms, 1, "historical alarms stay out of the snapshot")
	assert.Equal(t, "E101", snap.Alarms[0].Code)
}

func TestNormalModeSkipsElevatedMetricsAtStandardLevel(t *testing.T) {
	api := newFakePollAPI()
	api.metrics["dev-1"] = map[string]json.RawMessage{}
	c := New(Normal, time.Second, api, &fakeAccess{level: model.AccessStandard}, fakeInventories{}, testDevices("dev-1"))

	c.Tick(context.Background())

	names := api.metricsCalls["dev-1"]
	for _, mi := range model.Metrics {
		if mi.Elevated {
			assert.NotContains(t, names, mi.Name)
		}
	}
}

func TestNormalModeIncludesElevatedMetricsWhenElevated(t *testing.T) {
	api := newFakePollAPI()
	api.metrics["dev-1"] = map[string]json.RawMessage{}
	c := New(Normal, time.Second, api, &fakeAccess{level: model.AccessElevated}, fakeInventories{}, testDevices("dev-1"))

	c.Tick(context.Background())

	names := api.metricsCalls["dev-1"]
	elevated := lo.Filter(model.Metrics, func(mi model.MetricInfo, _ int) bool { return mi.Elevated })
	require.NotEmpty(t, elevated)
	for _, mi := range elevated {
		assert.Contains(t, names, mi.Name)
	}
}

func TestRequestRefreshCoalesces(t *testing.T) {
	c := New(Fast, time.Second, newFakePollAPI(), &fakeAccess{}, fakeInventories{}, nil)
	for i := 0; i < 10; i++ {
		c.RequestRefresh()
	}
	assert.Len(t, c.refreshCh, 1)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	c := New(Fast, time.Millisecond, newFakePollAPI(), &fakeAccess{}, fakeInventories{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
}

func TestDecodeValueKinds(t *testing.T) {
	v, ok := decodeValue("powertotal", json.RawMessage(`1250.5`))
	require.True(t, ok)
	assert.Equal(t, model.KindFloat, v.Kind)
	assert.Equal(t, 1250.5, v.Float)

	v, ok = decodeValue("use_adaptive", json.RawMessage(`1`))
	require.True(t, ok)
	assert.Equal(t, model.KindBool, v.Kind)
	assert.True(t, v.Bool)

	v, ok = decodeValue("hp_status", json.RawMessage(`2`))
	require.True(t, ok)
	assert.Equal(t, model.KindEnum, v.Kind)
	assert.Equal(t, "hot_water", v.Enum)

	v, ok = decodeValue("op_mode", json.RawMessage(`0`))
	require.True(t, ok)
	assert.Equal(t, "auto", v.Enum)

	v, ok = decodeValue("unknown_metric", json.RawMessage(`true`))
	require.True(t, ok)
	assert.Equal(t, model.KindBool, v.Kind)

	v, ok = decodeValue("unknown_metric", json.RawMessage(`"2026-03-14T15:30:00Z"`))
	require.True(t, ok)
	assert.Equal(t, model.KindTimestamp, v.Kind)

	_, ok = decodeValue("unknown_metric", json.RawMessage(`{"nested":1}`))
	assert.False(t, ok)
}

func TestDecodeValueOmitsNullReadings(t *testing.T) {
	_, ok := decodeValue("powertotal", json.RawMessage(`null`))
	assert.False(t, ok, "null is an unavailable sensor, not a zero reading")

	_, ok = decodeValue("use_adaptive", json.RawMessage(`null`))
	assert.False(t, ok)

	_, ok = decodeValue("powertotal", nil)
	assert.False(t, ok)
}

func TestMarkDisconnectedSkipsWrappedContextErrors(t *testing.T) {
	api := newFakePollAPI()
	api.metricsErr["dev-1"] = fmt.Errorf("polling: %w", context.Canceled)
	c := New(Fast, time.Second, api, &fakeAccess{}, fakeInventories{}, testDevices("dev-1"))

	c.Tick(context.Background())

	_, ok := c.Snapshot("dev-1")
	assert.False(t, ok, "a cancelled poll leaves no snapshot behind")
}
