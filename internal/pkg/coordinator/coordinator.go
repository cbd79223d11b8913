// Package coordinator implements the two polling schedulers. Fast and
// normal coordinators share one API client and differ only in cadence
// and metric subset. Each owns a per-device snapshot that is replaced
// atomically on every successful poll; consumers always see either the
// previous complete snapshot or the new one.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anicoll/qvantum-integration/internal/pkg/model"
	"github.com/anicoll/qvantum-integration/internal/pkg/publisher"
	"github.com/anicoll/qvantum-integration/internal/pkg/qvantum"
)

// Mode selects the cadence and metric subset of a coordinator.
type Mode int

const (
	Fast Mode = iota
	Normal
)

func (m Mode) String() string {
	if m == Fast {
		return "fast"
	}
	return "normal"
}

// maxConcurrentDevices bounds per-tick fan-out so a large account does
// not burst the cloud API.
const maxConcurrentDevices = 4

type api interface {
	Status(ctx context.Context, deviceID string) (*qvantum.StatusResponse, error)
	Metrics(ctx context.Context, deviceID string, names []string) (*qvantum.MetricsResponse, error)
	Settings(ctx context.Context, deviceID string) ([]qvantum.Setting, error)
	Alarms(ctx context.Context, deviceID string) ([]qvantum.AlarmRecord, error)
	AccessLevel(ctx context.Context, deviceID string) (*qvantum.AccessLevelInfo, error)
}

type accessManager interface {
	Level(deviceID string) model.AccessLevel
	Observe(ctx context.Context, deviceID string, info *qvantum.AccessLevelInfo)
	MaybeRenew(ctx context.Context, deviceID string)
}

type inventories interface {
	Settings(ctx context.Context, deviceID string) ([]qvantum.SettingDefinition, error)
	Metrics(ctx context.Context, deviceID string) ([]qvantum.MetricDefinition, error)
	Alarms(ctx context.Context, deviceID string) ([]qvantum.AlarmDefinition, error)
}

type Coordinator struct {
	mode     Mode
	interval time.Duration
	api      api
	access   accessManager
	inv      inventories
	devices  []model.Device
	logger   *zap.Logger

	mu        sync.RWMutex
	snapshots map[string]*model.Snapshot

	refreshCh chan struct{}

	// authDown suppresses repeated AuthError logging; one line per
	// outage, not one per tick.
	authDown bool
	authMu   sync.Mutex

	now func() time.Time
}

// New builds a coordinator over a fixed device list. The device list is
// static for the process lifetime; rediscovery means a restart.
func New(mode Mode, interval time.Duration, a api, access accessManager, inv inventories, devices []model.Device) *Coordinator {
	return &Coordinator{
		mode:      mode,
		interval:  interval,
		api:       a,
		access:    access,
		inv:       inv,
		devices:   devices,
		logger:    zap.L().With(zap.String("coordinator", mode.String())),
		snapshots: make(map[string]*model.Snapshot),
		refreshCh: make(chan struct{}, 1),
		now:       time.Now,
	}
}

// Run polls until the context is cancelled. The inter-tick timer is
// armed only after the previous tick fully completes, so slow cloud
// responses shrink the effective rate instead of stacking ticks.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		c.Tick(ctx)

		timer := time.NewTimer(c.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.refreshCh:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// RequestRefresh schedules an out-of-cycle tick. Requests arriving
// while one is already pending coalesce.
func (c *Coordinator) RequestRefresh() {
	select {
	case c.refreshCh <- struct{}{}:
	default:
	}
}

// Snapshot returns the device's current snapshot. The returned value is
// immutable; the coordinator replaces rather than mutates it.
func (c *Coordinator) Snapshot(deviceID string) (*model.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[deviceID]
	return snap, ok
}

// Tick polls every device once. Devices are polled concurrently and
// independently; one device's failure never blocks or degrades the
// others.
func (c *Coordinator) Tick(ctx context.Context) {
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(maxConcurrentDevices)
	for _, dev := range c.devices {
		dev := dev
		eg.Go(func() error {
			c.pollDevice(ctx, dev)
			return nil
		})
	}
	_ = eg.Wait()
}

func (c *Coordinator) pollDevice(ctx context.Context, dev model.Device) {
	snap, err := c.fetch(ctx, dev)
	if err != nil {
		c.markDisconnected(dev, err)
		return
	}

	c.authRecovered()
	c.mu.Lock()
	c.snapshots[dev.ID] = snap
	c.mu.Unlock()

	publisher.PublishSnapshot(ctx, &dev, snap)
}

// fetch builds a complete new snapshot for one device, or returns the
// error that should mark it disconnected.
func (c *Coordinator) fetch(ctx context.Context, dev model.Device) (*model.Snapshot, error) {
	snap := &model.Snapshot{
		DeviceID:  dev.ID,
		Metrics:   make(map[string]model.Value),
		TakenAt:   c.now(),
		Connected: true,
	}

	if c.mode == Normal {
		c.observeAccess(ctx, dev.ID)
	}

	names := c.metricNames(dev.ID)
	res, err := c.api.Metrics(ctx, dev.ID, names)
	if err != nil {
		return nil, err
	}
	for name, raw := range res.Values {
		if v, ok := decodeValue(name, raw); ok {
			snap.Metrics[name] = v
		}
	}

	if c.mode == Fast {
		return snap, nil
	}

	// The remaining reads are secondary: a failure degrades the
	// snapshot instead of failing it, matching the metrics-first
	// priority of the poll.
	if status, err := c.api.Status(ctx, dev.ID); err == nil {
		for name, raw := range status.Metrics {
			if _, exists := snap.Metrics[name]; exists {
				continue
			}
			if v, ok := decodeValue(name, raw); ok {
				snap.Metrics[name] = v
			}
		}
	} else {
		c.logger.Debug("status endpoint unavailable", zap.String("device_id", dev.ID), zap.Error(err))
	}

	if settings, err := c.api.Settings(ctx, dev.ID); err == nil {
		for _, s := range settings {
			if v, ok := decodeValue(s.Name, s.Value); ok {
				snap.Metrics[s.Name] = v
			}
		}
	} else {
		c.logger.Debug("settings endpoint unavailable", zap.String("device_id", dev.ID), zap.Error(err))
	}

	if alarms, err := c.api.Alarms(ctx, dev.ID); err == nil {
		// The endpoint mixes historical alarms into the list; only
		// currently active ones belong in the snapshot.
		snap.Alarms = lo.FilterMap(alarms, func(a qvantum.AlarmRecord, _ int) (model.Alarm, bool) {
			if !a.IsActive {
				return model.Alarm{}, false
			}
			return model.Alarm{
				Code:        a.Code,
				Severity:    model.ParseSeverity(a.Severity),
				Description: a.Description,
				RaisedAt:    a.RaisedAt,
			}, true
		})
	} else {
		c.logger.Error("failed to fetch alarms", zap.String("device_id", dev.ID), zap.Error(err))
		snap.Alarms = []model.Alarm{}
	}

	c.warmInventories(ctx, dev.ID)
	return snap, nil
}

// observeAccess feeds the latest server-reported access level to the
// state machine and lets the auto-elevate policy renew expiring grants.
func (c *Coordinator) observeAccess(ctx context.Context, deviceID string) {
	info, err := c.api.AccessLevel(ctx, deviceID)
	if err != nil {
		c.logger.Debug("failed to fetch access level", zap.String("device_id", deviceID), zap.Error(err))
		return
	}
	c.access.Observe(ctx, deviceID, info)
	c.access.MaybeRenew(ctx, deviceID)
}

// metricNames returns this coordinator's metric subset. Elevated-only
// metrics are omitted, not errored, below service-technician access.
func (c *Coordinator) metricNames(deviceID string) []string {
	if c.mode == Fast {
		return model.FastMetricNames
	}
	elevated := c.access.Level(deviceID) == model.AccessElevated
	return lo.FilterMap(model.Metrics, func(mi model.MetricInfo, _ int) (string, bool) {
		if mi.Elevated && !elevated {
			return "", false
		}
		return mi.Name, true
	})
}

// markDisconnected flips the connectivity flag while retaining the last
// known good values, and records why.
func (c *Coordinator) markDisconnected(dev model.Device, err error) {
	reason := "unreachable"
	switch {
	case qvantum.IsAuthError(err):
		reason = "authentication failed"
		c.logAuthOnce(err)
	case qvantum.IsDeviceUnavailable(err):
		reason = "device offline"
		c.logger.Warn("device offline", zap.String("device_id", dev.ID))
	case qvantum.IsTransient(err):
		reason = "cloud api unreachable"
		c.logger.Warn("transient poll failure",
			zap.String("device_id", dev.ID), zap.Error(err))
	default:
		if ctxErr := contextError(err); ctxErr {
			return
		}
		c.logger.Error("poll failed", zap.String("device_id", dev.ID), zap.Error(err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.snapshots[dev.ID]
	snap := prev.Clone()
	if snap == nil {
		snap = &model.Snapshot{DeviceID: dev.ID, Metrics: make(map[string]model.Value)}
	}
	snap.TakenAt = c.now()
	snap.Connected = false
	snap.DisconnectReason = reason
	c.snapshots[dev.ID] = snap
}

func contextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Coordinator) logAuthOnce(err error) {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if c.authDown {
		return
	}
	c.authDown = true
	c.logger.Error("authentication failed, polling degraded until credentials recover", zap.Error(err))
}

func (c *Coordinator) authRecovered() {
	c.authMu.Lock()
	defer c.authMu.Unlock()
	if c.authDown {
		c.logger.Info("authentication recovered")
		c.authDown = false
	}
}

// warmInventories keeps the slow-changing catalogues cached so reads
// elsewhere (validation, discovery payloads) do not pay a fetch.
func (c *Coordinator) warmInventories(ctx context.Context, deviceID string) {
	if _, err := c.inv.Settings(ctx, deviceID); err != nil {
		c.logger.Debug("settings inventory unavailable", zap.String("device_id", deviceID), zap.Error(err))
	}
	if _, err := c.inv.Metrics(ctx, deviceID); err != nil {
		c.logger.Debug("metrics inventory unavailable", zap.String("device_id", deviceID), zap.Error(err))
	}
	if _, err := c.inv.Alarms(ctx, deviceID); err != nil {
		c.logger.Debug("alarms inventory unavailable", zap.String("device_id", deviceID), zap.Error(err))
	}
}

// decodeValue converts one wire value into its typed form using the
// metric catalogue. Unknown metrics fall back to shape-based decoding.
func decodeValue(name string, raw json.RawMessage) (model.Value, bool) {
	// A null reading means the sensor is unavailable, not zero.
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return model.Value{}, false
	}

	mi, known := model.MetricByName(name)

	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		if known {
			switch mi.Kind {
			case model.KindBool:
				return model.BoolValue(num != 0), true
			case model.KindEnum:
				return model.EnumValue(enumName(name, int(num))), true
			}
		}
		return model.FloatValue(num), true
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return model.BoolValue(b), true
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return model.TimeValue(t), true
		}
		return model.EnumValue(s), true
	}
	return model.Value{}, false
}

func enumName(metric string, v int) string {
	switch metric {
	case "hp_status":
		if name, ok := model.HPStatusNames[v]; ok {
			return name
		}
	case "op_mode":
		if name, ok := model.OpModeNames[v]; ok {
			return name
		}
	}
	return strconv.Itoa(v)
}
