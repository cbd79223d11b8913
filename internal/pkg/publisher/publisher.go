// Package publisher fans successful snapshots out to registered sinks.
// Sinks only receive values that actually changed since the last
// publication, so a 5 second fast cadence does not flood them with
// identical rows.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/anicoll/qvantum-integration/internal/pkg/model"
)

var errAlreadyRegistered = errors.New("publisher already registered")

var (
	registeredPublishers = make(map[string]publisher)
	lastPublished        sync.Map
)

// Sample is one changed metric value bound for sinks.
type Sample struct {
	Identifier string
	Metric     string
	Value      string
	Unit       string
	Timestamp  time.Time
	Connected  bool
}

type publisher interface {
	Write(ctx context.Context, samples []Sample) error
	RegisterDevice(device *model.Device) error
}

func Register(name string, p publisher) error {
	if _, ok := registeredPublishers[name]; ok {
		return errAlreadyRegistered
	}
	registeredPublishers[name] = p
	return nil
}

// RegisterDevice announces a discovered device to every sink so they
// can set up whatever per-device structure they need ahead of data.
func RegisterDevice(device *model.Device) error {
	for name, p := range registeredPublishers {
		if err := p.RegisterDevice(device); err != nil {
			zap.L().Error("failed to register device", zap.Error(err), zap.String("publisher", name))
			continue
		}
		zap.L().Debug("registered device", zap.String("device", device.SerialNumber), zap.String("publisher", name))
	}
	return nil
}

// PublishSnapshot diffs the snapshot against the last published values
// and writes the changed samples to every sink.
func PublishSnapshot(ctx context.Context, device *model.Device, snap *model.Snapshot) {
	if snap == nil || len(registeredPublishers) == 0 {
		return
	}
	identifier := device.Identifier()

	samples := make([]Sample, 0, len(snap.Metrics))
	for name, value := range snap.Metrics {
		rendered := value.String()
		unit := ""
		if mi, ok := model.MetricByName(name); ok {
			unit = mi.Unit
		}
		if !shouldUpdate(identifier, name, rendered) {
			continue
		}
		samples = append(samples, Sample{
			Identifier: identifier,
			Metric:     name,
			Value:      rendered,
			Unit:       unit,
			Timestamp:  snap.TakenAt,
			Connected:  snap.Connected,
		})
	}
	if len(samples) == 0 {
		return
	}

	for name, p := range registeredPublishers {
		if err := p.Write(ctx, samples); err != nil {
			zap.L().Error("failed to publish samples", zap.Error(err), zap.String("publisher", name))
			continue
		}
		zap.L().Debug("published samples", zap.Int("count", len(samples)), zap.String("publisher", name))
	}
}

func shouldUpdate(identifier, metric, newValue string) bool {
	key := fmt.Sprintf("%s_%s", identifier, metric)
	oldValue, exists := lastPublished.Load(key)
	if exists && strings.EqualFold(newValue, oldValue.(string)) {
		return false
	}
	if !exists {
		zap.L().Info("configured sensor",
			zap.String("device", identifier), zap.String("metric", metric), zap.String("value", newValue))
	}
	lastPublished.Store(key, newValue)
	return true
}
