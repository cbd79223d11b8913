// Package inventory caches per-device static and slow-changing metadata
// fetched from the cloud: device identity, setting definitions, metric
// and alarm catalogues. Entries age out on a minutes-scale TTL but are
// never evicted on API failure; a stale answer beats no answer for this
// class of data.
package inventory

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/anicoll/qvantum-integration/internal/pkg/model"
	"github.com/anicoll/qvantum-integration/internal/pkg/qvantum"
)

const cacheSize = 256

type api interface {
	Devices(ctx context.Context) ([]qvantum.DeviceRecord, error)
	SettingsInventory(ctx context.Context, deviceID string) ([]qvantum.SettingDefinition, error)
	MetricsInventory(ctx context.Context, deviceID string) ([]qvantum.MetricDefinition, error)
	AlarmsInventory(ctx context.Context, deviceID string) ([]qvantum.AlarmDefinition, error)
}

type entry struct {
	val       any
	fetchedAt time.Time
}

type Cache struct {
	api    api
	ttl    time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, entry]

	now func() time.Time
}

func New(a api, ttl time.Duration) *Cache {
	c, _ := lru.New[string, entry](cacheSize)
	return &Cache{
		api:    a,
		ttl:    ttl,
		logger: zap.L(),
		cache:  c,
		now:    time.Now,
	}
}

// Identity returns the device identity, fetched from the device list on
// miss or expiry.
func (c *Cache) Identity(ctx context.Context, deviceID string) (*model.Device, error) {
	v, err := c.lookup(ctx, "identity/"+deviceID, func(ctx context.Context) (any, error) {
		records, err := c.api.Devices(ctx)
		if err != nil {
			return nil, err
		}
		record, found := lo.Find(records, func(r qvantum.DeviceRecord) bool {
			return r.ID == deviceID
		})
		if !found {
			return nil, &qvantum.DeviceUnavailableError{DeviceID: deviceID}
		}
		return &model.Device{
			ID:               record.ID,
			SerialNumber:     record.Serial,
			Model:            record.Model,
			Manufacturer:     record.Vendor,
			FirmwareDisplay:  record.Firmware.DisplayVersion,
			FirmwareControl:  record.Firmware.ControlVersion,
			FirmwareInverter: record.Firmware.InverterVersion,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Device), nil
}

// Settings returns the setting definitions used for write validation.
func (c *Cache) Settings(ctx context.Context, deviceID string) ([]qvantum.SettingDefinition, error) {
	v, err := c.lookup(ctx, "settings/"+deviceID, func(ctx context.Context) (any, error) {
		return c.api.SettingsInventory(ctx, deviceID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]qvantum.SettingDefinition), nil
}

// Metrics returns the metric catalogue.
func (c *Cache) Metrics(ctx context.Context, deviceID string) ([]qvantum.MetricDefinition, error) {
	v, err := c.lookup(ctx, "metrics/"+deviceID, func(ctx context.Context) (any, error) {
		return c.api.MetricsInventory(ctx, deviceID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]qvantum.MetricDefinition), nil
}

// Alarms returns the alarm catalogue.
func (c *Cache) Alarms(ctx context.Context, deviceID string) ([]qvantum.AlarmDefinition, error) {
	v, err := c.lookup(ctx, "alarms/"+deviceID, func(ctx context.Context) (any, error) {
		return c.api.AlarmsInventory(ctx, deviceID)
	})
	if err != nil {
		return nil, err
	}
	return v.([]qvantum.AlarmDefinition), nil
}

// lookup implements cache-aside with stale fallback: fresh hit wins, an
// expired entry triggers a refetch, and a refetch failure falls back to
// the expired entry when one exists.
func (c *Cache) lookup(ctx context.Context, key string, fetch func(context.Context) (any, error)) (any, error) {
	c.mu.Lock()
	cached, ok := c.cache.Get(key)
	c.mu.Unlock()

	if ok && c.now().Sub(cached.fetchedAt) < c.ttl {
		return cached.val, nil
	}

	val, err := fetch(ctx)
	if err != nil {
		if ok {
			c.logger.Debug("inventory refresh failed, serving stale entry",
				zap.String("key", key), zap.Error(err))
			return cached.val, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.cache.Add(key, entry{val: val, fetchedAt: c.now()})
	c.mu.Unlock()
	return val, nil
}

// Forget drops all cached entries for a device, forcing a refetch on
// the next lookup. Used after firmware updates or explicit rediscovery.
func (c *Cache) Forget(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, prefix := range []string{"identity/", "settings/", "metrics/", "alarms/"} {
		c.cache.Remove(prefix + deviceID)
	}
}
