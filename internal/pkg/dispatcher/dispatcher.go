// Package dispatcher carries write commands to the cloud API. Every
// write is validated against the device's settings inventory before any
// network traffic, and a permission denial triggers exactly one
// elevate-and-retry cycle.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/anicoll/qvantum-integration/internal/pkg/qvantum"
)

const (
	minBoostHours = 1
	maxBoostHours = 24
)

// SmartControlDisabled turns adaptive control off when passed for both
// heating and hot water modes. Valid modes are 0 (eco), 1 (balanced)
// and 2 (comfort).
const SmartControlDisabled = -1

type api interface {
	UpdateSettings(ctx context.Context, deviceID string, settings map[string]any) (*qvantum.CommandResponse, error)
	SetAdditionalHotWater(ctx context.Context, deviceID string, stopTime *time.Time, indefinite, cancel bool) (*qvantum.CommandResponse, error)
}

type accessManager interface {
	HandleDenied(ctx context.Context, deviceID string)
	Elevate(ctx context.Context, deviceID string) error
}

type inventories interface {
	Settings(ctx context.Context, deviceID string) ([]qvantum.SettingDefinition, error)
}

type refresher interface {
	RequestRefresh()
}

type Dispatcher struct {
	api     api
	access  accessManager
	inv     inventories
	refresh refresher
	logger  *zap.Logger
	now     func() time.Time
}

func New(a api, access accessManager, inv inventories, refresh refresher) *Dispatcher {
	return &Dispatcher{
		api:     a,
		access:  access,
		inv:     inv,
		refresh: refresh,
		logger:  zap.L().With(zap.String("component", "dispatcher")),
		now:     time.Now,
	}
}

// ApplySetting validates the value against the device's settings
// inventory and writes it. Validation failures never reach the network.
func (d *Dispatcher) ApplySetting(ctx context.Context, deviceID, name string, value any) error {
	if err := d.validate(ctx, deviceID, name, value); err != nil {
		return err
	}
	return d.write(ctx, deviceID, map[string]any{name: value})
}

// SetSmartControl configures adaptive control. Passing
// SmartControlDisabled for either mode turns adaptive control off
// entirely; otherwise both modes must be 0, 1 or 2.
func (d *Dispatcher) SetSmartControl(ctx context.Context, deviceID string, heating, hotWater int) error {
	if heating == SmartControlDisabled || hotWater == SmartControlDisabled {
		return d.write(ctx, deviceID, map[string]any{"use_adaptive": false})
	}
	for _, mode := range []int{heating, hotWater} {
		if mode < 0 || mode > 2 {
			return &qvantum.ValidationError{
				Field: "smart_control_mode",
				Msg:   fmt.Sprintf("mode %d out of range 0..2", mode),
			}
		}
	}
	return d.write(ctx, deviceID, map[string]any{
		"use_adaptive":   true,
		"smart_sh_mode":  heating,
		"smart_dhw_mode": hotWater,
	})
}

// ActivateBoost enables extra hot water production until now plus the
// given number of whole hours.
func (d *Dispatcher) ActivateBoost(ctx context.Context, deviceID string, hours int) error {
	if hours < minBoostHours || hours > maxBoostHours {
		return &qvantum.ValidationError{
			Field: "hours",
			Msg:   fmt.Sprintf("%d out of range %d..%d", hours, minBoostHours, maxBoostHours),
		}
	}
	stop := d.now().UTC().Add(time.Duration(hours) * time.Hour)
	return d.hotWater(ctx, deviceID, &stop, false, false)
}

// ActivateBoostIndefinite enables extra hot water with no stop time.
func (d *Dispatcher) ActivateBoostIndefinite(ctx context.Context, deviceID string) error {
	return d.hotWater(ctx, deviceID, nil, true, false)
}

// CancelBoost disables extra hot water. Cancelling when no boost is
// active is a no-op on the device side, so it always succeeds.
func (d *Dispatcher) CancelBoost(ctx context.Context, deviceID string) error {
	return d.hotWater(ctx, deviceID, nil, false, true)
}

func (d *Dispatcher) hotWater(ctx context.Context, deviceID string, stop *time.Time, indefinite, cancel bool) error {
	err := d.withElevationRetry(ctx, deviceID, func() error {
		_, err := d.api.SetAdditionalHotWater(ctx, deviceID, stop, indefinite, cancel)
		return err
	})
	if err != nil {
		return err
	}
	d.refresh.RequestRefresh()
	return nil
}

func (d *Dispatcher) write(ctx context.Context, deviceID string, settings map[string]any) error {
	err := d.withElevationRetry(ctx, deviceID, func() error {
		_, err := d.api.UpdateSettings(ctx, deviceID, settings)
		return err
	})
	if err != nil {
		return err
	}
	d.refresh.RequestRefresh()
	return nil
}

// withElevationRetry runs the command and, on a permission denial,
// elevates access and retries exactly once. A second denial surfaces.
func (d *Dispatcher) withElevationRetry(ctx context.Context, deviceID string, fn func() error) error {
	err := fn()
	if !qvantum.IsPermissionDenied(err) {
		return err
	}

	d.access.HandleDenied(ctx, deviceID)
	d.logger.Warn("permission denied, elevating access and retrying",
		zap.String("device_id", deviceID))
	if elevErr := d.access.Elevate(ctx, deviceID); elevErr != nil {
		return fmt.Errorf("elevating access: %w", elevErr)
	}
	return fn()
}

func (d *Dispatcher) validate(ctx context.Context, deviceID, name string, value any) error {
	defs, err := d.inv.Settings(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("loading settings inventory: %w", err)
	}
	def, ok := lo.Find(defs, func(s qvantum.SettingDefinition) bool { return s.Name == name })
	if !ok {
		return &qvantum.ValidationError{Field: name, Msg: "unknown setting"}
	}
	if def.ReadOnly {
		return &qvantum.ValidationError{Field: name, Msg: "setting is read-only"}
	}

	switch def.DataType {
	case "bool":
		if _, ok := value.(bool); !ok {
			return &qvantum.ValidationError{Field: name, Msg: "expected a boolean"}
		}
	case "enum":
		s, ok := value.(string)
		if !ok || !lo.Contains(def.Options, s) {
			return &qvantum.ValidationError{
				Field: name,
				Msg:   fmt.Sprintf("expected one of %v", def.Options),
			}
		}
	default:
		f, ok := asFloat(value)
		if !ok {
			return &qvantum.ValidationError{Field: name, Msg: "expected a number"}
		}
		if def.Min != nil && f < *def.Min {
			return &qvantum.ValidationError{
				Field: name,
				Msg:   fmt.Sprintf("%v below minimum %v", f, *def.Min),
			}
		}
		if def.Max != nil && f > *def.Max {
			return &qvantum.ValidationError{
				Field: name,
				Msg:   fmt.Sprintf("%v above maximum %v", f, *def.Max),
			}
		}
		if def.Step != nil && *def.Step > 0 {
			base := 0.0
			if def.Min != nil {
				base = *def.Min
			}
			steps := (f - base) / *def.Step
			if math.Abs(steps-math.Round(steps)) > 1e-9 {
				return &qvantum.ValidationError{
					Field: name,
					Msg:   fmt.Sprintf("%v is not a multiple of step %v", f, *def.Step),
				}
			}
		}
	}
	return nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
