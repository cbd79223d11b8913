package qvantum

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const commandQuery = "wait=true&use_internal_names=true"

type tokenProvider interface {
	Token(ctx context.Context) (token string, fresh bool, err error)
	Invalidate()
}

// Client wraps the cloud API, one method per logical operation. Every
// call obtains a token first, then classifies the response into the
// error taxonomy. Transient failures are retried with capped, jittered
// exponential backoff before surfacing.
type Client struct {
	base       string
	http       *http.Client
	tokens     tokenProvider
	logger     *zap.Logger
	maxRetries uint64
	// initialBackoff is shortened in tests.
	initialBackoff time.Duration
}

func NewClient(endpoint string, tokens tokenProvider) *Client {
	return &Client{
		base:           strings.TrimRight(endpoint, "/"),
		http:           &http.Client{Timeout: 30 * time.Second},
		tokens:         tokens,
		logger:         zap.L(),
		maxRetries:     3,
		initialBackoff: 500 * time.Millisecond,
	}
}

// Devices lists all devices on the account.
func (c *Client) Devices(ctx context.Context) ([]DeviceRecord, error) {
	var res devicesResponse
	if err := c.get(ctx, "api/inventory/v1/users/me/devices", "", &res); err != nil {
		return nil, err
	}
	c.logger.Debug("fetched device list", zap.Int("count", len(res.Devices)))
	return res.Devices, nil
}

// Status fetches the device status document.
func (c *Client) Status(ctx context.Context, deviceID string) (*StatusResponse, error) {
	var res StatusResponse
	path := fmt.Sprintf("api/device-info/v1/devices/%s/status?metrics=now", deviceID)
	if err := c.get(ctx, path, deviceID, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Metrics fetches internal metric values by name.
func (c *Client) Metrics(ctx context.Context, deviceID string, names []string) (*MetricsResponse, error) {
	q := make([]string, 0, len(names))
	for _, n := range names {
		q = append(q, "names="+url.QueryEscape(n))
	}
	path := fmt.Sprintf("api/internal/v1/devices/%s/values?use_internal_names=true&timeout=12&%s",
		deviceID, strings.Join(q, "&"))

	var res MetricsResponse
	if err := c.get(ctx, path, deviceID, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Settings fetches the current setting values.
func (c *Client) Settings(ctx context.Context, deviceID string) ([]Setting, error) {
	var res settingsResponse
	path := fmt.Sprintf("api/device-info/v1/devices/%s/settings", deviceID)
	if err := c.get(ctx, path, deviceID, &res); err != nil {
		return nil, err
	}
	return res.Settings, nil
}

// SettingsInventory fetches setting definitions (bounds, types).
func (c *Client) SettingsInventory(ctx context.Context, deviceID string) ([]SettingDefinition, error) {
	var res settingsInventoryResponse
	path := fmt.Sprintf("api/inventory/v1/devices/%s/settings", deviceID)
	if err := c.get(ctx, path, deviceID, &res); err != nil {
		return nil, err
	}
	return res.Settings, nil
}

// MetricsInventory fetches metric definitions.
func (c *Client) MetricsInventory(ctx context.Context, deviceID string) ([]MetricDefinition, error) {
	var res metricsInventoryResponse
	path := fmt.Sprintf("api/inventory/v1/devices/%s/metrics", deviceID)
	if err := c.get(ctx, path, deviceID, &res); err != nil {
		return nil, err
	}
	return res.Metrics, nil
}

// AlarmsInventory fetches the catalogue of possible alarms.
func (c *Client) AlarmsInventory(ctx context.Context, deviceID string) ([]AlarmDefinition, error) {
	var res alarmsInventoryResponse
	path := fmt.Sprintf("api/inventory/v1/devices/%s/alarms", deviceID)
	if err := c.get(ctx, path, deviceID, &res); err != nil {
		return nil, err
	}
	return res.Alarms, nil
}

// Alarms fetches the active alarms.
func (c *Client) Alarms(ctx context.Context, deviceID string) ([]AlarmRecord, error) {
	var res alarmsResponse
	path := fmt.Sprintf("api/events/v1/devices/%s/alarms", deviceID)
	if err := c.get(ctx, path, deviceID, &res); err != nil {
		return nil, err
	}
	return res.Alarms, nil
}

// AccessLevel reads the account's current access level for a device.
func (c *Client) AccessLevel(ctx context.Context, deviceID string) (*AccessLevelInfo, error) {
	var res AccessLevelInfo
	path := fmt.Sprintf("api/internal/v1/auth/device/%s/my-access-level?use_internal_names=true", deviceID)
	if err := c.get(ctx, path, deviceID, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ElevateAccess runs the elevation chain: generate an access code,
// claim the grant, approve it, then confirm the new level. Returns the
// resulting access level, or PermissionError when the server refuses.
func (c *Client) ElevateAccess(ctx context.Context, deviceID string) (*AccessLevelInfo, error) {
	current, err := c.AccessLevel(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if current.Elevated() {
		return current, nil
	}

	var code accessCodeResponse
	path := fmt.Sprintf("api/internal/v1/auth/device/%s/generate-access-code?use_internal_names=true", deviceID)
	if err := c.post(ctx, path, deviceID, struct{}{}, &code); err != nil {
		return nil, err
	}
	if code.AccessCode == "" {
		return nil, &PermissionError{DeviceID: deviceID}
	}

	path = fmt.Sprintf("api/internal/v1/auth/device/claim-grant?access_code=%s&use_internal_names=true",
		url.QueryEscape(code.AccessCode))
	if err := c.post(ctx, path, deviceID, struct{}{}, nil); err != nil {
		return nil, err
	}

	path = fmt.Sprintf("api/internal/v1/auth/device/%s/access-grants?access_code=%s&approve=true&use_internal_names=true",
		deviceID, url.QueryEscape(code.AccessCode))
	if err := c.post(ctx, path, deviceID, struct{}{}, nil); err != nil {
		return nil, err
	}

	updated, err := c.AccessLevel(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !updated.Elevated() {
		return nil, &PermissionError{DeviceID: deviceID}
	}
	c.logger.Info("elevated device access",
		zap.String("device_id", deviceID),
		zap.Int("write_access_level", updated.WriteAccessLevel))
	return updated, nil
}

// UpdateSettings issues an update_settings command. A per-setting
// "permission denied" outcome inside a successful response surfaces as
// PermissionError naming the first denied setting.
func (c *Client) UpdateSettings(ctx context.Context, deviceID string, settings map[string]any) (*CommandResponse, error) {
	payload := map[string]any{"command": updateSettingsCommand{UpdateSettings: settings}}
	path := fmt.Sprintf("api/commands/v1/devices/%s/commands?%s", deviceID, commandQuery)

	var res CommandResponse
	if err := c.post(ctx, path, deviceID, payload, &res); err != nil {
		return nil, err
	}
	for name, outcome := range res.Response {
		if outcome == "permission denied" {
			return nil, &PermissionError{DeviceID: deviceID, Setting: name}
		}
	}
	return &res, nil
}

// SetAdditionalHotWater activates, extends or cancels the extra hot
// water boost. stopTime is ignored when indefinite or cancel is set.
func (c *Client) SetAdditionalHotWater(ctx context.Context, deviceID string, stopTime *time.Time, indefinite, cancel bool) (*CommandResponse, error) {
	cmd := hotWaterCommand{Indefinite: indefinite, Cancel: cancel}
	if stopTime != nil && !indefinite && !cancel {
		s := stopTime.UTC().Format("2006-01-02T15:04:05.000Z")
		cmd.StopTime = &s
	}
	payload := map[string]any{"command": map[string]any{"set_additional_hot_water": cmd}}
	path := fmt.Sprintf("api/commands/v1/devices/%s/commands?%s", deviceID, commandQuery)

	var res CommandResponse
	if err := c.post(ctx, path, deviceID, payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) get(ctx context.Context, path, deviceID string, out any) error {
	return c.call(ctx, http.MethodGet, path, deviceID, nil, out)
}

func (c *Client) post(ctx context.Context, path, deviceID string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.call(ctx, http.MethodPost, path, deviceID, body, out)
}

// call runs one logical API call: transient failures retry with
// backoff, everything else surfaces immediately.
func (c *Client) call(ctx context.Context, method, path, deviceID string, body []byte, out any) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	policy.MaxInterval = 10 * time.Second

	operation := func() error {
		err := c.attempt(ctx, method, path, deviceID, body, out)
		if err != nil && !IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, c.maxRetries), ctx))
}

// attempt performs a single request cycle, including the one forced
// token refresh that disambiguates an expired-token race from a real
// permission problem: a 401/403 on a cached token earns one retry with
// a fresh token, a 401/403 on a freshly obtained token is genuine and
// is never replayed.
func (c *Client) attempt(ctx context.Context, method, path, deviceID string, body []byte, out any) error {
	token, fresh, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	status, err := c.roundTrip(ctx, method, path, token, body, out)
	if err != nil {
		return err
	}
	if (status == http.StatusUnauthorized || status == http.StatusForbidden) && !fresh {
		c.tokens.Invalidate()
		retryToken, _, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		status, err = c.roundTrip(ctx, method, path, retryToken, body, out)
		if err != nil {
			return err
		}
	}

	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized:
		return &AuthError{Reason: ReasonInvalidCredentials, Err: fmt.Errorf("token rejected for %s", path)}
	case status == http.StatusForbidden:
		return &PermissionError{DeviceID: deviceID}
	case status == http.StatusNotFound:
		return &DeviceUnavailableError{DeviceID: deviceID}
	case status == http.StatusTooManyRequests || status >= 500:
		return &TransientError{StatusCode: status, Err: fmt.Errorf("%s %s", method, path)}
	default:
		return fmt.Errorf("unexpected status %d from %s %s", status, method, path)
	}
}

// roundTrip issues the HTTP request. Network-level failures map to
// TransientError; HTTP status handling stays with the caller.
func (c *Client) roundTrip(ctx context.Context, method, path, token string, body []byte, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+"/"+path, reader)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)

	res, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, &TransientError{Err: err}
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return res.StatusCode, nil
	}
	if out == nil {
		return res.StatusCode, nil
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return 0, &TransientError{Err: err}
	}
	// Some command endpoints return empty bodies.
	if len(data) == 0 {
		return res.StatusCode, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return 0, fmt.Errorf("decoding %s response: %w", path, err)
	}
	return res.StatusCode, nil
}
