package qvantum

import (
	"encoding/json"
	"time"
)

// DeviceRecord is one device as returned by the inventory endpoint.
type DeviceRecord struct {
	ID       string `json:"id"`
	Serial   string `json:"serial"`
	Model    string `json:"model"`
	Vendor   string `json:"vendor"`
	Firmware struct {
		DisplayVersion  string `json:"display_version"`
		ControlVersion  string `json:"control_version"`
		InverterVersion string `json:"inverter_version"`
	} `json:"firmware"`
}

type devicesResponse struct {
	Devices []DeviceRecord `json:"devices"`
}

// MetricsResponse carries internal metric readings keyed by name.
// Values arrive as JSON numbers, booleans or strings depending on the
// metric, hence the raw message.
type MetricsResponse struct {
	DeviceID string                     `json:"device_id"`
	Time     time.Time                  `json:"time"`
	Values   map[string]json.RawMessage `json:"values"`
}

// StatusResponse is the device status document ("metrics=now" view).
type StatusResponse struct {
	DeviceID string                     `json:"device_id"`
	Metrics  map[string]json.RawMessage `json:"metrics"`
}

// Setting is one current setting value.
type Setting struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

type settingsResponse struct {
	Settings []Setting `json:"settings"`
}

// SettingDefinition describes a writable setting from the settings
// inventory: type, bounds and access requirements.
type SettingDefinition struct {
	Name        string   `json:"name"`
	DataType    string   `json:"data_type"`
	ReadOnly    bool     `json:"read_only"`
	Min         *float64 `json:"min"`
	Max         *float64 `json:"max"`
	Step        *float64 `json:"step"`
	Options     []string `json:"options"`
	Description string   `json:"description"`
}

type settingsInventoryResponse struct {
	Settings []SettingDefinition `json:"settings"`
}

// MetricDefinition describes one metric from the metrics inventory.
type MetricDefinition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Unit        string `json:"unit"`
}

type metricsInventoryResponse struct {
	Metrics []MetricDefinition `json:"metrics"`
}

// AlarmRecord is one alarm on the wire. The endpoint returns active and
// historical alarms alike; IsActive separates them.
type AlarmRecord struct {
	Code        string    `json:"code"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	IsActive    bool      `json:"is_active"`
	RaisedAt    time.Time `json:"raised_at"`
}

type alarmsResponse struct {
	Alarms []AlarmRecord `json:"alarms"`
}

// AlarmDefinition describes one possible alarm from the alarm inventory.
type AlarmDefinition struct {
	Code        string `json:"code"`
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

type alarmsInventoryResponse struct {
	Alarms []AlarmDefinition `json:"alarms"`
}

// AccessLevelInfo reports the account's privilege tier for one device.
// WriteAccessLevel >= ElevatedWriteLevel means service-technician
// access; ExpiresAt is set while an elevation grant is active.
type AccessLevelInfo struct {
	ReadAccessLevel  int        `json:"readAccessLevel"`
	WriteAccessLevel int        `json:"writeAccessLevel"`
	ExpiresAt        *time.Time `json:"expiresAt"`
}

// ElevatedWriteLevel is the write access level granted to service
// technicians.
const ElevatedWriteLevel = 20

func (a AccessLevelInfo) Elevated() bool {
	return a.WriteAccessLevel >= ElevatedWriteLevel
}

type accessCodeResponse struct {
	AccessCode string `json:"accessCode"`
}

// CommandResponse is the command API result. Response maps each
// requested setting to a per-setting outcome string; "permission
// denied" inside a 2xx response still means the write was refused.
type CommandResponse struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Response map[string]string `json:"response"`
}

type updateSettingsCommand struct {
	UpdateSettings map[string]any `json:"update_settings"`
}

type hotWaterCommand struct {
	StopTime   *string `json:"stopTime"`
	Indefinite bool    `json:"indefinite"`
	Cancel     bool    `json:"cancel"`
}
