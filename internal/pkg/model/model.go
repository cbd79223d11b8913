package model

import (
	"strconv"
	"strings"
	"time"
)

// Device is the immutable identity of a heat pump as discovered from the
// cloud inventory. Firmware fields may be refreshed on rediscovery,
// everything else is fixed for the lifetime of the device.
type Device struct {
	ID               string
	SerialNumber     string
	Model            string
	Manufacturer     string
	FirmwareDisplay  string
	FirmwareControl  string
	FirmwareInverter string
}

// Identifier is the stable slug used to key a device in published
// samples and persisted history.
func (d Device) Identifier() string {
	return strings.ReplaceAll(d.Model, ".", "") + "_" + d.SerialNumber
}

// AccessLevel is the privilege tier the cloud account currently holds
// for a device.
type AccessLevel int

const (
	AccessStandard AccessLevel = iota
	AccessElevated
)

func (a AccessLevel) String() string {
	if a == AccessElevated {
		return "elevated"
	}
	return "standard"
}

// DeviceState is the durable per-device state: the last confirmed
// access level and the auto-elevate policy flag.
type DeviceState struct {
	Level       AccessLevel
	AutoElevate bool
}

// ValueKind discriminates the typed metric values carried in a snapshot.
type ValueKind int

const (
	KindFloat ValueKind = iota
	KindBool
	KindEnum
	KindTimestamp
)

// Value is a single typed metric reading.
type Value struct {
	Kind  ValueKind
	Float float64
	Bool  bool
	Enum  string
	Time  time.Time
}

func FloatValue(f float64) Value  { return Value{Kind: KindFloat, Float: f} }
func BoolValue(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func EnumValue(s string) Value    { return Value{Kind: KindEnum, Enum: s} }
func TimeValue(t time.Time) Value { return Value{Kind: KindTimestamp, Time: t} }

// String renders the value the way it is published to sinks.
func (v Value) String() string {
	switch v.Kind {
	case KindBool:
		return strconv.FormatBool(v.Bool)
	case KindEnum:
		return v.Enum
	case KindTimestamp:
		return v.Time.Format(time.RFC3339)
	default:
		return strconv.FormatFloat(v.Float, 'f', -1, 64)
	}
}

// Severity orders alarms from least to most urgent.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeveritySevere
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeveritySevere:
		return "severe"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// ParseSeverity maps the wire severity string, defaulting unknown
// values to info rather than failing the whole alarm set. The cloud
// reports severities in uppercase ("CRITICAL", "SEVERE", "WARNING",
// "INFO"); the match is case-insensitive.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(s) {
	case "critical":
		return SeverityCritical
	case "severe":
		return SeveritySevere
	case "warning":
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Alarm is one active alarm as of one poll cycle. Alarms carry no
// identity across cycles; every poll produces a fresh set.
type Alarm struct {
	Code        string
	Severity    Severity
	Description string
	RaisedAt    time.Time
}

// Snapshot is the complete, atomically published state of one device as
// of one poll cycle. A snapshot is never mutated after publication; the
// owning coordinator replaces the whole thing on the next successful
// tick.
type Snapshot struct {
	DeviceID         string
	Metrics          map[string]Value
	Alarms           []Alarm
	TakenAt          time.Time
	Connected        bool
	DisconnectReason string
}

// Clone returns a copy safe to extend into the next cycle's snapshot
// without aliasing the published one.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Metrics = make(map[string]Value, len(s.Metrics))
	for k, v := range s.Metrics {
		cp.Metrics[k] = v
	}
	cp.Alarms = append([]Alarm(nil), s.Alarms...)
	return &cp
}
