// Package server exposes the controller over HTTP: read access to
// devices and snapshots, and write access to settings, hot water boost
// and the access-elevation policy.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/anicoll/qvantum-integration/internal/pkg/access"
	"github.com/anicoll/qvantum-integration/internal/pkg/model"
	"github.com/anicoll/qvantum-integration/internal/pkg/qvantum"
	"github.com/anicoll/qvantum-integration/internal/pkg/store"
)

type snapshotSource interface {
	Snapshot(deviceID string) (*model.Snapshot, bool)
}

type commands interface {
	ApplySetting(ctx context.Context, deviceID, name string, value any) error
	SetSmartControl(ctx context.Context, deviceID string, heating, hotWater int) error
	ActivateBoost(ctx context.Context, deviceID string, hours int) error
	ActivateBoostIndefinite(ctx context.Context, deviceID string) error
	CancelBoost(ctx context.Context, deviceID string) error
}

type accessManager interface {
	State(deviceID string) access.State
	AutoElevate(deviceID string) bool
	SetAutoElevate(ctx context.Context, deviceID string, enabled bool) error
	Elevate(ctx context.Context, deviceID string) error
}

type historySource interface {
	History(ctx context.Context, identifier, metric string, from, to *time.Time) ([]store.HistoryRow, error)
}

type server struct {
	devices    []model.Device
	fast       snapshotSource
	normal     snapshotSource
	dispatcher commands
	access     accessManager
	history    historySource
	logger     *zap.Logger
}

func New(devices []model.Device, fast, normal snapshotSource, d commands, a accessManager, h historySource) *server {
	return &server{
		devices:    devices,
		fast:       fast,
		normal:     normal,
		dispatcher: d,
		access:     a,
		history:    h,
		logger:     zap.L().With(zap.String("component", "server")),
	}
}

// Router builds the HTTP route tree.
func (s *server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(LoggingMiddleware)

	r.Get("/devices", s.listDevices)
	r.Route("/devices/{deviceID}", func(r chi.Router) {
		r.Get("/snapshot", s.getSnapshot)
		r.Get("/history", s.getHistory)
		r.Post("/settings/{name}", s.postSetting)
		r.Post("/smart-control", s.postSmartControl)
		r.Post("/boost", s.postBoost)
		r.Delete("/boost", s.deleteBoost)
		r.Post("/elevate", s.postElevate)
		r.Put("/auto-elevate", s.putAutoElevate)
	})
	return r
}

type deviceSummary struct {
	ID           string `json:"id"`
	SerialNumber string `json:"serial_number"`
	Model        string `json:"model"`
	Manufacturer string `json:"manufacturer"`
	AccessState  string `json:"access_state"`
	AutoElevate  bool   `json:"auto_elevate"`
}

func (s *server) listDevices(w http.ResponseWriter, r *http.Request) {
	out := lo.Map(s.devices, func(d model.Device, _ int) deviceSummary {
		return deviceSummary{
			ID:           d.ID,
			SerialNumber: d.SerialNumber,
			Model:        d.Model,
			Manufacturer: d.Manufacturer,
			AccessState:  s.access.State(d.ID).String(),
			AutoElevate:  s.access.AutoElevate(d.ID),
		}
	})
	writeJSON(w, http.StatusOK, out)
}

type snapshotResponse struct {
	DeviceID         string            `json:"device_id"`
	Metrics          map[string]string `json:"metrics"`
	Alarms           []alarmResponse   `json:"alarms"`
	TakenAt          time.Time         `json:"taken_at"`
	Connected        bool              `json:"connected"`
	DisconnectReason string            `json:"disconnect_reason,omitempty"`
}

type alarmResponse struct {
	Code        string    `json:"code"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	RaisedAt    time.Time `json:"raised_at"`
}

// getSnapshot merges the normal snapshot with the fresher fast one.
// Fast metrics win when both carry the same name.
func (s *server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if !s.knownDevice(deviceID) {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}

	normal, normalOK := s.normal.Snapshot(deviceID)
	fast, fastOK := s.fast.Snapshot(deviceID)
	if !normalOK && !fastOK {
		http.Error(w, "no snapshot yet", http.StatusServiceUnavailable)
		return
	}

	merged := normal.Clone()
	if merged == nil {
		merged = &model.Snapshot{DeviceID: deviceID, Metrics: make(map[string]model.Value)}
	}
	if fastOK {
		for name, v := range fast.Metrics {
			merged.Metrics[name] = v
		}
		if fast.TakenAt.After(merged.TakenAt) {
			merged.TakenAt = fast.TakenAt
		}
		merged.Connected = merged.Connected || fast.Connected
	}

	out := snapshotResponse{
		DeviceID:         merged.DeviceID,
		Metrics:          make(map[string]string, len(merged.Metrics)),
		Alarms:           make([]alarmResponse, 0, len(merged.Alarms)),
		TakenAt:          merged.TakenAt,
		Connected:        merged.Connected,
		DisconnectReason: merged.DisconnectReason,
	}
	for name, v := range merged.Metrics {
		out.Metrics[name] = v.String()
	}
	for _, a := range merged.Alarms {
		out.Alarms = append(out.Alarms, alarmResponse{
			Code:        a.Code,
			Severity:    a.Severity.String(),
			Description: a.Description,
			RaisedAt:    a.RaisedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) getHistory(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	dev, ok := s.device(deviceID)
	if !ok {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		http.Error(w, "metric query parameter is required", http.StatusBadRequest)
		return
	}
	from, to, err := parseRange(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	rows, err := s.history.History(r.Context(), dev.Identifier(), metric, from, to)
	if err != nil {
		s.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

type settingPayload struct {
	Value any `json:"value"`
}

func (s *server) postSetting(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	name := chi.URLParam(r, "name")
	payload, err := unmarshalPayload[settingPayload](r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.dispatcher.ApplySetting(r.Context(), deviceID, name, payload.Value); err != nil {
		s.handleError(w, err)
		return
	}
	s.logger.Info("setting applied", zap.String("device_id", deviceID), zap.String("setting", name))
	writeSuccess(w)
}

type smartControlPayload struct {
	Heating  int `json:"heating"`
	HotWater int `json:"hot_water"`
}

func (s *server) postSmartControl(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	payload, err := unmarshalPayload[smartControlPayload](r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.dispatcher.SetSmartControl(r.Context(), deviceID, payload.Heating, payload.HotWater); err != nil {
		s.handleError(w, err)
		return
	}
	writeSuccess(w)
}

type boostPayload struct {
	Hours      int  `json:"hours"`
	Indefinite bool `json:"indefinite"`
}

func (s *server) postBoost(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	payload, err := unmarshalPayload[boostPayload](r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if payload.Indefinite {
		err = s.dispatcher.ActivateBoostIndefinite(r.Context(), deviceID)
	} else {
		err = s.dispatcher.ActivateBoost(r.Context(), deviceID, payload.Hours)
	}
	if err != nil {
		s.handleError(w, err)
		return
	}
	s.logger.Info("hot water boost activated",
		zap.String("device_id", deviceID), zap.Bool("indefinite", payload.Indefinite))
	writeSuccess(w)
}

func (s *server) deleteBoost(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if err := s.dispatcher.CancelBoost(r.Context(), deviceID); err != nil {
		s.handleError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *server) postElevate(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if !s.knownDevice(deviceID) {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}
	if err := s.access.Elevate(r.Context(), deviceID); err != nil {
		s.handleError(w, err)
		return
	}
	writeSuccess(w)
}

type autoElevatePayload struct {
	Enabled bool `json:"enabled"`
}

func (s *server) putAutoElevate(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if !s.knownDevice(deviceID) {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}
	payload, err := unmarshalPayload[autoElevatePayload](r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.access.SetAutoElevate(r.Context(), deviceID, payload.Enabled); err != nil {
		s.handleError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *server) device(id string) (model.Device, bool) {
	return lo.Find(s.devices, func(d model.Device) bool { return d.ID == id })
}

func (s *server) knownDevice(id string) bool {
	_, ok := s.device(id)
	return ok
}

// handleError maps the command error taxonomy onto HTTP statuses.
func (s *server) handleError(w http.ResponseWriter, err error) {
	switch {
	case qvantum.IsValidationError(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case qvantum.IsPermissionDenied(err):
		http.Error(w, err.Error(), http.StatusForbidden)
	case qvantum.IsDeviceUnavailable(err):
		http.Error(w, err.Error(), http.StatusNotFound)
	case qvantum.IsAuthError(err), qvantum.IsTransient(err):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		s.logger.Error("request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseRange(r *http.Request) (*time.Time, *time.Time, error) {
	var from, to *time.Time
	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, nil, errors.New("from must be RFC3339")
		}
		from = &t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, nil, errors.New("to must be RFC3339")
		}
		to = &t
	}
	return from, to, nil
}

func writeJSON(w http.ResponseWriter, status int, out any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(out)
}

func writeSuccess(w http.ResponseWriter) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("success"))
}

func unmarshalPayload[T any](r *http.Request) (*T, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
