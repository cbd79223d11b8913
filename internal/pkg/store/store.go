// Package store persists the controller's durable state in postgres:
// refresh tokens, per-device access state, and a rolling history of
// published metric samples. The store doubles as a publisher sink so
// every changed sample lands in snapshot_history.
package store

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/anicoll/qvantum-integration/internal/pkg/model"
	"github.com/anicoll/qvantum-integration/internal/pkg/publisher"
)

// ErrNotFound reports that the requested row does not exist.
var ErrNotFound = errors.New("not found")

const historyRetentionDays = 8

type Store struct {
	conn *pgx.Conn
	io.Closer
}

func New(conn *pgx.Conn) *Store {
	return &Store{conn: conn}
}

func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close(context.Background())
}

// SaveRefreshToken upserts the refresh token for an account so the
// process can resume its session after a restart without a password
// login.
func (s *Store) SaveRefreshToken(ctx context.Context, email, token string) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO auth_state (email, refresh_token, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (email) DO UPDATE
		SET refresh_token = EXCLUDED.refresh_token, updated_at = now();`,
		email, token)
	return err
}

func (s *Store) RefreshToken(ctx context.Context, email string) (string, error) {
	var token string
	err := s.conn.QueryRow(ctx,
		`SELECT refresh_token FROM auth_state WHERE email = $1;`, email,
	).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return token, err
}

// SaveDeviceState upserts the confirmed access level and auto-elevate
// policy for a device.
func (s *Store) SaveDeviceState(ctx context.Context, deviceID string, level model.AccessLevel, autoElevate bool) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO device_state (device_id, access_level, auto_elevate, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (device_id) DO UPDATE
		SET access_level = EXCLUDED.access_level,
		    auto_elevate = EXCLUDED.auto_elevate,
		    updated_at = now();`,
		deviceID, level.String(), autoElevate)
	return err
}

func (s *Store) DeviceStates(ctx context.Context) (map[string]model.DeviceState, error) {
	rows, err := s.conn.Query(ctx,
		`SELECT device_id, access_level, auto_elevate FROM device_state;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	states := make(map[string]model.DeviceState)
	for rows.Next() {
		var (
			deviceID string
			level    string
			st       model.DeviceState
		)
		if err := rows.Scan(&deviceID, &level, &st.AutoElevate); err != nil {
			return nil, err
		}
		if level == model.AccessElevated.String() {
			st.Level = model.AccessElevated
		}
		states[deviceID] = st
	}
	return states, rows.Err()
}

// RegisterDevice records a discovered device. Firmware versions are
// refreshed on conflict since they change across updates.
func (s *Store) RegisterDevice(device *model.Device) error {
	_, err := s.conn.Exec(context.Background(), `
		INSERT INTO device (id, serial_number, model, manufacturer, firmware_display, firmware_control, firmware_inverter)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET firmware_display = EXCLUDED.firmware_display,
		    firmware_control = EXCLUDED.firmware_control,
		    firmware_inverter = EXCLUDED.firmware_inverter;`,
		device.ID, device.SerialNumber, device.Model, device.Manufacturer,
		device.FirmwareDisplay, device.FirmwareControl, device.FirmwareInverter)
	return err
}

// Write appends published samples to snapshot_history in one
// transaction.
func (s *Store) Write(ctx context.Context, samples []publisher.Sample) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, sample := range samples {
		if _, err := tx.Exec(ctx, `
			INSERT INTO snapshot_history (taken_at, identifier, metric, value, unit_of_measurement)
			VALUES ($1, $2, $3, $4, $5);`,
			sample.Timestamp, sample.Identifier, sample.Metric, sample.Value, sample.Unit); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// HistoryRow is one persisted sample.
type HistoryRow struct {
	ID         int64     `json:"id"`
	TakenAt    time.Time `json:"taken_at"`
	Identifier string    `json:"identifier"`
	Metric     string    `json:"metric"`
	Value      string    `json:"value"`
	Unit       string    `json:"unit_of_measurement"`
}

// History returns samples for one metric of one device, newest first.
// A nil range defaults to the last two days.
func (s *Store) History(ctx context.Context, identifier, metric string, from, to *time.Time) ([]HistoryRow, error) {
	if from == nil || to == nil {
		f := time.Now().AddDate(0, 0, -2)
		t := time.Now()
		from, to = &f, &t
	}
	rows, err := s.conn.Query(ctx, `
		SELECT id, taken_at, identifier, metric, value, unit_of_measurement
		FROM snapshot_history
		WHERE identifier = $1 AND metric = $2 AND taken_at BETWEEN $3 AND $4
		ORDER BY taken_at DESC;`,
		identifier, metric, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []HistoryRow
	for rows.Next() {
		var row HistoryRow
		if err := rows.Scan(&row.ID, &row.TakenAt, &row.Identifier, &row.Metric, &row.Value, &row.Unit); err != nil {
			return nil, err
		}
		history = append(history, row)
	}
	return history, rows.Err()
}

// Cleanup removes history rows past the retention window.
func (s *Store) Cleanup(ctx context.Context) error {
	_, err := s.conn.Exec(ctx,
		`DELETE FROM snapshot_history WHERE taken_at < $1;`,
		time.Now().AddDate(0, 0, -historyRetentionDays))
	return err
}
