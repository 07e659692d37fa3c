package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jgoulah/watermeter/pkg/models"
	_ "modernc.org/sqlite"
)

// ErrDeviceNotFound is returned when a device id is not stored
var ErrDeviceNotFound = errors.New("device not found")

// DB wraps the database connection. It is the local device registry: it
// stores paired devices and their credentials, the last capability values and
// settings, availability, and the history of fetched readings.
type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// New creates a new database connection and initializes the schema
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// SQLite allows a single writer; pollers share one connection
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, now: time.Now}
	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables
func (db *DB) initSchema() error {
	schema := `
	PRAGMA foreign_keys = ON;
	CREATE TABLE IF NOT EXISTS devices (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		password TEXT NOT NULL,
		section_id TEXT NOT NULL,
		available INTEGER NOT NULL DEFAULT 1,
		unavailable_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS capabilities (
		device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		capability TEXT NOT NULL,
		value REAL NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (device_id, capability)
	);
	CREATE TABLE IF NOT EXISTS settings (
		device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		PRIMARY KEY (device_id, key)
	);
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id TEXT NOT NULL REFERENCES devices(id) ON DELETE CASCADE,
		value REAL NOT NULL,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		fetched_at TEXT NOT NULL,
		published INTEGER DEFAULT 0,
		UNIQUE(device_id, period_start)
	);
	CREATE INDEX IF NOT EXISTS idx_readings_device ON readings(device_id);
	CREATE INDEX IF NOT EXISTS idx_readings_published ON readings(published);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// CreateDevice stores a newly paired device
func (db *DB) CreateDevice(ctx context.Context, d *models.Device) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = db.now().UTC()
	}
	query := `
	INSERT INTO devices (id, name, email, password, section_id, available, unavailable_reason, created_at)
	VALUES (?, ?, ?, ?, ?, 1, '', ?)
	`
	_, err := db.conn.ExecContext(ctx, query, d.ID, d.Name, d.Email, d.Password, d.SectionID, d.CreatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting device: %w", err)
	}
	d.Available = true
	return nil
}

// GetDevice retrieves a device by id
func (db *DB) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	query := `
	SELECT id, name, email, password, section_id, available, unavailable_reason, created_at
	FROM devices
	WHERE id = ?
	`
	d, err := scanDevice(db.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device: %w", err)
	}
	return d, nil
}

// ListDevices retrieves all devices ordered by creation time
func (db *DB) ListDevices(ctx context.Context) ([]models.Device, error) {
	query := `
	SELECT id, name, email, password, section_id, available, unavailable_reason, created_at
	FROM devices
	ORDER BY created_at, id
	`
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var results []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		results = append(results, *d)
	}
	return results, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*models.Device, error) {
	var d models.Device
	var available int
	var createdAt string
	if err := row.Scan(&d.ID, &d.Name, &d.Email, &d.Password, &d.SectionID, &available, &d.UnavailableReason, &createdAt); err != nil {
		return nil, err
	}
	d.Available = available == 1
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	d.CreatedAt = t
	return &d, nil
}

// RenameDevice changes a device's display name
func (db *DB) RenameDevice(ctx context.Context, id, name string) error {
	return db.updateDevice(ctx, `UPDATE devices SET name = ? WHERE id = ?`, name, id)
}

// DeleteDevice removes a device with its values and readings
func (db *DB) DeleteDevice(ctx context.Context, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"readings", "capabilities", "settings"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE device_id = ?`, id); err != nil {
			return fmt.Errorf("deleting %s: %w", table, err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	} else if n == 0 {
		return ErrDeviceNotFound
	}
	return tx.Commit()
}

// SaveCredentials stores new credentials for a device
func (db *DB) SaveCredentials(ctx context.Context, deviceID string, creds models.Credentials) error {
	return db.updateDevice(ctx, `UPDATE devices SET email = ?, password = ? WHERE id = ?`, creds.Email, creds.Password, deviceID)
}

// SetAvailable marks a device available
func (db *DB) SetAvailable(ctx context.Context, deviceID string) error {
	return db.updateDevice(ctx, `UPDATE devices SET available = 1, unavailable_reason = '' WHERE id = ?`, deviceID)
}

// SetUnavailable marks a device unavailable with a user-facing reason
func (db *DB) SetUnavailable(ctx context.Context, deviceID, reason string) error {
	return db.updateDevice(ctx, `UPDATE devices SET available = 0, unavailable_reason = ? WHERE id = ?`, reason, deviceID)
}

func (db *DB) updateDevice(ctx context.Context, query string, args ...any) error {
	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking affected rows: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// SetCapabilityValue stores the latest value of a device capability
func (db *DB) SetCapabilityValue(ctx context.Context, deviceID, capability string, value float64) error {
	query := `
	INSERT INTO capabilities (device_id, capability, value, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(device_id, capability) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	_, err := db.conn.ExecContext(ctx, query, deviceID, capability, value, db.now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("storing capability %s: %w", capability, err)
	}
	return nil
}

// CapabilityValue is a stored capability value
type CapabilityValue struct {
	Value     float64
	UpdatedAt time.Time
}

// GetCapabilities returns all stored capability values for a device
func (db *DB) GetCapabilities(ctx context.Context, deviceID string) (map[string]CapabilityValue, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT capability, value, updated_at FROM capabilities WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("querying capabilities: %w", err)
	}
	defer rows.Close()

	results := make(map[string]CapabilityValue)
	for rows.Next() {
		var name, updatedAt string
		var cv CapabilityValue
		if err := rows.Scan(&name, &cv.Value, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		cv.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		results[name] = cv
	}
	return results, rows.Err()
}

// SetSettings stores device settings
func (db *DB) SetSettings(ctx context.Context, deviceID string, settings map[string]string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
	INSERT INTO settings (device_id, key, value) VALUES (?, ?, ?)
	ON CONFLICT(device_id, key) DO UPDATE SET value = excluded.value
	`
	for k, v := range settings {
		if _, err := tx.ExecContext(ctx, query, deviceID, k, v); err != nil {
			return fmt.Errorf("storing setting %s: %w", k, err)
		}
	}
	return tx.Commit()
}

// GetSettings returns all stored settings for a device
func (db *DB) GetSettings(ctx context.Context, deviceID string) (map[string]string, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT key, value FROM settings WHERE device_id = ?`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("querying settings: %w", err)
	}
	defer rows.Close()

	results := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		results[k] = v
	}
	return results, rows.Err()
}

// RecordReading inserts a reading, ignoring a period already stored for the device
func (db *DB) RecordReading(ctx context.Context, deviceID string, r models.Reading) error {
	query := `
	INSERT OR IGNORE INTO readings (device_id, value, period_start, period_end, fetched_at)
	VALUES (?, ?, ?, ?, ?)
	`
	fetchedAt := r.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = db.now()
	}
	_, err := db.conn.ExecContext(ctx, query, deviceID, r.Value, r.PeriodStart, r.PeriodEnd, fetchedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("inserting reading: %w", err)
	}
	return nil
}

// ListReadings retrieves readings for a device, newest period first
func (db *DB) ListReadings(ctx context.Context, deviceID string) ([]models.Reading, error) {
	return db.queryReadings(ctx, `
	SELECT id, device_id, value, period_start, period_end, fetched_at
	FROM readings
	WHERE device_id = ?
	ORDER BY period_start DESC
	`, deviceID)
}

// LatestReading returns the most recent reading of a device, or nil
func (db *DB) LatestReading(ctx context.Context, deviceID string) (*models.Reading, error) {
	readings, err := db.queryReadings(ctx, `
	SELECT id, device_id, value, period_start, period_end, fetched_at
	FROM readings
	WHERE device_id = ?
	ORDER BY period_start DESC
	LIMIT 1
	`, deviceID)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, nil
	}
	return &readings[0], nil
}

// ListUnpublishedReadings retrieves readings not yet published, oldest first
func (db *DB) ListUnpublishedReadings(ctx context.Context) ([]models.Reading, error) {
	return db.queryReadings(ctx, `
	SELECT id, device_id, value, period_start, period_end, fetched_at
	FROM readings
	WHERE published = 0
	ORDER BY period_start ASC
	`)
}

func (db *DB) queryReadings(ctx context.Context, query string, args ...any) ([]models.Reading, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}
	defer rows.Close()

	var results []models.Reading
	for rows.Next() {
		var r models.Reading
		var fetchedAt string
		if err := rows.Scan(&r.ID, &r.DeviceID, &r.Value, &r.PeriodStart, &r.PeriodEnd, &fetchedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		r.FetchedAt, err = time.Parse(time.RFC3339, fetchedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing fetched_at: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// MarkPublished marks a reading as published
func (db *DB) MarkPublished(ctx context.Context, id int) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE readings SET published = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("marking reading as published: %w", err)
	}
	return nil
}

// MarkPeriodPublished marks the reading of a device period as published
func (db *DB) MarkPeriodPublished(ctx context.Context, deviceID, periodStart string) error {
	_, err := db.conn.ExecContext(ctx, `UPDATE readings SET published = 1 WHERE device_id = ? AND period_start = ?`, deviceID, periodStart)
	if err != nil {
		return fmt.Errorf("marking period as published: %w", err)
	}
	return nil
}
