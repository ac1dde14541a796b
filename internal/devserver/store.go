// FilePath: internal/devserver/store.go
package devserver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	"github.com/hqbc/devrec/internal/models"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                TEXT PRIMARY KEY,
	username          TEXT NOT NULL UNIQUE,
	password_hash     TEXT NOT NULL,
	email             TEXT NOT NULL DEFAULT '',
	phone             TEXT NOT NULL DEFAULT '',
	biometric_enabled INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS devices (
	ma_thiet_bi     TEXT PRIMARY KEY,
	ma_thiet_bi_cha TEXT NOT NULL DEFAULT '',
	ten_thiet_bi    TEXT NOT NULL DEFAULT '',
	code            TEXT NOT NULL DEFAULT '',
	qr_code         TEXT NOT NULL DEFAULT '',
	ma_nha_may      TEXT NOT NULL DEFAULT '',
	stt             INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS parameters (
	ma_thiet_bi  TEXT NOT NULL,
	ma_thong_so  TEXT NOT NULL,
	ten_thong_so TEXT NOT NULL DEFAULT '',
	ky_hieu      TEXT NOT NULL DEFAULT '',
	dvt          TEXT NOT NULL DEFAULT '',
	stt          INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (ma_thiet_bi, ma_thong_so)
);

CREATE TABLE IF NOT EXISTS readings (
	ma_thiet_bi    TEXT NOT NULL,
	ma_thong_so    TEXT NOT NULL,
	ngay_gio       TEXT NOT NULL,
	gia_tri        REAL,
	nguoi_nhap     TEXT NOT NULL DEFAULT '',
	thoi_diem_nhap TEXT NOT NULL DEFAULT '',
	nguoi_sua      TEXT NOT NULL DEFAULT '',
	thoi_diem_sua  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (ma_thiet_bi, ma_thong_so, ngay_gio)
);`

// Store is the dev server's sqlite-backed persistence. It keeps the
// same named-query style as a production repository but runs without
// any external database.
type Store struct {
	db *sqlx.DB
}

// OpenStore opens (and migrates) the sqlite database at path
func OpenStore(path string) (*Store, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// sqlite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

type userRow struct {
	ID               string `db:"id"`
	Username         string `db:"username"`
	PasswordHash     string `db:"password_hash"`
	Email            string `db:"email"`
	Phone            string `db:"phone"`
	BiometricEnabled bool   `db:"biometric_enabled"`
}

func (u *userRow) info() models.UserInfo {
	return models.UserInfo{
		UserID:   u.ID,
		Username: u.Username,
		Email:    u.Email,
		Phone:    u.Phone,
	}
}

type deviceRow struct {
	ID       string `db:"ma_thiet_bi"`
	ParentID string `db:"ma_thiet_bi_cha"`
	Name     string `db:"ten_thiet_bi"`
	Code     string `db:"code"`
	QRCode   string `db:"qr_code"`
	PlantID  string `db:"ma_nha_may"`
	Seq      int    `db:"stt"`
}

func (d *deviceRow) model() models.Device {
	return models.Device{
		ID:       d.ID,
		ParentID: d.ParentID,
		Name:     d.Name,
		Code:     d.Code,
		QRCode:   d.QRCode,
		PlantID:  d.PlantID,
		Seq:      d.Seq,
	}
}

type parameterRow struct {
	DeviceID string `db:"ma_thiet_bi"`
	ID       string `db:"ma_thong_so"`
	Name     string `db:"ten_thong_so"`
	Symbol   string `db:"ky_hieu"`
	Unit     string `db:"dvt"`
	Seq      int    `db:"stt"`
}

func (p *parameterRow) model() models.Parameter {
	return models.Parameter{
		ID:     p.ID,
		Name:   p.Name,
		Symbol: p.Symbol,
		Unit:   p.Unit,
		Seq:    p.Seq,
	}
}

type readingRow struct {
	DeviceID    string          `db:"ma_thiet_bi"`
	ParameterID string          `db:"ma_thong_so"`
	At          string          `db:"ngay_gio"`
	Value       sql.NullFloat64 `db:"gia_tri"`
	EnteredBy   string          `db:"nguoi_nhap"`
	EnteredAt   string          `db:"thoi_diem_nhap"`
	EditedBy    string          `db:"nguoi_sua"`
	EditedAt    string          `db:"thoi_diem_sua"`
}

// CreateUser registers a user with a bcrypt-hashed password
func (s *Store) CreateUser(ctx context.Context, username, password, email, phone string) (*userRow, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	user := &userRow{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: string(hash),
		Email:        email,
		Phone:        phone,
	}
	query := `
		INSERT INTO users (id, username, password_hash, email, phone, biometric_enabled)
		VALUES (:id, :username, :password_hash, :email, :phone, :biometric_enabled)`
	if _, err := s.db.NamedExecContext(ctx, query, user); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, errDuplicateUser
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// Authenticate verifies the credentials and returns the matching user
func (s *Store) Authenticate(ctx context.Context, username, password string) (*userRow, error) {
	user := &userRow{}
	err := s.db.GetContext(ctx, user, `SELECT * FROM users WHERE username = $1`, username)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errBadCredentials
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, errBadCredentials
	}
	return user, nil
}

// GetUser loads one user by id
func (s *Store) GetUser(ctx context.Context, id string) (*userRow, error) {
	user := &userRow{}
	err := s.db.GetContext(ctx, user, `SELECT * FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

// SetBiometric toggles biometric unlock for a user
func (s *Store) SetBiometric(ctx context.Context, userID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET biometric_enabled = $1 WHERE id = $2`, enabled, userID)
	if err != nil {
		return fmt.Errorf("failed to update biometric flag: %w", err)
	}
	return nil
}

// ChangePassword verifies the old password and stores a new hash
func (s *Store) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword)) != nil {
		return errBadCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $1 WHERE id = $2`, string(hash), userID); err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	return nil
}

// UpsertDevice stores a device and replaces its parameter definitions.
// Used by seeding and by tests.
func (s *Store) UpsertDevice(ctx context.Context, device models.Device) error {
	row := deviceRow{
		ID:       device.ID,
		ParentID: device.ParentID,
		Name:     device.Name,
		Code:     device.Code,
		QRCode:   device.QRCode,
		PlantID:  device.PlantID,
		Seq:      device.Seq,
	}
	query := `
		INSERT INTO devices (ma_thiet_bi, ma_thiet_bi_cha, ten_thiet_bi, code, qr_code, ma_nha_may, stt)
		VALUES (:ma_thiet_bi, :ma_thiet_bi_cha, :ten_thiet_bi, :code, :qr_code, :ma_nha_may, :stt)
		ON CONFLICT (ma_thiet_bi) DO UPDATE SET
			ma_thiet_bi_cha = excluded.ma_thiet_bi_cha,
			ten_thiet_bi = excluded.ten_thiet_bi,
			code = excluded.code,
			qr_code = excluded.qr_code,
			ma_nha_may = excluded.ma_nha_may,
			stt = excluded.stt`
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM parameters WHERE ma_thiet_bi = $1`, device.ID); err != nil {
		return fmt.Errorf("failed to reset parameters: %w", err)
	}
	for i, param := range device.Parameters {
		prow := parameterRow{
			DeviceID: device.ID,
			ID:       param.ID,
			Name:     param.Name,
			Symbol:   param.Symbol,
			Unit:     param.Unit,
			Seq:      i,
		}
		pquery := `
			INSERT INTO parameters (ma_thiet_bi, ma_thong_so, ten_thong_so, ky_hieu, dvt, stt)
			VALUES (:ma_thiet_bi, :ma_thong_so, :ten_thong_so, :ky_hieu, :dvt, :stt)`
		if _, err := s.db.NamedExecContext(ctx, pquery, prow); err != nil {
			return fmt.Errorf("failed to insert parameter: %w", err)
		}
	}
	return nil
}

// SearchDevices pages through devices matching the keyword
func (s *Store) SearchDevices(ctx context.Context, keyword string, page, size int) (int64, []models.Device, error) {
	pattern := "%" + keyword + "%"

	var total int64
	err := s.db.GetContext(ctx, &total,
		`SELECT COUNT(*) FROM devices WHERE ten_thiet_bi LIKE $1 OR code LIKE $1 OR ma_thiet_bi LIKE $1`,
		pattern)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to count devices: %w", err)
	}

	rows := []deviceRow{}
	err = s.db.SelectContext(ctx, &rows, `
		SELECT * FROM devices
		WHERE ten_thiet_bi LIKE $1 OR code LIKE $1 OR ma_thiet_bi LIKE $1
		ORDER BY stt, ma_thiet_bi
		LIMIT $2 OFFSET $3`,
		pattern, size, page*size)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to search devices: %w", err)
	}

	devices := make([]models.Device, 0, len(rows))
	for _, row := range rows {
		devices = append(devices, row.model())
	}
	return total, devices, nil
}

// GetDevice loads one device with its ordered parameter definitions
func (s *Store) GetDevice(ctx context.Context, id string) (*models.Device, error) {
	row := deviceRow{}
	err := s.db.GetContext(ctx, &row, `SELECT * FROM devices WHERE ma_thiet_bi = $1`, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errDeviceNotFound
		}
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	device := row.model()
	params, err := s.deviceParameters(ctx, id)
	if err != nil {
		return nil, err
	}
	device.Parameters = params
	return &device, nil
}

// DevicesByQRCode resolves a scanned code; unknown codes yield an empty
// slice, matching the contract that not-found is not an error.
func (s *Store) DevicesByQRCode(ctx context.Context, code string) ([]models.Device, error) {
	rows := []deviceRow{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM devices WHERE qr_code = $1 ORDER BY stt, ma_thiet_bi`, code)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve qr code: %w", err)
	}
	devices := make([]models.Device, 0, len(rows))
	for _, row := range rows {
		devices = append(devices, row.model())
	}
	return devices, nil
}

func (s *Store) deviceParameters(ctx context.Context, deviceID string) ([]models.Parameter, error) {
	rows := []parameterRow{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM parameters WHERE ma_thiet_bi = $1 ORDER BY stt`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load parameters: %w", err)
	}
	params := make([]models.Parameter, 0, len(rows))
	for _, row := range rows {
		params = append(params, row.model())
	}
	return params, nil
}

// HistoryAt returns the readings recorded for the given devices at the
// given minute, each with its denormalized device and parameter copy.
func (s *Store) HistoryAt(ctx context.Context, deviceIDs []string, at time.Time) ([]models.Reading, error) {
	if len(deviceIDs) == 0 {
		return []models.Reading{}, nil
	}
	key := minuteKey(at)

	query, args, err := sqlx.In(
		`SELECT * FROM readings WHERE ngay_gio = ? AND ma_thiet_bi IN (?) ORDER BY ma_thiet_bi, ma_thong_so`,
		key, deviceIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to build history query: %w", err)
	}

	rows := []readingRow{}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	readings := make([]models.Reading, 0, len(rows))
	for _, row := range rows {
		reading, err := s.hydrateReading(ctx, row)
		if err != nil {
			return nil, err
		}
		readings = append(readings, reading)
	}
	return readings, nil
}

// SaveReading upserts one reading at its minute and assigns the audit
// fields: first write sets entered-by, later writes set edited-by.
func (s *Store) SaveReading(ctx context.Context, reading models.Reading, username string) (*models.Reading, error) {
	at := readingTime(reading)
	key := minuteKey(at)
	now := time.Now().UTC().Format(time.RFC3339)

	var value sql.NullFloat64
	if reading.Value != nil {
		value = sql.NullFloat64{Float64: *reading.Value, Valid: true}
	}

	var existing int
	err := s.db.GetContext(ctx, &existing,
		`SELECT COUNT(*) FROM readings WHERE ma_thiet_bi = $1 AND ma_thong_so = $2 AND ngay_gio = $3`,
		reading.DeviceID(), reading.ParameterID(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to check reading: %w", err)
	}

	if existing == 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO readings (ma_thiet_bi, ma_thong_so, ngay_gio, gia_tri, nguoi_nhap, thoi_diem_nhap)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			reading.DeviceID(), reading.ParameterID(), key, value, username, now)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE readings SET gia_tri = $1, nguoi_sua = $2, thoi_diem_sua = $3
			WHERE ma_thiet_bi = $4 AND ma_thong_so = $5 AND ngay_gio = $6`,
			value, username, now, reading.DeviceID(), reading.ParameterID(), key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save reading: %w", err)
	}

	row := readingRow{}
	err = s.db.GetContext(ctx, &row,
		`SELECT * FROM readings WHERE ma_thiet_bi = $1 AND ma_thong_so = $2 AND ngay_gio = $3`,
		reading.DeviceID(), reading.ParameterID(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to reload reading: %w", err)
	}
	saved, err := s.hydrateReading(ctx, row)
	if err != nil {
		return nil, err
	}
	return &saved, nil
}

// hydrateReading converts a row into the wire shape, embedding the
// device and parameter the way the backend denormalizes them.
func (s *Store) hydrateReading(ctx context.Context, row readingRow) (models.Reading, error) {
	at, err := time.Parse(time.RFC3339, row.At)
	if err != nil {
		return models.Reading{}, fmt.Errorf("corrupt reading timestamp %q: %w", row.At, err)
	}

	var value *float64
	if row.Value.Valid {
		v := row.Value.Float64
		value = &v
	}

	reading := models.NewReading(row.DeviceID, row.ParameterID, at, value)
	reading.EnteredBy = row.EnteredBy
	reading.EditedBy = row.EditedBy
	if t, err := time.Parse(time.RFC3339, row.EnteredAt); err == nil {
		reading.EnteredAt = &t
	}
	if t, err := time.Parse(time.RFC3339, row.EditedAt); err == nil {
		reading.EditedAt = &t
	}

	if device, err := s.GetDevice(ctx, row.DeviceID); err == nil {
		d := *device
		d.Parameters = nil
		reading.Device = &d
		for _, p := range device.Parameters {
			if p.ID == row.ParameterID {
				param := p
				reading.Parameter = &param
				break
			}
		}
	}
	return reading, nil
}

func minuteKey(t time.Time) string {
	return models.TruncateToMinute(t).UTC().Format(time.RFC3339)
}

func readingTime(r models.Reading) time.Time {
	if r.ID != nil && !r.ID.At.IsZero() {
		return r.ID.At
	}
	if r.Date != nil {
		return time.Date(r.Date.Year(), r.Date.Month(), r.Date.Day(), r.Hour, r.Minute, 0, 0, r.Date.Location())
	}
	return time.Now()
}
