// FilePath: internal/models/models.reading.go
package models

import "time"

// ReadingID is the composite key of a recorded value. The backend keys
// readings by (parameter, device, minute); seconds are never sent.
type ReadingID struct {
	ParameterDeviceID string    `json:"maThongSoTb,omitempty"`
	At                time.Time `json:"ngayGio"`
}

// Reading is one recorded value of a parameter on a device at a
// specific minute. Value is a pointer: a recorded null is distinct
// from no record at all. Audit fields are server-assigned.
type Reading struct {
	ID        *ReadingID `json:"id,omitempty"`
	Date      *time.Time `json:"ngay,omitempty"`
	Hour      int        `json:"gio"`
	Minute    int        `json:"phut"`
	Value     *float64   `json:"giaTri"`
	EnteredBy string     `json:"nguoiNhap,omitempty"`
	EnteredAt *time.Time `json:"thoiDiemNhap,omitempty"`
	EditedBy  string     `json:"nguoiSua,omitempty"`
	EditedAt  *time.Time `json:"thoiDiemSua,omitempty"`
	Device    *Device    `json:"thietBi,omitempty"`
	Parameter *Parameter `json:"thongSo,omitempty"`
}

// DeviceID returns the embedded device identifier, or "" when the
// server omitted the denormalized device copy.
func (r *Reading) DeviceID() string {
	if r.Device == nil {
		return ""
	}
	return r.Device.ID
}

// ParameterID returns the embedded parameter identifier, or "".
func (r *Reading) ParameterID() string {
	if r.Parameter == nil {
		return ""
	}
	return r.Parameter.ID
}

// NewReading builds a submittable reading for one (device, parameter)
// pair at the given minute. The caller is expected to have truncated
// the timestamp already; NewReading truncates again to be safe.
func NewReading(deviceID, parameterID string, at time.Time, value *float64) Reading {
	at = TruncateToMinute(at)
	day := time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, at.Location())
	return Reading{
		ID:        &ReadingID{At: at},
		Date:      &day,
		Hour:      at.Hour(),
		Minute:    at.Minute(),
		Value:     value,
		Device:    &Device{ID: deviceID},
		Parameter: &Parameter{ID: parameterID},
	}
}

// TruncateToMinute drops seconds and sub-second precision, keeping the
// location. Every selected point-in-time goes through this before it
// reaches the wire.
func TruncateToMinute(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
}

// HistoryRequest is the body of the history lookup call
type HistoryRequest struct {
	At        time.Time `json:"dtime"`
	DeviceIDs []string  `json:"maThietBis"`
}

// HistoryPayload wraps the reading list inside the history response data
type HistoryPayload struct {
	Data []Reading `json:"data"`
}
