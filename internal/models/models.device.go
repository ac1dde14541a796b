// FilePath: internal/models/models.device.go
package models

// Device is a piece of equipment tracked by the backend. A scanned QR
// code may resolve to several devices sharing one nameplate.
type Device struct {
	ID         string      `json:"maThietBi"`
	ParentID   string      `json:"maThietBiCha,omitempty"`
	Name       string      `json:"tenThietBi,omitempty"`
	Code       string      `json:"code,omitempty"`
	QRCode     string      `json:"qrCode,omitempty"`
	QRCodePath string      `json:"qrCodePath,omitempty"`
	PlantID    string      `json:"maNhaMay,omitempty"`
	Seq        int         `json:"stt,omitempty"`
	Parameters []Parameter `json:"thongSos,omitempty"`
}

// Parameter is an operational measurement definition. Its identifier is
// unique within one device only; the same identifier on another device
// denotes a logically different parameter.
type Parameter struct {
	ID     string `json:"maThongSo"`
	Name   string `json:"tenThongSo,omitempty"`
	Symbol string `json:"kyHieu,omitempty"`
	Unit   string `json:"dvt,omitempty"`
	Seq    int    `json:"stt,omitempty"`
}

// DevicePage is one page of a paginated device search
type DevicePage struct {
	Content       []Device `json:"content"`
	TotalElements int64    `json:"totalElements"`
	TotalPages    int      `json:"totalPages,omitempty"`
	Number        int      `json:"number"`
	Size          int      `json:"size"`
	Last          bool     `json:"last"`
}
