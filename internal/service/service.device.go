// FilePath: internal/service/service.device.go
package service

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/hqbc/devrec/internal/errors"
	"github.com/hqbc/devrec/internal/models"
	nuts "github.com/vaudience/go-nuts"
)

// Search queries devices by keyword with incremental paging. A blank
// keyword returns an empty final page without touching the network.
func (s *Service) Search(ctx context.Context, keyword string, page, size int) (*models.DevicePage, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return &models.DevicePage{Content: []models.Device{}, Number: page, Size: size, Last: true}, nil
	}
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = 20
	}

	query := url.Values{}
	query.Set("page", strconv.Itoa(page))
	query.Set("size", strconv.Itoa(size))
	query.Set("keyword", keyword)

	var result models.DevicePage
	if err := s.api.Get(ctx, pathDeviceSearch, query, &result); err != nil {
		return nil, err
	}
	if result.Content == nil {
		result.Content = []models.Device{}
	}
	return &result, nil
}

// FindByID fetches one device with its embedded parameter definitions
func (s *Service) FindByID(ctx context.Context, id string) (*models.Device, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.NewInvalidArgumentError("device id is required")
	}

	query := url.Values{}
	query.Set("id", id)

	var device models.Device
	if err := s.api.Get(ctx, pathDeviceDetail, query, &device); err != nil {
		return nil, err
	}
	return &device, nil
}

// ResolveByCode resolves a scanned code to zero or more devices. A code
// nobody knows is an empty slice, never an error; network and envelope
// failures come back as a lookup error so the scan workflow can surface
// one recoverable message.
func (s *Service) ResolveByCode(ctx context.Context, code string) ([]models.Device, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errors.NewInvalidArgumentError("scanned code is empty")
	}

	query := url.Values{}
	query.Set("qrCode", code)

	var devices []models.Device
	if err := s.api.Get(ctx, pathDeviceQRCode, query, &devices); err != nil {
		if errors.IsAuthExpired(err) {
			return nil, err
		}
		nuts.L.Warnf("[DeviceService] Code resolution failed for %q: %v", code, err)
		return nil, errors.NewLookupError("could not resolve scanned code", err)
	}
	if devices == nil {
		devices = []models.Device{}
	}
	return devices, nil
}
