// FilePath: internal/service/service.readings.go
package service

import (
	"context"
	"sync"
	"time"

	"github.com/hqbc/devrec/internal/errors"
	"github.com/hqbc/devrec/internal/models"
	nuts "github.com/vaudience/go-nuts"
)

// FetchHistory retrieves the readings recorded for the given devices
// around the selected point in time. The matching window is the
// server's business; the client sends the full (minute-truncated)
// timestamp and trusts it.
func (s *Service) FetchHistory(ctx context.Context, deviceIDs []string, at time.Time) ([]models.Reading, error) {
	if len(deviceIDs) == 0 {
		return nil, errors.NewInvalidArgumentError("at least one device id is required")
	}

	body := models.HistoryRequest{
		At:        models.TruncateToMinute(at),
		DeviceIDs: deviceIDs,
	}

	var payload models.HistoryPayload
	if err := s.api.Post(ctx, pathHistory, body, &payload); err != nil {
		return nil, err
	}
	return payload.Data, nil
}

// SubmitReading persists one reading and round-trips the stored record,
// which may differ from the submitted one in server-assigned fields.
func (s *Service) SubmitReading(ctx context.Context, reading models.Reading) (*models.Reading, error) {
	if reading.DeviceID() == "" || reading.ParameterID() == "" {
		return nil, errors.NewInvalidArgumentError("reading must reference a device and a parameter")
	}

	var saved models.Reading
	if err := s.api.Post(ctx, pathReadingCreate, reading, &saved); err != nil {
		return nil, err
	}
	return &saved, nil
}

// BatchResult is the outcome of one write within a batch save
type BatchResult struct {
	Reading models.Reading
	Saved   *models.Reading
	Err     error
}

// SubmitBatch issues one write per reading, all concurrently, and joins
// on full completion. Each write is independent: a failed sibling never
// rolls back or blocks a successful one, and the caller gets one result
// per item instead of a single all-or-nothing verdict.
func (s *Service) SubmitBatch(ctx context.Context, readings []models.Reading) []BatchResult {
	results := make([]BatchResult, len(readings))

	var wg sync.WaitGroup
	for i, reading := range readings {
		wg.Add(1)
		go func(i int, reading models.Reading) {
			defer wg.Done()
			saved, err := s.SubmitReading(ctx, reading)
			if err != nil {
				nuts.L.Warnf("[ReadingsService] Save failed for device %s parameter %s: %v",
					reading.DeviceID(), reading.ParameterID(), err)
			}
			results[i] = BatchResult{Reading: reading, Saved: saved, Err: err}
		}(i, reading)
	}
	wg.Wait()

	return results
}

// FailedResults filters a batch outcome down to the failures
func FailedResults(results []BatchResult) []BatchResult {
	var failed []BatchResult
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}
