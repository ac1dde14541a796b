// FilePath: internal/aggregator/aggregator.go
package aggregator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hqbc/devrec/internal/errors"
	"github.com/hqbc/devrec/internal/models"
	"github.com/hqbc/devrec/internal/service"
	nuts "github.com/vaudience/go-nuts"
)

// State is the phase of one scan/selection session
type State string

const (
	StateEmpty              State = "empty"
	StateLoadingDefinitions State = "loading_definitions"
	StateLoadingHistory     State = "loading_history"
	StateReady              State = "ready"
	StateSaving             State = "saving"
	StateError              State = "error"
)

// DeviceLookup provides per-device parameter definitions
type DeviceLookup interface {
	FindByID(ctx context.Context, id string) (*models.Device, error)
}

// Readings provides historical values and the batch save
type Readings interface {
	FetchHistory(ctx context.Context, deviceIDs []string, at time.Time) ([]models.Reading, error)
	SubmitBatch(ctx context.Context, readings []models.Reading) []service.BatchResult
}

// ValueKey addresses one editable cell. Parameter identifiers are
// scoped per device, so the device id is always part of the key.
type ValueKey struct {
	DeviceID    string
	ParameterID string
}

// DeviceView is the merged, displayable state of one selected device
type DeviceView struct {
	Device     models.Device
	Parameters []models.Parameter

	// definitions as loaded in the definitions phase; every re-merge
	// starts from this list, history-discovered parameters follow.
	definitions []models.Parameter
}

func (v *DeviceView) hasParameter(id string) bool {
	for _, p := range v.Parameters {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Snapshot is a consistent copy of the aggregator state for rendering
type Snapshot struct {
	State   State
	At      time.Time
	Devices []DeviceView
	Values  map[ValueKey]*float64
	Err     error
}

// Aggregator merges parameter definitions and historical readings for a
// set of selected devices into an editable per-device view, and drives
// the scan → display → edit → save workflow.
//
// Every selection or timestamp change bumps a generation counter; a
// fetch that completes for an abandoned generation is discarded instead
// of clobbering newer state.
type Aggregator struct {
	lookup   DeviceLookup
	readings Readings

	mu      sync.Mutex
	state   State
	gen     uint64
	at      time.Time
	views   []*DeviceView
	values  map[ValueKey]*float64
	lastErr error
}

// New creates an empty aggregator
func New(lookup DeviceLookup, readings Readings) *Aggregator {
	return &Aggregator{
		lookup:   lookup,
		readings: readings,
		state:    StateEmpty,
		values:   map[ValueKey]*float64{},
	}
}

// Select starts a new session for the given devices (one from search,
// several from a scan) at the given point in time. Definitions are
// fetched concurrently, one call per device; a device whose definition
// fetch fails stays selected with an empty parameter list.
func (a *Aggregator) Select(ctx context.Context, devices []models.Device, at time.Time) error {
	if len(devices) == 0 {
		return errors.NewInvalidArgumentError("at least one device must be selected")
	}

	a.mu.Lock()
	a.gen++
	gen := a.gen
	a.state = StateLoadingDefinitions
	a.at = models.TruncateToMinute(at)
	a.lastErr = nil
	a.values = map[ValueKey]*float64{}
	a.views = make([]*DeviceView, len(devices))
	for i, d := range devices {
		a.views[i] = &DeviceView{Device: d}
	}
	a.mu.Unlock()

	definitions := a.fetchDefinitions(ctx, devices)

	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		return nil // a newer selection took over while we were loading
	}
	for i := range a.views {
		a.views[i].definitions = definitions[i]
	}
	a.state = StateLoadingHistory
	a.mu.Unlock()

	return a.loadHistory(ctx, gen)
}

// SetTime changes the selected point in time and re-runs the history
// phase. Unsaved edits for the previous timestamp are discarded and the
// value map is re-seeded from the new history response.
func (a *Aggregator) SetTime(ctx context.Context, at time.Time) error {
	a.mu.Lock()
	a.at = models.TruncateToMinute(at)
	if len(a.views) == 0 {
		a.mu.Unlock()
		return nil
	}
	a.gen++
	gen := a.gen
	a.values = map[ValueKey]*float64{}
	a.lastErr = nil
	a.state = StateLoadingHistory
	a.mu.Unlock()

	return a.loadHistory(ctx, gen)
}

// Reload re-fetches history for the current selection and timestamp,
// discarding edits. Used after a successful save and for manual retry
// out of an error state.
func (a *Aggregator) Reload(ctx context.Context) error {
	a.mu.Lock()
	if len(a.views) == 0 {
		a.mu.Unlock()
		return errors.NewInvalidArgumentError("no devices selected")
	}
	a.gen++
	gen := a.gen
	a.values = map[ValueKey]*float64{}
	a.lastErr = nil
	a.state = StateLoadingHistory
	a.mu.Unlock()

	return a.loadHistory(ctx, gen)
}

// SetValue records an edited value for one (device, parameter) cell.
// A nil value is an explicit "recorded null" and will be submitted as
// such; use RemoveValue to take a cell out of the batch entirely.
func (a *Aggregator) SetValue(deviceID, parameterID string, value *float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if value == nil {
		a.values[ValueKey{DeviceID: deviceID, ParameterID: parameterID}] = nil
		return
	}
	v := *value
	a.values[ValueKey{DeviceID: deviceID, ParameterID: parameterID}] = &v
}

// RemoveValue marks a cell untouched again; it will be omitted from the
// next save batch.
func (a *Aggregator) RemoveValue(deviceID, parameterID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.values, ValueKey{DeviceID: deviceID, ParameterID: parameterID})
}

// Value returns the current value of a cell and whether it is present
func (a *Aggregator) Value(deviceID, parameterID string) (*float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.values[ValueKey{DeviceID: deviceID, ParameterID: parameterID}]
	if !ok || v == nil {
		return nil, ok
	}
	c := *v
	return &c, true
}

// Save submits one write per present cell, all concurrently, then
// refreshes from server truth when every write succeeded. When any
// write fails, the successful ones stay persisted, the edits stay in
// place for retry and the per-item results report who failed.
func (a *Aggregator) Save(ctx context.Context) ([]service.BatchResult, error) {
	a.mu.Lock()
	if a.state != StateReady {
		a.mu.Unlock()
		return nil, errors.NewInvalidArgumentError(fmt.Sprintf("cannot save in state %q", a.state))
	}
	batch := a.buildBatchLocked()
	if len(batch) == 0 {
		a.mu.Unlock()
		return nil, errors.NewInvalidArgumentError("no values to save")
	}
	gen := a.gen
	a.state = StateSaving
	a.mu.Unlock()

	results := a.readings.SubmitBatch(ctx, batch)
	failed := service.FailedResults(results)

	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		return results, nil
	}
	if len(failed) > 0 {
		err := errors.NewServerError(
			fmt.Sprintf("%d of %d values failed to save", len(failed), len(results)), failed[0].Err)
		a.lastErr = err
		// Back to ready with edits retained so the user can retry.
		a.state = StateReady
		a.mu.Unlock()
		return results, err
	}
	a.gen++
	gen = a.gen
	a.values = map[ValueKey]*float64{}
	a.lastErr = nil
	a.state = StateLoadingHistory
	a.mu.Unlock()

	if err := a.loadHistory(ctx, gen); err != nil {
		return results, err
	}
	return results, nil
}

// Snapshot returns a consistent copy of the current session state
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		State:  a.state,
		At:     a.at,
		Err:    a.lastErr,
		Values: make(map[ValueKey]*float64, len(a.values)),
	}
	for k, v := range a.values {
		if v == nil {
			snap.Values[k] = nil
			continue
		}
		c := *v
		snap.Values[k] = &c
	}
	for _, view := range a.views {
		snap.Devices = append(snap.Devices, DeviceView{
			Device:     view.Device,
			Parameters: append([]models.Parameter(nil), view.Parameters...),
		})
	}
	return snap
}

// fetchDefinitions loads every device's parameter list concurrently.
// Individual failures degrade to an empty list; partial data beats none.
func (a *Aggregator) fetchDefinitions(ctx context.Context, devices []models.Device) [][]models.Parameter {
	definitions := make([][]models.Parameter, len(devices))

	var wg sync.WaitGroup
	for i, device := range devices {
		wg.Add(1)
		go func(i int, device models.Device) {
			defer wg.Done()
			detail, err := a.lookup.FindByID(ctx, device.ID)
			if err != nil {
				nuts.L.Warnf("[Aggregator] Definitions load failed for device %s: %v", device.ID, err)
				definitions[i] = []models.Parameter{}
				return
			}
			definitions[i] = append([]models.Parameter(nil), detail.Parameters...)
		}(i, device)
	}
	wg.Wait()

	return definitions
}

// loadHistory runs the LOADING_HISTORY phase for the given generation:
// one history call for the full device set, then the deterministic
// merge. A stale generation is dropped on completion.
func (a *Aggregator) loadHistory(ctx context.Context, gen uint64) error {
	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		return nil
	}
	ids := make([]string, 0, len(a.views))
	for _, v := range a.views {
		ids = append(ids, v.Device.ID)
	}
	at := a.at
	a.mu.Unlock()

	readings, err := a.readings.FetchHistory(ctx, ids, at)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen != gen {
		return nil
	}
	if err != nil {
		a.lastErr = err
		a.state = StateError
		return err
	}
	a.applyHistoryLocked(readings)
	a.state = StateReady
	return nil
}

// applyHistoryLocked is the merge: start from the definitions-phase
// lists, append parameters discovered via history in response order
// without duplicating identifiers, and seed the value map from the
// readings. A pair absent from history gets no entry at all.
func (a *Aggregator) applyHistoryLocked(readings []models.Reading) {
	byDevice := make(map[string]*DeviceView, len(a.views))
	for _, view := range a.views {
		view.Parameters = append([]models.Parameter(nil), view.definitions...)
		byDevice[view.Device.ID] = view
	}

	values := map[ValueKey]*float64{}
	for _, r := range readings {
		deviceID := r.DeviceID()
		parameterID := r.ParameterID()
		if deviceID == "" || parameterID == "" {
			continue
		}
		view, ok := byDevice[deviceID]
		if !ok {
			// Reading for a device outside the current selection.
			continue
		}
		if !view.hasParameter(parameterID) {
			view.Parameters = append(view.Parameters, *r.Parameter)
		}
		key := ValueKey{DeviceID: deviceID, ParameterID: parameterID}
		if r.Value == nil {
			values[key] = nil
			continue
		}
		v := *r.Value
		values[key] = &v
	}
	a.values = values
}

// buildBatchLocked assembles the save batch in display order: every
// cell with a present entry becomes one reading, nil entries included
// as explicit nulls. Untouched cells are omitted.
func (a *Aggregator) buildBatchLocked() []models.Reading {
	var batch []models.Reading
	for _, view := range a.views {
		for _, param := range view.Parameters {
			key := ValueKey{DeviceID: view.Device.ID, ParameterID: param.ID}
			value, ok := a.values[key]
			if !ok {
				continue
			}
			batch = append(batch, models.NewReading(view.Device.ID, param.ID, a.at, value))
		}
	}
	return batch
}
