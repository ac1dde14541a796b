// FilePath: internal/aggregator/aggregator_test.go
package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hqbc/devrec/internal/errors"
	"github.com/hqbc/devrec/internal/models"
	"github.com/hqbc/devrec/internal/service"
)

// fakeLookup serves canned device detail responses
type fakeLookup struct {
	mu      sync.Mutex
	devices map[string]models.Device
	errs    map[string]error
}

func (f *fakeLookup) FindByID(ctx context.Context, id string) (*models.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	device, ok := f.devices[id]
	if !ok {
		return nil, errors.NewNotFoundError("device not found", nil)
	}
	return &device, nil
}

// fakeReadings serves history responses and records submitted batches
type fakeReadings struct {
	mu        sync.Mutex
	history   func(deviceIDs []string, at time.Time) ([]models.Reading, error)
	submitErr func(reading models.Reading) error
	submitted []models.Reading
}

func (f *fakeReadings) FetchHistory(ctx context.Context, deviceIDs []string, at time.Time) ([]models.Reading, error) {
	f.mu.Lock()
	fn := f.history
	f.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(deviceIDs, at)
}

func (f *fakeReadings) SubmitBatch(ctx context.Context, readings []models.Reading) []service.BatchResult {
	results := make([]service.BatchResult, len(readings))
	for i, reading := range readings {
		var err error
		f.mu.Lock()
		if f.submitErr != nil {
			err = f.submitErr(reading)
		}
		if err == nil {
			f.submitted = append(f.submitted, reading)
		}
		f.mu.Unlock()
		saved := reading
		results[i] = service.BatchResult{Reading: reading, Saved: &saved, Err: err}
	}
	return results
}

func (f *fakeReadings) submittedReadings() []models.Reading {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Reading(nil), f.submitted...)
}

func historyReading(deviceID string, param models.Parameter, value *float64) models.Reading {
	return models.Reading{
		Value:     value,
		Device:    &models.Device{ID: deviceID},
		Parameter: &param,
	}
}

func float(v float64) *float64 { return &v }

// Two devices behind one scanned code. The first has one defined
// parameter, the second has none defined but one discovered through
// history. The merged view must show both without duplicates and seed
// the values from the history response.
func TestSelectMergesDefinitionsAndHistory(t *testing.T) {
	t.Parallel()

	lookup := &fakeLookup{devices: map[string]models.Device{
		"D1": {ID: "D1", Name: "Máy nén khí", Parameters: []models.Parameter{
			{ID: "P1", Name: "Nhiệt độ", Unit: "°C"},
		}},
		"D2": {ID: "D2", Name: "Bình tách dầu"},
	}}
	readings := &fakeReadings{history: func(deviceIDs []string, at time.Time) ([]models.Reading, error) {
		return []models.Reading{
			historyReading("D1", models.Parameter{ID: "P1", Name: "Nhiệt độ", Unit: "°C"}, float(71.5)),
			historyReading("D2", models.Parameter{ID: "P2", Name: "Áp suất", Unit: "bar"}, float(5.2)),
		}, nil
	}}

	agg := New(lookup, readings)
	err := agg.Select(context.Background(), []models.Device{{ID: "D1"}, {ID: "D2"}}, time.Now())
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	snap := agg.Snapshot()
	if snap.State != StateReady {
		t.Fatalf("state = %s, want %s", snap.State, StateReady)
	}
	if len(snap.Devices) != 2 {
		t.Fatalf("expected 2 device views, got %d", len(snap.Devices))
	}

	d1 := snap.Devices[0]
	if len(d1.Parameters) != 1 || d1.Parameters[0].ID != "P1" {
		t.Fatalf("D1 parameters wrong: %+v", d1.Parameters)
	}
	d2 := snap.Devices[1]
	if len(d2.Parameters) != 1 || d2.Parameters[0].ID != "P2" {
		t.Fatalf("history-discovered parameter missing on D2: %+v", d2.Parameters)
	}
	if d2.Parameters[0].Unit != "bar" {
		t.Fatalf("discovered parameter lost its metadata: %+v", d2.Parameters[0])
	}

	if v := snap.Values[ValueKey{DeviceID: "D1", ParameterID: "P1"}]; v == nil || *v != 71.5 {
		t.Fatalf("D1/P1 value not seeded: %v", v)
	}
	if v := snap.Values[ValueKey{DeviceID: "D2", ParameterID: "P2"}]; v == nil || *v != 5.2 {
		t.Fatalf("D2/P2 value not seeded: %v", v)
	}
}

func TestHistoryNeverDuplicatesDefinedParameters(t *testing.T) {
	t.Parallel()

	lookup := &fakeLookup{devices: map[string]models.Device{
		"D1": {ID: "D1", Parameters: []models.Parameter{{ID: "P1"}, {ID: "P2"}}},
	}}
	readings := &fakeReadings{history: func([]string, time.Time) ([]models.Reading, error) {
		return []models.Reading{
			historyReading("D1", models.Parameter{ID: "P2"}, float(1)),
			historyReading("D1", models.Parameter{ID: "P3"}, float(2)),
			historyReading("D1", models.Parameter{ID: "P3"}, float(3)),
		}, nil
	}}

	agg := New(lookup, readings)
	if err := agg.Select(context.Background(), []models.Device{{ID: "D1"}}, time.Now()); err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	snap := agg.Snapshot()
	got := make([]string, 0, len(snap.Devices[0].Parameters))
	for _, p := range snap.Devices[0].Parameters {
		got = append(got, p.ID)
	}
	want := []string{"P1", "P2", "P3"}
	if len(got) != len(want) {
		t.Fatalf("parameter list = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("parameter list = %v, want %v", got, want)
		}
	}
}

func TestDefinitionFailureDegradesToEmptyList(t *testing.T) {
	t.Parallel()

	lookup := &fakeLookup{
		devices: map[string]models.Device{
			"D1": {ID: "D1", Parameters: []models.Parameter{{ID: "P1"}}},
		},
		errs: map[string]error{"D2": errors.NewServerError("boom", nil)},
	}
	readings := &fakeReadings{history: func([]string, time.Time) ([]models.Reading, error) {
		return []models.Reading{
			historyReading("D2", models.Parameter{ID: "P9", Name: "Tần số"}, float(50)),
		}, nil
	}}

	agg := New(lookup, readings)
	err := agg.Select(context.Background(), []models.Device{{ID: "D1"}, {ID: "D2"}}, time.Now())
	if err != nil {
		t.Fatalf("a single failed definition fetch must not fail the session: %v", err)
	}

	snap := agg.Snapshot()
	if snap.State != StateReady {
		t.Fatalf("state = %s, want %s", snap.State, StateReady)
	}
	// D2 stays selected; its only parameter comes from history.
	if len(snap.Devices[1].Parameters) != 1 || snap.Devices[1].Parameters[0].ID != "P9" {
		t.Fatalf("D2 view wrong after degraded definitions: %+v", snap.Devices[1].Parameters)
	}
}

func TestReadingsOutsideSelectionAreIgnored(t *testing.T) {
	t.Parallel()

	lookup := &fakeLookup{devices: map[string]models.Device{
		"D1": {ID: "D1", Parameters: []models.Parameter{{ID: "P1"}}},
	}}
	readings := &fakeReadings{history: func([]string, time.Time) ([]models.Reading, error) {
		return []models.Reading{
			historyReading("D-OTHER", models.Parameter{ID: "P1"}, float(9)),
		}, nil
	}}

	agg := New(lookup, readings)
	if err := agg.Select(context.Background(), []models.Device{{ID: "D1"}}, time.Now()); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	snap := agg.Snapshot()
	if len(snap.Values) != 0 {
		t.Fatalf("reading for an unselected device leaked into the values: %+v", snap.Values)
	}
}

func TestSetTimeDiscardsEdits(t *testing.T) {
	t.Parallel()

	lookup := &fakeLookup{devices: map[string]models.Device{
		"D1": {ID: "D1", Parameters: []models.Parameter{{ID: "P1"}}},
	}}
	readings := &fakeReadings{history: func([]string, time.Time) ([]models.Reading, error) {
		return nil, nil
	}}

	agg := New(lookup, readings)
	if err := agg.Select(context.Background(), []models.Device{{ID: "D1"}}, time.Now()); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	agg.SetValue("D1", "P1", float(42))

	if err := agg.SetTime(context.Background(), time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("SetTime failed: %v", err)
	}
	if _, ok := agg.Value("D1", "P1"); ok {
		t.Fatalf("unsaved edit survived a timestamp change")
	}
	if snap := agg.Snapshot(); snap.State != StateReady {
		t.Fatalf("state = %s, want %s", snap.State, StateReady)
	}
}

func TestSaveSubmitsOnlyTouchedCells(t *testing.T) {
	t.Parallel()

	lookup := &fakeLookup{devices: map[string]models.Device{
		"D1": {ID: "D1", Parameters: []models.Parameter{{ID: "P1"}, {ID: "P2"}, {ID: "P3"}}},
	}}
	readings := &fakeReadings{}

	agg := New(lookup, readings)
	at := time.Date(2026, 3, 14, 9, 26, 0, 0, time.Local)
	if err := agg.Select(context.Background(), []models.Device{{ID: "D1"}}, at); err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	agg.SetValue("D1", "P3", float(3.3))
	agg.SetValue("D1", "P1", nil) // explicit cleared cell
	// P2 stays untouched and must be omitted.

	results, err := agg.Save(context.Background())
	if err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 writes, got %d", len(results))
	}

	submitted := readings.submittedReadings()
	// Display order: P1 before P3.
	if submitted[0].ParameterID() != "P1" || submitted[1].ParameterID() != "P3" {
		t.Fatalf("batch not in display order: %s, %s",
			submitted[0].ParameterID(), submitted[1].ParameterID())
	}
	if submitted[0].Value != nil {
		t.Fatalf("cleared cell must be submitted as an explicit null")
	}
	if submitted[1].Value == nil || *submitted[1].Value != 3.3 {
		t.Fatalf("edited value not submitted: %v", submitted[1].Value)
	}
	if submitted[1].ID.At.Second() != 0 {
		t.Fatalf("submitted timestamp not minute-truncated: %v", submitted[1].ID.At)
	}
}

func TestSaveWithNoEditsIsRejected(t *testing.T) {
	t.Parallel()

	lookup := &fakeLookup{devices: map[string]models.Device{
		"D1": {ID: "D1", Parameters: []models.Parameter{{ID: "P1"}}},
	}}
	agg := New(lookup, &fakeReadings{})
	if err := agg.Select(context.Background(), []models.Device{{ID: "D1"}}, time.Now()); err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	if _, err := agg.Save(context.Background()); !errors.IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument for empty batch, got %v", err)
	}
}

func TestSavePartialFailureRetainsEdits(t *testing.T) {
	t.Parallel()

	lookup := &fakeLookup{devices: map[string]models.Device{
		"D1": {ID: "D1", Parameters: []models.Parameter{{ID: "P1"}, {ID: "P2"}}},
	}}
	readings := &fakeReadings{submitErr: func(reading models.Reading) error {
		if reading.ParameterID() == "P2" {
			return errors.NewServerError("write rejected", nil)
		}
		return nil
	}}

	agg := New(lookup, readings)
	if err := agg.Select(context.Background(), []models.Device{{ID: "D1"}}, time.Now()); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	agg.SetValue("D1", "P1", float(1))
	agg.SetValue("D1", "P2", float(2))

	results, err := agg.Save(context.Background())
	if err == nil {
		t.Fatalf("expected an aggregate error for the partial failure")
	}
	if failed := service.FailedResults(results); len(failed) != 1 || failed[0].Reading.ParameterID() != "P2" {
		t.Fatalf("per-item results wrong: %+v", failed)
	}

	snap := agg.Snapshot()
	if snap.State != StateReady {
		t.Fatalf("state after partial failure = %s, want %s for retry", snap.State, StateReady)
	}
	if snap.Err == nil {
		t.Fatalf("snapshot must carry the save error")
	}
	// Both edits stay in place so the user can retry.
	if v, ok := agg.Value("D1", "P2"); !ok || v == nil || *v != 2 {
		t.Fatalf("failed edit was dropped: %v %v", v, ok)
	}
	if v, ok := agg.Value("D1", "P1"); !ok || v == nil || *v != 1 {
		t.Fatalf("successful sibling edit was dropped: %v %v", v, ok)
	}
}

func TestSaveSuccessRefreshesFromServer(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	serverValue := float(10)

	lookup := &fakeLookup{devices: map[string]models.Device{
		"D1": {ID: "D1", Parameters: []models.Parameter{{ID: "P1"}}},
	}}
	readings := &fakeReadings{}
	readings.history = func([]string, time.Time) ([]models.Reading, error) {
		mu.Lock()
		defer mu.Unlock()
		return []models.Reading{historyReading("D1", models.Parameter{ID: "P1"}, serverValue)}, nil
	}
	readings.submitErr = func(reading models.Reading) error {
		mu.Lock()
		defer mu.Unlock()
		serverValue = reading.Value
		return nil
	}

	agg := New(lookup, readings)
	if err := agg.Select(context.Background(), []models.Device{{ID: "D1"}}, time.Now()); err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	agg.SetValue("D1", "P1", float(33.3))

	if _, err := agg.Save(context.Background()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	snap := agg.Snapshot()
	if snap.State != StateReady {
		t.Fatalf("state = %s, want %s", snap.State, StateReady)
	}
	v := snap.Values[ValueKey{DeviceID: "D1", ParameterID: "P1"}]
	if v == nil || *v != 33.3 {
		t.Fatalf("view not refreshed from server truth after save: %v", v)
	}
}

func TestStaleHistoryResponseIsDiscarded(t *testing.T) {
	t.Parallel()

	lookup := &fakeLookup{devices: map[string]models.Device{
		"D1": {ID: "D1", Parameters: []models.Parameter{{ID: "P1"}}},
		"D2": {ID: "D2", Parameters: []models.Parameter{{ID: "P2"}}},
	}}

	release := make(chan struct{})
	readings := &fakeReadings{}
	readings.history = func(deviceIDs []string, at time.Time) ([]models.Reading, error) {
		if deviceIDs[0] == "D1" {
			<-release // first selection stalls until the second finished
			return []models.Reading{historyReading("D1", models.Parameter{ID: "P1"}, float(1))}, nil
		}
		return []models.Reading{historyReading("D2", models.Parameter{ID: "P2"}, float(2))}, nil
	}

	agg := New(lookup, readings)

	done := make(chan error, 1)
	go func() {
		done <- agg.Select(context.Background(), []models.Device{{ID: "D1"}}, time.Now())
	}()

	// Let the first selection reach its history fetch, then supersede it.
	time.Sleep(50 * time.Millisecond)
	if err := agg.Select(context.Background(), []models.Device{{ID: "D2"}}, time.Now()); err != nil {
		t.Fatalf("second Select failed: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("superseded Select must return nil, got %v", err)
	}

	snap := agg.Snapshot()
	if len(snap.Devices) != 1 || snap.Devices[0].Device.ID != "D2" {
		t.Fatalf("stale selection clobbered the newer one: %+v", snap.Devices)
	}
	if _, ok := snap.Values[ValueKey{DeviceID: "D1", ParameterID: "P1"}]; ok {
		t.Fatalf("stale history response leaked into the values")
	}
}

func TestHistoryFailureEntersErrorStateAndReloadRecovers(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	failing := true

	lookup := &fakeLookup{devices: map[string]models.Device{
		"D1": {ID: "D1", Parameters: []models.Parameter{{ID: "P1"}}},
	}}
	readings := &fakeReadings{}
	readings.history = func([]string, time.Time) ([]models.Reading, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return nil, errors.NewNetworkError("no response from server", nil)
		}
		return nil, nil
	}

	agg := New(lookup, readings)
	err := agg.Select(context.Background(), []models.Device{{ID: "D1"}}, time.Now())
	if !errors.IsNetwork(err) {
		t.Fatalf("expected the history failure to surface, got %v", err)
	}
	if snap := agg.Snapshot(); snap.State != StateError || snap.Err == nil {
		t.Fatalf("expected error state with cause, got %s %v", snap.State, snap.Err)
	}

	mu.Lock()
	failing = false
	mu.Unlock()

	if err := agg.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if snap := agg.Snapshot(); snap.State != StateReady || snap.Err != nil {
		t.Fatalf("Reload did not recover: %s %v", snap.State, snap.Err)
	}
}

func TestSelectRequiresDevices(t *testing.T) {
	t.Parallel()

	agg := New(&fakeLookup{}, &fakeReadings{})
	err := agg.Select(context.Background(), nil, time.Now())
	if !errors.IsInvalidArgument(err) {
		t.Fatalf("expected invalid argument error, got %v", err)
	}
}
