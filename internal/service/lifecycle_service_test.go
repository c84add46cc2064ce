package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parking-monitor/internal/domain/parking"
)

type fakeAlertStore struct {
	alerts []parking.Alert
	nextID int64
}

func (f *fakeAlertStore) FindActive(_ context.Context, lotID int64, alertType parking.AlertType) (*parking.Alert, error) {
	for i := range f.alerts {
		a := &f.alerts[i]
		if a.LotID == lotID && a.Type == alertType && a.Status == parking.AlertActive {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeAlertStore) Create(_ context.Context, alert *parking.Alert) error {
	f.nextID++
	alert.ID = f.nextID
	alert.Status = parking.AlertActive
	alert.CreatedAt = time.Now()
	f.alerts = append(f.alerts, *alert)
	return nil
}

func (f *fakeAlertStore) ResolveActiveByTypes(_ context.Context, lotID int64, types []parking.AlertType) ([]parking.Alert, error) {
	var resolved []parking.Alert
	now := time.Now()
	for i := range f.alerts {
		a := &f.alerts[i]
		if a.LotID != lotID || a.Status != parking.AlertActive {
			continue
		}
		for _, t := range types {
			if a.Type == t {
				a.Status = parking.AlertResolved
				a.ResolvedAt = &now
				resolved = append(resolved, *a)
				break
			}
		}
	}
	return resolved, nil
}

func (f *fakeAlertStore) Acknowledge(_ context.Context, id int64) (*parking.Alert, error) {
	return f.move(id, parking.AlertActive, parking.AlertAcknowledged)
}

func (f *fakeAlertStore) Resolve(_ context.Context, id int64) (*parking.Alert, error) {
	return f.move(id, "", parking.AlertResolved)
}

func (f *fakeAlertStore) move(id int64, from, to parking.AlertStatus) (*parking.Alert, error) {
	for i := range f.alerts {
		a := &f.alerts[i]
		if a.ID != id {
			continue
		}
		if from != "" && a.Status != from {
			return nil, nil
		}
		a.Status = to
		cp := *a
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeAlertStore) ListByLot(_ context.Context, lotID int64, _ int) ([]parking.Alert, error) {
	var out []parking.Alert
	for _, a := range f.alerts {
		if a.LotID == lotID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeAlertStore) activeCount(lotID int64, alertType parking.AlertType) int {
	n := 0
	for _, a := range f.alerts {
		if a.LotID == lotID && a.Type == alertType && a.Status == parking.AlertActive {
			n++
		}
	}
	return n
}

type fakeViolationStore struct {
	violations []parking.Violation
	nextID     int64
}

func (f *fakeViolationStore) Create(_ context.Context, v *parking.Violation) error {
	f.nextID++
	v.ID = f.nextID
	v.Status = parking.ViolationPending
	v.CreatedAt = time.Now()
	f.violations = append(f.violations, *v)
	return nil
}

func (f *fakeViolationStore) HasPending(_ context.Context, lotID int64, vtype parking.AlertType) (bool, error) {
	for _, v := range f.violations {
		if v.LotID == lotID && v.ViolationType == vtype && v.Status == parking.ViolationPending {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeViolationStore) ResolvePendingByType(_ context.Context, lotID int64, vtype parking.AlertType) ([]parking.Violation, error) {
	var resolved []parking.Violation
	now := time.Now()
	for i := range f.violations {
		v := &f.violations[i]
		if v.LotID == lotID && v.ViolationType == vtype && v.Status == parking.ViolationPending {
			v.Status = parking.ViolationResolved
			v.ResolvedAt = &now
			resolved = append(resolved, *v)
		}
	}
	return resolved, nil
}

func (f *fakeViolationStore) Acknowledge(_ context.Context, id int64) (*parking.Violation, error) {
	return f.move(id, parking.ViolationPending, parking.ViolationAcknowledged)
}

func (f *fakeViolationStore) Resolve(_ context.Context, id int64) (*parking.Violation, error) {
	return f.move(id, "", parking.ViolationResolved)
}

func (f *fakeViolationStore) move(id int64, from, to parking.ViolationStatus) (*parking.Violation, error) {
	for i := range f.violations {
		v := &f.violations[i]
		if v.ID != id {
			continue
		}
		if from != "" && v.Status != from {
			return nil, nil
		}
		v.Status = to
		cp := *v
		return &cp, nil
	}
	return nil, nil
}

func (f *fakeViolationStore) ListByLot(_ context.Context, lotID int64, _ int) ([]parking.Violation, error) {
	var out []parking.Violation
	for _, v := range f.violations {
		if v.LotID == lotID {
			out = append(out, v)
		}
	}
	return out, nil
}

type fakeContractorStore struct {
	contractors map[int64]*parking.Contractor
	err         error
}

func (f *fakeContractorStore) GetByID(_ context.Context, id int64) (*parking.Contractor, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.contractors[id], nil
}

type broadcastEvent struct {
	eventType string
	payload   any
}

type fakeBroadcaster struct {
	events []broadcastEvent
}

func (f *fakeBroadcaster) Broadcast(eventType string, payload any) {
	f.events = append(f.events, broadcastEvent{eventType, payload})
}

func (f *fakeBroadcaster) countType(eventType string) int {
	n := 0
	for _, e := range f.events {
		if e.eventType == eventType {
			n++
		}
	}
	return n
}

type lifecycleFixture struct {
	svc         *LifecycleService
	alerts      *fakeAlertStore
	violations  *fakeViolationStore
	contractors *fakeContractorStore
	hub         *fakeBroadcaster
}

func newLifecycleFixture() *lifecycleFixture {
	f := &lifecycleFixture{
		alerts:     &fakeAlertStore{},
		violations: &fakeViolationStore{},
		contractors: &fakeContractorStore{contractors: map[int64]*parking.Contractor{
			7: {ID: 7, Name: "SnowOps Ltd", PenaltyPerViolation: 25},
		}},
		hub: &fakeBroadcaster{},
	}
	f.svc = NewLifecycleService(f.alerts, f.violations, f.contractors, f.hub, 0.9, 50, zerolog.Nop())
	return f
}

func testLot() *parking.ParkingLot {
	return &parking.ParkingLot{ID: 1, Name: "Lot A", ContractorID: 7, TotalSlots: 10}
}

func overparkingResult(occupied int) *parking.ReconcileResult {
	return &parking.ReconcileResult{
		Classification: parking.ClassOverparking,
		Occupied:       occupied,
		Empty:          0,
		ExcessVehicles: occupied - 10,
		OccupancyRate:  float64(occupied) * 10,
	}
}

func normalResult(occupied int) *parking.ReconcileResult {
	return &parking.ReconcileResult{
		Classification: parking.ClassNormal,
		Occupied:       occupied,
		Empty:          10 - occupied,
		OccupancyRate:  float64(occupied) * 10,
	}
}

func TestApplyOverparkingOpensAlertAndViolation(t *testing.T) {
	f := newLifecycleFixture()

	created, err := f.svc.Apply(context.Background(), testLot(), overparkingResult(12))
	require.NoError(t, err)

	require.Len(t, created, 1)
	assert.Equal(t, parking.AlertOverparking, created[0].Type)
	assert.Equal(t, parking.SeverityHigh, created[0].Severity)
	assert.Equal(t, parking.AlertActive, created[0].Status)

	require.Len(t, f.violations.violations, 1)
	v := f.violations.violations[0]
	assert.Equal(t, parking.ViolationPending, v.Status)
	assert.Equal(t, 10, v.Details.AllocatedCapacity)
	assert.Equal(t, 12, v.Details.ActualOccupancy)
	assert.Equal(t, 2, v.Details.ExcessVehicles)
	assert.InDelta(t, 50.0, v.Penalty, 0.001, "2 excess vehicles at the contractor rate of 25")

	assert.Equal(t, 1, f.hub.countType("alert"))
	assert.Equal(t, 1, f.hub.countType("violation"))
}

func TestApplyOverparkingIsDedupedAcrossTicks(t *testing.T) {
	f := newLifecycleFixture()
	ctx := context.Background()
	lot := testLot()

	for i := 0; i < 5; i++ {
		_, err := f.svc.Apply(ctx, lot, overparkingResult(12))
		require.NoError(t, err)
	}

	assert.Equal(t, 1, f.alerts.activeCount(1, parking.AlertOverparking))
	assert.Len(t, f.alerts.alerts, 1, "one breach episode, one alert")
	assert.Len(t, f.violations.violations, 1, "one breach episode, one violation")
}

func TestApplyNormalAutoResolvesBreach(t *testing.T) {
	f := newLifecycleFixture()
	ctx := context.Background()
	lot := testLot()

	_, err := f.svc.Apply(ctx, lot, overparkingResult(12))
	require.NoError(t, err)

	created, err := f.svc.Apply(ctx, lot, normalResult(5))
	require.NoError(t, err)
	assert.Empty(t, created)

	assert.Equal(t, parking.AlertResolved, f.alerts.alerts[0].Status)
	require.NotNil(t, f.alerts.alerts[0].ResolvedAt)
	assert.Equal(t, parking.ViolationResolved, f.violations.violations[0].Status)

	// Both transitions were announced.
	assert.Equal(t, 2, f.hub.countType("alert"))
	assert.Equal(t, 2, f.hub.countType("violation"))
}

func TestBreachEpisodesAreDistinct(t *testing.T) {
	f := newLifecycleFixture()
	ctx := context.Background()
	lot := testLot()

	_, err := f.svc.Apply(ctx, lot, overparkingResult(12))
	require.NoError(t, err)
	_, err = f.svc.Apply(ctx, lot, normalResult(5))
	require.NoError(t, err)
	_, err = f.svc.Apply(ctx, lot, overparkingResult(11))
	require.NoError(t, err)

	assert.Len(t, f.alerts.alerts, 2, "a new breach after recovery opens a new alert")
	assert.Len(t, f.violations.violations, 2)
	assert.Equal(t, 1, f.alerts.activeCount(1, parking.AlertOverparking))
}

func TestApplyFullDedupesConsecutiveTicks(t *testing.T) {
	f := newLifecycleFixture()
	ctx := context.Background()
	lot := testLot()
	full := &parking.ReconcileResult{
		Classification: parking.ClassFull,
		Occupied:       10,
		OccupancyRate:  100,
	}

	created, err := f.svc.Apply(ctx, lot, full)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, parking.AlertCapacityFull, created[0].Type)

	created, err = f.svc.Apply(ctx, lot, full)
	require.NoError(t, err)
	assert.Empty(t, created)
	assert.Len(t, f.alerts.alerts, 1)
	assert.Empty(t, f.violations.violations, "full capacity is an alert, never a violation")
}

func TestApplyNormalRaisesCapacityWarning(t *testing.T) {
	f := newLifecycleFixture()
	ctx := context.Background()
	lot := testLot()

	created, err := f.svc.Apply(ctx, lot, normalResult(9))
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, parking.AlertCapacityWarning, created[0].Type)
	assert.Equal(t, parking.SeverityMedium, created[0].Severity)

	// Still above the threshold: suppressed.
	created, err = f.svc.Apply(ctx, lot, normalResult(9))
	require.NoError(t, err)
	assert.Empty(t, created)

	// Back below the threshold: the warning clears.
	_, err = f.svc.Apply(ctx, lot, normalResult(4))
	require.NoError(t, err)
	assert.Equal(t, 0, f.alerts.activeCount(1, parking.AlertCapacityWarning))
}

func TestPenaltyFallsBackOnContractorLookupFailure(t *testing.T) {
	f := newLifecycleFixture()
	f.contractors.err = errors.New("connection refused")

	_, err := f.svc.Apply(context.Background(), testLot(), overparkingResult(13))
	require.NoError(t, err, "a contractor lookup failure must not block the violation")

	require.Len(t, f.violations.violations, 1)
	assert.InDelta(t, 150.0, f.violations.violations[0].Penalty, 0.001, "3 excess vehicles at the default rate of 50")
}

func TestPenaltyFallsBackOnUnknownContractor(t *testing.T) {
	f := newLifecycleFixture()
	lot := testLot()
	lot.ContractorID = 99

	_, err := f.svc.Apply(context.Background(), lot, overparkingResult(12))
	require.NoError(t, err)
	require.Len(t, f.violations.violations, 1)
	assert.InDelta(t, 100.0, f.violations.violations[0].Penalty, 0.001)
}

func TestAcknowledgeAlert(t *testing.T) {
	f := newLifecycleFixture()
	ctx := context.Background()

	created, err := f.svc.Apply(ctx, testLot(), overparkingResult(12))
	require.NoError(t, err)
	require.Len(t, created, 1)

	acked, err := f.svc.AcknowledgeAlert(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, parking.AlertAcknowledged, acked.Status)

	// Acknowledging does not close the episode: a repeat breach stays deduped
	// only against active alerts, so the resolved path must still work.
	resolved, err := f.svc.ResolveAlert(ctx, created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, parking.AlertResolved, resolved.Status)
}

func TestAcknowledgeAlertNotFound(t *testing.T) {
	f := newLifecycleFixture()

	_, err := f.svc.AcknowledgeAlert(context.Background(), 42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestViolationOperatorTransitions(t *testing.T) {
	f := newLifecycleFixture()
	ctx := context.Background()

	_, err := f.svc.Apply(ctx, testLot(), overparkingResult(12))
	require.NoError(t, err)
	require.Len(t, f.violations.violations, 1)
	id := f.violations.violations[0].ID

	acked, err := f.svc.AcknowledgeViolation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, parking.ViolationAcknowledged, acked.Status)

	resolved, err := f.svc.ResolveViolation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, parking.ViolationResolved, resolved.Status)

	_, err = f.svc.ResolveViolation(ctx, 42)
	require.ErrorIs(t, err, ErrNotFound)
}
