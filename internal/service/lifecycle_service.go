package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"parking-monitor/internal/domain/parking"
)

// AlertStore is the alert persistence abstraction. FindActive and the
// transition operations return (nil, nil) when no matching record exists.
type AlertStore interface {
	FindActive(ctx context.Context, lotID int64, alertType parking.AlertType) (*parking.Alert, error)
	Create(ctx context.Context, alert *parking.Alert) error
	ResolveActiveByTypes(ctx context.Context, lotID int64, types []parking.AlertType) ([]parking.Alert, error)
	Acknowledge(ctx context.Context, id int64) (*parking.Alert, error)
	Resolve(ctx context.Context, id int64) (*parking.Alert, error)
	ListByLot(ctx context.Context, lotID int64, limit int) ([]parking.Alert, error)
}

type ViolationStore interface {
	Create(ctx context.Context, v *parking.Violation) error
	HasPending(ctx context.Context, lotID int64, vtype parking.AlertType) (bool, error)
	ResolvePendingByType(ctx context.Context, lotID int64, vtype parking.AlertType) ([]parking.Violation, error)
	Acknowledge(ctx context.Context, id int64) (*parking.Violation, error)
	Resolve(ctx context.Context, id int64) (*parking.Violation, error)
	ListByLot(ctx context.Context, lotID int64, limit int) ([]parking.Violation, error)
}

type ContractorStore interface {
	GetByID(ctx context.Context, id int64) (*parking.Contractor, error)
}

// Broadcaster receives every alert/violation lifecycle transition. Events are
// emitted even when no observer is connected; late observers get no replay.
type Broadcaster interface {
	Broadcast(eventType string, payload any)
}

type LifecycleService struct {
	alerts      AlertStore
	violations  ViolationStore
	contractors ContractorStore
	hub         Broadcaster

	warnThreshold  float64
	defaultPenalty float64
	log            zerolog.Logger
}

func NewLifecycleService(
	alerts AlertStore,
	violations ViolationStore,
	contractors ContractorStore,
	hub Broadcaster,
	warnThreshold float64,
	defaultPenalty float64,
	log zerolog.Logger,
) *LifecycleService {
	return &LifecycleService{
		alerts:         alerts,
		violations:     violations,
		contractors:    contractors,
		hub:            hub,
		warnThreshold:  warnThreshold,
		defaultPenalty: defaultPenalty,
		log:            log,
	}
}

// Apply consumes one reconciliation outcome and advances the alert/violation
// state machine for the lot. It returns the alerts created this tick.
func (s *LifecycleService) Apply(ctx context.Context, lot *parking.ParkingLot, result *parking.ReconcileResult) ([]parking.Alert, error) {
	switch result.Classification {
	case parking.ClassOverparking:
		return s.applyOverparking(ctx, lot, result)
	case parking.ClassFull:
		return s.applyFull(ctx, lot, result)
	default:
		return s.applyNormal(ctx, lot, result)
	}
}

func (s *LifecycleService) applyOverparking(ctx context.Context, lot *parking.ParkingLot, result *parking.ReconcileResult) ([]parking.Alert, error) {
	var created []parking.Alert

	alert, err := s.raiseAlert(ctx, lot, parking.AlertOverparking, parking.SeverityHigh,
		fmt.Sprintf("%s is overparked: %d vehicles detected for %d slots", lot.Name, result.Occupied, lot.TotalSlots),
		map[string]any{
			"occupied":        result.Occupied,
			"total_slots":     lot.TotalSlots,
			"excess_vehicles": result.ExcessVehicles,
		})
	if err != nil {
		return nil, err
	}
	if alert != nil {
		created = append(created, *alert)
	}

	// One violation per breach episode, not one per tick.
	pending, err := s.violations.HasPending(ctx, lot.ID, parking.AlertOverparking)
	if err != nil {
		return created, fmt.Errorf("check pending violations for lot %d: %w", lot.ID, err)
	}
	if !pending {
		violation := &parking.Violation{
			ContractorID:  lot.ContractorID,
			LotID:         lot.ID,
			ViolationType: parking.AlertOverparking,
			Details: parking.ViolationDetails{
				AllocatedCapacity: lot.TotalSlots,
				ActualOccupancy:   result.Occupied,
				ExcessVehicles:    result.ExcessVehicles,
			},
			Penalty: float64(result.ExcessVehicles) * s.penaltyRate(ctx, lot.ContractorID),
		}
		if err := s.violations.Create(ctx, violation); err != nil {
			return created, fmt.Errorf("create violation for lot %d: %w", lot.ID, err)
		}
		s.hub.Broadcast("violation", violation)
		s.log.Info().
			Int64("lot_id", lot.ID).
			Int64("violation_id", violation.ID).
			Int("excess_vehicles", result.ExcessVehicles).
			Float64("penalty", violation.Penalty).
			Msg("opened overparking violation")
	}

	return created, nil
}

func (s *LifecycleService) applyFull(ctx context.Context, lot *parking.ParkingLot, result *parking.ReconcileResult) ([]parking.Alert, error) {
	alert, err := s.raiseAlert(ctx, lot, parking.AlertCapacityFull, parking.SeverityHigh,
		fmt.Sprintf("%s is at full capacity (%d/%d)", lot.Name, result.Occupied, lot.TotalSlots),
		map[string]any{
			"occupied":    result.Occupied,
			"total_slots": lot.TotalSlots,
		})
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, nil
	}
	return []parking.Alert{*alert}, nil
}

func (s *LifecycleService) applyNormal(ctx context.Context, lot *parking.ParkingLot, result *parking.ReconcileResult) ([]parking.Alert, error) {
	// Occupancy is back within capacity: auto-clear the breach, same tick.
	resolved, err := s.alerts.ResolveActiveByTypes(ctx, lot.ID, []parking.AlertType{parking.AlertOverparking, parking.AlertCapacityFull})
	if err != nil {
		return nil, fmt.Errorf("auto-resolve alerts for lot %d: %w", lot.ID, err)
	}
	for i := range resolved {
		s.hub.Broadcast("alert", &resolved[i])
		s.log.Info().
			Int64("lot_id", lot.ID).
			Int64("alert_id", resolved[i].ID).
			Str("type", string(resolved[i].Type)).
			Msg("auto-resolved alert")
	}

	closedViolations, err := s.violations.ResolvePendingByType(ctx, lot.ID, parking.AlertOverparking)
	if err != nil {
		return nil, fmt.Errorf("auto-resolve violations for lot %d: %w", lot.ID, err)
	}
	for i := range closedViolations {
		s.hub.Broadcast("violation", &closedViolations[i])
		s.log.Info().
			Int64("lot_id", lot.ID).
			Int64("violation_id", closedViolations[i].ID).
			Msg("auto-resolved violation, occupancy back within capacity")
	}

	if result.OccupancyRate >= s.warnThreshold*100 {
		alert, err := s.raiseAlert(ctx, lot, parking.AlertCapacityWarning, parking.SeverityMedium,
			fmt.Sprintf("%s is nearly full (%.0f%% occupied)", lot.Name, result.OccupancyRate),
			map[string]any{
				"occupied":       result.Occupied,
				"total_slots":    lot.TotalSlots,
				"occupancy_rate": result.OccupancyRate,
			})
		if err != nil {
			return nil, err
		}
		if alert != nil {
			return []parking.Alert{*alert}, nil
		}
		return nil, nil
	}

	// Below the warning threshold the warning condition has cleared too.
	cleared, err := s.alerts.ResolveActiveByTypes(ctx, lot.ID, []parking.AlertType{parking.AlertCapacityWarning})
	if err != nil {
		return nil, fmt.Errorf("resolve capacity warning for lot %d: %w", lot.ID, err)
	}
	for i := range cleared {
		s.hub.Broadcast("alert", &cleared[i])
	}
	return nil, nil
}

// raiseAlert creates an active alert unless one of the same type is already
// active for the lot (the dedup guard). Returns nil when deduplicated.
func (s *LifecycleService) raiseAlert(ctx context.Context, lot *parking.ParkingLot, alertType parking.AlertType, severity parking.AlertSeverity, message string, metadata map[string]any) (*parking.Alert, error) {
	existing, err := s.alerts.FindActive(ctx, lot.ID, alertType)
	if err != nil {
		return nil, fmt.Errorf("dedup check for lot %d: %w", lot.ID, err)
	}
	if existing != nil {
		return nil, nil
	}

	alert := &parking.Alert{
		Type:     alertType,
		Severity: severity,
		LotID:    lot.ID,
		Message:  message,
		Metadata: metadata,
	}
	if lot.ContractorID != 0 {
		contractorID := lot.ContractorID
		alert.ContractorID = &contractorID
	}
	if err := s.alerts.Create(ctx, alert); err != nil {
		return nil, fmt.Errorf("create %s alert for lot %d: %w", alertType, lot.ID, err)
	}

	s.hub.Broadcast("alert", alert)
	s.log.Info().
		Int64("lot_id", lot.ID).
		Int64("alert_id", alert.ID).
		Str("type", string(alertType)).
		Str("severity", string(severity)).
		Msg("raised alert")
	return alert, nil
}

// penaltyRate resolves the contractor's penalty per excess vehicle, falling
// back to the configured default when the contractor cannot be looked up.
// Availability wins over precision for this derived value.
func (s *LifecycleService) penaltyRate(ctx context.Context, contractorID int64) float64 {
	contractor, err := s.contractors.GetByID(ctx, contractorID)
	if err != nil || contractor == nil {
		s.log.Warn().
			Err(err).
			Int64("contractor_id", contractorID).
			Float64("default_penalty", s.defaultPenalty).
			Msg("contractor lookup failed, using default penalty rate")
		return s.defaultPenalty
	}
	return contractor.PenaltyPerViolation
}

func (s *LifecycleService) AcknowledgeAlert(ctx context.Context, id int64) (*parking.Alert, error) {
	alert, err := s.alerts.Acknowledge(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("acknowledge alert %d: %w", id, err)
	}
	if alert == nil {
		return nil, fmt.Errorf("%w: alert %d", ErrNotFound, id)
	}
	s.hub.Broadcast("alert", alert)
	return alert, nil
}

func (s *LifecycleService) ResolveAlert(ctx context.Context, id int64) (*parking.Alert, error) {
	alert, err := s.alerts.Resolve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve alert %d: %w", id, err)
	}
	if alert == nil {
		return nil, fmt.Errorf("%w: alert %d", ErrNotFound, id)
	}
	s.hub.Broadcast("alert", alert)
	return alert, nil
}

func (s *LifecycleService) AcknowledgeViolation(ctx context.Context, id int64) (*parking.Violation, error) {
	violation, err := s.violations.Acknowledge(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("acknowledge violation %d: %w", id, err)
	}
	if violation == nil {
		return nil, fmt.Errorf("%w: violation %d", ErrNotFound, id)
	}
	s.hub.Broadcast("violation", violation)
	return violation, nil
}

func (s *LifecycleService) ResolveViolation(ctx context.Context, id int64) (*parking.Violation, error) {
	violation, err := s.violations.Resolve(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve violation %d: %w", id, err)
	}
	if violation == nil {
		return nil, fmt.Errorf("%w: violation %d", ErrNotFound, id)
	}
	s.hub.Broadcast("violation", violation)
	return violation, nil
}

func (s *LifecycleService) ListAlerts(ctx context.Context, lotID int64, limit int) ([]parking.Alert, error) {
	return s.alerts.ListByLot(ctx, lotID, limit)
}

func (s *LifecycleService) ListViolations(ctx context.Context, lotID int64, limit int) ([]parking.Violation, error) {
	return s.violations.ListByLot(ctx, lotID, limit)
}
