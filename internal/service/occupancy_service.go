package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"parking-monitor/internal/domain/parking"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
)

// LotStore is the slot-store abstraction the reconciler runs against.
// GetLot returns (nil, nil) when the lot does not exist.
type LotStore interface {
	GetLot(ctx context.Context, lotID int64) (*parking.ParkingLot, error)
	EnsureSlots(ctx context.Context, lotID int64, totalSlots int) error
	SaveSlots(ctx context.Context, lotID int64, slots []parking.Slot) error
	AppendCapacityLog(ctx context.Context, entry *parking.CapacityLog) error
	LatestCapacityLog(ctx context.Context, lotID int64) (*parking.CapacityLog, error)
	UpdateCameraSeen(ctx context.Context, lotID int64, seenAt time.Time) error
}

type OccupancyService struct {
	lots              LotStore
	defaultConfidence float64
	log               zerolog.Logger
}

func NewOccupancyService(lots LotStore, defaultConfidence float64, log zerolog.Logger) *OccupancyService {
	return &OccupancyService{
		lots:              lots,
		defaultConfidence: defaultConfidence,
		log:               log,
	}
}

// Reconcile runs one reconciliation tick: it validates the detection report,
// updates the lot's stored slot state, appends a capacity log entry and
// returns the classification. The lot is returned alongside the result so the
// lifecycle manager can act on it without a second lookup.
func (s *OccupancyService) Reconcile(ctx context.Context, report parking.DetectionReport) (*parking.ReconcileResult, *parking.ParkingLot, error) {
	if err := validateReport(report); err != nil {
		return nil, nil, err
	}

	lot, err := s.lots.GetLot(ctx, report.ParkingLotID)
	if err != nil {
		return nil, nil, fmt.Errorf("load lot %d: %w", report.ParkingLotID, err)
	}
	if lot == nil {
		return nil, nil, fmt.Errorf("%w: parking lot %d", ErrNotFound, report.ParkingLotID)
	}

	// Provision empty slots for a lot that was never reconciled before.
	if len(lot.Slots) == 0 && lot.TotalSlots > 0 {
		if err := s.lots.EnsureSlots(ctx, lot.ID, lot.TotalSlots); err != nil {
			return nil, nil, fmt.Errorf("provision slots for lot %d: %w", lot.ID, err)
		}
		now := time.Now()
		lot.Slots = make([]parking.Slot, 0, lot.TotalSlots)
		for i := 1; i <= lot.TotalSlots; i++ {
			lot.Slots = append(lot.Slots, parking.Slot{SlotID: i, Status: parking.SlotEmpty, LastUpdated: now})
		}
		s.log.Info().Int64("lot_id", lot.ID).Int("total_slots", lot.TotalSlots).Msg("provisioned empty slots")
	}

	now := time.Now()
	result := &parking.ReconcileResult{}
	detectedOccupied := report.Occupied

	switch {
	case detectedOccupied > lot.TotalSlots:
		// Overparking: every stored slot is occupied and the raw detected
		// count is reported as-is, so the rate may exceed 100%.
		forceAll(lot.Slots, parking.SlotOccupied, now)
		result.Classification = parking.ClassOverparking
		result.Occupied = detectedOccupied
		result.Empty = 0
		result.ExcessVehicles = detectedOccupied - lot.TotalSlots
		result.UpdatedSlotCount = len(lot.Slots)

	case detectedOccupied == lot.TotalSlots && detectedOccupied > 0:
		forceAll(lot.Slots, parking.SlotOccupied, now)
		result.Classification = parking.ClassFull
		result.Occupied = lot.TotalSlots
		result.Empty = 0
		result.UpdatedSlotCount = len(lot.Slots)

	default:
		result.Classification = parking.ClassNormal
		matched, ignored := matchBySlotID(lot.Slots, report.Slots, lot.TotalSlots, now)
		result.UpdatedSlotCount = matched
		if ignored > 0 {
			result.AdjustmentNote = fmt.Sprintf("ignored %d detections without a matching provisioned slot", ignored)
			s.log.Debug().
				Int64("lot_id", lot.ID).
				Int("ignored", ignored).
				Msg("detection report did not line up with provisioned slots")
		}
		occupied := 0
		for _, slot := range lot.Slots {
			if slot.Status == parking.SlotOccupied {
				occupied++
			}
		}
		result.Occupied = occupied
		result.Empty = lot.TotalSlots - occupied
	}

	result.OccupancyRate = occupancyRate(result.Occupied, lot.TotalSlots)

	if err := s.lots.SaveSlots(ctx, lot.ID, lot.Slots); err != nil {
		return nil, nil, fmt.Errorf("save slots for lot %d: %w", lot.ID, err)
	}

	entry := &parking.CapacityLog{
		LotID:          lot.ID,
		TotalSlots:     lot.TotalSlots,
		Occupied:       result.Occupied,
		Empty:          result.Empty,
		OccupancyRate:  result.OccupancyRate,
		SlotStatuses:   slotStatuses(lot.Slots),
		Confidence:     s.reportConfidence(report),
		ProcessingTime: report.ProcessingTime,
		Timestamp:      reportTimestamp(report, now),
	}
	if err := s.lots.AppendCapacityLog(ctx, entry); err != nil {
		return nil, nil, fmt.Errorf("append capacity log for lot %d: %w", lot.ID, err)
	}

	if err := s.lots.UpdateCameraSeen(ctx, lot.ID, now); err != nil {
		// Camera health is a marker, not part of the reconciliation outcome.
		s.log.Warn().Err(err).Int64("lot_id", lot.ID).Msg("failed to update camera health marker")
	}

	s.log.Info().
		Int64("lot_id", lot.ID).
		Str("classification", string(result.Classification)).
		Int("occupied", result.Occupied).
		Int("empty", result.Empty).
		Float64("occupancy_rate", result.OccupancyRate).
		Int("updated_slots", result.UpdatedSlotCount).
		Msg("reconciled detection report")

	return result, lot, nil
}

// LatestCapacity returns the lot's current slot state together with the most
// recent capacity log entry, which may be nil for a never-reconciled lot.
func (s *OccupancyService) LatestCapacity(ctx context.Context, lotID int64) (*parking.ParkingLot, *parking.CapacityLog, error) {
	lot, err := s.lots.GetLot(ctx, lotID)
	if err != nil {
		return nil, nil, fmt.Errorf("load lot %d: %w", lotID, err)
	}
	if lot == nil {
		return nil, nil, fmt.Errorf("%w: parking lot %d", ErrNotFound, lotID)
	}
	latest, err := s.lots.LatestCapacityLog(ctx, lotID)
	if err != nil {
		return nil, nil, fmt.Errorf("load latest capacity log for lot %d: %w", lotID, err)
	}
	return lot, latest, nil
}

// validateReport rejects malformed reports before any state is touched.
func validateReport(report parking.DetectionReport) error {
	if report.ParkingLotID <= 0 {
		return fmt.Errorf("%w: parking_lot_id is required", ErrInvalidInput)
	}
	if report.Occupied < 0 {
		return fmt.Errorf("%w: occupied must not be negative", ErrInvalidInput)
	}
	for i, slot := range report.Slots {
		if slot.SlotID < 1 {
			return fmt.Errorf("%w: slots[%d].slot_id must be >= 1", ErrInvalidInput, i)
		}
		if slot.Status != parking.SlotOccupied && slot.Status != parking.SlotEmpty {
			return fmt.Errorf("%w: slots[%d].status must be occupied or empty", ErrInvalidInput, i)
		}
		if slot.Confidence != nil && (*slot.Confidence < 0 || *slot.Confidence > 1) {
			return fmt.Errorf("%w: slots[%d].confidence must be within [0,1]", ErrInvalidInput, i)
		}
	}
	return nil
}

func forceAll(slots []parking.Slot, status parking.SlotStatus, now time.Time) {
	for i := range slots {
		slots[i].Status = status
		slots[i].LastUpdated = now
	}
}

// matchBySlotID applies detected statuses to stored slots by slot id equality,
// not by position. The detector may see fewer slots than are provisioned or
// enumerate them in a different order, so unmatched stored slots keep their
// previous status and detections without a provisioned counterpart are ignored.
func matchBySlotID(stored []parking.Slot, detected []parking.DetectedSlot, totalSlots int, now time.Time) (matched, ignored int) {
	index := make(map[int]int, len(stored))
	for i, slot := range stored {
		index[slot.SlotID] = i
	}

	limit := len(detected)
	if limit > totalSlots {
		ignored += limit - totalSlots
		limit = totalSlots
	}
	for _, d := range detected[:limit] {
		i, ok := index[d.SlotID]
		if !ok {
			ignored++
			continue
		}
		stored[i].Status = d.Status
		stored[i].LastUpdated = now
		matched++
	}
	return matched, ignored
}

func occupancyRate(occupied, totalSlots int) float64 {
	if totalSlots == 0 {
		return 0
	}
	rate := float64(occupied) / float64(totalSlots) * 100
	return math.Round(rate*100) / 100
}

func slotStatuses(slots []parking.Slot) []parking.SlotStatus {
	statuses := make([]parking.SlotStatus, 0, len(slots))
	for _, slot := range slots {
		statuses = append(statuses, slot.Status)
	}
	return statuses
}

// reportConfidence averages the per-slot confidences, falling back to the
// configured default when the report carries none.
func (s *OccupancyService) reportConfidence(report parking.DetectionReport) float64 {
	sum, n := 0.0, 0
	for _, slot := range report.Slots {
		if slot.Confidence != nil {
			sum += *slot.Confidence
			n++
		}
	}
	if n == 0 {
		return s.defaultConfidence
	}
	return sum / float64(n)
}

func reportTimestamp(report parking.DetectionReport, now time.Time) time.Time {
	if report.Timestamp.IsZero() {
		return now
	}
	return report.Timestamp
}
