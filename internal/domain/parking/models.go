package parking

import (
	"time"
)

type SlotStatus string

const (
	SlotOccupied SlotStatus = "occupied"
	SlotEmpty    SlotStatus = "empty"
)

// Classification is the outcome of one reconciliation tick.
type Classification string

const (
	ClassNormal      Classification = "normal"
	ClassFull        Classification = "full"
	ClassOverparking Classification = "overparking"
)

type AlertType string

const (
	AlertOverparking     AlertType = "overparking"
	AlertCapacityFull    AlertType = "capacity_full"
	AlertCapacityWarning AlertType = "capacity_warning"
)

type AlertSeverity string

const (
	SeverityLow    AlertSeverity = "low"
	SeverityMedium AlertSeverity = "medium"
	SeverityHigh   AlertSeverity = "high"
)

type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

type ViolationStatus string

const (
	ViolationPending      ViolationStatus = "pending"
	ViolationAcknowledged ViolationStatus = "acknowledged"
	ViolationResolved     ViolationStatus = "resolved"
)

type Slot struct {
	SlotID      int        `json:"slot_id"`
	X           float64    `json:"x"`
	Y           float64    `json:"y"`
	Width       float64    `json:"width"`
	Height      float64    `json:"height"`
	Status      SlotStatus `json:"status"`
	LastUpdated time.Time  `json:"last_updated"`
}

type ParkingLot struct {
	ID           int64      `json:"id"`
	Name         string     `json:"name"`
	ContractorID int64      `json:"contractor_id"`
	TotalSlots   int        `json:"total_slots"`
	Slots        []Slot     `json:"slots"`
	CameraOnline bool       `json:"camera_online"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
}

type Contractor struct {
	ID                  int64   `json:"id"`
	Name                string  `json:"name"`
	PenaltyPerViolation float64 `json:"penalty_per_violation"`
}

// CapacityLog is an append-only snapshot of one reconciliation tick.
// Rows are never updated or deleted by the monitoring core; only the
// retention job purges them by age.
type CapacityLog struct {
	ID             int64        `json:"id"`
	LotID          int64        `json:"lot_id"`
	TotalSlots     int          `json:"total_slots"`
	Occupied       int          `json:"occupied"`
	Empty          int          `json:"empty"`
	OccupancyRate  float64      `json:"occupancy_rate"`
	SlotStatuses   []SlotStatus `json:"slot_statuses"`
	Confidence     float64      `json:"confidence"`
	ProcessingTime float64      `json:"processing_time,omitempty"`
	Timestamp      time.Time    `json:"timestamp"`
}

type Alert struct {
	ID           int64          `json:"id"`
	Type         AlertType      `json:"type"`
	Severity     AlertSeverity  `json:"severity"`
	LotID        int64          `json:"lot_id"`
	ContractorID *int64         `json:"contractor_id,omitempty"`
	Message      string         `json:"message"`
	Status       AlertStatus    `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
}

type ViolationDetails struct {
	AllocatedCapacity int     `json:"allocated_capacity"`
	ActualOccupancy   int     `json:"actual_occupancy"`
	ExcessVehicles    int     `json:"excess_vehicles"`
	Duration          float64 `json:"duration,omitempty"`
}

type Violation struct {
	ID            int64            `json:"id"`
	ContractorID  int64            `json:"contractor_id"`
	LotID         int64            `json:"lot_id"`
	ViolationType AlertType        `json:"violation_type"`
	Details       ViolationDetails `json:"details"`
	Penalty       float64          `json:"penalty"`
	Status        ViolationStatus  `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
}

// DetectedSlot is one slot observation inside a detection report.
type DetectedSlot struct {
	SlotID     int        `json:"slot_id"`
	Status     SlotStatus `json:"status"`
	Confidence *float64   `json:"confidence,omitempty"`
}

// DetectionReport is the payload received at the capacity-ingestion boundary.
// Occupied carries the raw detected vehicle count and may exceed TotalSlots.
type DetectionReport struct {
	ParkingLotID   int64          `json:"parking_lot_id"`
	TotalSlots     int            `json:"total_slots,omitempty"`
	Occupied       int            `json:"occupied"`
	Empty          int            `json:"empty,omitempty"`
	Slots          []DetectedSlot `json:"slots"`
	ProcessingTime float64        `json:"processing_time,omitempty"`
	Timestamp      time.Time      `json:"timestamp,omitempty"`
}

// ReconcileResult is the outcome returned to the ingestion caller.
type ReconcileResult struct {
	Classification   Classification `json:"classification"`
	Occupied         int            `json:"occupied"`
	Empty            int            `json:"empty"`
	OccupancyRate    float64        `json:"occupancy_rate"`
	UpdatedSlotCount int            `json:"updated_slot_count"`
	ExcessVehicles   int            `json:"excess_vehicles,omitempty"`
	AdjustmentNote   string         `json:"adjustment_note,omitempty"`
	Alerts           []Alert        `json:"alerts,omitempty"`
}
