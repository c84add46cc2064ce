package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"parking-monitor/internal/domain/parking"
)

type LotRepository struct {
	db *gorm.DB
}

func NewLotRepository(db *gorm.DB) *LotRepository {
	return &LotRepository{db: db}
}

type ParkingLot struct {
	ID           int64  `gorm:"primaryKey"`
	Name         string `gorm:"not null"`
	ContractorID *int64
	TotalSlots   int `gorm:"not null"`
	CameraOnline bool
	LastSeenAt   *time.Time
	CreatedAt    time.Time
}

type Slot struct {
	LotID       int64   `gorm:"primaryKey"`
	SlotID      int     `gorm:"primaryKey"`
	X           float64
	Y           float64
	Width       float64
	Height      float64
	Status      string  `gorm:"not null;default:empty"`
	LastUpdated time.Time
}

type CapacityLog struct {
	ID             int64 `gorm:"primaryKey"`
	LotID          int64 `gorm:"not null"`
	TotalSlots     int   `gorm:"not null"`
	Occupied       int   `gorm:"not null"`
	Empty          int   `gorm:"not null"`
	OccupancyRate  float64
	SlotStatuses   datatypes.JSON
	Confidence     float64
	ProcessingTime float64
	Timestamp      time.Time `gorm:"not null"`
	CreatedAt      time.Time
}

type Contractor struct {
	ID                  int64  `gorm:"primaryKey"`
	Name                string `gorm:"not null"`
	PenaltyPerViolation float64
	CreatedAt           time.Time
}

func (r *LotRepository) GetLot(ctx context.Context, lotID int64) (*parking.ParkingLot, error) {
	var row ParkingLot
	err := r.db.WithContext(ctx).First(&row, lotID).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var slotRows []Slot
	if err := r.db.WithContext(ctx).
		Where("lot_id = ?", lotID).
		Order("slot_id ASC").
		Find(&slotRows).Error; err != nil {
		return nil, err
	}

	lot := &parking.ParkingLot{
		ID:           row.ID,
		Name:         row.Name,
		TotalSlots:   row.TotalSlots,
		CameraOnline: row.CameraOnline,
		LastSeenAt:   row.LastSeenAt,
		Slots:        make([]parking.Slot, 0, len(slotRows)),
	}
	if row.ContractorID != nil {
		lot.ContractorID = *row.ContractorID
	}
	for _, s := range slotRows {
		lot.Slots = append(lot.Slots, parking.Slot{
			SlotID:      s.SlotID,
			X:           s.X,
			Y:           s.Y,
			Width:       s.Width,
			Height:      s.Height,
			Status:      parking.SlotStatus(s.Status),
			LastUpdated: s.LastUpdated,
		})
	}
	return lot, nil
}

// EnsureSlots provisions totalSlots empty slots at zero geometry for a lot
// that has none yet. Safe to call on every tick; existing slots are left alone.
func (r *LotRepository) EnsureSlots(ctx context.Context, lotID int64, totalSlots int) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&Slot{}).
		Where("lot_id = ?", lotID).
		Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	now := time.Now()
	rows := make([]Slot, 0, totalSlots)
	for i := 1; i <= totalSlots; i++ {
		rows = append(rows, Slot{
			LotID:       lotID,
			SlotID:      i,
			Status:      string(parking.SlotEmpty),
			LastUpdated: now,
		})
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
}

// SaveSlots writes the post-reconciliation status of every slot in one
// transaction. Last write wins when two ticks race on the same lot.
func (r *LotRepository) SaveSlots(ctx context.Context, lotID int64, slots []parking.Slot) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, s := range slots {
			err := tx.Model(&Slot{}).
				Where("lot_id = ? AND slot_id = ?", lotID, s.SlotID).
				Updates(map[string]interface{}{
					"status":       string(s.Status),
					"last_updated": s.LastUpdated,
				}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *LotRepository) AppendCapacityLog(ctx context.Context, entry *parking.CapacityLog) error {
	statuses, err := json.Marshal(entry.SlotStatuses)
	if err != nil {
		return fmt.Errorf("marshal slot statuses: %w", err)
	}

	row := CapacityLog{
		LotID:          entry.LotID,
		TotalSlots:     entry.TotalSlots,
		Occupied:       entry.Occupied,
		Empty:          entry.Empty,
		OccupancyRate:  entry.OccupancyRate,
		SlotStatuses:   datatypes.JSON(statuses),
		Confidence:     entry.Confidence,
		ProcessingTime: entry.ProcessingTime,
		Timestamp:      entry.Timestamp,
		CreatedAt:      time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	entry.ID = row.ID
	return nil
}

func (r *LotRepository) LatestCapacityLog(ctx context.Context, lotID int64) (*parking.CapacityLog, error) {
	var row CapacityLog
	err := r.db.WithContext(ctx).
		Where("lot_id = ?", lotID).
		Order("timestamp DESC").
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entry := &parking.CapacityLog{
		ID:             row.ID,
		LotID:          row.LotID,
		TotalSlots:     row.TotalSlots,
		Occupied:       row.Occupied,
		Empty:          row.Empty,
		OccupancyRate:  row.OccupancyRate,
		Confidence:     row.Confidence,
		ProcessingTime: row.ProcessingTime,
		Timestamp:      row.Timestamp,
	}
	if len(row.SlotStatuses) > 0 {
		if err := json.Unmarshal(row.SlotStatuses, &entry.SlotStatuses); err != nil {
			return nil, fmt.Errorf("unmarshal slot statuses: %w", err)
		}
	}
	return entry, nil
}

func (r *LotRepository) UpdateCameraSeen(ctx context.Context, lotID int64, seenAt time.Time) error {
	return r.db.WithContext(ctx).Model(&ParkingLot{}).
		Where("id = ?", lotID).
		Updates(map[string]interface{}{
			"camera_online": true,
			"last_seen_at":  seenAt,
		}).Error
}

// DeleteOldCapacityLogs removes capacity log entries older than the given
// number of days and returns how many rows were deleted.
func (r *LotRepository) DeleteOldCapacityLogs(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days)
	result := r.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&CapacityLog{})
	return result.RowsAffected, result.Error
}

type ContractorRepository struct {
	db *gorm.DB
}

func NewContractorRepository(db *gorm.DB) *ContractorRepository {
	return &ContractorRepository{db: db}
}

func (r *ContractorRepository) GetByID(ctx context.Context, id int64) (*parking.Contractor, error) {
	var row Contractor
	if err := r.db.WithContext(ctx).First(&row, id).Error; err != nil {
		return nil, err
	}
	return &parking.Contractor{
		ID:                  row.ID,
		Name:                row.Name,
		PenaltyPerViolation: row.PenaltyPerViolation,
	}, nil
}
