package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"parking-monitor/internal/domain/parking"
)

type ViolationRepository struct {
	db *gorm.DB
}

func NewViolationRepository(db *gorm.DB) *ViolationRepository {
	return &ViolationRepository{db: db}
}

type Violation struct {
	ID            int64  `gorm:"primaryKey"`
	ContractorID  int64  `gorm:"not null"`
	LotID         int64  `gorm:"not null"`
	ViolationType string `gorm:"not null"`
	Details       datatypes.JSON
	Penalty       float64 `gorm:"not null"`
	Status        string  `gorm:"not null;default:pending"`
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

func (r *ViolationRepository) Create(ctx context.Context, v *parking.Violation) error {
	details, err := json.Marshal(v.Details)
	if err != nil {
		return fmt.Errorf("marshal violation details: %w", err)
	}

	row := Violation{
		ContractorID:  v.ContractorID,
		LotID:         v.LotID,
		ViolationType: string(v.ViolationType),
		Details:       datatypes.JSON(details),
		Penalty:       v.Penalty,
		Status:        string(parking.ViolationPending),
		CreatedAt:     time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	v.ID = row.ID
	v.Status = parking.ViolationPending
	v.CreatedAt = row.CreatedAt
	return nil
}

// HasPending reports whether a breach episode of the given type is already
// open for the lot.
func (r *ViolationRepository) HasPending(ctx context.Context, lotID int64, vtype parking.AlertType) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&Violation{}).
		Where("lot_id = ? AND violation_type = ? AND status = ?", lotID, string(vtype), string(parking.ViolationPending)).
		Count(&count).Error
	return count > 0, err
}

// ResolvePendingByType closes every pending violation of the given type for a
// lot and returns the violations that were transitioned.
func (r *ViolationRepository) ResolvePendingByType(ctx context.Context, lotID int64, vtype parking.AlertType) ([]parking.Violation, error) {
	var rows []Violation
	err := r.db.WithContext(ctx).
		Where("lot_id = ? AND violation_type = ? AND status = ?", lotID, string(vtype), string(parking.ViolationPending)).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	now := time.Now()
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	err = r.db.WithContext(ctx).Model(&Violation{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":      string(parking.ViolationResolved),
			"resolved_at": now,
		}).Error
	if err != nil {
		return nil, err
	}

	resolved := make([]parking.Violation, 0, len(rows))
	for i := range rows {
		rows[i].Status = string(parking.ViolationResolved)
		rows[i].ResolvedAt = &now
		v, err := violationRowToDomain(&rows[i])
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, *v)
	}
	return resolved, nil
}

func (r *ViolationRepository) Acknowledge(ctx context.Context, id int64) (*parking.Violation, error) {
	return r.transition(ctx, id, string(parking.ViolationPending), string(parking.ViolationAcknowledged), nil)
}

func (r *ViolationRepository) Resolve(ctx context.Context, id int64) (*parking.Violation, error) {
	now := time.Now()
	return r.transition(ctx, id, "", string(parking.ViolationResolved), &now)
}

func (r *ViolationRepository) transition(ctx context.Context, id int64, fromStatus, toStatus string, resolvedAt *time.Time) (*parking.Violation, error) {
	var row Violation
	err := r.db.WithContext(ctx).First(&row, id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if fromStatus != "" && row.Status != fromStatus {
		return nil, fmt.Errorf("violation %d is %s, expected %s", id, row.Status, fromStatus)
	}

	updates := map[string]interface{}{"status": toStatus}
	if resolvedAt != nil {
		updates["resolved_at"] = *resolvedAt
	}
	if err := r.db.WithContext(ctx).Model(&row).Updates(updates).Error; err != nil {
		return nil, err
	}
	row.Status = toStatus
	row.ResolvedAt = resolvedAt
	return violationRowToDomain(&row)
}

func (r *ViolationRepository) ListByLot(ctx context.Context, lotID int64, limit int) ([]parking.Violation, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var rows []Violation
	err := r.db.WithContext(ctx).
		Where("lot_id = ?", lotID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	violations := make([]parking.Violation, 0, len(rows))
	for i := range rows {
		v, err := violationRowToDomain(&rows[i])
		if err != nil {
			return nil, err
		}
		violations = append(violations, *v)
	}
	return violations, nil
}

func violationRowToDomain(row *Violation) (*parking.Violation, error) {
	v := &parking.Violation{
		ID:            row.ID,
		ContractorID:  row.ContractorID,
		LotID:         row.LotID,
		ViolationType: parking.AlertType(row.ViolationType),
		Penalty:       row.Penalty,
		Status:        parking.ViolationStatus(row.Status),
		CreatedAt:     row.CreatedAt,
		ResolvedAt:    row.ResolvedAt,
	}
	if len(row.Details) > 0 {
		if err := json.Unmarshal(row.Details, &v.Details); err != nil {
			return nil, fmt.Errorf("unmarshal violation details: %w", err)
		}
	}
	return v, nil
}
