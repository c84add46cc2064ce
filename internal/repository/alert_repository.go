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

type AlertRepository struct {
	db *gorm.DB
}

func NewAlertRepository(db *gorm.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

type Alert struct {
	ID           int64  `gorm:"primaryKey"`
	Type         string `gorm:"not null"`
	Severity     string `gorm:"not null"`
	LotID        int64  `gorm:"not null"`
	ContractorID *int64
	Message      string `gorm:"not null"`
	Status       string `gorm:"not null;default:active"`
	Metadata     datatypes.JSON
	CreatedAt    time.Time
	ResolvedAt   *time.Time
}

func (r *AlertRepository) FindActive(ctx context.Context, lotID int64, alertType parking.AlertType) (*parking.Alert, error) {
	var row Alert
	err := r.db.WithContext(ctx).
		Where("lot_id = ? AND type = ? AND status = ?", lotID, string(alertType), string(parking.AlertActive)).
		First(&row).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return alertRowToDomain(&row)
}

func (r *AlertRepository) Create(ctx context.Context, alert *parking.Alert) error {
	row := Alert{
		Type:         string(alert.Type),
		Severity:     string(alert.Severity),
		LotID:        alert.LotID,
		ContractorID: alert.ContractorID,
		Message:      alert.Message,
		Status:       string(parking.AlertActive),
		CreatedAt:    time.Now(),
	}
	if len(alert.Metadata) > 0 {
		meta, err := json.Marshal(alert.Metadata)
		if err != nil {
			return fmt.Errorf("marshal alert metadata: %w", err)
		}
		row.Metadata = datatypes.JSON(meta)
	}

	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}
	alert.ID = row.ID
	alert.Status = parking.AlertActive
	alert.CreatedAt = row.CreatedAt
	return nil
}

func (r *AlertRepository) Acknowledge(ctx context.Context, id int64) (*parking.Alert, error) {
	return r.transition(ctx, id, string(parking.AlertActive), string(parking.AlertAcknowledged), nil)
}

func (r *AlertRepository) Resolve(ctx context.Context, id int64) (*parking.Alert, error) {
	now := time.Now()
	return r.transition(ctx, id, "", string(parking.AlertResolved), &now)
}

func (r *AlertRepository) transition(ctx context.Context, id int64, fromStatus, toStatus string, resolvedAt *time.Time) (*parking.Alert, error) {
	var row Alert
	err := r.db.WithContext(ctx).First(&row, id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if fromStatus != "" && row.Status != fromStatus {
		return nil, fmt.Errorf("alert %d is %s, expected %s", id, row.Status, fromStatus)
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
	return alertRowToDomain(&row)
}

// ResolveActiveByTypes bulk-resolves every active alert of the given types for
// a lot and returns the alerts that were transitioned, for broadcasting.
func (r *AlertRepository) ResolveActiveByTypes(ctx context.Context, lotID int64, types []parking.AlertType) ([]parking.Alert, error) {
	typeStrings := make([]string, 0, len(types))
	for _, t := range types {
		typeStrings = append(typeStrings, string(t))
	}

	var rows []Alert
	err := r.db.WithContext(ctx).
		Where("lot_id = ? AND type IN ? AND status = ?", lotID, typeStrings, string(parking.AlertActive)).
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
	err = r.db.WithContext(ctx).Model(&Alert{}).
		Where("id IN ?", ids).
		Updates(map[string]interface{}{
			"status":      string(parking.AlertResolved),
			"resolved_at": now,
		}).Error
	if err != nil {
		return nil, err
	}

	resolved := make([]parking.Alert, 0, len(rows))
	for i := range rows {
		rows[i].Status = string(parking.AlertResolved)
		rows[i].ResolvedAt = &now
		alert, err := alertRowToDomain(&rows[i])
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, *alert)
	}
	return resolved, nil
}

func (r *AlertRepository) ListByLot(ctx context.Context, lotID int64, limit int) ([]parking.Alert, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var rows []Alert
	err := r.db.WithContext(ctx).
		Where("lot_id = ?", lotID).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	alerts := make([]parking.Alert, 0, len(rows))
	for i := range rows {
		alert, err := alertRowToDomain(&rows[i])
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *alert)
	}
	return alerts, nil
}

func alertRowToDomain(row *Alert) (*parking.Alert, error) {
	alert := &parking.Alert{
		ID:           row.ID,
		Type:         parking.AlertType(row.Type),
		Severity:     parking.AlertSeverity(row.Severity),
		LotID:        row.LotID,
		ContractorID: row.ContractorID,
		Message:      row.Message,
		Status:       parking.AlertStatus(row.Status),
		CreatedAt:    row.CreatedAt,
		ResolvedAt:   row.ResolvedAt,
	}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &alert.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal alert metadata: %w", err)
		}
	}
	return alert, nil
}
