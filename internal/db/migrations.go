package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS contractors (
		id                    BIGSERIAL PRIMARY KEY,
		name                  TEXT NOT NULL,
		penalty_per_violation NUMERIC(10,2) NOT NULL DEFAULT 0,
		created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE TABLE IF NOT EXISTS parking_lots (
		id              BIGSERIAL PRIMARY KEY,
		name            TEXT NOT NULL,
		contractor_id   BIGINT REFERENCES contractors(id),
		total_slots     INT NOT NULL,
		camera_online   BOOLEAN NOT NULL DEFAULT false,
		last_seen_at    TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE TABLE IF NOT EXISTS slots (
		lot_id          BIGINT NOT NULL REFERENCES parking_lots(id),
		slot_id         INT NOT NULL,
		x               DOUBLE PRECISION NOT NULL DEFAULT 0,
		y               DOUBLE PRECISION NOT NULL DEFAULT 0,
		width           DOUBLE PRECISION NOT NULL DEFAULT 0,
		height          DOUBLE PRECISION NOT NULL DEFAULT 0,
		status          TEXT NOT NULL DEFAULT 'empty',
		last_updated    TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (lot_id, slot_id)
	);`,
	`CREATE TABLE IF NOT EXISTS capacity_logs (
		id              BIGSERIAL PRIMARY KEY,
		lot_id          BIGINT NOT NULL REFERENCES parking_lots(id),
		total_slots     INT NOT NULL,
		occupied        INT NOT NULL,
		empty           INT NOT NULL,
		occupancy_rate  NUMERIC(6,2) NOT NULL,
		slot_statuses   JSONB,
		confidence      NUMERIC(4,3),
		processing_time NUMERIC(8,3),
		timestamp       TIMESTAMPTZ NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_capacity_logs_lot_id ON capacity_logs(lot_id);`,
	`CREATE INDEX IF NOT EXISTS idx_capacity_logs_timestamp ON capacity_logs(timestamp);`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id              BIGSERIAL PRIMARY KEY,
		type            TEXT NOT NULL,
		severity        TEXT NOT NULL,
		lot_id          BIGINT NOT NULL REFERENCES parking_lots(id),
		contractor_id   BIGINT REFERENCES contractors(id),
		message         TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'active',
		metadata        JSONB,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		resolved_at     TIMESTAMPTZ
	);`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_lot_id_status ON alerts(lot_id, status);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_alerts_active_lot_type ON alerts(lot_id, type) WHERE status = 'active';`,
	`CREATE TABLE IF NOT EXISTS violations (
		id              BIGSERIAL PRIMARY KEY,
		contractor_id   BIGINT NOT NULL REFERENCES contractors(id),
		lot_id          BIGINT NOT NULL REFERENCES parking_lots(id),
		violation_type  TEXT NOT NULL,
		details         JSONB NOT NULL,
		penalty         NUMERIC(10,2) NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		resolved_at     TIMESTAMPTZ
	);`,
	`CREATE INDEX IF NOT EXISTS idx_violations_lot_id_status ON violations(lot_id, status);`,
}

func RunMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
