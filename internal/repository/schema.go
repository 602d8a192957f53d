package repository

import (
	"context"
	"fmt"
)

// Schema is the minimal DDL the dispatch core runs against. Production databases are
// migrated by the platform team; this is applied by `serve --init-schema` and tests.
const Schema = `
CREATE TABLE IF NOT EXISTS drivers (
	id              TEXT PRIMARY KEY,
	email           TEXT NOT NULL DEFAULT '',
	name            TEXT NOT NULL DEFAULT '',
	approval_status TEXT NOT NULL DEFAULT 'PENDING',
	vehicle_id      TEXT
);

CREATE TABLE IF NOT EXISTS vehicles (
	id                 TEXT PRIMARY KEY,
	type               TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'AVAILABLE',
	locked_for_ride    BOOLEAN NOT NULL DEFAULT FALSE,
	current_booking_id TEXT,
	driver_id          TEXT NOT NULL DEFAULT '',
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (NOT locked_for_ride OR status <> 'AVAILABLE')
);

CREATE TABLE IF NOT EXISTS bookings (
	id              TEXT PRIMARY KEY,
	booking_code    TEXT NOT NULL UNIQUE,
	customer_id     TEXT NOT NULL,
	vehicle_type    TEXT NOT NULL,
	pickup_address  TEXT NOT NULL,
	pickup_lat      DOUBLE PRECISION NOT NULL,
	pickup_lng      DOUBLE PRECISION NOT NULL,
	drop_address    TEXT NOT NULL,
	drop_lat        DOUBLE PRECISION NOT NULL,
	drop_lng        DOUBLE PRECISION NOT NULL,
	passenger_count INT NOT NULL,
	contact_number  TEXT NOT NULL,
	scheduled_time  TIMESTAMPTZ,
	distance_km     DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_cost      DOUBLE PRECISION NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	driver_id       TEXT,
	vehicle_id      TEXT,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL,
	broadcasted_at  TIMESTAMPTZ,
	accepted_at     TIMESTAMPTZ,
	arrived_at      TIMESTAMPTZ,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ,
	cancelled_at    TIMESTAMPTZ,
	cancel_reason   TEXT NOT NULL DEFAULT '',
	version         BIGINT NOT NULL DEFAULT 1,
	CHECK ((driver_id IS NULL) = (vehicle_id IS NULL))
);

ALTER TABLE bookings ADD COLUMN IF NOT EXISTS version BIGINT NOT NULL DEFAULT 1;

CREATE INDEX IF NOT EXISTS bookings_status_type_idx ON bookings (status, vehicle_type);
CREATE UNIQUE INDEX IF NOT EXISTS bookings_one_active_per_customer ON bookings (customer_id)
	WHERE status IN ('PENDING', 'BROADCASTED', 'ACCEPTED', 'ARRIVED', 'STARTED');
CREATE UNIQUE INDEX IF NOT EXISTS bookings_one_active_per_driver ON bookings (driver_id)
	WHERE driver_id IS NOT NULL AND status IN ('ACCEPTED', 'ARRIVED', 'STARTED');
CREATE UNIQUE INDEX IF NOT EXISTS bookings_one_active_per_vehicle ON bookings (vehicle_id)
	WHERE vehicle_id IS NOT NULL AND status IN ('ACCEPTED', 'ARRIVED', 'STARTED');
`

func ApplySchema(ctx context.Context, db DBTX) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
