package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

// PostgresStore implements Store on PostgreSQL. Every guard of a conditional
// update lives in the WHERE clause of a single statement, so concurrent
// instances observe the same first-write-wins outcome.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresStoreFromDB(db), nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) DB() *sql.DB { return p.db }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate executes a schema script. Statements must be idempotent.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

const rideColumns = `id, rider_id, driver_id, driver_name, vehicle_type, from_location, to_location,
	price, distance, from_lat, from_lon, to_lat, to_lon, status,
	otp_code, otp_expires_at, otp_verified, otp_verified_at, otp_attempts, completion_settled,
	created_at, updated_at, accepted_at, arrived_at, started_at, completed_at, declined_at, cancelled_at`

// stampColumns maps a target status to the timestamp column it owns.
var stampColumns = map[models.Status]string{
	models.StatusAccepted:  "accepted_at",
	models.StatusArrived:   "arrived_at",
	models.StatusStarted:   "started_at",
	models.StatusCompleted: "completed_at",
	models.StatusDeclined:  "declined_at",
	models.StatusCancelled: "cancelled_at",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		r                              models.Ride
		status                         string
		driverID, otpCode              sql.NullString
		fromLat, fromLon, toLat, toLon sql.NullFloat64
		otpExpires, otpVerifiedAt      sql.NullTime
		accepted, arrived, started     sql.NullTime
		completed, declined, cancelled sql.NullTime
	)
	err := row.Scan(
		&r.ID, &r.RiderID, &driverID, &r.DriverName, &r.VehicleType, &r.FromLocation, &r.ToLocation,
		&r.Price, &r.Distance, &fromLat, &fromLon, &toLat, &toLon, &status,
		&otpCode, &otpExpires, &r.OTPVerified, &otpVerifiedAt, &r.OTPAttempts, &r.CompletionSettled,
		&r.CreatedAt, &r.UpdatedAt, &accepted, &arrived, &started, &completed, &declined, &cancelled,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Status = models.Status(status)
	r.DriverID = nullString(driverID)
	r.OTPCode = nullString(otpCode)
	r.Pickup = nullCoord(fromLat, fromLon)
	r.Drop = nullCoord(toLat, toLon)
	r.OTPExpiresAt = nullTime(otpExpires)
	r.OTPVerifiedAt = nullTime(otpVerifiedAt)
	r.AcceptedAt = nullTime(accepted)
	r.ArrivedAt = nullTime(arrived)
	r.StartedAt = nullTime(started)
	r.CompletedAt = nullTime(completed)
	r.DeclinedAt = nullTime(declined)
	r.CancelledAt = nullTime(cancelled)
	return &r, nil
}

func (p *PostgresStore) CreateRide(ctx context.Context, r *models.Ride) error {
	var fromLat, fromLon, toLat, toLon any
	if r.Pickup != nil {
		fromLat, fromLon = r.Pickup.Lat, r.Pickup.Lon
	}
	if r.Drop != nil {
		toLat, toLon = r.Drop.Lat, r.Drop.Lon
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(id, rider_id, vehicle_type, from_location, to_location, price, distance, from_lat, from_lon, to_lat, to_lon, status, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		r.ID, r.RiderID, r.VehicleType, r.FromLocation, r.ToLocation, r.Price, r.Distance,
		fromLat, fromLon, toLat, toLon, string(r.Status), r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id))
}

func (p *PostgresStore) ClaimRide(ctx context.Context, rideID, driverID, driverName string, at time.Time) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `WITH claimed AS (
			UPDATE rides
			SET driver_id=$1, driver_name=$2, status='ACCEPTED', accepted_at=COALESCE(accepted_at, $3), updated_at=$3
			WHERE id=$4 AND status='PENDING' AND driver_id IS NULL
			RETURNING `+rideColumns+`
		), busy AS (
			UPDATE drivers SET is_available=FALSE, updated_at=NOW()
			WHERE id=$1 AND EXISTS (SELECT 1 FROM claimed)
		)
		SELECT `+rideColumns+` FROM claimed`, driverID, driverName, at, rideID))
	if errors.Is(err, ErrNotFound) {
		return nil, p.missReason(ctx, rideID)
	}
	return r, err
}

func (p *PostgresStore) UpdateRideStatus(ctx context.Context, rideID string, from, to models.Status, at time.Time) (*models.Ride, error) {
	col, ok := stampColumns[to]
	if !ok {
		return nil, fmt.Errorf("storage: no timestamp column for status %s", to)
	}
	q := fmt.Sprintf(`UPDATE rides SET status=$1, %[1]s=COALESCE(%[1]s, $2), updated_at=$2
		WHERE id=$3 AND status=$4
		RETURNING `+rideColumns, col)
	r, err := scanRide(p.db.QueryRowContext(ctx, q, string(to), at, rideID, string(from)))
	if errors.Is(err, ErrNotFound) {
		return nil, p.missReason(ctx, rideID)
	}
	return r, err
}

// missReason tells a missing row apart from a guard that no longer holds.
func (p *PostgresStore) missReason(ctx context.Context, rideID string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rides WHERE id=$1)`, rideID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConditionFailed
}

func (p *PostgresStore) FindActiveRide(ctx context.Context, pt models.PartyType, partyID string) (*models.Ride, error) {
	col := "rider_id"
	if pt == models.PartyDriver {
		col = "driver_id"
	}
	return scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE `+col+`=$1 AND status = ANY($2)
		ORDER BY created_at DESC LIMIT 1`, partyID, pq.Array(statusStrings(models.ActiveStatuses))))
}

func (p *PostgresStore) ListPendingRides(ctx context.Context, limit int) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides
		WHERE status='PENDING' AND driver_id IS NULL
		ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Ride, 0)
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetOTP(ctx context.Context, rideID, driverID, code string, expiresAt time.Time, allowed []models.Status) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `UPDATE rides
		SET otp_code=$1, otp_expires_at=$2, otp_verified=FALSE, otp_verified_at=NULL, otp_attempts=0, updated_at=NOW()
		WHERE id=$3 AND driver_id=$4 AND status = ANY($5)
		RETURNING `+rideColumns, code, expiresAt, rideID, driverID, pq.Array(statusStrings(allowed))))
	if errors.Is(err, ErrNotFound) {
		return nil, p.missReason(ctx, rideID)
	}
	return r, err
}

func (p *PostgresStore) IncrementOTPAttempts(ctx context.Context, rideID string, max int) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `UPDATE rides SET otp_attempts = otp_attempts + 1, updated_at=NOW()
		WHERE id=$1 AND otp_attempts < $2
		RETURNING otp_attempts`, rideID, max).Scan(&n)
	if err == nil {
		return n, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	err = p.db.QueryRowContext(ctx, `SELECT otp_attempts FROM rides WHERE id=$1`, rideID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return n, ErrConditionFailed
}

func (p *PostgresStore) MarkOTPVerified(ctx context.Context, rideID, driverID, code string, at time.Time, max int) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `UPDATE rides
		SET otp_verified=TRUE, otp_verified_at=$1, updated_at=$1
		WHERE id=$2 AND driver_id=$3 AND otp_code=$4 AND otp_verified=FALSE
		  AND otp_expires_at > $1 AND otp_attempts < $5
		RETURNING `+rideColumns, at, rideID, driverID, code, max))
	if errors.Is(err, ErrNotFound) {
		return nil, p.missReason(ctx, rideID)
	}
	return r, err
}

func (p *PostgresStore) SettleCompletion(ctx context.Context, rideID string) (settled bool, err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var riderID string
	var driverID sql.NullString
	err = tx.QueryRowContext(ctx, `UPDATE rides SET completion_settled=TRUE, updated_at=NOW()
		WHERE id=$1 AND status='COMPLETED' AND completion_settled=FALSE
		RETURNING rider_id, driver_id`, rideID).Scan(&riderID, &driverID)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return p.settleMiss(ctx, rideID)
	}
	if err != nil {
		return false, err
	}
	if driverID.Valid {
		if _, err = tx.ExecContext(ctx, `UPDATE drivers SET total_rides = total_rides + 1, is_available=TRUE, updated_at=NOW() WHERE id=$1`, driverID.String); err != nil {
			return false, err
		}
	}
	if _, err = tx.ExecContext(ctx, `UPDATE riders SET total_rides = total_rides + 1, updated_at=NOW() WHERE id=$1`, riderID); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *PostgresStore) settleMiss(ctx context.Context, rideID string) (bool, error) {
	var status string
	var settled bool
	err := p.db.QueryRowContext(ctx, `SELECT status, completion_settled FROM rides WHERE id=$1`, rideID).Scan(&status, &settled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	if models.Status(status) != models.StatusCompleted {
		return false, ErrConditionFailed
	}
	return false, nil
}

func (p *PostgresStore) ListUnsettledCompletions(ctx context.Context, limit int) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id FROM rides WHERE status='COMPLETED' AND completion_settled=FALSE ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

const driverColumns = `id, full_name, phone, vehicle_number, rating, status, is_online, is_available, current_lat, current_lng, total_rides, updated_at`

func scanDriver(row rowScanner) (*models.Driver, error) {
	var d models.Driver
	var lat, lng sql.NullFloat64
	err := row.Scan(&d.ID, &d.FullName, &d.Phone, &d.VehicleNumber, &d.Rating, &d.Status,
		&d.Online, &d.Available, &lat, &lng, &d.TotalRides, &d.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Loc = nullCoord(lat, lng)
	return &d, nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	return scanDriver(p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1`, id))
}

func (p *PostgresStore) GetRider(ctx context.Context, id string) (*models.Rider, error) {
	var r models.Rider
	var lat, lng sql.NullFloat64
	err := p.db.QueryRowContext(ctx, `SELECT id, full_name, phone, rating, is_online, current_lat, current_lng, total_rides, updated_at
		FROM riders WHERE id=$1`, id).Scan(&r.ID, &r.FullName, &r.Phone, &r.Rating, &r.Online, &lat, &lng, &r.TotalRides, &r.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Loc = nullCoord(lat, lng)
	return &r, nil
}

func (p *PostgresStore) SetOnline(ctx context.Context, pt models.PartyType, id string, online bool, loc *models.Coord) error {
	var lat, lng any
	if loc != nil {
		lat, lng = loc.Lat, loc.Lon
	}
	var q string
	switch pt {
	case models.PartyDriver:
		q = `UPDATE drivers SET is_online=$1,
			is_available = $1 AND NOT EXISTS (
				SELECT 1 FROM rides WHERE rides.driver_id=drivers.id AND rides.status IN ('ACCEPTED','ARRIVED','STARTED')),
			current_lat=COALESCE($2, current_lat), current_lng=COALESCE($3, current_lng), updated_at=NOW() WHERE id=$4`
	case models.PartyRider:
		q = `UPDATE riders SET is_online=$1,
			current_lat=COALESCE($2, current_lat), current_lng=COALESCE($3, current_lng), updated_at=NOW() WHERE id=$4`
	default:
		return ErrNotFound
	}
	return p.execOne(ctx, q, online, lat, lng, id)
}

func (p *PostgresStore) SetDriverAvailable(ctx context.Context, id string, available bool) error {
	return p.execOne(ctx, `UPDATE drivers SET is_available=$1, updated_at=NOW() WHERE id=$2`, available, id)
}

func (p *PostgresStore) UpdateLocation(ctx context.Context, pt models.PartyType, id string, loc models.Coord) error {
	table := "riders"
	if pt == models.PartyDriver {
		table = "drivers"
	}
	return p.execOne(ctx, `UPDATE `+table+` SET current_lat=$1, current_lng=$2, updated_at=NOW() WHERE id=$3`, loc.Lat, loc.Lon, id)
}

// execOne runs an update expected to touch exactly one row.
func (p *PostgresStore) execOne(ctx context.Context, q string, args ...any) error {
	res, err := p.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListAvailableDrivers(ctx context.Context, limit int) ([]models.Driver, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+driverColumns+` FROM drivers
		WHERE is_online AND is_available AND status=$1
		ORDER BY id LIMIT $2`, models.DriverStatusActive, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Driver, 0)
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_notifications(id, driver_id, ride_id, outcome, message, is_read, created_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`, n.ID, n.DriverID, n.RideID, string(n.Outcome), n.Message, n.Read, n.CreatedAt)
	return err
}

func scanNotification(row rowScanner) (*models.Notification, error) {
	var n models.Notification
	var outcome string
	err := row.Scan(&n.ID, &n.DriverID, &n.RideID, &outcome, &n.Message, &n.Read, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	n.Outcome = models.NotificationOutcome(outcome)
	return &n, nil
}

func (p *PostgresStore) ListNotifications(ctx context.Context, driverID string, limit int) ([]models.Notification, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, driver_id, ride_id, outcome, message, is_read, created_at
		FROM driver_notifications WHERE driver_id=$1 ORDER BY created_at DESC LIMIT $2`, driverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]models.Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkNotificationRead(ctx context.Context, id string) (*models.Notification, error) {
	return scanNotification(p.db.QueryRowContext(ctx, `UPDATE driver_notifications SET is_read=TRUE WHERE id=$1
		RETURNING id, driver_id, ride_id, outcome, message, is_read, created_at`, id))
}

func statusStrings(in []models.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func nullCoord(lat, lon sql.NullFloat64) *models.Coord {
	if !lat.Valid || !lon.Valid {
		return nil
	}
	return &models.Coord{Lat: lat.Float64, Lon: lon.Float64}
}
