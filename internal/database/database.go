package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"prize-wheel-api/internal/apperr"
	"prize-wheel-api/internal/models"
)

// DB wraps the database connection and provides methods for data access.
// It backs all four stores of the allocation core: the prize catalog, the
// inventory ledger, the win journal and the reservation table.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS prizes (
			id INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			tier TEXT NOT NULL,
			display_weight REAL NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			available_dates TEXT NOT NULL DEFAULT '*',
			quantity INTEGER NOT NULL DEFAULT 0,
			daily_limit INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS prize_inventory (
			prize_id INTEGER NOT NULL,
			event_id INTEGER NOT NULL,
			date TEXT NOT NULL,
			initial_quantity INTEGER NOT NULL,
			remaining_quantity INTEGER NOT NULL CHECK (remaining_quantity >= 0),
			per_day_limit INTEGER NOT NULL,
			is_unlimited INTEGER NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (prize_id, event_id, date)
		)`,
		`CREATE TABLE IF NOT EXISTS prize_wins (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			prize_id INTEGER NOT NULL,
			event_id INTEGER NOT NULL,
			date TEXT NOT NULL,
			identifier TEXT NOT NULL,
			award_id TEXT NOT NULL UNIQUE,
			reservation_id TEXT,
			verification_code TEXT NOT NULL,
			won_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS prize_reservations (
			reservation_id TEXT PRIMARY KEY,
			idempotency_key TEXT NOT NULL UNIQUE,
			identifier TEXT NOT NULL,
			prize_id INTEGER NOT NULL,
			event_id INTEGER NOT NULL,
			date TEXT NOT NULL,
			sector_index INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'reserved',
			reserved_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_inventory_date ON prize_inventory(event_id, date)`,
		`CREATE INDEX IF NOT EXISTS idx_wins_date ON prize_wins(event_id, date, prize_id)`,
		`CREATE INDEX IF NOT EXISTS idx_reservations_expires ON prize_reservations(expires_at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// ---- Catalog store ----

// ReplaceCatalog swaps the whole prize catalog in one transaction. The
// catalog is never patched field-by-field mid-event.
func (db *DB) ReplaceCatalog(ctx context.Context, prizes []models.Prize) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM prizes`); err != nil {
		return fmt.Errorf("failed to clear catalog: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO prizes (
		id, name, tier, display_weight, active, available_dates, quantity, daily_limit
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range prizes {
		_, err := stmt.ExecContext(ctx,
			p.ID, p.Name, string(p.Tier), p.DisplayWeight, p.Active,
			p.AvailableDates, p.Quantity, p.DailyLimit,
		)
		if err != nil {
			return fmt.Errorf("failed to insert prize %q: %w", p.Name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit catalog: %w", err)
	}

	return nil
}

// ListActivePrizes returns the active catalog in ascending id order. This
// order defines the wheel sector indices, so it must be stable between a
// list call and an award call within one spin.
func (db *DB) ListActivePrizes(ctx context.Context) ([]models.Prize, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT
		id, name, tier, display_weight, active, available_dates, quantity, daily_limit
		FROM prizes WHERE active = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	var prizes []models.Prize
	for rows.Next() {
		var p models.Prize
		var tier string
		if err := rows.Scan(&p.ID, &p.Name, &tier, &p.DisplayWeight, &p.Active,
			&p.AvailableDates, &p.Quantity, &p.DailyLimit); err != nil {
			return nil, fmt.Errorf("failed to scan prize: %w", err)
		}
		p.Tier = models.Tier(tier)
		prizes = append(prizes, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating prizes: %w", err)
	}

	return prizes, nil
}

// GetPrize returns a single catalog entry.
func (db *DB) GetPrize(ctx context.Context, id int) (models.Prize, error) {
	var p models.Prize
	var tier string
	err := db.conn.QueryRowContext(ctx, `SELECT
		id, name, tier, display_weight, active, available_dates, quantity, daily_limit
		FROM prizes WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &tier, &p.DisplayWeight, &p.Active,
			&p.AvailableDates, &p.Quantity, &p.DailyLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Prize{}, fmt.Errorf("prize %d: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return models.Prize{}, fmt.Errorf("failed to query prize: %w", err)
	}
	p.Tier = models.Tier(tier)
	return p, nil
}

// ---- Inventory ledger ----

// GetInventoryStatus returns the ledger row for (prize, date). A missing row
// means the prize was never provisioned for that date and is unavailable.
func (db *DB) GetInventoryStatus(ctx context.Context, prizeID, eventID int, date string) (models.InventoryRecord, error) {
	var rec models.InventoryRecord
	err := db.conn.QueryRowContext(ctx, `SELECT
		prize_id, event_id, date, initial_quantity, remaining_quantity, per_day_limit, is_unlimited
		FROM prize_inventory WHERE prize_id = ? AND event_id = ? AND date = ?`,
		prizeID, eventID, date).
		Scan(&rec.PrizeID, &rec.EventID, &rec.Date, &rec.InitialQuantity,
			&rec.RemainingQuantity, &rec.PerDayLimit, &rec.IsUnlimited)
	if errors.Is(err, sql.ErrNoRows) {
		return models.InventoryRecord{}, fmt.Errorf("inventory for prize %d on %s: %w", prizeID, date, apperr.ErrNotFound)
	}
	if err != nil {
		return models.InventoryRecord{}, fmt.Errorf("failed to query inventory: %w", err)
	}
	return rec, nil
}

// Replenish resets remaining quantity for a ledger row. Admin-only; the
// caller is responsible for auditing the mutation.
func (db *DB) Replenish(ctx context.Context, prizeID, eventID int, date string, quantity int, resetInitial bool) error {
	query := `UPDATE prize_inventory
		SET remaining_quantity = ?, updated_at = ?
		WHERE prize_id = ? AND event_id = ? AND date = ?`
	args := []interface{}{quantity, time.Now().UTC().Format(time.RFC3339), prizeID, eventID, date}
	if resetInitial {
		query = `UPDATE prize_inventory
			SET remaining_quantity = ?, initial_quantity = ?, updated_at = ?
			WHERE prize_id = ? AND event_id = ? AND date = ?`
		args = []interface{}{quantity, quantity, time.Now().UTC().Format(time.RFC3339), prizeID, eventID, date}
	}

	res, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to replenish inventory: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("inventory for prize %d on %s: %w", prizeID, date, apperr.ErrNotFound)
	}
	return nil
}

// GenerateForDateRange provisions one ledger row per (prize, date) across the
// inclusive event window. Availability follows the prize's configured rule:
// "*" for every day, an explicit |-separated date list, or a randomized
// subset. The subset draw is seeded per (event, prize, day) so regenerating
// the same event reproduces the same calendar.
func (db *DB) GenerateForDateRange(ctx context.Context, eventID int, startDate, endDate string, seed int64, prizes []models.Prize) (int, error) {
	start, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return 0, fmt.Errorf("invalid start date: %w", err)
	}
	end, err := time.Parse("2006-01-02", endDate)
	if err != nil {
		return 0, fmt.Errorf("invalid end date: %w", err)
	}
	if end.Before(start) {
		return 0, fmt.Errorf("end date precedes start date")
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO prize_inventory (
		prize_id, event_id, date, initial_quantity, remaining_quantity, per_day_limit, is_unlimited
	) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	created := 0
	for day := 0; !start.AddDate(0, 0, day).After(end); day++ {
		date := start.AddDate(0, 0, day).Format("2006-01-02")
		for _, p := range prizes {
			if !p.Active {
				continue
			}
			rec, ok := provisionRecord(p, eventID, date, day, seed)
			if !ok {
				continue
			}
			if _, err := stmt.ExecContext(ctx,
				rec.PrizeID, rec.EventID, rec.Date, rec.InitialQuantity,
				rec.RemainingQuantity, rec.PerDayLimit, rec.IsUnlimited,
			); err != nil {
				return 0, fmt.Errorf("failed to insert inventory for prize %d on %s: %w", p.ID, date, err)
			}
			created++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit inventory: %w", err)
	}

	return created, nil
}

// provisionRecord derives the ledger row for one prize on one event day.
// Common prizes get deep stock and a high cap so they never block the wheel;
// limited tiers get small stock and a tight cap.
func provisionRecord(p models.Prize, eventID int, date string, dayIndex int, seed int64) (models.InventoryRecord, bool) {
	if p.Tier == models.TierCommon {
		return models.InventoryRecord{
			PrizeID:           p.ID,
			EventID:           eventID,
			Date:              date,
			InitialQuantity:   999,
			RemainingQuantity: 999,
			PerDayLimit:       100,
			IsUnlimited:       true,
		}, true
	}

	if !availableOn(p, date, dayIndex, seed) {
		return models.InventoryRecord{}, false
	}

	qty := p.Quantity
	if qty <= 0 {
		qty = 1
	}
	if qty > 10 {
		qty = 10
	}
	limit := p.DailyLimit
	if limit <= 0 {
		limit = 1
	}

	return models.InventoryRecord{
		PrizeID:           p.ID,
		EventID:           eventID,
		Date:              date,
		InitialQuantity:   qty,
		RemainingQuantity: qty,
		PerDayLimit:       limit,
		IsUnlimited:       false,
	}, true
}

// availableOn evaluates the availability rule for one day.
func availableOn(p models.Prize, date string, dayIndex int, seed int64) bool {
	rule := strings.TrimSpace(p.AvailableDates)
	switch rule {
	case "*", "":
		return true
	case "random":
		rng := rand.New(rand.NewSource(seed + int64(p.ID)*100003 + int64(dayIndex)))
		if p.Tier == models.TierUltraRare {
			return rng.Intn(10) == 0
		}
		return rng.Intn(3) > 0
	}

	for _, d := range strings.Split(rule, "|") {
		if strings.TrimSpace(d) == date {
			return true
		}
	}
	return false
}

// ResetInventory drops all ledger rows for an event. Pair with
// GenerateForDateRange to rebuild the event calendar from the catalog.
func (db *DB) ResetInventory(ctx context.Context, eventID int) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM prize_inventory WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("failed to reset inventory: %w", err)
	}
	return nil
}

// ---- Candidate queries ----

// ListAwardable returns the candidate set for a date: provisioned prizes with
// stock remaining (or unlimited) and today's wins below the per-day cap.
func (db *DB) ListAwardable(ctx context.Context, eventID int, date string) ([]models.PrizeView, error) {
	return db.listViews(ctx, eventID, date, true)
}

// ListWheelDisplay returns every active prize with its inventory view for a
// date, including exhausted ones, in wheel sector order.
func (db *DB) ListWheelDisplay(ctx context.Context, eventID int, date string) ([]models.PrizeView, error) {
	return db.listViews(ctx, eventID, date, false)
}

func (db *DB) listViews(ctx context.Context, eventID int, date string, onlyAwardable bool) ([]models.PrizeView, error) {
	query := `SELECT
		p.id, p.name, p.tier,
		pi.remaining_quantity, pi.is_unlimited, pi.per_day_limit,
		(SELECT COUNT(*) FROM prize_wins pw
		 WHERE pw.prize_id = p.id AND pw.event_id = ? AND pw.date = ?) AS wins_today
	FROM prizes p
	LEFT JOIN prize_inventory pi
		ON pi.prize_id = p.id AND pi.event_id = ? AND pi.date = ?
	WHERE p.active = 1`
	if onlyAwardable {
		query += `
		AND pi.prize_id IS NOT NULL
		AND (pi.remaining_quantity > 0 OR pi.is_unlimited = 1)
		AND (SELECT COUNT(*) FROM prize_wins pw
			 WHERE pw.prize_id = p.id AND pw.event_id = ? AND pw.date = ?) < pi.per_day_limit`
	}
	query += ` ORDER BY p.id ASC`

	args := []interface{}{eventID, date, eventID, date}
	if onlyAwardable {
		args = append(args, eventID, date)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query prize views: %w", err)
	}
	defer rows.Close()

	var views []models.PrizeView
	for rows.Next() {
		var v models.PrizeView
		var tier string
		var remaining sql.NullInt64
		var unlimited sql.NullBool
		var limit sql.NullInt64
		if err := rows.Scan(&v.ID, &v.Name, &tier, &remaining, &unlimited, &limit, &v.WinsToday); err != nil {
			return nil, fmt.Errorf("failed to scan prize view: %w", err)
		}
		v.Tier = models.Tier(tier)
		if limit.Valid {
			v.PerDayLimit = int(limit.Int64)
		}
		if remaining.Valid && !(unlimited.Valid && unlimited.Bool) {
			r := int(remaining.Int64)
			v.RemainingQuantity = &r
		}
		views = append(views, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating prize views: %w", err)
	}

	return views, nil
}

// ---- Win journal ----

// CountWins counts today's journal entries for one prize. Counts are always
// derived from the append-only log, never from a stored counter.
func (db *DB) CountWins(ctx context.Context, prizeID, eventID int, date string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM prize_wins
		WHERE prize_id = ? AND event_id = ? AND date = ?`, prizeID, eventID, date).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count wins: %w", err)
	}
	return count, nil
}

// TierStats returns today's total and rare-plus win counts.
func (db *DB) TierStats(ctx context.Context, eventID int, date string) (models.TierStats, error) {
	var stats models.TierStats
	err := db.conn.QueryRowContext(ctx, `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN p.tier IN ('rare', 'ultra_rare') THEN 1 ELSE 0 END), 0)
	FROM prize_wins pw
	JOIN prizes p ON p.id = pw.prize_id
	WHERE pw.event_id = ? AND pw.date = ?`, eventID, date).
		Scan(&stats.TotalWins, &stats.RarePlusWins)
	if err != nil {
		return models.TierStats{}, fmt.Errorf("failed to query tier stats: %w", err)
	}
	return stats, nil
}

// ListWins returns the journal entries for a date, newest first.
func (db *DB) ListWins(ctx context.Context, eventID int, date string) ([]models.WinRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT
		id, prize_id, event_id, date, identifier, award_id,
		COALESCE(reservation_id, ''), verification_code, won_at
	FROM prize_wins WHERE event_id = ? AND date = ? ORDER BY id DESC`, eventID, date)
	if err != nil {
		return nil, fmt.Errorf("failed to query wins: %w", err)
	}
	defer rows.Close()

	var wins []models.WinRecord
	for rows.Next() {
		var w models.WinRecord
		var wonAt string
		if err := rows.Scan(&w.ID, &w.PrizeID, &w.EventID, &w.Date, &w.Identifier,
			&w.AwardID, &w.ReservationID, &w.VerificationCode, &wonAt); err != nil {
			return nil, fmt.Errorf("failed to scan win: %w", err)
		}
		w.WonAt, err = time.Parse(time.RFC3339, wonAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse won_at: %w", err)
		}
		wins = append(wins, w)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating wins: %w", err)
	}

	return wins, nil
}

// DailyStats aggregates the reporting snapshot for a date from the journal
// and the ledger.
func (db *DB) DailyStats(ctx context.Context, eventID int, date string) (models.DailyStats, error) {
	stats := models.DailyStats{
		Date:          date,
		TierBreakdown: make(map[models.Tier]int),
	}

	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM prizes WHERE active = 1`).Scan(&stats.TotalPrizes)
	if err != nil {
		return models.DailyStats{}, fmt.Errorf("failed to count prizes: %w", err)
	}

	err = db.conn.QueryRowContext(ctx, `SELECT
		COUNT(*), COUNT(DISTINCT identifier)
	FROM prize_wins WHERE event_id = ? AND date = ?`, eventID, date).
		Scan(&stats.TotalWins, &stats.UniqueUsers)
	if err != nil {
		return models.DailyStats{}, fmt.Errorf("failed to count wins: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, `SELECT p.tier, COUNT(*)
	FROM prize_wins pw
	JOIN prizes p ON p.id = pw.prize_id
	WHERE pw.event_id = ? AND pw.date = ?
	GROUP BY p.tier`, eventID, date)
	if err != nil {
		return models.DailyStats{}, fmt.Errorf("failed to query tier breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tier string
		var count int
		if err := rows.Scan(&tier, &count); err != nil {
			return models.DailyStats{}, fmt.Errorf("failed to scan tier breakdown: %w", err)
		}
		stats.TierBreakdown[models.Tier(tier)] = count
	}
	if err := rows.Err(); err != nil {
		return models.DailyStats{}, fmt.Errorf("error iterating tier breakdown: %w", err)
	}

	awardable, err := db.ListAwardable(ctx, eventID, date)
	if err != nil {
		return models.DailyStats{}, err
	}
	stats.AvailablePrizes = len(awardable)

	return stats, nil
}

// ---- Reservations ----

// CreateReservation inserts a reservation. If another request already bound
// the same idempotency key, the stored reservation is returned instead; two
// concurrent reserves with one key converge on a single row.
func (db *DB) CreateReservation(ctx context.Context, eventID int, res models.Reservation) (models.Reservation, bool, error) {
	_, err := db.conn.ExecContext(ctx, `INSERT INTO prize_reservations (
		reservation_id, idempotency_key, identifier, prize_id, event_id, date,
		sector_index, status, reserved_at, expires_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.IdempotencyKey, res.Identifier, res.PrizeID, eventID, res.Date,
		res.SectorIndex, string(res.Status),
		res.ReservedAt.UTC().Format(time.RFC3339),
		res.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			existing, lookupErr := db.GetReservationByKey(ctx, res.IdempotencyKey)
			if lookupErr != nil {
				return models.Reservation{}, false, lookupErr
			}
			return existing, false, nil
		}
		return models.Reservation{}, false, fmt.Errorf("failed to insert reservation: %w", err)
	}
	return res, true, nil
}

// GetReservationByKey looks up a reservation by idempotency key regardless
// of status.
func (db *DB) GetReservationByKey(ctx context.Context, key string) (models.Reservation, error) {
	return db.scanReservation(db.conn.QueryRowContext(ctx, `SELECT
		reservation_id, idempotency_key, identifier, prize_id, date,
		sector_index, status, reserved_at, expires_at
	FROM prize_reservations WHERE idempotency_key = ?`, key))
}

// GetReservation looks up a reservation by id and idempotency key.
func (db *DB) GetReservation(ctx context.Context, id, key string) (models.Reservation, error) {
	return db.scanReservation(db.conn.QueryRowContext(ctx, `SELECT
		reservation_id, idempotency_key, identifier, prize_id, date,
		sector_index, status, reserved_at, expires_at
	FROM prize_reservations WHERE reservation_id = ? AND idempotency_key = ?`, id, key))
}

func (db *DB) scanReservation(row *sql.Row) (models.Reservation, error) {
	var res models.Reservation
	var status, reservedAt, expiresAt string
	err := row.Scan(&res.ID, &res.IdempotencyKey, &res.Identifier, &res.PrizeID,
		&res.Date, &res.SectorIndex, &status, &reservedAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Reservation{}, apperr.ErrReservationNotFound
	}
	if err != nil {
		return models.Reservation{}, fmt.Errorf("failed to scan reservation: %w", err)
	}
	res.Status = models.ReservationStatus(status)
	if res.ReservedAt, err = time.Parse(time.RFC3339, reservedAt); err != nil {
		return models.Reservation{}, fmt.Errorf("failed to parse reserved_at: %w", err)
	}
	if res.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return models.Reservation{}, fmt.Errorf("failed to parse expires_at: %w", err)
	}
	return res, nil
}

// DeleteExpiredReservations garbage-collects reservations whose TTL elapsed
// before the cutoff and that were never finalized. Purely journal hygiene;
// expired reservations are already inert.
func (db *DB) DeleteExpiredReservations(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM prize_reservations
		WHERE status = 'reserved' AND expires_at < ?`, before.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired reservations: %w", err)
	}
	return res.RowsAffected()
}

// ---- Finalize (the one atomic mutation) ----

// FinalizeAward commits a reservation: it re-validates availability and the
// per-day cap at finalize time, decrements the ledger with a conditional
// UPDATE, appends the win record and flips the reservation status, all in a
// single transaction. On any violation nothing is written.
func (db *DB) FinalizeAward(ctx context.Context, eventID int, res models.Reservation, now time.Time, awardID, verificationCode string) (models.WinRecord, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.WinRecord{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Re-read the reservation under the write lock so two finalize calls for
	// one reservation cannot both observe status=reserved.
	var status, expiresAt string
	err = tx.QueryRowContext(ctx, `SELECT status, expires_at FROM prize_reservations
		WHERE reservation_id = ?`, res.ID).Scan(&status, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.WinRecord{}, apperr.ErrReservationNotFound
	}
	if err != nil {
		return models.WinRecord{}, fmt.Errorf("failed to read reservation: %w", err)
	}
	if models.ReservationStatus(status) == models.ReservationFinalized {
		return models.WinRecord{}, apperr.ErrAlreadyFinalized
	}
	if models.ReservationStatus(status) != models.ReservationReserved {
		return models.WinRecord{}, apperr.ErrReservationExpired
	}
	exp, err := time.Parse(time.RFC3339, expiresAt)
	if err != nil {
		return models.WinRecord{}, fmt.Errorf("failed to parse expires_at: %w", err)
	}
	if !now.Before(exp) {
		return models.WinRecord{}, apperr.ErrReservationExpired
	}

	var inv struct {
		remaining   int
		perDayLimit int
		isUnlimited bool
	}
	err = tx.QueryRowContext(ctx, `SELECT remaining_quantity, per_day_limit, is_unlimited
		FROM prize_inventory WHERE prize_id = ? AND event_id = ? AND date = ?`,
		res.PrizeID, eventID, res.Date).
		Scan(&inv.remaining, &inv.perDayLimit, &inv.isUnlimited)
	if errors.Is(err, sql.ErrNoRows) {
		return models.WinRecord{}, fmt.Errorf("inventory for prize %d on %s: %w", res.PrizeID, res.Date, apperr.ErrNotFound)
	}
	if err != nil {
		return models.WinRecord{}, fmt.Errorf("failed to read inventory: %w", err)
	}

	var winsToday int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM prize_wins
		WHERE prize_id = ? AND event_id = ? AND date = ?`,
		res.PrizeID, eventID, res.Date).Scan(&winsToday)
	if err != nil {
		return models.WinRecord{}, fmt.Errorf("failed to count wins: %w", err)
	}

	// The per-day cap applies even to unlimited prizes; unlimited only
	// bypasses quantity depletion.
	if winsToday >= inv.perDayLimit {
		return models.WinRecord{}, apperr.ErrDailyCapReached
	}
	if !inv.isUnlimited {
		if inv.remaining <= 0 {
			return models.WinRecord{}, apperr.ErrExhausted
		}
		result, err := tx.ExecContext(ctx, `UPDATE prize_inventory
			SET remaining_quantity = remaining_quantity - 1, updated_at = ?
			WHERE prize_id = ? AND event_id = ? AND date = ? AND remaining_quantity > 0`,
			now.UTC().Format(time.RFC3339), res.PrizeID, eventID, res.Date)
		if err != nil {
			return models.WinRecord{}, fmt.Errorf("failed to decrement inventory: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return models.WinRecord{}, fmt.Errorf("failed to read affected rows: %w", err)
		}
		if affected == 0 {
			return models.WinRecord{}, apperr.ErrConcurrentWriteConflict
		}
	}

	win := models.WinRecord{
		PrizeID:          res.PrizeID,
		EventID:          eventID,
		Date:             res.Date,
		Identifier:       res.Identifier,
		AwardID:          awardID,
		ReservationID:    res.ID,
		VerificationCode: verificationCode,
		WonAt:            now.UTC(),
	}
	insert, err := tx.ExecContext(ctx, `INSERT INTO prize_wins (
		prize_id, event_id, date, identifier, award_id, reservation_id, verification_code, won_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		win.PrizeID, win.EventID, win.Date, win.Identifier, win.AwardID,
		win.ReservationID, win.VerificationCode, win.WonAt.Format(time.RFC3339))
	if err != nil {
		return models.WinRecord{}, fmt.Errorf("failed to record win: %w", err)
	}
	if win.ID, err = insert.LastInsertId(); err != nil {
		return models.WinRecord{}, fmt.Errorf("failed to read win id: %w", err)
	}

	result, err := tx.ExecContext(ctx, `UPDATE prize_reservations
		SET status = 'finalized' WHERE reservation_id = ? AND status = 'reserved'`, res.ID)
	if err != nil {
		return models.WinRecord{}, fmt.Errorf("failed to finalize reservation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return models.WinRecord{}, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return models.WinRecord{}, apperr.ErrConcurrentWriteConflict
	}

	if err := tx.Commit(); err != nil {
		return models.WinRecord{}, fmt.Errorf("failed to commit award: %w", err)
	}

	return win, nil
}
