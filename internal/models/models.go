package models

import "time"

// Tier classifies how scarce a prize is. The tier drives both inventory
// provisioning and the allocator's rarity boost.
type Tier string

const (
	TierCommon    Tier = "common"
	TierRare      Tier = "rare"
	TierUltraRare Tier = "ultra_rare"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierCommon, TierRare, TierUltraRare:
		return true
	}
	return false
}

// IsRarePlus reports whether the tier counts toward the rare-share target.
func (t Tier) IsRarePlus() bool {
	return t == TierRare || t == TierUltraRare
}

// Prize is one immutable catalog entry. IDs are dense and 1-based; the
// ascending-id order defines the wheel sector layout.
type Prize struct {
	ID            int     `json:"id"`
	Name          string  `json:"name"`
	Tier          Tier    `json:"tier"`
	DisplayWeight float64 `json:"display_weight"`
	Active        bool    `json:"active"`

	// AvailableDates is the provisioning rule: "*" for every event day,
	// "random" for a seeded random subset, or a |-separated list of
	// YYYY-MM-DD dates.
	AvailableDates string `json:"available_dates"`
	// Quantity is the configured per-date stock for limited tiers.
	Quantity int `json:"quantity"`
	// DailyLimit caps wins per day regardless of remaining stock.
	DailyLimit int `json:"daily_limit"`
}

// InventoryRecord is the per-(prize, date) ledger row.
type InventoryRecord struct {
	PrizeID           int    `json:"prize_id"`
	EventID           int    `json:"event_id"`
	Date              string `json:"date"` // YYYY-MM-DD
	InitialQuantity   int    `json:"initial_quantity"`
	RemainingQuantity int    `json:"remaining_quantity"`
	PerDayLimit       int    `json:"per_day_limit"`
	IsUnlimited       bool   `json:"is_unlimited"`
}

// WinRecord is one append-only journal entry.
type WinRecord struct {
	ID               int64     `json:"id"`
	PrizeID          int       `json:"prize_id"`
	EventID          int       `json:"event_id"`
	Date             string    `json:"date"`
	Identifier       string    `json:"identifier"`
	AwardID          string    `json:"award_id"`
	ReservationID    string    `json:"reservation_id,omitempty"`
	VerificationCode string    `json:"verification_code"`
	WonAt            time.Time `json:"won_at"`
}

// ReservationStatus is the reservation lifecycle state.
type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "reserved"
	ReservationFinalized ReservationStatus = "finalized"
	ReservationExpired   ReservationStatus = "expired"
)

// Reservation binds an idempotency key to exactly one provisional prize
// assignment. It holds no inventory; the decrement happens at finalize.
type Reservation struct {
	ID             string            `json:"reservation_id"`
	IdempotencyKey string            `json:"-"`
	Identifier     string            `json:"-"`
	PrizeID        int               `json:"prize_id"`
	Date           string            `json:"date"`
	SectorIndex    int               `json:"sector_index"`
	Status         ReservationStatus `json:"status"`
	ReservedAt     time.Time         `json:"reserved_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// PrizeView is the caller-facing snapshot of one prize for a given date.
// RemainingQuantity is nil for unlimited prizes.
type PrizeView struct {
	ID                int    `json:"id"`
	Name              string `json:"name"`
	Tier              Tier   `json:"tier"`
	RemainingQuantity *int   `json:"remaining_quantity"`
	WinsToday         int    `json:"wins_today"`
	PerDayLimit       int    `json:"per_day_limit"`
}

// TierStats is the journal's per-date tier balance snapshot.
type TierStats struct {
	TotalWins    int `json:"total_wins"`
	RarePlusWins int `json:"rare_plus_wins"`
}

// DailyStats is the reporting payload for one date.
type DailyStats struct {
	Date            string       `json:"date"`
	TotalPrizes     int          `json:"total_prizes"`
	AvailablePrizes int          `json:"available_prizes"`
	TotalWins       int          `json:"total_wins"`
	UniqueUsers     int          `json:"unique_users"`
	TierBreakdown   map[Tier]int `json:"tier_breakdown"`
}

// ReserveRequest is the body of POST /spin/reserve.
type ReserveRequest struct {
	Identifier string `json:"identifier"`
	Date       string `json:"date,omitempty"`
}

// ReserveResponse is the signed reservation payload returned to the client.
type ReserveResponse struct {
	ReservationID string    `json:"reservation_id"`
	Prize         PrizeView `json:"prize"`
	SectorIndex   int       `json:"sector_index"`
	TotalSectors  int       `json:"total_sectors"`
	TTLSeconds    int       `json:"ttl_seconds"`
	Signature     string    `json:"signature"`
}

// FinalizeRequest is the body of POST /spin/finalize. Signature is optional;
// when present it is checked against the reservation payload.
type FinalizeRequest struct {
	ReservationID string `json:"reservation_id"`
	Identifier    string `json:"identifier"`
	Signature     string `json:"signature,omitempty"`
}

// Award is the committed outcome of a finalize.
type Award struct {
	AwardID          string    `json:"award_id"`
	Prize            PrizeView `json:"prize"`
	VerificationCode string    `json:"verification_code"`
	FinalizedAt      time.Time `json:"finalized_at"`
}

// ReplenishRequest is the body of POST /admin/replenish.
type ReplenishRequest struct {
	PrizeID      int    `json:"prize_id"`
	Date         string `json:"date"`
	Quantity     int    `json:"quantity"`
	ResetInitial bool   `json:"reset_initial"`
}

// ImportCatalogRequest carries the raw CSV for a wholesale catalog replace.
type ImportCatalogRequest struct {
	CSV                 string `json:"csv"`
	RegenerateInventory bool   `json:"regenerate_inventory"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
