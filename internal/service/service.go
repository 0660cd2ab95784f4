package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"prize-wheel-api/internal/allocator"
	"prize-wheel-api/internal/apperr"
	"prize-wheel-api/internal/cache"
	"prize-wheel-api/internal/catalog"
	"prize-wheel-api/internal/database"
	"prize-wheel-api/internal/events"
	"prize-wheel-api/internal/features"
	"prize-wheel-api/internal/models"
	"prize-wheel-api/internal/signing"
	"prize-wheel-api/internal/tracing"
	"prize-wheel-api/internal/validation"
)

// Config wires an Engine. Everything the core needs is passed in explicitly;
// there are no ambient singletons.
type Config struct {
	EventID        int
	EventStart     string
	EventEnd       string
	EventSeed      int64
	Allocator      allocator.Config
	ReservationTTL time.Duration
	Signer         *signing.Signer
	Cache          cache.Cache
	CacheTTL       time.Duration
	Events         *events.Manager
	Flags          *features.Manager
	// Rand overrides the random source; nil uses a time-seeded source.
	Rand allocator.Rand
	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

// Engine is the allocation core: it owns the catalog, ledger, journal and
// reservation stores and exposes the spin operations to the HTTP layer.
type Engine struct {
	db     *database.DB
	cfg    Config
	rng    allocator.Rand
	now    func() time.Time
	events *events.Manager
}

// lockedRand guards a *rand.Rand for concurrent spins.
type lockedRand struct {
	mu  sync.Mutex
	rng *mathrand.Rand
}

func (l *lockedRand) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Float64()
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rng.Intn(n)
}

// NewEngine creates a new engine instance.
func NewEngine(db *database.DB, cfg Config) *Engine {
	e := &Engine{
		db:     db,
		cfg:    cfg,
		rng:    cfg.Rand,
		now:    cfg.Now,
		events: cfg.Events,
	}
	if e.rng == nil {
		e.rng = &lockedRand{rng: mathrand.New(mathrand.NewSource(time.Now().UnixNano()))}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.events == nil {
		e.events = events.NewManager(false)
	}
	return e
}

// resolveDate validates a contest date, defaulting to today (UTC).
func (e *Engine) resolveDate(date string) (string, error) {
	if date == "" {
		return e.now().UTC().Format("2006-01-02"), nil
	}
	if err := validation.ValidateDate(date, "date"); err != nil {
		return "", err
	}
	return date, nil
}

func (e *Engine) flagEnabled(name string) bool {
	if e.cfg.Flags == nil {
		return true
	}
	return e.cfg.Flags.IsEnabled(name)
}

// ListAwardable returns the prizes currently eligible for allocation on a
// date: provisioned, in stock (or unlimited) and under the per-day cap.
func (e *Engine) ListAwardable(ctx context.Context, date string) ([]models.PrizeView, error) {
	date, err := e.resolveDate(date)
	if err != nil {
		return nil, err
	}
	return e.db.ListAwardable(ctx, e.cfg.EventID, date)
}

// WheelDisplay returns every active prize with its inventory view for a
// date, in sector order, including exhausted prizes. Results are cached
// briefly since the frontend polls this on every page load.
func (e *Engine) WheelDisplay(ctx context.Context, date string) ([]models.PrizeView, error) {
	date, err := e.resolveDate(date)
	if err != nil {
		return nil, err
	}

	key := e.wheelCacheKey(date)
	if e.cfg.Cache != nil && e.flagEnabled(features.FeatureCacheEnabled) {
		var cached []models.PrizeView
		if err := cache.GetJSON(ctx, e.cfg.Cache, key, &cached); err == nil {
			return cached, nil
		}
	}

	views, err := e.db.ListWheelDisplay(ctx, e.cfg.EventID, date)
	if err != nil {
		return nil, err
	}

	if e.cfg.Cache != nil && e.flagEnabled(features.FeatureCacheEnabled) {
		ttl := e.cfg.CacheTTL
		if ttl <= 0 {
			ttl = 5 * time.Second
		}
		_ = cache.SetJSON(ctx, e.cfg.Cache, key, views, ttl)
	}

	return views, nil
}

func (e *Engine) wheelCacheKey(date string) string {
	return cache.WheelKey(e.cfg.EventID, date)
}

func (e *Engine) invalidateWheel(ctx context.Context, date string) {
	if e.cfg.Cache != nil {
		_ = e.cfg.Cache.Delete(ctx, e.wheelCacheKey(date))
	}
}

// Allocate runs one side-effect-free prize selection for a date. The normal
// sold-out outcome is apperr.ErrNoPrizesAvailable.
func (e *Engine) Allocate(ctx context.Context, date string) (models.PrizeView, error) {
	date, err := e.resolveDate(date)
	if err != nil {
		return models.PrizeView{}, err
	}

	ctx, span := tracing.GetTracer().StartSpan(ctx, "engine.allocate")
	defer span.End()

	return e.allocate(ctx, date)
}

func (e *Engine) allocate(ctx context.Context, date string) (models.PrizeView, error) {
	views, err := e.db.ListAwardable(ctx, e.cfg.EventID, date)
	if err != nil {
		return models.PrizeView{}, err
	}
	if len(views) == 0 {
		return models.PrizeView{}, apperr.ErrNoPrizesAvailable
	}

	prizes, err := e.db.ListActivePrizes(ctx)
	if err != nil {
		return models.PrizeView{}, err
	}
	weights := make(map[int]float64, len(prizes))
	for _, p := range prizes {
		weights[p.ID] = p.DisplayWeight
	}

	stats, err := e.db.TierStats(ctx, e.cfg.EventID, date)
	if err != nil {
		return models.PrizeView{}, err
	}

	candidates := make([]allocator.Candidate, 0, len(views))
	byID := make(map[int]models.PrizeView, len(views))
	for _, v := range views {
		w := weights[v.ID]
		if w <= 0 {
			w = 1
		}
		candidates = append(candidates, allocator.Candidate{ID: v.ID, Tier: v.Tier, Weight: w})
		byID[v.ID] = v
	}

	cfg := e.cfg.Allocator
	cfg.BoostEnabled = cfg.BoostEnabled && e.flagEnabled(features.FeatureFairnessBoost)

	chosen, ok := allocator.Pick(cfg, candidates, stats, e.rng)
	if !ok {
		return models.PrizeView{}, apperr.ErrNoPrizesAvailable
	}

	return byID[chosen.ID], nil
}

// sectorIndex maps a prize id to its wheel sector: the prize's position in
// the active catalog ordered by ascending id.
func (e *Engine) sectorIndex(ctx context.Context, prizeID int) (index, total int, err error) {
	prizes, err := e.db.ListActivePrizes(ctx)
	if err != nil {
		return 0, 0, err
	}
	for i, p := range prizes {
		if p.ID == prizeID {
			return i, len(prizes), nil
		}
	}
	return 0, len(prizes), fmt.Errorf("prize %d: %w", prizeID, apperr.ErrNotFound)
}

// Reserve binds an idempotency key to one provisional prize assignment. A
// replay with the same non-expired key returns the stored reservation with a
// byte-identical signature; no new draw happens.
func (e *Engine) Reserve(ctx context.Context, idempotencyKey, identifier, date string) (models.ReserveResponse, error) {
	if idempotencyKey == "" {
		return models.ReserveResponse{}, apperr.ErrIdempotencyKeyMissing
	}
	if err := validation.ValidateIdempotencyKey(idempotencyKey); err != nil {
		return models.ReserveResponse{}, err
	}
	if err := validation.ValidateIdentifier(identifier); err != nil {
		return models.ReserveResponse{}, err
	}
	date, err := e.resolveDate(date)
	if err != nil {
		return models.ReserveResponse{}, err
	}

	ctx, span := tracing.GetTracer().StartSpan(ctx, "engine.reserve")
	defer span.End()

	now := e.now().UTC()

	// Replay check. Finalized reservations stay bound to their key forever;
	// reserved ones only until expiry.
	existing, err := e.db.GetReservationByKey(ctx, idempotencyKey)
	if err == nil {
		if existing.Status == models.ReservationFinalized || now.Before(existing.ExpiresAt) {
			return e.buildReserveResponse(ctx, existing)
		}
		// The prior reservation for this key expired unfinalized; sweep it
		// so the key can be rebound.
		if _, err := e.db.DeleteExpiredReservations(ctx, now); err != nil {
			return models.ReserveResponse{}, err
		}
	} else if !errors.Is(err, apperr.ErrReservationNotFound) {
		return models.ReserveResponse{}, err
	}

	choice, err := e.allocate(ctx, date)
	if err != nil {
		return models.ReserveResponse{}, err
	}

	index, _, err := e.sectorIndex(ctx, choice.ID)
	if err != nil {
		return models.ReserveResponse{}, err
	}

	res := models.Reservation{
		ID:             "res_" + uuid.NewString(),
		IdempotencyKey: idempotencyKey,
		Identifier:     identifier,
		PrizeID:        choice.ID,
		Date:           date,
		SectorIndex:    index,
		Status:         models.ReservationReserved,
		ReservedAt:     now,
		ExpiresAt:      now.Add(e.cfg.ReservationTTL),
	}

	stored, created, err := e.db.CreateReservation(ctx, e.cfg.EventID, res)
	if err != nil {
		return models.ReserveResponse{}, err
	}

	if created && e.flagEnabled(features.FeatureEventHooksEnabled) {
		e.events.PublishReservationCreated(ctx, stored, choice.Name)
	}

	// If we lost a same-key race, stored is the other request's reservation;
	// both callers converge on the identical payload.
	return e.buildReserveResponse(ctx, stored)
}

func (e *Engine) buildReserveResponse(ctx context.Context, res models.Reservation) (models.ReserveResponse, error) {
	view, err := e.prizeView(ctx, res.PrizeID, res.Date)
	if err != nil {
		return models.ReserveResponse{}, err
	}

	_, total, err := e.sectorIndex(ctx, res.PrizeID)
	if err != nil {
		return models.ReserveResponse{}, err
	}

	return models.ReserveResponse{
		ReservationID: res.ID,
		Prize:         view,
		SectorIndex:   res.SectorIndex,
		TotalSectors:  total,
		TTLSeconds:    int(e.cfg.ReservationTTL.Seconds()),
		Signature:     e.cfg.Signer.Sign(res),
	}, nil
}

// prizeView assembles the caller-facing snapshot for one prize and date.
func (e *Engine) prizeView(ctx context.Context, prizeID int, date string) (models.PrizeView, error) {
	prize, err := e.db.GetPrize(ctx, prizeID)
	if err != nil {
		return models.PrizeView{}, err
	}

	view := models.PrizeView{
		ID:   prize.ID,
		Name: prize.Name,
		Tier: prize.Tier,
	}

	inv, err := e.db.GetInventoryStatus(ctx, prizeID, e.cfg.EventID, date)
	if err == nil {
		view.PerDayLimit = inv.PerDayLimit
		if !inv.IsUnlimited {
			remaining := inv.RemainingQuantity
			view.RemainingQuantity = &remaining
		}
	}

	wins, err := e.db.CountWins(ctx, prizeID, e.cfg.EventID, date)
	if err != nil {
		return models.PrizeView{}, err
	}
	view.WinsToday = wins

	return view, nil
}

// Finalize commits a reservation into an award: availability and the daily
// cap are re-validated at finalize time and the ledger decrement, journal
// append and status flip happen in one transaction.
func (e *Engine) Finalize(ctx context.Context, reservationID, idempotencyKey, signature string) (models.Award, error) {
	if idempotencyKey == "" {
		return models.Award{}, apperr.ErrIdempotencyKeyMissing
	}
	if reservationID == "" {
		return models.Award{}, &validation.ValidationError{
			Field:   "reservation_id",
			Message: "is required",
		}
	}

	ctx, span := tracing.GetTracer().StartSpan(ctx, "engine.finalize")
	defer span.End()

	res, err := e.db.GetReservation(ctx, reservationID, idempotencyKey)
	if err != nil {
		return models.Award{}, err
	}

	if signature != "" && !e.cfg.Signer.Verify(res, signature) {
		return models.Award{}, apperr.ErrSignatureMismatch
	}

	now := e.now().UTC()
	awardID := "award_" + uuid.NewString()
	code, err := verificationCode()
	if err != nil {
		return models.Award{}, err
	}

	win, err := e.db.FinalizeAward(ctx, e.cfg.EventID, res, now, awardID, code)
	if err != nil {
		return models.Award{}, err
	}

	e.invalidateWheel(ctx, res.Date)

	view, err := e.prizeView(ctx, res.PrizeID, res.Date)
	if err != nil {
		return models.Award{}, err
	}

	if e.flagEnabled(features.FeatureEventHooksEnabled) {
		e.events.PublishAwardFinalized(ctx, win, view)
	}

	return models.Award{
		AwardID:          win.AwardID,
		Prize:            view,
		VerificationCode: win.VerificationCode,
		FinalizedAt:      win.WonAt,
	}, nil
}

// verificationCode produces a short opaque code attached to each win so an
// award can be checked offline at pickup.
func verificationCode() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate verification code: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Replenish resets the remaining quantity for one ledger row. Admin-only.
func (e *Engine) Replenish(ctx context.Context, req models.ReplenishRequest) error {
	if err := validation.ValidateReplenish(req); err != nil {
		return err
	}

	if _, err := e.db.GetPrize(ctx, req.PrizeID); err != nil {
		return err
	}

	if err := e.db.Replenish(ctx, req.PrizeID, e.cfg.EventID, req.Date, req.Quantity, req.ResetInitial); err != nil {
		return err
	}

	log.Printf("audit: replenished prize %d on %s to %d", req.PrizeID, req.Date, req.Quantity)
	e.invalidateWheel(ctx, req.Date)

	if e.flagEnabled(features.FeatureEventHooksEnabled) {
		e.events.PublishInventoryReplenished(ctx, req.PrizeID, req.Date, req.Quantity, false)
	}

	return nil
}

// ResetInventory wipes and regenerates the event's inventory calendar from
// the current catalog. Returns the number of ledger rows created.
func (e *Engine) ResetInventory(ctx context.Context) (int, error) {
	prizes, err := e.db.ListActivePrizes(ctx)
	if err != nil {
		return 0, err
	}

	if err := e.db.ResetInventory(ctx, e.cfg.EventID); err != nil {
		return 0, err
	}

	created, err := e.db.GenerateForDateRange(ctx, e.cfg.EventID, e.cfg.EventStart, e.cfg.EventEnd, e.cfg.EventSeed, prizes)
	if err != nil {
		return 0, err
	}

	log.Printf("audit: inventory reset, %d rows generated for event %d", created, e.cfg.EventID)
	if e.cfg.Cache != nil {
		_ = e.cfg.Cache.Clear(ctx)
	}

	if e.flagEnabled(features.FeatureEventHooksEnabled) {
		e.events.PublishInventoryReplenished(ctx, 0, "", 0, true)
	}

	return created, nil
}

// ImportCatalog replaces the catalog from CSV and, optionally, regenerates
// the inventory calendar. Ambiguous imports are rejected whole.
func (e *Engine) ImportCatalog(ctx context.Context, csvText string, regenerate bool) (int, int, error) {
	rows, err := catalog.Parse(strings.NewReader(csvText))
	if err != nil {
		return 0, 0, &validation.ValidationError{Field: "csv", Message: err.Error()}
	}

	existing, err := e.db.ListActivePrizes(ctx)
	if err != nil {
		return 0, 0, err
	}

	prizes, err := catalog.Build(existing, rows)
	if err != nil {
		return 0, 0, &validation.ValidationError{Field: "csv", Message: err.Error()}
	}

	if err := e.db.ReplaceCatalog(ctx, prizes); err != nil {
		return 0, 0, err
	}

	invRows := 0
	if regenerate {
		if invRows, err = e.ResetInventory(ctx); err != nil {
			return 0, 0, err
		}
	}

	log.Printf("audit: catalog imported, %d prizes, %d inventory rows", len(prizes), invRows)
	if e.flagEnabled(features.FeatureEventHooksEnabled) {
		e.events.PublishCatalogImported(ctx, len(prizes), invRows)
	}

	return len(prizes), invRows, nil
}

// Stats returns the reporting snapshot for a date.
func (e *Engine) Stats(ctx context.Context, date string) (models.DailyStats, error) {
	date, err := e.resolveDate(date)
	if err != nil {
		return models.DailyStats{}, err
	}
	return e.db.DailyStats(ctx, e.cfg.EventID, date)
}

// ListWins returns the win journal for a date, newest first.
func (e *Engine) ListWins(ctx context.Context, date string) ([]models.WinRecord, error) {
	date, err := e.resolveDate(date)
	if err != nil {
		return nil, err
	}
	return e.db.ListWins(ctx, e.cfg.EventID, date)
}

// SweepExpiredReservations garbage-collects stale reservations. Expired
// reservations are already inert; this is journal hygiene only.
func (e *Engine) SweepExpiredReservations(ctx context.Context) (int64, error) {
	if !e.flagEnabled(features.FeatureReservationGC) {
		return 0, nil
	}
	return e.db.DeleteExpiredReservations(ctx, e.now().UTC())
}
