package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"prize-wheel-api/internal/allocator"
	"prize-wheel-api/internal/apperr"
	"prize-wheel-api/internal/database"
	"prize-wheel-api/internal/models"
	"prize-wheel-api/internal/signing"
)

const testDate = "2025-10-15"

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func fullCatalog() []models.Prize {
	return []models.Prize{
		{ID: 1, Name: "Sticker Pack", Tier: models.TierCommon, DisplayWeight: 20, Active: true, AvailableDates: "*"},
		{ID: 2, Name: "Gift A", Tier: models.TierRare, DisplayWeight: 2, Active: true, AvailableDates: "*", Quantity: 3, DailyLimit: 1},
		{ID: 3, Name: "Gold Coin", Tier: models.TierUltraRare, DisplayWeight: 1, Active: true, AvailableDates: "*", Quantity: 1, DailyLimit: 1},
	}
}

func singlePrizeCatalog(tier models.Tier, quantity, dailyLimit int) []models.Prize {
	return []models.Prize{
		{ID: 1, Name: "Gift A", Tier: tier, DisplayWeight: 2, Active: true, AvailableDates: "*", Quantity: quantity, DailyLimit: dailyLimit},
	}
}

func newTestEngine(t *testing.T, prizes []models.Prize) (*Engine, *database.DB, *testClock) {
	t.Helper()

	db, err := database.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	if err := db.ReplaceCatalog(ctx, prizes); err != nil {
		t.Fatalf("Failed to seed catalog: %v", err)
	}
	if _, err := db.GenerateForDateRange(ctx, 1, testDate, testDate, 1, prizes); err != nil {
		t.Fatalf("Failed to seed inventory: %v", err)
	}

	clock := &testClock{t: time.Date(2025, 10, 15, 12, 0, 0, 0, time.UTC)}
	engine := NewEngine(db, Config{
		EventID:        1,
		EventStart:     testDate,
		EventEnd:       testDate,
		EventSeed:      1,
		Allocator:      allocator.DefaultConfig(),
		ReservationTTL: 5 * time.Minute,
		Signer:         signing.NewSigner("test-secret"),
		Rand:           rand.New(rand.NewSource(7)),
		Now:            clock.Now,
	})

	return engine, db, clock
}

func TestReserveFinalize_Flow(t *testing.T) {
	engine, db, _ := newTestEngine(t, singlePrizeCatalog(models.TierRare, 3, 5))
	ctx := context.Background()

	resp, err := engine.Reserve(ctx, "spin-key-001", "user-1", testDate)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if resp.ReservationID == "" || resp.Signature == "" {
		t.Fatalf("Expected a reservation id and signature, got %+v", resp)
	}
	if resp.Prize.Name != "Gift A" {
		t.Errorf("Expected Gift A, got %s", resp.Prize.Name)
	}
	if resp.SectorIndex != 0 || resp.TotalSectors != 1 {
		t.Errorf("Unexpected sector mapping: %d of %d", resp.SectorIndex, resp.TotalSectors)
	}
	if resp.TTLSeconds != 300 {
		t.Errorf("Expected 300s TTL, got %d", resp.TTLSeconds)
	}

	// A reservation holds nothing; stock is untouched until finalize.
	inv, err := db.GetInventoryStatus(ctx, 1, 1, testDate)
	if err != nil {
		t.Fatalf("Failed to read inventory: %v", err)
	}
	if inv.RemainingQuantity != 3 {
		t.Errorf("Expected remaining 3 after reserve, got %d", inv.RemainingQuantity)
	}

	award, err := engine.Finalize(ctx, resp.ReservationID, "spin-key-001", resp.Signature)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if award.AwardID == "" || award.VerificationCode == "" {
		t.Errorf("Expected award id and verification code, got %+v", award)
	}

	inv, err = db.GetInventoryStatus(ctx, 1, 1, testDate)
	if err != nil {
		t.Fatalf("Failed to read inventory: %v", err)
	}
	if inv.RemainingQuantity != 2 {
		t.Errorf("Expected remaining 2 after finalize, got %d", inv.RemainingQuantity)
	}

	wins, err := engine.ListWins(ctx, testDate)
	if err != nil {
		t.Fatalf("ListWins failed: %v", err)
	}
	if len(wins) != 1 {
		t.Fatalf("Expected 1 win, got %d", len(wins))
	}
	if wins[0].Identifier != "user-1" || wins[0].ReservationID != resp.ReservationID {
		t.Errorf("Unexpected win record: %+v", wins[0])
	}
}

func TestReserve_Idempotent(t *testing.T) {
	engine, _, _ := newTestEngine(t, fullCatalog())
	ctx := context.Background()

	first, err := engine.Reserve(ctx, "spin-key-001", "user-1", testDate)
	if err != nil {
		t.Fatalf("First reserve failed: %v", err)
	}

	second, err := engine.Reserve(ctx, "spin-key-001", "user-1", testDate)
	if err != nil {
		t.Fatalf("Replay reserve failed: %v", err)
	}

	if second.ReservationID != first.ReservationID {
		t.Errorf("Expected the same reservation on replay, got %s and %s", first.ReservationID, second.ReservationID)
	}
	if second.Signature != first.Signature {
		t.Error("Expected a byte-identical signature on replay")
	}
	if second.Prize.ID != first.Prize.ID || second.SectorIndex != first.SectorIndex {
		t.Errorf("Expected the same prize on replay, got %+v and %+v", first.Prize, second.Prize)
	}
}

func TestReserve_ReplayAfterFinalize(t *testing.T) {
	engine, _, _ := newTestEngine(t, singlePrizeCatalog(models.TierRare, 3, 5))
	ctx := context.Background()

	resp, err := engine.Reserve(ctx, "spin-key-001", "user-1", testDate)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := engine.Finalize(ctx, resp.ReservationID, "spin-key-001", ""); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	// The key stays bound to its reservation after finalize; no new draw.
	replay, err := engine.Reserve(ctx, "spin-key-001", "user-1", testDate)
	if err != nil {
		t.Fatalf("Replay reserve failed: %v", err)
	}
	if replay.ReservationID != resp.ReservationID {
		t.Errorf("Expected the finalized reservation on replay, got %s", replay.ReservationID)
	}
}

func TestReserve_MissingKey(t *testing.T) {
	engine, _, _ := newTestEngine(t, fullCatalog())

	_, err := engine.Reserve(context.Background(), "", "user-1", testDate)
	if !errors.Is(err, apperr.ErrIdempotencyKeyMissing) {
		t.Errorf("Expected ErrIdempotencyKeyMissing, got %v", err)
	}
}

func TestReserve_InvalidDate(t *testing.T) {
	engine, _, _ := newTestEngine(t, fullCatalog())

	if _, err := engine.Reserve(context.Background(), "spin-key-001", "user-1", "2025/10/15"); err == nil {
		t.Error("Expected an error for a malformed date")
	}
}

func TestReserve_KeyRebindsAfterExpiry(t *testing.T) {
	engine, _, clock := newTestEngine(t, singlePrizeCatalog(models.TierRare, 3, 5))
	ctx := context.Background()

	first, err := engine.Reserve(ctx, "spin-key-001", "user-1", testDate)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	clock.Advance(6 * time.Minute)

	second, err := engine.Reserve(ctx, "spin-key-001", "user-1", testDate)
	if err != nil {
		t.Fatalf("Reserve after expiry failed: %v", err)
	}
	if second.ReservationID == first.ReservationID {
		t.Error("Expected a fresh reservation after the old one expired")
	}
}

func TestReserve_NoPrizesAvailable(t *testing.T) {
	engine, _, _ := newTestEngine(t, singlePrizeCatalog(models.TierRare, 1, 1))
	ctx := context.Background()

	resp, err := engine.Reserve(ctx, "spin-key-001", "user-1", testDate)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := engine.Finalize(ctx, resp.ReservationID, "spin-key-001", ""); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	_, err = engine.Reserve(ctx, "spin-key-002", "user-2", testDate)
	if !errors.Is(err, apperr.ErrNoPrizesAvailable) {
		t.Errorf("Expected ErrNoPrizesAvailable, got %v", err)
	}
}

func TestFinalize_Twice(t *testing.T) {
	engine, _, _ := newTestEngine(t, singlePrizeCatalog(models.TierRare, 3, 5))
	ctx := context.Background()

	resp, err := engine.Reserve(ctx, "spin-key-001", "user-1", testDate)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := engine.Finalize(ctx, resp.ReservationID, "spin-key-001", ""); err != nil {
		t.Fatalf("First finalize failed: %v", err)
	}

	_, err = engine.Finalize(ctx, resp.ReservationID, "spin-key-001", "")
	if !errors.Is(err, apperr.ErrAlreadyFinalized) {
		t.Errorf("Expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestFinalize_Expired(t *testing.T) {
	engine, _, clock := newTestEngine(t, singlePrizeCatalog(models.TierRare, 3, 5))
	ctx := context.Background()

	resp, err := engine.Reserve(ctx, "spin-key-001", "user-1", testDate)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	clock.Advance(6 * time.Minute)

	_, err = engine.Finalize(ctx, resp.ReservationID, "spin-key-001", "")
	if !errors.Is(err, apperr.ErrReservationExpired) {
		t.Errorf("Expected ErrReservationExpired, got %v", err)
	}
}

func TestFinalize_UnknownReservation(t *testing.T) {
	engine, _, _ := newTestEngine(t, fullCatalog())

	_, err := engine.Finalize(context.Background(), "res_unknown", "spin-key-001", "")
	if !errors.Is(err, apperr.ErrReservationNotFound) {
		t.Errorf("Expected ErrReservationNotFound, got %v", err)
	}
}

func TestFinalize_WrongKey(t *testing.T) {
	engine, _, _ := newTestEngine(t, singlePrizeCatalog(models.TierRare, 3, 5))
	ctx := context.Background()

	resp, err := engine.Reserve(ctx, "spin-key-001", "user-1", testDate)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	_, err = engine.Finalize(ctx, resp.ReservationID, "spin-key-other", "")
	if !errors.Is(err, apperr.ErrReservationNotFound) {
		t.Errorf("Expected ErrReservationNotFound for a mismatched key, got %v", err)
	}
}

func TestFinalize_SignatureMismatch(t *testing.T) {
	engine, _, _ := newTestEngine(t, singlePrizeCatalog(models.TierRare, 3, 5))
	ctx := context.Background()

	resp, err := engine.Reserve(ctx, "spin-key-001", "user-1", testDate)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	_, err = engine.Finalize(ctx, resp.ReservationID, "spin-key-001", "deadbeef")
	if !errors.Is(err, apperr.ErrSignatureMismatch) {
		t.Errorf("Expected ErrSignatureMismatch, got %v", err)
	}
}

func TestFinalize_DailyCapReached(t *testing.T) {
	engine, _, _ := newTestEngine(t, singlePrizeCatalog(models.TierRare, 3, 1))
	ctx := context.Background()

	// Both reservations are taken while the cap is still open.
	first, err := engine.Reserve(ctx, "spin-key-001", "user-1", testDate)
	if err != nil {
		t.Fatalf("First reserve failed: %v", err)
	}
	second, err := engine.Reserve(ctx, "spin-key-002", "user-2", testDate)
	if err != nil {
		t.Fatalf("Second reserve failed: %v", err)
	}

	if _, err := engine.Finalize(ctx, first.ReservationID, "spin-key-001", ""); err != nil {
		t.Fatalf("First finalize failed: %v", err)
	}

	// Finalize re-validates: the cap filled in the meantime.
	_, err = engine.Finalize(ctx, second.ReservationID, "spin-key-002", "")
	if !errors.Is(err, apperr.ErrDailyCapReached) {
		t.Errorf("Expected ErrDailyCapReached, got %v", err)
	}
}

func TestFinalize_NoOversell(t *testing.T) {
	engine, db, _ := newTestEngine(t, singlePrizeCatalog(models.TierRare, 1, 10))
	ctx := context.Background()

	// Many reservations against a single unit of stock.
	const spins = 8
	reservations := make([]models.ReserveResponse, spins)
	for i := 0; i < spins; i++ {
		resp, err := engine.Reserve(ctx, fmt.Sprintf("spin-key-%03d", i), fmt.Sprintf("user-%d", i), testDate)
		if err != nil {
			t.Fatalf("Reserve %d failed: %v", i, err)
		}
		reservations[i] = resp
	}

	var wg sync.WaitGroup
	errs := make([]error, spins)
	for i := 0; i < spins; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = engine.Finalize(ctx, reservations[i].ReservationID, fmt.Sprintf("spin-key-%03d", i), "")
		}(i)
	}
	wg.Wait()

	successes := 0
	for i, err := range errs {
		switch {
		case err == nil:
			successes++
		case errors.Is(err, apperr.ErrExhausted), errors.Is(err, apperr.ErrConcurrentWriteConflict):
		default:
			t.Errorf("Finalize %d: unexpected error %v", i, err)
		}
	}
	if successes != 1 {
		t.Errorf("Expected exactly 1 successful finalize, got %d", successes)
	}

	inv, err := db.GetInventoryStatus(ctx, 1, 1, testDate)
	if err != nil {
		t.Fatalf("Failed to read inventory: %v", err)
	}
	if inv.RemainingQuantity != 0 {
		t.Errorf("Expected remaining 0, got %d", inv.RemainingQuantity)
	}

	wins, err := engine.ListWins(ctx, testDate)
	if err != nil {
		t.Fatalf("ListWins failed: %v", err)
	}
	if len(wins) != 1 {
		t.Errorf("Expected 1 win in the journal, got %d", len(wins))
	}
}

func TestWheelDisplay_IncludesExhausted(t *testing.T) {
	engine, _, _ := newTestEngine(t, singlePrizeCatalog(models.TierRare, 1, 10))
	ctx := context.Background()

	resp, err := engine.Reserve(ctx, "spin-key-001", "user-1", testDate)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := engine.Finalize(ctx, resp.ReservationID, "spin-key-001", ""); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	awardable, err := engine.ListAwardable(ctx, testDate)
	if err != nil {
		t.Fatalf("ListAwardable failed: %v", err)
	}
	if len(awardable) != 0 {
		t.Errorf("Expected no awardable prizes, got %d", len(awardable))
	}

	display, err := engine.WheelDisplay(ctx, testDate)
	if err != nil {
		t.Fatalf("WheelDisplay failed: %v", err)
	}
	if len(display) != 1 {
		t.Fatalf("Expected the exhausted prize on the wheel, got %d entries", len(display))
	}
	if display[0].RemainingQuantity == nil || *display[0].RemainingQuantity != 0 {
		t.Errorf("Expected remaining 0 on display, got %v", display[0].RemainingQuantity)
	}
}

func TestReplenish_RestoresAwardability(t *testing.T) {
	engine, _, _ := newTestEngine(t, singlePrizeCatalog(models.TierRare, 1, 10))
	ctx := context.Background()

	resp, err := engine.Reserve(ctx, "spin-key-001", "user-1", testDate)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if _, err := engine.Finalize(ctx, resp.ReservationID, "spin-key-001", ""); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if err := engine.Replenish(ctx, models.ReplenishRequest{PrizeID: 1, Date: testDate, Quantity: 2}); err != nil {
		t.Fatalf("Replenish failed: %v", err)
	}

	awardable, err := engine.ListAwardable(ctx, testDate)
	if err != nil {
		t.Fatalf("ListAwardable failed: %v", err)
	}
	if len(awardable) != 1 {
		t.Errorf("Expected the prize back in the candidate set, got %d entries", len(awardable))
	}
}

func TestReplenish_UnknownPrize(t *testing.T) {
	engine, _, _ := newTestEngine(t, fullCatalog())

	err := engine.Replenish(context.Background(), models.ReplenishRequest{PrizeID: 99, Date: testDate, Quantity: 2})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestStats(t *testing.T) {
	engine, _, _ := newTestEngine(t, singlePrizeCatalog(models.TierRare, 3, 5))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp, err := engine.Reserve(ctx, fmt.Sprintf("spin-key-%03d", i), "user-1", testDate)
		if err != nil {
			t.Fatalf("Reserve %d failed: %v", i, err)
		}
		if _, err := engine.Finalize(ctx, resp.ReservationID, fmt.Sprintf("spin-key-%03d", i), ""); err != nil {
			t.Fatalf("Finalize %d failed: %v", i, err)
		}
	}

	stats, err := engine.Stats(ctx, testDate)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalWins != 2 {
		t.Errorf("Expected 2 wins, got %d", stats.TotalWins)
	}
	if stats.UniqueUsers != 1 {
		t.Errorf("Expected 1 unique user, got %d", stats.UniqueUsers)
	}
	if stats.TierBreakdown[models.TierRare] != 2 {
		t.Errorf("Expected 2 rare wins in the breakdown, got %d", stats.TierBreakdown[models.TierRare])
	}
}

func TestImportCatalog(t *testing.T) {
	engine, db, _ := newTestEngine(t, fullCatalog())
	ctx := context.Background()

	csv := "name,tier,weight,quantity,daily_limit,available_dates\n" +
		"Gift A,rare,2,3,1,*\n" +
		"New Prize,common,10,0,100,*\n"

	prizes, invRows, err := engine.ImportCatalog(ctx, csv, true)
	if err != nil {
		t.Fatalf("ImportCatalog failed: %v", err)
	}
	if prizes != 2 {
		t.Errorf("Expected 2 prizes imported, got %d", prizes)
	}
	if invRows != 2 {
		t.Errorf("Expected 2 inventory rows regenerated, got %d", invRows)
	}

	// Gift A keeps its current id; the new name extends the catalog.
	p, err := db.GetPrize(ctx, 2)
	if err != nil {
		t.Fatalf("GetPrize failed: %v", err)
	}
	if p.Name != "Gift A" {
		t.Errorf("Expected Gift A to keep id 2, got %q", p.Name)
	}
}

func TestImportCatalog_RejectsBadCSV(t *testing.T) {
	engine, db, _ := newTestEngine(t, fullCatalog())
	ctx := context.Background()

	if _, _, err := engine.ImportCatalog(ctx, "Gift A,legendary,2,3,1,*\n", false); err == nil {
		t.Fatal("Expected a rejected import")
	}

	// The existing catalog must be untouched after a failed import.
	prizes, err := db.ListActivePrizes(ctx)
	if err != nil {
		t.Fatalf("ListActivePrizes failed: %v", err)
	}
	if len(prizes) != 3 {
		t.Errorf("Expected the original 3 prizes, got %d", len(prizes))
	}
}

func TestSweepExpiredReservations(t *testing.T) {
	engine, _, clock := newTestEngine(t, fullCatalog())
	ctx := context.Background()

	if _, err := engine.Reserve(ctx, "spin-key-001", "user-1", testDate); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	swept, err := engine.SweepExpiredReservations(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if swept != 0 {
		t.Errorf("Expected nothing swept before expiry, got %d", swept)
	}

	clock.Advance(6 * time.Minute)

	swept, err = engine.SweepExpiredReservations(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if swept != 1 {
		t.Errorf("Expected 1 reservation swept, got %d", swept)
	}
}
