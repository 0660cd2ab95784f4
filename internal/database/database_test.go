package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"prize-wheel-api/internal/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGenerateForDateRange_CommonProvisioning(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	prizes := []models.Prize{
		{ID: 1, Name: "Sticker Pack", Tier: models.TierCommon, DisplayWeight: 20, Active: true, AvailableDates: "*"},
	}
	created, err := db.GenerateForDateRange(ctx, 1, "2025-10-01", "2025-10-03", 1, prizes)
	if err != nil {
		t.Fatalf("GenerateForDateRange failed: %v", err)
	}
	if created != 3 {
		t.Errorf("Expected 3 rows, got %d", created)
	}

	rec, err := db.GetInventoryStatus(ctx, 1, 1, "2025-10-02")
	if err != nil {
		t.Fatalf("GetInventoryStatus failed: %v", err)
	}
	if rec.InitialQuantity != 999 || rec.PerDayLimit != 100 || !rec.IsUnlimited {
		t.Errorf("Unexpected common provisioning: %+v", rec)
	}
}

func TestGenerateForDateRange_QuantityClamp(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	prizes := []models.Prize{
		{ID: 1, Name: "Big Box", Tier: models.TierRare, DisplayWeight: 2, Active: true, AvailableDates: "*", Quantity: 50, DailyLimit: 3},
		{ID: 2, Name: "Mystery", Tier: models.TierRare, DisplayWeight: 2, Active: true, AvailableDates: "*", Quantity: 0},
	}
	if _, err := db.GenerateForDateRange(ctx, 1, "2025-10-01", "2025-10-01", 1, prizes); err != nil {
		t.Fatalf("GenerateForDateRange failed: %v", err)
	}

	big, err := db.GetInventoryStatus(ctx, 1, 1, "2025-10-01")
	if err != nil {
		t.Fatalf("GetInventoryStatus failed: %v", err)
	}
	if big.InitialQuantity != 10 {
		t.Errorf("Expected quantity clamped to 10, got %d", big.InitialQuantity)
	}

	mystery, err := db.GetInventoryStatus(ctx, 2, 1, "2025-10-01")
	if err != nil {
		t.Fatalf("GetInventoryStatus failed: %v", err)
	}
	if mystery.InitialQuantity != 1 || mystery.PerDayLimit != 1 {
		t.Errorf("Expected 1/1 defaults, got %+v", mystery)
	}
}

func TestGenerateForDateRange_RandomSubsetIsDeterministic(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	prizes := []models.Prize{
		{ID: 1, Name: "Gift A", Tier: models.TierRare, DisplayWeight: 2, Active: true, AvailableDates: "random", Quantity: 3, DailyLimit: 1},
		{ID: 2, Name: "Gold Coin", Tier: models.TierUltraRare, DisplayWeight: 1, Active: true, AvailableDates: "random", Quantity: 1, DailyLimit: 1},
	}

	first, err := db.GenerateForDateRange(ctx, 1, "2025-10-01", "2025-10-30", 42, prizes)
	if err != nil {
		t.Fatalf("GenerateForDateRange failed: %v", err)
	}
	// A 30-day window leaves plenty of room for the subsets to differ from
	// both extremes.
	if first == 0 || first == 60 {
		t.Errorf("Expected a strict subset of days, got %d rows", first)
	}

	if err := db.ResetInventory(ctx, 1); err != nil {
		t.Fatalf("ResetInventory failed: %v", err)
	}
	second, err := db.GenerateForDateRange(ctx, 1, "2025-10-01", "2025-10-30", 42, prizes)
	if err != nil {
		t.Fatalf("GenerateForDateRange failed: %v", err)
	}
	if second != first {
		t.Errorf("Expected a reproducible calendar for the same seed, got %d then %d rows", first, second)
	}
}

func TestGenerateForDateRange_ExplicitDateList(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	prizes := []models.Prize{
		{ID: 1, Name: "Gift A", Tier: models.TierRare, DisplayWeight: 2, Active: true,
			AvailableDates: "2025-10-02|2025-10-04", Quantity: 3, DailyLimit: 1},
	}
	created, err := db.GenerateForDateRange(ctx, 1, "2025-10-01", "2025-10-05", 1, prizes)
	if err != nil {
		t.Fatalf("GenerateForDateRange failed: %v", err)
	}
	if created != 2 {
		t.Errorf("Expected rows only on the listed dates, got %d", created)
	}

	if _, err := db.GetInventoryStatus(ctx, 1, 1, "2025-10-03"); err == nil {
		t.Error("Expected no inventory on an unlisted date")
	}
}

func TestCreateReservation_ConvergesOnDuplicateKey(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Date(2025, 10, 15, 12, 0, 0, 0, time.UTC)
	base := models.Reservation{
		ID:             "res_first",
		IdempotencyKey: "spin-key-001",
		Identifier:     "user-1",
		PrizeID:        1,
		Date:           "2025-10-15",
		Status:         models.ReservationReserved,
		ReservedAt:     now,
		ExpiresAt:      now.Add(5 * time.Minute),
	}

	stored, created, err := db.CreateReservation(ctx, 1, base)
	if err != nil {
		t.Fatalf("CreateReservation failed: %v", err)
	}
	if !created || stored.ID != "res_first" {
		t.Fatalf("Expected a fresh insert, got created=%v id=%s", created, stored.ID)
	}

	dup := base
	dup.ID = "res_second"
	stored, created, err = db.CreateReservation(ctx, 1, dup)
	if err != nil {
		t.Fatalf("Duplicate CreateReservation failed: %v", err)
	}
	if created {
		t.Error("Expected the duplicate key to lose the insert")
	}
	if stored.ID != "res_first" {
		t.Errorf("Expected the stored reservation, got %s", stored.ID)
	}
}
