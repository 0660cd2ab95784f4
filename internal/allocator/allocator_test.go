package allocator

import (
	"math/rand"
	"testing"

	"prize-wheel-api/internal/models"
)

// scriptedRand plays back fixed values so individual branches can be pinned.
type scriptedRand struct {
	floats []float64
	ints   []int
}

func (s *scriptedRand) Float64() float64 {
	v := s.floats[0]
	s.floats = s.floats[1:]
	return v
}

func (s *scriptedRand) Intn(n int) int {
	v := s.ints[0]
	s.ints = s.ints[1:]
	if v >= n {
		v = n - 1
	}
	return v
}

func testCandidates() []Candidate {
	return []Candidate{
		{ID: 1, Tier: models.TierCommon, Weight: 20},
		{ID: 2, Tier: models.TierRare, Weight: 2},
		{ID: 3, Tier: models.TierUltraRare, Weight: 1},
	}
}

func TestPick_EmptySet(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	_, ok := Pick(DefaultConfig(), nil, models.TierStats{}, rng)
	if ok {
		t.Error("Expected no pick from an empty candidate set")
	}
}

func TestPick_BoostPrefersUltraRare(t *testing.T) {
	cfg := DefaultConfig()
	// Share 0/1 is below the 0.30 target and the coin lands under 0.50,
	// so the pick must come from the ultra-rare pool.
	rng := &scriptedRand{floats: []float64{0.1}, ints: []int{0}}

	picked, ok := Pick(cfg, testCandidates(), models.TierStats{TotalWins: 10, RarePlusWins: 0}, rng)
	if !ok {
		t.Fatal("Expected a pick")
	}
	if picked.Tier != models.TierUltraRare {
		t.Errorf("Expected ultra_rare pick under boost, got %s", picked.Tier)
	}
}

func TestPick_BoostFallsBackToRareWithoutUltraRare(t *testing.T) {
	cfg := DefaultConfig()
	candidates := []Candidate{
		{ID: 1, Tier: models.TierCommon, Weight: 20},
		{ID: 2, Tier: models.TierRare, Weight: 2},
	}
	rng := &scriptedRand{floats: []float64{0.1}, ints: []int{0}}

	picked, ok := Pick(cfg, candidates, models.TierStats{TotalWins: 10, RarePlusWins: 0}, rng)
	if !ok {
		t.Fatal("Expected a pick")
	}
	if picked.Tier != models.TierRare {
		t.Errorf("Expected rare pick under boost, got %s", picked.Tier)
	}
}

func TestPick_NoBoostWhenShareMeetsTarget(t *testing.T) {
	cfg := DefaultConfig()
	// Share 4/10 is above the target; the coin value would trigger a boost if
	// the share check were broken, and the scripted pool index lands on the
	// common block of the weighted pool.
	rng := &scriptedRand{floats: []float64{0.1}, ints: []int{0}}

	picked, ok := Pick(cfg, testCandidates(), models.TierStats{TotalWins: 10, RarePlusWins: 4}, rng)
	if !ok {
		t.Fatal("Expected a pick")
	}
	if picked.Tier != models.TierCommon {
		t.Errorf("Expected weighted-pool pick, got %s", picked.Tier)
	}
}

func TestPick_BoostDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BoostEnabled = false
	// No coin flip should be consumed when the boost is off.
	rng := &scriptedRand{ints: []int{0}}

	picked, ok := Pick(cfg, testCandidates(), models.TierStats{TotalWins: 10, RarePlusWins: 0}, rng)
	if !ok {
		t.Fatal("Expected a pick")
	}
	if picked.Tier != models.TierCommon {
		t.Errorf("Expected weighted-pool pick with boost disabled, got %s", picked.Tier)
	}
}

func TestPick_WeightedPoolEntries(t *testing.T) {
	cfg := DefaultConfig()
	pool := weightedPool(cfg, testCandidates())

	// common 20*1=20, rare 2*5=10, ultra 1*8=8
	counts := map[int]int{}
	for _, c := range pool {
		counts[c.ID]++
	}
	if counts[1] != 20 || counts[2] != 10 || counts[3] != 8 {
		t.Errorf("Unexpected pool composition: %v", counts)
	}
}

func TestPick_ZeroWeightStillDrawable(t *testing.T) {
	cfg := DefaultConfig()
	pool := weightedPool(cfg, []Candidate{{ID: 1, Tier: models.TierCommon, Weight: 0}})
	if len(pool) != 1 {
		t.Errorf("Expected a zero-weight candidate to contribute one entry, got %d", len(pool))
	}
}

func TestPick_DeterministicForFixedSeed(t *testing.T) {
	cfg := DefaultConfig()
	stats := models.TierStats{TotalWins: 10, RarePlusWins: 3}

	first, _ := Pick(cfg, testCandidates(), stats, rand.New(rand.NewSource(99)))
	second, _ := Pick(cfg, testCandidates(), stats, rand.New(rand.NewSource(99)))
	if first.ID != second.ID {
		t.Errorf("Expected identical picks for a fixed seed, got %d and %d", first.ID, second.ID)
	}
}

func TestPick_RareShareConvergesTowardTarget(t *testing.T) {
	cfg := DefaultConfig()
	// Common-heavy pool: raw weighted rare share is 5/25 = 0.20, below the
	// 0.30 target, so the boost has to do the lifting.
	candidates := []Candidate{
		{ID: 1, Tier: models.TierCommon, Weight: 20},
		{ID: 2, Tier: models.TierRare, Weight: 1},
	}

	rng := rand.New(rand.NewSource(42))
	stats := models.TierStats{}
	const draws = 2000
	for i := 0; i < draws; i++ {
		picked, ok := Pick(cfg, candidates, stats, rng)
		if !ok {
			t.Fatal("Expected a pick")
		}
		stats.TotalWins++
		if picked.Tier.IsRarePlus() {
			stats.RarePlusWins++
		}
	}

	share := float64(stats.RarePlusWins) / float64(stats.TotalWins)
	if share < 0.22 || share > 0.40 {
		t.Errorf("Expected rare share near the 0.30 target, got %.3f", share)
	}
}
