// Package allocator implements the prize-selection algorithm. Pick is a pure
// function of the candidate set, today's win counts and a random source; it
// holds no state and never touches storage, so callers can unit-test it with
// a fixed source.
package allocator

import (
	"math"

	"prize-wheel-api/internal/models"
)

// Rand is the random source consumed by Pick. *math/rand.Rand satisfies it.
type Rand interface {
	Float64() float64
	Intn(n int) int
}

// Config holds the selection policy knobs. Constants live in configuration,
// not in the algorithm.
type Config struct {
	// TargetRareShare is the desired fraction of rare+ultra-rare wins.
	TargetRareShare float64
	// BoostProbability is the biased-coin chance of forcing a rare-pool pick
	// while the observed share trails the target.
	BoostProbability float64
	// Weight multipliers per tier for the fallback draw.
	UltraRareMultiplier float64
	RareMultiplier      float64
	CommonMultiplier    float64
	// BoostEnabled turns the fairness boost off entirely (step 3 skipped).
	BoostEnabled bool
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TargetRareShare:     0.30,
		BoostProbability:    0.50,
		UltraRareMultiplier: 8,
		RareMultiplier:      5,
		CommonMultiplier:    1,
		BoostEnabled:        true,
	}
}

// Candidate is one awardable prize as seen by the allocator.
type Candidate struct {
	ID     int
	Tier   models.Tier
	Weight float64
}

// Pick selects one prize from the candidate set. It returns false when the
// set is empty, which is a normal sold-out outcome, not an error.
//
// Selection shape: partition by tier; if the observed rare-plus win share
// trails the target and rare candidates exist, a biased coin may force the
// pick from the rare pool (ultra-rare preferred, drawn uniformly); otherwise
// a single weighted draw over all candidates decides, each contributing
// max(1, round(weight * tier multiplier)) pool entries.
func Pick(cfg Config, candidates []Candidate, stats models.TierStats, rng Rand) (Candidate, bool) {
	if len(candidates) == 0 {
		return Candidate{}, false
	}

	var ultraRare, rare []Candidate
	for _, c := range candidates {
		switch c.Tier {
		case models.TierUltraRare:
			ultraRare = append(ultraRare, c)
		case models.TierRare:
			rare = append(rare, c)
		}
	}

	if cfg.BoostEnabled && (len(ultraRare) > 0 || len(rare) > 0) {
		total := stats.TotalWins
		if total < 1 {
			total = 1
		}
		rareShare := float64(stats.RarePlusWins) / float64(total)
		if rareShare < cfg.TargetRareShare && rng.Float64() < cfg.BoostProbability {
			if len(ultraRare) > 0 {
				return ultraRare[rng.Intn(len(ultraRare))], true
			}
			return rare[rng.Intn(len(rare))], true
		}
	}

	pool := weightedPool(cfg, candidates)
	if len(pool) == 0 {
		// Weights degenerated; fall back to a uniform draw over whatever
		// candidates remain.
		return candidates[rng.Intn(len(candidates))], true
	}
	return pool[rng.Intn(len(pool))], true
}

// weightedPool expands candidates into a draw pool where each contributes
// max(1, round(weight * multiplier)) entries. Equivalent to a weighted
// single draw.
func weightedPool(cfg Config, candidates []Candidate) []Candidate {
	var pool []Candidate
	for _, c := range candidates {
		mult := cfg.CommonMultiplier
		switch c.Tier {
		case models.TierUltraRare:
			mult = cfg.UltraRareMultiplier
		case models.TierRare:
			mult = cfg.RareMultiplier
		}
		entries := int(math.Round(c.Weight * mult))
		if entries < 1 {
			entries = 1
		}
		for i := 0; i < entries; i++ {
			pool = append(pool, c)
		}
	}
	return pool
}
