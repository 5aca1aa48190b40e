package main

import (
	"slices"

	"crashpool/internal/fairness"
	"crashpool/internal/fixedpoint"
)

const simStake fixedpoint.Amount = 10_000

type simStats struct {
	Rounds          int     `json:"rounds"`
	HouseEdgeBps    uint32  `json:"house_edge_bps"`
	InstantCrashes  int     `json:"instant_crashes"`
	InstantFraction float64 `json:"instant_fraction"`
	Median          string  `json:"median"`
	P90             string  `json:"p90"`
	Max             string  `json:"max"`
	AtLeast2x       float64 `json:"at_least_2x"`
	AtLeast10x      float64 `json:"at_least_10x"`
	Target          string  `json:"target"`
	TargetHitRate   float64 `json:"target_hit_rate"`
	// ReturnToPlayer is total payout over total stake when every round is
	// played with an auto cashout at Target.
	ReturnToPlayer float64 `json:"return_to_player"`
}

// simulate draws n rounds, each from a fresh seed, and summarises them.
func simulate(n int, edgeBps uint32, capBps, target fixedpoint.Multiplier, newSeed func() (fairness.Seed, error)) (simStats, error) {
	crashes := make([]fixedpoint.Multiplier, 0, n)
	var (
		instant, over2, over10, hits int
		paid                         fixedpoint.Amount
	)
	for i := 0; i < n; i++ {
		seed, err := newSeed()
		if err != nil {
			return simStats{}, err
		}
		crash := fairness.CrashMultiplier(seed, uint64(i+1), edgeBps, capBps)
		crashes = append(crashes, crash)

		if crash == fixedpoint.One {
			instant++
		}
		if crash >= 2*fixedpoint.One {
			over2++
		}
		if crash >= 10*fixedpoint.One {
			over10++
		}
		if target > fixedpoint.One && target <= crash {
			hits++
			payout, err := fixedpoint.MulBps(simStake, target)
			if err != nil {
				return simStats{}, err
			}
			if paid, err = fixedpoint.Add(paid, payout); err != nil {
				return simStats{}, err
			}
		}
	}
	slices.Sort(crashes)

	frac := func(k int) float64 { return float64(k) / float64(n) }
	return simStats{
		Rounds:          n,
		HouseEdgeBps:    edgeBps,
		InstantCrashes:  instant,
		InstantFraction: frac(instant),
		Median:          crashes[n/2].String(),
		P90:             crashes[n*9/10].String(),
		Max:             crashes[n-1].String(),
		AtLeast2x:       frac(over2),
		AtLeast10x:      frac(over10),
		Target:          target.String(),
		TargetHitRate:   frac(hits),
		ReturnToPlayer:  float64(paid) / (float64(simStake) * float64(n)),
	}, nil
}
