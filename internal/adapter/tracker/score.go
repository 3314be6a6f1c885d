package tracker

import (
	"sort"

	"github.com/quenby/porter/internal/core/domain"
)

const (
	affinityBonus = 3.0

	// Pacing compares a subscription's long-window burn rate against the
	// elapsed share of the window; the contribution is clamped so stale or
	// extreme samples cannot dominate capacity.
	longWindowHours = 168.0
	pacingClamp     = 5.0

	heavyClientThresholdPct = 80.0
	heavyClientPenalty      = 3.0

	nearResetHours       = 12.0
	nearResetFloorPct    = 50.0
	nearResetBonus       = 2.0
	rpmHighThreshold     = 20.0
	rpmHighPenalty       = 3.0
	rpmModerateThreshold = 10.0
	rpmModeratePenalty   = 1.0
)

type scoredCandidate struct {
	candidate
	score float64
}

// selectScored ranks candidates with the utilisation-aware policy. Every
// input beyond raw capacity is advisory: a missing utilisation sample or nil
// hints field simply contributes nothing.
func selectScored(candidates []candidate, hints *domain.SelectionHints, util map[string]domain.AccountUtilization) *domain.SubscriptionState {
	scored := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, scoredCandidate{
			candidate: c,
			score:     scoreCandidate(c, hints, util),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].priority < scored[j].priority
	})
	return scored[0].state
}

func scoreCandidate(c candidate, hints *domain.SelectionHints, util map[string]domain.AccountUtilization) float64 {
	name := c.state.Name()
	score := float64(c.available)

	sample, hasSample := util[name]

	if hints != nil {
		if hints.PreferredSubscription == name {
			score += affinityBonus
		}
		if hints.Classification == domain.ClassificationHeavy && hasSample &&
			sample.LongWindow.Percent > heavyClientThresholdPct {
			score -= heavyClientPenalty
		}
		if rpm, ok := hints.RequestsPerMinute[name]; ok {
			switch {
			case rpm > rpmHighThreshold:
				score -= rpmHighPenalty
			case rpm > rpmModerateThreshold:
				score -= rpmModeratePenalty
			}
		}
	}

	if hasSample {
		score += pacingScore(sample.LongWindow)
		if sample.LongWindow.HoursToReset < nearResetHours &&
			sample.LongWindow.Percent < nearResetFloorPct {
			score += nearResetBonus
		}
	}

	// Lower priority numbers earn a small standing bonus so that an otherwise
	// even field still respects operator ordering.
	score += (10.0 - float64(c.priority)) / 10.0

	return score
}

// pacingScore rewards subscriptions burning slower than the window clock and
// penalises ones burning faster. A subscription 40% through its window that
// has spent 20% of quota is ahead of pace and scores positive.
func pacingScore(window domain.WindowUtilization) float64 {
	if window.HoursToReset <= 0 || window.HoursToReset > longWindowHours {
		return 0
	}
	elapsedPct := (longWindowHours - window.HoursToReset) / longWindowHours * 100.0
	pacing := (elapsedPct - window.Percent) / 10.0
	if pacing > pacingClamp {
		return pacingClamp
	}
	if pacing < -pacingClamp {
		return -pacingClamp
	}
	return pacing
}
