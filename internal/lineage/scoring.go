package lineage

import (
	"math"

	"github.com/leapstack-labs/leapgraph/pkg/core"
)

// TierCeiling returns the highest confidence a row of the tier may carry.
func TierCeiling(t core.Tier) float64 {
	switch t {
	case core.TierGold:
		return 1.0
	case core.TierSilver:
		return 0.90
	case core.TierBronze:
		return 0.85
	default:
		return 0
	}
}

// BaseConfidence returns the starting confidence of a match.
func BaseConfidence(t core.Tier, kind core.MatchKind) float64 {
	switch t {
	case core.TierGold:
		return 0.95
	case core.TierSilver:
		if kind == core.MatchExact {
			return 0.90
		}
		return 0.85
	case core.TierBronze:
		if kind == core.MatchAlias {
			return 0.70
		}
		return 0.80
	default:
		return 0
	}
}

// CapConfidence clamps score to [0, TierCeiling(t)].
func CapConfidence(t core.Tier, score float64) float64 {
	if score < 0 {
		return 0
	}
	if ceiling := TierCeiling(t); score > ceiling {
		return ceiling
	}
	return score
}

// ColumnConfidence is the capped confidence of a column match.
func ColumnConfidence(t core.Tier, kind core.MatchKind) float64 {
	return CapConfidence(t, BaseConfidence(t, kind))
}

// AssetConfidence is the best table-level confidence an edge of the tier can
// reach: its best achievable column confidence.
func AssetConfidence(t core.Tier) float64 {
	best := core.MatchExact
	if t == core.TierGold {
		best = core.MatchExplicit
	}
	return ColumnConfidence(t, best)
}

// UnmatchedConfidence is the table-level confidence of an edge of the tier
// none of whose columns could be matched.
func UnmatchedConfidence(t core.Tier) float64 {
	switch t {
	case core.TierGold:
		return 0.90
	case core.TierSilver:
		return 0.75
	case core.TierBronze:
		return 0.50
	default:
		return 0
	}
}

// EdgeConfidence derives the table-level confidence of an edge from its
// column rows: their mean, capped by AssetConfidence(t).
func EdgeConfidence(t core.Tier, cols []core.ColumnLineage) float64 {
	if len(cols) == 0 {
		return UnmatchedConfidence(t)
	}
	var sum float64
	for _, c := range cols {
		sum += c.Confidence
	}
	return math.Min(sum/float64(len(cols)), AssetConfidence(t))
}
