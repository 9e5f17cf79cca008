package bidding

import (
	"math"
	"sort"
)

// BidScore is one ranked evaluation result with its per-criterion
// breakdown. Scores are normalized to 0–100; Composite is the weighted
// sum rounded to two decimals. Rank is 1-based by Composite descending.
type BidScore struct {
	BidID       string  `json:"bidId"`
	PorterID    string  `json:"porterId"`
	Price       float64 `json:"priceScore"`
	ETA         float64 `json:"etaScore"`
	Rating      float64 `json:"ratingScore"`
	Reliability float64 `json:"reliabilityScore"`
	Distance    float64 `json:"distanceScore"`
	Composite   float64 `json:"score"`
	Rank        int     `json:"rank"`
}

const absentScore = 50 // criterion score when porter metadata is missing

// EvaluateBids ranks bids under the given weights. The function is pure:
// it reads only its arguments and returns scores ordered by rank.
//
// Ties on Composite break by amount, then ETA, then placement time
// (earliest first), then bid id — a deterministic total order.
func EvaluateBids(bids []*Bid, weights StrategyWeights) []BidScore {
	if len(bids) == 0 {
		return nil
	}
	weights = normalizeWeights(weights)

	minAmount, maxAmount := bids[0].AmountCents, bids[0].AmountCents
	minETA, maxETA := bids[0].ETAMinutes, bids[0].ETAMinutes
	for _, b := range bids[1:] {
		if b.AmountCents < minAmount {
			minAmount = b.AmountCents
		}
		if b.AmountCents > maxAmount {
			maxAmount = b.AmountCents
		}
		if b.ETAMinutes < minETA {
			minETA = b.ETAMinutes
		}
		if b.ETAMinutes > maxETA {
			maxETA = b.ETAMinutes
		}
	}

	scores := make([]BidScore, len(bids))
	order := make([]*Bid, len(bids))
	for i, b := range bids {
		s := BidScore{BidID: b.ID, PorterID: b.PorterID}
		s.Price = inverseLinear(float64(b.AmountCents), float64(minAmount), float64(maxAmount))
		s.ETA = inverseLinear(float64(b.ETAMinutes), float64(minETA), float64(maxETA))
		s.Rating, s.Reliability, s.Distance = metadataScores(b.Metadata)

		composite := weights.Price*s.Price +
			weights.ETA*s.ETA +
			weights.Rating*s.Rating +
			weights.Reliability*s.Reliability +
			weights.Distance*s.Distance
		s.Composite = round2(composite)

		scores[i] = s
		order[i] = b
	}

	idx := make([]int, len(bids))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scoreLess(scores[idx[a]], order[idx[a]], scores[idx[b]], order[idx[b]])
	})

	ranked := make([]BidScore, len(bids))
	for rank, i := range idx {
		s := scores[i]
		s.Rank = rank + 1
		ranked[rank] = s
	}
	return ranked
}

// PreviewBid evaluates a hypothetical bid against the existing set and
// returns its rank and composite score without mutating anything.
func PreviewBid(existing []*Bid, candidate *Bid, weights StrategyWeights) (rank int, score float64) {
	all := make([]*Bid, 0, len(existing)+1)
	all = append(all, existing...)
	all = append(all, candidate)

	for _, s := range EvaluateBids(all, weights) {
		if s.BidID == candidate.ID {
			return s.Rank, s.Composite
		}
	}
	return 0, 0
}

// scoreLess orders better bids first.
func scoreLess(sa BidScore, ba *Bid, sb BidScore, bb *Bid) bool {
	if sa.Composite != sb.Composite {
		return sa.Composite > sb.Composite
	}
	if ba.AmountCents != bb.AmountCents {
		return ba.AmountCents < bb.AmountCents
	}
	if ba.ETAMinutes != bb.ETAMinutes {
		return ba.ETAMinutes < bb.ETAMinutes
	}
	if !ba.PlacedAt.Equal(bb.PlacedAt) {
		return ba.PlacedAt.Before(bb.PlacedAt)
	}
	return ba.ID < bb.ID
}

// inverseLinear maps value within [min,max] to 100 (best, at min) down to
// 0 (at max). A degenerate range scores 100 for everyone.
func inverseLinear(value, min, max float64) float64 {
	if max == min {
		return 100
	}
	return (max - value) / (max - min) * 100
}

func metadataScores(md *PorterMetadata) (rating, reliability, distance float64) {
	rating, reliability, distance = absentScore, absentScore, absentScore
	if md == nil {
		return
	}
	if md.Rating != nil {
		rating = *md.Rating / 5 * 100
	}
	if md.Reliability != nil {
		reliability = *md.Reliability
	}
	if md.DistanceMeters != nil {
		distance = math.Max(0, 100-*md.DistanceMeters/100)
	}
	return
}

// normalizeWeights renormalizes a weight vector whose sum drifted outside
// 1.0 ± 0.01. Strategies are validated at creation, but rows may predate
// a weight-schema change; scoring stays proportional either way.
func normalizeWeights(w StrategyWeights) StrategyWeights {
	sum := w.Sum()
	if sum > 0.99 && sum < 1.01 {
		return w
	}
	if sum == 0 {
		return StrategyWeights{Price: 0.2, ETA: 0.2, Rating: 0.2, Reliability: 0.2, Distance: 0.2}
	}
	return StrategyWeights{
		Price:       w.Price / sum,
		ETA:         w.ETA / sum,
		Rating:      w.Rating / sum,
		Reliability: w.Reliability / sum,
		Distance:    w.Distance / sum,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
