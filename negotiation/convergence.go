package negotiation

import "math"

const convergenceEpsilon = 1e-9

// convergence measures how close two consecutive proposals are, in [0,1].
// Numeric fields score 1 - |a-b| / max(|a|,|b|,eps); booleans score 1 on
// agreement and 0 otherwise; all compared fields weigh equally. Fields only
// one side mentions score 0.
func convergence(a, b *Proposal) float64 {
	if a == nil || b == nil {
		return 0
	}
	var scores []float64
	if a.Price != nil || b.Price != nil {
		scores = append(scores, numericCloseness(a.Price, b.Price))
	}
	if a.DeliveryTime != nil || b.DeliveryTime != nil {
		scores = append(scores, numericCloseness(a.DeliveryTime, b.DeliveryTime))
	}
	if a.QualitySLA != nil || b.QualitySLA != nil {
		scores = append(scores, numericCloseness(a.QualitySLA, b.QualitySLA))
	}
	scores = append(scores, customCloseness(a.Custom, b.Custom)...)
	if len(scores) == 0 {
		return 1
	}
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	return clamp01(sum / float64(len(scores)))
}

func numericCloseness(a, b *float64) float64 {
	if a == nil || b == nil {
		return 0
	}
	denom := math.Max(math.Max(math.Abs(*a), math.Abs(*b)), convergenceEpsilon)
	return clamp01(1 - math.Abs(*a-*b)/denom)
}

func customCloseness(a, b map[string]any) []float64 {
	keys := map[string]struct{}{}
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	var scores []float64
	for k := range keys {
		av, aok := a[k]
		bv, bok := b[k]
		if !aok || !bok {
			scores = append(scores, 0)
			continue
		}
		switch x := av.(type) {
		case bool:
			y, ok := bv.(bool)
			if ok && x == y {
				scores = append(scores, 1)
			} else {
				scores = append(scores, 0)
			}
		case float64:
			y, ok := bv.(float64)
			if !ok {
				scores = append(scores, 0)
				continue
			}
			scores = append(scores, numericCloseness(&x, &y))
		case string:
			y, ok := bv.(string)
			if ok && x == y {
				scores = append(scores, 1)
			} else {
				scores = append(scores, 0)
			}
		default:
			scores = append(scores, 0)
		}
	}
	return scores
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
