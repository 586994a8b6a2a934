package learning

import (
	"math"
	"sort"
)

// Normalize rescales the positive weights to sum to 1 while keeping each inside
// [lo, hi]. It solves Σ clamp(w·t, lo, hi) = 1 for the scale t by bisection.
// Zero weights are disabled sources and stay zero. When the bounds cannot be met
// (too few or too many sources) the weights are scaled proportionally instead.
func Normalize(weights map[string]float64, lo, hi float64) map[string]float64 {
	out := make(map[string]float64, len(weights))
	var keys []string
	var sum float64
	for k, v := range weights {
		if v <= 0 {
			out[k] = 0
			continue
		}
		keys = append(keys, k)
		sum += v
	}
	if len(keys) == 0 {
		return out
	}
	sort.Strings(keys)

	n := float64(len(keys))
	if n*lo > 1 || n*hi < 1 {
		for _, k := range keys {
			out[k] = weights[k] / sum
		}
		return out
	}

	total := func(t float64) float64 {
		var s float64
		for _, k := range keys {
			s += clamp(weights[k]*t, lo, hi)
		}
		return s
	}

	// total(0) = n·lo ≤ 1; grow the upper bracket until total ≥ 1
	low, high := 0.0, 1/sum
	for total(high) < 1 {
		high *= 2
	}
	for i := 0; i < 200; i++ {
		mid := (low + high) / 2
		if total(mid) < 1 {
			low = mid
		} else {
			high = mid
		}
	}

	var s float64
	for _, k := range keys {
		out[k] = clamp(weights[k]*high, lo, hi)
		s += out[k]
	}

	// put the rounding residue on the first weight with room for it
	residue := 1 - s
	if residue != 0 {
		for _, k := range keys {
			if v := out[k] + residue; v >= lo && v <= hi {
				out[k] = v
				break
			}
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
