// Package ensemble combines multiple independently-sourced numeric estimates
// of the same quantity into one consensus value with a confidence signal.
// It is input-agnostic: callers tag each observation with a category and the
// combiner handles outlier filtering, per-category reduction, and weighting.
package ensemble

import (
	"math"
	"sort"

	"go.uber.org/zap"
)

// Observation is one raw numeric estimate from a single source.
type Observation struct {
	Category string  `json:"category"`
	Value    float64 `json:"value"`
	Source   string  `json:"source,omitempty"`
}

// ConfidenceLevel buckets the numeric confidence score.
type ConfidenceLevel string

const (
	ConfidenceLow    ConfidenceLevel = "low"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceHigh   ConfidenceLevel = "high"
)

// DivergenceFlag records a pair of sources whose estimates disagree by more
// than the configured threshold. Flagged for observability; neither value is
// hidden from the output.
type DivergenceFlag struct {
	SourceA   string  `json:"source_a"`
	SourceB   string  `json:"source_b"`
	ValueA    float64 `json:"value_a"`
	ValueB    float64 `json:"value_b"`
	Deviation float64 `json:"deviation"` // relative, e.g. 0.42 = 42%
}

// Estimate is the combined result.
type Estimate struct {
	Value            float64            `json:"value"`
	Low              float64            `json:"low"`
	High             float64            `json:"high"`
	ConfidenceScore  float64            `json:"confidence_score"`
	ConfidenceLevel  ConfidenceLevel    `json:"confidence_level"`
	ObservationsUsed int                `json:"observations_used"`
	OutliersDropped  int                `json:"outliers_dropped"`
	CategoryMedians  map[string]float64 `json:"category_medians"`
	Divergences      []DivergenceFlag   `json:"divergences,omitempty"`
}

// Combine merges tagged observations into a single estimate per the
// configured weights. Returns ok=false when no usable observations remain.
func Combine(obs []Observation, cfg Config) (Estimate, bool) {
	cfg = cfg.withDefaults()

	byCategory := make(map[string][]Observation)
	for _, o := range obs {
		if o.Value <= 0 {
			continue
		}
		byCategory[o.Category] = append(byCategory[o.Category], o)
	}
	if len(byCategory) == 0 {
		return Estimate{}, false
	}

	est := Estimate{CategoryMedians: make(map[string]float64, len(byCategory))}

	var allKept []float64
	for cat, group := range byCategory {
		values := make([]float64, len(group))
		for i, o := range group {
			values[i] = o.Value
		}

		kept := values
		// IQR filtering needs enough points to make quartiles meaningful.
		if len(values) >= cfg.MinObsForIQR {
			kept = filterIQR(values, cfg.IQRMultiplier)
			est.OutliersDropped += len(values) - len(kept)
		}
		if len(kept) == 0 {
			kept = values
		}

		est.CategoryMedians[cat] = median(kept)
		est.ObservationsUsed += len(kept)
		allKept = append(allKept, kept...)
	}

	// Redistribute weights of empty categories proportionally among the
	// populated ones.
	totalWeight := 0.0
	for cat := range est.CategoryMedians {
		totalWeight += cfg.weightFor(cat)
	}
	if totalWeight <= 0 {
		totalWeight = float64(len(est.CategoryMedians))
		for cat := range est.CategoryMedians {
			est.Value += est.CategoryMedians[cat] / totalWeight
		}
	} else {
		for cat, med := range est.CategoryMedians {
			est.Value += med * (cfg.weightFor(cat) / totalWeight)
		}
	}

	sort.Float64s(allKept)
	est.Low = allKept[0]
	est.High = allKept[len(allKept)-1]

	est.ConfidenceScore = confidenceScore(est.CategoryMedians, est.ObservationsUsed, cfg)
	est.ConfidenceLevel = cfg.bucket(est.ConfidenceScore)
	est.Divergences = crossValidate(obs, cfg.DivergenceThreshold)

	if len(est.Divergences) > 0 {
		zap.L().Warn("ensemble: divergent source pairs",
			zap.Int("pairs", len(est.Divergences)),
			zap.Float64("threshold", cfg.DivergenceThreshold),
		)
	}

	return est, true
}

// filterIQR drops values outside [Q1 - mult*IQR, Q3 + mult*IQR].
func filterIQR(values []float64, mult float64) []float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	q1 := quantile(sorted, 0.25)
	q3 := quantile(sorted, 0.75)
	iqr := q3 - q1
	lo := q1 - mult*iqr
	hi := q3 + mult*iqr

	var kept []float64
	for _, v := range values {
		if v >= lo && v <= hi {
			kept = append(kept, v)
		}
	}
	return kept
}

// quantile computes the q-th quantile of sorted values by linear
// interpolation between closest ranks.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// confidenceScore combines corroboration count with the coefficient of
// variation across category medians. High CV means the categories disagree,
// which lowers confidence.
func confidenceScore(medians map[string]float64, used int, cfg Config) float64 {
	score := 0.4
	if used >= 2 {
		score += 0.1
	}
	if used >= 4 {
		score += 0.1
	}
	if len(medians) >= 2 {
		score += 0.1
		cv := coefficientOfVariation(medians)
		if cv > cfg.HighCVThreshold {
			score -= 0.2
		} else if cv < cfg.HighCVThreshold/2 {
			score += 0.2
		}
	}
	return math.Min(math.Max(score, 0.05), 0.95)
}

func coefficientOfVariation(medians map[string]float64) float64 {
	var sum float64
	for _, v := range medians {
		sum += v
	}
	mean := sum / float64(len(medians))
	if mean == 0 {
		return 0
	}
	var sq float64
	for _, v := range medians {
		d := v - mean
		sq += d * d
	}
	stddev := math.Sqrt(sq / float64(len(medians)))
	return stddev / mean
}

// crossValidate flags pairs of distinct sources within the same category
// whose values diverge by more than threshold (relative to their mean).
func crossValidate(obs []Observation, threshold float64) []DivergenceFlag {
	byCategory := make(map[string][]Observation)
	for _, o := range obs {
		if o.Value > 0 && o.Source != "" {
			byCategory[o.Category] = append(byCategory[o.Category], o)
		}
	}

	var flags []DivergenceFlag
	for _, group := range byCategory {
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i], group[j]
				if a.Source == b.Source {
					continue
				}
				mean := (a.Value + b.Value) / 2
				if mean == 0 {
					continue
				}
				dev := math.Abs(a.Value-b.Value) / mean
				if dev > threshold {
					flags = append(flags, DivergenceFlag{
						SourceA: a.Source, SourceB: b.Source,
						ValueA: a.Value, ValueB: b.Value,
						Deviation: dev,
					})
				}
			}
		}
	}
	return flags
}
