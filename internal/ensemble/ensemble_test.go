package ensemble

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCombine_IQRDropsGrossOutlier(t *testing.T) {
	obs := []Observation{
		{Category: "online", Value: 400000},
		{Category: "online", Value: 410000},
		{Category: "online", Value: 405000},
		{Category: "online", Value: 5000000},
	}

	est, ok := Combine(obs, Config{})
	require.True(t, ok)
	assert.Equal(t, 1, est.OutliersDropped)
	// Median of the surviving three, not skewed by the 5M outlier.
	assert.InDelta(t, 405000, est.Value, 1)
	assert.Equal(t, 3, est.ObservationsUsed)
}

func TestCombine_NoObservations(t *testing.T) {
	_, ok := Combine(nil, Config{})
	assert.False(t, ok)

	_, ok = Combine([]Observation{{Category: "online", Value: -5}}, Config{})
	assert.False(t, ok)
}

func TestCombine_WeightRedistribution(t *testing.T) {
	// Only "online" is populated; its 0.25 weight must expand to 1.0 rather
	// than shrinking the estimate.
	obs := []Observation{
		{Category: "online", Value: 500000},
		{Category: "online", Value: 520000},
	}
	est, ok := Combine(obs, Config{})
	require.True(t, ok)
	assert.InDelta(t, 510000, est.Value, 1)
}

func TestCombine_MultiCategoryWeighting(t *testing.T) {
	obs := []Observation{
		{Category: "online", Value: 400000},
		{Category: "comparable", Value: 500000},
	}
	est, ok := Combine(obs, Config{})
	require.True(t, ok)
	// 400000*(0.25/0.65) + 500000*(0.40/0.65)
	assert.InDelta(t, 461538, est.Value, 10)
	assert.Equal(t, 400000.0, est.Low)
	assert.Equal(t, 500000.0, est.High)
}

func TestCombine_DivergenceFlagged(t *testing.T) {
	obs := []Observation{
		{Category: "online", Value: 300000, Source: "providerA"},
		{Category: "online", Value: 600000, Source: "providerB"},
	}
	est, ok := Combine(obs, Config{})
	require.True(t, ok)
	require.Len(t, est.Divergences, 1)
	assert.Greater(t, est.Divergences[0].Deviation, 0.3)
	// Both values still contribute to the range.
	assert.Equal(t, 300000.0, est.Low)
	assert.Equal(t, 600000.0, est.High)
}

func TestCombine_ConfidenceBuckets(t *testing.T) {
	tight := []Observation{
		{Category: "online", Value: 500000},
		{Category: "online", Value: 505000},
		{Category: "comparable", Value: 510000},
		{Category: "comparable", Value: 498000},
	}
	est, ok := Combine(tight, Config{})
	require.True(t, ok)
	assert.Equal(t, ConfidenceHigh, est.ConfidenceLevel)

	loose := []Observation{
		{Category: "online", Value: 200000},
		{Category: "comparable", Value: 900000},
	}
	est, ok = Combine(loose, Config{})
	require.True(t, ok)
	assert.Equal(t, ConfidenceLow, est.ConfidenceLevel)
}

func TestQuantileAndMedian(t *testing.T) {
	sorted := []float64{1, 2, 3, 4}
	assert.InDelta(t, 1.75, quantile(sorted, 0.25), 0.001)
	assert.InDelta(t, 3.25, quantile(sorted, 0.75), 0.001)
	assert.Equal(t, 2.5, median(sorted))
	assert.Equal(t, 3.0, median([]float64{3, 1, 5}))
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ensemble.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ensemble:
  iqr_multiplier: 2.0
  category_weights:
    online: 1.0
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 2.0, cfg.IQRMultiplier)
	assert.Equal(t, 1.0, cfg.CategoryWeights["online"])
	// Unset values fall back to defaults.
	assert.Equal(t, 0.3, cfg.DivergenceThreshold)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/ensemble.yaml")
	assert.Error(t, err)
}
