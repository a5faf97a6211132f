package ensemble

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Config holds the merger's tuning constants. All of these are product-tuned
// values, so they live in configuration rather than code.
type Config struct {
	// CategoryWeights assigns a relative weight per observation category.
	// Weights of empty categories are redistributed proportionally among the
	// populated ones.
	CategoryWeights map[string]float64 `yaml:"category_weights"`

	// IQRMultiplier scales the interquartile range when fencing outliers.
	IQRMultiplier float64 `yaml:"iqr_multiplier"`

	// MinObsForIQR is the minimum observations per category before IQR
	// filtering applies.
	MinObsForIQR int `yaml:"min_obs_for_iqr"`

	// HighCVThreshold is the coefficient-of-variation above which confidence
	// is penalized.
	HighCVThreshold float64 `yaml:"high_cv_threshold"`

	// DivergenceThreshold is the relative deviation between two sources that
	// triggers a cross-validation flag.
	DivergenceThreshold float64 `yaml:"divergence_threshold"`

	// Confidence bucket cutoffs: score >= HighCutoff is "high",
	// score >= MediumCutoff is "medium", below is "low".
	HighCutoff   float64 `yaml:"high_cutoff"`
	MediumCutoff float64 `yaml:"medium_cutoff"`
}

// DefaultConfig returns the shipped tuning for property-value ensembles.
func DefaultConfig() Config {
	return Config{
		CategoryWeights: map[string]float64{
			"model":      0.35, // hedonic / model-based estimate
			"comparable": 0.40, // comparable-sale derived value
			"online":     0.25, // online estimate providers
		},
		IQRMultiplier:       1.5,
		MinObsForIQR:        4,
		HighCVThreshold:     0.3,
		DivergenceThreshold: 0.3,
		HighCutoff:          0.7,
		MediumCutoff:        0.45,
	}
}

// LoadConfig reads ensemble tuning from a YAML file. The file carries a
// top-level "ensemble" key so it can share a file with other subsystems.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, eris.Wrapf(err, "ensemble: read config %s", path)
	}

	var wrapper struct {
		Ensemble Config `yaml:"ensemble"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return Config{}, eris.Wrap(err, "ensemble: parse config")
	}

	return wrapper.Ensemble.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if len(c.CategoryWeights) == 0 {
		c.CategoryWeights = def.CategoryWeights
	}
	if c.IQRMultiplier <= 0 {
		c.IQRMultiplier = def.IQRMultiplier
	}
	if c.MinObsForIQR <= 0 {
		c.MinObsForIQR = def.MinObsForIQR
	}
	if c.HighCVThreshold <= 0 {
		c.HighCVThreshold = def.HighCVThreshold
	}
	if c.DivergenceThreshold <= 0 {
		c.DivergenceThreshold = def.DivergenceThreshold
	}
	if c.HighCutoff <= 0 {
		c.HighCutoff = def.HighCutoff
	}
	if c.MediumCutoff <= 0 {
		c.MediumCutoff = def.MediumCutoff
	}
	return c
}

func (c Config) weightFor(category string) float64 {
	if w, ok := c.CategoryWeights[category]; ok {
		return w
	}
	return 0
}

func (c Config) bucket(score float64) ConfidenceLevel {
	switch {
	case score >= c.HighCutoff:
		return ConfidenceHigh
	case score >= c.MediumCutoff:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
