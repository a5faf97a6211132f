package research

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/romy-hq/prospect-research-cli/internal/cache"
	"github.com/romy-hq/prospect-research-cli/internal/ensemble"
	"github.com/romy-hq/prospect-research-cli/internal/extract"
	"github.com/romy-hq/prospect-research-cli/internal/model"
	"github.com/romy-hq/prospect-research-cli/internal/resilience"
	"github.com/romy-hq/prospect-research-cli/pkg/anthropic"
	"github.com/romy-hq/prospect-research-cli/pkg/sonar"
)

// Executor runs the full research strategy for one prospect.
type Executor struct {
	sonar     sonar.Client
	extractor anthropic.Client
	cache     *cache.Cache

	sonarModel   string
	extractModel string
	maxTokens    int64
	maxSources   int

	policy      resilience.Policy
	ensembleCfg ensemble.Config
}

// Params bundles the Executor's dependencies.
type Params struct {
	Sonar     sonar.Client
	Extractor anthropic.Client // optional; skips structured extraction when nil
	Cache     *cache.Cache     // optional; skips caching when nil

	SonarModel   string
	ExtractModel string
	MaxTokens    int64
	MaxSources   int

	Policy      resilience.Policy
	EnsembleCfg ensemble.Config
}

// NewExecutor creates an Executor.
func NewExecutor(p Params) *Executor {
	if p.MaxTokens <= 0 {
		p.MaxTokens = 4096
	}
	if p.MaxSources <= 0 {
		p.MaxSources = 20
	}
	return &Executor{
		sonar:        p.Sonar,
		extractor:    p.Extractor,
		cache:        p.Cache,
		sonarModel:   p.SonarModel,
		extractModel: p.ExtractModel,
		maxTokens:    p.MaxTokens,
		maxSources:   p.MaxSources,
		policy:       p.Policy,
		ensembleCfg:  p.EnsembleCfg,
	}
}

// notFoundPhrases mark a clean "no information located" answer. Matching is
// against the first part of the report, where the model states its verdict.
var notFoundPhrases = []string{
	"no information found",
	"no reliable information",
	"no public information",
	"could not find reliable",
	"unable to find information",
	"could not be identified",
}

// Research executes the strategy for one prospect. A returned error is a
// failed attempt the dispatcher may retry; a nil error always carries a
// terminal result, including the "not found" outcome.
func (e *Executor) Research(ctx context.Context, p model.Prospect, settings model.JobSettings) (model.ResearchResult, error) {
	start := time.Now()

	key := cache.Key("research", p.FullName, p.City, p.State)
	if e.cache != nil {
		if raw := e.cache.Get(ctx, key); raw != nil {
			var cached model.ResearchResult
			if err := json.Unmarshal(raw, &cached); err == nil {
				zap.L().Debug("research: cache hit",
					zap.String("prospect", p.FullName),
					zap.String("key", key))
				cached.ProcessingDurationMs = time.Since(start).Milliseconds()
				return cached, nil
			}
			zap.L().Warn("research: dropping undecodable cache entry", zap.String("key", key))
		}
	}

	report, citations, usage, modelUsed, err := e.runReport(ctx, p, settings)
	if err != nil {
		return model.ResearchResult{}, err
	}

	result := model.ResearchResult{
		Success:       true,
		ReportContent: report,
		TokensUsed:    usage,
		ModelUsed:     modelUsed,
		NotFound:      looksNotFound(report),
	}
	result.Sources = e.mergeSources(citations, report)

	if !result.NotFound {
		e.enrich(ctx, &result, settings)
	}

	result.ProcessingDurationMs = time.Since(start).Milliseconds()

	if e.cache != nil {
		if raw, err := json.Marshal(result); err == nil {
			if err := e.cache.Set(ctx, key, raw); err != nil {
				zap.L().Warn("research: cache write failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
	return result, nil
}

// runReport performs the retried Sonar call and returns the report text.
func (e *Executor) runReport(ctx context.Context, p model.Prospect, settings model.JobSettings) (report string, citations []string, tokens int, modelUsed string, err error) {
	req := sonar.ChatCompletionRequest{
		Model: e.sonarModel,
		Messages: []sonar.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: BuildPrompt(p, settings)},
		},
		ReturnCitations: true,
	}

	resp, err := resilience.Execute(ctx, e.policy, "sonar.chat_completion",
		func(ctx context.Context) (*sonar.ChatCompletionResponse, error) {
			r, err := e.sonar.ChatCompletion(ctx, req)
			if err != nil {
				var apiErr *sonar.APIError
				if errors.As(err, &apiErr) {
					return nil, resilience.NewBackendError("sonar", apiErr.StatusCode, err)
				}
				return nil, err
			}
			return r, nil
		})
	if err != nil {
		return "", nil, 0, "", eris.Wrap(err, "research: sonar call")
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", nil, 0, "", resilience.Permanent(eris.New("research: empty sonar response"))
	}

	modelUsed = resp.Model
	if modelUsed == "" {
		modelUsed = e.sonarModel
	}
	return resp.Choices[0].Message.Content, resp.Citations, resp.Usage.TotalTokens, modelUsed, nil
}

// enrich adds structured fields: extraction-model output plus the ensemble
// net-worth estimate. Enrichment failures degrade the result, never fail it.
func (e *Executor) enrich(ctx context.Context, result *model.ResearchResult, settings model.JobSettings) {
	var obs []ensemble.Observation
	for _, v := range extract.Dollars(result.ReportContent) {
		obs = append(obs, ensemble.Observation{
			Category: "online", Value: float64(v), Source: "report",
		})
	}

	wantExtraction := settings.StructuredProfile || settings.GenerateRomyScore
	if wantExtraction && e.extractor != nil {
		ext, usage, err := e.runExtraction(ctx, result.ReportContent)
		if err != nil {
			zap.L().Warn("research: structured extraction failed", zap.Error(err))
		} else {
			result.TokensUsed += int(usage.Total())
			if settings.GenerateRomyScore {
				result.RomyScore = ext.RomyScore
			}
			result.CapacityRating = ext.CapacityRating
			if ext.NotFound {
				result.NotFound = true
				return
			}
			for _, est := range ext.NetWorthEstimates {
				if est.Value > 0 {
					obs = append(obs, ensemble.Observation{
						Category: est.Category, Value: est.Value, Source: est.Source,
					})
				}
			}
		}
	}

	if est, ok := ensemble.Combine(obs, e.ensembleCfg); ok {
		v := int64(est.Value)
		result.EstimatedNetWorth = &v
		if result.CapacityRating == "" {
			result.CapacityRating = ratingFor(v)
		}
	}
}

// extraction is the JSON shape the extraction model answers with.
type extraction struct {
	RomyScore         *float64 `json:"romy_score"`
	CapacityRating    string   `json:"capacity_rating"`
	NetWorthEstimates []struct {
		Category string  `json:"category"`
		Value    float64 `json:"value"`
		Source   string  `json:"source"`
	} `json:"net_worth_estimates"`
	NotFound bool `json:"not_found"`
}

func (e *Executor) runExtraction(ctx context.Context, report string) (*extraction, anthropic.TokenUsage, error) {
	resp, err := e.extractor.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     e.extractModel,
		MaxTokens: e.maxTokens,
		Messages: []anthropic.Message{
			{Role: "user", Content: BuildExtractionPrompt(report)},
		},
	})
	if err != nil {
		return nil, anthropic.TokenUsage{}, eris.Wrap(err, "research: extraction call")
	}

	ext, err := parseExtraction(resp.Text())
	if err != nil {
		return nil, resp.Usage, err
	}
	return ext, resp.Usage, nil
}

// parseExtraction pulls the JSON object out of the model's answer, tolerating
// code fences and surrounding prose.
func parseExtraction(text string) (*extraction, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, eris.New("research: no JSON object in extraction response")
	}
	var ext extraction
	if err := json.Unmarshal([]byte(text[start:end+1]), &ext); err != nil {
		return nil, eris.Wrap(err, "research: decode extraction JSON")
	}
	return &ext, nil
}

// mergeSources combines API citations with URLs mentioned in the report
// body, deduplicated by normalized URL, citations first, capped.
func (e *Executor) mergeSources(citations []string, report string) []model.Source {
	seen := make(map[string]bool)
	var out []model.Source

	add := func(u string) {
		key := extract.NormalizeURL(u)
		if key == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, model.Source{Name: hostOf(u), URL: u})
	}

	for _, c := range citations {
		if len(out) >= e.maxSources {
			return out
		}
		add(c)
	}
	for _, u := range extract.URLs(report, 0) {
		if len(out) >= e.maxSources {
			break
		}
		add(u)
	}
	return out
}

func hostOf(u string) string {
	s := extract.NormalizeURL(u)
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	return s
}

func looksNotFound(report string) bool {
	lower := strings.ToLower(report)
	for _, p := range notFoundPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// ratingFor maps an estimated net worth to the capacity letter used when the
// extraction model did not provide one.
func ratingFor(netWorth int64) string {
	switch {
	case netWorth >= 10_000_000:
		return "A"
	case netWorth >= 2_000_000:
		return "B"
	case netWorth >= 500_000:
		return "C"
	default:
		return "D"
	}
}
