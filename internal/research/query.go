// Package research executes the per-prospect research strategy: a
// web-grounded report from Sonar, structured extraction through Anthropic,
// and an ensemble net-worth estimate.
package research

import (
	"fmt"
	"strings"

	"github.com/romy-hq/prospect-research-cli/internal/model"
)

const systemPrompt = `You are a prospect researcher for nonprofit fundraising teams.
Research the named individual using public information only. Be factual and cite sources.
If you cannot find reliable information about this specific person, state clearly that no information was found.
Never invent facts, employers, or dollar figures.`

// reportSections are the ordered topic headings every report requests.
var reportSections = []string{
	"Professional Background",
	"Wealth Indicators",
	"Giving Capacity Assessment",
}

// BuildPrompt assembles the research prompt for one prospect. Optional
// sections are driven by the job's settings.
func BuildPrompt(p model.Prospect, settings model.JobSettings) string {
	var b strings.Builder

	b.WriteString("Research the following individual as a potential donor prospect:\n\n")
	fmt.Fprintf(&b, "Name: %s\n", p.FullName)
	if p.City != "" || p.State != "" {
		fmt.Fprintf(&b, "Location: %s\n", joinNonEmpty(", ", p.City, p.State))
	}
	if p.ZipCode != "" {
		fmt.Fprintf(&b, "ZIP: %s\n", p.ZipCode)
	}
	if p.Employer != "" {
		fmt.Fprintf(&b, "Employer: %s\n", p.Employer)
	}
	if p.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", p.Title)
	}
	if p.Notes != "" {
		fmt.Fprintf(&b, "Additional context: %s\n", p.Notes)
	}

	sections := append([]string(nil), reportSections...)
	if settings.IncludeRealEstate {
		sections = append(sections, "Real Estate Holdings")
	}
	if settings.IncludePhilanthropy {
		sections = append(sections, "Philanthropic History")
	}

	b.WriteString("\nProduce a markdown report with these sections:\n")
	for _, s := range sections {
		fmt.Fprintf(&b, "## %s\n", s)
	}
	b.WriteString("\nInclude specific dollar figures where public sources support them. ")
	b.WriteString("Cite every factual claim. ")
	b.WriteString("If no reliable information exists for this specific person, say so explicitly instead of guessing.")

	return b.String()
}

// extractionPrompt asks the extraction model to turn a free-form report into
// the structured fields the batch item stores. The model must answer with a
// single JSON object.
const extractionPrompt = `Below is a prospect research report. Extract a structured assessment as a single JSON object with exactly these fields:

{
  "romy_score": <number 0-100, overall giving-capacity score, null if report found no information>,
  "capacity_rating": "<A|B|C|D, null if unknown>",
  "net_worth_estimates": [
    {"category": "model", "value": <your own net worth estimate in USD as a number>, "source": "model"},
    {"category": "comparable", "value": <estimate in USD derived from comparable profiles: role, industry, location>, "source": "<short basis>"}
  ],
  "not_found": <true if the report states no reliable information was located>
}

Omit any estimate you cannot support. Answer with the JSON object only, no prose.

Report:
`

// BuildExtractionPrompt returns the extraction request for a report.
func BuildExtractionPrompt(report string) string {
	return extractionPrompt + report
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
