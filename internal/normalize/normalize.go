// Package normalize canonicalizes free-form prospect records into a single
// shape, computes near-duplicate fingerprints, and scores row quality before
// job creation.
package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/romy-hq/prospect-research-cli/internal/model"
)

// abbrToState maps lowercase state abbreviations to lowercase full names.
var abbrToState = map[string]string{
	"al": "alabama", "ak": "alaska", "az": "arizona", "ar": "arkansas",
	"ca": "california", "co": "colorado", "ct": "connecticut", "de": "delaware",
	"fl": "florida", "ga": "georgia", "hi": "hawaii", "id": "idaho",
	"il": "illinois", "in": "indiana", "ia": "iowa", "ks": "kansas",
	"ky": "kentucky", "la": "louisiana", "me": "maine", "md": "maryland",
	"ma": "massachusetts", "mi": "michigan", "mn": "minnesota", "ms": "mississippi",
	"mo": "missouri", "mt": "montana", "ne": "nebraska", "nv": "nevada",
	"nh": "new hampshire", "nj": "new jersey", "nm": "new mexico", "ny": "new york",
	"nc": "north carolina", "nd": "north dakota", "oh": "ohio", "ok": "oklahoma",
	"or": "oregon", "pa": "pennsylvania", "ri": "rhode island", "sc": "south carolina",
	"sd": "south dakota", "tn": "tennessee", "tx": "texas", "ut": "utah",
	"vt": "vermont", "va": "virginia", "wa": "washington", "wv": "west virginia",
	"wi": "wisconsin", "wy": "wyoming", "dc": "district of columbia",
}

// stateToAbbr maps lowercase full names to lowercase abbreviations.
var stateToAbbr = func() map[string]string {
	m := make(map[string]string, len(abbrToState))
	for abbr, full := range abbrToState {
		m[full] = abbr
	}
	return m
}()

// streetSuffixes maps common street suffix variants to a canonical short form.
var streetSuffixes = map[string]string{
	"street": "st", "avenue": "ave", "boulevard": "blvd", "drive": "dr",
	"road": "rd", "lane": "ln", "court": "ct", "place": "pl", "circle": "cir",
	"terrace": "ter", "parkway": "pkwy", "highway": "hwy", "square": "sq",
}

// StateAbbr returns the two-letter abbreviation for a state given either
// form ("Illinois" or "IL"). Unknown inputs are returned trimmed/uppercased.
func StateAbbr(state string) string {
	lower := strings.ToLower(strings.TrimSpace(state))
	if lower == "" {
		return ""
	}
	if _, ok := abbrToState[lower]; ok {
		return strings.ToUpper(lower)
	}
	if abbr, ok := stateToAbbr[lower]; ok {
		return strings.ToUpper(abbr)
	}
	return strings.ToUpper(strings.TrimSpace(state))
}

// foldTransformer strips diacritical marks after NFD decomposition, so
// "José" and "Jose" normalize identically.
var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold lowercases, strips diacritics, and collapses interior whitespace.
func Fold(s string) string {
	out, _, err := transform.String(foldTransformer, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(strings.ToLower(out)), " ")
}

// stripNoise removes punctuation that carries no identity information
// (periods, commas, '#') without disturbing word boundaries.
func stripNoise(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '.', ',', '#':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Address canonicalizes a street address fragment: case-folded, punctuation
// noise stripped, suffixes shortened, whitespace collapsed. Two strings a
// human would read as the same place produce the same output.
func Address(street string) string {
	folded := Fold(stripNoise(street))
	if folded == "" {
		return ""
	}
	words := strings.Fields(folded)
	for i, w := range words {
		if short, ok := streetSuffixes[w]; ok {
			words[i] = short
		}
	}
	return strings.Join(words, " ")
}

// Prospect returns a canonicalized copy of p: trimmed and case-normalized
// name, canonical address fields, state abbreviated, plus fingerprint,
// quality score and flags.
func Prospect(p model.Prospect) model.Prospect {
	out := p
	out.FullName = strings.Join(strings.Fields(p.FullName), " ")
	out.Street = strings.TrimSpace(p.Street)
	out.City = strings.Join(strings.Fields(p.City), " ")
	out.State = StateAbbr(p.State)
	out.ZipCode = normalizeZip(p.ZipCode)
	out.Employer = strings.Join(strings.Fields(p.Employer), " ")
	out.Title = strings.TrimSpace(p.Title)
	out.Notes = strings.TrimSpace(p.Notes)

	out.Fingerprint = Fingerprint(out)
	out.QualityScore, out.QualityFlags = Quality(out)
	return out
}

func normalizeZip(zip string) string {
	zip = strings.TrimSpace(zip)
	// Keep only the 5-digit prefix of ZIP+4.
	if i := strings.IndexByte(zip, '-'); i > 0 {
		zip = zip[:i]
	}
	return zip
}

// Fingerprint computes the near-duplicate key for a prospect: a hash of the
// folded name plus canonical address. Rows that differ only in case,
// punctuation, or suffix spelling collide on purpose.
func Fingerprint(p model.Prospect) string {
	key := Fold(p.FullName) + "|" + Address(p.Street) + "|" + Fold(p.City) + "|" +
		strings.ToLower(p.State) + "|" + p.ZipCode
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

// Quality scores a prospect row in [0,1] and returns flags naming what is
// missing or suspect. Name is required; location and employer raise the
// score because they anchor web research.
func Quality(p model.Prospect) (float64, []string) {
	var flags []string
	score := 0.0

	name := strings.TrimSpace(p.FullName)
	switch {
	case name == "":
		flags = append(flags, "missing_name")
	case len(strings.Fields(name)) < 2:
		flags = append(flags, "single_token_name")
		score += 0.2
	default:
		score += 0.4
	}

	if p.City != "" || p.ZipCode != "" {
		score += 0.2
	} else {
		flags = append(flags, "missing_location")
	}
	if p.State != "" {
		score += 0.1
	}
	if p.Street != "" {
		score += 0.1
	}
	if p.Employer != "" {
		score += 0.2
	} else {
		flags = append(flags, "missing_employer")
	}

	if looksLikePlaceholder(name) {
		flags = append(flags, "placeholder_name")
		score = 0
	}

	if score > 1 {
		score = 1
	}
	return score, flags
}

var placeholderNames = map[string]bool{
	"test": true, "test test": true, "john doe": true, "jane doe": true,
	"n/a": true, "na": true, "unknown": true, "tbd": true,
}

func looksLikePlaceholder(name string) bool {
	return placeholderNames[Fold(name)]
}

// Dedupe splits prospects into a kept slice (first occurrence per
// fingerprint, input order preserved) and the dropped near-duplicates.
func Dedupe(prospects []model.Prospect) (kept, dropped []model.Prospect) {
	seen := make(map[string]bool, len(prospects))
	for _, p := range prospects {
		fp := p.Fingerprint
		if fp == "" {
			fp = Fingerprint(p)
		}
		if seen[fp] {
			dropped = append(dropped, p)
			continue
		}
		seen[fp] = true
		kept = append(kept, p)
	}
	return kept, dropped
}
