// Package extract holds pure text-extraction heuristics: pulling URLs and
// dollar amounts out of free-form research text. Kept separate from the
// orchestration logic so the regexes can be exercised against literal
// fixtures in isolation.
package extract

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	urlRe = regexp.MustCompile(`https?://[^\s<>()\[\]{}"']+`)

	// Matches $1,234,567, $2.5 million, $3M, $1.2B, $450k and similar.
	dollarRe = regexp.MustCompile(`(?i)\$\s?([\d,]+(?:\.\d+)?)\s*(billion|million|thousand|[bmk])?\b`)
)

// URLs returns all URLs found in text, deduplicated by normalized form
// (scheme and "www." stripped, trailing punctuation trimmed), preserving
// first-seen order. A positive max caps the result length.
func URLs(text string, max int) []string {
	raw := urlRe.FindAllString(text, -1)
	seen := make(map[string]bool, len(raw))
	var out []string
	for _, u := range raw {
		u = strings.TrimRight(u, ".,;:!?)")
		key := NormalizeURL(u)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, u)
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out
}

// NormalizeURL reduces a URL to its deduplication key: lowercase host, no
// scheme, no "www." prefix, no trailing slash.
func NormalizeURL(u string) string {
	s := strings.TrimSpace(u)
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	s = strings.TrimPrefix(s, "www.")
	s = strings.TrimSuffix(s, "/")
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		host, rest := s[:i], s[i:]
		return strings.ToLower(host) + rest
	}
	return strings.ToLower(s)
}

// Dollars returns all dollar amounts found in text, in whole dollars,
// preserving order of appearance. Word and letter multipliers are applied
// ("$2.5 million" and "$2.5M" both yield 2500000).
func Dollars(text string) []int64 {
	matches := dollarRe.FindAllStringSubmatch(text, -1)
	var out []int64
	for _, m := range matches {
		numStr := strings.ReplaceAll(m[1], ",", "")
		val, err := strconv.ParseFloat(numStr, 64)
		if err != nil {
			continue
		}
		switch strings.ToLower(m[2]) {
		case "billion", "b":
			val *= 1e9
		case "million", "m":
			val *= 1e6
		case "thousand", "k":
			val *= 1e3
		}
		out = append(out, int64(val))
	}
	return out
}
