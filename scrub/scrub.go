// Package scrub identifies and neutralizes secret-like substrings in event
// payloads before they fan out to any store. Scrubbing is lossy and
// one-way: once a match is replaced, the original value is gone.
package scrub

import (
	"encoding/json"
	"math"
	"regexp"

	"github.com/traceharbor/gateway/event"
)

const placeholder = "[REDACTED]"

// category names used in ScrubReport.Categories.
const (
	categoryBearerToken  = "bearer_token"
	categoryPrivateKey   = "private_key"
	categoryProviderKey  = "provider_key"
	categoryHighEntropy  = "high_entropy"
)

var (
	bearerTokenPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9\-_.~+/]{16,}=*`)
	privateKeyPattern  = regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`)
	providerKeyPattern = regexp.MustCompile(`\b(sk|pk|rk|ak)_(live|test)_[A-Za-z0-9]{16,}\b`)
	// candidateToken matches runs of hex/base64-alphabet characters long
	// enough to be worth an entropy check.
	candidateToken = regexp.MustCompile(`\b[A-Za-z0-9+/=_\-]{24,}\b`)
)

// entropyThreshold is the minimum Shannon entropy (bits/char) for a
// candidate token to be treated as a likely secret.
const entropyThreshold = 3.5

// Scrub walks e's payload in place, replacing strings matching known secret
// patterns with a fixed placeholder, and attaches a ScrubReport recording
// what was found. Scrub is idempotent on an already-scrubbed event — all
// matched substrings become the same placeholder, which itself never
// matches any pattern again.
func Scrub(e *event.Event) {
	report := &event.ScrubReport{Categories: map[string]int{}}

	raw, err := json.Marshal(e.Attributes)
	if err != nil || len(raw) == 0 {
		e.ScrubReport = report
		return
	}

	scrubbed, counts := scrubString(string(raw))
	for cat, n := range counts {
		report.Categories[cat] += n
		report.Count += n
	}

	if report.Count > 0 {
		var attrs event.Attributes
		if err := json.Unmarshal([]byte(scrubbed), &attrs); err == nil {
			e.Attributes = attrs
		}
	}

	e.ScrubReport = report
}

// scrubString applies every pattern matcher to s and returns the scrubbed
// string plus a per-category match count.
func scrubString(s string) (string, map[string]int) {
	counts := map[string]int{}

	s = replaceCounting(s, privateKeyPattern, categoryPrivateKey, counts)
	s = replaceCounting(s, bearerTokenPattern, categoryBearerToken, counts)
	s = replaceCounting(s, providerKeyPattern, categoryProviderKey, counts)

	s = candidateToken.ReplaceAllStringFunc(s, func(tok string) string {
		if tok == placeholder {
			return tok
		}
		if shannonEntropy(tok) >= entropyThreshold {
			counts[categoryHighEntropy]++
			return placeholder
		}
		return tok
	})

	return s, counts
}

func replaceCounting(s string, re *regexp.Regexp, category string, counts map[string]int) string {
	n := 0
	out := re.ReplaceAllStringFunc(s, func(string) string {
		n++
		return placeholder
	})
	if n > 0 {
		counts[category] += n
	}
	return out
}

// shannonEntropy computes the Shannon entropy in bits per character of s.
func shannonEntropy(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	freq := make(map[rune]int, len(s))
	for _, r := range s {
		freq[r]++
	}
	var entropy float64
	n := float64(len(s))
	for _, count := range freq {
		p := float64(count) / n
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// ContainsSecret reports whether s matches any known secret pattern,
// without mutating anything. Used by tests and diagnostics.
func ContainsSecret(s string) bool {
	if privateKeyPattern.MatchString(s) || bearerTokenPattern.MatchString(s) || providerKeyPattern.MatchString(s) {
		return true
	}
	for _, tok := range candidateToken.FindAllString(s, -1) {
		if shannonEntropy(tok) >= entropyThreshold {
			return true
		}
	}
	return false
}
