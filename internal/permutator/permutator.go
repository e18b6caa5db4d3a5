// Package permutator generates candidate email addresses for a person/domain
// pair and can detect which candidate pattern a known email already uses.
package permutator

import (
	"fmt"
	"strings"
)

// Pattern is a local-part template. The placeholders {first}, {last}, {f}
// (first initial) and {l} (last initial) are substituted in Apply.
type Pattern string

// CommonPatterns lists the candidate templates in likelihood order, the
// most common company convention ({first}.{last}) first.
var CommonPatterns = []Pattern{
	"{first}.{last}",  // john.smith@
	"{f}{last}",       // jsmith@
	"{f}.{last}",      // j.smith@
	"{first}",         // john@
	"{first}{last}",   // johnsmith@
	"{first}_{last}",  // john_smith@
	"{first}{l}",      // johns@
	"{last}.{first}",  // smith.john@
}

var nameSuffixes = []string{" jr", " sr", " iii", " ii", " iv"}

// MaxPermutations caps the number of candidates Generate returns.
const MaxPermutations = 13

// Generate returns candidate email addresses for a person at domain,
// ordered by likelihood. If knownPattern is non-empty, its candidate is
// placed first (ahead of CommonPatterns), matching a cross-job learned
// convention for this domain.
func Generate(firstName, lastName, domain string, knownPattern Pattern) []string {
	first := normalizeName(strings.ToLower(strings.TrimSpace(firstName)))
	last := normalizeName(strings.ToLower(strings.TrimSpace(lastName)))

	if first == "" || last == "" || domain == "" {
		return nil
	}

	candidates := make([]string, 0, MaxPermutations)
	seen := make(map[string]struct{}, MaxPermutations)

	add := func(p Pattern) {
		email, ok := Apply(p, first, last, domain)
		if !ok {
			return
		}
		if _, dup := seen[email]; dup {
			return
		}
		seen[email] = struct{}{}
		candidates = append(candidates, email)
	}

	if knownPattern != "" {
		add(knownPattern)
	}
	for _, p := range CommonPatterns {
		add(p)
	}

	if len(candidates) > MaxPermutations {
		candidates = candidates[:MaxPermutations]
	}
	return candidates
}

// normalizeName strips common name suffixes and keeps only letters and
// hyphens, collapsing spaces to hyphens.
func normalizeName(name string) string {
	for _, suffix := range nameSuffixes {
		name = strings.TrimSuffix(name, suffix)
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r == '-':
			b.WriteRune(r)
		case r == ' ':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// Apply substitutes a pattern's placeholders and appends @domain. first and
// last must already be normalized (lowercase, letters/hyphens only).
func Apply(p Pattern, first, last, domain string) (string, bool) {
	if first == "" || last == "" {
		return "", false
	}
	local := string(p)
	local = strings.ReplaceAll(local, "{first}", first)
	local = strings.ReplaceAll(local, "{last}", last)
	local = strings.ReplaceAll(local, "{f}", first[:1])
	local = strings.ReplaceAll(local, "{l}", last[:1])
	if local == "" {
		return "", false
	}
	return fmt.Sprintf("%s@%s", local, domain), true
}

// DetectPattern returns the CommonPatterns entry that produces email's
// local-part for the given person, or "" if none match.
func DetectPattern(email, firstName, lastName string) Pattern {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return ""
	}
	local := strings.ToLower(email[:at])

	first := normalizeName(strings.ToLower(strings.TrimSpace(firstName)))
	last := normalizeName(strings.ToLower(strings.TrimSpace(lastName)))
	if first == "" || last == "" {
		return ""
	}

	for _, p := range CommonPatterns {
		expectedAddr, ok := Apply(p, first, last, "x")
		if !ok {
			continue
		}
		expectedLocal := strings.TrimSuffix(expectedAddr, "@x")
		if local == expectedLocal {
			return p
		}
	}
	return ""
}
