// Package domainfinder derives a company's likely email domain from its
// name using suffix heuristics validated by live MX lookups, caching
// results for the lifetime of the process.
package domainfinder

import (
	"context"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Suffixes are the candidate TLDs tried, in order of likelihood.
var Suffixes = []string{".com", ".io", ".co", ".net", ".org", ".ai", ".dev"}

// NoiseWords are stripped from a company name before deriving domain bases.
var NoiseWords = map[string]struct{}{
	"inc": {}, "inc.": {}, "incorporated": {}, "corp": {}, "corp.": {}, "corporation": {},
	"llc": {}, "llc.": {}, "ltd": {}, "ltd.": {}, "limited": {}, "co": {}, "co.": {},
	"company": {}, "companies": {}, "group": {}, "holdings": {}, "plc": {},
	"the": {}, "and": {}, "&": {}, "technologies": {}, "technology": {}, "tech": {},
	"solutions": {}, "services": {}, "consulting": {}, "partners": {}, "labs": {},
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]`)

// mxProbeTimeout bounds a single MX lookup; mxLifetime caps the whole
// hasValidMX call. Only one lookup is made (no retries), so the probe
// timeout is the effective bound. The values mirror the 3s/5s split of a
// dns.resolver.Resolver with timeout=3.0/lifetime=5.0.
const (
	mxProbeTimeout = 3 * time.Second
	mxLifetime     = 5 * time.Second
)

// Finder resolves a company name to an email domain, remembering both hits
// and misses for the life of the process.
type Finder struct {
	resolver *net.Resolver

	mu    sync.Mutex
	cache map[string]string // cacheKey -> domain, "" means known-miss
}

// New constructs a Finder using the stdlib resolver. A custom resolver may
// be supplied by callers that need to point at a specific DNS server (tests
// use this to avoid live network lookups).
func New() *Finder {
	return &Finder{resolver: net.DefaultResolver, cache: make(map[string]string)}
}

// NewWithResolver allows tests to inject a resolver (e.g. one pointed at a
// local authoritative test server).
func NewWithResolver(r *net.Resolver) *Finder {
	return &Finder{resolver: r, cache: make(map[string]string)}
}

// FindDomain returns a valid email domain for companyName, or "" if none of
// the candidate bases resolved to a domain with MX records.
func (f *Finder) FindDomain(ctx context.Context, companyName string) string {
	key := strings.ToLower(strings.TrimSpace(companyName))
	if key == "" {
		return ""
	}

	f.mu.Lock()
	if cached, ok := f.cache[key]; ok {
		f.mu.Unlock()
		return cached
	}
	f.mu.Unlock()

	bases := normalizeCompanyName(key)
	if len(bases) == 0 {
		f.remember(key, "")
		return ""
	}

	for _, base := range bases {
		for _, suffix := range Suffixes {
			domain := base + suffix
			if f.hasValidMX(ctx, domain) {
				f.remember(key, domain)
				return domain
			}
		}
	}

	f.remember(key, "")
	return ""
}

func (f *Finder) remember(key, domain string) {
	f.mu.Lock()
	f.cache[key] = domain
	f.mu.Unlock()
}

// ClearCache empties the process-lifetime cache.
func (f *Finder) ClearCache() {
	f.mu.Lock()
	f.cache = make(map[string]string)
	f.mu.Unlock()
}

// CacheStats reports total/found/not-found counts, mirroring the original
// service's get_cache_stats.
type CacheStats struct {
	TotalEntries     int
	DomainsFound     int
	DomainsNotFound  int
}

// Stats returns a snapshot of cache utilization.
func (f *Finder) Stats() CacheStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := CacheStats{TotalEntries: len(f.cache)}
	for _, v := range f.cache {
		if v != "" {
			stats.DomainsFound++
		} else {
			stats.DomainsNotFound++
		}
	}
	return stats
}

// normalizeCompanyName derives up to three candidate domain bases from a
// company name: all significant words concatenated, the first word alone,
// and the first two words concatenated.
func normalizeCompanyName(name string) []string {
	words := strings.Fields(name)
	filtered := make([]string, 0, len(words))
	for _, w := range words {
		if _, noise := NoiseWords[w]; !noise {
			filtered = append(filtered, w)
		}
	}
	if len(filtered) == 0 {
		filtered = words
	}
	if len(filtered) == 0 {
		return nil
	}

	var bases []string
	seen := make(map[string]struct{})
	addBase := func(b string) {
		if b == "" {
			return
		}
		if _, dup := seen[b]; dup {
			return
		}
		seen[b] = struct{}{}
		bases = append(bases, b)
	}

	var concatenated strings.Builder
	for _, w := range filtered {
		concatenated.WriteString(cleanWord(w))
	}
	if c := concatenated.String(); len(c) >= 3 {
		addBase(c)
	}

	if first := cleanWord(filtered[0]); len(first) >= 3 {
		addBase(first)
	}

	if len(filtered) >= 2 {
		addBase(cleanWord(filtered[0]) + cleanWord(filtered[1]))
	}

	return bases
}

func cleanWord(w string) string {
	return nonAlnum.ReplaceAllString(strings.ToLower(w), "")
}

// hasValidMX reports whether domain has at least one MX record, treating
// lookup errors (NXDOMAIN, no answer, timeout, no nameservers) as "no".
func (f *Finder) hasValidMX(ctx context.Context, domain string) bool {
	lookupCtx, cancel := context.WithTimeout(ctx, mxLifetime)
	defer cancel()

	probeCtx, probeCancel := context.WithTimeout(lookupCtx, mxProbeTimeout)
	defer probeCancel()

	records, err := f.resolver.LookupMX(probeCtx, domain)
	if err != nil {
		return false
	}
	return len(records) > 0
}
