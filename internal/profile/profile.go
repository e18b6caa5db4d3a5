// Package profile enriches a LinkedIn URL via the vendor profile API,
// normalizes the fields of interest, and derives the person's likely
// company email domain.
package profile

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/leadforge/jobengine/internal/domain"
	"github.com/leadforge/jobengine/internal/domainfinder"
)

// Timeout bounds every call to the profile vendor.
const Timeout = 30 * time.Second

// EnrichedMember is the normalized output of a single enrich_single call.
type EnrichedMember struct {
	LinkedInURL   string
	FirstName     string
	LastName      string
	FullName      string
	JobTitle      string
	CompanyName   string
	Location      string
	CompanyDomain string
	Email         string
	EmailVerified bool
}

// Client calls the vendor's LinkedIn profile endpoint.
type Client struct {
	httpClient *http.Client
	host       string
	apiKey     string
	finder     *domainfinder.Finder
}

// New constructs a profile Client. finder is shared across the process
// (its cache is read-mostly and racy-write-safe per the domain finder's own
// contract).
func New(host, apiKey string, finder *domainfinder.Finder) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: Timeout},
		host:       host,
		apiKey:     apiKey,
		finder:     finder,
	}
}

// vendorEnvelope mirrors the profile vendor's response shape.
type vendorEnvelope struct {
	Data vendorData `json:"data"`
}

type vendorData struct {
	FirstName   string           `json:"first_name"`
	LastName    string           `json:"last_name"`
	FullName    string           `json:"full_name"`
	Headline    string           `json:"headline"`
	Location    string           `json:"location"`
	Experiences []vendorExperience `json:"experiences"`
}

type vendorExperience struct {
	Title   string      `json:"title"`
	Company vendorCompany `json:"company"`
}

type vendorCompany struct {
	Name    string `json:"name"`
	URL     string `json:"url"`
	Website string `json:"website"`
}

// EnrichSingle normalizes linkedInURL, calls the vendor, and derives the
// company email domain. A non-200 vendor response yields a bare
// EnrichedMember carrying only the normalized URL.
func (c *Client) EnrichSingle(ctx domain.Context, linkedInURL string) EnrichedMember {
	normalized := normalizeURL(linkedInURL)
	member := EnrichedMember{LinkedInURL: normalized}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/get-linkedin-profile", nil)
	if err != nil {
		return member
	}
	q := req.URL.Query()
	q.Set("linkedin_url", normalized)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("X-RapidAPI-Key", c.apiKey)
	req.Header.Set("X-RapidAPI-Host", hostHeader(c.host))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return member
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return member
	}

	var envelope vendorEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return member
	}

	d := envelope.Data
	member.FirstName = d.FirstName
	member.LastName = d.LastName
	member.FullName = d.FullName
	member.Location = d.Location
	if len(d.Experiences) > 0 {
		exp := d.Experiences[0]
		member.JobTitle = exp.Title
		member.CompanyName = exp.Company.Name
		member.CompanyDomain = companyDomainFromExperience(exp.Company)
	}

	if member.CompanyDomain == "" && member.CompanyName != "" && c.finder != nil {
		member.CompanyDomain = c.finder.FindDomain(ctx, member.CompanyName)
	}

	return member
}

// normalizeURL strips the query string and a trailing slash from a
// LinkedIn profile URL.
func normalizeURL(u string) string {
	u = strings.TrimSpace(u)
	if idx := strings.Index(u, "?"); idx >= 0 {
		u = u[:idx]
	}
	return strings.TrimSuffix(u, "/")
}

// companyDomainFromExperience parses company.url/website, stripping
// "www." and rejecting bare linkedin.com company pages.
func companyDomainFromExperience(company vendorCompany) string {
	for _, candidate := range []string{company.URL, company.Website} {
		domain := hostFromURL(candidate)
		if domain == "" {
			continue
		}
		domain = strings.TrimPrefix(domain, "www.")
		if domain == "" || strings.Contains(domain, "linkedin.com") {
			continue
		}
		return domain
	}
	return ""
}

func hostFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	raw = strings.TrimPrefix(raw, "https://")
	raw = strings.TrimPrefix(raw, "http://")
	if idx := strings.IndexAny(raw, "/?"); idx >= 0 {
		raw = raw[:idx]
	}
	return strings.ToLower(raw)
}

func hostHeader(host string) string {
	h := hostFromURL(host)
	if h == "" {
		return host
	}
	return h
}

// String implements fmt.Stringer for diagnostics/logging.
func (m EnrichedMember) String() string {
	return fmt.Sprintf("EnrichedMember{url=%s name=%s domain=%s email=%s}", m.LinkedInURL, m.FullName, m.CompanyDomain, m.Email)
}
