package profile

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNormalizeURL(t *testing.T) {
	tests := map[string]string{
		"https://linkedin.com/in/jdoe?x=1": "https://linkedin.com/in/jdoe",
		"https://linkedin.com/in/jdoe/":    "https://linkedin.com/in/jdoe",
		"  https://linkedin.com/in/jdoe ":  "https://linkedin.com/in/jdoe",
	}
	for in, want := range tests {
		if got := normalizeURL(in); got != want {
			t.Errorf("normalizeURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCompanyDomainFromExperienceRejectsLinkedIn(t *testing.T) {
	c := vendorCompany{URL: "https://www.linkedin.com/company/acme"}
	if got := companyDomainFromExperience(c); got != "" {
		t.Errorf("expected rejection of linkedin.com, got %q", got)
	}
}

func TestCompanyDomainFromExperienceStripsWWW(t *testing.T) {
	c := vendorCompany{Website: "https://www.acme.com/about"}
	if got := companyDomainFromExperience(c); got != "acme.com" {
		t.Errorf("companyDomainFromExperience() = %q, want acme.com", got)
	}
}

func TestEnrichSingleNon200YieldsBareMember(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", nil)
	m := c.EnrichSingle(context.Background(), "https://linkedin.com/in/jdoe/")
	if m.LinkedInURL != "https://linkedin.com/in/jdoe" || m.FullName != "" {
		t.Errorf("unexpected member: %+v", m)
	}
}

func TestEnrichSingleParsesExperience(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(vendorEnvelope{Data: vendorData{
			FirstName: "John",
			LastName:  "Doe",
			FullName:  "John Doe",
			Experiences: []vendorExperience{
				{Title: "Engineer", Company: vendorCompany{Name: "Acme", Website: "https://www.acme.com"}},
			},
		}})
	}))
	defer srv.Close()

	c := New(srv.URL, "key", nil)
	m := c.EnrichSingle(context.Background(), "https://linkedin.com/in/jdoe")
	if m.CompanyDomain != "acme.com" || m.JobTitle != "Engineer" {
		t.Errorf("unexpected member: %+v", m)
	}
}
