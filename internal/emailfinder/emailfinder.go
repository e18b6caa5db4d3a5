// Package emailfinder implements the email-discovery step used by the
// scrape-profiles and enrich-emails stages: given a person's name and a
// domain, it probes permutations and accepts the first valid or catch-all hit.
//
// This differs from the domain-learning batch verifier (see package
// stages): that stage rejects catch-all results outright, while this finder
// accepts them because the scrape stage has less alternative signal to fall
// back on, a deliberate, user-visible inconsistency between the two paths.
package emailfinder

import (
	"github.com/leadforge/jobengine/internal/domain"
	"github.com/leadforge/jobengine/internal/permutator"
)

// MaxCandidates caps how many permutations are probed per member.
const MaxCandidates = 8

// Verifier is the subset of verifier.Client this package depends on.
type Verifier interface {
	Verify(ctx domain.Context, email string) domain.VerificationResult
}

// Find probes candidate addresses for firstName/lastName at domain,
// returning the first email verified valid or catch-all, and whether it
// was strictly valid (as opposed to merely accepted as catch-all).
func Find(ctx domain.Context, v Verifier, firstName, lastName, companyDomain string) (email string, verified bool, found bool) {
	candidates := permutator.Generate(firstName, lastName, companyDomain, "")
	if len(candidates) > MaxCandidates {
		candidates = candidates[:MaxCandidates]
	}

	for _, candidate := range candidates {
		result := v.Verify(ctx, candidate)
		switch result.Status {
		case domain.VerificationValid:
			return candidate, true, true
		case domain.VerificationCatchAll:
			return candidate, false, true
		}
	}
	return "", false, false
}
