package stages_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leadforge/jobengine/internal/domain"
	"github.com/leadforge/jobengine/internal/orchestrator"
	"github.com/leadforge/jobengine/internal/orchestrator/stages"
	"github.com/leadforge/jobengine/internal/profile"
)

type fakeProfileClient struct {
	byURL map[string]profile.EnrichedMember
}

func (f fakeProfileClient) EnrichSingle(_ domain.Context, linkedInURL string) profile.EnrichedMember {
	return f.byURL[linkedInURL]
}

func TestScrapeProfiles_FindsEmailForEnrichedMemberWithCompanyDomain(t *testing.T) {
	profileClient := fakeProfileClient{byURL: map[string]profile.EnrichedMember{
		"https://linkedin.com/in/ada": {
			LinkedInURL: "https://linkedin.com/in/ada", FirstName: "Ada", LastName: "Lovelace",
			CompanyName: "Example", CompanyDomain: "example.com",
		},
	}}
	verifier := &scriptedVerifier{answers: map[string]domain.VerificationResult{
		"ada.lovelace@example.com": {Status: domain.VerificationValid},
	}}
	tasks := []domain.Task{taskWith("t1", map[string]string{"linkedin_url": "https://linkedin.com/in/ada"})}
	taskRepo := newFakeTaskRepo()

	rc := &orchestrator.RunContext{
		Job: domain.Job{Kind: domain.JobKindScrapeProfiles}, Tasks: tasks,
		TaskRepo: taskRepo, ProfileClient: profileClient,
		NewVerifier:     func() orchestrator.Verifier { return verifier },
		ChunkSize:       50,
		InterChunkDelay: time.Millisecond,
		Progress:        func(int, int) {}, Cancelled: func() bool { return false },
	}

	result, err := stages.ScrapeProfiles{}.Run(context.Background(), rc)
	require.NoError(t, err)
	require.Contains(t, string(result), "ada.lovelace@example.com")
	require.Equal(t, domain.TaskCompleted, taskRepo.updates["t1"].status)
}

func TestScrapeProfiles_StopsAtCancellationBoundaryBetweenChunks(t *testing.T) {
	tasks := make([]domain.Task, 3)
	for i := range tasks {
		tasks[i] = taskWith("t", map[string]string{"linkedin_url": "https://linkedin.com/in/x"})
	}
	calls := 0
	rc := &orchestrator.RunContext{
		Job: domain.Job{Kind: domain.JobKindScrapeProfiles}, Tasks: tasks,
		TaskRepo: newFakeTaskRepo(), ProfileClient: fakeProfileClient{byURL: map[string]profile.EnrichedMember{}},
		NewVerifier:     func() orchestrator.Verifier { return &scriptedVerifier{} },
		ChunkSize:       1,
		InterChunkDelay: time.Millisecond,
		Progress:        func(int, int) {},
		Cancelled: func() bool {
			calls++
			return calls > 1
		},
	}

	_, err := stages.ScrapeProfiles{}.Run(context.Background(), rc)
	require.ErrorIs(t, err, orchestrator.ErrCancelled)
}
