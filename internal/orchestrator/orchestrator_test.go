package orchestrator_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leadforge/jobengine/internal/config"
	"github.com/leadforge/jobengine/internal/domain"
	"github.com/leadforge/jobengine/internal/orchestrator"
)

type fakeJobRepo struct {
	mu   sync.Mutex
	jobs map[string]domain.Job
}

func newFakeJobRepo(jobs ...domain.Job) *fakeJobRepo {
	m := map[string]domain.Job{}
	for _, j := range jobs {
		m[j.ID] = j
	}
	return &fakeJobRepo{jobs: m}
}

func (r *fakeJobRepo) Create(domain.Context, domain.Job) (string, error) { return "", nil }
func (r *fakeJobRepo) UpdateStatus(_ domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[id]
	j.Status = status
	if errMsg != nil {
		j.Error = *errMsg
	}
	r.jobs[id] = j
	return nil
}
func (r *fakeJobRepo) UpdateProgress(_ domain.Context, id string, processed, failed int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[id]
	j.ProcessedItems = processed
	j.FailedItems = failed
	r.jobs[id] = j
	return nil
}
func (r *fakeJobRepo) SetResult(_ domain.Context, id string, result []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j := r.jobs[id]
	j.Result = result
	r.jobs[id] = j
	return nil
}
func (r *fakeJobRepo) Get(_ domain.Context, id string) (domain.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}
func (r *fakeJobRepo) FindByIdempotencyKey(domain.Context, string) (domain.Job, error) {
	return domain.Job{}, domain.ErrNotFound
}
func (r *fakeJobRepo) Count(domain.Context) (int64, error)                          { return 0, nil }
func (r *fakeJobRepo) CountByStatus(domain.Context, domain.JobStatus) (int64, error) { return 0, nil }
func (r *fakeJobRepo) List(domain.Context, int, int) ([]domain.Job, error)           { return nil, nil }
func (r *fakeJobRepo) ListWithFilters(domain.Context, int, int, string, string) ([]domain.Job, error) {
	return nil, nil
}
func (r *fakeJobRepo) CountWithFilters(domain.Context, string, string) (int64, error) { return 0, nil }
func (r *fakeJobRepo) GetAverageProcessingTime(domain.Context) (float64, error)       { return 0, nil }

type fakeTaskRepo struct{}

func (fakeTaskRepo) CreateBatch(domain.Context, []domain.Task) error { return nil }
func (fakeTaskRepo) UpdateResult(domain.Context, string, domain.TaskStatus, []byte, string) error {
	return nil
}
func (fakeTaskRepo) ListByJob(domain.Context, string, int, int) ([]domain.Task, error) {
	return nil, nil
}
func (fakeTaskRepo) ListFailedByJob(domain.Context, string) ([]domain.Task, error) { return nil, nil }
func (fakeTaskRepo) ResetForRetry(domain.Context, string) error                    { return nil }

type stubStage struct {
	result []byte
	err    error
}

func (s stubStage) Run(domain.Context, *orchestrator.RunContext) ([]byte, error) {
	return s.result, s.err
}

func TestHandleJob_NoOpWhenJobNotFound(t *testing.T) {
	jobs := newFakeJobRepo()
	o := orchestrator.New(jobs, fakeTaskRepo{}, nil, orchestrator.Registry{}, nil, nil, config.Config{})
	require.NoError(t, o.HandleJob(context.Background(), "missing"))
}

func TestHandleJob_SkipsTerminalJob(t *testing.T) {
	jobs := newFakeJobRepo(domain.Job{ID: "j1", Kind: domain.JobKindBulkVerifyEmails, Status: domain.JobCompleted})
	o := orchestrator.New(jobs, fakeTaskRepo{}, nil, orchestrator.Registry{}, nil, nil, config.Config{})
	ctx := context.Background()
	require.NoError(t, o.HandleJob(ctx, "j1"))
	j, _ := jobs.Get(ctx, "j1")
	require.Equal(t, domain.JobCompleted, j.Status)
}

func TestHandleJob_SuccessFiresWebhookAndSetsResult(t *testing.T) {
	var received []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(buf)
		received = buf
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	jobs := newFakeJobRepo(domain.Job{
		ID: "j1", Kind: domain.JobKindBulkVerifyEmails, Status: domain.JobQueued,
		TotalItems: 1, WebhookURL: srv.URL,
	})
	registry := orchestrator.Registry{
		domain.JobKindBulkVerifyEmails: stubStage{result: []byte(`{"results":[]}`)},
	}
	o := orchestrator.New(jobs, fakeTaskRepo{}, nil, registry, nil, nil, config.Config{
		WebhookTimeout: 5 * time.Second, VerifyProgressFlushEvery: 10,
	})

	ctx := context.Background()
	require.NoError(t, o.HandleJob(ctx, "j1"))

	j, _ := jobs.Get(ctx, "j1")
	require.Equal(t, domain.JobCompleted, j.Status)
	require.JSONEq(t, `{"results":[]}`, string(j.Result))
	require.NotEmpty(t, received)
}

func TestHandleJob_FailureTransitionsJobToFailed(t *testing.T) {
	jobs := newFakeJobRepo(domain.Job{ID: "j1", Kind: domain.JobKindBulkVerifyEmails, Status: domain.JobQueued})
	registry := orchestrator.Registry{
		domain.JobKindBulkVerifyEmails: stubStage{err: errBoom{}},
	}
	o := orchestrator.New(jobs, fakeTaskRepo{}, nil, registry, nil, nil, config.Config{VerifyProgressFlushEvery: 10})

	ctx := context.Background()
	err := o.HandleJob(ctx, "j1")
	require.Error(t, err)

	j, _ := jobs.Get(ctx, "j1")
	require.Equal(t, domain.JobFailed, j.Status)
	require.NotEmpty(t, j.Error)
}

func TestHandleJob_CancelledStopsWithoutFailing(t *testing.T) {
	jobs := newFakeJobRepo(domain.Job{ID: "j1", Kind: domain.JobKindBulkVerifyEmails, Status: domain.JobQueued})
	registry := orchestrator.Registry{
		domain.JobKindBulkVerifyEmails: stubStage{err: orchestrator.ErrCancelled},
	}
	o := orchestrator.New(jobs, fakeTaskRepo{}, nil, registry, nil, nil, config.Config{VerifyProgressFlushEvery: 10})

	ctx := context.Background()
	require.NoError(t, o.HandleJob(ctx, "j1"))

	j, _ := jobs.Get(ctx, "j1")
	require.Equal(t, domain.JobRunning, j.Status)
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
