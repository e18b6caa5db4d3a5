package usecase_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leadforge/jobengine/internal/domain"
	"github.com/leadforge/jobengine/internal/usecase"
)

type fakeJobRepo struct {
	jobs      map[string]domain.Job
	createErr error
}

func newFakeJobRepo() *fakeJobRepo { return &fakeJobRepo{jobs: map[string]domain.Job{}} }

func (r *fakeJobRepo) Create(_ domain.Context, j domain.Job) (string, error) {
	if r.createErr != nil {
		return "", r.createErr
	}
	if j.ID == "" {
		j.ID = "job-1"
	}
	r.jobs[j.ID] = j
	return j.ID, nil
}
func (r *fakeJobRepo) UpdateStatus(_ domain.Context, id string, status domain.JobStatus, errMsg *string) error {
	j := r.jobs[id]
	j.Status = status
	if errMsg != nil {
		j.Error = *errMsg
	}
	r.jobs[id] = j
	return nil
}
func (r *fakeJobRepo) UpdateProgress(domain.Context, string, int, int) error { return nil }
func (r *fakeJobRepo) SetResult(domain.Context, string, []byte) error       { return nil }
func (r *fakeJobRepo) Get(_ domain.Context, id string) (domain.Job, error) {
	j, ok := r.jobs[id]
	if !ok {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}
func (r *fakeJobRepo) FindByIdempotencyKey(_ domain.Context, key string) (domain.Job, error) {
	for _, j := range r.jobs {
		if j.IdemKey != nil && *j.IdemKey == key {
			return j, nil
		}
	}
	return domain.Job{}, domain.ErrNotFound
}
func (r *fakeJobRepo) Count(domain.Context) (int64, error)                          { return int64(len(r.jobs)), nil }
func (r *fakeJobRepo) CountByStatus(domain.Context, domain.JobStatus) (int64, error) { return 0, nil }
func (r *fakeJobRepo) List(domain.Context, int, int) ([]domain.Job, error)          { return nil, nil }
func (r *fakeJobRepo) ListWithFilters(domain.Context, int, int, string, string) ([]domain.Job, error) {
	var out []domain.Job
	for _, j := range r.jobs {
		out = append(out, j)
	}
	return out, nil
}
func (r *fakeJobRepo) CountWithFilters(domain.Context, string, string) (int64, error) {
	return int64(len(r.jobs)), nil
}
func (r *fakeJobRepo) GetAverageProcessingTime(domain.Context) (float64, error) { return 0, nil }

type fakeTaskRepo struct {
	batches  [][]domain.Task
	failed   []domain.Task
	resetIDs []string
	failErr  error
}

func (r *fakeTaskRepo) CreateBatch(_ domain.Context, tasks []domain.Task) error {
	if r.failErr != nil {
		return r.failErr
	}
	r.batches = append(r.batches, tasks)
	return nil
}
func (r *fakeTaskRepo) UpdateResult(domain.Context, string, domain.TaskStatus, []byte, string) error {
	return nil
}
func (r *fakeTaskRepo) ListByJob(domain.Context, string, int, int) ([]domain.Task, error) {
	return nil, nil
}
func (r *fakeTaskRepo) ListFailedByJob(domain.Context, string) ([]domain.Task, error) {
	return r.failed, nil
}
func (r *fakeTaskRepo) ResetForRetry(_ domain.Context, id string) error {
	r.resetIDs = append(r.resetIDs, id)
	return nil
}

type fakeBroker struct {
	enqueued []string
	err      error
}

func (b *fakeBroker) Enqueue(_ domain.Context, jobID string) error {
	if b.err != nil {
		return b.err
	}
	b.enqueued = append(b.enqueued, jobID)
	return nil
}
func (b *fakeBroker) Consume(domain.Context, func(domain.Context, string) error) error { return nil }
func (b *fakeBroker) Close() error                                                     { return nil }

func TestJobService_Submit_CreatesTasksAndEnqueues(t *testing.T) {
	jobs, tasks, broker := newFakeJobRepo(), &fakeTaskRepo{}, &fakeBroker{}
	svc := usecase.NewJobService(jobs, tasks, broker)

	item, _ := json.Marshal(map[string]string{"email": "a@example.com"})
	jobID, err := svc.Submit(context.Background(), usecase.SubmitRequest{
		Kind: domain.JobKindBulkVerifyEmails, Items: []json.RawMessage{item},
	})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	j := jobs.jobs[jobID]
	require.Equal(t, domain.JobQueued, j.Status)
	require.Equal(t, 1, j.TotalItems)
	require.Equal(t, 5, j.Priority)
	require.Len(t, tasks.batches, 1)
	require.Equal(t, []string{jobID}, broker.enqueued)
}

func TestJobService_Submit_RejectsUnknownKind(t *testing.T) {
	svc := usecase.NewJobService(newFakeJobRepo(), &fakeTaskRepo{}, &fakeBroker{})
	_, err := svc.Submit(context.Background(), usecase.SubmitRequest{
		Kind: "not_a_real_kind", Items: []json.RawMessage{json.RawMessage(`{}`)},
	})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestJobService_Submit_RejectsEmptyItems(t *testing.T) {
	svc := usecase.NewJobService(newFakeJobRepo(), &fakeTaskRepo{}, &fakeBroker{})
	_, err := svc.Submit(context.Background(), usecase.SubmitRequest{Kind: domain.JobKindBulkVerifyEmails})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestJobService_Submit_IdempotentHitReturnsExistingJob(t *testing.T) {
	jobs := newFakeJobRepo()
	key := "dup-key"
	jobs.jobs["existing"] = domain.Job{ID: "existing", IdemKey: &key}
	svc := usecase.NewJobService(jobs, &fakeTaskRepo{}, &fakeBroker{})

	item, _ := json.Marshal(map[string]string{"email": "a@example.com"})
	jobID, err := svc.Submit(context.Background(), usecase.SubmitRequest{
		Kind: domain.JobKindBulkVerifyEmails, Items: []json.RawMessage{item}, IdemKey: key,
	})
	require.NoError(t, err)
	require.Equal(t, "existing", jobID)
}

func TestJobService_Submit_EnqueueFailureMarksJobFailed(t *testing.T) {
	jobs, tasks := newFakeJobRepo(), &fakeTaskRepo{}
	broker := &fakeBroker{err: errors.New("broker down")}
	svc := usecase.NewJobService(jobs, tasks, broker)

	item, _ := json.Marshal(map[string]string{"email": "a@example.com"})
	_, err := svc.Submit(context.Background(), usecase.SubmitRequest{
		Kind: domain.JobKindBulkVerifyEmails, Items: []json.RawMessage{item},
	})
	require.Error(t, err)
	for _, j := range jobs.jobs {
		require.Equal(t, domain.JobFailed, j.Status)
	}
}

func TestJobService_Cancel_RejectsTerminalJob(t *testing.T) {
	jobs := newFakeJobRepo()
	jobs.jobs["j1"] = domain.Job{ID: "j1", Status: domain.JobCompleted}
	svc := usecase.NewJobService(jobs, &fakeTaskRepo{}, &fakeBroker{})

	err := svc.Cancel(context.Background(), "j1")
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestJobService_Cancel_MarksRunningJobCancelled(t *testing.T) {
	jobs := newFakeJobRepo()
	jobs.jobs["j1"] = domain.Job{ID: "j1", Status: domain.JobRunning}
	svc := usecase.NewJobService(jobs, &fakeTaskRepo{}, &fakeBroker{})

	require.NoError(t, svc.Cancel(context.Background(), "j1"))
	require.Equal(t, domain.JobCancelled, jobs.jobs["j1"].Status)
}

func TestJobService_RetryFailedTasks_ResetsRetryableTasksAndRequeues(t *testing.T) {
	jobs := newFakeJobRepo()
	jobs.jobs["j1"] = domain.Job{ID: "j1", Status: domain.JobFailed}
	tasks := &fakeTaskRepo{failed: []domain.Task{
		{ID: "t1", Status: domain.TaskFailed, Attempts: 1},
		{ID: "t2", Status: domain.TaskFailed, Attempts: 3}, // exhausted, not retryable
	}}
	broker := &fakeBroker{}
	svc := usecase.NewJobService(jobs, tasks, broker)

	n, err := svc.RetryFailedTasks(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"t1"}, tasks.resetIDs)
	require.Equal(t, domain.JobQueued, jobs.jobs["j1"].Status)
	require.Equal(t, []string{"j1"}, broker.enqueued)
}

func TestJobService_RetryFailedTasks_NoRetryableTasksIsNoOp(t *testing.T) {
	jobs := newFakeJobRepo()
	jobs.jobs["j1"] = domain.Job{ID: "j1", Status: domain.JobFailed}
	tasks := &fakeTaskRepo{failed: []domain.Task{{ID: "t1", Status: domain.TaskFailed, Attempts: 3}}}
	broker := &fakeBroker{}
	svc := usecase.NewJobService(jobs, tasks, broker)

	n, err := svc.RetryFailedTasks(context.Background(), "j1")
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.Equal(t, domain.JobFailed, jobs.jobs["j1"].Status)
	require.Empty(t, broker.enqueued)
}
