// Package httpserver contains HTTP handlers and middleware.
//
// It provides REST API endpoints for submitting and observing bulk
// lead-enrichment jobs. The package follows clean architecture principles
// and provides a clear separation between HTTP concerns and business logic.
package httpserver

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/leadforge/jobengine/internal/config"
	"github.com/leadforge/jobengine/internal/domain"
	"github.com/leadforge/jobengine/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg     config.Config
	Jobs    usecase.JobService
	DBCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, jobs usecase.JobService, dbCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Jobs: jobs, DBCheck: dbCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func wantsJSON(r *http.Request) bool {
	a := r.Header.Get("Accept")
	return a == "" || a == "*/*" || strings.Contains(a, "application/json")
}

func notAcceptable(w http.ResponseWriter, accept string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusNotAcceptable)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": "INVALID_ARGUMENT", "message": "not acceptable", "details": map[string]any{"accept": accept}}})
}

// jobView is the wire representation of a domain.Job.
type jobView struct {
	ID                 string  `json:"id"`
	Kind               string  `json:"kind"`
	Status             string  `json:"status"`
	Priority           int     `json:"priority"`
	Error              string  `json:"error,omitempty"`
	TotalItems         int     `json:"total_items"`
	ProcessedItems     int     `json:"processed_items"`
	FailedItems        int     `json:"failed_items"`
	ProgressPercentage float64 `json:"progress_percentage"`
	WebhookURL         string  `json:"webhook_url,omitempty"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

func toJobView(j domain.Job) jobView {
	return jobView{
		ID: j.ID, Kind: string(j.Kind), Status: string(j.Status), Priority: j.Priority,
		Error: j.Error, TotalItems: j.TotalItems, ProcessedItems: j.ProcessedItems, FailedItems: j.FailedItems,
		ProgressPercentage: j.ProgressPercentage(), WebhookURL: j.WebhookURL,
		CreatedAt: j.CreatedAt.Format(time.RFC3339), UpdatedAt: j.UpdatedAt.Format(time.RFC3339),
	}
}

// SubmitHandler accepts a new job for the kind, materializing one task per
// item and enqueuing the job for processing.
func (s *Server) SubmitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !wantsJSON(r) {
			notAcceptable(w, r.Header.Get("Accept"))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, 10<<20) // 10MB of submitted items
		var req struct {
			Kind       string            `json:"kind" validate:"required"`
			Items      []json.RawMessage `json:"items" validate:"required,min=1"`
			Priority   int               `json:"priority"`
			WebhookURL string            `json:"webhook_url" validate:"omitempty,url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument), nil)
			return
		}
		if err := getValidator().Struct(req); err != nil {
			verrs := map[string]string{}
			if ve, ok := err.(validator.ValidationErrors); ok {
				for _, fe := range ve {
					verrs[strings.ToLower(fe.Field())] = fe.Tag()
				}
			}
			writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
			return
		}

		jobID, err := s.Jobs.Submit(r.Context(), usecase.SubmitRequest{
			Kind: domain.JobKind(req.Kind), Items: req.Items, Priority: req.Priority,
			WebhookURL: req.WebhookURL, IdemKey: r.Header.Get("Idempotency-Key"),
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": jobID, "status": string(domain.JobQueued)})
	}
}

// GetHandler returns a single job's current state.
func (s *Server) GetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		j, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, toJobView(j))
	}
}

// ListHandler returns a page of jobs matching optional search/status filters.
func (s *Server) ListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		page, _ := strconv.Atoi(q.Get("page"))
		if page < 1 {
			page = 1
		}
		limit, _ := strconv.Atoi(q.Get("limit"))
		if limit <= 0 || limit > 200 {
			limit = 20
		}
		offset := (page - 1) * limit

		jobs, total, err := s.Jobs.List(r.Context(), offset, limit, q.Get("search"), q.Get("status"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		views := make([]jobView, 0, len(jobs))
		for _, j := range jobs {
			views = append(views, toJobView(j))
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": views, "total": total, "page": page, "limit": limit})
	}
}

// CancelHandler marks a non-terminal job cancelled.
func (s *Server) CancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		if err := s.Jobs.Cancel(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(domain.JobCancelled)})
	}
}

// RetryFailedTasksHandler resets a job's retryable failed tasks and
// re-enqueues it.
func (s *Server) RetryFailedTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		n, err := s.Jobs.RetryFailedTasks(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "tasks_reset": n})
	}
}

// ExportHandler writes a completed job's result as JSON or CSV, with
// column layout fixed per job kind.
func (s *Server) ExportHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			writeError(w, r, fmt.Errorf("%w: id missing", domain.ErrInvalidArgument), nil)
			return
		}
		format := r.URL.Query().Get("format")
		if format == "" {
			format = "json"
		}

		j, err := s.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if j.Status != domain.JobCompleted {
			writeError(w, r, fmt.Errorf("%w: job %s has not completed", domain.ErrConflict, id), nil)
			return
		}

		switch format {
		case "json":
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(j.Result)
		case "csv":
			header, rows, err := csvRowsFor(j.Kind, j.Result)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			w.Header().Set("Content-Type", "text/csv; charset=utf-8")
			w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.csv"`, id))
			w.WriteHeader(http.StatusOK)
			cw := csv.NewWriter(w)
			_ = cw.Write(header)
			for _, row := range rows {
				_ = cw.Write(row)
			}
			cw.Flush()
		default:
			writeError(w, r, fmt.Errorf("%w: unsupported export format %q", domain.ErrInvalidArgument, format), nil)
		}
	}
}

// csvRowsFor decodes a job's opaque result payload into a fixed export
// column order per kind. Only scrape_profiles and bulk_verify_leads have a
// defined CSV shape; anything else must export as json.
func csvRowsFor(kind domain.JobKind, result []byte) ([]string, [][]string, error) {
	switch kind {
	case domain.JobKindScrapeProfiles:
		var parsed struct {
			Results []struct {
				FirstName     string `json:"first_name"`
				LastName      string `json:"last_name"`
				FullName      string `json:"full_name"`
				Email         string `json:"email"`
				EmailVerified bool   `json:"email_verified"`
				JobTitle      string `json:"job_title"`
				CompanyName   string `json:"company_name"`
				CompanyDomain string `json:"company_domain"`
				LinkedInURL   string `json:"linkedin_url"`
				Location      string `json:"location"`
			} `json:"results"`
		}
		if err := json.Unmarshal(result, &parsed); err != nil {
			return nil, nil, fmt.Errorf("%w: malformed job result", domain.ErrInternal)
		}
		header := []string{"first_name", "last_name", "full_name", "email", "email_verified", "job_title", "company_name", "company_domain", "linkedin_url", "location"}
		rows := make([][]string, 0, len(parsed.Results))
		for _, m := range parsed.Results {
			rows = append(rows, []string{
				m.FirstName, m.LastName, m.FullName, m.Email, strconv.FormatBool(m.EmailVerified),
				m.JobTitle, m.CompanyName, m.CompanyDomain, m.LinkedInURL, m.Location,
			})
		}
		return header, rows, nil
	case domain.JobKindBulkVerifyLeads:
		var parsed struct {
			VerifiedLeads []struct {
				FirstName string `json:"first_name"`
				LastName  string `json:"last_name"`
				Website   string `json:"website"`
				Email     string `json:"email"`
			} `json:"verified_leads"`
		}
		if err := json.Unmarshal(result, &parsed); err != nil {
			return nil, nil, fmt.Errorf("%w: malformed job result", domain.ErrInternal)
		}
		header := []string{"first_name", "last_name", "website", "email"}
		rows := make([][]string, 0, len(parsed.VerifiedLeads))
		for _, l := range parsed.VerifiedLeads {
			rows = append(rows, []string{l.FirstName, l.LastName, l.Website, l.Email})
		}
		return header, rows, nil
	default:
		return nil, nil, fmt.Errorf("%w: kind %q has no csv export shape", domain.ErrInvalidArgument, kind)
	}
}

// HealthzHandler is a liveness probe: the process can accept requests.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler probes the database dependency.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		c := check{Name: "db", OK: true}
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				c.OK, c.Details = false, err.Error()
			}
		}
		status := http.StatusOK
		if !c.OK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"checks": []check{c}})
	}
}
