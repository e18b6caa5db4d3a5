package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/leadforge/jobengine/internal/domain"
)

// CompanyRepo persists the per-domain detected email pattern, letting it
// survive across job runs (see the cross-job pattern persistence note in
// DESIGN.md).
type CompanyRepo struct{ Pool PgxPool }

// NewCompanyRepo constructs a CompanyRepo with the given pool.
func NewCompanyRepo(p PgxPool) *CompanyRepo { return &CompanyRepo{Pool: p} }

// GetByDomain loads the company record for a domain, if one has been seen
// before.
func (r *CompanyRepo) GetByDomain(ctx domain.Context, domainName string) (domain.Company, error) {
	tracer := otel.Tracer("repo.companies")
	ctx, span := tracer.Start(ctx, "companies.GetByDomain")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "companies"),
	)
	q := `SELECT id, name, domain, detected_email_pattern, email_pattern_confidence, created_at, updated_at FROM companies WHERE domain=$1`
	row := r.Pool.QueryRow(ctx, q, domainName)
	var c domain.Company
	if err := row.Scan(&c.ID, &c.Name, &c.Domain, &c.DetectedEmailPattern, &c.EmailPatternConfidence, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.Company{}, fmt.Errorf("op=company.get_by_domain: %w", domain.ErrNotFound)
		}
		return domain.Company{}, fmt.Errorf("op=company.get_by_domain: %w", err)
	}
	return c, nil
}

// UpsertPattern records the detected email pattern and confidence for a
// domain, creating the company row if this is the first time it's seen.
func (r *CompanyRepo) UpsertPattern(ctx domain.Context, domainName string, pattern string, confidence float64) error {
	tracer := otel.Tracer("repo.companies")
	ctx, span := tracer.Start(ctx, "companies.UpsertPattern")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "UPSERT"),
		attribute.String("db.sql.table", "companies"),
		attribute.String("company.domain", domainName),
		attribute.Float64("company.pattern_confidence", confidence),
	)
	now := time.Now().UTC()
	q := `INSERT INTO companies (id, name, domain, detected_email_pattern, email_pattern_confidence, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, $1, $2, $3, $4, $4)
		ON CONFLICT (domain) DO UPDATE SET detected_email_pattern=$2, email_pattern_confidence=$3, updated_at=$4`
	if _, err := r.Pool.Exec(ctx, q, domainName, pattern, confidence, now); err != nil {
		return fmt.Errorf("op=company.upsert_pattern: %w", err)
	}
	return nil
}
