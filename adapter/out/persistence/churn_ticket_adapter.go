package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"churn_server/core/domain"
	"churn_server/core/port/out"
)

// TicketRepository implements out.TicketRepository on Postgres.
type TicketRepository struct {
	db *sqlx.DB
}

func NewTicketRepository(db *sqlx.DB) *TicketRepository {
	return &TicketRepository{db: db}
}

var _ out.TicketRepository = (*TicketRepository)(nil)

const ticketColumns = `
	t.id, t.tenant_id, t.external_id, t.subject, t.content, t.status, t.priority, t.external_url,
	t.company_id, t.contact_id, t.sentiment_score, t.sentiment_confidence, t.sentiment_reasoning,
	t.sentiment_analyzed_at, t.needs_review, t.analysis_error, t.analysis_attempts,
	t.analysis_claimed_at, t.source_created_at, t.source_updated_at, t.created_at, t.updated_at`

type ticketRow struct {
	ID                  uuid.UUID       `db:"id"`
	TenantID            uuid.UUID       `db:"tenant_id"`
	ExternalID          string          `db:"external_id"`
	Subject             string          `db:"subject"`
	Content             string          `db:"content"`
	Status              string          `db:"status"`
	Priority            string          `db:"priority"`
	URL                 string          `db:"external_url"`
	CompanyID           uuid.NullUUID   `db:"company_id"`
	ContactID           uuid.NullUUID   `db:"contact_id"`
	SentimentScore      sql.NullString  `db:"sentiment_score"`
	SentimentConfidence sql.NullFloat64 `db:"sentiment_confidence"`
	SentimentReasoning  string          `db:"sentiment_reasoning"`
	SentimentAnalyzedAt sql.NullTime    `db:"sentiment_analyzed_at"`
	NeedsReview         bool            `db:"needs_review"`
	AnalysisError       string          `db:"analysis_error"`
	AnalysisAttempts    int             `db:"analysis_attempts"`
	AnalysisClaimedAt   sql.NullTime    `db:"analysis_claimed_at"`
	SourceCreatedAt     sql.NullTime    `db:"source_created_at"`
	SourceUpdatedAt     sql.NullTime    `db:"source_updated_at"`
	CreatedAt           time.Time       `db:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at"`
}

func (r *ticketRow) toDomain() *domain.Ticket {
	t := &domain.Ticket{
		ID:                  r.ID,
		TenantID:            r.TenantID,
		ExternalID:          r.ExternalID,
		Subject:             r.Subject,
		Content:             r.Content,
		Status:              domain.TicketStatus(r.Status),
		Priority:            r.Priority,
		URL:                 r.URL,
		CompanyID:           uuidPtr(r.CompanyID),
		ContactID:           uuidPtr(r.ContactID),
		SentimentConfidence: floatPtr(r.SentimentConfidence),
		SentimentReasoning:  r.SentimentReasoning,
		SentimentAnalyzedAt: timePtr(r.SentimentAnalyzedAt),
		NeedsReview:         r.NeedsReview,
		AnalysisError:       r.AnalysisError,
		AnalysisAttempts:    r.AnalysisAttempts,
		AnalysisClaimedAt:   timePtr(r.AnalysisClaimedAt),
		SourceCreatedAt:     timePtr(r.SourceCreatedAt),
		SourceUpdatedAt:     timePtr(r.SourceUpdatedAt),
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if r.SentimentScore.Valid {
		s := domain.Sentiment(r.SentimentScore.String)
		t.SentimentScore = &s
	}
	return t
}

// =============================================================================
// Import path
// =============================================================================

func (r *TicketRepository) UpsertAndClaim(ctx context.Context, tenantID uuid.UUID, in *out.TicketUpsert, claimTTL time.Duration) (*out.ClaimResult, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	companyID, err := upsertCompany(ctx, tx, tenantID, in.Company, now)
	if err != nil {
		return nil, err
	}
	contactID, err := upsertContact(ctx, tx, tenantID, companyID, in.Contact, now)
	if err != nil {
		return nil, err
	}

	src := in.Ticket
	var up struct {
		ID      uuid.UUID `db:"id"`
		Created bool      `db:"created"`
	}
	err = tx.GetContext(ctx, &up, `
		INSERT INTO tickets (
			id, tenant_id, external_id, subject, content, status, priority, external_url,
			company_id, contact_id, source_created_at, source_updated_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			subject = EXCLUDED.subject,
			content = EXCLUDED.content,
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			external_url = EXCLUDED.external_url,
			company_id = COALESCE(EXCLUDED.company_id, tickets.company_id),
			contact_id = COALESCE(EXCLUDED.contact_id, tickets.contact_id),
			source_created_at = EXCLUDED.source_created_at,
			source_updated_at = EXCLUDED.source_updated_at,
			updated_at = EXCLUDED.updated_at
		RETURNING id, (xmax = 0) AS created`,
		uuid.New(), tenantID, src.ExternalID, src.Subject, src.Content, string(src.Status), src.Priority, src.URL,
		nullUUID(companyID), nullUUID(contactID), nullTime(src.SourceCreatedAt), nullTime(src.SourceUpdatedAt), now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert ticket: %w", err)
	}

	// The upsert holds the row lock, so a concurrent import of the same ticket
	// re-evaluates this guard after we commit and loses.
	res, err := tx.ExecContext(ctx, `
		UPDATE tickets SET analysis_claimed_at = $3
		WHERE tenant_id = $1 AND id = $2
		  AND sentiment_analyzed_at IS NULL
		  AND btrim(content) <> ''
		  AND (analysis_claimed_at IS NULL OR analysis_claimed_at < $4)`,
		tenantID, up.ID, now, now.Add(-claimTTL),
	)
	if err != nil {
		return nil, fmt.Errorf("claim ticket: %w", err)
	}
	n, _ := res.RowsAffected()

	var row ticketRow
	if err := tx.GetContext(ctx, &row, `SELECT `+ticketColumns+` FROM tickets t WHERE t.id = $1`, up.ID); err != nil {
		return nil, fmt.Errorf("reload ticket: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return &out.ClaimResult{Ticket: row.toDomain(), Created: up.Created, Claimed: n == 1}, nil
}

func upsertCompany(ctx context.Context, tx *sqlx.Tx, tenantID uuid.UUID, ref *out.CompanyRef, now time.Time) (*uuid.UUID, error) {
	if ref == nil || ref.ExternalID == "" {
		return nil, nil
	}
	var id uuid.UUID
	err := tx.GetContext(ctx, &id, `
		INSERT INTO companies (id, tenant_id, external_id, name, mrr, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), companies.name),
			mrr = COALESCE(EXCLUDED.mrr, companies.mrr),
			updated_at = EXCLUDED.updated_at
		RETURNING id`,
		uuid.New(), tenantID, ref.ExternalID, ref.Name, nullFloat(ref.MRR), now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert company: %w", err)
	}
	return &id, nil
}

func upsertContact(ctx context.Context, tx *sqlx.Tx, tenantID uuid.UUID, companyID *uuid.UUID, ref *out.ContactRef, now time.Time) (*uuid.UUID, error) {
	if ref == nil || ref.ExternalID == "" {
		return nil, nil
	}
	var id uuid.UUID
	err := tx.GetContext(ctx, &id, `
		INSERT INTO contacts (id, tenant_id, company_id, external_id, email, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (tenant_id, external_id) DO UPDATE SET
			company_id = COALESCE(EXCLUDED.company_id, contacts.company_id),
			email = EXCLUDED.email,
			name = EXCLUDED.name,
			updated_at = EXCLUDED.updated_at
		RETURNING id`,
		uuid.New(), tenantID, nullUUID(companyID), ref.ExternalID, ref.Email, ref.Name, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert contact: %w", err)
	}
	return &id, nil
}

func (r *TicketRepository) SaveAnalysis(ctx context.Context, tenantID uuid.UUID, save *out.AnalysisSave) (*out.SaveResult, error) {
	result := &out.SaveResult{}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tickets SET
			sentiment_score = $3,
			sentiment_confidence = $4,
			sentiment_reasoning = $5,
			sentiment_analyzed_at = $6,
			needs_review = $7,
			analysis_claimed_at = NULL,
			analysis_error = '',
			updated_at = $6
		WHERE tenant_id = $1 AND id = $2 AND sentiment_analyzed_at IS NOT DISTINCT FROM $8`,
		tenantID, save.TicketID, string(save.Sentiment), save.Confidence, save.Reasoning, save.AnalyzedAt, save.NeedsReview,
		nullTime(save.Expected),
	)
	if err != nil {
		return nil, fmt.Errorf("save sentiment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return result, nil
	}
	result.Saved = true

	if save.Expected != nil {
		_, err = tx.ExecContext(ctx, `
			UPDATE topic_assignments SET superseded_at = $3
			WHERE tenant_id = $1 AND ticket_id = $2 AND assigned_by = 'ai' AND superseded_at IS NULL`,
			tenantID, save.TicketID, save.AnalyzedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("supersede ai assignments: %w", err)
		}
	}

	for _, a := range save.Assignments {
		id := a.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO topic_assignments (id, tenant_id, ticket_id, topic_id, confidence, assigned_by, needs_review, assigned_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (ticket_id, topic_id) WHERE superseded_at IS NULL DO NOTHING`,
			id, tenantID, save.TicketID, a.TopicID, nullFloat(a.Confidence), string(domain.AssignedByAI), a.NeedsReview, save.AnalyzedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert topic assignment: %w", err)
		}
	}

	if save.Card != nil {
		opened, err := insertCardIfNoneOpen(ctx, tx, save.Card, save.CardComment)
		if err != nil {
			return nil, err
		}
		result.CardOpened = opened
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit analysis: %w", err)
	}
	return result, nil
}

func (r *TicketRepository) RecordFailure(ctx context.Context, tenantID, ticketID uuid.UUID, reason string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tickets SET
			analysis_claimed_at = NULL,
			analysis_error = $3,
			analysis_attempts = analysis_attempts + 1,
			updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2`,
		tenantID, ticketID, reason,
	)
	if err != nil {
		return fmt.Errorf("record analysis failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// =============================================================================
// Reads
// =============================================================================

func (r *TicketRepository) GetByID(ctx context.Context, tenantID, ticketID uuid.UUID) (*domain.Ticket, error) {
	var row ticketRow
	err := r.db.GetContext(ctx, &row, `SELECT `+ticketColumns+` FROM tickets t WHERE t.tenant_id = $1 AND t.id = $2`, tenantID, ticketID)
	if err != nil {
		return nil, wrapGet(err, "ticket")
	}
	return row.toDomain(), nil
}

type ticketViewRow struct {
	ticketRow
	CompanyExternalID sql.NullString  `db:"company_external_id"`
	CompanyName       sql.NullString  `db:"company_name"`
	CompanyMRR        sql.NullFloat64 `db:"company_mrr"`
	ContactExternalID sql.NullString  `db:"contact_external_id"`
	ContactEmail      sql.NullString  `db:"contact_email"`
	ContactName       sql.NullString  `db:"contact_name"`
	ContactCompanyID  uuid.NullUUID   `db:"contact_company_id"`
}

func (r *ticketViewRow) toView() *domain.TicketView {
	v := &domain.TicketView{Ticket: *r.ticketRow.toDomain(), Topics: []*domain.TopicAssignment{}}
	if r.CompanyID.Valid && r.CompanyExternalID.Valid {
		v.Company = &domain.Company{
			ID:         r.CompanyID.UUID,
			TenantID:   r.TenantID,
			ExternalID: r.CompanyExternalID.String,
			Name:       r.CompanyName.String,
			MRR:        floatPtr(r.CompanyMRR),
		}
	}
	if r.ContactID.Valid && r.ContactExternalID.Valid {
		v.Contact = &domain.Contact{
			ID:         r.ContactID.UUID,
			TenantID:   r.TenantID,
			CompanyID:  uuidPtr(r.ContactCompanyID),
			ExternalID: r.ContactExternalID.String,
			Email:      r.ContactEmail.String,
			Name:       r.ContactName.String,
		}
	}
	return v
}

func (r *TicketRepository) List(ctx context.Context, tenantID uuid.UUID, filter *domain.TicketFilter) ([]*domain.TicketView, int, error) {
	conditions := []string{"t.tenant_id = $1"}
	args := []any{tenantID}
	argIdx := 2

	if filter != nil && filter.Sentiment != nil {
		conditions = append(conditions, fmt.Sprintf("t.sentiment_score = $%d", argIdx))
		args = append(args, string(*filter.Sentiment))
		argIdx++
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM tickets t WHERE "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count tickets: %w", err)
	}

	query := `
		SELECT ` + ticketColumns + `,
		       co.external_id AS company_external_id, co.name AS company_name, co.mrr AS company_mrr,
		       ct.external_id AS contact_external_id, ct.email AS contact_email, ct.name AS contact_name,
		       ct.company_id AS contact_company_id
		FROM tickets t
		LEFT JOIN companies co ON co.id = t.company_id
		LEFT JOIN contacts ct ON ct.id = t.contact_id
		WHERE ` + where + `
		ORDER BY COALESCE(t.source_created_at, t.created_at) DESC, t.id`

	if filter != nil && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	var rows []ticketViewRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list tickets: %w", err)
	}
	if len(rows) == 0 {
		return []*domain.TicketView{}, total, nil
	}

	views := make([]*domain.TicketView, len(rows))
	byID := make(map[uuid.UUID]*domain.TicketView, len(rows))
	ids := make([]uuid.UUID, len(rows))
	for i := range rows {
		views[i] = rows[i].toView()
		byID[views[i].ID] = views[i]
		ids[i] = views[i].ID
	}

	var assigned []assignmentRow
	err := r.db.SelectContext(ctx, &assigned, `
		SELECT `+assignmentColumns+`
		FROM topic_assignments a
		JOIN topics tp ON tp.id = a.topic_id
		WHERE a.tenant_id = $1 AND a.ticket_id = ANY($2::uuid[]) AND a.superseded_at IS NULL
		ORDER BY a.assigned_at, tp.name`,
		tenantID, uuidArray(ids),
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list ticket topics: %w", err)
	}
	for i := range assigned {
		if v, ok := byID[assigned[i].TicketID]; ok {
			v.Topics = append(v.Topics, assigned[i].toDomain())
		}
	}
	return views, total, nil
}
