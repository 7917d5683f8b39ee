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

// RiskCardRepository implements out.RiskCardRepository. The partial unique
// index on (tenant_id, ticket_id) WHERE status <> 'completed' backs the
// one-open-card-per-ticket rule.
type RiskCardRepository struct {
	db *sqlx.DB
}

func NewRiskCardRepository(db *sqlx.DB) *RiskCardRepository {
	return &RiskCardRepository{db: db}
}

var _ out.RiskCardRepository = (*RiskCardRepository)(nil)

const cardColumns = `
	id, tenant_id, trigger_type, status, ticket_id, company_id, contact_id, owner_id,
	needs_review, created_at, updated_at, completed_at`

type cardRow struct {
	ID          uuid.UUID     `db:"id"`
	TenantID    uuid.UUID     `db:"tenant_id"`
	TriggerType string        `db:"trigger_type"`
	Status      string        `db:"status"`
	TicketID    uuid.NullUUID `db:"ticket_id"`
	CompanyID   uuid.NullUUID `db:"company_id"`
	ContactID   uuid.NullUUID `db:"contact_id"`
	OwnerID     uuid.NullUUID `db:"owner_id"`
	NeedsReview bool          `db:"needs_review"`
	CreatedAt   time.Time     `db:"created_at"`
	UpdatedAt   time.Time     `db:"updated_at"`
	CompletedAt sql.NullTime  `db:"completed_at"`
}

func (r *cardRow) toDomain() *domain.RiskCard {
	return &domain.RiskCard{
		ID:          r.ID,
		TenantID:    r.TenantID,
		TriggerType: domain.TriggerType(r.TriggerType),
		Status:      domain.RiskCardStatus(r.Status),
		TicketID:    uuidPtr(r.TicketID),
		CompanyID:   uuidPtr(r.CompanyID),
		ContactID:   uuidPtr(r.ContactID),
		OwnerID:     uuidPtr(r.OwnerID),
		NeedsReview: r.NeedsReview,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		CompletedAt: timePtr(r.CompletedAt),
	}
}

type commentRow struct {
	ID        uuid.UUID     `db:"id"`
	TenantID  uuid.UUID     `db:"tenant_id"`
	CardID    uuid.UUID     `db:"card_id"`
	AuthorID  uuid.NullUUID `db:"author_id"`
	Kind      string        `db:"kind"`
	Body      string        `db:"body"`
	CreatedAt time.Time     `db:"created_at"`
}

func (r *commentRow) toDomain() *domain.RiskCardComment {
	return &domain.RiskCardComment{
		ID:        r.ID,
		TenantID:  r.TenantID,
		CardID:    r.CardID,
		AuthorID:  uuidPtr(r.AuthorID),
		Kind:      domain.CommentKind(r.Kind),
		Body:      r.Body,
		CreatedAt: r.CreatedAt,
	}
}

func insertComment(ctx context.Context, ex sqlx.ExecerContext, c *domain.RiskCardComment) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO risk_card_comments (id, tenant_id, card_id, author_id, kind, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.TenantID, c.CardID, nullUUID(c.AuthorID), string(c.Kind), c.Body, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert card comment: %w", err)
	}
	return nil
}

// insertCardIfNoneOpen inserts card and its opening comment inside tx unless
// an open card already references the same ticket.
func insertCardIfNoneOpen(ctx context.Context, tx *sqlx.Tx, card *domain.RiskCard, comment *domain.RiskCardComment) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO risk_cards (
			id, tenant_id, trigger_type, status, ticket_id, company_id, contact_id, owner_id,
			needs_review, created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tenant_id, ticket_id) WHERE status <> 'completed' AND ticket_id IS NOT NULL DO NOTHING`,
		card.ID, card.TenantID, string(card.TriggerType), string(card.Status),
		nullUUID(card.TicketID), nullUUID(card.CompanyID), nullUUID(card.ContactID), nullUUID(card.OwnerID),
		card.NeedsReview, card.CreatedAt, card.UpdatedAt, nullTime(card.CompletedAt),
	)
	if err != nil {
		return false, fmt.Errorf("create risk card: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	if comment != nil {
		if err := insertComment(ctx, tx, comment); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (r *RiskCardRepository) Create(ctx context.Context, card *domain.RiskCard, comment *domain.RiskCardComment) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO risk_cards (
			id, tenant_id, trigger_type, status, ticket_id, company_id, contact_id, owner_id,
			needs_review, created_at, updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		card.ID, card.TenantID, string(card.TriggerType), string(card.Status),
		nullUUID(card.TicketID), nullUUID(card.CompanyID), nullUUID(card.ContactID), nullUUID(card.OwnerID),
		card.NeedsReview, card.CreatedAt, card.UpdatedAt, nullTime(card.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateTrigger
		}
		return fmt.Errorf("create risk card: %w", err)
	}

	if comment != nil {
		if err := insertComment(ctx, tx, comment); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *RiskCardRepository) FindOpenByTicket(ctx context.Context, tenantID, ticketID uuid.UUID) (*domain.RiskCard, error) {
	var row cardRow
	err := r.db.GetContext(ctx, &row, `
		SELECT `+cardColumns+` FROM risk_cards
		WHERE tenant_id = $1 AND ticket_id = $2 AND status <> 'completed'`,
		tenantID, ticketID,
	)
	if err != nil {
		return nil, wrapGet(err, "open risk card")
	}
	return row.toDomain(), nil
}

func (r *RiskCardRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*domain.RiskCard, error) {
	var row cardRow
	err := r.db.GetContext(ctx, &row, `SELECT `+cardColumns+` FROM risk_cards WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return nil, wrapGet(err, "risk card")
	}
	card := row.toDomain()

	var comments []commentRow
	err = r.db.SelectContext(ctx, &comments, `
		SELECT id, tenant_id, card_id, author_id, kind, body, created_at
		FROM risk_card_comments
		WHERE tenant_id = $1 AND card_id = $2
		ORDER BY created_at, seq`,
		tenantID, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list card comments: %w", err)
	}
	for i := range comments {
		card.Comments = append(card.Comments, comments[i].toDomain())
	}
	return card, nil
}

func (r *RiskCardRepository) List(ctx context.Context, tenantID uuid.UUID, filter *domain.RiskCardFilter) ([]*domain.RiskCard, int, error) {
	conditions := []string{"tenant_id = $1"}
	args := []any{tenantID}
	argIdx := 2

	if filter != nil {
		if filter.Status != nil {
			conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
			args = append(args, string(*filter.Status))
			argIdx++
		}
		if filter.OwnerID != nil {
			conditions = append(conditions, fmt.Sprintf("owner_id = $%d", argIdx))
			args = append(args, *filter.OwnerID)
			argIdx++
		}
	}
	where := strings.Join(conditions, " AND ")

	var total int
	if err := r.db.GetContext(ctx, &total, "SELECT COUNT(*) FROM risk_cards WHERE "+where, args...); err != nil {
		return nil, 0, fmt.Errorf("count risk cards: %w", err)
	}

	query := `SELECT ` + cardColumns + ` FROM risk_cards WHERE ` + where + ` ORDER BY created_at DESC, id`
	if filter != nil && filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	var rows []cardRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list risk cards: %w", err)
	}
	cards := make([]*domain.RiskCard, len(rows))
	for i := range rows {
		cards[i] = rows[i].toDomain()
	}
	return cards, total, nil
}

func (r *RiskCardRepository) Update(ctx context.Context, tenantID uuid.UUID, upd *domain.RiskCardUpdate) (*domain.RiskCard, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var row cardRow
	err = tx.GetContext(ctx, &row, `
		UPDATE risk_cards SET
			status = $4,
			owner_id = COALESCE($5, owner_id),
			completed_at = COALESCE(completed_at, $6),
			updated_at = $7
		WHERE tenant_id = $1 AND id = $2 AND status = $3
		RETURNING `+cardColumns,
		tenantID, upd.CardID, string(upd.ExpectStatus), string(upd.Status),
		nullUUID(upd.OwnerID), nullTime(upd.CompletedAt), upd.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM risk_cards WHERE tenant_id = $1 AND id = $2)`, tenantID, upd.CardID); err != nil {
				return nil, fmt.Errorf("check risk card: %w", err)
			}
			if !exists {
				return nil, domain.ErrNotFound
			}
			return nil, domain.ErrInvalidCardTransition
		}
		return nil, fmt.Errorf("update risk card: %w", err)
	}

	if upd.Comment != nil {
		if err := insertComment(ctx, tx, upd.Comment); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit risk card update: %w", err)
	}
	return row.toDomain(), nil
}

func (r *RiskCardRepository) AppendComment(ctx context.Context, comment *domain.RiskCardComment) error {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM risk_cards WHERE tenant_id = $1 AND id = $2)`, comment.TenantID, comment.CardID)
	if err != nil {
		return fmt.Errorf("check risk card: %w", err)
	}
	if !exists {
		return domain.ErrNotFound
	}
	return insertComment(ctx, r.db, comment)
}
