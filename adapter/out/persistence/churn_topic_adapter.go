package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"churn_server/core/domain"
	"churn_server/core/port/out"
)

// TopicRepository implements out.TopicRepository.
type TopicRepository struct {
	db *sqlx.DB
}

func NewTopicRepository(db *sqlx.DB) *TopicRepository {
	return &TopicRepository{db: db}
}

var _ out.TopicRepository = (*TopicRepository)(nil)

const topicColumns = `id, tenant_id, name, description, training_prompt, is_active, created_at`

type topicRow struct {
	ID             uuid.UUID `db:"id"`
	TenantID       uuid.UUID `db:"tenant_id"`
	Name           string    `db:"name"`
	Description    string    `db:"description"`
	TrainingPrompt string    `db:"training_prompt"`
	IsActive       bool      `db:"is_active"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r *topicRow) toDomain() *domain.Topic {
	return &domain.Topic{
		ID:             r.ID,
		TenantID:       r.TenantID,
		Name:           r.Name,
		Description:    r.Description,
		TrainingPrompt: r.TrainingPrompt,
		IsActive:       r.IsActive,
		CreatedAt:      r.CreatedAt,
	}
}

const assignmentColumns = `
	a.id, a.tenant_id, a.ticket_id, a.topic_id, tp.name AS topic_name, a.confidence,
	a.assigned_by, a.needs_review, a.assigned_at, a.superseded_at`

type assignmentRow struct {
	ID           uuid.UUID       `db:"id"`
	TenantID     uuid.UUID       `db:"tenant_id"`
	TicketID     uuid.UUID       `db:"ticket_id"`
	TopicID      uuid.UUID       `db:"topic_id"`
	TopicName    string          `db:"topic_name"`
	Confidence   sql.NullFloat64 `db:"confidence"`
	AssignedBy   string          `db:"assigned_by"`
	NeedsReview  bool            `db:"needs_review"`
	AssignedAt   time.Time       `db:"assigned_at"`
	SupersededAt sql.NullTime    `db:"superseded_at"`
}

func (r *assignmentRow) toDomain() *domain.TopicAssignment {
	return &domain.TopicAssignment{
		ID:           r.ID,
		TenantID:     r.TenantID,
		TicketID:     r.TicketID,
		TopicID:      r.TopicID,
		TopicName:    r.TopicName,
		Confidence:   floatPtr(r.Confidence),
		AssignedBy:   domain.AssignedBy(r.AssignedBy),
		NeedsReview:  r.NeedsReview,
		AssignedAt:   r.AssignedAt,
		SupersededAt: timePtr(r.SupersededAt),
	}
}

// =============================================================================
// Topics
// =============================================================================

func (r *TopicRepository) Create(ctx context.Context, topic *domain.Topic) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO topics (id, tenant_id, name, description, training_prompt, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		topic.ID, topic.TenantID, topic.Name, topic.Description, topic.TrainingPrompt, topic.IsActive, topic.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("create topic: %w", err)
	}
	return nil
}

func (r *TopicRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*domain.Topic, error) {
	var row topicRow
	err := r.db.GetContext(ctx, &row, `SELECT `+topicColumns+` FROM topics WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return nil, wrapGet(err, "topic")
	}
	return row.toDomain(), nil
}

func (r *TopicRepository) List(ctx context.Context, tenantID uuid.UUID, activeOnly bool) ([]*domain.Topic, error) {
	query := `SELECT ` + topicColumns + ` FROM topics WHERE tenant_id = $1`
	if activeOnly {
		query += ` AND is_active`
	}
	query += ` ORDER BY created_at, id`

	var rows []topicRow
	if err := r.db.SelectContext(ctx, &rows, query, tenantID); err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	topics := make([]*domain.Topic, len(rows))
	for i := range rows {
		topics[i] = rows[i].toDomain()
	}
	return topics, nil
}

func (r *TopicRepository) Deactivate(ctx context.Context, tenantID, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `UPDATE topics SET is_active = FALSE WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("deactivate topic: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *TopicRepository) EnsureByName(ctx context.Context, tenantID uuid.UUID, names []string) ([]*domain.Topic, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	topics := make([]*domain.Topic, 0, len(names))
	for _, name := range names {
		var row topicRow
		err := tx.GetContext(ctx, &row, `
			INSERT INTO topics (id, tenant_id, name, is_active, created_at)
			VALUES ($1, $2, $3, TRUE, $4)
			ON CONFLICT (tenant_id, lower(name)) DO UPDATE SET is_active = TRUE
			RETURNING `+topicColumns,
			uuid.New(), tenantID, name, now,
		)
		if err != nil {
			return nil, fmt.Errorf("ensure topic %q: %w", name, err)
		}
		topics = append(topics, row.toDomain())
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit topics: %w", err)
	}
	return topics, nil
}

// =============================================================================
// Assignments
// =============================================================================

func (r *TopicRepository) AssignByUser(ctx context.Context, tenantID, ticketID uuid.UUID, topicIDs []uuid.UUID, at time.Time) ([]*domain.TopicAssignment, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Lock the ticket so concurrent reclassifications apply one after another.
	var locked uuid.UUID
	err = tx.GetContext(ctx, &locked, `SELECT id FROM tickets WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, ticketID)
	if err != nil {
		return nil, wrapGet(err, "ticket")
	}

	var found int
	err = tx.GetContext(ctx, &found, `SELECT COUNT(*) FROM topics WHERE tenant_id = $1 AND id = ANY($2::uuid[])`, tenantID, uuidArray(topicIDs))
	if err != nil {
		return nil, fmt.Errorf("check topics: %w", err)
	}
	if found != len(topicIDs) {
		return nil, domain.ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE topic_assignments SET superseded_at = $3
		WHERE tenant_id = $1 AND ticket_id = $2 AND superseded_at IS NULL`,
		tenantID, ticketID, at,
	)
	if err != nil {
		return nil, fmt.Errorf("supersede assignments: %w", err)
	}

	for _, topicID := range topicIDs {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO topic_assignments (id, tenant_id, ticket_id, topic_id, confidence, assigned_by, needs_review, assigned_at)
			VALUES ($1, $2, $3, $4, NULL, 'user', FALSE, $5)
			ON CONFLICT (ticket_id, topic_id) WHERE superseded_at IS NULL DO NOTHING`,
			uuid.New(), tenantID, ticketID, topicID, at,
		)
		if err != nil {
			return nil, fmt.Errorf("assign topic: %w", err)
		}
	}

	var rows []assignmentRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT `+assignmentColumns+`
		FROM topic_assignments a
		JOIN topics tp ON tp.id = a.topic_id
		WHERE a.tenant_id = $1 AND a.ticket_id = $2 AND a.superseded_at IS NULL
		ORDER BY tp.created_at, tp.id`,
		tenantID, ticketID,
	)
	if err != nil {
		return nil, fmt.Errorf("reload assignments: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit assignments: %w", err)
	}

	res := make([]*domain.TopicAssignment, len(rows))
	for i := range rows {
		res[i] = rows[i].toDomain()
	}
	return res, nil
}

type correctionRow struct {
	TicketID      uuid.UUID `db:"ticket_id"`
	FromTopicID   uuid.UUID `db:"from_topic_id"`
	FromTopicName string    `db:"from_topic_name"`
	ToTopicID     uuid.UUID `db:"to_topic_id"`
	ToTopicName   string    `db:"to_topic_name"`
	Subject       string    `db:"subject"`
	Content       string    `db:"content"`
	CorrectedAt   time.Time `db:"corrected_at"`
}

// ListCorrections pairs every topic of the latest AI run the user dropped
// with every topic the user added. An AI run is the set of AI rows sharing
// the newest assigned_at; superseded rows stay so the run survives edits.
func (r *TopicRepository) ListCorrections(ctx context.Context, tenantID uuid.UUID, since time.Time) ([]*domain.Correction, error) {
	var rows []correctionRow
	err := r.db.SelectContext(ctx, &rows, `
		WITH corrected AS (
			SELECT DISTINCT u.ticket_id
			FROM topic_assignments u
			WHERE u.tenant_id = $1
			  AND u.assigned_by = 'user'
			  AND u.superseded_at IS NULL
			  AND u.assigned_at >= $2
		),
		ai_run AS (
			SELECT a.ticket_id, a.topic_id
			FROM topic_assignments a
			JOIN corrected c ON c.ticket_id = a.ticket_id
			WHERE a.assigned_by = 'ai'
			  AND a.assigned_at = (
				SELECT MAX(m.assigned_at) FROM topic_assignments m
				WHERE m.ticket_id = a.ticket_id AND m.assigned_by = 'ai')
		),
		user_set AS (
			SELECT u.ticket_id, u.topic_id, u.assigned_at
			FROM topic_assignments u
			JOIN corrected c ON c.ticket_id = u.ticket_id
			WHERE u.assigned_by = 'user' AND u.superseded_at IS NULL
		)
		SELECT us.ticket_id,
		       ai.topic_id AS from_topic_id, ft.name AS from_topic_name,
		       us.topic_id AS to_topic_id, tt.name AS to_topic_name,
		       t.subject, t.content, us.assigned_at AS corrected_at
		FROM user_set us
		JOIN ai_run ai ON ai.ticket_id = us.ticket_id
		JOIN tickets t ON t.id = us.ticket_id
		JOIN topics ft ON ft.id = ai.topic_id
		JOIN topics tt ON tt.id = us.topic_id
		WHERE NOT EXISTS (
			SELECT 1 FROM user_set k WHERE k.ticket_id = ai.ticket_id AND k.topic_id = ai.topic_id)
		  AND NOT EXISTS (
			SELECT 1 FROM ai_run r WHERE r.ticket_id = us.ticket_id AND r.topic_id = us.topic_id)
		ORDER BY us.assigned_at, ft.name, tt.name`,
		tenantID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("list corrections: %w", err)
	}

	res := make([]*domain.Correction, len(rows))
	for i, row := range rows {
		res[i] = &domain.Correction{
			TicketID:      row.TicketID,
			FromTopicID:   row.FromTopicID,
			FromTopicName: row.FromTopicName,
			ToTopicID:     row.ToTopicID,
			ToTopicName:   row.ToTopicName,
			Subject:       row.Subject,
			Content:       row.Content,
			CorrectedAt:   row.CorrectedAt,
		}
	}
	return res, nil
}

// =============================================================================
// Training rules
// =============================================================================

// RuleRepository implements out.RuleRepository.
type RuleRepository struct {
	db *sqlx.DB
}

func NewRuleRepository(db *sqlx.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

var _ out.RuleRepository = (*RuleRepository)(nil)

const ruleColumns = `
	r.id, r.tenant_id, r.topic_id, tp.name AS topic_name, r.body, r.source, r.status,
	r.evidence_count, r.pattern_key, r.created_at, r.reviewed_at`

type ruleRow struct {
	ID            uuid.UUID    `db:"id"`
	TenantID      uuid.UUID    `db:"tenant_id"`
	TopicID       uuid.UUID    `db:"topic_id"`
	TopicName     string       `db:"topic_name"`
	Body          string       `db:"body"`
	Source        string       `db:"source"`
	Status        string       `db:"status"`
	EvidenceCount int          `db:"evidence_count"`
	PatternKey    string       `db:"pattern_key"`
	CreatedAt     time.Time    `db:"created_at"`
	ReviewedAt    sql.NullTime `db:"reviewed_at"`
}

func (r *ruleRow) toDomain() *domain.TrainingRule {
	return &domain.TrainingRule{
		ID:            r.ID,
		TenantID:      r.TenantID,
		TopicID:       r.TopicID,
		TopicName:     r.TopicName,
		Body:          r.Body,
		Source:        domain.RuleSource(r.Source),
		Status:        domain.RuleStatus(r.Status),
		EvidenceCount: r.EvidenceCount,
		PatternKey:    r.PatternKey,
		CreatedAt:     r.CreatedAt,
		ReviewedAt:    timePtr(r.ReviewedAt),
	}
}

func (r *RuleRepository) selectRules(ctx context.Context, where string, args ...any) ([]*domain.TrainingRule, error) {
	var rows []ruleRow
	query := `SELECT ` + ruleColumns + ` FROM training_rules r JOIN topics tp ON tp.id = r.topic_id WHERE ` + where
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	rules := make([]*domain.TrainingRule, len(rows))
	for i := range rows {
		rules[i] = rows[i].toDomain()
	}
	return rules, nil
}

func (r *RuleRepository) Create(ctx context.Context, rule *domain.TrainingRule) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO training_rules (id, tenant_id, topic_id, body, source, status, evidence_count, pattern_key, created_at, reviewed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rule.ID, rule.TenantID, rule.TopicID, rule.Body, string(rule.Source), string(rule.Status),
		rule.EvidenceCount, rule.PatternKey, rule.CreatedAt, nullTime(rule.ReviewedAt),
	)
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}
	return nil
}

func (r *RuleRepository) GetByID(ctx context.Context, tenantID, id uuid.UUID) (*domain.TrainingRule, error) {
	rules, err := r.selectRules(ctx, `r.tenant_id = $1 AND r.id = $2`, tenantID, id)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, domain.ErrNotFound
	}
	return rules[0], nil
}

func (r *RuleRepository) List(ctx context.Context, tenantID uuid.UUID, status *domain.RuleStatus) ([]*domain.TrainingRule, error) {
	if status != nil {
		return r.selectRules(ctx, `r.tenant_id = $1 AND r.status = $2 ORDER BY r.created_at, r.id`, tenantID, string(*status))
	}
	return r.selectRules(ctx, `r.tenant_id = $1 ORDER BY r.created_at, r.id`, tenantID)
}

func (r *RuleRepository) ListActive(ctx context.Context, tenantID uuid.UUID) ([]*domain.TrainingRule, error) {
	return r.selectRules(ctx, `r.tenant_id = $1 AND r.status = 'active' AND tp.is_active ORDER BY r.created_at, r.id`, tenantID)
}

func (r *RuleRepository) Review(ctx context.Context, tenantID, id uuid.UUID, from, to domain.RuleStatus, at time.Time) (*domain.TrainingRule, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE training_rules SET status = $4, reviewed_at = $5
		WHERE tenant_id = $1 AND id = $2 AND status = $3`,
		tenantID, id, string(from), string(to), at,
	)
	if err != nil {
		return nil, fmt.Errorf("review rule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetByID(ctx, tenantID, id); err != nil {
			return nil, err
		}
		return nil, domain.ErrInvalidRuleTransition
	}
	return r.GetByID(ctx, tenantID, id)
}

func (r *RuleRepository) LatestSuggestion(ctx context.Context, tenantID uuid.UUID, patternKey string) (*domain.TrainingRule, error) {
	rules, err := r.selectRules(ctx, `
		r.tenant_id = $1 AND r.source = 'ai_suggested' AND r.pattern_key = $2
		ORDER BY r.created_at DESC, r.id DESC LIMIT 1`,
		tenantID, patternKey,
	)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, domain.ErrNotFound
	}
	return rules[0], nil
}
