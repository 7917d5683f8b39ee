package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"churn_server/core/domain"
	"churn_server/core/port/out"
	"churn_server/pkg/crypto"
	"churn_server/pkg/logger"
)

// TenantRepository implements out.TenantRepository. Integration tokens are
// sealed with the configured cipher before they reach the database.
type TenantRepository struct {
	db     *sqlx.DB
	cipher *crypto.TokenCipher
}

// NewTenantRepository creates a tenant repository. A nil cipher stores tokens in plaintext.
func NewTenantRepository(db *sqlx.DB, cipher *crypto.TokenCipher) *TenantRepository {
	if cipher == nil {
		logger.Warn("[TenantRepository] no encryption key configured, integration tokens are stored in plaintext")
	}
	return &TenantRepository{db: db, cipher: cipher}
}

var _ out.TenantRepository = (*TenantRepository)(nil)

type tenantRow struct {
	ID        uuid.UUID `db:"id"`
	Name      string    `db:"name"`
	Subdomain string    `db:"subdomain"`
	PlanTier  string    `db:"plan_tier"`
	CreatedAt time.Time `db:"created_at"`
}

type integrationRow struct {
	ID           uuid.UUID `db:"id"`
	TenantID     uuid.UUID `db:"tenant_id"`
	Kind         string    `db:"kind"`
	AccountID    string    `db:"account_id"`
	AccessToken  string    `db:"access_token"`
	RefreshToken string    `db:"refresh_token"`
	ExpiresAt    time.Time `db:"expires_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

func (r *TenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.Tenant, error) {
	var row tenantRow
	err := r.db.GetContext(ctx, &row, `SELECT id, name, subdomain, plan_tier, created_at FROM tenants WHERE id = $1`, id)
	if err != nil {
		return nil, wrapGet(err, "tenant")
	}
	return &domain.Tenant{
		ID:        row.ID,
		Name:      row.Name,
		Subdomain: row.Subdomain,
		PlanTier:  domain.PlanTier(row.PlanTier),
		CreatedAt: row.CreatedAt,
	}, nil
}

func (r *TenantRepository) GetIntegration(ctx context.Context, tenantID uuid.UUID, kind domain.IntegrationKind) (*domain.Integration, error) {
	var row integrationRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, tenant_id, kind, account_id, access_token, refresh_token, expires_at, updated_at
		FROM integrations
		WHERE tenant_id = $1 AND kind = $2`,
		tenantID, string(kind),
	)
	if err != nil {
		if err = wrapGet(err, "integration"); err == domain.ErrNotFound {
			return nil, domain.ErrIntegrationNotFound
		}
		return nil, err
	}

	access, err := r.cipher.Open(row.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	refresh, err := r.cipher.Open(row.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}

	return &domain.Integration{
		ID:           row.ID,
		TenantID:     row.TenantID,
		Kind:         domain.IntegrationKind(row.Kind),
		AccountID:    row.AccountID,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    row.ExpiresAt,
		UpdatedAt:    row.UpdatedAt,
	}, nil
}

func (r *TenantRepository) SaveIntegrationToken(ctx context.Context, in *domain.Integration) error {
	access, err := r.cipher.Seal(in.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	refresh, err := r.cipher.Seal(in.RefreshToken)
	if err != nil {
		return fmt.Errorf("encrypt refresh token: %w", err)
	}

	id := in.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	updatedAt := in.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO integrations (id, tenant_id, kind, account_id, access_token, refresh_token, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, kind) DO UPDATE SET
			account_id = COALESCE(NULLIF(EXCLUDED.account_id, ''), integrations.account_id),
			access_token = EXCLUDED.access_token,
			refresh_token = COALESCE(NULLIF(EXCLUDED.refresh_token, ''), integrations.refresh_token),
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at`,
		id, in.TenantID, string(in.Kind), in.AccountID, access, refresh, in.ExpiresAt, updatedAt,
	)
	if err != nil {
		return fmt.Errorf("save integration token: %w", err)
	}
	return nil
}

func (r *TenantRepository) ListWithIntegration(ctx context.Context, kind domain.IntegrationKind) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.SelectContext(ctx, &ids, `
		SELECT t.id FROM tenants t
		JOIN integrations i ON i.tenant_id = t.id
		WHERE i.kind = $1 AND (i.access_token <> '' OR i.refresh_token <> '')
		ORDER BY t.created_at, t.id`,
		string(kind),
	)
	if err != nil {
		return nil, fmt.Errorf("list tenants with integration: %w", err)
	}
	return ids, nil
}

// teardownOrder lists tenant-owned tables children first.
var teardownOrder = []string{
	"risk_card_comments",
	"risk_cards",
	"topic_assignments",
	"training_rules",
	"tickets",
	"topics",
	"contacts",
	"companies",
	"integrations",
}

func (r *TenantRepository) Teardown(ctx context.Context, tenantID uuid.UUID) (*domain.TeardownReport, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var locked uuid.UUID
	if err := tx.GetContext(ctx, &locked, `SELECT id FROM tenants WHERE id = $1 FOR UPDATE`, tenantID); err != nil {
		return nil, wrapGet(err, "tenant")
	}

	report := &domain.TeardownReport{TenantID: tenantID, Deleted: make(map[string]int64, len(teardownOrder)+1)}
	for _, table := range append(teardownOrder, "tenants") {
		column := "tenant_id"
		if table == "tenants" {
			column = "id"
		}
		res, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, table, column), tenantID)
		if err != nil {
			return nil, fmt.Errorf("delete %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		report.Deleted[table] = n
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit teardown: %w", err)
	}
	return report, nil
}
