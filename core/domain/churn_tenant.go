package domain

import (
	"time"

	"github.com/google/uuid"
)

// PlanTier is the subscription tier of a tenant.
type PlanTier string

const (
	PlanStarter    PlanTier = "starter"
	PlanGrowth     PlanTier = "growth"
	PlanEnterprise PlanTier = "enterprise"
)

// Tenant is the isolation boundary. Every other entity carries its id.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Subdomain string    `json:"subdomain"`
	PlanTier  PlanTier  `json:"plan_tier"`
	CreatedAt time.Time `json:"created_at"`
}

// Company is a customer account resolved from ticket associations.
type Company struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	ExternalID string    `json:"external_id"`
	Name       string    `json:"name"`
	MRR        *float64  `json:"mrr,omitempty"`
}

// Contact is the person who raised a ticket.
type Contact struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	CompanyID  *uuid.UUID `json:"company_id,omitempty"`
	ExternalID string     `json:"external_id"`
	Email      string     `json:"email"`
	Name       string     `json:"name"`
}

// IntegrationKind names an external ticket source.
type IntegrationKind string

const IntegrationHubSpot IntegrationKind = "hubspot"

// Integration holds the stored OAuth credentials for a tenant's ticket source.
// How the first token pair is obtained is outside this service.
type Integration struct {
	ID           uuid.UUID       `json:"id"`
	TenantID     uuid.UUID       `json:"tenant_id"`
	Kind         IntegrationKind `json:"kind"`
	AccountID    string          `json:"account_id"`
	AccessToken  string          `json:"-"`
	RefreshToken string          `json:"-"`
	ExpiresAt    time.Time       `json:"expires_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// TeardownReport counts rows removed per entity set during tenant deletion.
type TeardownReport struct {
	TenantID uuid.UUID        `json:"tenant_id"`
	Deleted  map[string]int64 `json:"deleted"`
}
