package tenant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"churn_server/core/domain"
	"churn_server/core/port/out"
	"churn_server/internal/testutil"
)

type fakeArchive struct {
	purged   []uuid.UUID
	purgeErr error
}

func (a *fakeArchive) Archive(context.Context, uuid.UUID, []out.RawTicket) error { return nil }

func (a *fakeArchive) Purge(_ context.Context, tenantID uuid.UUID) (int64, error) {
	if a.purgeErr != nil {
		return 0, a.purgeErr
	}
	a.purged = append(a.purged, tenantID)
	return 4, nil
}

type fakeCache struct{ dropped []uuid.UUID }

func (c *fakeCache) Invalidate(tenantID uuid.UUID) { c.dropped = append(c.dropped, tenantID) }

func seedTenant(t *testing.T, store *testutil.Store) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	tenantID := uuid.New()
	store.AddTenant(&domain.Tenant{ID: tenantID, Name: "Acme"})
	store.AddIntegration(&domain.Integration{ID: uuid.New(), TenantID: tenantID, Kind: domain.IntegrationHubSpot})

	topic := store.AddTopic(tenantID, "Billing")
	claim, err := store.TicketRepo().UpsertAndClaim(ctx, tenantID, &out.TicketUpsert{
		Ticket:  &domain.Ticket{ExternalID: "1", Subject: "s", Content: "c"},
		Company: &out.CompanyRef{ExternalID: "co-1", Name: "Customer"},
		Contact: &out.ContactRef{ExternalID: "ct-1", Email: "a@example.com"},
	}, time.Minute)
	require.NoError(t, err)

	store.AddAssignment(&domain.TopicAssignment{
		TenantID: tenantID, TicketID: claim.Ticket.ID, TopicID: topic.ID, AssignedBy: domain.AssignedByAI,
	})
	require.NoError(t, store.RuleRepo().Create(ctx, &domain.TrainingRule{
		ID: uuid.New(), TenantID: tenantID, TopicID: topic.ID, Body: "b",
		Source: domain.RuleSourceUser, Status: domain.RuleStatusActive,
	}))
	ticketID := claim.Ticket.ID
	card := &domain.RiskCard{ID: uuid.New(), TenantID: tenantID, TicketID: &ticketID, Status: domain.CardStatusNew}
	require.NoError(t, store.CardRepo().Create(ctx, card, &domain.RiskCardComment{
		ID: uuid.New(), TenantID: tenantID, CardID: card.ID, Kind: domain.CommentSystem, Body: "opened",
	}))
	return tenantID
}

func TestTeardownDeletesEverythingOwned(t *testing.T) {
	ctx := context.Background()
	store := testutil.NewStore()
	tenantID := seedTenant(t, store)
	otherID := seedTenant(t, store)
	archive := &fakeArchive{}
	cache := &fakeCache{}
	svc := NewService(store.TenantRepo(), archive, cache)

	report, err := svc.Teardown(ctx, tenantID)
	require.NoError(t, err)

	assert.Equal(t, map[string]int64{
		"risk_card_comments": 1,
		"risk_cards":         1,
		"topic_assignments":  1,
		"training_rules":     1,
		"tickets":            1,
		"topics":             1,
		"contacts":           1,
		"companies":          1,
		"integrations":       1,
		"tenants":            1,
		"raw_tickets":        4,
	}, report.Deleted)
	assert.Equal(t, []uuid.UUID{tenantID}, archive.purged)
	assert.Equal(t, []uuid.UUID{tenantID}, cache.dropped)

	assert.Empty(t, store.Tickets(tenantID))
	assert.Empty(t, store.Cards(tenantID))
	assert.Len(t, store.Tickets(otherID), 1, "other tenants are untouched")
	assert.Len(t, store.Cards(otherID), 1)

	_, err = svc.Get(ctx, tenantID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTeardownUnknownTenant(t *testing.T) {
	svc := NewService(testutil.NewStore().TenantRepo(), nil)
	_, err := svc.Teardown(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTeardownArchiveFailureIsReported(t *testing.T) {
	store := testutil.NewStore()
	tenantID := seedTenant(t, store)
	svc := NewService(store.TenantRepo(), &fakeArchive{purgeErr: errors.New("mongo down")})

	report, err := svc.Teardown(context.Background(), tenantID)
	require.NoError(t, err)
	_, ok := report.Deleted["raw_tickets"]
	assert.False(t, ok)
	assert.Empty(t, store.Tickets(tenantID))
}
