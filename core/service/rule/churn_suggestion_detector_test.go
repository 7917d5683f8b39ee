package rule

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"churn_server/core/domain"
	"churn_server/internal/testutil"
)

type correctionFixture struct {
	store    *testutil.Store
	tenantID uuid.UUID
	billing  *domain.Topic
	refunds  *domain.Topic
	now      time.Time
}

func newCorrectionFixture(t *testing.T) *correctionFixture {
	t.Helper()
	store := testutil.NewStore()
	tenantID := uuid.New()
	return &correctionFixture{
		store:    store,
		tenantID: tenantID,
		billing:  store.AddTopic(tenantID, "Billing"),
		refunds:  store.AddTopic(tenantID, "Refunds"),
		now:      time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

// reclassify seeds a ticket the model put under from and a user moved to to.
func (f *correctionFixture) reclassify(t *testing.T, content string, from, to *domain.Topic, at time.Time) uuid.UUID {
	t.Helper()
	ticket := f.store.AddTicket(&domain.Ticket{
		TenantID: f.tenantID, ExternalID: uuid.NewString(), Subject: "Charge", Content: content,
	})
	conf := 0.8
	f.store.AddAssignment(&domain.TopicAssignment{
		TenantID: f.tenantID, TicketID: ticket.ID, TopicID: from.ID,
		Confidence: &conf, AssignedBy: domain.AssignedByAI, AssignedAt: at.Add(-time.Hour),
	})
	_, err := f.store.TopicRepo().AssignByUser(context.Background(), f.tenantID, ticket.ID, []uuid.UUID{to.ID}, at)
	require.NoError(t, err)
	return ticket.ID
}

func (f *correctionFixture) service() *Service {
	svc := NewService(f.store.TopicRepo(), f.store.RuleRepo(), DetectorConfig{Window: 30 * 24 * time.Hour, Threshold: 3}, nil)
	svc.now = func() time.Time { return f.now }
	return svc
}

func TestDetectSuggestionsEmitsPendingRule(t *testing.T) {
	ctx := context.Background()
	f := newCorrectionFixture(t)
	f.reclassify(t, "I want a refund for the duplicate charge", f.billing, f.refunds, f.now.Add(-48*time.Hour))
	f.reclassify(t, "Please refund the charge, it was a mistake", f.billing, f.refunds, f.now.Add(-24*time.Hour))
	f.reclassify(t, "Refund my money, duplicate charge again", f.billing, f.refunds, f.now.Add(-time.Hour))

	svc := f.service()
	created, err := svc.DetectSuggestions(ctx, f.tenantID)
	require.NoError(t, err)
	require.Len(t, created, 1)

	rule := created[0]
	assert.Equal(t, domain.RuleSourceAI, rule.Source)
	assert.Equal(t, domain.RuleStatusPendingReview, rule.Status)
	assert.Equal(t, f.refunds.ID, rule.TopicID)
	assert.Equal(t, 3, rule.EvidenceCount)
	assert.Equal(t, PatternKey(f.billing.ID, f.refunds.ID), rule.PatternKey)
	assert.Contains(t, rule.Body, `"Refunds"`)
	assert.Contains(t, rule.Body, `"Billing"`)
	assert.Contains(t, rule.Body, `"charge"`)
	assert.Contains(t, rule.Body, `"refund"`)

	pc, err := svc.PromptContext(ctx, f.tenantID)
	require.NoError(t, err)
	assert.Empty(t, pc.Rules, "suggestions are not active until promoted")

	// second scan does not duplicate
	again, err := svc.DetectSuggestions(ctx, f.tenantID)
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Len(t, f.store.Rules(f.tenantID), 1)
}

func TestDetectSuggestionsBelowThreshold(t *testing.T) {
	f := newCorrectionFixture(t)
	f.reclassify(t, "refund please", f.billing, f.refunds, f.now.Add(-time.Hour))
	f.reclassify(t, "refund again", f.billing, f.refunds, f.now.Add(-time.Hour))

	created, err := f.service().DetectSuggestions(context.Background(), f.tenantID)
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestDetectSuggestionsIgnoresOldCorrections(t *testing.T) {
	f := newCorrectionFixture(t)
	f.reclassify(t, "refund", f.billing, f.refunds, f.now.Add(-40*24*time.Hour))
	f.reclassify(t, "refund", f.billing, f.refunds, f.now.Add(-time.Hour))
	f.reclassify(t, "refund", f.billing, f.refunds, f.now.Add(-time.Hour))

	created, err := f.service().DetectSuggestions(context.Background(), f.tenantID)
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestDetectSuggestionsCountsTicketsNotRows(t *testing.T) {
	ctx := context.Background()
	f := newCorrectionFixture(t)
	id := f.reclassify(t, "refund", f.billing, f.refunds, f.now.Add(-2*time.Hour))
	// same user decision repeated on the same ticket
	_, err := f.store.TopicRepo().AssignByUser(ctx, f.tenantID, id, []uuid.UUID{f.refunds.ID}, f.now.Add(-time.Hour))
	require.NoError(t, err)
	f.reclassify(t, "refund", f.billing, f.refunds, f.now.Add(-time.Hour))

	created, err := f.service().DetectSuggestions(ctx, f.tenantID)
	require.NoError(t, err)
	assert.Empty(t, created)
}

func TestDetectSuggestionsPairsEveryDroppedAITopic(t *testing.T) {
	ctx := context.Background()
	f := newCorrectionFixture(t)
	shipping := f.store.AddTopic(f.tenantID, "Shipping")
	for i := 0; i < 3; i++ {
		at := f.now.Add(-time.Duration(i+1) * time.Hour)
		id := f.reclassify(t, "refund the parcel charge", f.billing, f.refunds, at)
		// the same AI run also proposed Shipping
		f.store.AddAssignment(&domain.TopicAssignment{
			TenantID: f.tenantID, TicketID: id, TopicID: shipping.ID,
			AssignedBy: domain.AssignedByAI, AssignedAt: at.Add(-time.Hour), SupersededAt: &at,
		})
	}

	created, err := f.service().DetectSuggestions(ctx, f.tenantID)
	require.NoError(t, err)
	keys := make([]string, 0, len(created))
	for _, r := range created {
		keys = append(keys, r.PatternKey)
	}
	assert.ElementsMatch(t, []string{
		PatternKey(f.billing.ID, f.refunds.ID),
		PatternKey(shipping.ID, f.refunds.ID),
	}, keys)
}

func TestDetectSuggestionsAfterRejection(t *testing.T) {
	ctx := context.Background()
	f := newCorrectionFixture(t)
	for i := 0; i < 3; i++ {
		f.reclassify(t, "refund", f.billing, f.refunds, f.now.Add(-time.Hour))
	}
	svc := f.service()

	created, err := svc.DetectSuggestions(ctx, f.tenantID)
	require.NoError(t, err)
	require.Len(t, created, 1)
	_, err = svc.RejectRule(ctx, f.tenantID, created[0].ID)
	require.NoError(t, err)

	created, err = svc.DetectSuggestions(ctx, f.tenantID)
	require.NoError(t, err)
	assert.Empty(t, created, "a rejected pattern needs fresh evidence")

	for i := 0; i < 3; i++ {
		f.reclassify(t, "refund", f.billing, f.refunds, f.now.Add(-time.Minute))
	}
	created, err = svc.DetectSuggestions(ctx, f.tenantID)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, 6, created[0].EvidenceCount)
}

func TestCommonTerms(t *testing.T) {
	texts := []string{
		"Refund the duplicate charge please",
		"Duplicate charge on my card",
		"Where is my refund? Charge happened twice",
	}
	assert.Equal(t, []string{"charge", "duplicate", "refund"}, commonTerms(texts, 3))
	assert.Equal(t, []string{"duplicate", "refund"}, commonTerms(texts, 3, "Charge"))
	assert.Empty(t, commonTerms([]string{"alpha", "beta"}, 3))
}

func TestJoinTerms(t *testing.T) {
	assert.Equal(t, `"a"`, joinTerms([]string{"a"}))
	assert.Equal(t, `"a" or "b"`, joinTerms([]string{"a", "b"}))
	assert.Equal(t, `"a", "b" or "c"`, joinTerms([]string{"a", "b", "c"}))
}
