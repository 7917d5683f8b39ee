package ticket

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"churn_server/core/domain"
	"churn_server/core/port/out"
	"churn_server/internal/testutil"
)

// stubAnalyzer swaps a fixed sentiment in for whatever ticket it is given.
type stubAnalyzer struct {
	repo      out.TicketRepository
	sentiment domain.Sentiment
	topicID   *uuid.UUID
	err       error
	seen      []*domain.Ticket
}

func (a *stubAnalyzer) ReanalyzeTicket(ctx context.Context, t *domain.Ticket) (*domain.Ticket, error) {
	a.seen = append(a.seen, t)
	if a.err != nil {
		return nil, a.err
	}
	now := time.Now()
	save := &out.AnalysisSave{
		TicketID:   t.ID,
		Sentiment:  a.sentiment,
		Confidence: 0.9,
		AnalyzedAt: now,
		Expected:   t.SentimentAnalyzedAt,
	}
	if a.topicID != nil {
		c := 0.9
		save.Assignments = []*domain.TopicAssignment{{
			TopicID: *a.topicID, Confidence: &c, AssignedBy: domain.AssignedByAI, AssignedAt: now,
		}}
	}
	res, err := a.repo.SaveAnalysis(ctx, t.TenantID, save)
	if err != nil {
		return nil, err
	}
	if !res.Saved {
		return nil, domain.ErrAnalysisConflict
	}
	return a.repo.GetByID(ctx, t.TenantID, t.ID)
}

type fixture struct {
	tenantID uuid.UUID
	store    *testutil.Store
	analyzer *stubAnalyzer
	svc      *Service
}

func newFixture() *fixture {
	store := testutil.NewStore()
	f := &fixture{
		tenantID: uuid.New(),
		store:    store,
		analyzer: &stubAnalyzer{repo: store.TicketRepo(), sentiment: domain.SentimentNeutral},
	}
	f.svc = NewService(store.TicketRepo(), store.TopicRepo(), f.analyzer)
	return f
}

func current(assignments []*domain.TopicAssignment) []*domain.TopicAssignment {
	var res []*domain.TopicAssignment
	for _, a := range assignments {
		if a.SupersededAt == nil {
			res = append(res, a)
		}
	}
	return res
}

func (f *fixture) analyzedTicket(externalID string, sentiment domain.Sentiment, created time.Time) *domain.Ticket {
	confidence := 0.9
	return f.store.AddTicket(&domain.Ticket{
		TenantID:            f.tenantID,
		ExternalID:          externalID,
		Subject:             "Subject " + externalID,
		Content:             "Body " + externalID,
		SentimentScore:      &sentiment,
		SentimentConfidence: &confidence,
		SentimentAnalyzedAt: &created,
		SourceCreatedAt:     &created,
		CreatedAt:           created,
	})
}

func TestListNewestFirstWithFilter(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	base := time.Now().Add(-48 * time.Hour)
	f.analyzedTicket("1", domain.SentimentNegative, base)
	f.analyzedTicket("2", domain.SentimentPositive, base.Add(time.Hour))
	f.analyzedTicket("3", domain.SentimentNegative, base.Add(2*time.Hour))

	views, total, err := f.svc.List(ctx, f.tenantID, domain.TicketFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, views, 3)
	assert.Equal(t, []string{"3", "2", "1"}, []string{views[0].ExternalID, views[1].ExternalID, views[2].ExternalID})

	negative := domain.SentimentNegative
	views, total, err = f.svc.List(ctx, f.tenantID, domain.TicketFilter{Sentiment: &negative, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, views, 1)
	assert.Equal(t, "3", views[0].ExternalID)

	bogus := domain.Sentiment("angry")
	_, _, err = f.svc.List(ctx, f.tenantID, domain.TicketFilter{Sentiment: &bogus})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	views, _, err = f.svc.List(ctx, uuid.New(), domain.TicketFilter{})
	require.NoError(t, err)
	assert.Empty(t, views, "other tenants see nothing")
}

func TestReclassifySupersedesAIAssignment(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	billing := f.store.AddTopic(f.tenantID, "Billing")
	refunds := f.store.AddTopic(f.tenantID, "Refunds")
	ticket := f.analyzedTicket("1", domain.SentimentNeutral, time.Now())
	f.store.AddAssignment(&domain.TopicAssignment{
		TenantID: f.tenantID, TicketID: ticket.ID, TopicID: billing.ID,
		AssignedBy: domain.AssignedByAI, AssignedAt: time.Now().Add(-time.Hour),
	})

	got, err := f.svc.Reclassify(ctx, f.tenantID, ticket.ID, []uuid.UUID{refunds.ID, refunds.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.AssignedByUser, got[0].AssignedBy)
	assert.Equal(t, "Refunds", got[0].TopicName)

	views, _, err := f.svc.List(ctx, f.tenantID, domain.TicketFilter{})
	require.NoError(t, err)
	require.Len(t, views[0].Topics, 1)
	assert.Equal(t, refunds.ID, views[0].Topics[0].TopicID)

	corrections, err := f.store.TopicRepo().ListCorrections(ctx, f.tenantID, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, corrections, 1)
	assert.Equal(t, billing.ID, corrections[0].FromTopicID)
	assert.Equal(t, refunds.ID, corrections[0].ToTopicID)
}

func TestReclassifyValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ticket := f.analyzedTicket("1", domain.SentimentNeutral, time.Now())
	old := f.store.AddTopic(f.tenantID, "Old")
	require.NoError(t, f.store.TopicRepo().Deactivate(ctx, f.tenantID, old.ID))

	_, err := f.svc.Reclassify(ctx, f.tenantID, ticket.ID, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.Reclassify(ctx, f.tenantID, ticket.ID, []uuid.UUID{old.ID})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = f.svc.Reclassify(ctx, f.tenantID, ticket.ID, []uuid.UUID{uuid.New()})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReclassifyMultiTopicCorrections(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	billing := f.store.AddTopic(f.tenantID, "Billing")
	shipping := f.store.AddTopic(f.tenantID, "Shipping")
	refunds := f.store.AddTopic(f.tenantID, "Refunds")
	outage := f.store.AddTopic(f.tenantID, "Outage")
	ticket := f.analyzedTicket("1", domain.SentimentNeutral, time.Now().Add(-2*time.Hour))
	aiAt := time.Now().Add(-2 * time.Hour)
	for _, topic := range []*domain.Topic{shipping, billing} {
		f.store.AddAssignment(&domain.TopicAssignment{
			TenantID: f.tenantID, TicketID: ticket.ID, TopicID: topic.ID,
			AssignedBy: domain.AssignedByAI, AssignedAt: aiAt,
		})
	}
	since := time.Now().Add(-time.Hour)

	// keeps Billing, drops Shipping, adds Refunds
	_, err := f.svc.Reclassify(ctx, f.tenantID, ticket.ID, []uuid.UUID{billing.ID, refunds.ID})
	require.NoError(t, err)

	corrections, err := f.store.TopicRepo().ListCorrections(ctx, f.tenantID, since)
	require.NoError(t, err)
	require.Len(t, corrections, 1)
	assert.Equal(t, shipping.ID, corrections[0].FromTopicID)
	assert.Equal(t, refunds.ID, corrections[0].ToTopicID)

	// a second edit still measures against the AI run, which was kept
	_, err = f.svc.Reclassify(ctx, f.tenantID, ticket.ID, []uuid.UUID{outage.ID})
	require.NoError(t, err)

	corrections, err = f.store.TopicRepo().ListCorrections(ctx, f.tenantID, since)
	require.NoError(t, err)
	require.Len(t, corrections, 2)
	assert.Equal(t, []string{"Billing", "Shipping"}, []string{corrections[0].FromTopicName, corrections[1].FromTopicName})
	for _, c := range corrections {
		assert.Equal(t, outage.ID, c.ToTopicID)
	}

	var aiRows int
	for _, a := range f.store.Assignments(ticket.ID) {
		if a.AssignedBy == domain.AssignedByAI {
			aiRows++
			assert.NotNil(t, a.SupersededAt)
		}
	}
	assert.Equal(t, 2, aiRows, "AI history survives reclassification")
}

func TestReanalyzeHandsOverStoredTicket(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	analyzedAt := time.Now().Add(-time.Hour)
	ticket := f.analyzedTicket("1", domain.SentimentPositive, analyzedAt)
	f.analyzer.sentiment = domain.SentimentVeryNegative

	got, err := f.svc.Reanalyze(ctx, f.tenantID, ticket.ID)
	require.NoError(t, err)
	require.NotNil(t, got.SentimentScore)
	assert.Equal(t, domain.SentimentVeryNegative, *got.SentimentScore)

	require.Len(t, f.analyzer.seen, 1)
	prev := f.analyzer.seen[0]
	require.NotNil(t, prev.SentimentScore)
	assert.Equal(t, domain.SentimentPositive, *prev.SentimentScore, "analyzer sees the previous analysis")
	assert.True(t, prev.SentimentAnalyzedAt.Equal(analyzedAt))
}

func TestReanalyzeFailureKeepsPreviousAnalysis(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	ticket := f.analyzedTicket("1", domain.SentimentNegative, time.Now().Add(-time.Hour))
	f.analyzer.err = &domain.AnalysisFailedError{TicketID: ticket.ID, Reason: "timeout", Err: domain.ErrTransientRemote}

	_, err := f.svc.Reanalyze(ctx, f.tenantID, ticket.ID)
	assert.ErrorIs(t, err, domain.ErrTransientRemote)

	stored, err := f.store.TicketRepo().GetByID(ctx, f.tenantID, ticket.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.SentimentScore)
	assert.Equal(t, domain.SentimentNegative, *stored.SentimentScore)
	assert.NotNil(t, stored.SentimentAnalyzedAt)
}

func TestReanalyzeSupersedesAIAssignments(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	billing := f.store.AddTopic(f.tenantID, "Billing")
	outage := f.store.AddTopic(f.tenantID, "Outage")
	ticket := f.analyzedTicket("1", domain.SentimentNeutral, time.Now().Add(-time.Hour))
	f.store.AddAssignment(&domain.TopicAssignment{
		TenantID: f.tenantID, TicketID: ticket.ID, TopicID: billing.ID,
		AssignedBy: domain.AssignedByAI, AssignedAt: time.Now().Add(-time.Hour),
	})
	f.analyzer.topicID = &outage.ID

	_, err := f.svc.Reanalyze(ctx, f.tenantID, ticket.ID)
	require.NoError(t, err)

	all := f.store.Assignments(ticket.ID)
	assert.Len(t, all, 2)
	live := current(all)
	require.Len(t, live, 1)
	assert.Equal(t, outage.ID, live[0].TopicID)
}

func TestReanalyzeRequiresContent(t *testing.T) {
	f := newFixture()
	ticket := f.store.AddTicket(&domain.Ticket{TenantID: f.tenantID, ExternalID: "1", Subject: "empty"})

	_, err := f.svc.Reanalyze(context.Background(), f.tenantID, ticket.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Empty(t, f.analyzer.seen)

	_, err = f.svc.Reanalyze(context.Background(), f.tenantID, uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
