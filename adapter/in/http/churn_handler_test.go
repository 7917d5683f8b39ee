package http

import (
	"bytes"
	"context"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"churn_server/core/domain"
	"churn_server/core/port/out"
	"churn_server/core/service/risk"
	"churn_server/core/service/rule"
	"churn_server/core/service/ticket"
	"churn_server/infra/middleware"
	"churn_server/internal/testutil"
	"churn_server/pkg/response"
)

const secret = "handler-test-secret"

type fakeImports struct {
	err    error
	window time.Duration
}

func (f *fakeImports) ImportRecent(_ context.Context, _ uuid.UUID, window time.Duration) (domain.ImportSummary, error) {
	f.window = window
	if f.err != nil {
		return domain.ImportSummary{}, f.err
	}
	return domain.ImportSummary{Imported: 3, Analyzed: 2, Skipped: 1}, nil
}

type fakeJobs struct{ jobs []*out.ImportJob }

func (f *fakeJobs) PublishImportJob(_ context.Context, job *out.ImportJob) error {
	f.jobs = append(f.jobs, job)
	return nil
}

type envelope[T any] struct {
	Success bool                `json:"success"`
	Data    T                   `json:"data"`
	Error   *response.ErrorInfo `json:"error"`
	Meta    *response.Meta      `json:"meta"`
}

type harness struct {
	app     *fiber.App
	store   *testutil.Store
	tenant  uuid.UUID
	token   string
	imports *fakeImports
	jobs    *fakeJobs
}

func newHarness(t *testing.T, withJobs bool) *harness {
	t.Helper()
	store := testutil.NewStore()
	tenant := uuid.New()
	store.AddTenant(&domain.Tenant{ID: tenant, Name: "Acme"})

	user := uuid.New()
	token, err := middleware.IssueToken(secret, tenant, &user, time.Hour)
	require.NoError(t, err)

	rules := rule.NewService(store.TopicRepo(), store.RuleRepo(), rule.DefaultDetectorConfig(), nil)
	cards := risk.NewService(store.CardRepo(), nil, risk.DefaultConfig(), nil)
	tickets := ticket.NewService(store.TicketRepo(), store.TopicRepo(), nil)

	h := &harness{store: store, tenant: tenant, token: token, imports: &fakeImports{}}
	var producer out.ImportJobProducer
	if withJobs {
		h.jobs = &fakeJobs{}
		producer = h.jobs
	}

	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler(), JSONEncoder: json.Marshal, JSONDecoder: json.Unmarshal})
	app.Use(middleware.RequestID(), middleware.Recover())
	api := app.Group("/api/v1", middleware.TenantAuth(middleware.AuthConfig{Secret: secret}))
	NewTicketHandler(tickets, h.imports, producer, 7).Register(api)
	NewRuleHandler(rules).Register(api)
	NewRiskCardHandler(cards).Register(api)
	h.app = app
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *nethttp.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+h.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func read[T any](t *testing.T, resp *nethttp.Response) envelope[T] {
	t.Helper()
	var env envelope[T]
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return env
}

func TestRequiresAuth(t *testing.T) {
	h := newHarness(t, false)
	resp, err := h.app.Test(httptest.NewRequest(nethttp.MethodGet, "/api/v1/tickets", nil))
	require.NoError(t, err)
	assert.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)
}

func TestImportEndpoint(t *testing.T) {
	t.Run("sync import returns the summary", func(t *testing.T) {
		h := newHarness(t, false)
		resp := h.do(t, nethttp.MethodPost, "/api/v1/tickets/import?days=3", nil)
		require.Equal(t, nethttp.StatusOK, resp.StatusCode)
		env := read[domain.ImportSummary](t, resp)
		assert.Equal(t, domain.ImportSummary{Imported: 3, Analyzed: 2, Skipped: 1}, env.Data)
		assert.Equal(t, 72*time.Hour, h.imports.window)
	})

	t.Run("errors map to status codes", func(t *testing.T) {
		h := newHarness(t, false)
		h.imports.err = domain.ErrImportInProgress
		assert.Equal(t, nethttp.StatusConflict, h.do(t, nethttp.MethodPost, "/api/v1/tickets/import", nil).StatusCode)

		h.imports.err = domain.ErrExternalSourceUnavailable
		assert.Equal(t, nethttp.StatusBadGateway, h.do(t, nethttp.MethodPost, "/api/v1/tickets/import", nil).StatusCode)

		assert.Equal(t, nethttp.StatusBadRequest, h.do(t, nethttp.MethodPost, "/api/v1/tickets/import?days=0", nil).StatusCode)
		assert.Equal(t, nethttp.StatusBadRequest, h.do(t, nethttp.MethodPost, "/api/v1/tickets/import?days=365", nil).StatusCode)
	})

	t.Run("async import is queued", func(t *testing.T) {
		h := newHarness(t, true)
		resp := h.do(t, nethttp.MethodPost, "/api/v1/tickets/import?days=5&async=true", nil)
		require.Equal(t, nethttp.StatusAccepted, resp.StatusCode)
		require.Len(t, h.jobs.jobs, 1)
		assert.Equal(t, h.tenant, h.jobs.jobs[0].TenantID)
		assert.Equal(t, 5, h.jobs.jobs[0].WindowDays)

		plain := newHarness(t, false)
		assert.Equal(t, nethttp.StatusBadRequest, plain.do(t, nethttp.MethodPost, "/api/v1/tickets/import?async=true", nil).StatusCode)
	})
}

func TestTicketListingAndReclassification(t *testing.T) {
	h := newHarness(t, false)
	neg := domain.SentimentNegative
	now := time.Now().UTC()
	older := h.store.AddTicket(&domain.Ticket{TenantID: h.tenant, ExternalID: "1", Subject: "old", Content: "meh", SentimentScore: &neg, SentimentAnalyzedAt: &now, CreatedAt: now.Add(-time.Hour)})
	h.store.AddTicket(&domain.Ticket{TenantID: h.tenant, ExternalID: "2", Subject: "new", Content: "great", CreatedAt: now})
	h.store.AddTicket(&domain.Ticket{TenantID: uuid.New(), ExternalID: "3", Subject: "foreign", Content: "x", CreatedAt: now})
	billing := h.store.AddTopic(h.tenant, "Billing")

	resp := h.do(t, nethttp.MethodGet, "/api/v1/tickets?limit=10", nil)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	list := read[[]domain.TicketView](t, resp)
	require.Len(t, list.Data, 2)
	assert.Equal(t, "new", list.Data[0].Subject)
	require.NotNil(t, list.Meta)
	assert.Equal(t, 2, list.Meta.Total)
	assert.False(t, list.Meta.HasMore)

	resp = h.do(t, nethttp.MethodGet, "/api/v1/tickets?sentiment=negative", nil)
	filtered := read[[]domain.TicketView](t, resp)
	require.Len(t, filtered.Data, 1)
	assert.Equal(t, older.ID, filtered.Data[0].ID)

	assert.Equal(t, nethttp.StatusBadRequest, h.do(t, nethttp.MethodGet, "/api/v1/tickets?sentiment=angry", nil).StatusCode)

	resp = h.do(t, nethttp.MethodPost, "/api/v1/tickets/"+older.ID.String()+"/topics", map[string]any{"topic_ids": []uuid.UUID{billing.ID}})
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assigned := read[[]domain.TopicAssignment](t, resp)
	require.Len(t, assigned.Data, 1)
	assert.Equal(t, domain.AssignedByUser, assigned.Data[0].AssignedBy)

	assert.Equal(t, nethttp.StatusBadRequest,
		h.do(t, nethttp.MethodPost, "/api/v1/tickets/"+older.ID.String()+"/topics", map[string]any{"topic_ids": []uuid.UUID{}}).StatusCode)
	assert.Equal(t, nethttp.StatusBadRequest, h.do(t, nethttp.MethodGet, "/api/v1/tickets/not-a-uuid", nil).StatusCode)
	assert.Equal(t, nethttp.StatusNotFound, h.do(t, nethttp.MethodGet, "/api/v1/tickets/"+uuid.NewString(), nil).StatusCode)
}

func TestTopicAndRuleEndpoints(t *testing.T) {
	h := newHarness(t, false)

	resp := h.do(t, nethttp.MethodPost, "/api/v1/topics", map[string]string{"name": "Onboarding"})
	require.Equal(t, nethttp.StatusCreated, resp.StatusCode)
	topic := read[domain.Topic](t, resp).Data

	assert.Equal(t, nethttp.StatusConflict, h.do(t, nethttp.MethodPost, "/api/v1/topics", map[string]string{"name": "onboarding"}).StatusCode)
	assert.Equal(t, nethttp.StatusBadRequest, h.do(t, nethttp.MethodPost, "/api/v1/topics", map[string]string{"name": "  "}).StatusCode)

	resp = h.do(t, nethttp.MethodPost, "/api/v1/rules", map[string]any{"topic_id": topic.ID, "body": "Setup questions in the first week are Onboarding"})
	require.Equal(t, nethttp.StatusCreated, resp.StatusCode)
	created := read[domain.TrainingRule](t, resp).Data
	assert.Equal(t, domain.RuleStatusActive, created.Status)

	resp = h.do(t, nethttp.MethodPost, "/api/v1/rules/"+created.ID.String()+"/promote", nil)
	assert.Equal(t, nethttp.StatusConflict, resp.StatusCode)
	assert.Equal(t, "INVALID_TRANSITION", read[any](t, resp).Error.Code)

	resp = h.do(t, nethttp.MethodGet, "/api/v1/rules?status=active", nil)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Len(t, read[[]domain.TrainingRule](t, resp).Data, 1)
	assert.Equal(t, nethttp.StatusBadRequest, h.do(t, nethttp.MethodGet, "/api/v1/rules?status=maybe", nil).StatusCode)

	resp = h.do(t, nethttp.MethodPost, "/api/v1/rules/suggestions", nil)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Empty(t, read[[]domain.TrainingRule](t, resp).Data)

	assert.Equal(t, nethttp.StatusNoContent, h.do(t, nethttp.MethodDelete, "/api/v1/topics/"+topic.ID.String(), nil).StatusCode)
	resp = h.do(t, nethttp.MethodGet, "/api/v1/topics", nil)
	assert.Empty(t, read[[]domain.Topic](t, resp).Data)
	resp = h.do(t, nethttp.MethodGet, "/api/v1/topics?all=true", nil)
	assert.Len(t, read[[]domain.Topic](t, resp).Data, 1)
}

func TestRiskCardEndpoints(t *testing.T) {
	h := newHarness(t, false)
	now := time.Now().UTC()
	card := &domain.RiskCard{
		ID: uuid.New(), TenantID: h.tenant, TriggerType: domain.TriggerFrustratedTicket,
		Status: domain.CardStatusNew, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, h.store.CardRepo().Create(context.Background(), card, nil))
	base := "/api/v1/risk-cards/" + card.ID.String()

	resp := h.do(t, nethttp.MethodGet, "/api/v1/risk-cards?status=new", nil)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assert.Len(t, read[[]domain.RiskCard](t, resp).Data, 1)

	owner := uuid.New()
	resp = h.do(t, nethttp.MethodPost, base+"/assign", map[string]any{"owner_id": owner})
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	assigned := read[domain.RiskCard](t, resp).Data
	require.NotNil(t, assigned.OwnerID)
	assert.Equal(t, owner, *assigned.OwnerID)

	assert.Equal(t, domain.CardStatusWorking, assigned.Status)

	resp = h.do(t, nethttp.MethodPost, base+"/transition", map[string]string{"status": "new"})
	assert.Equal(t, nethttp.StatusConflict, resp.StatusCode)
	assert.Equal(t, nethttp.StatusBadRequest, h.do(t, nethttp.MethodPost, base+"/transition", map[string]string{"status": "done"}).StatusCode)

	resp = h.do(t, nethttp.MethodPost, base+"/comments", map[string]string{"body": "Called the customer"})
	require.Equal(t, nethttp.StatusCreated, resp.StatusCode)
	assert.Equal(t, nethttp.StatusBadRequest, h.do(t, nethttp.MethodPost, base+"/comments", map[string]string{"body": ""}).StatusCode)

	resp = h.do(t, nethttp.MethodPost, base+"/transition", map[string]string{"status": "completed"})
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	done := read[domain.RiskCard](t, resp).Data
	assert.Equal(t, domain.CardStatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	resp = h.do(t, nethttp.MethodGet, base, nil)
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	full := read[domain.RiskCard](t, resp).Data
	require.NotEmpty(t, full.Comments)
	var bodies []string
	for _, c := range full.Comments {
		bodies = append(bodies, c.Body)
	}
	assert.Contains(t, bodies, "Called the customer")

	assert.Equal(t, nethttp.StatusNotFound, h.do(t, nethttp.MethodGet, "/api/v1/risk-cards/"+uuid.NewString(), nil).StatusCode)
}
