package hubspot

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"churn_server/core/domain"
	"churn_server/internal/testutil"
)

const testBaseURL = "https://hubspot.test"

func setup(t *testing.T, expiresAt time.Time) (*Factory, *httpmock.MockTransport, *testutil.Store, uuid.UUID) {
	t.Helper()
	store := testutil.NewStore()
	tenantID := uuid.New()
	store.AddTenant(&domain.Tenant{ID: tenantID, Name: "Acme"})
	store.AddIntegration(&domain.Integration{
		ID:           uuid.New(),
		TenantID:     tenantID,
		Kind:         domain.IntegrationHubSpot,
		AccountID:    "4242",
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    expiresAt,
	})

	mt := httpmock.NewMockTransport()
	f := NewFactory(Config{
		ClientID:          "client",
		ClientSecret:      "secret",
		BaseURL:           testBaseURL,
		RequestsPerSecond: 1000,
		HTTPClient:        &http.Client{Transport: mt},
	}, store.TenantRepo())
	return f, mt, store, tenantID
}

func registerAssociations(mt *httpmock.MockTransport) {
	mt.RegisterResponder(http.MethodPost, testBaseURL+"/crm/v4/associations/tickets/companies/batch/read",
		httpmock.NewStringResponder(http.StatusOK, `{"results":[{"from":{"id":"101"},"to":[{"toObjectId":900}]}]}`))
	mt.RegisterResponder(http.MethodPost, testBaseURL+"/crm/v3/objects/companies/batch/read",
		httpmock.NewStringResponder(http.StatusOK, `{"results":[{"id":"900","properties":{"name":"Globex","mrr":"1250.50"}}]}`))
	mt.RegisterResponder(http.MethodPost, testBaseURL+"/crm/v4/associations/tickets/contacts/batch/read",
		httpmock.NewStringResponder(207, `{"results":[{"from":{"id":"102"},"to":[{"toObjectId":77}]}]}`))
	mt.RegisterResponder(http.MethodPost, testBaseURL+"/crm/v3/objects/contacts/batch/read",
		httpmock.NewStringResponder(http.StatusOK, `{"results":[{"id":"77","properties":{"email":"ann@globex.test","firstname":"Ann","lastname":"Lee"}}]}`))
}

const searchPage = `{
  "total": 3,
  "results": [
    {"id": "101", "properties": {"subject": "Export broken", "content": "Nothing works", "hs_pipeline_stage": "1",
      "hs_ticket_priority": "HIGH", "createdate": "2026-10-01T10:00:00.000Z", "hs_lastmodifieddate": "2026-10-02T10:00:00Z"}},
    {"id": "102", "properties": {"subject": "Question", "content": "", "createdate": "2026-09-30T09:00:00Z"}}
  ],
  "paging": {"next": {"after": "2"}}
}`

func TestFetchTickets(t *testing.T) {
	f, mt, _, tenantID := setup(t, time.Now().Add(time.Hour))
	ctx := context.Background()

	var searchBody map[string]any
	mt.RegisterResponder(http.MethodPost, testBaseURL+"/crm/v3/objects/tickets/search",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer access-1", req.Header.Get("Authorization"))
			raw, _ := io.ReadAll(req.Body)
			require.NoError(t, json.Unmarshal(raw, &searchBody))
			return httpmock.NewStringResponse(http.StatusOK, searchPage), nil
		})
	registerAssociations(mt)

	src, err := f.Source(ctx, tenantID)
	require.NoError(t, err)

	since := time.Date(2026, 9, 24, 0, 0, 0, 0, time.UTC)
	page, err := src.FetchTickets(ctx, since, "")
	require.NoError(t, err)

	assert.Equal(t, "2", page.NextCursor)
	require.Len(t, page.Results, 2)

	filter := searchBody["filterGroups"].([]any)[0].(map[string]any)["filters"].([]any)[0].(map[string]any)
	assert.Equal(t, "createdate", filter["propertyName"])
	assert.Equal(t, "GTE", filter["operator"])
	assert.Equal(t, "1790208000000", filter["value"])
	_, hasAfter := searchBody["after"]
	assert.False(t, hasAfter)

	first := page.Results[0]
	assert.Equal(t, "101", first.ExternalID)
	assert.Equal(t, "Export broken", first.Subject)
	assert.Equal(t, "Nothing works", first.Body)
	assert.Equal(t, "HIGH", first.Priority)
	assert.Equal(t, time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC), first.CreatedAt)
	require.NotNil(t, first.UpdatedAt)
	assert.Equal(t, "https://app.hubspot.com/help-desk/4242/view/search/ticket/101/", first.URL)
	require.NotNil(t, first.Company)
	assert.Equal(t, "Globex", first.Company.Name)
	require.NotNil(t, first.Company.MRR)
	assert.InDelta(t, 1250.5, *first.Company.MRR, 0.001)
	assert.Nil(t, first.Contact)
	assert.Equal(t, "1", first.Raw["hs_pipeline_stage"])

	second := page.Results[1]
	assert.Nil(t, second.Company)
	require.NotNil(t, second.Contact)
	assert.Equal(t, "Ann Lee", second.Contact.Name)
	assert.Equal(t, "ann@globex.test", second.Contact.Email)
}

func TestFetchTicketsRefreshesAndPersistsToken(t *testing.T) {
	f, mt, store, tenantID := setup(t, time.Now().Add(-time.Minute))
	ctx := context.Background()

	mt.RegisterResponder(http.MethodPost, testBaseURL+"/oauth/v1/token",
		func(req *http.Request) (*http.Response, error) {
			require.NoError(t, req.ParseForm())
			assert.Equal(t, "refresh_token", req.PostForm.Get("grant_type"))
			assert.Equal(t, "refresh-1", req.PostForm.Get("refresh_token"))
			assert.Equal(t, "client", req.PostForm.Get("client_id"))
			return httpmock.NewJsonResponse(http.StatusOK, map[string]any{
				"access_token":  "access-2",
				"refresh_token": "refresh-2",
				"expires_in":    1800,
				"token_type":    "bearer",
			})
		})
	mt.RegisterResponder(http.MethodPost, testBaseURL+"/crm/v3/objects/tickets/search",
		func(req *http.Request) (*http.Response, error) {
			assert.Equal(t, "Bearer access-2", req.Header.Get("Authorization"))
			return httpmock.NewStringResponse(http.StatusOK, `{"total":0,"results":[]}`), nil
		})

	src, err := f.Source(ctx, tenantID)
	require.NoError(t, err)
	page, err := src.FetchTickets(ctx, time.Now().AddDate(0, 0, -7), "")
	require.NoError(t, err)
	assert.Empty(t, page.Results)
	assert.Empty(t, page.NextCursor)

	saved, err := store.GetIntegration(ctx, tenantID, domain.IntegrationHubSpot)
	require.NoError(t, err)
	assert.Equal(t, "access-2", saved.AccessToken)
	assert.Equal(t, "refresh-2", saved.RefreshToken)
	assert.True(t, saved.ExpiresAt.After(time.Now()))
	assert.Equal(t, "4242", saved.AccountID)
}

func TestFetchTicketsClassifiesErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, domain.ErrTransientRemote},
		{"server error", http.StatusBadGateway, domain.ErrTransientRemote},
		{"unauthorized", http.StatusUnauthorized, domain.ErrPermanentRemote},
		{"bad request", http.StatusBadRequest, domain.ErrPermanentRemote},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, mt, _, tenantID := setup(t, time.Now().Add(time.Hour))
			mt.RegisterResponder(http.MethodPost, testBaseURL+"/crm/v3/objects/tickets/search",
				httpmock.NewStringResponder(tt.status, `{"status":"error","message":"nope"}`))

			src, err := f.Source(context.Background(), tenantID)
			require.NoError(t, err)
			_, err = src.FetchTickets(context.Background(), time.Now(), "")
			require.ErrorIs(t, err, tt.want)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
			assert.Equal(t, "nope", apiErr.Message)
		})
	}
}

func TestBreakerOpensOnTransientFailures(t *testing.T) {
	f, mt, _, tenantID := setup(t, time.Now().Add(time.Hour))
	mt.RegisterResponder(http.MethodPost, testBaseURL+"/crm/v3/objects/tickets/search",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, `{"message":"down"}`))

	src, err := f.Source(context.Background(), tenantID)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = src.FetchTickets(context.Background(), time.Now(), "")
		require.Error(t, err)
	}
	calls := mt.GetTotalCallCount()

	_, err = src.FetchTickets(context.Background(), time.Now(), "")
	require.ErrorIs(t, err, domain.ErrTransientRemote)
	assert.True(t, strings.Contains(err.Error(), "circuit open"))
	assert.Equal(t, calls, mt.GetTotalCallCount())
}

func TestSourceWithoutIntegration(t *testing.T) {
	f, _, _, _ := setup(t, time.Now())
	_, err := f.Source(context.Background(), uuid.New())
	require.ErrorIs(t, err, domain.ErrIntegrationNotFound)
}

func TestParseTime(t *testing.T) {
	ts, ok := parseTime("1790208000000")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 9, 24, 0, 0, 0, 0, time.UTC), ts)

	_, ok = parseTime("")
	assert.False(t, ok)
	_, ok = parseTime("yesterday")
	assert.False(t, ok)
}
