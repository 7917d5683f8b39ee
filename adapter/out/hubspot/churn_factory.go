package hubspot

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"churn_server/core/domain"
	"churn_server/core/port/out"
	"churn_server/pkg/httputil"
	"churn_server/pkg/logger"
	"churn_server/pkg/resilience"
)

// Config holds the HubSpot app credentials and client tuning.
type Config struct {
	ClientID     string
	ClientSecret string
	BaseURL      string // default: DefaultBaseURL
	MRRProperty  string // company property holding MRR (default: "mrr")

	RequestsPerSecond float64 // default: 9, HubSpot allows 100 per 10s per app
	Burst             int     // default: 10

	// HTTPClient is the base transport. nil uses httputil.TicketSourceClient.
	HTTPClient *http.Client
}

// Factory resolves a tenant's HubSpot source from its stored integration.
type Factory struct {
	cfg     Config
	oauth   *oauth2.Config
	tenants out.TenantRepository
	base    *http.Client
	shared  *client
}

var _ out.TicketSourceFactory = (*Factory)(nil)

func NewFactory(cfg Config, tenants out.TenantRepository) *Factory {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MRRProperty == "" {
		cfg.MRRProperty = "mrr"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 9
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	base := cfg.HTTPClient
	if base == nil {
		base = httputil.TicketSourceClient()
	}

	return &Factory{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   "https://app.hubspot.com/oauth/authorize",
				TokenURL:  cfg.BaseURL + "/oauth/v1/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		tenants: tenants,
		base:    base,
		shared: &client{
			baseURL: cfg.BaseURL,
			breaker: resilience.NewBreaker(resilience.BreakerConfig{
				Name: "hubspot",
				IsFailure: func(err error) bool {
					return errors.Is(err, domain.ErrTransientRemote)
				},
			}),
			limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		},
	}
}

// Source returns a source authenticated as the tenant. Refreshed tokens are
// written back through the tenant repository.
func (f *Factory) Source(ctx context.Context, tenantID uuid.UUID) (out.TicketSource, error) {
	integration, err := f.tenants.GetIntegration(ctx, tenantID, domain.IntegrationHubSpot)
	if err != nil {
		return nil, err
	}
	if integration.AccessToken == "" && integration.RefreshToken == "" {
		return nil, domain.ErrIntegrationNotFound
	}

	token := &oauth2.Token{
		AccessToken:  integration.AccessToken,
		RefreshToken: integration.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       integration.ExpiresAt,
	}

	oauthCtx := context.WithValue(ctx, oauth2.HTTPClient, f.base)
	ts := &persistingTokenSource{
		base:        f.oauth.TokenSource(oauthCtx, token),
		tenants:     f.tenants,
		integration: *integration,
		last:        token.AccessToken,
	}

	c := *f.shared
	c.http = oauth2.NewClient(oauthCtx, ts)
	c.http.Timeout = f.base.Timeout

	return &Source{client: &c, portalID: integration.AccountID, mrrProperty: f.cfg.MRRProperty}, nil
}

// persistingTokenSource saves every newly minted token pair.
type persistingTokenSource struct {
	base        oauth2.TokenSource
	tenants     out.TenantRepository
	integration domain.Integration

	mu   sync.Mutex
	last string
}

func (p *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken == p.last {
		return tok, nil
	}
	p.last = tok.AccessToken

	upd := p.integration
	upd.AccessToken = tok.AccessToken
	upd.RefreshToken = tok.RefreshToken
	upd.ExpiresAt = tok.Expiry
	upd.UpdatedAt = time.Now().UTC()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.tenants.SaveIntegrationToken(ctx, &upd); err != nil {
		logger.WithField("tenant_id", upd.TenantID.String()).WithError(err).Warn("[HubSpot] failed to persist refreshed token")
	}
	return tok, nil
}
