package withings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/felixgeelhaar/vitalsync/internal/connections/domain"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
)

// Withings OAuth endpoints.
const (
	AuthURL      = "https://account.withings.com/oauth2_user/authorize2"
	TokenURL     = DefaultBaseURL + "/v2/oauth2"
	DefaultScope = "user.info,user.metrics,user.activity"
)

// AuthConfig configures the Withings authorizer.
type AuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	// Scope is the comma separated scope list Withings expects.
	Scope      string
	HTTPClient *http.Client
}

// Authorizer implements the connections Authorizer port. Withings wraps
// its token endpoint in the same status envelope as its data API, so the
// exchange is done by hand; the consent URL still comes from x/oauth2.
type Authorizer struct {
	config     *oauth2.Config
	tokenURL   string
	clientID   string
	secret     string
	redirect   string
	httpClient *http.Client
	now        func() time.Time
}

// NewAuthorizer creates a Withings authorizer.
func NewAuthorizer(cfg AuthConfig) (*Authorizer, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.RedirectURL == "" {
		return nil, errors.New("withings oauth configuration is incomplete")
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = AuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = TokenURL
	}
	if cfg.Scope == "" {
		cfg.Scope = DefaultScope
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Authorizer{
		config: &oauth2.Config{
			ClientID:    cfg.ClientID,
			Endpoint:    oauth2.Endpoint{AuthURL: cfg.AuthURL, TokenURL: cfg.TokenURL},
			RedirectURL: cfg.RedirectURL,
			Scopes:      []string{cfg.Scope},
		},
		tokenURL:   cfg.TokenURL,
		clientID:   cfg.ClientID,
		secret:     cfg.ClientSecret,
		redirect:   cfg.RedirectURL,
		httpClient: cfg.HTTPClient,
		now:        time.Now,
	}, nil
}

func (a *Authorizer) Provider() providers.Provider { return providers.ProviderWithings }

// AuthURL returns the consent page URL.
func (a *Authorizer) AuthURL(state string) string {
	return a.config.AuthCodeURL(state)
}

// Exchange trades an authorization code for a grant.
func (a *Authorizer) Exchange(ctx context.Context, code string) (*domain.Grant, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", a.redirect)
	return a.requestToken(ctx, form)
}

// Refresh trades a refresh token for a new grant. Withings rotates the
// refresh token on every call.
func (a *Authorizer) Refresh(ctx context.Context, refreshToken string) (*domain.Grant, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	return a.requestToken(ctx, form)
}

type tokenBody struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

func (a *Authorizer) requestToken(ctx context.Context, form url.Values) (*domain.Grant, error) {
	form.Set("action", "requesttoken")
	form.Set("client_id", a.clientID)
	form.Set("client_secret", a.secret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build withings token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("withings token request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read withings token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("withings token endpoint returned http %d", resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode withings token response: %w", err)
	}
	if env.Status != statusOK {
		if invalidGrant(env) {
			return nil, fmt.Errorf("%w: withings status %d: %s", domain.ErrInvalidGrant, env.Status, env.Error)
		}
		return nil, fmt.Errorf("withings token endpoint status %d: %s", env.Status, env.Error)
	}

	var body tokenBody
	if err := json.Unmarshal(env.Body, &body); err != nil {
		return nil, fmt.Errorf("decode withings token body: %w", err)
	}
	if body.AccessToken == "" {
		return nil, errors.New("withings token response has no access token")
	}

	grant := &domain.Grant{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		TokenType:    body.TokenType,
		Scopes:       strings.FieldsFunc(body.Scope, func(r rune) bool { return r == ',' || r == ' ' }),
	}
	if grant.TokenType == "" {
		grant.TokenType = "Bearer"
	}
	if body.ExpiresIn > 0 {
		grant.ExpiresAt = a.now().Add(time.Duration(body.ExpiresIn) * time.Second).UTC()
	}
	return grant, nil
}

// invalidGrant reports whether the token endpoint rejected the code or
// refresh token itself. Withings uses 503 for both an invalid grant and an
// outage, so 503 only counts when the message names the grant.
func invalidGrant(env envelope) bool {
	if env.Status == statusInvalidToken {
		return true
	}
	if env.Status != 503 {
		return false
	}
	msg := strings.ToLower(env.Error)
	return strings.Contains(msg, "refresh_token") || strings.Contains(msg, "refresh token") ||
		strings.Contains(msg, "invalid code") || strings.Contains(msg, "authorization code")
}
