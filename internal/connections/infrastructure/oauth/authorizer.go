// Package oauth adapts golang.org/x/oauth2 to the token lifecycle manager
// for providers that follow RFC 6749.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"

	"github.com/felixgeelhaar/vitalsync/internal/connections/domain"
	providers "github.com/felixgeelhaar/vitalsync/internal/providers/domain"
)

// Fitbit endpoints.
const (
	FitbitAuthURL  = "https://www.fitbit.com/oauth2/authorize"
	FitbitTokenURL = "https://api.fitbit.com/oauth2/token"
)

// DefaultFitbitScopes covers every family the Fitbit fetchers read.
var DefaultFitbitScopes = []string{"activity", "heartrate", "sleep", "weight", "profile"}

// Config configures an Authorizer.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	// HTTPClient overrides the client used for token requests.
	HTTPClient *http.Client
}

// Authorizer implements the connections Authorizer port with x/oauth2.
type Authorizer struct {
	provider   providers.Provider
	config     *oauth2.Config
	httpClient *http.Client
}

// NewAuthorizer creates an Authorizer for provider.
func NewAuthorizer(provider providers.Provider, cfg Config) (*Authorizer, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.AuthURL == "" || cfg.TokenURL == "" || cfg.RedirectURL == "" {
		return nil, errors.New("oauth configuration is incomplete")
	}
	return &Authorizer{
		provider: provider,
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInHeader,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      cfg.Scopes,
		},
		httpClient: cfg.HTTPClient,
	}, nil
}

// NewFitbitAuthorizer creates an Authorizer for Fitbit. Empty endpoint
// fields fall back to the public Fitbit endpoints.
func NewFitbitAuthorizer(cfg Config) (*Authorizer, error) {
	if cfg.AuthURL == "" {
		cfg.AuthURL = FitbitAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = FitbitTokenURL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = DefaultFitbitScopes
	}
	return NewAuthorizer(providers.ProviderFitbit, cfg)
}

func (a *Authorizer) Provider() providers.Provider { return a.provider }

// AuthURL returns the consent page URL.
func (a *Authorizer) AuthURL(state string) string {
	return a.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange trades an authorization code for a grant.
func (a *Authorizer) Exchange(ctx context.Context, code string) (*domain.Grant, error) {
	token, err := a.config.Exchange(a.context(ctx), code)
	if err != nil {
		return nil, classify(err)
	}
	return grantFromToken(token), nil
}

// Refresh trades a refresh token for a new grant.
func (a *Authorizer) Refresh(ctx context.Context, refreshToken string) (*domain.Grant, error) {
	// A token without an access token is never valid, forcing a refresh.
	source := a.config.TokenSource(a.context(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, classify(err)
	}
	return grantFromToken(token), nil
}

func (a *Authorizer) context(ctx context.Context) context.Context {
	if a.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, a.httpClient)
}

// classify maps token endpoint rejections of the grant itself to
// domain.ErrInvalidGrant. Other named errors such as invalid_client or
// invalid_request stay transient so a client misconfiguration never deletes
// stored tokens. Fitbit reports errors as errors[].errorType, which x/oauth2
// does not parse; a 400 or 401 without any error code counts as a rejected
// grant.
func classify(err error) error {
	var retrieve *oauth2.RetrieveError
	if !errors.As(err, &retrieve) {
		return err
	}
	code := retrieve.ErrorCode
	if code == "" {
		code = fitbitErrorType(retrieve.Body)
	}
	switch {
	case code == "invalid_grant":
		return fmt.Errorf("%w: %v", domain.ErrInvalidGrant, err)
	case code != "":
		return err
	}
	if retrieve.Response != nil {
		switch retrieve.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized:
			return fmt.Errorf("%w: %v", domain.ErrInvalidGrant, err)
		}
	}
	return err
}

// fitbitErrorType returns the first errorType of a Fitbit error body,
// preferring invalid_grant when several are listed.
func fitbitErrorType(body []byte) string {
	var payload struct {
		Errors []struct {
			ErrorType string `json:"errorType"`
		} `json:"errors"`
	}
	if len(body) == 0 || json.Unmarshal(body, &payload) != nil {
		return ""
	}
	first := ""
	for _, e := range payload.Errors {
		if e.ErrorType == "invalid_grant" {
			return e.ErrorType
		}
		if first == "" {
			first = e.ErrorType
		}
	}
	return first
}

func grantFromToken(token *oauth2.Token) *domain.Grant {
	grant := &domain.Grant{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.Type(),
		ExpiresAt:    token.Expiry,
	}
	if scope, ok := token.Extra("scope").(string); ok {
		grant.Scopes = strings.Fields(scope)
	}
	return grant
}
