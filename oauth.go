package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"
)

// IdentityProvider is the network side of the session store.
type IdentityProvider interface {
	RefreshTokens(ctx context.Context, refreshToken string) (SessionTokens, error)
	Revoke(ctx context.Context, refreshToken string) error
}

// OAuthManager talks to the hosted identity provider: it builds the login and
// logout URLs and runs the refresh and revoke grants.
type OAuthManager struct {
	conf       *oauth2.Config
	authDomain string
	logoutURI  string
	httpClient *http.Client
}

func NewOAuthManager(cfg *Config, httpClient *http.Client) *OAuthManager {
	domain := strings.TrimRight(cfg.AuthDomain, "/")
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OAuthManager{
		conf: &oauth2.Config{
			ClientID: cfg.ClientID,
			Endpoint: oauth2.Endpoint{
				AuthURL:   domain + "/login",
				TokenURL:  domain + "/oauth2/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: cfg.RedirectURI(),
			Scopes:      cfg.Scopes,
		},
		authDomain: domain,
		logoutURI:  cfg.LogoutURI(),
		httpClient: httpClient,
	}
}

// AuthURL is the hosted login page for this client.
func (o *OAuthManager) AuthURL() string {
	return o.conf.AuthCodeURL("")
}

// LogoutURL ends the identity provider's own session and returns to the app.
func (o *OAuthManager) LogoutURL() string {
	v := url.Values{}
	v.Set("client_id", o.conf.ClientID)
	v.Set("logout_uri", o.logoutURI)
	return o.authDomain + "/logout?" + v.Encode()
}

func (o *OAuthManager) RefreshTokens(ctx context.Context, refreshToken string) (SessionTokens, error) {
	if refreshToken == "" {
		return SessionTokens{}, fmt.Errorf("no refresh token")
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	tok, err := o.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return SessionTokens{}, fmt.Errorf("refresh grant: %w", err)
	}
	idToken, _ := tok.Extra("id_token").(string)
	out := SessionTokens{
		AccessToken:  tok.AccessToken,
		IDToken:      idToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       TokenExpiry(tok.AccessToken, idToken),
	}
	if out.RefreshToken == "" {
		out.RefreshToken = refreshToken
	}
	if out.Expiry.IsZero() {
		out.Expiry = tok.Expiry
	}
	return out, nil
}

func (o *OAuthManager) Revoke(ctx context.Context, refreshToken string) error {
	form := url.Values{}
	form.Set("token", refreshToken)
	form.Set("client_id", o.conf.ClientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.authDomain+"/oauth2/revoke", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke: status %d", resp.StatusCode)
	}
	return nil
}
