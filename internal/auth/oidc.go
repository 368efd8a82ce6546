package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

var (
	ErrOIDCInit      = errors.New("OIDC initialization failed")
	ErrTokenExchange = errors.New("token exchange failed")
	ErrTokenVerify   = errors.New("token verification failed")
	ErrMissingEmail  = errors.New("email claim is required")
)

// Claims are the identity fields taken from an ID token or the userinfo
// endpoint.
type Claims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// Provider runs the OIDC authorization-code flow against one issuer.
type Provider struct {
	provider *oidc.Provider
	verifier *oidc.IDTokenVerifier
	config   oauth2.Config
}

// NewProvider discovers the issuer and prepares the code flow. The issuer
// must serve a discovery document; discovery failure fails startup.
func NewProvider(ctx context.Context, issuer, clientID, clientSecret, redirectURL string) (*Provider, error) {
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create provider: %w", ErrOIDCInit, err)
	}

	config := oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID: clientID,
	})

	return &Provider{
		provider: provider,
		verifier: verifier,
		config:   config,
	}, nil
}

// AuthCodeURL returns the URL to redirect the user to for authentication.
func (p *Provider) AuthCodeURL(state string) string {
	return p.config.AuthCodeURL(state)
}

// Exchange exchanges an authorization code for tokens.
func (p *Provider) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenExchange, err)
	}
	return token, nil
}

// VerifyIDToken verifies the ID token and extracts claims. Returns
// ErrMissingEmail when the token verifies but carries no email; callers may
// fall back to UserInfo then.
func (p *Provider) VerifyIDToken(ctx context.Context, token *oauth2.Token) (*Claims, error) {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing id_token", ErrTokenVerify)
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenVerify, err)
	}

	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: failed to parse claims: %w", ErrTokenVerify, err)
	}

	if claims.Email == "" {
		return nil, ErrMissingEmail
	}

	return &claims, nil
}

// UserInfo retrieves identity claims from the userinfo endpoint. Used when
// the issuer keeps the email out of the ID token.
func (p *Provider) UserInfo(ctx context.Context, token *oauth2.Token) (*Claims, error) {
	userInfo, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(token))
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}

	var claims Claims
	if err := userInfo.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse user info: %w", err)
	}

	claims.Subject = userInfo.Subject
	claims.Email = userInfo.Email
	claims.EmailVerified = userInfo.EmailVerified

	if claims.Email == "" {
		return nil, ErrMissingEmail
	}

	return &claims, nil
}
