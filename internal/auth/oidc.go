package auth

import (
	"context"
	"log"

	"golang.org/x/oauth2"
)

// fallbackEmail labels accounts whose id_token gave no address.
const fallbackEmail = "Connected Account"

// idClaims represents the identity claims read from an ID token. Microsoft
// work accounts often carry the address only in preferred_username.
type idClaims struct {
	Subject           string `json:"sub"`
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name"`
}

// accountEmail verifies the id_token that came with token and returns its
// email claim.
func (s *Service) accountEmail(ctx context.Context, p *oauthProvider, token *oauth2.Token) string {
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return fallbackEmail
	}

	idToken, err := p.verifier.Verify(s.clientContext(ctx), rawIDToken)
	if err != nil {
		log.Printf("Failed to verify %s id_token: %v", p.kind, err)
		return fallbackEmail
	}

	var claims idClaims
	if err := idToken.Claims(&claims); err != nil {
		log.Printf("Failed to parse %s id_token claims: %v", p.kind, err)
		return fallbackEmail
	}

	switch {
	case claims.Email != "":
		return claims.Email
	case claims.PreferredUsername != "":
		return claims.PreferredUsername
	default:
		return fallbackEmail
	}
}
