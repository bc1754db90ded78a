package oauth2

import (
	"strings"
	"time"

	"github.com/samber/lo"
	xoauth2 "golang.org/x/oauth2"
)

// TokenRecord is the stored token pair of one linked account.
type TokenRecord struct {
	AccountID    string    `json:"account_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IsValid reports whether the access token can still be used at now, keeping
// margin in reserve for the call it is about to authorize.
func (r *TokenRecord) IsValid(now time.Time, margin time.Duration) bool {
	if r == nil || r.AccessToken == "" {
		return false
	}
	return r.ExpiresAt.After(now.Add(margin))
}

// newRecord converts a provider answer. A missing expires_in makes the token
// immediately stale. A missing refresh_token keeps previousRefresh.
func newRecord(accountID string, tok *xoauth2.Token, previousRefresh string, now time.Time) *TokenRecord {
	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = now
	}

	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	scope, _ := tok.Extra("scope").(string)

	return &TokenRecord{
		AccountID:    accountID,
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		TokenType:    tokenType,
		ExpiresAt:    expiresAt,
		Scope:        scope,
		UpdatedAt:    now,
	}
}

// usagePointsFromToken reads the comma-separated usage_points_id extra field.
func usagePointsFromToken(tok *xoauth2.Token) []string {
	raw, _ := tok.Extra("usage_points_id").(string)
	return normalizeUsagePoints(strings.Split(raw, ","))
}

func normalizeUsagePoints(ids []string) []string {
	trimmed := lo.Map(ids, func(id string, _ int) string { return strings.TrimSpace(id) })
	return lo.Uniq(lo.Compact(trimmed))
}
