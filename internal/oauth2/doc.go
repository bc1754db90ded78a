// Package oauth2 manages the provider token of every linked account.
//
// A Broker links an account with an authorization code (Finalize) and hands
// out access tokens (GetValidToken). Tokens live in a shared TokenStore so that
// every gateway instance sees the same record. When a token is about to expire
// exactly one caller refreshes it: goroutines of one process are collapsed with
// singleflight, processes are serialized by a distributed per-account lock, and
// whoever obtains the lock re-reads the store before calling the provider.
//
// Refresh tokens are single-use on the provider side, so a failed refresh is
// reported as an upstream auth error and never retried automatically.
//
//	broker := oauth2.NewBroker(cfg, store, lockManager, usagePoints, breaker, httpClient, nil, logger)
//	record, err := broker.Finalize(ctx, accountID, code, nil)
//	accessToken, err := broker.GetValidToken(ctx, accountID)
package oauth2
