// Package ratelimit holds the two limits that sit in front of the metering
// provider.
//
// QuotaLimiter is the per-account monthly quota. It is a fixed window counter
// in Redis: the window opens on the first request of an account and every
// increment is done by a single Lua script, so any number of gateway instances
// can share it.
//
// UpstreamThrottle is a process-local token bucket (golang.org/x/time/rate)
// that caps how fast this process calls the provider, whatever the accounts.
package ratelimit
