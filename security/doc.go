// Package security holds the cross-cutting protections of the issuer's HTTP
// surface.
//
//   - Auditor writes grant, token, replay and failure events to a dedicated
//     log stream with hashed user ids.
//   - RateLimiter is a per-client-IP token bucket kept in a bounded TTL cache.
//   - ClientIPResolver extracts the caller address, honouring forwarding
//     headers only behind trusted proxies.
//   - RequestIDMiddleware propagates X-Request-ID.
//   - SetSecurityHeaders and SetNoStore set response headers.
//   - Encryptor seals signing keys at rest with AES-256-GCM.
//
// Example:
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	ip := security.ClientIPResolver{TrustProxy: true, TrustedProxies: 1}.ClientIP(r)
//	if !limiter.Allow(ip) {
//	    auditor.LogRateLimitExceeded(r.Context(), ip)
//	    http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
//	    return
//	}
package security
