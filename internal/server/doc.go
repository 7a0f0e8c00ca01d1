// Package server assembles the VOD service's HTTP surface behind a single
// multiplexer.
//
// The server builds a consistent middleware chain of request identifiers,
// rate limiting, CORS, security headers, metrics, audit, and logging so
// handlers all share common protections and instrumentation. API routes live
// under /api/, the HLS read path under /videos/, and operational endpoints at
// /healthz and /metrics.
package server
