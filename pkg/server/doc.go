// Package server exposes the daemon over HTTP.
//
// The IPP front accepts application/ipp POST bodies, decodes the
// message envelope, and forwards the request with the undecoded
// remainder of the body as the document stream. Responses carry the
// encoded reply and, for document fetches, the spool file appended
// after it. A GET on any path answers with a short status line so
// humans and probes can tell the daemon is up.
//
// Identity is derived from the transport: Basic credentials are
// verified through the Authenticate hook, the peer address decides
// locality, and TLS presence is recorded for policy. The server never
// rejects an unauthenticated request itself; policy decides, and a
// 401 from it is sent with a Basic challenge.
//
// HealthServer is a separate listener with /health, /ready, and
// /metrics endpoints for supervisors and scrapers.
package server
