// Package dispatch validates, authorizes, and executes IPP requests
// against the scheduler engines.
//
// A Dispatcher owns the operation table. Every request passes the same
// pipeline: version and request-id checks, group-order and
// operation-attribute conformance, identity derivation, policy
// authorization, then the per-operation handler. Handlers return
// either a finished Result or an error that is mapped onto an IPP
// status and rendered as an error response, so the caller always gets
// a well-formed message to put on the wire.
package dispatch
