// Package policy evaluates per-operation access rules.
//
// A Policy maps IPP operation codes to rules naming the required
// authentication and the permitted identities; the engine answers
// allow / deny / auth-required / tls-required for a
// (policy, operation, identity, owner) tuple and supplies the
// private-attribute set that drives Get-* redaction. Authentication
// itself happens in the transport; the engine only enforces the
// identity it is handed.
package policy
