// Package quota tracks per-(destination, user) page and kilobyte usage
// over each destination's rolling quota window and enforces the global
// job caps. Old entries age out lazily when a pair is read, so an idle
// tracker costs nothing.
package quota
