// Package mimetype defines the file-typing interface the job store
// consumes and a built-in magic-number implementation used when no
// external MIME database is wired in.
package mimetype
