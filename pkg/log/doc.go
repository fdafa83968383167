// Package log provides structured logging for printd built on zerolog.
//
// Components obtain child loggers via WithComponent and attach printer,
// job, and request fields with the matching helpers so log lines can be
// correlated across the dispatcher, scheduler, and notifier.
package log
