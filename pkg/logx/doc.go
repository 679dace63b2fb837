// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so the rest of the codebase never imports zerolog directly:
// components receive a Logger value, derive child loggers with With(),
// and the Service can swap outputs at runtime when the config reloads.
//
// Sinks beyond console/file (e.g. the storage-backed diagnostics log)
// plug in through the Sink interface and are rate limited so a log storm
// cannot flood the database.
package logx
