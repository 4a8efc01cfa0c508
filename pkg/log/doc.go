// Package log provides weft's structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// simple Field type for structured context. It is backed by Go's standard
// library slog handlers, so output is ordinary logfmt text or JSON while all
// code in the repository stays against this facade.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.JSONFormatter{}),
//	)
//	l = l.With(log.Component("consumer"), log.Str("lattice", "default"))
//	l.Info("consumer registered", log.Str("subject", "lattice.evt.default"))
//
// # Configuration
//
// Use ApplyConfig to build a logger from a declarative Config supporting the
// text and json formats. To keep libraries that write through the standard
// library's global logger structured, route them with RedirectStdLog.
package log
