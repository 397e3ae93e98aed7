// Package control implements the runtime introspection and hot-reload
// surface that sits alongside the programmatic service.Config: a typed
// RuntimeConfig store for the values spec.md permits changing on a live
// session, a Metrics registry for the ambient observability counters, a
// Debug probe registry for operator introspection, and a dependency-free
// Tracer/Span contract used when tracing is enabled.
//
// This package is cross-platform and build-tag-partitioned where a probe
// is platform-specific (platform_linux.go, platform_windows.go).
package control
