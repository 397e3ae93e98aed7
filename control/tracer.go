// control/tracer.go
// Author: momentics <momentics@gmail.com>
//
// Dependency-free tracing contract, adapted from the teacher's
// api/tracer.go. No tracing backend is wired (go.opentelemetry.io/otel
// appears only indirectly in the retrieval pack and is never called from
// any source file there, see DESIGN.md), so reactor.Loop accepts an
// optional Tracer and skips tracing entirely when it is nil.

package control

// Tracer opens spans for session lifecycle and message events.
type Tracer interface {
	StartSpan(name string, sessionID int64) Span
}

// Span is a single unit of work: a session's read, a write drain, an
// idle fire.
type Span interface {
	SetTag(key string, value any)
	Finish()
}

// NoopTracer implements Tracer with no-op spans. Nothing substitutes it
// for a nil Tracer; a nil Tracer simply means no spans are started.
type NoopTracer struct{}

func (NoopTracer) StartSpan(name string, sessionID int64) Span { return noopSpan{} }

type noopSpan struct{}

func (noopSpan) SetTag(key string, value any) {}
func (noopSpan) Finish()                      {}
