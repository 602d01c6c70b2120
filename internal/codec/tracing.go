package codec

import (
	"context"

	oteltrace "go.opentelemetry.io/otel/trace"

	"memscope/pkg/tracing"
	"memscope/pkg/types"
)

// OpenTraced is Open wrapped in a "codec.Parse" span (SPEC_FULL.md §1.2).
// Use Open directly when no tracer is available; a no-op tracer from
// tracing.NewManager with tracing disabled works here too.
func OpenTraced(ctx context.Context, tracer oteltrace.Tracer, path string) (*Reader, error) {
	var r *Reader
	err := tracing.Traced(ctx, tracer, "codec.Parse", func(ctx context.Context) error {
		var err error
		r, err = Open(path)
		return err
	})
	return r, err
}

// WriteFileTraced is Writer.WriteFile wrapped in a "codec.Export" span.
func (w *Writer) WriteFileTraced(ctx context.Context, tracer oteltrace.Tracer, path string, snap types.Snapshot, finalized bool) error {
	return tracing.Traced(ctx, tracer, "codec.Export", func(ctx context.Context) error {
		return w.WriteFile(path, snap, finalized)
	})
}
