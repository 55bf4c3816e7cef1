package dag

import "context"

// SourceNode produces operations and periodically cuts epoch boundaries.
// Run blocks until ctx is cancelled or the source is exhausted, writing
// every Envelope it produces to out.
type SourceNode interface {
	Run(ctx context.Context, out chan<- Envelope) error
}

// ProcessorNode transforms operations it reads from in, writing results to
// out. It must not buffer an epoch boundary past the point it forwards it
// (spec.md §4.9 step 2: flush pending state, persist it, forward the
// boundary). Process blocks until ctx is cancelled or in is closed.
type ProcessorNode interface {
	Process(ctx context.Context, in <-chan Envelope, out chan<- Envelope) error
}

// SinkNode durably commits every operation it reads from in, additionally
// durably committing its underlying store on every epoch boundary
// (spec.md §4.9 step 3). Consume blocks until ctx is cancelled or in is
// closed.
type SinkNode interface {
	Consume(ctx context.Context, in <-chan Envelope) error
}
