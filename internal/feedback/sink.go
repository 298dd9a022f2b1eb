package feedback

import "context"

// Sink consumes batches of outcome events. Implementations must honor ctx
// deadlines and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events; Hub satisfies this interface so the
// pipeline stays agnostic about buffering and fan-out.
type Emitter interface {
	Emit(evt Event)
}

// Discard is an Emitter that drops every event. Useful in tests and in
// deployments that disable the feedback stream.
type Discard struct{}

// Emit implements Emitter.
func (Discard) Emit(Event) {}
