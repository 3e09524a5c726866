package capture

import "context"

// LiveBus is the external live-video multiplexer contract of spec §6:
// add_source is idempotent, stills are fetched by stream name, and
// telemetry exposes a per-producer receive counter.
type LiveBus interface {
	AddSource(ctx context.Context, streamName, url string) error
	RecvCount(ctx context.Context, streamName string) (int64, error)
	StillFrame(ctx context.Context, streamName string) ([]byte, error)
}
