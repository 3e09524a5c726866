// Package capture implements the Snapshot Capture Layer of spec §4.4:
// produce one JPEG per call, preferring the live-video bus, then an
// arbitrated RTSP subprocess, then an HTTP snapshot fallback.
package capture

import "fmt"

// Source is the three-variant tag of spec §9.
type Source string

const (
	SourceLiveBus    Source = "live_bus"
	SourceSubprocess Source = "subprocess"
	SourceHTTP       Source = "http"
)

// Result is capture()'s success value.
type Result struct {
	Bytes  []byte
	Source Source
}

// FailureLayer identifies which stage of the capture chain failed.
type FailureLayer string

const (
	LayerArbiter    FailureLayer = "arbiter_busy"
	LayerSubprocess FailureLayer = "subprocess"
	LayerHTTP       FailureLayer = "http"
)

// Error is capture's typed failure (§4.4 "returns a typed error
// indicating the layer that failed").
type Error struct {
	Layer     FailureLayer
	Message   string
	StderrTail string
	Cause     error
}

func (e *Error) Error() string {
	if e.StderrTail != "" {
		return fmt.Sprintf("capture: %s: %s (stderr: %s)", e.Layer, e.Message, e.StderrTail)
	}
	return fmt.Sprintf("capture: %s: %s", e.Layer, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }
