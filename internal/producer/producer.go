// Package producer defines the boundary to the external generation backend.
// The backend is opaque to the runtime core: chat completions arrive as a
// server-pushed event stream, media generations as single calls.
package producer

import (
	"context"
	"encoding/json"
	"io"

	"github.com/atelier-ai/atelier/pkg/types"
)

// ChatRequest describes one chat completion stream to open.
type ChatRequest struct {
	SessionID string          `json:"sessionID"`
	Prompt    string          `json:"prompt"`
	Options   json.RawMessage `json:"options,omitempty"`
}

// Connection is one live chat completion stream. Events returns the raw
// frame source consumed by the stream decoder. Resolve forwards a permission
// decision so the producer can continue past a blocked tool call.
type Connection interface {
	Events() io.Reader
	Resolve(ctx context.Context, correlationID string, decision types.Decision) error
	Close() error
}

// StreamProducer opens chat completion streams.
type StreamProducer interface {
	Open(ctx context.Context, req ChatRequest) (Connection, error)
}

// GenerationParams is the opaque parameter set for one media generation.
type GenerationParams = json.RawMessage

// Generator runs single media generations. A returned ResultRef points at
// the produced artifact; the core never inspects the artifact itself.
type Generator interface {
	Generate(ctx context.Context, params GenerationParams) (ResultRef, error)
}

// ResultRef locates a generation result in the backend's artifact storage.
type ResultRef string
