// Package batch runs media-generation jobs: ordered collections of retryable
// items executed against the producer under a concurrency cap. The engine
// owns scheduling and the retry policy; the executor owns exactly one
// generation call per invocation and the durability of its outcome.
package batch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/atelier-ai/atelier/internal/logging"
	"github.com/atelier-ai/atelier/internal/producer"
	"github.com/atelier-ai/atelier/internal/store"
	"github.com/atelier-ai/atelier/pkg/types"
)

// Outcome is the result of executing one item. Err carries the generation
// failure, if any; the outcome has already been persisted when Execute
// returns.
type Outcome struct {
	ItemID    string
	ResultRef string
	Err       error
}

// ItemExecutor performs a single generation call per item. It never retries
// the call itself; retry policy lives in the engine. The store write that
// records the outcome is retried, since writes are idempotent.
type ItemExecutor struct {
	gen   producer.Generator
	store *store.Store
	log   zerolog.Logger
}

// NewItemExecutor creates an executor backed by gen and st.
func NewItemExecutor(gen producer.Generator, st *store.Store) *ItemExecutor {
	return &ItemExecutor{
		gen:   gen,
		store: st,
		log:   logging.For("batch.executor"),
	}
}

// Execute runs one generation call for item and persists the outcome before
// returning. The returned outcome mirrors what was stored.
func (e *ItemExecutor) Execute(ctx context.Context, item types.MediaJobItem) Outcome {
	ref, err := e.gen.Generate(ctx, producer.GenerationParams(item.Params))

	if err != nil {
		item.Status = types.ItemFailed
		item.Error = err.Error()
	} else {
		item.Status = types.ItemCompleted
		item.ResultRef = string(ref)
		item.Error = ""
	}

	if perr := e.persist(ctx, &item); perr != nil {
		e.log.Error().Err(perr).
			Str("jobID", item.JobID).
			Str("itemID", item.ID).
			Msg("failed to persist item outcome")
	}

	return Outcome{ItemID: item.ID, ResultRef: item.ResultRef, Err: err}
}

func (e *ItemExecutor) persist(ctx context.Context, item *types.MediaJobItem) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second

	return backoff.Retry(func() error {
		return e.store.PutJobItem(ctx, item)
	}, backoff.WithContext(policy, ctx))
}
