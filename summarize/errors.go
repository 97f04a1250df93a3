package summarize

import "errors"

// ErrBusy is returned when the admission queue in front of the model is
// full. Retryable after backoff; the bounded queue is what keeps fan-in
// from exceeding the model's memory budget.
var ErrBusy = errors.New("summarize: admission queue full")

// ErrExhausted is returned for transient capacity failures of the model
// runtime (429, 5xx, timeouts). Retryable after backoff.
var ErrExhausted = errors.New("summarize: model runtime exhausted")

// ErrInference is returned when the model rejects or mangles a specific
// document. Not retryable for that document; the pipeline marks it failed
// and moves on.
var ErrInference = errors.New("summarize: inference failed")

// ErrEmpty is returned for documents with no usable text.
var ErrEmpty = errors.New("summarize: document has no text")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("summarize: engine closed")
