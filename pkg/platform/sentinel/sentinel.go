package sentinel

import "errors"

// Sentinel errors for infrastructure and delivery facts. Stores and the
// bus internals return these (optionally wrapped) so services and the
// transport layer can translate them without string matching.
//
// These represent factual states, not validation failures:
// - ErrNotFound: entity does not exist in the store
// - ErrDuplicateSequence: an (aggregate_id, sequence) pair was appended twice
// - ErrSequencingUnavailable: the sequence source cannot assign the next sequence
// - ErrCircuitOpen: a subscriber's circuit breaker is rejecting deliveries
// - ErrBackpressure: a subscriber queue is full under the reject policy
// - ErrUnavailable: a backing service is temporarily unavailable
var (
	ErrNotFound              = errors.New("not found")
	ErrDuplicateSequence     = errors.New("duplicate sequence")
	ErrSequencingUnavailable = errors.New("sequencing unavailable")
	ErrCircuitOpen           = errors.New("circuit open")
	ErrBackpressure          = errors.New("backpressure")
	ErrUnavailable           = errors.New("unavailable")
)
