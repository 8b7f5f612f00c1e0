package core

import (
	"errors"
	"fmt"

	"PerpClearing/internal/observability"
)

// ErrStaleIndexPrice marks an index price update at or behind the last
// accepted price sequence. It is skipped, not failed.
var ErrStaleIndexPrice = errors.New("stale index price")

// ErrSequence is wrapped by every ordering failure.
var ErrSequence = errors.New("sequence violation")

// SequenceValidator validates source sequences per partition.
// Sequence 0 marks an unsequenced command (gRPC submissions) and is never
// checked. Not thread-safe: only accessed from the single-threaded core.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
	metrics         *observability.Metrics
}

func NewSequenceValidator(metrics *observability.Metrics) *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		metrics:         metrics,
	}
}

// ValidateSequence checks that a sequenced command arrives exactly in order.
// The first sequenced command of a partition fixes its starting point.
func (sv *SequenceValidator) ValidateSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	if sourceSequence == 0 {
		return nil
	}
	expected, seen := sv.expectedNextSeq[partition]
	if !seen {
		sv.expectedNextSeq[partition] = sourceSequence + 1
		return nil
	}

	switch {
	case sourceSequence == expected:
		sv.expectedNextSeq[partition] = expected + 1
		return nil
	case sourceSequence < expected:
		if isDuplicate {
			return nil
		}
		if sv.metrics != nil {
			sv.metrics.SequenceOutOfOrder.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: out-of-order command: partition=%s, expected=%d, got=%d",
			ErrSequence, partition, expected, sourceSequence)
	default:
		if sv.metrics != nil {
			sv.metrics.SequenceGaps.WithLabelValues(partition).Inc()
		}
		return fmt.Errorf("%w: sequence gap: partition=%s, expected=%d, got=%d",
			ErrSequence, partition, expected, sourceSequence)
	}
}

// ValidatePriceSequence accepts any index price newer than the last one.
// Gaps are tolerated; stale updates return ErrStaleIndexPrice.
func (sv *SequenceValidator) ValidatePriceSequence(marketID string, priceSequence int64) error {
	partition := pricePartition(marketID)
	expected := sv.expectedNextSeq[partition]

	if priceSequence < expected {
		if sv.metrics != nil {
			sv.metrics.StaleIndexPrices.WithLabelValues(marketID).Inc()
		}
		return fmt.Errorf("%w: market=%s, last=%d, got=%d", ErrStaleIndexPrice, marketID, expected-1, priceSequence)
	}
	if priceSequence > expected && expected > 0 && sv.metrics != nil {
		sv.metrics.SequenceGaps.WithLabelValues(partition).Inc()
	}
	sv.expectedNextSeq[partition] = priceSequence + 1
	return nil
}

func pricePartition(marketID string) string {
	return "price:" + marketID
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// RestorePartition sets the next expected sequence (snapshot restore).
func (sv *SequenceValidator) RestorePartition(partition string, nextSeq int64) {
	sv.expectedNextSeq[partition] = nextSeq
}

// GetAllPartitions returns a copy of every partition's next expected sequence.
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for p, seq := range sv.expectedNextSeq {
		out[p] = seq
	}
	return out
}
