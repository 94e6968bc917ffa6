package core

import (
	"errors"
	"fmt"
)

var (
	ErrSequenceGap = errors.New("sequence gap")
	ErrOutOfOrder  = errors.New("out-of-order command")
)

// SequenceValidator validates source sequences per partition.
// Not thread-safe: only accessed under the engine lock.
type SequenceValidator struct {
	expectedNextSeq map[string]int64 // partition -> next expected sequence
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
	}
}

// CheckSequence validates source sequence ordering without advancing.
// Callers Advance once the command has been consumed.
func (sv *SequenceValidator) CheckSequence(partition string, sourceSequence int64, isDuplicate bool) error {
	expected := sv.expectedNextSeq[partition]

	if sourceSequence < expected {
		if isDuplicate {
			// Redelivery of something already processed
			return nil
		}
		return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
			ErrOutOfOrder, partition, expected, sourceSequence)
	}

	if sourceSequence == expected {
		return nil
	}

	return fmt.Errorf("%w: partition=%s, expected=%d, got=%d",
		ErrSequenceGap, partition, expected, sourceSequence)
}

// Advance records sourceSequence as consumed.
func (sv *SequenceValidator) Advance(partition string, sourceSequence int64) {
	if sourceSequence >= sv.expectedNextSeq[partition] {
		sv.expectedNextSeq[partition] = sourceSequence + 1
	}
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// GetAllPartitions returns a copy of the per-partition state (snapshots)
func (sv *SequenceValidator) GetAllPartitions() map[string]int64 {
	out := make(map[string]int64, len(sv.expectedNextSeq))
	for k, v := range sv.expectedNextSeq {
		out[k] = v
	}
	return out
}

// RestorePartition initializes expected sequence (used during recovery)
func (sv *SequenceValidator) RestorePartition(partition string, seq int64) {
	sv.expectedNextSeq[partition] = seq
}
