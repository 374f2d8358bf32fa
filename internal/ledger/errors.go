package ledger

import (
	"fmt"

	"github.com/cryptofl/roundledger/internal/model"
	"github.com/ethereum/go-ethereum/common"
)

// EstimationError is returned when gas estimation fails. Nothing was signed or
// broadcast and no nonce was fetched, so the call can be retried as is.
type EstimationError struct {
	Label string
	Err   error
}

func (e *EstimationError) Error() string {
	return fmt.Sprintf("failed to estimate gas for %s: %v", e.Label, e.Err)
}

func (e *EstimationError) Unwrap() error { return e.Err }

// SubmissionError is returned when broadcasting or waiting for the receipt fails.
// The nonce may have been consumed; re-read it before retrying.
type SubmissionError struct {
	Label string
	Hash  common.Hash
	Err   error
}

func (e *SubmissionError) Error() string {
	if e.Hash == (common.Hash{}) {
		return fmt.Sprintf("failed to submit %s: %v", e.Label, e.Err)
	}
	return fmt.Sprintf("failed to confirm %s (tx %s): %v", e.Label, e.Hash.Hex(), e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// ExecutionReverted is returned when the receipt reports failure.
// The fee was still paid; Receipt carries the cost.
type ExecutionReverted struct {
	Label   string
	Hash    common.Hash
	Receipt *model.TransactionReceipt
}

func (e *ExecutionReverted) Error() string {
	return fmt.Sprintf("%s reverted (tx %s)", e.Label, e.Hash.Hex())
}
