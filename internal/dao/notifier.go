package dao

import (
	"context"
	"math/big"

	"github.com/cryptofl/roundledger/internal/model"
)

// DefaultUpdateMethod is the method notified with each new global model
const DefaultUpdateMethod = "UpdateGlobalModel"

// ModelNotifier submits a global model update to one contract. The DAO form
// passes (jobId, cid), the job contract form passes (cid) only.
type ModelNotifier struct {
	contract Transactor
	method   string
	jobID    *big.Int
}

// NewDAONotifier notifies the DAO about updates of job jobID
func NewDAONotifier(contract Transactor, method string, jobID uint64) *ModelNotifier {
	if method == "" {
		method = DefaultUpdateMethod
	}
	return &ModelNotifier{
		contract: contract,
		method:   method,
		jobID:    new(big.Int).SetUint64(jobID),
	}
}

// NewJobNotifier notifies a job contract directly
func NewJobNotifier(contract Transactor, method string) *ModelNotifier {
	if method == "" {
		method = DefaultUpdateMethod
	}
	return &ModelNotifier{contract: contract, method: method}
}

// Notify submits the update. The round is not part of the call.
func (n *ModelNotifier) Notify(ctx context.Context, round int, contentID string) (*model.TransactionReceipt, error) {
	if n.jobID != nil {
		return n.contract.Transact(ctx, nil, n.method, new(big.Int).Set(n.jobID), contentID)
	}
	return n.contract.Transact(ctx, nil, n.method, contentID)
}
