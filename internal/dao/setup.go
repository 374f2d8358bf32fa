package dao

import (
	"context"
	"math/big"

	"github.com/cryptofl/roundledger/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// SetupParams drives the one-time flow that creates a job contract. When
// Trainer is set the trainer registration step is skipped.
type SetupParams struct {
	TrainerDescription string
	Specification      Specification
	Trainer            common.Address

	Offer Offer
	// Deposit is escrowed when signing. Zero means ValueByUpdate × NumberOfUpdates.
	Deposit *big.Int
}

// SetupResult is what the flow created, along with what it cost
type SetupResult struct {
	Trainer  common.Address
	OfferID  *big.Int
	Job      common.Address
	Receipts []*model.TransactionReceipt
	CostWei  *big.Int
}

// Setup registers both roles, makes and accepts an offer and signs the resulting
// job contract. Any failing step ends the flow; the partial result is returned.
func (d *DAO) Setup(ctx context.Context, params SetupParams) (*SetupResult, error) {
	result := &SetupResult{CostWei: new(big.Int)}
	track := func(receipt *model.TransactionReceipt) {
		if receipt == nil {
			return
		}
		result.Receipts = append(result.Receipts, receipt)
		result.CostWei.Add(result.CostWei, receipt.Cost())
	}

	receipt, err := d.RegisterRequester(ctx)
	track(receipt)
	if err != nil {
		return result, err
	}

	result.Trainer = params.Trainer
	if result.Trainer == (common.Address{}) {
		trainer, receipt, err := d.RegisterTrainer(ctx, params.TrainerDescription, params.Specification)
		track(receipt)
		if err != nil {
			return result, err
		}
		result.Trainer = trainer
	}

	offer := params.Offer
	offer.Trainer = result.Trainer
	offerID, receipt, err := d.MakeOffer(ctx, offer)
	track(receipt)
	if err != nil {
		return result, err
	}
	result.OfferID = offerID

	job, receipt, err := d.AcceptOffer(ctx, offerID)
	track(receipt)
	if err != nil {
		return result, err
	}
	result.Job = job

	deposit := params.Deposit
	if deposit == nil || deposit.Sign() == 0 {
		deposit = new(big.Int)
		if offer.ValueByUpdate != nil {
			deposit.Mul(offer.ValueByUpdate, new(big.Int).SetUint64(offer.NumberOfUpdates))
		}
	}
	receipt, err = d.SignJobContract(ctx, job, deposit)
	track(receipt)
	if err != nil {
		return result, err
	}

	d.logger.Info("Job setup completed",
		zap.String("trainer", result.Trainer.Hex()),
		zap.String("offer_id", offerID.String()),
		zap.String("job", job.Hex()),
		zap.String("cost_wei", result.CostWei.String()))
	return result, nil
}
