// Package dao drives the job marketplace contract: role registration, the
// offer/accept/sign flow that creates a job contract, and global model updates.
package dao

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"reflect"

	"github.com/cryptofl/roundledger/internal/eventlog"
	"github.com/cryptofl/roundledger/internal/ledger"
	"github.com/cryptofl/roundledger/internal/model"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// ErrIdentifierNotFound is returned when a confirmed transaction emitted none of
// the identifiers the flow depends on. The transaction itself succeeded.
var ErrIdentifierNotFound = errors.New("identifier not found in transaction logs")

const (
	methodRegisterRequester = "registerRequester"
	methodRegisterTrainer   = "registerTrainer"
	methodMakeOffer         = "MakeOffer"
	methodAcceptOffer       = "AcceptOffer"
	methodSignJobContract   = "signJobContract"

	jobAddressField = "job"
)

// Transactor is the contract surface used by the flows. *ledger.Contract implements it.
type Transactor interface {
	Transact(ctx context.Context, value *big.Int, method string, args ...interface{}) (*model.TransactionReceipt, error)
	Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error)
}

// Specification is the ordered list of string fields of a trainer's hardware
// description, matching the tuple the contract declares for registerTrainer.
type Specification []string

// Offer is a job proposal from a requester to a registered trainer
type Offer struct {
	Description     string
	ModelCID        string
	Endpoint        string
	Metadata        []byte
	ValueByUpdate   *big.Int
	NumberOfUpdates uint64
	Trainer         common.Address
}

// DAO wraps the marketplace contract
type DAO struct {
	contract Transactor
	address  common.Address
	iface    abi.ABI
	decoder  *eventlog.Decoder
	logger   *zap.Logger
}

// New binds a DAO to a loaded contract. The contract ABI must declare events.
func New(contract *ledger.Contract, logger *zap.Logger) (*DAO, error) {
	return newDAO(contract, contract.Address, contract.ABI, logger)
}

func newDAO(contract Transactor, address common.Address, iface abi.ABI, logger *zap.Logger) (*DAO, error) {
	events, err := eventlog.FromABI(iface)
	if err != nil {
		return nil, fmt.Errorf("failed to load DAO events: %w", err)
	}
	return &DAO{
		contract: contract,
		address:  address,
		iface:    iface,
		decoder:  eventlog.NewDecoder(events, logger),
		logger:   logger,
	}, nil
}

// Address returns the DAO contract address
func (d *DAO) Address() common.Address {
	return d.address
}

func (d *DAO) RegisterRequester(ctx context.Context) (*model.TransactionReceipt, error) {
	receipt, err := d.contract.Transact(ctx, nil, methodRegisterRequester)
	if err != nil {
		return receipt, fmt.Errorf("failed to register requester: %w", err)
	}
	d.logger.Info("Registered requester", zap.String("tx_hash", receipt.Hash.Hex()))
	return receipt, nil
}

// RegisterTrainer registers the signing account as a trainer and returns the
// trainer contract the DAO creates for it. The address is read by simulating the
// call first, since the contract does not emit it.
func (d *DAO) RegisterTrainer(ctx context.Context, description string, spec Specification) (common.Address, *model.TransactionReceipt, error) {
	tuple, err := d.specArgument(spec)
	if err != nil {
		return common.Address{}, nil, err
	}

	out, err := d.contract.Call(ctx, methodRegisterTrainer, description, tuple)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("failed to simulate trainer registration: %w", err)
	}
	var trainer common.Address
	if len(out) > 0 {
		trainer, _ = out[0].(common.Address)
	}
	if trainer == (common.Address{}) {
		return common.Address{}, nil, fmt.Errorf("trainer contract address: %w", ErrIdentifierNotFound)
	}

	receipt, err := d.contract.Transact(ctx, nil, methodRegisterTrainer, description, tuple)
	if err != nil {
		return common.Address{}, receipt, fmt.Errorf("failed to register trainer: %w", err)
	}

	d.logger.Info("Registered trainer",
		zap.String("trainer_contract", trainer.Hex()),
		zap.String("tx_hash", receipt.Hash.Hex()))
	return trainer, receipt, nil
}

// specArgument builds the tuple value for the specification parameter of
// registerTrainer from the layout declared in the ABI
func (d *DAO) specArgument(spec Specification) (interface{}, error) {
	method, ok := d.iface.Methods[methodRegisterTrainer]
	if !ok || len(method.Inputs) != 2 {
		return nil, fmt.Errorf("ABI has no %s(string,tuple) method", methodRegisterTrainer)
	}
	typ := method.Inputs[1].Type
	if typ.T != abi.TupleTy {
		return nil, fmt.Errorf("%s specification is %s, expected a tuple", methodRegisterTrainer, typ.String())
	}
	if len(typ.TupleElems) != len(spec) {
		return nil, fmt.Errorf("specification has %d fields, contract expects %d", len(spec), len(typ.TupleElems))
	}

	value := reflect.New(typ.GetType()).Elem()
	for i, elem := range typ.TupleElems {
		if elem.T != abi.StringTy {
			return nil, fmt.Errorf("specification field %s is %s, only string fields are supported",
				typ.TupleRawNames[i], elem.String())
		}
		value.Field(i).SetString(spec[i])
	}
	return value.Interface(), nil
}

// MakeOffer proposes a job and returns the offer id recovered from the emitted
// events. A confirmed offer without a recoverable id is ErrIdentifierNotFound.
func (d *DAO) MakeOffer(ctx context.Context, offer Offer) (*big.Int, *model.TransactionReceipt, error) {
	value := offer.ValueByUpdate
	if value == nil {
		value = new(big.Int)
	}

	receipt, err := d.contract.Transact(ctx, nil, methodMakeOffer,
		offer.Description,
		[32]byte(crypto.Keccak256Hash([]byte(offer.ModelCID))),
		[32]byte(crypto.Keccak256Hash([]byte(offer.Endpoint))),
		append([]byte{}, offer.Metadata...),
		value,
		new(big.Int).SetUint64(offer.NumberOfUpdates),
		offer.Trainer,
	)
	if err != nil {
		return nil, receipt, fmt.Errorf("failed to make offer: %w", err)
	}

	result := d.decoder.RecoverID(d.address, receipt.Logs)
	id, ok := result.Value()
	if !ok {
		return nil, receipt, fmt.Errorf("%w: offer id of tx %s", ErrIdentifierNotFound, receipt.Hash.Hex())
	}

	d.logger.Info("Offer made",
		zap.String("offer_id", id.String()),
		zap.Stringer("source", result.Source),
		zap.String("trainer", offer.Trainer.Hex()),
		zap.String("tx_hash", receipt.Hash.Hex()))
	return id, receipt, nil
}

// AcceptOffer accepts an offer and returns the job contract created for it
func (d *DAO) AcceptOffer(ctx context.Context, offerID *big.Int) (common.Address, *model.TransactionReceipt, error) {
	receipt, err := d.contract.Transact(ctx, nil, methodAcceptOffer, offerID)
	if err != nil {
		return common.Address{}, receipt, fmt.Errorf("failed to accept offer %s: %w", offerID, err)
	}

	job, ok := d.decoder.FindAddress(d.address, receipt.Logs, jobAddressField)
	if !ok || job == (common.Address{}) {
		return common.Address{}, receipt, fmt.Errorf("%w: job address of tx %s", ErrIdentifierNotFound, receipt.Hash.Hex())
	}

	d.logger.Info("Offer accepted",
		zap.String("offer_id", offerID.String()),
		zap.String("job", job.Hex()),
		zap.String("tx_hash", receipt.Hash.Hex()))
	return job, receipt, nil
}

// SignJobContract signs the job contract, escrowing value
func (d *DAO) SignJobContract(ctx context.Context, job common.Address, value *big.Int) (*model.TransactionReceipt, error) {
	receipt, err := d.contract.Transact(ctx, value, methodSignJobContract, job)
	if err != nil {
		return receipt, fmt.Errorf("failed to sign job contract %s: %w", job.Hex(), err)
	}
	d.logger.Info("Signed job contract",
		zap.String("job", job.Hex()),
		zap.String("tx_hash", receipt.Hash.Hex()))
	return receipt, nil
}
