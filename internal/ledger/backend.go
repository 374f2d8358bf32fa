package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Backend defines the ledger node capabilities consumed by the client and sender.
// *ethclient.Client satisfies it.
type Backend interface {
	// ChainID retrieves the chain identity used for replay-protected signing
	ChainID(ctx context.Context) (*big.Int, error)

	// PendingNonceAt retrieves the next nonce for the account, including pending transactions
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)

	// EstimateGas simulates the call and returns the gas it would consume
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)

	// HeaderByNumber retrieves a block header, the latest one when number is nil
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)

	// SuggestGasPrice retrieves the legacy gas price, used when headers carry no base fee
	SuggestGasPrice(ctx context.Context) (*big.Int, error)

	// SendTransaction broadcasts a signed transaction
	SendTransaction(ctx context.Context, tx *types.Transaction) error

	// TransactionReceipt retrieves the receipt of a mined transaction.
	// It returns ethereum.NotFound while the transaction is pending.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)

	// CallContract executes a read-only call
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)

	// Close closes the connection to the node
	Close()
}
