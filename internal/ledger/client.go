package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/cryptofl/roundledger/internal/config"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"
)

// Client is the ledger session: node connection, signing key and chain identity.
// It is created once and handed to collaborators by reference.
type Client struct {
	config  *config.EthereumConfig
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	logger  *zap.Logger
}

// NewClient creates a new ledger Client. Connect or Attach must be called before use.
func NewClient(config *config.EthereumConfig, logger *zap.Logger) *Client {
	return &Client{
		config: config,
		logger: logger,
	}
}

// Connect dials the ledger node and binds the session to it
func (c *Client) Connect(ctx context.Context) error {
	client, err := ethclient.DialContext(ctx, c.config.NodeURL)
	if err != nil {
		return fmt.Errorf("failed to connect to ledger node: %w", err)
	}

	if err := c.Attach(ctx, client); err != nil {
		client.Close()
		return err
	}

	c.logger.Info("Connected to ledger node",
		zap.String("node_url", c.config.NodeURL),
		zap.String("account", c.from.Hex()),
		zap.String("chain_id", c.chainID.String()))

	return nil
}

// Attach binds the session to an existing backend, loading the signing key and chain id
func (c *Client) Attach(ctx context.Context, backend Backend) error {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(c.config.PrivateKey), "0x"))
	if err != nil {
		return fmt.Errorf("failed to parse signing key: %w", err)
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch chainID: %w", err)
	}
	if c.config.ChainID != 0 && chainID.Uint64() != c.config.ChainID {
		return fmt.Errorf("node reports chain %s, configured chain is %d", chainID, c.config.ChainID)
	}

	c.backend = backend
	c.key = key
	c.from = crypto.PubkeyToAddress(key.PublicKey)
	c.chainID = chainID
	return nil
}

// Close closes the connection to the ledger node
func (c *Client) Close() error {
	if c.backend != nil {
		c.backend.Close()
	}

	c.logger.Info("Disconnected from ledger node")
	return nil
}

// Address returns the signing account
func (c *Client) Address() common.Address {
	return c.from
}

// ChainID returns the chain identity read at connect time
func (c *Client) ChainID() *big.Int {
	if c.chainID == nil {
		return nil
	}
	return new(big.Int).Set(c.chainID)
}

// Backend returns the underlying node connection
func (c *Client) Backend() Backend {
	return c.backend
}

// CallContract performs a read-only call from the signing account
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	if c.backend == nil {
		return nil, errors.New("ledger client is not connected")
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{
		From: c.from,
		To:   &to,
		Data: data,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call contract %s: %w", to.Hex(), err)
	}
	return out, nil
}
