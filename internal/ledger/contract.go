package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/cryptofl/roundledger/internal/model"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// LoadABI reads an interface descriptor from path. Both a bare ABI array and a
// build artifact carrying an "abi" field are accepted.
func LoadABI(path string) (abi.ABI, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to read ABI %s: %w", path, err)
	}
	return ParseABI(raw)
}

// ParseABI parses an interface descriptor in either accepted layout
func ParseABI(raw []byte) (abi.ABI, error) {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		var artifact struct {
			ABI json.RawMessage `json:"abi"`
		}
		if err := json.Unmarshal([]byte(trimmed), &artifact); err != nil {
			return abi.ABI{}, fmt.Errorf("failed to parse ABI artifact: %w", err)
		}
		if len(artifact.ABI) == 0 {
			return abi.ABI{}, fmt.Errorf("ABI artifact has no abi field")
		}
		trimmed = string(artifact.ABI)
	}

	parsed, err := abi.JSON(strings.NewReader(trimmed))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse ABI: %w", err)
	}
	return parsed, nil
}

// Contract binds a contract address and its interface to a Sender
type Contract struct {
	Name    string
	Address common.Address
	ABI     abi.ABI
	sender  *Sender
}

// NewContract creates a contract binding
func NewContract(name string, address common.Address, iface abi.ABI, sender *Sender) *Contract {
	return &Contract{
		Name:    name,
		Address: address,
		ABI:     iface,
		sender:  sender,
	}
}

// Transact packs method with args and submits it through the Sender
func (c *Contract) Transact(ctx context.Context, value *big.Int, method string, args ...interface{}) (*model.TransactionReceipt, error) {
	data, err := c.ABI.Pack(method, args...)
	if err != nil {
		return nil, &EstimationError{
			Label: c.label(method),
			Err:   fmt.Errorf("failed to pack arguments: %w", err),
		}
	}
	return c.sender.Send(ctx, Call{
		To:    c.Address,
		Data:  data,
		Value: value,
		Label: c.label(method),
	})
}

// Call executes a read-only method and unpacks its outputs
func (c *Contract) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", c.label(method), err)
	}
	out, err := c.sender.client.CallContract(ctx, c.Address, data)
	if err != nil {
		return nil, err
	}
	values, err := c.ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", c.label(method), err)
	}
	return values, nil
}

func (c *Contract) label(method string) string {
	return c.Name + "." + method
}
