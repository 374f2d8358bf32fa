// Package eventlog decodes receipt logs against an explicit contract interface and
// recovers identifiers that a contract only exposes through emitted events.
package eventlog

import (
	"errors"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Field is one event parameter in declaration order
type Field struct {
	Name    string
	Type    abi.Type
	Indexed bool
}

// EventDescriptor describes one event a contract can emit
type EventDescriptor struct {
	Name      string
	ID        common.Hash
	Anonymous bool
	Fields    []Field
}

func (e EventDescriptor) indexedCount() int {
	n := 0
	for _, f := range e.Fields {
		if f.Indexed {
			n++
		}
	}
	return n
}

func (e EventDescriptor) dataArguments() abi.Arguments {
	args := make(abi.Arguments, 0, len(e.Fields))
	for _, f := range e.Fields {
		if !f.Indexed {
			args = append(args, abi.Argument{Name: f.Name, Type: f.Type})
		}
	}
	return args
}

// Interface is the loaded list of event descriptors of a contract
type Interface struct {
	Events []EventDescriptor
}

// FromABI extracts the event descriptors of a parsed ABI, ordered by event name
func FromABI(parsed abi.ABI) (Interface, error) {
	if len(parsed.Events) == 0 {
		return Interface{}, errors.New("interface declares no events")
	}

	names := make([]string, 0, len(parsed.Events))
	for name := range parsed.Events {
		names = append(names, name)
	}
	sort.Strings(names)

	iface := Interface{Events: make([]EventDescriptor, 0, len(names))}
	for _, name := range names {
		event := parsed.Events[name]
		desc := EventDescriptor{
			Name:      event.Name,
			ID:        event.ID,
			Anonymous: event.Anonymous,
			Fields:    make([]Field, 0, len(event.Inputs)),
		}
		for _, input := range event.Inputs {
			desc.Fields = append(desc.Fields, Field{
				Name:    input.Name,
				Type:    input.Type,
				Indexed: input.Indexed,
			})
		}
		iface.Events = append(iface.Events, desc)
	}
	return iface, nil
}

// Value is a decoded event field
type Value struct {
	Field
	Value interface{}
}

// Integer returns the field as a big integer when it is integer-typed
func (v Value) Integer() (*big.Int, bool) {
	if v.Type.T != abi.IntTy && v.Type.T != abi.UintTy {
		return nil, false
	}
	return toBigInt(v.Value)
}

// DecodedEvent is a log decoded against one descriptor
type DecodedEvent struct {
	Name    string
	Address common.Address
	Fields  []Value
}

func toBigInt(v interface{}) (*big.Int, bool) {
	switch n := v.(type) {
	case *big.Int:
		if n == nil {
			return nil, false
		}
		return new(big.Int).Set(n), true
	case uint8:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint16:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint64:
		return new(big.Int).SetUint64(n), true
	case int8:
		return big.NewInt(int64(n)), true
	case int16:
		return big.NewInt(int64(n)), true
	case int32:
		return big.NewInt(int64(n)), true
	case int64:
		return big.NewInt(n), true
	default:
		return nil, false
	}
}
