package eventlog

import (
	"math/big"
	"strings"

	"github.com/cryptofl/roundledger/internal/model"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Source tells which rule produced a recovered identifier
type Source int

const (
	SourceNone Source = iota
	SourceNamedField
	SourcePositional
	SourceRawTopic
)

func (s Source) String() string {
	switch s {
	case SourceNamedField:
		return "named_field"
	case SourcePositional:
		return "positional"
	case SourceRawTopic:
		return "raw_topic"
	default:
		return "none"
	}
}

// identifierNames are matched case-insensitively against decoded field names
var identifierNames = []string{"id", "offerid", "offer_id", "_id", "_offerid", "jobid", "job_id"}

// Result is the outcome of identifier recovery: either Found or NotFound
type Result struct {
	value *big.Int
	found bool

	Source Source
	Event  string
	Field  string
	// Ambiguous is set when the chosen event carried several non-negative
	// integer fields and none of them had an identifier name.
	Ambiguous bool
}

// Found builds a successful result
func Found(value *big.Int, source Source) Result {
	return Result{value: new(big.Int).Set(value), found: true, Source: source}
}

// NotFound builds the empty result
func NotFound() Result {
	return Result{}
}

// IsFound reports whether an identifier was recovered
func (r Result) IsFound() bool {
	return r.found
}

// Value returns the recovered identifier
func (r Result) Value() (*big.Int, bool) {
	if !r.found {
		return nil, false
	}
	return new(big.Int).Set(r.value), true
}

// RecoverID finds the identifier emitted by target in logs, first match wins:
// a field with an identifier name, then the first non-negative integer field of a
// decoded event, then (only if nothing decoded) the first non-address raw topic.
func RecoverID(iface Interface, target common.Address, logs []model.EventLog) Result {
	var decoded []DecodedEvent
	var raw []model.EventLog
	for _, log := range logs {
		if log.Address != target {
			continue
		}
		raw = append(raw, log)
		if event, ok := Decode(iface, log); ok {
			decoded = append(decoded, event)
		}
	}

	for _, event := range decoded {
		for _, field := range event.Fields {
			if !isIdentifierName(field.Name) {
				continue
			}
			if n, ok := nonNegative(field); ok {
				result := Found(n, SourceNamedField)
				result.Event = event.Name
				result.Field = field.Name
				return result
			}
		}
	}

	for _, event := range decoded {
		var candidates []Value
		var first *big.Int
		for _, field := range event.Fields {
			if n, ok := nonNegative(field); ok {
				if first == nil {
					first = n
				}
				candidates = append(candidates, field)
			}
		}
		if first != nil {
			result := Found(first, SourcePositional)
			result.Event = event.Name
			result.Field = candidates[0].Name
			result.Ambiguous = len(candidates) > 1
			return result
		}
	}

	if len(decoded) == 0 {
		for _, log := range raw {
			if len(log.Topics) < 2 {
				continue
			}
			for _, topic := range log.Topics[1:] {
				if isAddressTopic(topic) {
					continue
				}
				return Found(new(big.Int).SetBytes(topic.Bytes()), SourceRawTopic)
			}
		}
	}

	return NotFound()
}

// FindAddress returns the first address-typed field named field in a decoded event from target
func FindAddress(iface Interface, target common.Address, logs []model.EventLog, field string) (common.Address, bool) {
	for _, log := range logs {
		if log.Address != target {
			continue
		}
		event, ok := Decode(iface, log)
		if !ok {
			continue
		}
		for _, value := range event.Fields {
			if value.Type.T != abi.AddressTy || !strings.EqualFold(value.Name, field) {
				continue
			}
			if addr, ok := value.Value.(common.Address); ok {
				return addr, true
			}
		}
	}
	return common.Address{}, false
}

func isIdentifierName(name string) bool {
	lower := strings.ToLower(name)
	for _, candidate := range identifierNames {
		if lower == candidate {
			return true
		}
	}
	return false
}

func nonNegative(v Value) (*big.Int, bool) {
	n, ok := v.Integer()
	if !ok || n.Sign() < 0 {
		return nil, false
	}
	return n, true
}

// isAddressTopic reports whether topic looks like a left-padded address: 12 zero
// bytes followed by a value too wide for a 64-bit integer. Small counters share
// the zero prefix and are kept as integers.
func isAddressTopic(topic common.Hash) bool {
	for _, b := range topic[:12] {
		if b != 0 {
			return false
		}
	}
	for _, b := range topic[12:24] {
		if b != 0 {
			return true
		}
	}
	return false
}

// Decoder binds an interface to a logger so ambiguous recoveries are reported
type Decoder struct {
	iface  Interface
	logger *zap.Logger
}

// NewDecoder creates a Decoder for iface
func NewDecoder(iface Interface, logger *zap.Logger) *Decoder {
	return &Decoder{iface: iface, logger: logger}
}

// Interface returns the descriptors the decoder matches against
func (d *Decoder) Interface() Interface {
	return d.iface
}

// RecoverID runs RecoverID and warns when the choice was ambiguous
func (d *Decoder) RecoverID(target common.Address, logs []model.EventLog) Result {
	result := RecoverID(d.iface, target, logs)
	if result.Ambiguous {
		d.logger.Warn("Ambiguous identifier in event, picked first integer field",
			zap.String("event", result.Event),
			zap.String("field", result.Field),
			zap.String("contract", target.Hex()))
	}
	if result.IsFound() {
		value, _ := result.Value()
		d.logger.Debug("Recovered identifier from logs",
			zap.String("value", value.String()),
			zap.Stringer("source", result.Source),
			zap.String("event", result.Event))
	}
	return result
}

// FindAddress runs FindAddress against the decoder's interface
func (d *Decoder) FindAddress(target common.Address, logs []model.EventLog, field string) (common.Address, bool) {
	return FindAddress(d.iface, target, logs, field)
}
