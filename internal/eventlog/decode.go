package eventlog

import (
	"math/big"

	"github.com/cryptofl/roundledger/internal/model"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Decode matches log against every descriptor of iface and returns the first that decodes.
// Non-anonymous events must carry their signature hash in topic 0 and are tried
// before any anonymous event.
func Decode(iface Interface, log model.EventLog) (DecodedEvent, bool) {
	for _, anonymous := range []bool{false, true} {
		for _, desc := range iface.Events {
			if desc.Anonymous != anonymous {
				continue
			}
			if event, ok := decodeWith(desc, log); ok {
				return event, true
			}
		}
	}
	return DecodedEvent{}, false
}

func decodeWith(desc EventDescriptor, log model.EventLog) (DecodedEvent, bool) {
	topics := log.Topics
	if !desc.Anonymous {
		if len(topics) == 0 || topics[0] != desc.ID {
			return DecodedEvent{}, false
		}
		topics = topics[1:]
	}
	if len(topics) != desc.indexedCount() {
		return DecodedEvent{}, false
	}

	data, err := desc.dataArguments().UnpackValues(log.Data)
	if err != nil {
		return DecodedEvent{}, false
	}

	event := DecodedEvent{
		Name:    desc.Name,
		Address: log.Address,
		Fields:  make([]Value, 0, len(desc.Fields)),
	}
	var topicIdx, dataIdx int
	for _, field := range desc.Fields {
		var value interface{}
		if field.Indexed {
			value = topicValue(field.Type, topics[topicIdx])
			topicIdx++
		} else {
			if dataIdx >= len(data) {
				return DecodedEvent{}, false
			}
			value = data[dataIdx]
			dataIdx++
		}
		event.Fields = append(event.Fields, Value{Field: field, Value: value})
	}
	return event, true
}

// topicValue reconstructs an indexed parameter. Dynamic types are only
// available as their hash and are returned as common.Hash.
func topicValue(typ abi.Type, topic common.Hash) interface{} {
	switch typ.T {
	case abi.UintTy:
		return new(big.Int).SetBytes(topic.Bytes())
	case abi.IntTy:
		n := new(big.Int).SetBytes(topic.Bytes())
		if topic[0]&0x80 != 0 {
			n.Sub(n, new(big.Int).Lsh(big.NewInt(1), 256))
		}
		return n
	case abi.AddressTy:
		return common.BytesToAddress(topic.Bytes()[12:])
	case abi.BoolTy:
		return topic[31] == 1
	default:
		return topic
	}
}
