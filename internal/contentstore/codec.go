package contentstore

import (
	"encoding/json"
	"fmt"

	"github.com/cryptofl/roundledger/internal/model"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

const parametersFormat = "roundledger/parameters/v1"

type parametersDocument struct {
	Format  string           `json:"format"`
	Tensors model.Parameters `json:"tensors"`
}

// EncodeParameters serialises parameters for publication
func EncodeParameters(params model.Parameters) ([]byte, error) {
	for i, t := range params {
		if size := shapeSize(t.Shape); size != len(t.Values) {
			return nil, fmt.Errorf("tensor %d: shape %v holds %d values, got %d", i, t.Shape, size, len(t.Values))
		}
	}
	data, err := json.Marshal(parametersDocument{Format: parametersFormat, Tensors: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal parameters: %w", err)
	}
	return data, nil
}

// DecodeParameters parses content produced by EncodeParameters
func DecodeParameters(data []byte) (model.Parameters, error) {
	var doc parametersDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
	}
	if doc.Format != parametersFormat {
		return nil, fmt.Errorf("unsupported parameters format %q", doc.Format)
	}
	for i, t := range doc.Tensors {
		if size := shapeSize(t.Shape); size != len(t.Values) {
			return nil, fmt.Errorf("tensor %d: shape %v holds %d values, got %d", i, t.Shape, size, len(t.Values))
		}
	}
	return doc.Tensors, nil
}

func shapeSize(shape []int) int {
	size := 1
	for _, d := range shape {
		size *= d
	}
	return size
}

// ComputeCID returns the CIDv1 (raw codec, sha2-256) of data
func ComputeCID(data []byte) (string, error) {
	hash, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("failed to hash content: %w", err)
	}
	return cid.NewCidV1(cid.Raw, hash).String(), nil
}
