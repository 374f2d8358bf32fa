package ledger

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const updateABI = `[{"type":"function","name":"UpdateGlobalModel","stateMutability":"nonpayable",
"inputs":[{"name":"jobId","type":"uint256"},{"name":"cid","type":"string"}],"outputs":[]}]`

func TestParseABI_Layouts(t *testing.T) {
	bare, err := ParseABI([]byte(updateABI))
	require.NoError(t, err)
	require.Contains(t, bare.Methods, "UpdateGlobalModel")

	artifact, err := ParseABI([]byte(`{"contractName":"DAO","abi":` + updateABI + `}`))
	require.NoError(t, err)
	require.Contains(t, artifact.Methods, "UpdateGlobalModel")

	_, err = ParseABI([]byte(`{"contractName":"DAO"}`))
	require.Error(t, err)

	_, err = ParseABI([]byte(`not json`))
	require.Error(t, err)
}

func TestLoadABI(t *testing.T) {
	path := filepath.Join(t.TempDir(), "DAO.json")
	require.NoError(t, os.WriteFile(path, []byte(updateABI), 0o600))

	parsed, err := LoadABI(path)
	require.NoError(t, err)
	require.Len(t, parsed.Methods, 1)

	_, err = LoadABI(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestContract_TransactPacksCall(t *testing.T) {
	backend := newFakeBackend()
	sender, _ := newTestSender(t, backend)
	parsed, err := ParseABI([]byte(updateABI))
	require.NoError(t, err)

	contract := NewContract("dao", target, parsed, sender)
	_, err = contract.Transact(context.Background(), nil, "UpdateGlobalModel", big.NewInt(1), "bafy")
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	want, err := parsed.Pack("UpdateGlobalModel", big.NewInt(1), "bafy")
	require.NoError(t, err)
	require.Equal(t, want, backend.sent[0].Data())
	require.Equal(t, target, *backend.sent[0].To())
}

func TestContract_PackFailureIsPreBroadcast(t *testing.T) {
	backend := newFakeBackend()
	sender, _ := newTestSender(t, backend)
	parsed, err := ParseABI([]byte(updateABI))
	require.NoError(t, err)

	contract := NewContract("dao", target, parsed, sender)
	_, err = contract.Transact(context.Background(), nil, "UpdateGlobalModel", "wrong")
	var estimation *EstimationError
	require.ErrorAs(t, err, &estimation)
	require.Zero(t, backend.estimateCalls)
	require.Zero(t, backend.nonceCalls)
}
