package resolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/cryptofl/roundledger/internal/config"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	addrA = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	addrB = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
	addrC = "0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func newTestResolver(deployments, ignition string) *Resolver {
	return NewResolver(&config.ContractsConfig{
		DeploymentDirs: []string{deployments},
		IgnitionDirs:   []string{ignition},
	}, zap.NewNop())
}

func TestResolve_ExplicitOverrideWins(t *testing.T) {
	root := t.TempDir()
	deployments := filepath.Join(root, "deployments")
	writeFile(t, filepath.Join(deployments, "DAO-31337.json"), `{"address":"`+addrB+`"}`)

	r := newTestResolver(deployments, filepath.Join(root, "ignition"))
	ref, err := r.Resolve(context.Background(), "DAO", 31337, addrA)
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(addrA), ref.Address)
	require.Equal(t, addrA, ref.Address.Hex())
}

func TestResolve_ZeroOrMalformedOverrideIsIgnored(t *testing.T) {
	root := t.TempDir()
	deployments := filepath.Join(root, "deployments")
	writeFile(t, filepath.Join(deployments, "DAO.json"), `{"address":"`+addrB+`"}`)

	r := newTestResolver(deployments, filepath.Join(root, "ignition"))
	for _, explicit := range []string{"", "0x0000000000000000000000000000000000000000", "0x1234", "not-an-address"} {
		ref, err := r.Resolve(context.Background(), "DAO", 31337, explicit)
		require.NoError(t, err, explicit)
		require.Equal(t, common.HexToAddress(addrB), ref.Address)
	}
}

func TestResolve_PriorityOrder(t *testing.T) {
	root := t.TempDir()
	deployments := filepath.Join(root, "deployments")
	ignition := filepath.Join(root, "ignition")
	writeFile(t, filepath.Join(deployments, "31337-dao.json"), `{"address":"`+addrB+`"}`)
	writeFile(t, filepath.Join(deployments, "dao.json"), `{"address":"`+addrC+`"}`)
	writeFile(t, filepath.Join(ignition, "chain-31337", "deployed_addresses.json"), `{"DAOModule#DAO":"`+addrC+`"}`)

	r := newTestResolver(deployments, ignition)
	ref, err := r.Resolve(context.Background(), "DAO", 31337, "")
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(addrB), ref.Address)

	// name-chain beats chain-name
	writeFile(t, filepath.Join(deployments, "DAO-31337.json"), `{"DAO":"`+addrA+`"}`)
	r = newTestResolver(deployments, ignition)
	ref, err = r.Resolve(context.Background(), "DAO", 31337, "")
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(addrA), ref.Address)
}

func TestResolve_FirstMatchingFileWins(t *testing.T) {
	root := t.TempDir()
	deployments := filepath.Join(root, "deployments")
	ignition := filepath.Join(root, "ignition")
	writeFile(t, filepath.Join(deployments, "DAO-31337.json"), `not json`)
	writeFile(t, filepath.Join(deployments, "DAO.json"), `{"note":"no address here"}`)
	writeFile(t, filepath.Join(ignition, "chain-31337", "b", "deployed_addresses.json"), `{"M#DAO":"`+addrC+`"}`)
	writeFile(t, filepath.Join(ignition, "chain-31337", "a", "deployed_addresses.json"), `{"M#DAO":"`+addrB+`"}`)
	writeFile(t, filepath.Join(ignition, "chain-1", "deployed_addresses.json"), `{"M#DAO":"`+addrA+`"}`)

	r := newTestResolver(deployments, ignition)
	ref, err := r.Resolve(context.Background(), "DAO", 31337, "")
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(addrB), ref.Address)
}

func TestResolve_CachesResult(t *testing.T) {
	root := t.TempDir()
	deployments := filepath.Join(root, "deployments")
	path := filepath.Join(deployments, "DAO.json")
	writeFile(t, path, `{"address":"`+addrA+`"}`)

	r := newTestResolver(deployments, filepath.Join(root, "ignition"))
	_, err := r.Resolve(context.Background(), "DAO", 31337, "")
	require.NoError(t, err)

	writeFile(t, path, `{"address":"`+addrB+`"}`)
	ref, err := r.Resolve(context.Background(), "DAO", 31337, "")
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress(addrA), ref.Address)
}

func TestResolve_NotFound(t *testing.T) {
	root := t.TempDir()
	deployments := filepath.Join(root, "deployments")
	writeFile(t, filepath.Join(deployments, "DAO.json"), `{"address":"0x0000000000000000000000000000000000000000"}`)

	r := newTestResolver(deployments, filepath.Join(root, "ignition"))
	_, err := r.Resolve(context.Background(), "DAO", 5, "")

	var resolution *ResolutionError
	require.ErrorAs(t, err, &resolution)
	require.Equal(t, "DAO", resolution.Name)
	require.Equal(t, uint64(5), resolution.ChainID)
	require.Len(t, resolution.Searched, 1)
}

func TestProbe(t *testing.T) {
	cases := []struct {
		name string
		doc  interface{}
		want string
	}{
		{"exact key", map[string]interface{}{"DAO": addrA, "address": addrB}, addrA},
		{"upper key", map[string]interface{}{"Dao": addrC, "DAO": addrA}, addrA},
		{"module suffix", map[string]interface{}{"Other#Token": addrC, "Core#DAO": addrA}, addrA},
		{"key holds object", map[string]interface{}{"dao": map[string]interface{}{"contractAddress": addrB}}, addrB},
		{"synonym", map[string]interface{}{"contractAddress": addrB, "zz": addrC}, addrB},
		{"nested contracts", map[string]interface{}{"contracts": map[string]interface{}{
			"Token": map[string]interface{}{"address": addrC},
			"DAO":   map[string]interface{}{"address": addrA},
		}}, addrA},
		{"first address in sorted keys", map[string]interface{}{
			"b": []interface{}{"x", addrB},
			"a": map[string]interface{}{"deployer": addrC},
		}, addrC},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			addr, ok := Probe(tc.doc, "DAO")
			require.True(t, ok)
			require.Equal(t, common.HexToAddress(tc.want), addr)
		})
	}

	_, ok := Probe(map[string]interface{}{"DAO": "0x12"}, "DAO")
	require.False(t, ok)
}
