// Package resolver locates deployed contract addresses from an explicit override
// or from the deployment artifacts left behind by the deploy tooling.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cryptofl/roundledger/internal/config"
	"github.com/cryptofl/roundledger/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const manifestName = "deployed_addresses.json"

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// synonyms are top-level keys that hold the address in single-contract artifacts
var synonyms = []string{"dao", "address", "contractAddress"}

// ResolutionError is returned when no candidate yields an address
type ResolutionError struct {
	Name     string
	ChainID  uint64
	Searched []string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("could not resolve address of %s on chain %d (searched %d files)", e.Name, e.ChainID, len(e.Searched))
}

type cacheKey struct {
	name    string
	chainID uint64
}

// Resolver resolves contract addresses and caches them for the process lifetime
type Resolver struct {
	deploymentDirs []string
	ignitionDirs   []string
	logger         *zap.Logger

	mu    sync.Mutex
	cache map[cacheKey]model.ContractReference
}

// NewResolver creates a Resolver searching the directories in cfg, in order
func NewResolver(cfg *config.ContractsConfig, logger *zap.Logger) *Resolver {
	return &Resolver{
		deploymentDirs: append([]string(nil), cfg.DeploymentDirs...),
		ignitionDirs:   append([]string(nil), cfg.IgnitionDirs...),
		logger:         logger,
		cache:          make(map[cacheKey]model.ContractReference),
	}
}

// Resolve returns the address of contract name on chainID. A well-formed non-zero
// explicit address is returned as is without touching the filesystem.
func (r *Resolver) Resolve(ctx context.Context, name string, chainID uint64, explicit string) (model.ContractReference, error) {
	if addr, ok := parseAddress(explicit); ok {
		return model.ContractReference{Name: name, ChainID: chainID, Address: addr}, nil
	}

	key := cacheKey{name: name, chainID: chainID}
	r.mu.Lock()
	ref, ok := r.cache[key]
	r.mu.Unlock()
	if ok {
		return ref, nil
	}

	candidates, err := r.candidates(name, chainID)
	if err != nil {
		return model.ContractReference{}, err
	}
	for _, path := range candidates {
		if err := ctx.Err(); err != nil {
			return model.ContractReference{}, err
		}
		addr, ok := r.probeFile(path, name)
		if !ok {
			continue
		}

		ref = model.ContractReference{Name: name, ChainID: chainID, Address: addr}
		r.mu.Lock()
		r.cache[key] = ref
		r.mu.Unlock()

		r.logger.Info("Resolved contract address",
			zap.String("contract", name),
			zap.Uint64("chain_id", chainID),
			zap.String("address", addr.Hex()),
			zap.String("source", path))
		return ref, nil
	}

	return model.ContractReference{}, &ResolutionError{Name: name, ChainID: chainID, Searched: candidates}
}

// candidates lists the files to probe in priority order. Files that do not exist are skipped.
func (r *Resolver) candidates(name string, chainID uint64) ([]string, error) {
	lower := strings.ToLower(name)
	chain := strconv.FormatUint(chainID, 10)
	stems := uniqueStrings([]string{
		name + "-" + chain,
		lower + "-" + chain,
		chain + "-" + name,
		chain + "-" + lower,
		name,
		lower,
	})

	var out []string
	for _, dir := range r.deploymentDirs {
		for _, stem := range stems {
			path := filepath.Join(dir, stem+".json")
			if isFile(path) {
				out = append(out, path)
			}
		}
	}

	for _, dir := range r.ignitionDirs {
		root := filepath.Join(dir, "chain-"+chain)
		if !isDir(root) {
			continue
		}
		var manifests []string
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && d.Name() == manifestName {
				manifests = append(manifests, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk %s: %w", root, err)
		}
		sort.Strings(manifests)
		out = append(out, manifests...)
	}
	return out, nil
}

func (r *Resolver) probeFile(path, name string) (common.Address, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		r.logger.Debug("Skipping unreadable artifact", zap.String("path", path), zap.Error(err))
		return common.Address{}, false
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		r.logger.Debug("Skipping malformed artifact", zap.String("path", path), zap.Error(err))
		return common.Address{}, false
	}
	return Probe(doc, name)
}

// Probe searches a decoded artifact for the address of name: name keys first, then
// the synonym keys, then a nested contracts map, then any address-shaped string.
func Probe(doc interface{}, name string) (common.Address, bool) {
	names := uniqueStrings([]string{name, strings.ToLower(name), strings.ToUpper(name)})

	if obj, ok := doc.(map[string]interface{}); ok {
		for _, key := range names {
			if addr, ok := addressIn(obj[key]); ok {
				return addr, true
			}
		}
		for _, key := range sortedKeys(obj) {
			idx := strings.LastIndex(key, "#")
			if idx < 0 || !containsString(names, key[idx+1:]) {
				continue
			}
			if addr, ok := addressIn(obj[key]); ok {
				return addr, true
			}
		}

		for _, key := range synonyms {
			if addr, ok := parseAddress(stringValue(obj[key])); ok {
				return addr, true
			}
		}

		if contracts, ok := obj["contracts"].(map[string]interface{}); ok {
			for _, key := range names {
				if addr, ok := addressIn(contracts[key]); ok {
					return addr, true
				}
			}
		}
	}

	return firstAddress(doc)
}

// addressIn accepts either an address string or an object carrying one
func addressIn(v interface{}) (common.Address, bool) {
	switch val := v.(type) {
	case string:
		return parseAddress(val)
	case map[string]interface{}:
		for _, key := range []string{"address", "contractAddress"} {
			if addr, ok := parseAddress(stringValue(val[key])); ok {
				return addr, true
			}
		}
	}
	return common.Address{}, false
}

func firstAddress(v interface{}) (common.Address, bool) {
	switch val := v.(type) {
	case string:
		return parseAddress(val)
	case map[string]interface{}:
		for _, key := range sortedKeys(val) {
			if addr, ok := firstAddress(val[key]); ok {
				return addr, true
			}
		}
	case []interface{}:
		for _, item := range val {
			if addr, ok := firstAddress(item); ok {
				return addr, true
			}
		}
	}
	return common.Address{}, false
}

func parseAddress(s string) (common.Address, bool) {
	s = strings.TrimSpace(s)
	if !addressPattern.MatchString(s) {
		return common.Address{}, false
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, false
	}
	return addr, true
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func uniqueStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !containsString(out, s) {
			out = append(out, s)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
