// Package metrics keeps the ordered record of round outcomes and persists it
package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cryptofl/roundledger/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Document is the persisted experiment summary
type Document struct {
	ExperimentID string              `json:"experiment_id"`
	StartedAt    time.Time           `json:"started_at"`
	FinishedAt   time.Time           `json:"finished_at"`
	Contracts    []string            `json:"contracts"`
	TotalRounds  int                 `json:"total_rounds"`
	TotalGasWei  *big.Int            `json:"total_gas_wei"`
	TotalGasEth  float64             `json:"total_gas_eth"`
	Rounds       []model.RoundRecord `json:"rounds"`
}

// Observer is notified of every appended record
type Observer interface {
	Observe(record model.RoundRecord)
	NotificationFailed(target string)
}

// Collector is an append-only, ordered sequence of round records
type Collector struct {
	path         string
	experimentID string
	contracts    []string
	observer     Observer
	logger       *zap.Logger
	now          func() time.Time

	mu         sync.Mutex
	startedAt  time.Time
	finishedAt time.Time
	records    []model.RoundRecord
	total      *big.Int
}

// NewCollector creates a Collector that saves to path
func NewCollector(path, experimentID string, contracts []common.Address, logger *zap.Logger) *Collector {
	c := &Collector{
		path:         path,
		experimentID: experimentID,
		logger:       logger,
		now:          time.Now,
		total:        new(big.Int),
	}
	for _, addr := range contracts {
		c.contracts = append(c.contracts, addr.Hex())
	}
	c.startedAt = c.now().UTC()
	c.finishedAt = c.startedAt
	return c
}

// SetObserver registers o to be told about every append
func (c *Collector) SetObserver(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = o
}

// Append adds record. Round numbers must strictly increase.
func (c *Collector) Append(record model.RoundRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.records); n > 0 && record.Round <= c.records[n-1].Round {
		return fmt.Errorf("round %d appended after round %d", record.Round, c.records[n-1].Round)
	}
	if record.Round < 0 {
		return fmt.Errorf("invalid round number %d", record.Round)
	}

	record = cloneRecord(record)
	for key, value := range record.Metrics {
		// JSON has no encoding for NaN or ±Inf
		if math.IsNaN(value) || math.IsInf(value, 0) {
			c.logger.Warn("Dropping non-finite metric",
				zap.Int("round", record.Round), zap.String("metric", key), zap.Float64("value", value))
			delete(record.Metrics, key)
		}
	}
	if record.GasCostWei == nil {
		record.GasCostWei = new(big.Int)
	}
	record.GasCostEth = model.WeiToEther(record.GasCostWei)
	c.records = append(c.records, record)
	c.total.Add(c.total, record.GasCostWei)
	c.finishedAt = c.now().UTC()

	if c.observer != nil {
		c.observer.Observe(record)
	}
	return nil
}

// NotificationFailed reports a failed ledger notification to the observer
func (c *Collector) NotificationFailed(target string) {
	c.mu.Lock()
	observer := c.observer
	c.mu.Unlock()
	if observer != nil {
		observer.NotificationFailed(target)
	}
}

// Finish marks the end of the experiment
func (c *Collector) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishedAt = c.now().UTC()
}

// TotalCost returns the running total gas cost in wei
func (c *Collector) TotalCost() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.total)
}

// Records returns a copy of the appended records
func (c *Collector) Records() []model.RoundRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.RoundRecord, len(c.records))
	for i, r := range c.records {
		out[i] = cloneRecord(r)
	}
	return out
}

// Document builds the summary as it would be saved now
func (c *Collector) Document() Document {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc := Document{
		ExperimentID: c.experimentID,
		StartedAt:    c.startedAt,
		FinishedAt:   c.finishedAt,
		Contracts:    append([]string{}, c.contracts...),
		TotalGasWei:  new(big.Int).Set(c.total),
		TotalGasEth:  model.WeiToEther(c.total),
		Rounds:       make([]model.RoundRecord, len(c.records)),
	}
	for i, r := range c.records {
		doc.Rounds[i] = cloneRecord(r)
		if r.Round > 0 {
			doc.TotalRounds++
		}
	}
	return doc
}

// Save writes the document to the configured path, replacing the previous one
// atomically. Saving twice without an append in between writes identical bytes.
func (c *Collector) Save() error {
	data, err := json.MarshalIndent(c.Document(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metrics: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(c.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create metrics file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace metrics file: %w", err)
	}

	c.logger.Info("Saved experiment metrics",
		zap.String("path", c.path),
		zap.Int("bytes", len(data)))
	return nil
}

func cloneRecord(r model.RoundRecord) model.RoundRecord {
	if r.GasCostWei != nil {
		r.GasCostWei = new(big.Int).Set(r.GasCostWei)
	}
	if r.Metrics != nil {
		m := make(map[string]float64, len(r.Metrics))
		for k, v := range r.Metrics {
			m[k] = v
		}
		r.Metrics = m
	}
	r.Errors = append([]string(nil), r.Errors...)
	return r
}
