package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cryptofl/roundledger/internal/config"
	"github.com/cryptofl/roundledger/internal/contentstore"
	"github.com/cryptofl/roundledger/internal/coordinator"
	"github.com/cryptofl/roundledger/internal/dao"
	"github.com/cryptofl/roundledger/internal/ledger"
	"github.com/cryptofl/roundledger/internal/metrics"
	"github.com/cryptofl/roundledger/internal/model"
	"github.com/cryptofl/roundledger/internal/participant"
	"github.com/cryptofl/roundledger/internal/publisher"
	"github.com/cryptofl/roundledger/internal/telemetry"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "run an experiment",
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "clients", Aliases: []string{"c"}, Usage: "number of in-process participants"},
		&cli.IntFlag{Name: "rounds", Aliases: []string{"r"}, Usage: "number of rounds"},
	},
	Action: runExperiment,
}

func runExperiment(c *cli.Context) error {
	cfg, logger, err := bootstrap(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if c.IsSet("clients") {
		cfg.Experiment.Participants = c.Int("clients")
	}
	if c.IsSet("rounds") {
		cfg.Experiment.Rounds = c.Int("rounds")
	}
	if err := cfg.ValidateRun(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Experiment.Participants < cfg.Experiment.MinParticipants {
		return fmt.Errorf("%d participants cannot satisfy min_participants %d",
			cfg.Experiment.Participants, cfg.Experiment.MinParticipants)
	}

	ctx, stop := signalContext(c)
	defer stop()

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	client, daoRef, err := connectLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	sender := ledger.NewSender(client, &cfg.Ethereum, logger)
	targets, err := buildTargets(cfg, daoRef, sender)
	if err != nil {
		return err
	}
	logger.Info("Notification targets ready",
		zap.String("dao", daoRef.Address.Hex()),
		zap.Int("targets", len(targets)),
		zap.String("priority_fee_ceiling_wei", sender.FeeCeiling().String()))

	store, closeStore, err := contentstore.Open(ctx, &cfg.Content, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("Failed to close content store", zap.Error(err))
		}
	}()

	experimentID := uuid.NewString()
	logger = logger.With(zap.String("experiment_id", experimentID))

	contracts := make([]common.Address, 0, len(targets))
	for _, t := range targets {
		contracts = append(contracts, t.Address)
	}
	collector := metrics.NewCollector(cfg.Experiment.MetricsFile, experimentID, contracts, logger)

	registry := prometheus.NewRegistry()
	prom, err := metrics.NewPrometheus(registry)
	if err != nil {
		return err
	}
	collector.SetObserver(prom)
	if cfg.Telemetry.MetricsAddr != "" {
		srv := serveMetrics(cfg.Telemetry.MetricsAddr, registry, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var pub publisher.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher := publisher.NewKafkaPublisher(&cfg.Kafka, experimentID, logger)
		if err := kafkaPublisher.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect to Kafka: %w", err)
		}
		defer kafkaPublisher.Close()
		pub = kafkaPublisher
	}

	pool := participant.NewPool(syntheticTrainers(cfg.Experiment.Participants),
		cfg.Experiment.ParticipantTimeout, store, logger)

	coord := coordinator.NewCoordinator(coordinator.Config{
		Rounds:          cfg.Experiment.Rounds,
		MinParticipants: cfg.Experiment.MinParticipants,
	}, coordinator.Dependencies{
		Participants: pool,
		Initializer:  participant.StaticInitializer{Parameters: participant.SharpenFilter()},
		Store:        store,
		Targets:      targets,
		Recorder:     collector,
		Publisher:    pub,
	}, logger)

	err = coord.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("Shutdown signal received, experiment stopped",
			zap.Int("recorded_rounds", len(collector.Records())))
		return nil
	}
	if err != nil {
		return err
	}

	doc := collector.Document()
	logger.Info("Experiment results",
		zap.Int("total_rounds", doc.TotalRounds),
		zap.String("total_gas_wei", doc.TotalGasWei.String()),
		zap.Float64("total_gas_eth", doc.TotalGasEth),
		zap.String("cid", coord.ContentID()),
		zap.String("metrics_file", cfg.Experiment.MetricsFile))
	return nil
}

// buildTargets creates the notification targets. Without configured targets the
// DAO itself is notified for contracts.job_id. The configuration must have passed
// ValidateRun.
func buildTargets(cfg *config.Config, daoRef model.ContractReference, sender *ledger.Sender) ([]coordinator.Target, error) {
	daoABI, err := ledger.LoadABI(cfg.Ethereum.ABIPath)
	if err != nil {
		return nil, err
	}
	daoContract := ledger.NewContract(daoRef.Name, daoRef.Address, daoABI, sender)
	var jobID uint64
	if cfg.Contracts.JobID != nil {
		jobID = *cfg.Contracts.JobID
	}

	if len(cfg.Contracts.Targets) == 0 {
		return []coordinator.Target{{
			Name:     daoRef.Name,
			Address:  daoRef.Address,
			Notifier: dao.NewDAONotifier(daoContract, "", jobID),
		}}, nil
	}

	var jobABI *abi.ABI
	targets := make([]coordinator.Target, 0, len(cfg.Contracts.Targets))
	for i, tc := range cfg.Contracts.Targets {
		name := tc.Name
		if name == "" {
			name = fmt.Sprintf("%s-%d", tc.Kind, i)
		}

		switch tc.Kind {
		case config.TargetKindDAO:
			contract := daoContract
			if tc.Address != "" {
				contract = ledger.NewContract(name, common.HexToAddress(tc.Address), daoABI, sender)
			}
			targets = append(targets, coordinator.Target{
				Name:     name,
				Address:  contract.Address,
				Notifier: dao.NewDAONotifier(contract, tc.Method, jobID),
			})
		case config.TargetKindJob:
			if !common.IsHexAddress(tc.Address) {
				return nil, fmt.Errorf("target %s: job contract address %q is invalid", name, tc.Address)
			}
			if jobABI == nil {
				parsed, err := ledger.LoadABI(cfg.Ethereum.JobABIPath)
				if err != nil {
					return nil, err
				}
				jobABI = &parsed
			}
			contract := ledger.NewContract(name, common.HexToAddress(tc.Address), *jobABI, sender)
			targets = append(targets, coordinator.Target{
				Name:     name,
				Address:  contract.Address,
				Notifier: dao.NewJobNotifier(contract, tc.Method),
			})
		}
	}
	return targets, nil
}

// syntheticTrainers creates n participants whose local optima are spread around
// the initial filter
func syntheticTrainers(n int) []participant.Trainer {
	base := participant.SharpenFilter()
	trainers := make([]participant.Trainer, n)
	for i := range trainers {
		offset := float64(i) - float64(n-1)/2
		trainers[i] = participant.NewSynthetic(
			fmt.Sprintf("participant-%d", i),
			participant.Offset(base, offset*0.1),
			int64(5+i),
			0.5,
		)
	}
	return trainers
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("addr", addr))
	return srv
}
