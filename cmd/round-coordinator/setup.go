package main

import (
	"fmt"
	"math/big"

	"github.com/cryptofl/roundledger/internal/dao"
	"github.com/cryptofl/roundledger/internal/ledger"
	"github.com/cryptofl/roundledger/internal/model"
	"github.com/ethereum/go-ethereum/common"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var setupCommand = &cli.Command{
	Name:  "setup",
	Usage: "register roles, make and accept an offer and sign the job contract",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "description", Value: "federated training job", Usage: "offer description"},
		&cli.StringFlag{Name: "trainer-description", Value: "local trainer", Usage: "trainer registration description"},
		&cli.StringSliceFlag{Name: "spec", Value: cli.NewStringSlice("Proc", "16GB", "8 cores"), Usage: "trainer specification fields, in contract order"},
		&cli.StringFlag{Name: "trainer", Usage: "existing trainer contract; skips trainer registration"},
		&cli.StringFlag{Name: "model-cid", Value: "model", Usage: "content id of the initial model"},
		&cli.StringFlag{Name: "endpoint", Value: "0.0.0.0:8080", Usage: "coordinator endpoint advertised in the offer"},
		&cli.StringFlag{Name: "value-by-update", Value: "1", Usage: "payment per update, in wei"},
		&cli.Uint64Flag{Name: "updates", Value: 3, Usage: "number of paid updates"},
		&cli.StringFlag{Name: "deposit", Usage: "escrow sent when signing, in wei; defaults to value-by-update × updates"},
	},
	Action: runSetup,
}

func runSetup(c *cli.Context) error {
	cfg, logger, err := bootstrap(c)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	valueByUpdate, err := parseWei(c.String("value-by-update"))
	if err != nil {
		return fmt.Errorf("invalid --value-by-update: %w", err)
	}
	var deposit *big.Int
	if c.IsSet("deposit") {
		if deposit, err = parseWei(c.String("deposit")); err != nil {
			return fmt.Errorf("invalid --deposit: %w", err)
		}
	}
	var trainer common.Address
	if c.IsSet("trainer") {
		if !common.IsHexAddress(c.String("trainer")) {
			return fmt.Errorf("invalid --trainer address %q", c.String("trainer"))
		}
		trainer = common.HexToAddress(c.String("trainer"))
	}

	ctx, stop := signalContext(c)
	defer stop()

	client, daoRef, err := connectLedger(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	daoABI, err := ledger.LoadABI(cfg.Ethereum.ABIPath)
	if err != nil {
		return err
	}
	sender := ledger.NewSender(client, &cfg.Ethereum, logger)
	marketplace, err := dao.New(ledger.NewContract(daoRef.Name, daoRef.Address, daoABI, sender), logger)
	if err != nil {
		return err
	}

	result, err := marketplace.Setup(ctx, dao.SetupParams{
		TrainerDescription: c.String("trainer-description"),
		Specification:      dao.Specification(c.StringSlice("spec")),
		Trainer:            trainer,
		Offer: dao.Offer{
			Description:     c.String("description"),
			ModelCID:        c.String("model-cid"),
			Endpoint:        c.String("endpoint"),
			ValueByUpdate:   valueByUpdate,
			NumberOfUpdates: c.Uint64("updates"),
		},
		Deposit: deposit,
	})
	if err != nil {
		logger.Error("Job setup failed",
			zap.Int("transactions", len(result.Receipts)),
			zap.String("cost_wei", result.CostWei.String()),
			zap.Error(err))
		return err
	}

	fmt.Printf("dao:      %s\n", daoRef.Address.Hex())
	fmt.Printf("trainer:  %s\n", result.Trainer.Hex())
	fmt.Printf("offer_id: %s\n", result.OfferID)
	fmt.Printf("job:      %s\n", result.Job.Hex())
	fmt.Printf("gas_eth:  %.9f\n", model.WeiToEther(result.CostWei))
	return nil
}

func parseWei(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%q is not a non-negative integer", s)
	}
	return v, nil
}
