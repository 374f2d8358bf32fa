package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cryptofl/roundledger/internal/config"
	"github.com/cryptofl/roundledger/internal/ledger"
	"github.com/cryptofl/roundledger/internal/model"
	"github.com/cryptofl/roundledger/internal/resolver"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "round-coordinator",
		Usage: "run federated rounds audited through the job marketplace contracts",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Value: ".",
				Usage: "directory holding config.yaml",
			},
		},
		Commands: []*cli.Command{
			runCommand,
			resolveCommand,
			setupCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// bootstrap loads the configuration and builds the logger shared by every command
func bootstrap(c *cli.Context) (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := config.NewLogger(&cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

func signalContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
}

// connectLedger opens the ledger session and resolves the DAO contract
func connectLedger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*ledger.Client, model.ContractReference, error) {
	client := ledger.NewClient(&cfg.Ethereum, logger)
	if err := client.Connect(ctx); err != nil {
		return nil, model.ContractReference{}, err
	}

	ref, err := resolver.NewResolver(&cfg.Contracts, logger).
		Resolve(ctx, cfg.Contracts.Name, client.ChainID().Uint64(), cfg.Contracts.Address)
	if err != nil {
		client.Close()
		return nil, model.ContractReference{}, err
	}
	return client, ref, nil
}

var resolveCommand = &cli.Command{
	Name:  "resolve",
	Usage: "print the resolved address of a deployed contract",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "name", Usage: "contract name, defaults to contracts.name"},
		&cli.Uint64Flag{Name: "chain-id", Usage: "chain id, read from the node when unset"},
	},
	Action: func(c *cli.Context) error {
		cfg, logger, err := bootstrap(c)
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signalContext(c)
		defer stop()

		name := cfg.Contracts.Name
		if c.IsSet("name") {
			name = c.String("name")
		}

		chainID := c.Uint64("chain-id")
		if chainID == 0 {
			chainID = cfg.Ethereum.ChainID
		}
		if chainID == 0 {
			client := ledger.NewClient(&cfg.Ethereum, logger)
			if err := client.Connect(ctx); err != nil {
				return err
			}
			chainID = client.ChainID().Uint64()
			client.Close()
		}

		ref, err := resolver.NewResolver(&cfg.Contracts, logger).Resolve(ctx, name, chainID, cfg.Contracts.Address)
		if err != nil {
			return err
		}
		fmt.Println(ref.Address.Hex())
		return nil
	},
}
