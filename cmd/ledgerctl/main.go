package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agentmarket/cmd/internal/confirm"
	"agentmarket/services/ledgerd/bridge"
	"agentmarket/services/ledgerd/config"
	"agentmarket/services/ledgerd/ledger"
	"agentmarket/services/ledgerd/retention"
	"agentmarket/services/ledgerd/storage"
)

const (
	seedCommand    = "seed-coins"
	balanceCommand = "balance"
	settleCommand  = "settle"
	rejectCommand  = "reject"
	verifyCommand  = "verify"
	archiveCommand = "archive"

	defaultConfig = "services/ledgerd/config.yaml"
	operatorActor = "ledgerctl"
	assumeYesEnv  = "LEDGERCTL_ASSUME_YES"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case seedCommand:
		err = runSeed(os.Args[2:])
	case balanceCommand:
		err = runBalance(os.Args[2:])
	case settleCommand:
		err = runSettle(os.Args[2:])
	case rejectCommand:
		err = runReject(os.Args[2:])
	case verifyCommand:
		err = runVerify(os.Args[2:])
	case archiveCommand:
		err = runArchive(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: ledgerctl <command> [flags]

Commands:
  %-11s register coins from a TOML seed file
  %-11s print an agent's balance in a coin
  %-11s settle a pending bridge transfer
  %-11s reject a pending bridge transfer and release the hold
  %-11s compare wallet balances against journal sums
  %-11s export and purge ledger entries older than a horizon
`, seedCommand, balanceCommand, settleCommand, rejectCommand, verifyCommand, archiveCommand)
}

func openDB(configPath string) (*gorm.DB, config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, cfg, fmt.Errorf("load config: %w", err)
	}
	dsn := cfg.Database.DSN
	if cfg.Database.Driver == storage.DriverSQLite && dsn == "" {
		dsn, err = storage.FileDSN(cfg.Database.Path)
		if err != nil {
			return nil, cfg, err
		}
	}
	db, err := storage.Open(cfg.Database.Driver, dsn, storage.Options{})
	if err != nil {
		return nil, cfg, fmt.Errorf("open database: %w", err)
	}
	return db, cfg, nil
}

func runSeed(args []string) error {
	fs := flag.NewFlagSet(seedCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the ledgerd config file")
	file := fs.String("file", "", "TOML coin seed file (defaults to coins_file from the config)")
	fs.Parse(args)

	db, cfg, err := openDB(*configPath)
	if err != nil {
		return err
	}
	defer storage.Close(db)
	path := strings.TrimSpace(*file)
	if path == "" {
		path = cfg.CoinsFile
	}
	if path == "" {
		return fmt.Errorf("no seed file given and coins_file not configured")
	}
	return seedCoins(context.Background(), ledger.NewCoinRegistry(db), path, os.Stdout)
}

func seedCoins(ctx context.Context, registry *ledger.CoinRegistry, path string, out io.Writer) error {
	specs, err := ledger.LoadCoinSeeds(path)
	if err != nil {
		return err
	}
	if err := registry.Seed(ctx, specs); err != nil {
		return err
	}
	for _, spec := range specs {
		fmt.Fprintf(out, "seeded %s\n", spec.Symbol)
	}
	return nil
}

func runBalance(args []string) error {
	fs := flag.NewFlagSet(balanceCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the ledgerd config file")
	agent := fs.String("agent", "", "Agent id")
	coin := fs.String("coin", "", "Coin symbol")
	fs.Parse(args)

	db, _, err := openDB(*configPath)
	if err != nil {
		return err
	}
	defer storage.Close(db)
	return printBalance(context.Background(), ledger.NewCoordinator(db), *agent, *coin, os.Stdout)
}

func printBalance(ctx context.Context, coord *ledger.Coordinator, agent, coin string, out io.Writer) error {
	symbol, err := ledger.NormalizeSymbol(coin)
	if err != nil {
		return err
	}
	balance, err := coord.Wallets().Balance(ctx, agent, symbol)
	if err != nil {
		return err
	}
	formatted := fmt.Sprintf("%d", balance)
	if meta, err := coord.Coins().Get(ctx, symbol); err == nil {
		formatted = coord.Coins().Format(*meta, balance)
	}
	fmt.Fprintf(out, "%s %s %d (%s)\n", agent, symbol, balance, formatted)
	return nil
}

func runSettle(args []string) error {
	fs := flag.NewFlagSet(settleCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the ledgerd config file")
	id := fs.String("id", "", "Bridge transfer id")
	actor := fs.String("actor", operatorActor, "Operator recorded as the settler")
	fs.Parse(args)

	transferID, err := uuid.Parse(strings.TrimSpace(*id))
	if err != nil {
		return fmt.Errorf("invalid transfer id: %w", err)
	}
	db, cfg, err := openDB(*configPath)
	if err != nil {
		return err
	}
	defer storage.Close(db)
	transfer, err := newBridge(db, cfg).Settle(context.Background(), transferID, *actor)
	if err != nil {
		return err
	}
	fmt.Printf("transfer %s %s\n", transfer.UUID, transfer.Status)
	return nil
}

func runReject(args []string) error {
	fs := flag.NewFlagSet(rejectCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the ledgerd config file")
	id := fs.String("id", "", "Bridge transfer id")
	reason := fs.String("reason", "", "Rejection reason")
	actor := fs.String("actor", operatorActor, "Operator recorded on the release")
	fs.Parse(args)

	transferID, err := uuid.Parse(strings.TrimSpace(*id))
	if err != nil {
		return fmt.Errorf("invalid transfer id: %w", err)
	}
	db, cfg, err := openDB(*configPath)
	if err != nil {
		return err
	}
	defer storage.Close(db)
	transfer, err := newBridge(db, cfg).Reject(context.Background(), transferID, *reason, *actor)
	if err != nil {
		return err
	}
	fmt.Printf("transfer %s %s\n", transfer.UUID, transfer.Status)
	return nil
}

func newBridge(db *gorm.DB, cfg config.Config) *bridge.Manager {
	return bridge.NewManager(ledger.NewCoordinator(db), db, bridge.Options{
		ReservedCoin:        cfg.Bridge.ReservedCoin,
		ReservedCoinAllowed: cfg.Bridge.ReservedCoinAllowed,
	})
}

func runVerify(args []string) error {
	fs := flag.NewFlagSet(verifyCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the ledgerd config file")
	coin := fs.String("coin", "", "Coin symbol to verify")
	agent := fs.String("agent", "", "Restrict verification to one agent")
	fs.Parse(args)

	db, _, err := openDB(*configPath)
	if err != nil {
		return err
	}
	defer storage.Close(db)
	drifts, err := verify(context.Background(), ledger.NewVerifier(db), *agent, *coin, os.Stdout)
	if err != nil {
		return err
	}
	if drifts > 0 {
		return fmt.Errorf("%d wallet(s) drifted from the journal", drifts)
	}
	return nil
}

func verify(ctx context.Context, verifier *ledger.Verifier, agent, coin string, out io.Writer) (int, error) {
	var drifts []ledger.Drift
	if strings.TrimSpace(agent) != "" {
		drift, err := verifier.VerifyWallet(ctx, agent, coin)
		if err != nil {
			return 0, err
		}
		if drift != nil {
			drifts = append(drifts, *drift)
		}
	} else {
		found, err := verifier.VerifyCoin(ctx, coin)
		if err != nil {
			return 0, err
		}
		drifts = found
	}
	for _, d := range drifts {
		fmt.Fprintf(out, "drift %s %s balance=%d journal=%d\n", d.AgentID, d.Coin, d.Balance, d.Journal)
	}
	if len(drifts) == 0 {
		fmt.Fprintln(out, "ok")
	}
	return len(drifts), nil
}

func runArchive(args []string) error {
	fs := flag.NewFlagSet(archiveCommand, flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the ledgerd config file")
	horizon := fs.Duration("horizon", 0, "Archive entries older than this (defaults to retention.horizon)")
	dir := fs.String("dir", "", "Archive directory (defaults to retention.archive_dir)")
	yes := fs.Bool("yes", false, "Skip the confirmation prompt")
	fs.Parse(args)

	db, cfg, err := openDB(*configPath)
	if err != nil {
		return err
	}
	defer storage.Close(db)
	if *horizon <= 0 {
		*horizon = cfg.Retention.Horizon.Duration
	}
	if strings.TrimSpace(*dir) == "" {
		*dir = cfg.Retention.ArchiveDir
	}
	archiver, err := retention.NewArchiver(db, *dir, cfg.Retention.BatchSize)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-*horizon)
	if !*yes {
		action := fmt.Sprintf("Archive and delete ledger entries created before %s", cutoff.UTC().Format(time.RFC3339))
		if err := confirm.NewPrompt(assumeYesEnv).Require(action, archiveCommand); err != nil {
			return err
		}
	}
	result, err := archiver.Run(context.Background(), cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("archived=%d deleted=%d path=%s blake3=%s\n", result.Archived, result.Deleted, result.Path, result.Checksum)
	return nil
}
