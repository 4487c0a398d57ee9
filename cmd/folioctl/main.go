package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"folio/chain/evm"
	"folio/cmd/internal/passphrase"
	"folio/config"
	"folio/ledger/balance"
	"folio/ledger/models"
	"folio/observability/logging"
	"folio/services/settled"
	"folio/settlement"
	"folio/storage"
)

const (
	defaultConfig        = "./settled.yaml"
	defaultPassphraseEnv = "FOLIO_TREASURY_PASSPHRASE"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "migrate":
		err = runMigrate(ctx, os.Args[2:])
	case "balance":
		err = runBalance(ctx, os.Args[2:])
	case "settle-once":
		err = runSettleOnce(ctx, os.Args[2:])
	case "reconcile-deposits":
		err = runReconcileDeposits(ctx, os.Args[2:])
	case "export-report":
		err = runExportReport(ctx, os.Args[2:])
	case "admin-token":
		err = runAdminToken(os.Args[2:])
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
	fmt.Fprintf(os.Stderr, `Usage: folioctl <command> [flags]

Commands:
  migrate              apply the ledger schema
  balance <wallet>     show a reader balance and recent ledger entries
  settle-once          run one settlement cycle
  reconcile-deposits   run one deposit reconciliation sweep
  export-report        write CSV and Parquet payout reports
  admin-token          mint a bearer token for the admin API
`)
}

func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	path := fs.String("config", defaultConfig, "Path to the settled config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config.Load(*path)
}

// CLI logs go to stderr so command output stays parseable.
func logOptions(cfg *config.Config) logging.Options {
	return logging.Options{Level: cfg.Logging.Level, Output: os.Stderr}
}

func runMigrate(ctx context.Context, args []string) error {
	cfg, err := loadConfig(flag.NewFlagSet("migrate", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	db, err := settled.OpenDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer storage.Close(db)
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	fmt.Println("schema up to date")
	return nil
}

func runBalance(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("balance", flag.ExitOnError)
	entries := fs.Int("entries", 10, "Number of recent ledger entries to show")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("balance requires exactly one wallet argument")
	}
	db, err := settled.OpenDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer storage.Close(db)

	units := evm.Units{MinorDecimals: cfg.Chain.MinorDecimals}
	store := balance.NewStore(db, nil)
	bal, err := store.GetBalance(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	fmt.Printf("wallet:     %s\n", bal.Wallet)
	fmt.Printf("available:  %s\n", units.Format(bal.Available))
	fmt.Printf("deposited:  %s\n", units.Format(bal.TotalDeposited))
	fmt.Printf("spent:      %s\n", units.Format(bal.TotalSpent))
	if *entries <= 0 {
		return nil
	}
	rows, err := store.Entries(ctx, fs.Arg(0), *entries)
	if err != nil {
		return err
	}
	for _, e := range rows {
		fmt.Printf("%s  %-16s %12s  -> %s\n", e.CreatedAt.UTC().Format(time.RFC3339), e.Reason, units.Format(e.Delta), units.Format(e.BalanceAfter))
	}
	return nil
}

func buildApp(ctx context.Context, name string, args []string) (*settled.App, error) {
	cfg, err := loadConfig(flag.NewFlagSet(name, flag.ExitOnError), args)
	if err != nil {
		return nil, err
	}
	log := logging.Setup(cfg.Service, cfg.Environment, logOptions(cfg))
	envVar := cfg.Treasury.PassphraseEnv
	if envVar == "" {
		envVar = defaultPassphraseEnv
	}
	return settled.Build(ctx, cfg, passphrase.NewSource(envVar).Get, log)
}

func runSettleOnce(ctx context.Context, args []string) error {
	app, err := buildApp(ctx, "settle-once", args)
	if err != nil {
		return err
	}
	defer app.Close()
	report, err := app.Worker.RunCycle(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runReconcileDeposits(ctx context.Context, args []string) error {
	app, err := buildApp(ctx, "reconcile-deposits", args)
	if err != nil {
		return err
	}
	defer app.Close()
	report, err := app.Sweeper.Run(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runExportReport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export-report", flag.ExitOnError)
	from := fs.String("from", "", "Window start (RFC3339); defaults to 24h before -to")
	to := fs.String("to", "", "Window end (RFC3339); defaults to now")
	out := fs.String("out", "", "Output directory; defaults to settlement.report_dir")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	opts := settlement.ReportOptions{OutputDir: cfg.Settlement.ReportDir}
	if strings.TrimSpace(*out) != "" {
		opts.OutputDir = *out
	}
	if opts.Start, err = parseTime(*from); err != nil {
		return fmt.Errorf("-from: %w", err)
	}
	if opts.End, err = parseTime(*to); err != nil {
		return fmt.Errorf("-to: %w", err)
	}
	db, err := settled.OpenDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer storage.Close(db)
	files, err := settlement.ExportReport(ctx, db, opts, logging.Setup(cfg.Service, cfg.Environment, logOptions(cfg)))
	if err != nil {
		return err
	}
	return printJSON(files)
}

func runAdminToken(args []string) error {
	fs := flag.NewFlagSet("admin-token", flag.ExitOnError)
	subject := fs.String("subject", "operator", "Token subject")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	token, err := settled.IssueToken(settled.AuthConfig{
		Secret:   cfg.Admin.JWTSecret,
		Issuer:   cfg.Admin.Issuer,
		Audience: cfg.Admin.Audience,
	}, *subject, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func parseTime(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
