package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"

	"yashubustudio/autofc/autofc"
	"yashubustudio/autofc/internal/app"
)

type cliOptions struct {
	configPath  string
	strategy    string
	logPath     string
	trialsPath  string
	trainDir    string
	validDir    string
	epochs      int
	seed        int64
	metricsAddr string
	saveConfig  bool
	stdout      bool
}

func main() {
	opts, err := parseFlags()
	if err != nil {
		log.Fatalf("autofc-cli: %v", err)
	}
	if err := run(opts); err != nil {
		log.Fatalf("autofc-cli: %v", err)
	}
}

func parseFlags() (cliOptions, error) {
	var opts cliOptions
	flag.StringVar(&opts.configPath, "config", "", "Path to config.json (default: ./config.json)")
	flag.StringVar(&opts.strategy, "strategy", "", "Search strategy: bayesian or grid (default from config)")
	flag.StringVar(&opts.logPath, "log", "", "Result log CSV (default depends on the strategy)")
	flag.StringVar(&opts.trialsPath, "trials", "", "Optional CSV recording every Bayesian trial")
	flag.StringVar(&opts.trainDir, "train", "", "Training image directory, one subdirectory per class")
	flag.StringVar(&opts.validDir, "valid", "", "Validation image directory, one subdirectory per class")
	flag.IntVar(&opts.epochs, "epochs", 0, "Training epochs per candidate")
	flag.Int64Var(&opts.seed, "seed", 0, "Seed for shuffling, initialization and the optimizer")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
	flag.BoolVar(&opts.saveConfig, "save-config", false, "Write the effective configuration back to --config")
	flag.BoolVar(&opts.stdout, "stdout", false, "Print the result log to STDOUT when the search ends")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [options]\n\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	flag.Parse()

	opts.configPath = strings.TrimSpace(opts.configPath)
	opts.strategy = strings.ToLower(strings.TrimSpace(opts.strategy))
	opts.logPath = strings.TrimSpace(opts.logPath)
	opts.trialsPath = strings.TrimSpace(opts.trialsPath)
	opts.trainDir = strings.TrimSpace(opts.trainDir)
	opts.validDir = strings.TrimSpace(opts.validDir)
	opts.metricsAddr = strings.TrimSpace(opts.metricsAddr)

	switch autofc.Strategy(opts.strategy) {
	case "", autofc.StrategyBayesian, autofc.StrategyGrid:
	default:
		flag.Usage()
		return opts, fmt.Errorf("unknown --strategy %q", opts.strategy)
	}
	if opts.epochs < 0 {
		flag.Usage()
		return opts, errors.New("--epochs must be positive")
	}
	return opts, nil
}

func run(opts cliOptions) error {
	cfg, err := autofc.LoadConfig(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyOverrides(&cfg, opts)
	if opts.saveConfig {
		if err := autofc.SaveConfig(opts.configPath, cfg); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := log.New(os.Stdout, "", log.LstdFlags)
	session, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer session.Close()

	sum, err := session.Service.Run(ctx)
	fmt.Println(app.Summary(sum, session.Service.Log()))
	if opts.stdout {
		printTable(app.TableData(session.Service.Log().Rows()))
	}
	if errors.Is(err, context.Canceled) {
		fmt.Println("search interrupted; completed rows are saved and will be skipped on the next run")
		return nil
	}
	return err
}

func applyOverrides(cfg *autofc.Config, opts cliOptions) {
	if opts.strategy != "" && autofc.Strategy(opts.strategy) != cfg.Strategy {
		cfg.Strategy = autofc.Strategy(opts.strategy)
		if opts.logPath == "" {
			cfg.LogPath = ""
		}
	}
	if opts.logPath != "" {
		cfg.LogPath = opts.logPath
	}
	if opts.trialsPath != "" {
		cfg.TrialsPath = opts.trialsPath
	}
	if opts.trainDir != "" {
		cfg.TrainDir = opts.trainDir
	}
	if opts.validDir != "" {
		cfg.ValidDir = opts.validDir
	}
	if opts.epochs > 0 {
		cfg.Epochs = opts.epochs
	}
	if opts.seed != 0 {
		cfg.Seed = opts.seed
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	cfg.ApplyDefaults()
}

func printTable(data [][]string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, row := range data {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}
