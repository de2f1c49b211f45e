// Copyright 2024 The go-equa Authors
// This file is part of the go-equa library.

// hbbft-node is the operator front-end for the HBBFT consensus engine:
// config + logging wiring, fork-definition validation, keygen-history
// inspection and enode derivation. The chain client, transaction pool and
// devp2p stack live in the host node this engine is embedded into.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/olekukonko/tablewriter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"golang.org/x/exp/slog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/poanetwork/hbbft-node/consensus/hbbft/fork"
	"github.com/poanetwork/hbbft-node/consensus/hbbft/memorium"
	hbtypes "github.com/poanetwork/hbbft-node/consensus/hbbft/types"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	datadirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Data directory for memorium dumps and peer snapshots",
	}
	forkFileFlag = &cli.StringFlag{
		Name:  "forks",
		Usage: "Fork-definition JSON file",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "Prometheus listen address (empty disables metrics)",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
)

func main() {
	app := &cli.App{
		Name:  "hbbft-node",
		Usage: "HoneyBadger BFT consensus engine tooling",
		Flags: []cli.Flag{configFlag, datadirFlag, forkFileFlag, metricsAddrFlag, verbosityFlag},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run the engine's local services (memorium worker, metrics export)",
				Action: runNode,
				Flags:  []cli.Flag{configFlag, datadirFlag, forkFileFlag, metricsAddrFlag, verbosityFlag},
			},
			{
				Name:      "enode",
				Usage:     "Derive the devp2p node id and enode URL from a private key",
				ArgsUsage: "<private-key-hex>",
				Action:    printEnode,
			},
			{
				Name:      "check-forks",
				Usage:     "Validate a fork-definition JSON file",
				ArgsUsage: "<fork-file>",
				Action:    checkForks,
			},
			{
				Name:      "keygen-info",
				Usage:     "Print the validator table from a keygen-history export",
				ArgsUsage: "<export-file>",
				Action:    keygenInfo,
			},
			{
				Name:   "dumpconfig",
				Usage:  "Write the default configuration as TOML to stdout",
				Action: doDumpConfig,
				Flags:  []cli.Flag{configFlag},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		var fatal *hbtypes.FatalConfigError
		if errors.As(err, &fatal) {
			log.Error("fatal configuration error", "err", fatal.Err)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func resolveConfig(ctx *cli.Context) (Config, error) {
	cfg := defaultConfig()
	if path := ctx.String(configFlag.Name); path != "" {
		if err := loadConfig(path, &cfg); err != nil {
			return cfg, err
		}
	}
	if ctx.IsSet(datadirFlag.Name) {
		cfg.DataDir = ctx.String(datadirFlag.Name)
	}
	if ctx.IsSet(forkFileFlag.Name) {
		cfg.ForkFile = ctx.String(forkFileFlag.Name)
	}
	if ctx.IsSet(metricsAddrFlag.Name) {
		cfg.MetricsAddr = ctx.String(metricsAddrFlag.Name)
	}
	if ctx.IsSet(verbosityFlag.Name) {
		cfg.Log.Verbosity = ctx.Int(verbosityFlag.Name)
	}
	return cfg, nil
}

func setupLogging(cfg *Config) {
	var handler slog.Handler
	if cfg.Log.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		}
		handler = log.NewTerminalHandlerWithLevel(rotated, log.FromLegacyLevel(cfg.Log.Verbosity), false)
	} else {
		handler = log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(cfg.Log.Verbosity), true)
	}
	log.SetDefault(log.NewLogger(handler))
}

func runNode(ctx *cli.Context) error {
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}
	setupLogging(&cfg)

	if cfg.ForkFile != "" {
		forks, err := fork.LoadDefinitions(cfg.ForkFile)
		if err != nil {
			return err
		}
		log.Info("loaded fork definitions", "count", len(forks), "file", cfg.ForkFile)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	mem := memorium.New(memorium.Config{
		Dir:           filepath.Join(cfg.DataDir, "memorium"),
		WriteInterval: time.Duration(cfg.MemoriumWriteIntervalSec) * time.Second,
		BlocksToKeep:  cfg.MemoriumBlocksToKeep,
	}, reg)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mem.Start(runCtx)
	defer mem.Close()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Info("metrics server listening", "addr", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error("metrics server failed", "err", err)
			}
		}()
	}

	log.Info("hbbft-node services running", "datadir", cfg.DataDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("received shutdown signal")
	return nil
}

// printEnode derives the 64-byte node id from a private key, the same
// derivation the peers manager uses to build reserved-peer URLs.
func printEnode(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return errors.New("usage: hbbft-node enode <private-key-hex>")
	}
	raw, err := hex.DecodeString(ctx.Args().First())
	if err != nil {
		return fmt.Errorf("decode private key: %w", err)
	}
	priv, err := crypto.ToECDSA(raw)
	if err != nil {
		return fmt.Errorf("parse private key: %w", err)
	}

	pub := crypto.FromECDSAPub(&priv.PublicKey)
	nodeID, err := hbtypes.BytesToNodeId(pub[1:])
	if err != nil {
		return err
	}

	fmt.Printf("public key: %x\n", pub)
	fmt.Printf("node id:    %s\n", nodeID)
	fmt.Printf("address:    %s\n", nodeID.Address())
	fmt.Printf("enode:      enode://%s@<ip>:<port>\n", nodeID)
	return nil
}

func checkForks(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return errors.New("usage: hbbft-node check-forks <fork-file>")
	}
	forks, err := fork.LoadDefinitions(ctx.Args().First())
	if err != nil {
		return err
	}
	for _, fd := range forks {
		end := "open"
		if fd.EndBlock != nil {
			end = fmt.Sprint(*fd.EndBlock)
		}
		fmt.Printf("fork at %d (end %s): %d validators, %d parts\n",
			fd.StartBlock, end, len(fd.Validators), len(fd.Parts))
	}
	return nil
}

func keygenInfo(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return errors.New("usage: hbbft-node keygen-info <export-file>")
	}
	exp, err := fork.LoadKeygenHistoryExport(ctx.Args().First())
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "Node ID", "Staking Address", "Endpoint"})
	for i, v := range exp.Validators {
		nodeID, err := hbtypes.BytesToNodeId(v)
		if err != nil {
			return &hbtypes.FatalConfigError{Err: fmt.Errorf("validator %d: %w", i, err)}
		}
		staking := ""
		if i < len(exp.StakingAddresses) {
			staking = exp.StakingAddresses[i]
		}
		endpoint := ""
		if i < len(exp.IPAddresses) {
			endpoint = exp.IPAddresses[i]
		}
		short := nodeID.String()
		table.Append([]string{fmt.Sprint(i), short[:16] + "…", staking, endpoint})
	}
	table.Render()
	fmt.Printf("%d parts, %d ack groups\n", len(exp.Parts), len(exp.Acks))
	return nil
}

func doDumpConfig(ctx *cli.Context) error {
	cfg, err := resolveConfig(ctx)
	if err != nil {
		return err
	}
	out, err := dumpConfig(&cfg)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
