package main

import (
	"crypto/ed25519"
	"errors"
	"flag"
	"fmt"
	"os"

	"DagPrimary/internal/logger"
	"DagPrimary/internal/types"
)

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	logger.Init(level)

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run(cfg *Config) error {
	var err error
	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	if cfg.PrintIdentity {
		return printIdentity(cfg)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg)

	return node.Run()
}

// printIdentity writes the name and BLS key to paste into a committee file.
func printIdentity(cfg *Config) error {
	blsKey, err := loadBLSKey(cfg.BLSSeedPath, cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("load bls key:\n%w", err)
	}

	fmt.Printf("name: %s\nbls:  %x\n", nameOf(cfg.PrivateKey), blsKey.PublicKeyBytes())

	return nil
}

// printStartupInfo displays primary configuration at startup.
func printStartupInfo(cfg *Config) {
	logger.Info("starting primary",
		"name", nameOf(cfg.PrivateKey).String(),
		"http", cfg.HTTPAddress,
		"quic", cfg.QUICAddress,
		"data", cfg.DataPath,
		"committee", cfg.CommitteePath,
	)
}

func nameOf(priv ed25519.PrivateKey) types.PublicKey {
	var name types.PublicKey
	copy(name[:], priv.Public().(ed25519.PublicKey))

	return name
}
