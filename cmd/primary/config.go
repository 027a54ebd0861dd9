package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"DagPrimary/internal/blocksync"
	"DagPrimary/internal/crypto"
)

// Config holds the primary configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP admin API listen address.
	HTTPAddress string

	// QUICAddress is the QUIC listen address for primaries and workers.
	QUICAddress string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the primary's Ed25519 network key.
	PrivateKey ed25519.PrivateKey

	// BLSSeedPath is an optional file holding the BLS key seed.
	// Without it the BLS key is derived from PrivateKey.
	BLSSeedPath string

	// CommitteePath is the committee JSON file.
	CommitteePath string

	// LogLevel is the minimum log level.
	LogLevel string

	// PrintIdentity prints the public keys for the committee file and exits.
	PrintIdentity bool

	// Sync holds the synchronizer timeouts.
	Sync blocksync.Parameters
}

// parseFlags parses command-line flags into Config.
func parseFlags(args []string) (*Config, error) {
	cfg := &Config{}
	defaults := blocksync.DefaultParameters()

	fs := flag.NewFlagSet("primary", flag.ContinueOnError)

	fs.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	fs.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP admin API address")
	fs.StringVar(&cfg.QUICAddress, "quic", ":9000", "QUIC P2P address")
	fs.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	fs.StringVar(&cfg.BLSSeedPath, "bls-seed", "", "BLS key seed path (derived from the Ed25519 key if empty)")
	fs.StringVar(&cfg.CommitteePath, "committee", "./committee.json", "Committee JSON file")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.PrintIdentity, "print-identity", false, "Print the public keys and exit")
	fs.DurationVar(&cfg.Sync.CertificatesSynchronizeTimeout, "certificates-timeout", defaults.CertificatesSynchronizeTimeout, "Per-peer certificate request timeout")
	fs.DurationVar(&cfg.Sync.PayloadAvailabilityTimeout, "availability-timeout", defaults.PayloadAvailabilityTimeout, "Per-peer payload availability request timeout")
	fs.DurationVar(&cfg.Sync.PayloadSynchronizeTimeout, "payload-timeout", 0, "Payload wait timeout (defaults to the availability timeout)")
	fs.DurationVar(&cfg.Sync.HandlerTimeout, "handler-timeout", defaults.HandlerTimeout, "Deadline of a blocking sync call")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Sync.Validate(); err != nil {
		return nil, fmt.Errorf("invalid timeouts:\n%w", err)
	}

	if err := checkTimeouts(cfg.Sync); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}

// loadBLSKey reads the BLS seed file, or derives the key from the network key.
func loadBLSKey(seedPath string, priv ed25519.PrivateKey) (*crypto.KeyPair, error) {
	if seedPath == "" {
		return crypto.DeriveFromED25519(priv)
	}

	data, err := os.ReadFile(seedPath)
	if err != nil {
		return nil, fmt.Errorf("read bls seed:\n%w", err)
	}

	return crypto.GenerateKeyFromSeed([]byte(strings.TrimSpace(string(data))))
}

// minRequestTimeout is the shortest accepted per-peer request timeout.
const minRequestTimeout = 10 * time.Millisecond

// checkTimeouts rejects request timeouts too short to complete a round trip.
func checkTimeouts(p blocksync.Parameters) error {
	if p.CertificatesSynchronizeTimeout != 0 && p.CertificatesSynchronizeTimeout < minRequestTimeout {
		return fmt.Errorf("certificates timeout %s below %s", p.CertificatesSynchronizeTimeout, minRequestTimeout)
	}

	if p.PayloadAvailabilityTimeout != 0 && p.PayloadAvailabilityTimeout < minRequestTimeout {
		return fmt.Errorf("availability timeout %s below %s", p.PayloadAvailabilityTimeout, minRequestTimeout)
	}

	return nil
}
