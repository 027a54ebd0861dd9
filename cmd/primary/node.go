package main

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"DagPrimary/internal/api"
	"DagPrimary/internal/blocksync"
	"DagPrimary/internal/committee"
	"DagPrimary/internal/logger"
	"DagPrimary/internal/network"
	"DagPrimary/internal/storage"
	"DagPrimary/internal/types"
	"DagPrimary/internal/wire"
)

// Interfaces wired together by the node.
var (
	_ blocksync.PrimaryNetwork = (*wire.PrimaryClient)(nil)
	_ blocksync.WorkerNetwork  = (*wire.WorkerClient)(nil)
	_ wire.RequestHandler      = (*blocksync.Responder)(nil)
	_ api.Synchronizer         = (*blocksync.Handler)(nil)
	_ api.CertificateStore     = (*storage.CertificateStore)(nil)
)

// Node is a running primary: stores, transport, synchronizer and admin API.
type Node struct {
	cfg       *Config
	name      types.PublicKey
	committee atomic.Pointer[committee.Committee]
	storage   *storage.Storage
	certs     *storage.CertificateStore
	payloads  *storage.PayloadStore
	registry  *prometheus.Registry
	network   *network.Node
	sync      *blocksync.Synchronizer
	handler   *blocksync.Handler
	api       *api.Server
}

// NewNode loads the committee and opens every component. Nothing listens yet.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg, name: nameOf(cfg.PrivateKey)}

	if err := n.initCommittee(); err != nil {
		return nil, err
	}

	if err := n.initStorage(); err != nil {
		return nil, err
	}

	if err := n.initNetwork(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initSynchronizer(); err != nil {
		n.Close()
		return nil, err
	}

	return n, nil
}

// initCommittee loads the committee and checks this primary belongs to it.
func (n *Node) initCommittee() error {
	c, err := committee.Load(n.cfg.CommitteePath)
	if err != nil {
		return fmt.Errorf("load committee:\n%w", err)
	}

	self, ok := c.Authority(n.name)
	if !ok {
		return fmt.Errorf("primary %s is not in the committee", n.name.Short())
	}

	blsKey, err := loadBLSKey(n.cfg.BLSSeedPath, n.cfg.PrivateKey)
	if err != nil {
		return fmt.Errorf("load bls key:\n%w", err)
	}

	if !bytes.Equal(blsKey.PublicKeyBytes(), self.BLSKey) {
		logger.Warn("bls key does not match the committee entry", "name", n.name.Short())
	}

	n.committee.Store(c)

	logger.Info("committee loaded", "epoch", c.Epoch(), "size", c.Size(), "quorum", c.QuorumThreshold())

	return nil
}

// initStorage initializes the Pebble storage.
func (n *Node) initStorage() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(filepath.Join(n.cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db
	n.certs = storage.NewCertificateStore(db)
	n.payloads = storage.NewPayloadStore(db)

	return nil
}

// initNetwork creates the QUIC node and routes peer requests to the stores.
func (n *Node) initNetwork() error {
	node, err := network.NewNode(network.Config{
		PrivateKey: n.cfg.PrivateKey,
		ListenAddr: n.cfg.QUICAddress,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = node

	wire.NewRouter(blocksync.NewResponder(n.certs, n.payloads)).Register(node)

	return nil
}

// initSynchronizer starts the synchronizer loop with its metrics.
func (n *Node) initSynchronizer() error {
	n.registry = prometheus.NewRegistry()
	n.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	s, err := blocksync.New(blocksync.Config{
		Name:         n.name,
		Committee:    n.committee.Load(),
		Parameters:   n.cfg.Sync,
		Certificates: n.certs,
		Payloads:     n.payloads,
		Primaries:    wire.NewPrimaryClient(n.network),
		Workers:      wire.NewWorkerClient(n.network),
		Metrics:      blocksync.NewMetrics(n.registry),
	})
	if err != nil {
		return fmt.Errorf("init synchronizer:\n%w", err)
	}

	n.sync = s
	n.handler = blocksync.NewHandler(s, n.cfg.Sync.HandlerTimeout)

	return nil
}

// Start opens the QUIC listener and the HTTP API.
func (n *Node) Start() error {
	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	n.api = api.New(api.Config{
		Addr:     n.cfg.HTTPAddress,
		Name:     n.name,
		Epoch:    func() uint64 { return n.committee.Load().Epoch() },
		Sync:     n.handler,
		Certs:    n.certs,
		Status:   n.sync,
		Gatherer: n.registry,
	})

	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	return nil
}

// Run starts the node and blocks until shutdown signal.
func (n *Node) Run() error {
	if err := n.Start(); err != nil {
		n.Close()
		return err
	}

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM is received.
// SIGHUP reloads the committee file.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if err := n.reloadCommittee(); err != nil {
				logger.Error("reload committee", "error", err)
			}
			continue
		}

		logger.Info("shutting down", "signal", sig.String())
		break
	}

	return n.Close()
}

// reloadCommittee reads the committee file again and hands it to the
// synchronizer. A committee without this primary stops synchronization.
func (n *Node) reloadCommittee() error {
	c, err := committee.Load(n.cfg.CommitteePath)
	if err != nil {
		return fmt.Errorf("load committee:\n%w", err)
	}

	if !c.Contains(n.name) {
		logger.Warn("primary left the committee, stopping synchronizer", "epoch", c.Epoch())

		if err := n.sync.Reconfigure(blocksync.Shutdown()); err != nil {
			return fmt.Errorf("shut down synchronizer:\n%w", err)
		}

		return nil
	}

	if err := n.sync.Reconfigure(blocksync.NewCommittee(c)); err != nil {
		return fmt.Errorf("reconfigure synchronizer:\n%w", err)
	}

	n.committee.Store(c)

	logger.Info("committee reloaded", "epoch", c.Epoch(), "size", c.Size())

	return nil
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	if n.sync != nil {
		n.sync.Close()
	}

	if n.network != nil {
		n.network.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}

	return nil
}
