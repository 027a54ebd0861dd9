package integration

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"DagPrimary/client"
	"DagPrimary/internal/committee"
	"DagPrimary/internal/committee/committeetest"
	"DagPrimary/internal/network"
	"DagPrimary/internal/storage"
	"DagPrimary/internal/types"
	"DagPrimary/internal/wire"
)

// safeBuffer wraps bytes.Buffer with a mutex for concurrent read/write.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// Write appends data to the buffer (implements io.Writer).
func (sb *safeBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.Write(p)
}

// String returns the buffer contents as a string.
func (sb *safeBuffer) String() string {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	return sb.buf.String()
}

// Primary represents a running primary process.
type Primary struct {
	index    int                // index is the primary's committee index
	cmd      *exec.Cmd          // cmd is the running process
	httpAddr string             // httpAddr is the HTTP API address
	quicAddr string             // quicAddr is the QUIC network address
	dataDir  string             // dataDir is the primary's data directory
	keyPath  string             // keyPath is the primary's private key file
	stdout   *safeBuffer        // stdout captures process output
	stderr   *safeBuffer        // stderr captures process errors
	cancel   context.CancelFunc // cancel stops the process
}

// HTTPAddr returns the primary's HTTP address.
func (p *Primary) HTTPAddr() string { return p.httpAddr }

// IsRunning checks if the process is alive and started successfully.
func (p *Primary) IsRunning() bool {
	if p.cmd == nil || p.cmd.Process == nil {
		return false
	}

	if !strings.Contains(p.stdout.String(), "starting primary") {
		return false
	}

	return p.cmd.ProcessState == nil
}

// Logs returns the primary's stdout output.
func (p *Primary) Logs() string { return p.stdout.String() }

// Stop terminates the process.
func (p *Primary) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	if p.cmd != nil && p.cmd.Process != nil {
		p.cmd.Process.Kill()
		time.Sleep(100 * time.Millisecond)
	}
}

// Worker stands in for a primary's local worker and records the orders it receives.
type Worker struct {
	node *network.Node

	mu     sync.Mutex
	orders []*wire.WorkerSynchronize
}

// Orders returns the WorkerSynchronize messages received so far.
func (w *Worker) Orders() []*wire.WorkerSynchronize {
	w.mu.Lock()
	defer w.mu.Unlock()

	return slices.Clone(w.orders)
}

// Seeder writes a primary's store before its process starts.
type Seeder func(index int, certs *storage.CertificateStore, payloads *storage.PayloadStore) error

// Cluster is a set of primary processes sharing one committee.
type Cluster struct {
	t          *testing.T
	binaryPath string                 // binaryPath is the compiled primary
	testDir    string                 // testDir holds data, keys and the committee file
	fixture    *committeetest.Fixture // fixture signs certificates for the committee
	primaries  []*Primary
	workers    [][]*Worker // workers are indexed by primary then worker id
}

// NewCluster builds the binary and prepares size primaries. Call Start after seeding.
func NewCluster(t *testing.T, size int) *Cluster {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	testDir, err := os.MkdirTemp("", "dagprimary_it_*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(testDir) })

	c := &Cluster{
		t:          t,
		binaryPath: buildBinary(t),
		testDir:    testDir,
	}

	c.setup(size)
	t.Cleanup(c.Stop)

	return c
}

// setup writes keys and the committee file and starts the stand-in workers.
func (c *Cluster) setup(size int) {
	c.t.Helper()

	members := committeetest.NewMembers(size)
	authorities := make([]committee.Authority, size)

	c.primaries = make([]*Primary, size)
	c.workers = make([][]*Worker, size)

	for i, m := range members {
		p := &Primary{
			httpAddr: freeAddr(c.t, "tcp"),
			quicAddr: freeAddr(c.t, "udp"),
			dataDir:  filepath.Join(c.testDir, fmt.Sprintf("primary-%d", i)),
			stdout:   &safeBuffer{},
			stderr:   &safeBuffer{},
		}
		p.keyPath = filepath.Join(p.dataDir, "key")

		if err := os.MkdirAll(p.dataDir, 0755); err != nil {
			c.t.Fatalf("create primary dir %d: %v", i, err)
		}

		if err := os.WriteFile(p.keyPath, m.NetworkKey, 0600); err != nil {
			c.t.Fatalf("write key %d: %v", i, err)
		}

		workers := map[types.WorkerID]string{}
		for id := range 2 {
			w := c.startWorker()
			c.workers[i] = append(c.workers[i], w)
			workers[types.WorkerID(id)] = w.node.Addr()
		}

		authorities[i] = committee.Authority{
			Name:           m.Name,
			Stake:          1,
			BLSKey:         m.BLS.PublicKeyBytes(),
			PrimaryAddress: p.quicAddr,
			Workers:        workers,
		}

		c.primaries[i] = p
	}

	com, err := committee.New(0, authorities)
	if err != nil {
		c.t.Fatalf("build committee: %v", err)
	}

	// From here on primaries and workers are indexed by committee index
	ordered := make([]committeetest.Member, size)
	primaries := make([]*Primary, size)
	workerSets := make([][]*Worker, size)

	for pos, m := range members {
		idx := com.Index(m.Name)
		ordered[idx] = m
		primaries[idx] = c.primaries[pos]
		primaries[idx].index = idx
		workerSets[idx] = c.workers[pos]
	}

	c.fixture = &committeetest.Fixture{Committee: com, Members: ordered}
	c.primaries = primaries
	c.workers = workerSets

	data, err := com.Marshal()
	if err != nil {
		c.t.Fatalf("marshal committee: %v", err)
	}

	if err := os.WriteFile(c.committeePath(), data, 0644); err != nil {
		c.t.Fatalf("write committee: %v", err)
	}
}

// startWorker listens on a loopback port and records WorkerSynchronize messages.
func (c *Cluster) startWorker() *Worker {
	c.t.Helper()

	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		c.t.Fatal(err)
	}

	node, err := network.NewNode(network.Config{PrivateKey: priv, ListenAddr: "127.0.0.1:0"})
	if err != nil {
		c.t.Fatalf("create worker: %v", err)
	}

	w := &Worker{node: node}

	node.OnMessage(func(_ *network.Peer, data []byte) {
		msg, err := wire.DecodeWorkerSynchronize(data)
		if err != nil {
			return
		}

		w.mu.Lock()
		w.orders = append(w.orders, msg)
		w.mu.Unlock()
	})

	if err := node.Start(); err != nil {
		c.t.Fatalf("start worker: %v", err)
	}
	c.t.Cleanup(func() { node.Close() })

	return w
}

// Seed opens each primary's store, runs seed and closes it again.
func (c *Cluster) Seed(seed Seeder) {
	c.t.Helper()

	for i, p := range c.primaries {
		db, err := storage.New(filepath.Join(p.dataDir, "db"))
		if err != nil {
			c.t.Fatalf("open store %d: %v", i, err)
		}

		err = seed(i, storage.NewCertificateStore(db), storage.NewPayloadStore(db))
		db.Close()

		if err != nil {
			c.t.Fatalf("seed primary %d: %v", i, err)
		}
	}
}

// Start launches every primary and waits until their APIs answer.
func (c *Cluster) Start() {
	c.t.Helper()

	for _, p := range c.primaries {
		c.startPrimary(p)
	}

	c.WaitReady(15 * time.Second)
}

// startPrimary starts a single primary process.
func (c *Cluster) startPrimary(p *Primary) {
	c.t.Helper()

	args := []string{
		"--data", p.dataDir,
		"--http", p.httpAddr,
		"--quic", p.quicAddr,
		"--key", p.keyPath,
		"--committee", c.committeePath(),
		"--log-level", "debug",
		"--certificates-timeout", "1s",
		"--availability-timeout", "1s",
		"--payload-timeout", "1s",
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.cmd = exec.CommandContext(ctx, c.binaryPath, args...)
	p.cmd.Stdout = p.stdout
	p.cmd.Stderr = p.stderr

	if err := p.cmd.Start(); err != nil {
		c.t.Fatalf("start primary %d: %v", p.index, err)
	}

	// Wait in background so ProcessState gets set when the process exits.
	go p.cmd.Wait()
}

// WaitReady polls every primary's health endpoint.
func (c *Cluster) WaitReady(timeout time.Duration) {
	c.t.Helper()

	deadline := time.Now().Add(timeout)

	for i, p := range c.primaries {
		for {
			cli, err := client.NewClient(p.httpAddr)
			if err == nil && cli.Health() == nil {
				break
			}

			if time.Now().After(deadline) {
				c.t.Fatalf("primary %d not ready:\nSTDOUT:\n%s\nSTDERR:\n%s", i, p.stdout.String(), p.stderr.String())
			}

			time.Sleep(100 * time.Millisecond)
		}
	}
}

// Stop kills all primaries in parallel.
func (c *Cluster) Stop() {
	var wg sync.WaitGroup

	for _, p := range c.primaries {
		if p == nil {
			continue
		}

		wg.Add(1)

		go func(p *Primary) {
			defer wg.Done()
			p.Stop()
		}(p)
	}

	wg.Wait()
}

// Primary returns a primary by committee index.
func (c *Cluster) Primary(i int) *Primary { return c.primaries[i] }

// Name returns the public key of the primary at committee index i.
func (c *Cluster) Name(i int) types.PublicKey { return c.fixture.Name(i) }

// Certificate builds a quorum-signed certificate authored by primary i.
func (c *Cluster) Certificate(author int, round uint64) *types.Certificate {
	return c.fixture.Certificate(author, round)
}

// Workers returns the stand-in workers of primary i.
func (c *Cluster) Workers(i int) []*Worker { return c.workers[i] }

// Client creates a client.Client connected to primary i.
func (c *Cluster) Client(i int) *client.Client {
	c.t.Helper()

	cli, err := client.NewClient(c.primaries[i].httpAddr)
	if err != nil {
		c.t.Fatalf("create client for primary %d: %v", i, err)
	}

	return cli
}

func (c *Cluster) committeePath() string {
	return filepath.Join(c.testDir, "committee.json")
}

// waitFor polls cond until it holds or timeout passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for condition")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// freeAddr reserves and releases a loopback port.
func freeAddr(t *testing.T, proto string) string {
	t.Helper()

	if proto == "udp" {
		conn, err := net.ListenPacket("udp", "127.0.0.1:0")
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()

		return conn.LocalAddr().String()
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	return ln.Addr().String()
}

// buildBinary compiles the primary binary.
func buildBinary(t *testing.T) string {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "dagprimary_test_*")
	if err != nil {
		t.Fatalf("create temp binary file: %v", err)
	}

	binary := tmpFile.Name()
	tmpFile.Close()

	cmd := exec.Command("go", "build", "-o", binary, "./cmd/primary")
	cmd.Dir = getProjectRoot(t)

	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build failed: %v\n%s", err, output)
	}

	t.Cleanup(func() { os.Remove(binary) })

	return binary
}

// getProjectRoot returns the project root directory (containing go.mod).
func getProjectRoot(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("get working dir: %v", err)
	}

	dir := wd
	for i := 0; i < 5; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		dir = filepath.Dir(dir)
	}

	t.Fatalf("could not find project root from %s", wd)

	return ""
}
