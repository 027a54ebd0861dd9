package blocksync

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"DagPrimary/internal/committee"
	"DagPrimary/internal/committee/committeetest"
	"DagPrimary/internal/storage"
	"DagPrimary/internal/types"
)

// fakePrimaries answers peer requests with per-test behaviour and counts calls.
type fakePrimaries struct {
	certs func(ctx context.Context, peer types.PublicKey, digests []types.Digest) ([]*types.Certificate, error)
	avail func(ctx context.Context, peer types.PublicKey, digests []types.Digest) ([]types.Digest, error)

	mu         sync.Mutex
	certCalls  map[types.PublicKey]int
	availCalls map[types.PublicKey]int
}

func newFakePrimaries() *fakePrimaries {
	return &fakePrimaries{
		certCalls:  make(map[types.PublicKey]int),
		availCalls: make(map[types.PublicKey]int),
	}
}

func (f *fakePrimaries) GetCertificates(ctx context.Context, peer committee.Authority, digests []types.Digest) ([]*types.Certificate, error) {
	f.mu.Lock()
	f.certCalls[peer.Name]++
	f.mu.Unlock()

	if f.certs == nil {
		return nil, nil
	}

	return f.certs(ctx, peer.Name, digests)
}

func (f *fakePrimaries) GetPayloadAvailability(ctx context.Context, peer committee.Authority, digests []types.Digest) ([]types.Digest, error) {
	f.mu.Lock()
	f.availCalls[peer.Name]++
	f.mu.Unlock()

	if f.avail == nil {
		return nil, nil
	}

	return f.avail(ctx, peer.Name, digests)
}

func (f *fakePrimaries) certificateCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.certCalls {
		n += c
	}

	return n
}

func (f *fakePrimaries) availabilityCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, c := range f.availCalls {
		n += c
	}

	return n
}

// workerOrderSent is one recorded WorkerSynchronize.
type workerOrderSent struct {
	addr    string
	target  types.PublicKey
	digests []types.BatchDigest
}

// fakeWorkers records orders. With payloads set, it marks ordered batches as
// available, like a worker that fetched them. With hold set, every order stays
// open until its context ends.
type fakeWorkers struct {
	payloads *storage.PayloadStore
	hold     bool
	returned atomic.Int32 // returned counts held orders that finished

	mu     sync.Mutex
	orders []workerOrderSent
}

func (w *fakeWorkers) Synchronize(ctx context.Context, addr string, target types.PublicKey, digests []types.BatchDigest) error {
	w.mu.Lock()
	w.orders = append(w.orders, workerOrderSent{addr: addr, target: target, digests: digests})
	w.mu.Unlock()

	if w.hold {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		w.returned.Add(1)

		return ctx.Err()
	}

	if w.payloads == nil {
		return nil
	}

	// Worker addresses end with the worker id, see committeetest
	id := types.WorkerID(addr[len(addr)-1] - '0')

	for _, d := range digests {
		if err := w.payloads.Write(storage.PayloadKey{Batch: d, Worker: id}); err != nil {
			return err
		}
	}

	return nil
}

func (w *fakeWorkers) sent() []workerOrderSent {
	w.mu.Lock()
	defer w.mu.Unlock()

	return append([]workerOrderSent(nil), w.orders...)
}

// testEnv is a synchronizer for member 0 of a four-member committee.
type testEnv struct {
	fixture      *committeetest.Fixture
	sync         *Synchronizer
	primaries    *fakePrimaries
	workers      *fakeWorkers
	certificates *storage.CertificateStore
	payloads     *storage.PayloadStore
}

func (e *testEnv) self() types.PublicKey { return e.fixture.Name(0) }

// newTestEnv starts a synchronizer over fresh pebble stores.
func newTestEnv(t *testing.T, params Parameters) *testEnv {
	t.Helper()
	return newTestEnvWithMetrics(t, params, nil)
}

func newTestEnvWithMetrics(t *testing.T, params Parameters, metrics *Metrics) *testEnv {
	t.Helper()

	db, err := storage.New(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		fixture:      committeetest.New(4),
		primaries:    newFakePrimaries(),
		workers:      &fakeWorkers{},
		certificates: storage.NewCertificateStore(db),
		payloads:     storage.NewPayloadStore(db),
	}

	s, err := New(Config{
		Name:         env.fixture.Name(0),
		Committee:    env.fixture.Committee,
		Parameters:   params,
		Certificates: env.certificates,
		Payloads:     env.payloads,
		Primaries:    env.primaries,
		Workers:      env.workers,
		Rand:         SeededRand([32]byte{1}),
		Metrics:      metrics,
	})
	if err != nil {
		t.Fatalf("create synchronizer: %v", err)
	}
	t.Cleanup(s.Close)

	env.sync = s

	return env
}

// fastParams keeps failing tests short.
func fastParams() Parameters {
	return Parameters{
		CertificatesSynchronizeTimeout: 300 * time.Millisecond,
		PayloadAvailabilityTimeout:     300 * time.Millisecond,
		PayloadSynchronizeTimeout:      300 * time.Millisecond,
		HandlerTimeout:                 2 * time.Second,
	}
}

// receive reads n results from ch, keyed by digest.
func receive(t *testing.T, ch <-chan Result, n int) map[types.Digest]Result {
	t.Helper()

	got := make(map[types.Digest]Result, n)
	deadline := time.After(3 * time.Second)

	for len(got) < n {
		select {
		case r := <-ch:
			got[r.Digest] = r
		case <-deadline:
			t.Fatalf("received %d results, want %d", len(got), n)
		}
	}

	return got
}

// expectNothing fails if ch yields a result within d.
func expectNothing(t *testing.T, ch <-chan Result, d time.Duration) {
	t.Helper()

	select {
	case r := <-ch:
		t.Fatalf("unexpected result for %s", r.Digest.Short())
	case <-time.After(d):
	}
}

// waitUntil polls cond for up to three seconds.
func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// blockUntil returns a peer behaviour that waits for release or the request deadline.
func blockUntil[R any](release <-chan struct{}, resp R) func(ctx context.Context) (R, error) {
	return func(ctx context.Context) (R, error) {
		select {
		case <-release:
			return resp, nil
		case <-ctx.Done():
			var zero R
			return zero, ctx.Err()
		}
	}
}

// testRound builds a fetch round for member 0 of f.
func testRound(f *committeetest.Fixture, network PrimaryNetwork, timeout time.Duration) round {
	return round{
		committee: f.Committee,
		targets:   f.Committee.OthersPrimaries(f.Name(0)),
		timeout:   timeout,
		rng:       SeededRand([32]byte{2})(),
		network:   network,
		metrics:   NewMetrics(nil),
		log:       discardLogger(),
		tasks:     new(sync.WaitGroup),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
