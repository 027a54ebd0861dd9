package blocksync

import (
	"context"
	"errors"
	"testing"
	"time"

	"DagPrimary/internal/types"
)

func TestHandler_HeadersInOrder(t *testing.T) {
	env := newTestEnv(t, fastParams())
	h := NewHandler(env.sync, time.Second)

	stored := env.fixture.Certificate(1, 3)
	remote := env.fixture.Certificate(2, 3)
	lost := types.Digest{0x42}

	if err := env.certificates.Write(stored); err != nil {
		t.Fatal(err)
	}

	env.primaries.certs = func(_ context.Context, _ types.PublicKey, _ []types.Digest) ([]*types.Certificate, error) {
		return []*types.Certificate{remote}, nil
	}

	results, err := h.GetAndSynchronizeBlockHeaders(context.Background(),
		[]types.Digest{remote.Digest(), stored.Digest(), remote.Digest(), lost})
	if err != nil {
		t.Fatal(err)
	}

	if len(results) != 3 {
		t.Fatalf("results = %d, want one per distinct digest", len(results))
	}

	if results[0].Digest != remote.Digest() || !results[0].OK() || results[0].Header.FetchedFromStorage {
		t.Errorf("remote = %+v", results[0])
	}

	if results[1].Digest != stored.Digest() || !results[1].Header.FetchedFromStorage {
		t.Errorf("stored = %+v", results[1])
	}

	if results[2].Digest != lost || !errors.Is(results[2].Err, ErrNoResponse) {
		t.Errorf("lost = %+v", results[2])
	}
}

func TestHandler_Deadline(t *testing.T) {
	params := fastParams()
	params.CertificatesSynchronizeTimeout = 5 * time.Second

	env := newTestEnv(t, params)
	h := NewHandler(env.sync, 100*time.Millisecond)

	env.primaries.certs = func(ctx context.Context, _ types.PublicKey, _ []types.Digest) ([]*types.Certificate, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	d := types.Digest{0x11}

	start := time.Now()
	results, err := h.GetAndSynchronizeBlockHeaders(context.Background(), []types.Digest{d})
	if err != nil {
		t.Fatal(err)
	}

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("handler ignored its deadline: %v", elapsed)
	}

	if !errors.Is(results[0].Err, ErrTimeout) {
		t.Errorf("expected Timeout, got %v", results[0].Err)
	}
}

func TestHandler_Payload(t *testing.T) {
	env := newTestEnv(t, fastParams())
	env.workers.payloads = env.payloads
	h := NewHandler(env.sync, time.Second)

	own := env.fixture.Certificate(0, 6)
	remote := env.fixture.Certificate(3, 6)

	env.primaries.avail = func(_ context.Context, _ types.PublicKey, _ []types.Digest) ([]types.Digest, error) {
		return []types.Digest{remote.Digest()}, nil
	}

	results, err := h.SynchronizeBlockPayload(context.Background(), []*types.Certificate{own, nil, remote, own})
	if err != nil {
		t.Fatal(err)
	}

	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}

	if !results[0].Header.FetchedFromStorage {
		t.Errorf("own = %+v", results[0])
	}

	if !results[1].OK() || results[1].Header.FetchedFromStorage {
		t.Errorf("remote = %+v", results[1])
	}
}

func TestHandler_Empty(t *testing.T) {
	env := newTestEnv(t, fastParams())
	h := NewHandler(env.sync, time.Second)

	results, err := h.GetAndSynchronizeBlockHeaders(context.Background(), nil)
	if err != nil || results != nil {
		t.Errorf("got %v, %v", results, err)
	}
}

func TestHandler_Closed(t *testing.T) {
	env := newTestEnv(t, fastParams())
	h := NewHandler(env.sync, time.Second)

	env.sync.Close()

	_, err := h.GetAndSynchronizeBlockHeaders(context.Background(), []types.Digest{{1}})
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
