package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"DagPrimary/internal/blocksync"
	"DagPrimary/internal/committee/committeetest"
	"DagPrimary/internal/types"
)

// mockSync answers from a fixed set of certificates.
type mockSync struct {
	known       map[types.Digest]*types.Certificate
	payloadReqs [][]*types.Certificate
	err         error
}

func (m *mockSync) GetAndSynchronizeBlockHeaders(_ context.Context, digests []types.Digest) ([]blocksync.Result, error) {
	if m.err != nil {
		return nil, m.err
	}

	results := make([]blocksync.Result, len(digests))

	for i, d := range digests {
		if cert, ok := m.known[d]; ok {
			results[i] = blocksync.Result{Digest: d, Header: blocksync.BlockHeader{Certificate: cert}}
			continue
		}
		results[i] = blocksync.Result{Digest: d, Err: &blocksync.SyncError{Kind: blocksync.NoResponse, Digest: d}}
	}

	return results, nil
}

func (m *mockSync) SynchronizeBlockPayload(_ context.Context, certs []*types.Certificate) ([]blocksync.Result, error) {
	m.payloadReqs = append(m.payloadReqs, certs)

	results := make([]blocksync.Result, len(certs))
	for i, c := range certs {
		results[i] = blocksync.Result{Digest: c.Digest(), Header: blocksync.BlockHeader{Certificate: c, FetchedFromStorage: true}}
	}

	return results, nil
}

// mockStore is an in-memory certificate store.
type mockStore struct {
	certs map[types.Digest]*types.Certificate
}

func (m *mockStore) ReadAll(digests []types.Digest) ([]*types.Certificate, error) {
	out := make([]*types.Certificate, len(digests))
	for i, d := range digests {
		out[i] = m.certs[d]
	}
	return out, nil
}

func (m *mockStore) Count() (int, error) {
	return len(m.certs), nil
}

type mockStatus struct{ pending int }

func (m mockStatus) Pending() int { return m.pending }

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, r)
	w := httptest.NewRecorder()

	s.Handler().ServeHTTP(w, req)

	return w
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{Addr: ":0"})

	w := do(t, server, "GET", "/health", nil)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}

	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %s", resp["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := committeetest.New(4)
	cert := f.Certificate(1, 1)

	server := New(Config{
		Name:   f.Name(0),
		Epoch:  func() uint64 { return 3 },
		Certs:  &mockStore{certs: map[types.Digest]*types.Certificate{cert.Digest(): cert}},
		Status: mockStatus{pending: 2},
	})

	w := do(t, server, "GET", "/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var status Status
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}

	want := Status{Name: f.Name(0).String(), Epoch: 3, Certificates: 1, Pending: 2}
	if status != want {
		t.Errorf("status = %+v, want %+v", status, want)
	}
}

func TestStatusEndpoint_Unavailable(t *testing.T) {
	w := do(t, New(Config{}), "GET", "/status", nil)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestSyncHeaders(t *testing.T) {
	f := committeetest.New(4)
	cert := f.Certificate(2, 9)
	missing := types.Digest{0x01}

	sync := &mockSync{known: map[types.Digest]*types.Certificate{cert.Digest(): cert}}
	server := New(Config{Sync: sync, Certs: &mockStore{}})

	w := do(t, server, "POST", "/sync/headers", SyncRequest{Digests: []string{cert.Digest().String(), missing.String()}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp SyncResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	if len(resp.Results) != 2 {
		t.Fatalf("results = %d", len(resp.Results))
	}

	ok := resp.Results[0]
	if !ok.OK || ok.Round != 9 || ok.Author != f.Name(2).String() {
		t.Errorf("ok result = %+v", ok)
	}

	failed := resp.Results[1]
	if failed.OK || !strings.Contains(failed.Error, "no peer") {
		t.Errorf("failed result = %+v", failed)
	}
}

func TestSyncHeaders_BadRequest(t *testing.T) {
	server := New(Config{Sync: &mockSync{}, Certs: &mockStore{}})

	bodies := []any{
		SyncRequest{},
		SyncRequest{Digests: []string{"zz"}},
		SyncRequest{Digests: []string{"abcd"}},
		"not an object",
	}

	for _, body := range bodies {
		if w := do(t, server, "POST", "/sync/headers", body); w.Code != http.StatusBadRequest {
			t.Errorf("body %v: expected status 400, got %d", body, w.Code)
		}
	}
}

func TestSyncHeaders_Closed(t *testing.T) {
	server := New(Config{Sync: &mockSync{err: blocksync.ErrClosed}, Certs: &mockStore{}})

	w := do(t, server, "POST", "/sync/headers", SyncRequest{Digests: []string{types.Digest{1}.String()}})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status 503, got %d", w.Code)
	}
}

func TestSyncPayload(t *testing.T) {
	f := committeetest.New(4)
	cert := f.Certificate(1, 4)
	unknown := types.Digest{0x77}

	sync := &mockSync{}
	store := &mockStore{certs: map[types.Digest]*types.Certificate{cert.Digest(): cert}}
	server := New(Config{Sync: sync, Certs: store})

	w := do(t, server, "POST", "/sync/payload", SyncRequest{Digests: []string{unknown.String(), cert.Digest().String()}})
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}

	if len(sync.payloadReqs) != 1 || len(sync.payloadReqs[0]) != 1 || sync.payloadReqs[0][0] != cert {
		t.Fatalf("payload requests = %v", sync.payloadReqs)
	}

	var resp SyncResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}

	if len(resp.Results) != 2 || !resp.Results[0].FromStorage || resp.Results[1].OK {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	blocksync.NewMetrics(reg)

	w := do(t, New(Config{Gatherer: reg}), "GET", "/metrics", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	if !strings.Contains(w.Body.String(), "blocksync_pending_requests") {
		t.Error("metrics output should list the synchronizer gauge")
	}
}

func TestMetricsEndpoint_Disabled(t *testing.T) {
	w := do(t, New(Config{}), "GET", "/metrics", nil)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestStartStop(t *testing.T) {
	server := New(Config{Addr: "127.0.0.1:0"})

	if err := server.Start(); err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}

	if err := server.Stop(); err != nil {
		t.Errorf("stop: %v", err)
	}
}
