package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"DagPrimary/internal/blocksync"
	"DagPrimary/internal/logger"
	"DagPrimary/internal/types"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 1 << 20 // 1 MB

	// syncTimeout bounds a sync request on top of the synchronizer's own deadline.
	syncTimeout = 30 * time.Second
)

// Synchronizer resolves digests through the block synchronizer.
type Synchronizer interface {
	GetAndSynchronizeBlockHeaders(ctx context.Context, digests []types.Digest) ([]blocksync.Result, error)
	SynchronizeBlockPayload(ctx context.Context, certs []*types.Certificate) ([]blocksync.Result, error)
}

// CertificateStore reads local certificates.
type CertificateStore interface {
	ReadAll(digests []types.Digest) ([]*types.Certificate, error)
	Count() (int, error)
}

// StatusProvider exposes synchronizer state for monitoring.
type StatusProvider interface {
	Pending() int
}

// Status is the GET /status response.
type Status struct {
	Name         string `json:"name"`         // Name is the primary's public key in hex
	Epoch        uint64 `json:"epoch"`        // Epoch is the committee epoch
	Certificates int    `json:"certificates"` // Certificates is the number of stored certificates
	Pending      int    `json:"pending"`      // Pending is the number of in-flight synchronizations
}

// SyncRequest is the body of POST /sync/headers and POST /sync/payload.
type SyncRequest struct {
	Digests []string `json:"digests"` // Digests are hex-encoded certificate digests
}

// SyncResult is the outcome for one digest.
type SyncResult struct {
	Digest      string `json:"digest"`
	OK          bool   `json:"ok"`
	FromStorage bool   `json:"fromStorage,omitempty"`
	Round       uint64 `json:"round,omitempty"`
	Author      string `json:"author,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SyncResponse is the response of the sync endpoints.
type SyncResponse struct {
	Results []SyncResult `json:"results"`
}

// Server is the HTTP admin API server.
type Server struct {
	addr     string              // addr is the HTTP listen address
	name     types.PublicKey     // name is the local primary
	epoch    func() uint64       // epoch returns the current committee epoch
	sync     Synchronizer        // sync resolves digests
	certs    CertificateStore    // certs is the local certificate store
	status   StatusProvider      // status provides synchronizer state
	gatherer prometheus.Gatherer // gatherer serves /metrics, disabled if nil
	server   *http.Server        // server is the underlying HTTP server
	listener net.Listener        // listener is bound by Start
}

// Config holds the dependencies of a Server.
type Config struct {
	Addr     string
	Name     types.PublicKey
	Epoch    func() uint64
	Sync     Synchronizer
	Certs    CertificateStore
	Status   StatusProvider
	Gatherer prometheus.Gatherer
}

// New creates a new HTTP API server.
func New(cfg Config) *Server {
	return &Server{
		addr:     cfg.Addr,
		name:     cfg.Name,
		epoch:    cfg.Epoch,
		sync:     cfg.Sync,
		certs:    cfg.Certs,
		status:   cfg.Status,
		gatherer: cfg.Gatherer,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /sync/headers", s.handleSyncHeaders)
	mux.HandleFunc("POST /sync/payload", s.handleSyncPayload)

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return mux
}

// Start binds the listen address and serves in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s:\n%w", s.addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: syncTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("http api started", "addr", ln.Addr().String())

		if err := s.server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}

	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.certs == nil || s.status == nil {
		writeError(w, http.StatusServiceUnavailable, "status not available")
		return
	}

	count, err := s.certs.Count()
	if err != nil {
		logger.Error("count certificates", "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	status := Status{
		Name:         s.name.String(),
		Certificates: count,
		Pending:      s.status.Pending(),
	}

	if s.epoch != nil {
		status.Epoch = s.epoch()
	}

	writeJSON(w, http.StatusOK, status)
}

// handleSyncHeaders handles POST /sync/headers requests.
func (s *Server) handleSyncHeaders(w http.ResponseWriter, r *http.Request) {
	digests, ok := s.readDigests(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), syncTimeout)
	defer cancel()

	results, err := s.sync.GetAndSynchronizeBlockHeaders(ctx, digests)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SyncResponse{Results: toSyncResults(results)})
}

// handleSyncPayload handles POST /sync/payload requests. Certificates are read
// from the local store; digests without a stored certificate fail directly.
func (s *Server) handleSyncPayload(w http.ResponseWriter, r *http.Request) {
	digests, ok := s.readDigests(w, r)
	if !ok {
		return
	}

	stored, err := s.certs.ReadAll(digests)
	if err != nil {
		logger.Error("read certificates", "error", err)
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}

	var (
		certs   []*types.Certificate
		unknown []SyncResult
	)

	for i, cert := range stored {
		if cert == nil {
			unknown = append(unknown, SyncResult{Digest: digests[i].String(), Error: "certificate not stored"})
			continue
		}
		certs = append(certs, cert)
	}

	ctx, cancel := context.WithTimeout(r.Context(), syncTimeout)
	defer cancel()

	results, err := s.sync.SynchronizeBlockPayload(ctx, certs)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, SyncResponse{Results: append(toSyncResults(results), unknown...)})
}

// readDigests decodes and validates a SyncRequest, writing the error response itself.
func (s *Server) readDigests(w http.ResponseWriter, r *http.Request) ([]types.Digest, bool) {
	if s.sync == nil || s.certs == nil {
		writeError(w, http.StatusServiceUnavailable, "synchronizer not available")
		return nil, false
	}

	var req SyncRequest

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}

	digests, err := parseDigests(req.Digests)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	return digests, true
}

// toSyncResults converts synchronizer results to their JSON form.
func toSyncResults(results []blocksync.Result) []SyncResult {
	out := make([]SyncResult, len(results))

	for i, r := range results {
		out[i] = SyncResult{Digest: r.Digest.String(), OK: r.OK()}

		if r.Err != nil {
			out[i].Error = r.Err.Error()
			continue
		}

		out[i].FromStorage = r.Header.FetchedFromStorage
		out[i].Round = r.Header.Certificate.Round()
		out[i].Author = r.Header.Certificate.Author().String()
	}

	return out
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
