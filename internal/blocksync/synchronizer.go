// Package blocksync fetches missing certificates and their payload from peer
// primaries, coalescing concurrent demand and tolerating faulty or slow peers.
package blocksync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"DagPrimary/internal/committee"
	"DagPrimary/internal/logger"
	"DagPrimary/internal/types"
)

// Config holds the dependencies of a Synchronizer.
type Config struct {
	Name         types.PublicKey      // Name is the local primary
	Committee    *committee.Committee // Committee is the initial committee
	Parameters   Parameters           // Parameters are the timeouts
	Certificates CertificateStore     // Certificates is the local certificate store
	Payloads     PayloadStore         // Payloads is the local payload store
	Primaries    PrimaryNetwork       // Primaries reaches peer primaries
	Workers      WorkerNetwork        // Workers reaches the local workers
	Rand         RandSource           // Rand seeds rebalancing, fresh entropy if nil
	Metrics      *Metrics             // Metrics are unregistered collectors if nil
}

// Synchronizer runs the synchronization loop. The pending table and the
// committee are only touched by the loop goroutine; background tasks report
// back through the continuation channel.
type Synchronizer struct {
	name         types.PublicKey
	committee    *committee.Committee
	params       Parameters
	certificates CertificateStore
	payloads     PayloadStore
	primaries    PrimaryNetwork
	workers      WorkerNetwork
	newRand      RandSource
	metrics      *Metrics
	log          *slog.Logger

	pending      *pendingTable
	pendingCount atomic.Int64 // pendingCount mirrors the table size for readers outside the loop

	commands      chan Command
	continuations chan state
	reconfigure   chan Reconfiguration

	ctx       context.Context    // ctx is cancelled when the loop stops
	cancel    context.CancelFunc // cancel aborts background tasks
	stop      chan struct{}      // stop asks the loop to exit
	done      chan struct{}      // done is closed once the loop has exited
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New validates cfg and starts the loop.
func New(cfg Config) (*Synchronizer, error) {
	if cfg.Committee == nil {
		return nil, fmt.Errorf("committee is required")
	}
	if cfg.Certificates == nil || cfg.Payloads == nil {
		return nil, fmt.Errorf("certificate and payload stores are required")
	}
	if cfg.Primaries == nil || cfg.Workers == nil {
		return nil, fmt.Errorf("primary and worker networks are required")
	}
	if err := cfg.Parameters.Validate(); err != nil {
		return nil, fmt.Errorf("invalid parameters:\n%w", err)
	}

	if cfg.Rand == nil {
		cfg.Rand = EntropyRand()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}

	log := logger.With("component", "blocksync", "primary", cfg.Name.Short())
	ctx, cancel := context.WithCancel(context.Background())

	s := &Synchronizer{
		name:          cfg.Name,
		committee:     cfg.Committee,
		params:        cfg.Parameters.withDefaults(),
		certificates:  cfg.Certificates,
		payloads:      cfg.Payloads,
		primaries:     cfg.Primaries,
		workers:       cfg.Workers,
		newRand:       cfg.Rand,
		metrics:       cfg.Metrics,
		log:           log,
		pending:       newPendingTable(log, cfg.Metrics),
		commands:      make(chan Command),
		continuations: make(chan state),
		reconfigure:   make(chan Reconfiguration),
		ctx:           ctx,
		cancel:        cancel,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	return s, nil
}

// Send submits a command. It blocks until the loop accepts it, ctx ends or
// the synchronizer stops.
func (s *Synchronizer) Send(ctx context.Context, cmd Command) error {
	select {
	case s.commands <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
}

// Reconfigure installs a new committee or shuts the synchronizer down.
func (s *Synchronizer) Reconfigure(r Reconfiguration) error {
	select {
	case s.reconfigure <- r:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// Pending returns the number of identifiers with an in-flight round.
func (s *Synchronizer) Pending() int {
	return int(s.pendingCount.Load())
}

// Done is closed once the loop has stopped.
func (s *Synchronizer) Done() <-chan struct{} {
	return s.done
}

// Close stops the loop and waits for background tasks to return, including
// peer requests and worker orders still in flight. Results not yet delivered
// are abandoned.
func (s *Synchronizer) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
	})

	s.wg.Wait()
}

// run is the loop. Exactly one input is handled per iteration.
func (s *Synchronizer) run() {
	defer s.wg.Done()
	defer close(s.done)
	defer s.cancel()

	for {
		select {
		case <-s.stop:
			s.log.Debug("synchronizer stopped")
			return

		case cmd := <-s.commands:
			switch c := cmd.(type) {
			case SynchronizeBlockHeaders:
				s.handleSynchronizeHeaders(c)
			case SynchronizeBlockPayload:
				s.handleSynchronizePayload(c)
			default:
				s.log.Error("unknown command", "type", fmt.Sprintf("%T", cmd))
			}

		case st := <-s.continuations:
			switch st := st.(type) {
			case headersSynchronized:
				s.handleHeadersSynchronized(st)
			case payloadAvailabilityReceived:
				s.handlePayloadAvailability(st)
			case payloadSynchronized:
				s.handlePayloadSynchronized(st)
			}

		case r := <-s.reconfigure:
			if r.Shutdown {
				s.log.Info("synchronizer shutting down on reconfiguration")
				return
			}

			if r.Committee != nil {
				s.committee = r.Committee
				s.log.Info("committee updated", "epoch", r.Committee.Epoch(), "size", r.Committee.Size())
			}
		}

		s.pendingCount.Store(int64(s.pending.len()))
		s.metrics.setPending(s.pending.len())
	}
}

// spawn runs task in the background and feeds its state back to the loop.
// The task's result is discarded if the loop has stopped.
func (s *Synchronizer) spawn(task func(ctx context.Context) state) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		st := task(s.ctx)

		select {
		case s.continuations <- st:
		case <-s.done:
		}
	}()
}

// newRound captures what a fetch needs from the loop's current state.
func (s *Synchronizer) newRound(timeout time.Duration) round {
	return round{
		committee: s.committee,
		targets:   s.committee.OthersPrimaries(s.name),
		timeout:   timeout,
		rng:       s.newRand(),
		network:   s.primaries,
		metrics:   s.metrics,
		log:       s.log,
		tasks:     &s.wg,
	}
}

// reply delivers a result resolved without a round directly to the caller.
func (s *Synchronizer) reply(w ResultSender, phase string, result Result) {
	s.metrics.result(phase, result)

	if !deliver(w, result) {
		s.log.Warn("dropped result for disconnected caller", "digest", result.Digest.Short())
		s.metrics.droppedResult()
	}
}

func (s *Synchronizer) handleSynchronizeHeaders(cmd SynchronizeBlockHeaders) {
	digests := uniqueDigests(cmd.Digests)
	missing := s.replyWithStoredCertificates(digests, cmd.RespondTo)

	var toSync []types.Digest

	for _, d := range missing {
		if s.pending.resolve(headerID(d), cmd.RespondTo) {
			toSync = append(toSync, d)
		}
	}

	if len(toSync) == 0 {
		return
	}

	s.log.Debug("synchronizing certificates", "requested", len(digests), "new", len(toSync))

	r := s.newRound(s.params.CertificatesSynchronizeTimeout)

	s.spawn(func(ctx context.Context) state {
		return fetchCertificates(ctx, r, toSync)
	})
}

// replyWithStoredCertificates answers digests found in the certificate store
// and returns the others. A store failure treats every digest as missing.
func (s *Synchronizer) replyWithStoredCertificates(digests []types.Digest, w ResultSender) []types.Digest {
	certs, err := s.certificates.ReadAll(digests)
	if err != nil {
		s.log.Error("read certificates", "error", err)
		return digests
	}

	var missing []types.Digest

	for i, d := range digests {
		if certs[i] == nil {
			missing = append(missing, d)
			continue
		}

		s.reply(w, phaseHeaders, okResult(certs[i], true))
	}

	return missing
}

func (s *Synchronizer) handleSynchronizePayload(cmd SynchronizeBlockPayload) {
	certs := uniqueCertificates(cmd.Certificates)
	missing := s.replyWithStoredPayload(certs, cmd.RespondTo)

	var toSync []*types.Certificate

	for _, cert := range missing {
		if s.pending.resolve(payloadID(cert.Digest()), cmd.RespondTo) {
			toSync = append(toSync, cert)
		}
	}

	if len(toSync) == 0 {
		return
	}

	s.log.Debug("synchronizing payload", "requested", len(certs), "new", len(toSync))

	r := s.newRound(s.params.PayloadAvailabilityTimeout)

	s.spawn(func(ctx context.Context) state {
		return fetchPayloadAvailability(ctx, r, toSync)
	})
}

// replyWithStoredPayload answers certificates whose whole payload is stored and
// returns the others. Certificates authored by this primary are always answered.
func (s *Synchronizer) replyWithStoredPayload(certs []*types.Certificate, w ResultSender) []*types.Certificate {
	var missing []*types.Certificate

	for _, cert := range certs {
		if cert.Author() != s.name && !s.payloadAvailable(cert) {
			missing = append(missing, cert)
			continue
		}

		s.reply(w, phasePayload, okResult(cert, true))
	}

	return missing
}

func (s *Synchronizer) payloadAvailable(cert *types.Certificate) bool {
	ok, err := s.payloads.Contains(cert)
	if err != nil {
		s.log.Error("read payload", "certificate", cert.Digest().Short(), "error", err)
		return false
	}

	return ok
}

func (s *Synchronizer) handleHeadersSynchronized(st headersSynchronized) {
	for _, r := range st.results {
		s.metrics.result(phaseHeaders, r)
		s.pending.notifyAndClear(headerID(r.Digest), r)
	}
}

// handlePayloadAvailability orders the workers to fetch the located payload,
// starts one wait per located certificate and fails the others at once.
func (s *Synchronizer) handlePayloadAvailability(st payloadAvailabilityReceived) {
	st.peers.RebalanceValues()

	orders := planWorkerOrders(s.committee, s.name, st.peers, s.log)
	dispatchWorkerOrders(s.ctx, &s.wg, s.workers, orders, s.log)

	wait := s.params.PayloadSynchronizeTimeout

	for _, cert := range st.peers.UniqueValues() {
		s.spawn(func(ctx context.Context) state {
			return waitForPayload(ctx, s.payloads, cert, wait)
		})
	}

	for _, r := range st.results {
		if r.Err != nil {
			s.metrics.result(phasePayload, r)
			s.pending.notifyAndClear(payloadID(r.Digest), r)
		}
	}
}

func (s *Synchronizer) handlePayloadSynchronized(st payloadSynchronized) {
	s.metrics.result(phasePayload, st.result)
	s.pending.notifyAndClear(payloadID(st.result.Digest), st.result)
}

// uniqueDigests drops repeated digests, keeping first occurrences in order.
func uniqueDigests(digests []types.Digest) []types.Digest {
	seen := make(map[types.Digest]bool, len(digests))
	out := make([]types.Digest, 0, len(digests))

	for _, d := range digests {
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}

	return out
}

// uniqueCertificates drops repeated certificates by digest.
func uniqueCertificates(certs []*types.Certificate) []*types.Certificate {
	seen := make(map[types.Digest]bool, len(certs))
	out := make([]*types.Certificate, 0, len(certs))

	for _, c := range certs {
		if c == nil {
			continue
		}

		d := c.Digest()
		if !seen[d] {
			seen[d] = true
			out = append(out, c)
		}
	}

	return out
}
