package blocksync

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"DagPrimary/internal/committee"
	"DagPrimary/internal/logger"
	"DagPrimary/internal/types"
)

// round is the immutable context of one quorum fetch, captured by the loop
// before the fetch moves to its own goroutine.
type round struct {
	committee *committee.Committee
	targets   []committee.Authority // targets are every primary but self
	timeout   time.Duration         // timeout bounds each peer request
	rng       Rand
	network   PrimaryNetwork
	metrics   *Metrics
	log       *slog.Logger
	tasks     *sync.WaitGroup // tasks counts peer requests, which may outlive the round
}

// outcome is one peer's answer, or its failure.
type outcome[R any] struct {
	peer     types.PublicKey
	response R
	err      error
}

// quorumRequest describes one instance of the fetch protocol.
type quorumRequest[R any] struct {
	phase string
	send  func(ctx context.Context, peer committee.Authority) (R, error)
	// accept turns a response into claimed certificates, or rejects it wholesale.
	accept func(R) ([]*types.Certificate, error)
}

// quorumFetch sends the request to every target and collects claims until the
// termination rule holds. It reports whether the rule was met; if not, every
// outcome was consumed without meeting it.
func quorumFetch[R any](ctx context.Context, r round, requested int, q quorumRequest[R]) (*Peers[*types.Certificate], bool) {
	peers := NewPeers[*types.Certificate](r.rng)
	dispatched := len(r.targets)

	if dispatched == 0 {
		return peers, false
	}

	r.metrics.roundStarted(q.phase)

	expected := make(map[types.PublicKey]bool, dispatched)
	outcomes := make(chan outcome[R], dispatched)

	for _, target := range r.targets {
		expected[target.Name] = true

		r.tasks.Add(1)

		go func(target committee.Authority) {
			defer r.tasks.Done()

			reqCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			resp, err := q.send(reqCtx, target)
			outcomes <- outcome[R]{peer: target.Name, response: resp, err: err}
		}(target)
	}

	seen := 0

	for i := 0; i < dispatched; i++ {
		var o outcome[R]

		select {
		case o = <-outcomes:
		case <-ctx.Done():
			return peers, false
		}

		if peers.ContainsPeer(o.peer) {
			continue
		}

		if !expected[o.peer] {
			r.log.Warn("response from unexpected peer", "phase", q.phase, "peer", o.peer.Short())
			continue
		}

		seen++

		if o.err != nil {
			r.log.Debug("peer request failed", "phase", q.phase, "peer", o.peer.Short(), "error", o.err)
			r.metrics.peerOutcome(q.phase, outcomeError)
			continue
		}

		values, err := q.accept(o.response)
		if err != nil {
			r.log.Warn("rejected peer response", "phase", q.phase, "peer", o.peer.Short(), "error", err)
			r.metrics.peerOutcome(q.phase, outcomeRejected)
			continue
		}

		peers.AddPeer(o.peer, values)
		r.metrics.peerOutcome(q.phase, outcomeAccepted)

		fullCoverage := peers.UniqueValueCount() == requested
		if (fullCoverage && reachedResponseRatio(seen, dispatched)) || seen == dispatched {
			return peers, true
		}
	}

	return peers, false
}

// reachedResponseRatio reports whether round(seen/dispatched*100) reaches the threshold.
func reachedResponseRatio(seen, dispatched int) bool {
	ratio := math.Round(float64(seen) / float64(dispatched) * 100)
	return ratio >= responseRatioThreshold
}

// resolveResults maps every requested digest to its outcome. Digests nobody
// claimed fail with NoResponse when the round terminated and Timeout otherwise.
func resolveResults(peers *Peers[*types.Certificate], requested []types.Digest, terminated bool) []Result {
	found := make(map[types.Digest]*types.Certificate, peers.UniqueValueCount())
	for _, cert := range peers.UniqueValues() {
		found[cert.Digest()] = cert
	}

	results := make([]Result, len(requested))

	for i, d := range requested {
		switch cert, ok := found[d]; {
		case ok:
			results[i] = okResult(cert, false)
		case terminated:
			results[i] = errResult(noResponse(d))
		default:
			results[i] = errResult(timeout(d))
		}
	}

	return results
}

// fetchCertificates runs the header round for digests.
func fetchCertificates(ctx context.Context, r round, digests []types.Digest) headersSynchronized {
	wanted := make(map[types.Digest]bool, len(digests))
	for _, d := range digests {
		wanted[d] = true
	}

	q := quorumRequest[[]*types.Certificate]{
		phase: phaseHeaders,
		send: func(ctx context.Context, peer committee.Authority) ([]*types.Certificate, error) {
			return r.network.GetCertificates(ctx, peer, digests)
		},
		accept: func(certs []*types.Certificate) ([]*types.Certificate, error) {
			for _, cert := range certs {
				d := cert.Digest()

				if !wanted[d] {
					return nil, fmt.Errorf("certificate %s was not requested", d.Short())
				}

				if err := r.committee.VerifyCertificate(cert); err != nil {
					return nil, fmt.Errorf("certificate %s:\n%w", d.Short(), err)
				}
			}

			return certs, nil
		},
	}

	start := time.Now()
	peers, terminated := quorumFetch(ctx, r, len(digests), q)

	r.log.Debug("certificates round done",
		"requested", len(digests),
		"found", peers.UniqueValueCount(),
		"terminated", terminated,
		logger.Timed(start),
	)

	return headersSynchronized{results: resolveResults(peers, digests, terminated)}
}

// fetchPayloadAvailability runs the payload location round for certs.
func fetchPayloadAvailability(ctx context.Context, r round, certs []*types.Certificate) payloadAvailabilityReceived {
	byDigest := make(map[types.Digest]*types.Certificate, len(certs))
	digests := make([]types.Digest, len(certs))

	for i, cert := range certs {
		digests[i] = cert.Digest()
		byDigest[digests[i]] = cert
	}

	q := quorumRequest[[]types.Digest]{
		phase: phaseAvailability,
		send: func(ctx context.Context, peer committee.Authority) ([]types.Digest, error) {
			return r.network.GetPayloadAvailability(ctx, peer, digests)
		},
		accept: func(available []types.Digest) ([]*types.Certificate, error) {
			claimed := make([]*types.Certificate, 0, len(available))

			for _, d := range available {
				cert, ok := byDigest[d]
				if !ok {
					return nil, fmt.Errorf("digest %s was not requested", d.Short())
				}

				claimed = append(claimed, cert)
			}

			return claimed, nil
		},
	}

	peers, terminated := quorumFetch(ctx, r, len(digests), q)

	r.log.Debug("payload availability round done",
		"requested", len(digests),
		"found", peers.UniqueValueCount(),
		"terminated", terminated,
	)

	return payloadAvailabilityReceived{
		results: resolveResults(peers, digests, terminated),
		peers:   peers,
	}
}
