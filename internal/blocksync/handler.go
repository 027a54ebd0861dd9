package blocksync

import (
	"context"
	"time"

	"DagPrimary/internal/types"
)

// Handler wraps a Synchronizer with blocking calls that return one result per
// distinct digest.
type Handler struct {
	sync    *Synchronizer
	timeout time.Duration
}

// NewHandler creates a handler whose calls wait at most timeout for results.
func NewHandler(s *Synchronizer, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = DefaultParameters().HandlerTimeout
	}

	return &Handler{sync: s, timeout: timeout}
}

// GetAndSynchronizeBlockHeaders returns the certificates for digests, fetching
// missing ones from peers. Results follow the order of the distinct digests;
// digests still unresolved at the deadline fail with Timeout.
func (h *Handler) GetAndSynchronizeBlockHeaders(ctx context.Context, digests []types.Digest) ([]Result, error) {
	unique := uniqueDigests(digests)
	if len(unique) == 0 {
		return nil, nil
	}

	ch := make(chan Result, len(unique))

	if err := h.sync.Send(ctx, SynchronizeBlockHeaders{Digests: unique, RespondTo: ch}); err != nil {
		return nil, err
	}

	return h.collect(ctx, ch, unique), nil
}

// SynchronizeBlockPayload makes the payload of certs available locally.
// Results follow the order of the distinct certificates.
func (h *Handler) SynchronizeBlockPayload(ctx context.Context, certs []*types.Certificate) ([]Result, error) {
	unique := uniqueCertificates(certs)
	if len(unique) == 0 {
		return nil, nil
	}

	digests := make([]types.Digest, len(unique))
	for i, c := range unique {
		digests[i] = c.Digest()
	}

	ch := make(chan Result, len(unique))

	if err := h.sync.Send(ctx, SynchronizeBlockPayload{Certificates: unique, RespondTo: ch}); err != nil {
		return nil, err
	}

	return h.collect(ctx, ch, digests), nil
}

// collect gathers one result per digest until all arrive or the deadline passes.
func (h *Handler) collect(ctx context.Context, ch <-chan Result, digests []types.Digest) []Result {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	got := make(map[types.Digest]Result, len(digests))

wait:
	for len(got) < len(digests) {
		select {
		case r := <-ch:
			got[r.Digest] = r
		case <-ctx.Done():
			break wait
		case <-h.sync.Done():
			break wait
		}
	}

	results := make([]Result, len(digests))
	for i, d := range digests {
		r, ok := got[d]
		if !ok {
			r = errResult(timeout(d))
		}
		results[i] = r
	}

	return results
}
