package blocksync

import (
	"fmt"

	"DagPrimary/internal/types"
)

// Responder answers other primaries' synchronization requests from the local stores.
type Responder struct {
	certificates CertificateStore
	payloads     PayloadStore
}

// NewResponder creates a responder over the local stores.
func NewResponder(certificates CertificateStore, payloads PayloadStore) *Responder {
	return &Responder{certificates: certificates, payloads: payloads}
}

// Certificates returns the stored certificates among digests.
func (r *Responder) Certificates(digests []types.Digest) ([]*types.Certificate, error) {
	certs, err := r.certificates.ReadAll(uniqueDigests(digests))
	if err != nil {
		return nil, fmt.Errorf("read certificates:\n%w", err)
	}

	found := certs[:0]
	for _, c := range certs {
		if c != nil {
			found = append(found, c)
		}
	}

	return found, nil
}

// PayloadAvailability returns the digests whose certificate is stored with its
// entire payload.
func (r *Responder) PayloadAvailability(digests []types.Digest) ([]types.Digest, error) {
	certs, err := r.Certificates(digests)
	if err != nil {
		return nil, err
	}

	var available []types.Digest

	for _, cert := range certs {
		ok, err := r.payloads.Contains(cert)
		if err != nil {
			return nil, fmt.Errorf("read payload of %s:\n%w", cert.Digest().Short(), err)
		}

		if ok {
			available = append(available, cert.Digest())
		}
	}

	return available, nil
}
