package blocksync

import (
	"context"

	"DagPrimary/internal/committee"
	"DagPrimary/internal/storage"
	"DagPrimary/internal/types"
)

// PrimaryNetwork sends timed requests to other primaries.
type PrimaryNetwork interface {
	// GetCertificates returns the certificates peer holds among digests.
	GetCertificates(ctx context.Context, peer committee.Authority, digests []types.Digest) ([]*types.Certificate, error)
	// GetPayloadAvailability returns the digests whose certificate and payload peer holds.
	GetPayloadAvailability(ctx context.Context, peer committee.Authority, digests []types.Digest) ([]types.Digest, error)
}

// WorkerNetwork delivers one-way orders to the local workers.
type WorkerNetwork interface {
	// Synchronize orders the worker at addr to fetch digests from target's workers.
	// A nil error only means the order was sent.
	Synchronize(ctx context.Context, addr string, target types.PublicKey, digests []types.BatchDigest) error
}

// CertificateStore is the local certificate store.
type CertificateStore interface {
	ReadAll(digests []types.Digest) ([]*types.Certificate, error)
}

// PayloadStore is the local record of available batches.
type PayloadStore interface {
	Contains(cert *types.Certificate) (bool, error)
	NotifyRead(ctx context.Context, key storage.PayloadKey) error
}
