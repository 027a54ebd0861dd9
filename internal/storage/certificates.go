package storage

import (
	"fmt"

	"DagPrimary/internal/types"
)

// certificatePrefix namespaces certificate records by digest.
var certificatePrefix = []byte("c:")

// CertificateStore persists certificates keyed by their digest.
type CertificateStore struct {
	db *Storage
}

// NewCertificateStore creates a certificate store over db.
func NewCertificateStore(db *Storage) *CertificateStore {
	return &CertificateStore{db: db}
}

func certificateKey(d types.Digest) []byte {
	key := make([]byte, 0, len(certificatePrefix)+types.DigestSize)
	key = append(key, certificatePrefix...)

	return append(key, d[:]...)
}

// Write stores a certificate.
func (s *CertificateStore) Write(cert *types.Certificate) error {
	if err := s.db.Set(certificateKey(cert.Digest()), cert.Encode()); err != nil {
		return fmt.Errorf("write certificate %s:\n%w", cert.Digest().Short(), err)
	}

	return nil
}

// WriteAll stores certificates atomically.
func (s *CertificateStore) WriteAll(certs []*types.Certificate) error {
	pairs := make([]KeyValue, len(certs))
	for i, cert := range certs {
		pairs[i] = KeyValue{Key: certificateKey(cert.Digest()), Value: cert.Encode()}
	}

	if err := s.db.SetBatch(pairs); err != nil {
		return fmt.Errorf("write %d certificates:\n%w", len(certs), err)
	}

	return nil
}

// Read returns the certificate with the given digest, or nil if absent.
func (s *CertificateStore) Read(d types.Digest) (*types.Certificate, error) {
	data, err := s.db.Get(certificateKey(d))
	if err != nil {
		return nil, fmt.Errorf("read certificate %s:\n%w", d.Short(), err)
	}

	if data == nil {
		return nil, nil
	}

	cert, err := types.DecodeCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("decode certificate %s:\n%w", d.Short(), err)
	}

	return cert, nil
}

// ReadAll returns one entry per digest, nil where the certificate is absent.
func (s *CertificateStore) ReadAll(digests []types.Digest) ([]*types.Certificate, error) {
	certs := make([]*types.Certificate, len(digests))

	for i, d := range digests {
		cert, err := s.Read(d)
		if err != nil {
			return nil, err
		}

		certs[i] = cert
	}

	return certs, nil
}

// Count returns the number of stored certificates.
func (s *CertificateStore) Count() (int, error) {
	n := 0

	err := s.db.IteratePrefix(certificatePrefix, func(_, _ []byte) error {
		n++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count certificates:\n%w", err)
	}

	return n, nil
}
