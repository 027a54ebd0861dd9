package blocksync

import (
	"fmt"
	"time"
)

// responseRatioThreshold is the percentage of dispatched peers that must have
// answered before a round may end early with full coverage.
const responseRatioThreshold = 50

// Parameters are the synchronizer timeouts.
type Parameters struct {
	CertificatesSynchronizeTimeout time.Duration // CertificatesSynchronizeTimeout bounds each certificate request to a peer
	PayloadAvailabilityTimeout     time.Duration // PayloadAvailabilityTimeout bounds each payload location request to a peer
	PayloadSynchronizeTimeout      time.Duration // PayloadSynchronizeTimeout bounds the wait for a certificate's batches
	HandlerTimeout                 time.Duration // HandlerTimeout bounds a blocking Handler call
}

// DefaultParameters returns the default timeouts.
func DefaultParameters() Parameters {
	return Parameters{
		CertificatesSynchronizeTimeout: 2 * time.Second,
		PayloadAvailabilityTimeout:     2 * time.Second,
		PayloadSynchronizeTimeout:      2 * time.Second,
		HandlerTimeout:                 10 * time.Second,
	}
}

// withDefaults fills zero values. The payload wait reuses the availability timeout.
func (p Parameters) withDefaults() Parameters {
	d := DefaultParameters()

	if p.CertificatesSynchronizeTimeout == 0 {
		p.CertificatesSynchronizeTimeout = d.CertificatesSynchronizeTimeout
	}
	if p.PayloadAvailabilityTimeout == 0 {
		p.PayloadAvailabilityTimeout = d.PayloadAvailabilityTimeout
	}
	if p.PayloadSynchronizeTimeout == 0 {
		p.PayloadSynchronizeTimeout = p.PayloadAvailabilityTimeout
	}
	if p.HandlerTimeout == 0 {
		p.HandlerTimeout = d.HandlerTimeout
	}

	return p
}

// Validate rejects negative timeouts.
func (p Parameters) Validate() error {
	timeouts := map[string]time.Duration{
		"certificates synchronize": p.CertificatesSynchronizeTimeout,
		"payload availability":     p.PayloadAvailabilityTimeout,
		"payload synchronize":      p.PayloadSynchronizeTimeout,
		"handler":                  p.HandlerTimeout,
	}

	for name, d := range timeouts {
		if d < 0 {
			return fmt.Errorf("%s timeout must not be negative: %s", name, d)
		}
	}

	return nil
}
