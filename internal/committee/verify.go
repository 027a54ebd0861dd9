package committee

import (
	"errors"
	"fmt"

	"DagPrimary/internal/crypto"
	"DagPrimary/internal/types"
)

var (
	// ErrEpochMismatch is returned for certificates of another epoch.
	ErrEpochMismatch = errors.New("epoch mismatch")

	// ErrInvalidSigners is returned when the signer bitmap names non-members.
	ErrInvalidSigners = errors.New("invalid signer bitmap")

	// ErrInsufficientStake is returned when signers do not form a quorum.
	ErrInsufficientStake = errors.New("insufficient signing stake")

	// ErrInvalidSignature is returned when the aggregated signature does not verify.
	ErrInvalidSignature = errors.New("invalid aggregated signature")
)

// VerifyCertificate checks that a certificate was produced by this committee.
// Genesis certificates (round 0) carry no signatures.
func (c *Committee) VerifyCertificate(cert *types.Certificate) error {
	if !c.Contains(cert.Header.Author) {
		return fmt.Errorf("%w: author %s", ErrUnknownAuthority, cert.Header.Author.Short())
	}

	if cert.Header.Epoch != c.epoch {
		return fmt.Errorf("%w: certificate %d, committee %d", ErrEpochMismatch, cert.Header.Epoch, c.epoch)
	}

	if cert.Header.Round == 0 {
		if len(cert.Signers) != 0 || len(cert.Signature) != 0 {
			return fmt.Errorf("%w: genesis certificate is signed", ErrInvalidSigners)
		}
		return nil
	}

	indices := crypto.ParseSignerBitmap(cert.Signers)

	var stake uint64
	keys := make([][]byte, 0, len(indices))

	for _, idx := range indices {
		if idx >= len(c.authorities) {
			return fmt.Errorf("%w: index %d out of %d", ErrInvalidSigners, idx, len(c.authorities))
		}

		stake += c.authorities[idx].Stake
		keys = append(keys, c.authorities[idx].BLSKey)
	}

	if stake < c.QuorumThreshold() {
		return fmt.Errorf("%w: %d < %d", ErrInsufficientStake, stake, c.QuorumThreshold())
	}

	digest := cert.Digest()
	if !crypto.VerifyAggregated(cert.Signature, digest[:], keys) {
		return ErrInvalidSignature
	}

	return nil
}
