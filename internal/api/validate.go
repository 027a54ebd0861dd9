package api

import (
	"fmt"

	"DagPrimary/internal/types"
)

// maxDigests is the maximum number of digests in one sync request.
const maxDigests = 1000

// parseDigests validates and decodes hex digests. Order and repeats are kept;
// the synchronizer removes duplicates.
func parseDigests(raw []string) ([]types.Digest, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("no digests")
	}

	if len(raw) > maxDigests {
		return nil, fmt.Errorf("too many digests: %d > %d", len(raw), maxDigests)
	}

	digests := make([]types.Digest, len(raw))

	for i, s := range raw {
		d, err := types.ParseDigest(s)
		if err != nil {
			return nil, fmt.Errorf("digest %d:\n%w", i, err)
		}
		digests[i] = d
	}

	return digests, nil
}
