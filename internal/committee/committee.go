// Package committee describes the authorities of an epoch and verifies
// the certificates they produce.
package committee

import (
	"errors"
	"fmt"
	"sort"

	"DagPrimary/internal/crypto"
	"DagPrimary/internal/types"
)

var (
	// ErrUnknownAuthority is returned when a key is not a committee member.
	ErrUnknownAuthority = errors.New("unknown authority")

	// ErrUnknownWorker is returned when an authority has no such worker.
	ErrUnknownWorker = errors.New("unknown worker")
)

// Authority is one member of the committee.
type Authority struct {
	Name           types.PublicKey           // Name is the primary's network key
	Stake          uint64                    // Stake is the voting power
	BLSKey         []byte                    // BLSKey is the compressed BLS public key
	PrimaryAddress string                    // PrimaryAddress is the QUIC address of the primary
	Workers        map[types.WorkerID]string // Workers maps worker ids to their QUIC addresses
}

// Committee is the immutable set of authorities for one epoch.
// Reconfiguration replaces the whole value, so it is safe for concurrent reads.
type Committee struct {
	epoch       uint64
	authorities []Authority // sorted by name; position is the signer index
	index       map[types.PublicKey]int
	totalStake  uint64
}

// New builds a committee, validating every authority.
func New(epoch uint64, authorities []Authority) (*Committee, error) {
	if len(authorities) == 0 {
		return nil, fmt.Errorf("committee has no authorities")
	}

	sorted := make([]Authority, len(authorities))
	copy(sorted, authorities)

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Name.Compare(sorted[j].Name) < 0
	})

	c := &Committee{
		epoch:       epoch,
		authorities: sorted,
		index:       make(map[types.PublicKey]int, len(sorted)),
	}

	for i, a := range sorted {
		if _, dup := c.index[a.Name]; dup {
			return nil, fmt.Errorf("duplicate authority %s", a.Name.Short())
		}

		if a.Stake == 0 {
			return nil, fmt.Errorf("authority %s has zero stake", a.Name.Short())
		}

		if !crypto.ValidPublicKey(a.BLSKey) {
			return nil, fmt.Errorf("authority %s has an invalid BLS key", a.Name.Short())
		}

		c.index[a.Name] = i
		c.totalStake += a.Stake
	}

	return c, nil
}

// Epoch returns the committee's epoch.
func (c *Committee) Epoch() uint64 {
	return c.epoch
}

// Size returns the number of authorities.
func (c *Committee) Size() int {
	return len(c.authorities)
}

// Index returns the signer index of an authority, or -1 if unknown.
func (c *Committee) Index(name types.PublicKey) int {
	if idx, ok := c.index[name]; ok {
		return idx
	}

	return -1
}

// Authority returns the authority with the given name.
func (c *Committee) Authority(name types.PublicKey) (Authority, bool) {
	idx, ok := c.index[name]
	if !ok {
		return Authority{}, false
	}

	return c.authorities[idx], true
}

// Contains reports whether name is a committee member.
func (c *Committee) Contains(name types.PublicKey) bool {
	_, ok := c.index[name]
	return ok
}

// TotalStake returns the sum of all stakes.
func (c *Committee) TotalStake() uint64 {
	return c.totalStake
}

// QuorumThreshold returns the minimum stake of a quorum (2f+1).
func (c *Committee) QuorumThreshold() uint64 {
	return 2*c.totalStake/3 + 1
}

// OthersPrimaries returns every authority except self, in signer-index order.
func (c *Committee) OthersPrimaries(self types.PublicKey) []Authority {
	others := make([]Authority, 0, len(c.authorities))

	for _, a := range c.authorities {
		if a.Name != self {
			others = append(others, a)
		}
	}

	return others
}

// PrimaryAddress returns the QUIC address of an authority's primary.
func (c *Committee) PrimaryAddress(name types.PublicKey) (string, error) {
	a, ok := c.Authority(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAuthority, name.Short())
	}

	return a.PrimaryAddress, nil
}

// Worker returns the address of an authority's worker.
func (c *Committee) Worker(name types.PublicKey, id types.WorkerID) (string, error) {
	a, ok := c.Authority(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownAuthority, name.Short())
	}

	addr, ok := a.Workers[id]
	if !ok {
		return "", fmt.Errorf("%w: %d of %s", ErrUnknownWorker, id, name.Short())
	}

	return addr, nil
}

// String returns a short description for logs.
func (c *Committee) String() string {
	return fmt.Sprintf("Committee(epoch=%d, authorities=%d, stake=%d)", c.epoch, len(c.authorities), c.totalStake)
}
