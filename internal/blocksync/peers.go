package blocksync

import (
	"slices"

	"lukechampine.com/frand"

	"DagPrimary/internal/types"
)

// Identifiable values are deduplicated by digest.
type Identifiable interface {
	Digest() types.Digest
}

// Rand picks among equally loaded claimants during rebalancing.
type Rand interface {
	Intn(n int) int
}

// RandSource creates the generator of one fetch round.
// It is only called from the synchronizer loop.
type RandSource func() Rand

const (
	randBufSize = 1024 // randBufSize is the ChaCha keystream buffer
	randRounds  = 12   // randRounds is the ChaCha round count
)

// EntropyRand returns a source of generators seeded from fresh entropy.
func EntropyRand() RandSource {
	return func() Rand {
		seed := frand.Entropy256()
		return frand.NewCustom(seed[:], randBufSize, randRounds)
	}
}

// SeededRand returns a source whose generators derive deterministically from seed.
func SeededRand(seed [32]byte) RandSource {
	master := frand.NewCustom(seed[:], randBufSize, randRounds)

	return func() Rand {
		var s [32]byte
		master.Read(s[:])
		return frand.NewCustom(s[:], randBufSize, randRounds)
	}
}

// Peer is one responding peer of a round.
type Peer[T Identifiable] struct {
	Name     types.PublicKey
	values   map[types.Digest]T // values are what the peer claims to serve
	assigned map[types.Digest]T // assigned are the values it owns after rebalancing
}

// AssignedValues returns the values assigned by the last rebalance, in digest order.
func (p *Peer[T]) AssignedValues() []T {
	return sortedValues(p.assigned)
}

// Peers accumulates the values each peer claims during one round.
type Peers[T Identifiable] struct {
	peers  map[types.PublicKey]*Peer[T]
	unique map[types.Digest]T
	rng    Rand
}

// NewPeers creates an empty set using rng for rebalancing ties.
func NewPeers[T Identifiable](rng Rand) *Peers[T] {
	return &Peers[T]{
		peers:  make(map[types.PublicKey]*Peer[T]),
		unique: make(map[types.Digest]T),
		rng:    rng,
	}
}

// ContainsPeer reports whether name already contributed.
func (p *Peers[T]) ContainsPeer(name types.PublicKey) bool {
	_, ok := p.peers[name]
	return ok
}

// AddPeer records the values claimed by name. Later calls for the same peer are ignored.
func (p *Peers[T]) AddPeer(name types.PublicKey, values []T) {
	if p.ContainsPeer(name) {
		return
	}

	peer := &Peer[T]{
		Name:     name,
		values:   make(map[types.Digest]T, len(values)),
		assigned: make(map[types.Digest]T),
	}

	for _, v := range values {
		d := v.Digest()
		peer.values[d] = v

		if _, ok := p.unique[d]; !ok {
			p.unique[d] = v
		}
	}

	p.peers[name] = peer
}

// UniqueValues returns the union of all claims, one per digest, in digest order.
func (p *Peers[T]) UniqueValues() []T {
	return sortedValues(p.unique)
}

// UniqueValueCount returns the number of distinct claimed values.
func (p *Peers[T]) UniqueValueCount() int {
	return len(p.unique)
}

// Peers returns the responding peers by name.
func (p *Peers[T]) Peers() map[types.PublicKey]*Peer[T] {
	return p.peers
}

// RebalanceValues assigns every unique value to exactly one claiming peer.
// Values are visited in digest order; each goes to a claimant with the fewest
// assignments so far, ties broken by the generator over claimants sorted by name.
func (p *Peers[T]) RebalanceValues() {
	for _, peer := range p.peers {
		clear(peer.assigned)
	}

	names := make([]types.PublicKey, 0, len(p.peers))
	for name := range p.peers {
		names = append(names, name)
	}
	slices.SortFunc(names, types.PublicKey.Compare)

	for _, d := range sortedDigests(p.unique) {
		var candidates []*Peer[T]
		least := -1

		for _, name := range names {
			peer := p.peers[name]

			if _, claims := peer.values[d]; !claims {
				continue
			}

			switch n := len(peer.assigned); {
			case least == -1 || n < least:
				least = n
				candidates = append(candidates[:0], peer)
			case n == least:
				candidates = append(candidates, peer)
			}
		}

		owner := candidates[0]
		if len(candidates) > 1 {
			owner = candidates[p.rng.Intn(len(candidates))]
		}

		owner.assigned[d] = owner.values[d]
	}
}

func sortedDigests[T any](m map[types.Digest]T) []types.Digest {
	digests := make([]types.Digest, 0, len(m))
	for d := range m {
		digests = append(digests, d)
	}

	slices.SortFunc(digests, types.Digest.Compare)

	return digests
}

func sortedValues[T any](m map[types.Digest]T) []T {
	values := make([]T, 0, len(m))
	for _, d := range sortedDigests(m) {
		values = append(values, m[d])
	}

	return values
}
