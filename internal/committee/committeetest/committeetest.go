// Package committeetest builds deterministic committees and signed
// certificates for tests.
package committeetest

import (
	"crypto/ed25519"
	"fmt"

	"DagPrimary/internal/committee"
	"DagPrimary/internal/crypto"
	"DagPrimary/internal/types"
)

// Member is an authority together with its private keys.
type Member struct {
	Name       types.PublicKey    // Name is the network public key
	NetworkKey ed25519.PrivateKey // NetworkKey is the ed25519 private key
	BLS        *crypto.KeyPair    // BLS is the signing key pair
}

// Fixture is a committee whose private keys are known.
type Fixture struct {
	Committee *committee.Committee
	Members   []Member // Members are in signer-index order
}

// NewMembers derives size members from fixed seeds.
func NewMembers(size int) []Member {
	members := make([]Member, size)

	for i := range members {
		seed := make([]byte, ed25519.SeedSize)
		seed[0] = byte(i + 1)
		seed[1] = 0x5E

		priv := ed25519.NewKeyFromSeed(seed)

		blsKey, err := crypto.DeriveFromED25519(priv)
		if err != nil {
			panic(fmt.Sprintf("derive bls key: %v", err))
		}

		copy(members[i].Name[:], priv.Public().(ed25519.PublicKey))
		members[i].NetworkKey = priv
		members[i].BLS = blsKey
	}

	return members
}

// Build creates a fixture over the given members and primary addresses.
// Every authority gets two workers, 0 and 1.
func Build(epoch uint64, members []Member, primaryAddrs []string) *Fixture {
	authorities := make([]committee.Authority, len(members))

	for i, m := range members {
		authorities[i] = committee.Authority{
			Name:           m.Name,
			Stake:          1,
			BLSKey:         m.BLS.PublicKeyBytes(),
			PrimaryAddress: primaryAddrs[i],
			Workers: map[types.WorkerID]string{
				0: fmt.Sprintf("worker-%d-0", i),
				1: fmt.Sprintf("worker-%d-1", i),
			},
		}
	}

	c, err := committee.New(epoch, authorities)
	if err != nil {
		panic(fmt.Sprintf("build committee: %v", err))
	}

	f := &Fixture{Committee: c, Members: make([]Member, len(members))}
	for _, m := range members {
		f.Members[c.Index(m.Name)] = m
	}

	return f
}

// New creates a committee of size authorities with placeholder addresses.
func New(size int) *Fixture {
	addrs := make([]string, size)
	for i := range addrs {
		addrs[i] = fmt.Sprintf("primary-%d", i)
	}

	return Build(0, NewMembers(size), addrs)
}

// Name returns the name of the member at signer index i.
func (f *Fixture) Name(i int) types.PublicKey {
	return f.Members[i].Name
}

// Certify signs header with the first signers members.
func (f *Fixture) Certify(header types.Header, signers int) *types.Certificate {
	cert := &types.Certificate{Header: header}
	digest := cert.Digest()

	indices := make([]int, 0, signers)
	sigs := make([][]byte, 0, signers)

	for i := 0; i < signers && i < len(f.Members); i++ {
		indices = append(indices, i)
		sigs = append(sigs, f.Members[i].BLS.Sign(digest[:]))
	}

	if len(sigs) > 0 {
		agg, err := crypto.AggregateSignatures(sigs)
		if err != nil {
			panic(fmt.Sprintf("aggregate: %v", err))
		}
		cert.Signature = agg
	}

	cert.Signers = crypto.BuildSignerBitmap(indices, len(f.Members))

	return cert
}

// Certificate builds a quorum-signed certificate by the member at index author.
// The payload holds one batch per worker derived from round and author.
func (f *Fixture) Certificate(author int, round uint64) *types.Certificate {
	header := types.Header{
		Author: f.Name(author),
		Round:  round,
		Epoch:  f.Committee.Epoch(),
		Payload: []types.BatchRef{
			{Digest: types.HashBatch([]byte(fmt.Sprintf("batch-%d-%d-0", author, round))), Worker: 0},
			{Digest: types.HashBatch([]byte(fmt.Sprintf("batch-%d-%d-1", author, round))), Worker: 1},
		},
	}

	quorum := 2*len(f.Members)/3 + 1

	return f.Certify(header, quorum)
}
