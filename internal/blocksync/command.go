package blocksync

import (
	"DagPrimary/internal/committee"
	"DagPrimary/internal/types"
)

// BlockHeader is a certificate plus how it was obtained.
type BlockHeader struct {
	Certificate        *types.Certificate // Certificate is the synchronized certificate
	FetchedFromStorage bool               // FetchedFromStorage is true when no network round trip was needed
}

// Result is the outcome for one digest. Err is nil on success and a *SyncError otherwise.
type Result struct {
	Digest types.Digest
	Header BlockHeader
	Err    error
}

// OK reports whether the digest was resolved successfully.
func (r Result) OK() bool {
	return r.Err == nil
}

func okResult(cert *types.Certificate, fromStorage bool) Result {
	return Result{
		Digest: cert.Digest(),
		Header: BlockHeader{Certificate: cert, FetchedFromStorage: fromStorage},
	}
}

func errResult(err *SyncError) Result {
	return Result{Digest: err.Digest, Err: err}
}

// ResultSender receives one Result per resolved digest, in no particular order.
// The channel must have room for one result per distinct digest asked about;
// results that cannot be delivered without blocking are dropped.
type ResultSender chan<- Result

// Command is a request to the synchronizer.
// It is implemented by SynchronizeBlockHeaders and SynchronizeBlockPayload.
type Command interface {
	isCommand()
}

// SynchronizeBlockHeaders asks for the certificates with the given digests.
type SynchronizeBlockHeaders struct {
	Digests   []types.Digest
	RespondTo ResultSender
}

// SynchronizeBlockPayload asks for the payload of the given certificates to be
// available in the local payload store.
type SynchronizeBlockPayload struct {
	Certificates []*types.Certificate
	RespondTo    ResultSender
}

func (SynchronizeBlockHeaders) isCommand() {}
func (SynchronizeBlockPayload) isCommand() {}

// Reconfiguration replaces the committee or stops the synchronizer.
type Reconfiguration struct {
	Committee *committee.Committee // Committee is the new committee, ignored on shutdown
	Shutdown  bool                 // Shutdown stops the synchronizer
}

// NewCommittee returns a reconfiguration installing c.
func NewCommittee(c *committee.Committee) Reconfiguration {
	return Reconfiguration{Committee: c}
}

// Shutdown returns a reconfiguration stopping the synchronizer.
func Shutdown() Reconfiguration {
	return Reconfiguration{Shutdown: true}
}

// state carries the outcome of a background task back into the loop.
// It is implemented by headersSynchronized, payloadAvailabilityReceived and payloadSynchronized.
type state interface {
	isState()
}

// headersSynchronized ends a certificate fetch round.
type headersSynchronized struct {
	results []Result
}

// payloadAvailabilityReceived ends a payload location round. peers holds the
// certificates each peer can serve.
type payloadAvailabilityReceived struct {
	results []Result
	peers   *Peers[*types.Certificate]
}

// payloadSynchronized ends the payload wait of one certificate.
type payloadSynchronized struct {
	result Result
}

func (headersSynchronized) isState()         {}
func (payloadAvailabilityReceived) isState() {}
func (payloadSynchronized) isState()         {}
