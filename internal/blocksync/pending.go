package blocksync

import (
	"log/slog"

	"DagPrimary/internal/types"
)

// pendingKind separates header and payload demand for the same digest.
type pendingKind uint8

const (
	pendingHeader pendingKind = iota + 1
	pendingPayload
)

func (k pendingKind) String() string {
	if k == pendingHeader {
		return "header"
	}
	return "payload"
}

// pendingID identifies one in-flight synchronization unit.
type pendingID struct {
	kind   pendingKind
	digest types.Digest
}

func headerID(d types.Digest) pendingID  { return pendingID{kind: pendingHeader, digest: d} }
func payloadID(d types.Digest) pendingID { return pendingID{kind: pendingPayload, digest: d} }

// pendingTable coalesces demand: callers waiting on the same identifier share one round.
// It is owned by the synchronizer loop and needs no locking.
type pendingTable struct {
	waiters map[pendingID][]ResultSender
	log     *slog.Logger
	metrics *Metrics
}

func newPendingTable(log *slog.Logger, metrics *Metrics) *pendingTable {
	return &pendingTable{
		waiters: make(map[pendingID][]ResultSender),
		log:     log,
		metrics: metrics,
	}
}

// resolve adds waiter to id and reports whether this created the entry,
// meaning the caller must start a round for it.
func (t *pendingTable) resolve(id pendingID, waiter ResultSender) bool {
	list := t.waiters[id]
	t.waiters[id] = append(list, waiter)

	return len(list) == 0
}

// notifyAndClear removes id and delivers result to every waiter.
func (t *pendingTable) notifyAndClear(id pendingID, result Result) {
	list, ok := t.waiters[id]
	if !ok {
		return
	}

	delete(t.waiters, id)

	for _, w := range list {
		if !deliver(w, result) {
			t.log.Warn("dropped result for disconnected waiter", "kind", id.kind, "digest", id.digest.Short())
			t.metrics.droppedResult()
		}
	}
}

func (t *pendingTable) len() int {
	return len(t.waiters)
}

// deliver hands result to w without blocking. A nil or full channel counts as disconnected.
func deliver(w ResultSender, result Result) bool {
	if w == nil {
		return false
	}

	select {
	case w <- result:
		return true
	default:
		return false
	}
}
