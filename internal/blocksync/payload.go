package blocksync

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"DagPrimary/internal/committee"
	"DagPrimary/internal/storage"
	"DagPrimary/internal/types"
)

// workerSendTimeout bounds connecting to a local worker and writing an order.
const workerSendTimeout = 5 * time.Second

// workerOrder is one WorkerSynchronize message to send.
type workerOrder struct {
	worker  types.WorkerID
	addr    string
	target  types.PublicKey
	digests []types.BatchDigest
}

// planWorkerOrders groups the batches of each peer's assigned certificates by
// worker. Peers must have been rebalanced, so every certificate appears once.
func planWorkerOrders(c *committee.Committee, self types.PublicKey, peers *Peers[*types.Certificate], log *slog.Logger) []workerOrder {
	names := slices.SortedFunc(maps.Keys(peers.Peers()), types.PublicKey.Compare)

	var orders []workerOrder

	for _, name := range names {
		byWorker := make(map[types.WorkerID][]types.BatchDigest)

		for _, cert := range peers.Peers()[name].AssignedValues() {
			for id, digests := range cert.BatchesByWorker() {
				byWorker[id] = append(byWorker[id], digests...)
			}
		}

		for _, id := range slices.Sorted(maps.Keys(byWorker)) {
			addr, err := c.Worker(self, id)
			if err != nil {
				log.Error("no local worker for batches", "worker", id, "error", err)
				continue
			}

			orders = append(orders, workerOrder{
				worker:  id,
				addr:    addr,
				target:  name,
				digests: byWorker[id],
			})
		}
	}

	return orders
}

// dispatchWorkerOrders sends every order in the background, counted in wg.
// Failures are only logged: the payload wait decides the outcome.
func dispatchWorkerOrders(ctx context.Context, wg *sync.WaitGroup, workers WorkerNetwork, orders []workerOrder, log *slog.Logger) {
	for _, o := range orders {
		wg.Add(1)

		go func(o workerOrder) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, workerSendTimeout)
			defer cancel()

			if err := workers.Synchronize(sendCtx, o.addr, o.target, o.digests); err != nil {
				log.Debug("worker synchronize not sent", "worker", o.worker, "target", o.target.Short(), "error", err)
				return
			}

			log.Debug("worker synchronize sent", "worker", o.worker, "target", o.target.Short(), "batches", len(o.digests))
		}(o)
	}
}

// waitForPayload waits until every batch of cert is in the payload store.
func waitForPayload(ctx context.Context, store PayloadStore, cert *types.Certificate, wait time.Duration) payloadSynchronized {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	for _, key := range storage.PayloadKeys(cert) {
		g.Go(func() error {
			return store.NotifyRead(gctx, key)
		})
	}

	if err := g.Wait(); err != nil {
		return payloadSynchronized{result: errResult(timeout(cert.Digest()))}
	}

	return payloadSynchronized{result: okResult(cert, false)}
}
