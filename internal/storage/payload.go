package storage

import (
	"context"
	"encoding/binary"
	"fmt"

	"DagPrimary/internal/types"
)

// payloadPrefix namespaces payload markers by (batch, worker).
var payloadPrefix = []byte("p:")

// payloadPresent is the value stored for an available batch.
var payloadPresent = []byte{1}

// PayloadKey identifies a batch held by a given worker.
type PayloadKey struct {
	Batch  types.BatchDigest // Batch is the batch digest
	Worker types.WorkerID    // Worker is the worker that stores the batch
}

func (k PayloadKey) bytes() []byte {
	key := make([]byte, 0, len(payloadPrefix)+types.DigestSize+4)
	key = append(key, payloadPrefix...)
	key = append(key, k.Batch[:]...)

	return binary.BigEndian.AppendUint32(key, uint32(k.Worker))
}

// PayloadKeys returns the storage keys of every batch in the certificate's payload.
func PayloadKeys(cert *types.Certificate) []PayloadKey {
	keys := make([]PayloadKey, len(cert.Header.Payload))
	for i, ref := range cert.Header.Payload {
		keys[i] = PayloadKey{Batch: ref.Digest, Worker: ref.Worker}
	}

	return keys
}

// PayloadStore records which batches the local workers hold.
// Workers write to it; the primary only reads and waits.
type PayloadStore struct {
	db *Storage
}

// NewPayloadStore creates a payload store over db.
func NewPayloadStore(db *Storage) *PayloadStore {
	return &PayloadStore{db: db}
}

// Write marks a batch as available.
func (s *PayloadStore) Write(key PayloadKey) error {
	if err := s.db.Set(key.bytes(), payloadPresent); err != nil {
		return fmt.Errorf("write payload %s/%d:\n%w", key.Batch, key.Worker, err)
	}

	return nil
}

// WriteAll marks several batches as available atomically.
func (s *PayloadStore) WriteAll(keys []PayloadKey) error {
	pairs := make([]KeyValue, len(keys))
	for i, k := range keys {
		pairs[i] = KeyValue{Key: k.bytes(), Value: payloadPresent}
	}

	if err := s.db.SetBatch(pairs); err != nil {
		return fmt.Errorf("write %d payload entries:\n%w", len(keys), err)
	}

	return nil
}

// Read reports whether the batch is available.
func (s *PayloadStore) Read(key PayloadKey) (bool, error) {
	ok, err := s.db.Has(key.bytes())
	if err != nil {
		return false, fmt.Errorf("read payload %s/%d:\n%w", key.Batch, key.Worker, err)
	}

	return ok, nil
}

// ReadAll reports availability for each key, in order.
func (s *PayloadStore) ReadAll(keys []PayloadKey) ([]bool, error) {
	found := make([]bool, len(keys))

	for i, k := range keys {
		ok, err := s.Read(k)
		if err != nil {
			return nil, err
		}

		found[i] = ok
	}

	return found, nil
}

// Contains reports whether every batch of the certificate's payload is available.
func (s *PayloadStore) Contains(cert *types.Certificate) (bool, error) {
	found, err := s.ReadAll(PayloadKeys(cert))
	if err != nil {
		return false, err
	}

	for _, ok := range found {
		if !ok {
			return false, nil
		}
	}

	return true, nil
}

// NotifyRead blocks until the batch is available or ctx ends.
func (s *PayloadStore) NotifyRead(ctx context.Context, key PayloadKey) error {
	if _, err := s.db.NotifyRead(ctx, key.bytes()); err != nil {
		return fmt.Errorf("wait payload %s/%d:\n%w", key.Batch, key.Worker, err)
	}

	return nil
}
