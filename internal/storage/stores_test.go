package storage

import (
	"context"
	"testing"
	"time"

	"DagPrimary/internal/types"
)

func testCertificate(round uint64, batches ...string) *types.Certificate {
	header := types.Header{Author: types.PublicKey{7}, Round: round, Epoch: 1}

	for i, b := range batches {
		header.Payload = append(header.Payload, types.BatchRef{
			Digest: types.HashBatch([]byte(b)),
			Worker: types.WorkerID(i % 2),
		})
	}

	return &types.Certificate{Header: header, Signers: []byte{0x07}, Signature: []byte{1, 2, 3}}
}

func TestCertificateStore(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	store := NewCertificateStore(s)

	a := testCertificate(1, "a")
	b := testCertificate(2, "b")

	if err := store.Write(a); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := store.WriteAll([]*types.Certificate{b}); err != nil {
		t.Fatalf("WriteAll failed: %v", err)
	}

	got, err := store.Read(a.Digest())
	if err != nil || got == nil {
		t.Fatalf("Read = %v, %v", got, err)
	}
	if got.Digest() != a.Digest() {
		t.Error("read certificate has a different digest")
	}

	missing := types.Digest{9}
	all, err := store.ReadAll([]types.Digest{b.Digest(), missing})
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if all[0] == nil || all[1] != nil {
		t.Errorf("ReadAll = %v, want [cert nil]", all)
	}

	n, err := store.Count()
	if err != nil || n != 2 {
		t.Errorf("Count = %d, %v; want 2", n, err)
	}
}

func TestPayloadStore(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	store := NewPayloadStore(s)
	cert := testCertificate(3, "x", "y")
	keys := PayloadKeys(cert)

	ok, err := store.Contains(cert)
	if err != nil || ok {
		t.Fatalf("Contains before write = %v, %v", ok, err)
	}

	if err := store.Write(keys[0]); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	found, _ := store.ReadAll(keys)
	if !found[0] || found[1] {
		t.Errorf("ReadAll = %v, want [true false]", found)
	}

	// Same batch under another worker is a different key
	other := PayloadKey{Batch: keys[0].Batch, Worker: 5}
	if ok, _ := store.Read(other); ok {
		t.Error("batch should not be present for another worker")
	}

	store.WriteAll(keys[1:])

	if ok, _ := store.Contains(cert); !ok {
		t.Error("Contains should be true after all batches are written")
	}
}

func TestPayloadStore_NotifyRead(t *testing.T) {
	s, cleanup := newTestStorage(t)
	defer cleanup()

	store := NewPayloadStore(s)
	key := PayloadKey{Batch: types.HashBatch([]byte("late")), Worker: 1}

	go func() {
		time.Sleep(20 * time.Millisecond)
		store.Write(key)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := store.NotifyRead(ctx, key); err != nil {
		t.Fatalf("NotifyRead failed: %v", err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()

	if err := store.NotifyRead(short, PayloadKey{Worker: 9}); err == nil {
		t.Error("NotifyRead should fail when the context expires")
	}
}
