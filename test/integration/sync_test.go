package integration

import (
	"strings"
	"testing"
	"time"

	"DagPrimary/internal/storage"
	"DagPrimary/internal/types"
)

// seedOwnCertificates stores, on every primary, its own certificates for
// rounds 1..rounds together with their payload.
func seedOwnCertificates(c *Cluster, rounds uint64) Seeder {
	return func(i int, certs *storage.CertificateStore, payloads *storage.PayloadStore) error {
		for r := uint64(1); r <= rounds; r++ {
			cert := c.Certificate(i, r)

			if err := certs.Write(cert); err != nil {
				return err
			}

			if err := payloads.WriteAll(storage.PayloadKeys(cert)); err != nil {
				return err
			}
		}

		return nil
	}
}

func TestCluster_SyncHeaders(t *testing.T) {
	c := NewCluster(t, 4)
	c.Seed(seedOwnCertificates(c, 2))
	c.Start()

	var digests []types.Digest
	for author := range 4 {
		for r := uint64(1); r <= 2; r++ {
			digests = append(digests, c.Certificate(author, r).Digest())
		}
	}

	unknown := types.Digest{0xF0, 0x0D}

	results, err := c.Client(0).SyncHeaders(append(digests, unknown))
	if err != nil {
		t.Fatal(err)
	}

	if len(results) != len(digests)+1 {
		t.Fatalf("results = %d, want %d", len(results), len(digests)+1)
	}

	for i, r := range results[:len(digests)] {
		ownCert := i < 2

		if !r.OK {
			t.Errorf("digest %s: %s", r.Digest.Short(), r.Error)
			continue
		}

		if r.FromStorage != ownCert {
			t.Errorf("digest %s: fromStorage = %v", r.Digest.Short(), r.FromStorage)
		}
	}

	last := results[len(digests)]
	if last.OK || !strings.Contains(last.Error, "no peer") {
		t.Errorf("unknown digest = %+v", last)
	}

	status, err := c.Client(0).Status()
	if err != nil {
		t.Fatal(err)
	}

	if status.Pending != 0 || status.Certificates != 2 {
		t.Errorf("status = %+v", status)
	}
}

func TestCluster_SyncHeadersWithPrimaryDown(t *testing.T) {
	c := NewCluster(t, 4)
	c.Seed(seedOwnCertificates(c, 1))
	c.Start()

	c.Primary(3).Stop()

	wanted := []types.Digest{c.Certificate(1, 1).Digest(), c.Certificate(2, 1).Digest()}

	start := time.Now()
	results, err := c.Client(0).SyncHeaders(wanted)
	if err != nil {
		t.Fatal(err)
	}

	for _, r := range results {
		if !r.OK {
			t.Errorf("digest %s: %s", r.Digest.Short(), r.Error)
		}
	}

	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("sync took %v with one primary down", elapsed)
	}
}

func TestCluster_SyncPayloadOrdersWorkers(t *testing.T) {
	c := NewCluster(t, 4)

	// Primary 1 holds the certificate with its payload, primary 0 only the certificate
	remote := c.Certificate(1, 5)

	c.Seed(func(i int, certs *storage.CertificateStore, payloads *storage.PayloadStore) error {
		switch i {
		case 0:
			return certs.Write(remote)
		case 1:
			if err := certs.Write(remote); err != nil {
				return err
			}
			return payloads.WriteAll(storage.PayloadKeys(remote))
		}
		return nil
	})
	c.Start()

	results, err := c.Client(0).SyncPayload([]types.Digest{remote.Digest()})
	if err != nil {
		t.Fatal(err)
	}

	// The stand-in workers never store the batches
	if len(results) != 1 || results[0].OK || !strings.Contains(results[0].Error, "timed out") {
		t.Fatalf("results = %+v", results)
	}

	// Orders are sent in the background, possibly after the result
	waitFor(t, 5*time.Second, func() bool {
		for _, w := range c.Workers(0) {
			if len(w.Orders()) == 0 {
				return false
			}
		}
		return true
	})

	for id, w := range c.Workers(0) {
		orders := w.Orders()
		if len(orders) != 1 {
			t.Errorf("worker %d received %d orders, want 1", id, len(orders))
			continue
		}

		o := orders[0]
		if o.Target != c.Name(1) || !o.IsCertified {
			t.Errorf("worker %d order = %+v", id, o)
		}

		want := remote.BatchesByWorker()[types.WorkerID(id)]
		if len(o.Digests) != len(want) || o.Digests[0] != want[0] {
			t.Errorf("worker %d digests = %v, want %v", id, o.Digests, want)
		}
	}

	for i := 1; i < 4; i++ {
		for id, w := range c.Workers(i) {
			if n := len(w.Orders()); n != 0 {
				t.Errorf("worker %d of primary %d received %d orders", id, i, n)
			}
		}
	}
}

func TestCluster_SyncPayloadUnknownCertificate(t *testing.T) {
	c := NewCluster(t, 4)
	c.Seed(seedOwnCertificates(c, 1))
	c.Start()

	other := c.Certificate(2, 1)

	results, err := c.Client(0).SyncPayload([]types.Digest{other.Digest()})
	if err != nil {
		t.Fatal(err)
	}

	if len(results) != 1 || results[0].OK || !strings.Contains(results[0].Error, "not stored") {
		t.Errorf("results = %+v", results)
	}
}
