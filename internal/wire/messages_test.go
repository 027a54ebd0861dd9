package wire

import (
	"testing"

	"DagPrimary/internal/committee/committeetest"
	"DagPrimary/internal/types"
)

func TestDigestRequests(t *testing.T) {
	digests := []types.Digest{{1}, {2}, {3}}

	data := EncodeCertificatesRequest(&CertificatesRequest{Digests: digests})
	req, err := DecodeCertificatesRequest(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(req.Digests) != 3 || req.Digests[2] != digests[2] {
		t.Errorf("digests = %v", req.Digests)
	}

	// A payload request is not a certificates request
	other := EncodePayloadAvailabilityRequest(&PayloadAvailabilityRequest{Digests: digests})
	if _, err := DecodeCertificatesRequest(other); err == nil {
		t.Error("type mismatch should be rejected")
	}

	if _, err := DecodePayloadAvailabilityRequest(data[:len(data)-1]); err == nil {
		t.Error("truncated request should be rejected")
	}
}

func TestEmptyDigestList(t *testing.T) {
	data := EncodePayloadAvailabilityResponse(&PayloadAvailabilityResponse{})

	resp, err := DecodePayloadAvailabilityResponse(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(resp.Digests) != 0 {
		t.Errorf("expected no digests, got %d", len(resp.Digests))
	}
}

func TestCertificatesResponse_Small(t *testing.T) {
	f := committeetest.New(4)
	certs := []*types.Certificate{f.Certificate(0, 1), f.Certificate(1, 1)}

	data, err := EncodeCertificatesResponse(&CertificatesResponse{Certificates: certs})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if data[1]&flagCompressed != 0 {
		t.Error("small response should not be compressed")
	}

	resp, err := DecodeCertificatesResponse(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(resp.Certificates) != 2 || resp.Certificates[1].Digest() != certs[1].Digest() {
		t.Error("decoded certificates differ")
	}

	if err := f.Committee.VerifyCertificate(resp.Certificates[0]); err != nil {
		t.Errorf("decoded certificate no longer verifies: %v", err)
	}
}

func TestCertificatesResponse_Compressed(t *testing.T) {
	f := committeetest.New(4)

	var certs []*types.Certificate
	for round := uint64(1); round <= 60; round++ {
		for author := 0; author < 4; author++ {
			certs = append(certs, f.Certificate(author, round))
		}
	}

	data, err := EncodeCertificatesResponse(&CertificatesResponse{Certificates: certs})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if data[1]&flagCompressed == 0 {
		t.Fatal("large response should be compressed")
	}

	resp, err := DecodeCertificatesResponse(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if len(resp.Certificates) != len(certs) {
		t.Fatalf("got %d certificates, want %d", len(resp.Certificates), len(certs))
	}

	for i := range certs {
		if resp.Certificates[i].Digest() != certs[i].Digest() {
			t.Fatalf("certificate %d differs", i)
		}
	}
}

func TestCertificatesResponse_Malformed(t *testing.T) {
	cases := map[string][]byte{
		"short":      {MsgCertificatesResponse},
		"wrong type": {MsgCertificatesRequest, 0, 0, 0, 0, 0},
		"huge count": {MsgCertificatesResponse, 0, 0xFF, 0xFF, 0xFF, 0xFF},
		"truncated":  {MsgCertificatesResponse, 0, 0, 0, 0, 1, 0, 0, 0, 9, 1, 2},
		"bad zstd":   {MsgCertificatesResponse, flagCompressed, 1, 2, 3, 4},
	}

	for name, data := range cases {
		if _, err := DecodeCertificatesResponse(data); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestWorkerSynchronize(t *testing.T) {
	msg := &WorkerSynchronize{
		Target:      types.PublicKey{9},
		Digests:     []types.BatchDigest{types.HashBatch([]byte("a")), types.HashBatch([]byte("b"))},
		IsCertified: true,
	}

	got, err := DecodeWorkerSynchronize(EncodeWorkerSynchronize(msg))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.Target != msg.Target || !got.IsCertified || len(got.Digests) != 2 || got.Digests[1] != msg.Digests[1] {
		t.Errorf("decoded = %+v", got)
	}

	if _, err := DecodeWorkerSynchronize([]byte{MsgWorkerSynchronize, 1}); err == nil {
		t.Error("short message should be rejected")
	}
}
