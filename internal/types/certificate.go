package types

import (
	"encoding/binary"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/zeebo/blake3"

	"DagPrimary/internal/types/fb"
)

// headerDomain separates header digests from other blake3 uses.
var headerDomain = []byte("dagprimary-header")

// BatchRef points at one batch of a header's payload.
type BatchRef struct {
	Digest BatchDigest // Digest is the batch digest
	Worker WorkerID    // Worker is the worker that stores the batch
}

// Header is the proposal a primary makes for one round.
type Header struct {
	Author  PublicKey  // Author is the primary that proposed the header
	Round   uint64     // Round is the DAG round
	Epoch   uint64     // Epoch is the committee epoch
	Payload []BatchRef // Payload lists the batches the header references
	Parents []Digest   // Parents are certificates of the previous round
}

// Certificate is a header together with a quorum of signatures over its digest.
type Certificate struct {
	Header    Header // Header is the certified header
	Signers   []byte // Signers is the committee-index bitmap of signers
	Signature []byte // Signature is the aggregated BLS signature
}

// Digest computes the header digest over its canonical binary encoding.
// Format: domain || author || round || epoch || n || (batch || worker)* || m || parent*
func (h *Header) Digest() Digest {
	hasher := blake3.New()
	hasher.Write(headerDomain)
	hasher.Write(h.Author[:])

	var buf [8]byte

	binary.BigEndian.PutUint64(buf[:], h.Round)
	hasher.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], h.Epoch)
	hasher.Write(buf[:])

	binary.BigEndian.PutUint32(buf[:4], uint32(len(h.Payload)))
	hasher.Write(buf[:4])

	for _, ref := range h.Payload {
		hasher.Write(ref.Digest[:])
		binary.BigEndian.PutUint32(buf[:4], uint32(ref.Worker))
		hasher.Write(buf[:4])
	}

	binary.BigEndian.PutUint32(buf[:4], uint32(len(h.Parents)))
	hasher.Write(buf[:4])

	for _, p := range h.Parents {
		hasher.Write(p[:])
	}

	var d Digest
	hasher.Sum(d[:0])

	return d
}

// Digest returns the certificate digest, which is the digest of its header.
func (c *Certificate) Digest() Digest {
	return c.Header.Digest()
}

// Round returns the round of the certified header.
func (c *Certificate) Round() uint64 {
	return c.Header.Round
}

// Author returns the primary that proposed the certified header.
func (c *Certificate) Author() PublicKey {
	return c.Header.Author
}

// BatchesByWorker groups the payload's batch digests by worker id.
func (c *Certificate) BatchesByWorker() map[WorkerID][]BatchDigest {
	result := make(map[WorkerID][]BatchDigest)

	for _, ref := range c.Header.Payload {
		result[ref.Worker] = append(result[ref.Worker], ref.Digest)
	}

	return result
}

// Encode serializes the certificate as a FlatBuffers Certificate table.
func (c *Certificate) Encode() []byte {
	builder := flatbuffers.NewBuilder(256 + len(c.Header.Payload)*48 + len(c.Header.Parents)*32)

	headerOffset := buildHeader(builder, &c.Header)
	signersVec := builder.CreateByteVector(c.Signers)
	signatureVec := builder.CreateByteVector(c.Signature)

	fb.CertificateStart(builder)
	fb.CertificateAddHeader(builder, headerOffset)
	fb.CertificateAddSigners(builder, signersVec)
	fb.CertificateAddSignature(builder, signatureVec)
	offset := fb.CertificateEnd(builder)

	fb.FinishCertificateBuffer(builder, offset)

	return builder.FinishedBytes()
}

// buildHeader writes a Header table and returns its offset.
func buildHeader(builder *flatbuffers.Builder, h *Header) flatbuffers.UOffsetT {
	refOffsets := make([]flatbuffers.UOffsetT, len(h.Payload))

	for i, ref := range h.Payload {
		digestVec := builder.CreateByteVector(ref.Digest[:])

		fb.BatchRefStart(builder)
		fb.BatchRefAddDigest(builder, digestVec)
		fb.BatchRefAddWorker(builder, uint32(ref.Worker))
		refOffsets[i] = fb.BatchRefEnd(builder)
	}

	fb.HeaderStartPayloadVector(builder, len(refOffsets))
	for i := len(refOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(refOffsets[i])
	}
	payloadVec := builder.EndVector(len(refOffsets))

	parents := make([]byte, 0, len(h.Parents)*DigestSize)
	for _, p := range h.Parents {
		parents = append(parents, p[:]...)
	}

	parentsVec := builder.CreateByteVector(parents)
	authorVec := builder.CreateByteVector(h.Author[:])

	fb.HeaderStart(builder)
	fb.HeaderAddAuthor(builder, authorVec)
	fb.HeaderAddRound(builder, h.Round)
	fb.HeaderAddEpoch(builder, h.Epoch)
	fb.HeaderAddPayload(builder, payloadVec)
	fb.HeaderAddParents(builder, parentsVec)

	return fb.HeaderEnd(builder)
}

// DecodeCertificate parses a FlatBuffers Certificate.
// Bytes come from untrusted peers, so accessor panics on malformed buffers are
// turned into errors.
func DecodeCertificate(data []byte) (cert *Certificate, err error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("certificate too short: %d bytes", len(data))
	}

	defer func() {
		if r := recover(); r != nil {
			cert = nil
			err = fmt.Errorf("malformed certificate: %v", r)
		}
	}()

	record := fb.GetRootAsCertificate(data, 0)

	recordHeader := record.Header(nil)
	if recordHeader == nil {
		return nil, fmt.Errorf("certificate has no header")
	}

	header, err := decodeHeader(recordHeader)
	if err != nil {
		return nil, err
	}

	return &Certificate{
		Header:    header,
		Signers:   copyBytes(record.SignersBytes()),
		Signature: copyBytes(record.SignatureBytes()),
	}, nil
}

// decodeHeader converts a FlatBuffers Header into its Go form.
func decodeHeader(record *fb.Header) (Header, error) {
	var h Header

	author := record.AuthorBytes()
	if len(author) != DigestSize {
		return h, fmt.Errorf("invalid author size: %d", len(author))
	}
	copy(h.Author[:], author)

	h.Round = record.Round()
	h.Epoch = record.Epoch()

	n := record.PayloadLength()
	if n > 0 {
		h.Payload = make([]BatchRef, n)
	}

	var ref fb.BatchRef
	for i := 0; i < n; i++ {
		if !record.Payload(&ref, i) {
			return h, fmt.Errorf("missing payload entry %d", i)
		}

		digest := ref.DigestBytes()
		if len(digest) != DigestSize {
			return h, fmt.Errorf("invalid batch digest size at %d: %d", i, len(digest))
		}

		copy(h.Payload[i].Digest[:], digest)
		h.Payload[i].Worker = WorkerID(ref.Worker())
	}

	parents := record.ParentsBytes()
	if len(parents)%DigestSize != 0 {
		return h, fmt.Errorf("invalid parents size: %d", len(parents))
	}

	for off := 0; off < len(parents); off += DigestSize {
		var p Digest
		copy(p[:], parents[off:off+DigestSize])
		h.Parents = append(h.Parents, p)
	}

	return h, nil
}

// copyBytes returns a copy of b, or nil when b is empty.
func copyBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}
