// Package wire defines the messages primaries exchange while synchronizing
// blocks, and the QUIC clients and request router that carry them.
package wire

import (
	"encoding/binary"
	"fmt"

	"DagPrimary/internal/types"
)

// Message types.
const (
	MsgCertificatesRequest         = 0x01 // Ask a primary for certificates by digest
	MsgCertificatesResponse        = 0x02 // Certificates the primary holds
	MsgPayloadAvailabilityRequest  = 0x03 // Ask which certificates have their payload stored
	MsgPayloadAvailabilityResponse = 0x04 // Digests whose payload is available
	MsgWorkerSynchronize           = 0x05 // Order a local worker to fetch batches from a peer
)

// Response flags.
const (
	flagCompressed = 0x01 // Body is zstd-compressed
)

// WorkerSynchronize flags.
const (
	flagCertified = 0x01 // Batches belong to a certified header
)

// CertificatesRequest asks a primary for the certificates with the given digests.
type CertificatesRequest struct {
	Digests []types.Digest
}

// CertificatesResponse carries the certificates the responder holds.
type CertificatesResponse struct {
	Certificates []*types.Certificate
}

// PayloadAvailabilityRequest asks a primary which of the given certificates
// it stores along with their full payload.
type PayloadAvailabilityRequest struct {
	Digests []types.Digest
}

// PayloadAvailabilityResponse lists the digests whose payload is available.
type PayloadAvailabilityResponse struct {
	Digests []types.Digest
}

// WorkerSynchronize orders a worker to fetch batches from Target's worker.
type WorkerSynchronize struct {
	Target      types.PublicKey     // Target is the primary whose workers hold the batches
	Digests     []types.BatchDigest // Digests are the batches to fetch
	IsCertified bool                // IsCertified marks batches referenced by a certificate
}

// MessageType returns the type byte of an encoded message.
func MessageType(data []byte) (byte, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("empty message")
	}

	return data[0], nil
}

// EncodeCertificatesRequest encodes a certificates request.
// Format: [1B type] [4B count] [count * 32B digest]
func EncodeCertificatesRequest(req *CertificatesRequest) []byte {
	return encodeDigests(MsgCertificatesRequest, req.Digests)
}

// DecodeCertificatesRequest decodes a certificates request.
func DecodeCertificatesRequest(data []byte) (*CertificatesRequest, error) {
	digests, err := decodeDigests(MsgCertificatesRequest, data)
	if err != nil {
		return nil, err
	}

	return &CertificatesRequest{Digests: digests}, nil
}

// EncodePayloadAvailabilityRequest encodes a payload availability request.
// Format: [1B type] [4B count] [count * 32B digest]
func EncodePayloadAvailabilityRequest(req *PayloadAvailabilityRequest) []byte {
	return encodeDigests(MsgPayloadAvailabilityRequest, req.Digests)
}

// DecodePayloadAvailabilityRequest decodes a payload availability request.
func DecodePayloadAvailabilityRequest(data []byte) (*PayloadAvailabilityRequest, error) {
	digests, err := decodeDigests(MsgPayloadAvailabilityRequest, data)
	if err != nil {
		return nil, err
	}

	return &PayloadAvailabilityRequest{Digests: digests}, nil
}

// EncodePayloadAvailabilityResponse encodes a payload availability response.
// Format: [1B type] [4B count] [count * 32B digest]
func EncodePayloadAvailabilityResponse(resp *PayloadAvailabilityResponse) []byte {
	return encodeDigests(MsgPayloadAvailabilityResponse, resp.Digests)
}

// DecodePayloadAvailabilityResponse decodes a payload availability response.
func DecodePayloadAvailabilityResponse(data []byte) (*PayloadAvailabilityResponse, error) {
	digests, err := decodeDigests(MsgPayloadAvailabilityResponse, data)
	if err != nil {
		return nil, err
	}

	return &PayloadAvailabilityResponse{Digests: digests}, nil
}

// EncodeCertificatesResponse encodes a certificates response.
// Bodies larger than compressThreshold are zstd-compressed.
// Format: [1B type] [1B flags] [body]
// Body:   [4B count] ([4B len] [len B certificate])*
func EncodeCertificatesResponse(resp *CertificatesResponse) ([]byte, error) {
	size := 4
	encoded := make([][]byte, len(resp.Certificates))

	for i, cert := range resp.Certificates {
		encoded[i] = cert.Encode()
		size += 4 + len(encoded[i])
	}

	body := make([]byte, 0, size)
	body = binary.BigEndian.AppendUint32(body, uint32(len(encoded)))

	for _, e := range encoded {
		body = binary.BigEndian.AppendUint32(body, uint32(len(e)))
		body = append(body, e...)
	}

	var flags byte

	if len(body) > compressThreshold {
		compressed, err := compress(body)
		if err != nil {
			return nil, fmt.Errorf("compress certificates:\n%w", err)
		}

		body = compressed
		flags |= flagCompressed
	}

	buf := make([]byte, 0, 2+len(body))
	buf = append(buf, MsgCertificatesResponse, flags)

	return append(buf, body...), nil
}

// DecodeCertificatesResponse decodes a certificates response.
func DecodeCertificatesResponse(data []byte) (*CertificatesResponse, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("certificates response too short: %d < 2", len(data))
	}

	if data[0] != MsgCertificatesResponse {
		return nil, fmt.Errorf("invalid message type: 0x%02x", data[0])
	}

	body := data[2:]

	if data[1]&flagCompressed != 0 {
		decompressed, err := decompress(body)
		if err != nil {
			return nil, fmt.Errorf("decompress certificates:\n%w", err)
		}

		body = decompressed
	}

	if len(body) < 4 {
		return nil, fmt.Errorf("certificates body too short: %d < 4", len(body))
	}

	count := binary.BigEndian.Uint32(body[:4])
	offset := 4

	// Every entry needs at least its length prefix
	if uint64(count)*4 > uint64(len(body)-offset) {
		return nil, fmt.Errorf("certificate count %d exceeds body", count)
	}

	certs := make([]*types.Certificate, 0, count)

	for i := uint32(0); i < count; i++ {
		if len(body)-offset < 4 {
			return nil, fmt.Errorf("certificate %d: truncated length", i)
		}

		n := int(binary.BigEndian.Uint32(body[offset : offset+4]))
		offset += 4

		if n > len(body)-offset {
			return nil, fmt.Errorf("certificate %d: need %d bytes, have %d", i, n, len(body)-offset)
		}

		cert, err := types.DecodeCertificate(body[offset : offset+n])
		if err != nil {
			return nil, fmt.Errorf("certificate %d:\n%w", i, err)
		}

		certs = append(certs, cert)
		offset += n
	}

	return &CertificatesResponse{Certificates: certs}, nil
}

// EncodeWorkerSynchronize encodes a worker synchronize order.
// Format: [1B type] [32B target] [1B flags] [4B count] [count * 32B digest]
func EncodeWorkerSynchronize(msg *WorkerSynchronize) []byte {
	buf := make([]byte, 0, 1+32+1+4+len(msg.Digests)*types.DigestSize)
	buf = append(buf, MsgWorkerSynchronize)
	buf = append(buf, msg.Target[:]...)

	var flags byte
	if msg.IsCertified {
		flags |= flagCertified
	}
	buf = append(buf, flags)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Digests)))
	for _, d := range msg.Digests {
		buf = append(buf, d[:]...)
	}

	return buf
}

// DecodeWorkerSynchronize decodes a worker synchronize order.
func DecodeWorkerSynchronize(data []byte) (*WorkerSynchronize, error) {
	const header = 1 + 32 + 1 + 4

	if len(data) < header {
		return nil, fmt.Errorf("worker synchronize too short: %d < %d", len(data), header)
	}

	if data[0] != MsgWorkerSynchronize {
		return nil, fmt.Errorf("invalid message type: 0x%02x", data[0])
	}

	msg := &WorkerSynchronize{IsCertified: data[33]&flagCertified != 0}
	copy(msg.Target[:], data[1:33])

	count := binary.BigEndian.Uint32(data[34:38])
	if uint64(len(data)-header) != uint64(count)*types.DigestSize {
		return nil, fmt.Errorf("worker synchronize: %d digests do not match %d bytes", count, len(data)-header)
	}

	msg.Digests = make([]types.BatchDigest, count)
	for i := range msg.Digests {
		start := header + i*types.DigestSize
		copy(msg.Digests[i][:], data[start:start+types.DigestSize])
	}

	return msg, nil
}

// encodeDigests writes [1B type] [4B count] [count * 32B digest].
func encodeDigests(msgType byte, digests []types.Digest) []byte {
	buf := make([]byte, 0, 5+len(digests)*types.DigestSize)
	buf = append(buf, msgType)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(digests)))

	for _, d := range digests {
		buf = append(buf, d[:]...)
	}

	return buf
}

// decodeDigests parses a message written by encodeDigests.
func decodeDigests(msgType byte, data []byte) ([]types.Digest, error) {
	if len(data) < 5 {
		return nil, fmt.Errorf("message too short: %d < 5", len(data))
	}

	if data[0] != msgType {
		return nil, fmt.Errorf("invalid message type: 0x%02x", data[0])
	}

	count := binary.BigEndian.Uint32(data[1:5])
	if uint64(len(data)-5) != uint64(count)*types.DigestSize {
		return nil, fmt.Errorf("%d digests do not match %d bytes", count, len(data)-5)
	}

	digests := make([]types.Digest, count)
	for i := range digests {
		start := 5 + i*types.DigestSize
		copy(digests[i][:], data[start:start+types.DigestSize])
	}

	return digests, nil
}
