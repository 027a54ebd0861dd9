package wire

import (
	"context"
	"fmt"
	"sync"

	"DagPrimary/internal/committee"
	"DagPrimary/internal/network"
	"DagPrimary/internal/types"
)

// PrimaryClient sends timed requests to other primaries over QUIC.
type PrimaryClient struct {
	node *network.Node
}

// NewPrimaryClient creates a client that dials primaries through node.
func NewPrimaryClient(node *network.Node) *PrimaryClient {
	return &PrimaryClient{node: node}
}

// GetCertificates asks peer for the certificates with the given digests.
func (c *PrimaryClient) GetCertificates(ctx context.Context, peer committee.Authority, digests []types.Digest) ([]*types.Certificate, error) {
	data, err := c.request(ctx, peer, EncodeCertificatesRequest(&CertificatesRequest{Digests: digests}))
	if err != nil {
		return nil, err
	}

	resp, err := DecodeCertificatesResponse(data)
	if err != nil {
		return nil, fmt.Errorf("decode response from %s:\n%w", peer.Name.Short(), err)
	}

	return resp.Certificates, nil
}

// GetPayloadAvailability asks peer which of the given certificates it holds with their payload.
func (c *PrimaryClient) GetPayloadAvailability(ctx context.Context, peer committee.Authority, digests []types.Digest) ([]types.Digest, error) {
	data, err := c.request(ctx, peer, EncodePayloadAvailabilityRequest(&PayloadAvailabilityRequest{Digests: digests}))
	if err != nil {
		return nil, err
	}

	resp, err := DecodePayloadAvailabilityResponse(data)
	if err != nil {
		return nil, fmt.Errorf("decode response from %s:\n%w", peer.Name.Short(), err)
	}

	return resp.Digests, nil
}

func (c *PrimaryClient) request(ctx context.Context, peer committee.Authority, data []byte) ([]byte, error) {
	conn, err := c.node.Dial(ctx, peer.Name, peer.PrimaryAddress)
	if err != nil {
		return nil, fmt.Errorf("connect to %s:\n%w", peer.Name.Short(), err)
	}

	resp, err := conn.Request(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("request to %s:\n%w", peer.Name.Short(), err)
	}

	return resp, nil
}

// WorkerClient delivers one-way orders to the local workers.
// Workers are addressed by their network address only.
type WorkerClient struct {
	node *network.Node

	mu    sync.Mutex
	peers map[string]*network.Peer // peers caches connections by worker address
}

// NewWorkerClient creates a client that reaches workers through node.
func NewWorkerClient(node *network.Node) *WorkerClient {
	return &WorkerClient{node: node, peers: make(map[string]*network.Peer)}
}

// Synchronize orders the worker at addr to fetch digests from target's workers.
// It returns once the message is written; the worker does not reply.
func (c *WorkerClient) Synchronize(ctx context.Context, addr string, target types.PublicKey, digests []types.BatchDigest) error {
	peer, err := c.connect(ctx, addr)
	if err != nil {
		return err
	}

	msg := EncodeWorkerSynchronize(&WorkerSynchronize{
		Target:      target,
		Digests:     digests,
		IsCertified: true,
	})

	if err := peer.Send(msg); err != nil {
		c.forget(addr, peer)
		return fmt.Errorf("send to worker %s:\n%w", addr, err)
	}

	return nil
}

// connect returns a live connection to the worker at addr.
func (c *WorkerClient) connect(ctx context.Context, addr string) (*network.Peer, error) {
	c.mu.Lock()
	peer := c.peers[addr]
	c.mu.Unlock()

	if peer != nil && !peer.Closed() {
		return peer, nil
	}

	peer, err := c.node.Connect(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("connect to worker %s:\n%w", addr, err)
	}

	c.mu.Lock()
	c.peers[addr] = peer
	c.mu.Unlock()

	return peer, nil
}

func (c *WorkerClient) forget(addr string, peer *network.Peer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.peers[addr] == peer {
		delete(c.peers, addr)
	}
}
