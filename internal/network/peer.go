package network

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"DagPrimary/internal/logger"
	"DagPrimary/internal/types"
)

const (
	// defaultRequestTimeout bounds Request calls whose context has no deadline.
	defaultRequestTimeout = 30 * time.Second
)

// Peer represents a connection to a remote node.
type Peer struct {
	publicKey types.PublicKey // publicKey is the remote node's identity
	address   string          // address is the remote address
	conn      *quic.Conn      // conn is the underlying QUIC connection
	node      *Node           // node is the parent node
	closed    atomic.Bool     // closed indicates if the peer is closed
	mu        sync.Mutex      // mu serializes stream opening for Send
}

// PublicKey returns the remote node's identity.
func (p *Peer) PublicKey() types.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Closed reports whether the connection has ended.
func (p *Peer) Closed() bool {
	return p.closed.Load()
}

// Send delivers a one-way message on a new unidirectional stream.
// No reply is expected or awaited.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return ErrPeerClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeMessage(stream, data); err != nil {
		stream.CancelWrite(0)
		return fmt.Errorf("write message:\n%w", err)
	}

	return stream.Close()
}

// Request sends data and waits for the response on a bidirectional stream.
// The context bounds the whole exchange.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrPeerClosed
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	// Cancelling ctx aborts a blocked read
	stop := context.AfterFunc(ctx, func() {
		stream.CancelRead(0)
	})
	defer stop()

	if err := writeMessage(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	response, err := readMessage(stream)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("read response:\n%w", ctx.Err())
		}
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return response, nil
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop accepts incoming streams until the connection ends.
func (p *Peer) receiveLoop() {
	ctx := p.conn.Context()

	go p.acceptBidiStreams(ctx)

	for {
		stream, err := p.conn.AcceptUniStream(ctx)
		if err != nil {
			break
		}

		go p.handleUniStream(stream)
	}

	p.handleDisconnect()
}

// acceptBidiStreams accepts bidirectional streams for request/response.
func (p *Peer) acceptBidiStreams(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go p.handleBidiStream(stream)
	}
}

// handleBidiStream answers one request. A handler error closes the stream without a reply.
func (p *Peer) handleBidiStream(stream *quic.Stream) {
	defer stream.Close()

	data, err := readMessage(stream)
	if err != nil {
		return
	}

	response, err := p.node.callOnRequest(p, data)
	if err != nil {
		logger.Debug("request rejected", "peer", p.publicKey.Short(), "error", err)
		stream.CancelWrite(1)
		return
	}

	if err := writeMessage(stream, response); err != nil {
		logger.Debug("write response failed", "peer", p.publicKey.Short(), "error", err)
	}
}

// handleUniStream reads a one-way message and hands it to the node once.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.publicKey.Short(), "error", err)
		return
	}

	if !p.node.dedup.Check(data) {
		return
	}

	p.node.callOnMessage(p, data)
}

// handleDisconnect handles peer disconnection.
func (p *Peer) handleDisconnect() {
	p.closed.Store(true)
	p.node.handlePeerDisconnect(p)
}
