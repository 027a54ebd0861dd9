package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/quic-go/quic-go"

	"DagPrimary/internal/logger"
	"DagPrimary/internal/types"
)

const (
	// defaultReconnectDelay is the default delay before the first reconnection attempt.
	defaultReconnectDelay = 1 * time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 60 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "dagprimary/1"
)

var (
	// ErrUnexpectedPeer is returned when the remote identity differs from the expected key.
	ErrUnexpectedPeer = errors.New("unexpected peer identity")

	// ErrPeerClosed is returned when sending on a closed peer.
	ErrPeerClosed = errors.New("peer is closed")
)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey is the node's ed25519 private key
	ListenAddr     string             // ListenAddr is the address to listen on (e.g., ":9000")
	ReconnectDelay time.Duration      // ReconnectDelay is the initial delay between reconnection attempts
	DedupTTL       time.Duration      // DedupTTL is how long one-way messages are remembered
}

// Node accepts and initiates QUIC connections identified by ed25519 keys.
type Node struct {
	privateKey ed25519.PrivateKey // privateKey is the node's ed25519 private key
	publicKey  types.PublicKey    // publicKey is the node's identity
	listenAddr string             // listenAddr is the address to listen on
	tlsConfig  *tls.Config        // tlsConfig is the TLS configuration
	quicConfig *quic.Config       // quicConfig is the QUIC configuration

	listener *quic.Listener // listener is the QUIC listener

	peers   map[types.PublicKey]*Peer // peers maps identity to connected peer
	peersMu sync.RWMutex              // peersMu protects peers and knownAddrs

	knownAddrs map[types.PublicKey]string // knownAddrs are dialed addresses kept for reconnection

	reconnectDelay time.Duration // reconnectDelay is the initial reconnection delay

	dedup *Dedup // dedup tracks seen one-way messages

	onMessage  func(*Peer, []byte)                 // onMessage is called when a one-way message is received
	onRequest  func(*Peer, []byte) ([]byte, error) // onRequest handles bidirectional request/response
	handlersMu sync.RWMutex                        // handlersMu protects event handlers

	ctx       context.Context    // ctx is the node's context
	cancel    context.CancelFunc // cancel cancels the node's context
	closeOnce sync.Once          // closeOnce makes Close idempotent
	wg        sync.WaitGroup     // wg waits for goroutines to finish
}

// NewNode creates a new network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	dedupTTL := cfg.DedupTTL
	if dedupTTL == 0 {
		dedupTTL = defaultDedupTTL
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // identity is checked against the committee key after the handshake
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	var self types.PublicKey
	copy(self[:], cfg.PrivateKey.Public().(ed25519.PublicKey))

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		privateKey:     cfg.PrivateKey,
		publicKey:      self,
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		peers:          make(map[types.PublicKey]*Peer),
		knownAddrs:     make(map[types.PublicKey]string),
		reconnectDelay: reconnectDelay,
		dedup:          NewDedup(dedupTTL),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// PublicKey returns the node's identity.
func (n *Node) PublicKey() types.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start starts the node and begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen on %s:\n%w", n.listenAddr, err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Connect connects to a remote node at the given address, whatever its identity.
func (n *Node) Connect(ctx context.Context, addr string) (*Peer, error) {
	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	peer, err := n.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	n.peersMu.Lock()
	n.knownAddrs[peer.publicKey] = addr
	n.peersMu.Unlock()

	return peer, nil
}

// Dial returns the connection to the peer with the given identity, dialing addr
// if none exists. A remote presenting another key is rejected with ErrUnexpectedPeer.
func (n *Node) Dial(ctx context.Context, key types.PublicKey, addr string) (*Peer, error) {
	if p := n.GetPeer(key); p != nil {
		return p, nil
	}

	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	remote, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		conn.CloseWithError(1, "bad identity")
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	if !remote.Equal(ed25519.PublicKey(key[:])) {
		conn.CloseWithError(1, "unexpected identity")
		return nil, fmt.Errorf("dial %s expected %s:\n%w", addr, key.Short(), ErrUnexpectedPeer)
	}

	peer, err := n.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	n.peersMu.Lock()
	n.knownAddrs[key] = addr
	n.peersMu.Unlock()

	return peer, nil
}

// Peers returns a list of all connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// GetPeer returns the peer for the given identity, or nil if not connected.
func (n *Node) GetPeer(key types.PublicKey) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[key]
}

// OnMessage sets the handler called when a one-way message is received.
func (n *Node) OnMessage(fn func(*Peer, []byte)) {
	n.handlersMu.Lock()
	n.onMessage = fn
	n.handlersMu.Unlock()
}

// OnRequest sets the handler for incoming bidirectional requests.
// The handler receives request data and returns response data.
func (n *Node) OnRequest(fn func(*Peer, []byte) ([]byte, error)) {
	n.handlersMu.Lock()
	n.onRequest = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections. Later calls do nothing.
func (n *Node) Close() error {
	n.closeOnce.Do(n.close)
	return nil
}

func (n *Node) close() {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	peers := n.peers
	n.peers = make(map[types.PublicKey]*Peer)
	n.peersMu.Unlock()

	for _, p := range peers {
		p.Close()
	}

	n.dedup.Close()
	n.wg.Wait()
}

// acceptLoop accepts incoming connections.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return // Listener closed
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming handles an incoming connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, conn.RemoteAddr().String())
	if err != nil {
		logger.Debug("incoming connection rejected", "addr", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(1, "setup failed")
		return
	}

	logger.Debug("peer connected", "peer", peer.publicKey.Short(), "addr", peer.address)
}

// setupPeer creates a Peer from a QUIC connection and starts its receive loop.
// An existing connection to the same identity is replaced.
func (n *Node) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	pubKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	peer := &Peer{address: addr, conn: conn, node: n}
	copy(peer.publicKey[:], pubKey)

	n.peersMu.Lock()
	old := n.peers[peer.publicKey]
	n.peers[peer.publicKey] = peer
	n.peersMu.Unlock()

	if old != nil {
		old.Close()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	return peer, nil
}

// handlePeerDisconnect removes a peer and schedules reconnection if it was dialed.
func (n *Node) handlePeerDisconnect(p *Peer) {
	n.peersMu.Lock()
	if n.peers[p.publicKey] == p {
		delete(n.peers, p.publicKey)
	}
	_, known := n.knownAddrs[p.publicKey]
	n.peersMu.Unlock()

	logger.Debug("peer disconnected", "peer", p.publicKey.Short())

	if !known || n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(p.publicKey)
	}()
}

// reconnectPeer redials a known peer with exponential backoff until it is
// connected again or the node closes.
func (n *Node) reconnectPeer(key types.PublicKey) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = n.reconnectDelay
	policy.MaxInterval = maxReconnectDelay
	policy.MaxElapsedTime = 0

	attempt := func() error {
		n.peersMu.RLock()
		addr, ok := n.knownAddrs[key]
		_, connected := n.peers[key]
		n.peersMu.RUnlock()

		if !ok || connected {
			return nil
		}

		_, err := n.Dial(n.ctx, key, addr)
		if errors.Is(err, ErrUnexpectedPeer) {
			return backoff.Permanent(err)
		}

		return err
	}

	notify := func(err error, wait time.Duration) {
		logger.Debug("reconnect failed", "peer", key.Short(), "retry_in", wait, "error", err)
	}

	// Wait before the first attempt so a closing remote is not redialed at once
	select {
	case <-n.ctx.Done():
		return
	case <-time.After(n.reconnectDelay):
	}

	if err := backoff.RetryNotify(attempt, backoff.WithContext(policy, n.ctx), notify); err != nil && n.ctx.Err() == nil {
		logger.Warn("giving up reconnect", "peer", key.Short(), "error", err)
	}
}

// callOnMessage calls the onMessage handler if set.
func (n *Node) callOnMessage(p *Peer, data []byte) {
	n.handlersMu.RLock()
	fn := n.onMessage
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p, data)
	}
}

// callOnRequest calls the onRequest handler if set.
func (n *Node) callOnRequest(p *Peer, data []byte) ([]byte, error) {
	n.handlersMu.RLock()
	fn := n.onRequest
	n.handlersMu.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return fn(p, data)
}
