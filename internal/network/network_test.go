package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"DagPrimary/internal/types"
)

// generateTestKey generates a random ed25519 key pair for testing.
func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

// startTestNode creates and starts a node on a loopback port.
func startTestNode(t *testing.T, key ed25519.PrivateKey) *Node {
	t.Helper()

	node, err := NewNode(Config{
		PrivateKey:     key,
		ListenAddr:     "127.0.0.1:0",
		ReconnectDelay: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	t.Cleanup(func() { node.Close() })

	return node
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", what)
}

func TestNodeStartStop(t *testing.T) {
	node, err := NewNode(Config{
		PrivateKey: generateTestKey(t),
		ListenAddr: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	if node.Addr() == "" {
		t.Error("started node should report an address")
	}

	if err := node.Close(); err != nil {
		t.Fatalf("close node: %v", err)
	}
}

func TestNewNode_Validation(t *testing.T) {
	if _, err := NewNode(Config{ListenAddr: ":0"}); err == nil {
		t.Error("missing private key should fail")
	}

	if _, err := NewNode(Config{PrivateKey: generateTestKey(t)}); err == nil {
		t.Error("missing listen address should fail")
	}
}

func TestNodeDial(t *testing.T) {
	serverKey := generateTestKey(t)
	server := startTestNode(t, serverKey)
	client := startTestNode(t, generateTestKey(t))

	expected := server.PublicKey()

	peer, err := client.Dial(context.Background(), expected, server.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if peer.PublicKey() != expected {
		t.Error("peer public key mismatch")
	}

	if !bytes.Equal(expected[:], serverKey.Public().(ed25519.PublicKey)) {
		t.Error("node identity should be its ed25519 public key")
	}

	// A second dial reuses the connection
	again, err := client.Dial(context.Background(), expected, server.Addr())
	if err != nil || again != peer {
		t.Errorf("second dial should reuse the peer, got %v, %v", again, err)
	}

	waitFor(t, "server to register peer", func() bool {
		return server.GetPeer(client.PublicKey()) != nil
	})

	if len(client.Peers()) != 1 {
		t.Errorf("client peer count: got %d, want 1", len(client.Peers()))
	}
}

func TestNodeDial_UnexpectedIdentity(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	client := startTestNode(t, generateTestKey(t))

	_, err := client.Dial(context.Background(), types.PublicKey{0x42}, server.Addr())
	if !errors.Is(err, ErrUnexpectedPeer) {
		t.Fatalf("expected ErrUnexpectedPeer, got %v", err)
	}

	if len(client.Peers()) != 0 {
		t.Error("rejected connection should not be registered")
	}
}

func TestSendMessage(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	client := startTestNode(t, generateTestKey(t))

	received := make(chan []byte, 1)
	server.OnMessage(func(p *Peer, data []byte) {
		if p.PublicKey() != client.PublicKey() {
			t.Errorf("message attributed to wrong peer")
		}
		received <- data
	})

	peer, err := client.Dial(context.Background(), server.PublicKey(), server.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := peer.Send([]byte("synchronize")); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case data := <-received:
		if string(data) != "synchronize" {
			t.Errorf("received %q", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message not received")
	}
}

func TestSendMessage_Dedup(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	client := startTestNode(t, generateTestKey(t))

	var count atomic.Int32
	server.OnMessage(func(_ *Peer, _ []byte) {
		count.Add(1)
	})

	peer, err := client.Dial(context.Background(), server.PublicKey(), server.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	for i := 0; i < 3; i++ {
		peer.Send([]byte("same"))
	}
	peer.Send([]byte("other"))

	waitFor(t, "two distinct messages", func() bool { return count.Load() >= 2 })

	time.Sleep(100 * time.Millisecond)

	if got := count.Load(); got != 2 {
		t.Errorf("delivered %d messages, want 2", got)
	}
}

func TestRequestResponse(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	client := startTestNode(t, generateTestKey(t))

	server.OnRequest(func(_ *Peer, data []byte) ([]byte, error) {
		return append([]byte("re:"), data...), nil
	})

	peer, err := client.Dial(context.Background(), server.PublicKey(), server.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resp, err := peer.Request(ctx, []byte("certificates"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if string(resp) != "re:certificates" {
		t.Errorf("response = %q", resp)
	}
}

func TestRequest_HandlerError(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	client := startTestNode(t, generateTestKey(t))

	server.OnRequest(func(_ *Peer, _ []byte) ([]byte, error) {
		return nil, fmt.Errorf("unknown message")
	})

	peer, err := client.Dial(context.Background(), server.PublicKey(), server.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if _, err := peer.Request(ctx, []byte("garbage")); err == nil {
		t.Error("request should fail when the handler rejects it")
	}
}

func TestRequestTimeout(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	client := startTestNode(t, generateTestKey(t))

	release := make(chan struct{})
	defer close(release)

	server.OnRequest(func(_ *Peer, data []byte) ([]byte, error) {
		<-release
		return data, nil
	})

	peer, err := client.Dial(context.Background(), server.PublicKey(), server.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := peer.Request(ctx, []byte("slow")); err == nil {
		t.Fatal("request should time out")
	}

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestLargeMessage(t *testing.T) {
	server := startTestNode(t, generateTestKey(t))
	client := startTestNode(t, generateTestKey(t))

	server.OnRequest(func(_ *Peer, data []byte) ([]byte, error) {
		return data, nil
	})

	peer, err := client.Dial(context.Background(), server.PublicKey(), server.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	payload := make([]byte, 2<<20)
	rand.Read(payload)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := peer.Request(ctx, payload)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if !bytes.Equal(resp, payload) {
		t.Error("large payload corrupted")
	}
}

func TestReconnect(t *testing.T) {
	serverKey := generateTestKey(t)
	server := startTestNode(t, serverKey)
	client := startTestNode(t, generateTestKey(t))

	addr := server.Addr()

	if _, err := client.Dial(context.Background(), server.PublicKey(), addr); err != nil {
		t.Fatalf("dial: %v", err)
	}

	server.Close()

	waitFor(t, "client to notice disconnect", func() bool {
		return client.GetPeer(server.PublicKey()) == nil
	})

	// Restart a node with the same identity on the same address
	restarted, err := NewNode(Config{PrivateKey: serverKey, ListenAddr: addr})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	if err := restarted.Start(); err != nil {
		t.Skipf("address %s not reusable: %v", addr, err)
	}
	defer restarted.Close()

	waitFor(t, "client to reconnect", func() bool {
		return client.GetPeer(server.PublicKey()) != nil
	})
}

func TestFraming(t *testing.T) {
	var buf bytes.Buffer

	if err := writeMessage(&buf, []byte("frame")); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := readMessage(&buf)
	if err != nil || string(got) != "frame" {
		t.Errorf("read = %q, %v", got, err)
	}

	// A length prefix above the limit is refused before allocation
	oversized := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := readMessage(bytes.NewReader(oversized)); err == nil {
		t.Error("oversized frame should be rejected")
	}
}

func TestDedup(t *testing.T) {
	d := NewDedup(50 * time.Millisecond)
	defer d.Close()

	if !d.Check([]byte("a")) {
		t.Error("first message should be new")
	}

	if d.Check([]byte("a")) {
		t.Error("repeated message should be filtered")
	}

	time.Sleep(60 * time.Millisecond)

	if !d.Check([]byte("a")) {
		t.Error("message should be accepted again after the TTL")
	}
}

func TestDedupCleanup(t *testing.T) {
	d := NewDedup(10 * time.Millisecond)
	defer d.Close()

	d.Check([]byte("x"))
	d.Check([]byte("y"))

	waitFor(t, "cleanup", func() bool { return d.Len() == 0 })
}
