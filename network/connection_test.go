package network

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"
)

func pipePeerConnections(t *testing.T, keepAliveInterval time.Duration) (*PeerConnection, *PeerConnection) {
	t.Helper()

	left, right := net.Pipe()
	a := newPeerConnection(left, ConnectionOptions{
		LocalPeerID:       "peer-a",
		PeerID:            "peer-b",
		KeepAliveInterval: keepAliveInterval,
		FrameReadTimeout:  100 * time.Millisecond,
	})
	b := newPeerConnection(right, ConnectionOptions{
		LocalPeerID:       "peer-b",
		PeerID:            "peer-a",
		KeepAliveInterval: keepAliveInterval,
		FrameReadTimeout:  100 * time.Millisecond,
	})
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func TestConnectionSendReceive(t *testing.T) {
	a, b := pipePeerConnections(t, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sent := PresenceMessage{
		Type:        TypePresence,
		PeerID:      "peer-a",
		DisplayName: "Alice",
		Timestamp:   time.Now().UnixMilli(),
	}
	if err := a.SendMessage(sent); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	payload, err := b.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage failed: %v", err)
	}
	var got PresenceMessage
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("decode received message: %v", err)
	}
	if got.PeerID != "peer-a" || got.DisplayName != "Alice" {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestConnectionByeClosesRemote(t *testing.T) {
	a, b := pipePeerConnections(t, time.Hour)

	if err := a.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("remote connection did not close after bye")
	}
	if err := b.LastError(); err != nil {
		t.Fatalf("bye must be a clean close, got %v", err)
	}
}

func TestConnectionPingAutoPong(t *testing.T) {
	left, right := net.Pipe()
	pc := newPeerConnection(left, ConnectionOptions{
		LocalPeerID:       "peer-a",
		PeerID:            "peer-b",
		KeepAliveInterval: time.Hour,
		FrameReadTimeout:  100 * time.Millisecond,
	})
	defer pc.Close()
	defer right.Close()

	ping, _ := EncodeJSON(PingMessage{Type: TypePing, PeerID: "peer-b", Timestamp: time.Now().UnixMilli()})
	go func() {
		_ = WriteFrame(right, ping)
	}()

	_ = right.SetReadDeadline(time.Now().Add(2 * time.Second))
	payload, err := ReadFrame(right)
	if err != nil {
		t.Fatalf("reading pong failed: %v", err)
	}
	msgType, err := DecodeMessageType(payload)
	if err != nil || msgType != TypePong {
		t.Fatalf("expected pong, got %q (err %v)", msgType, err)
	}
}

func TestConnectionKeepAliveTimesOutSilentPeer(t *testing.T) {
	left, right := net.Pipe()
	pc := newPeerConnection(left, ConnectionOptions{
		LocalPeerID:       "peer-a",
		PeerID:            "peer-b",
		KeepAliveInterval: 50 * time.Millisecond,
		KeepAliveTimeout:  50 * time.Millisecond,
		FrameReadTimeout:  20 * time.Millisecond,
	})
	defer pc.Close()

	// Swallow the pings without ever answering.
	go func() {
		for {
			if _, err := ReadFrame(right); err != nil {
				return
			}
		}
	}()
	defer right.Close()

	select {
	case <-pc.Done():
		if pc.LastError() != ErrPongTimeout {
			t.Fatalf("expected ErrPongTimeout, got %v", pc.LastError())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("connection did not time out waiting for pong")
	}
}
