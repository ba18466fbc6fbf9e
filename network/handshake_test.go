package network

import (
	"errors"
	"net"
	"testing"
	"time"
)

func testHandshakeOptions(peerID, name string) HandshakeOptions {
	return HandshakeOptions{
		LocalPeerID:       peerID,
		DisplayName:       name,
		ConnectionTimeout: 2 * time.Second,
	}
}

func TestHandshakeAccepted(t *testing.T) {
	clientSide, serverSide := net.Pipe()
	topic := "aabbccdd00112233"

	type serverResult struct {
		pc  *PeerConnection
		err error
	}
	serverDone := make(chan serverResult, 1)
	go func() {
		hello, err := awaitHello(serverSide, 2*time.Second)
		if err != nil {
			serverDone <- serverResult{err: err}
			return
		}
		if hello.PeerID != "peer-client" || hello.Topic != topic {
			serverDone <- serverResult{err: errors.New("unexpected hello contents")}
			return
		}
		pc, err := acceptHello(serverSide, hello, testHandshakeOptions("peer-server", "Server"))
		serverDone <- serverResult{pc: pc, err: err}
	}()

	clientConn, err := clientHandshake(clientSide, topic, testHandshakeOptions("peer-client", "Client"))
	if err != nil {
		t.Fatalf("client handshake failed: %v", err)
	}
	defer clientConn.Close()

	result := <-serverDone
	if result.err != nil {
		t.Fatalf("server handshake failed: %v", result.err)
	}
	defer result.pc.Close()

	if clientConn.PeerID() != "peer-server" {
		t.Fatalf("client sees peer %q, want peer-server", clientConn.PeerID())
	}
	if clientConn.PeerDisplayName() != "Server" {
		t.Fatalf("client sees display name %q, want Server", clientConn.PeerDisplayName())
	}
	if result.pc.PeerID() != "peer-client" {
		t.Fatalf("server sees peer %q, want peer-client", result.pc.PeerID())
	}
	if result.pc.Topic() != topic {
		t.Fatalf("server connection topic %q, want %q", result.pc.Topic(), topic)
	}
}

func TestHandshakeRejectedUnknownRoom(t *testing.T) {
	clientSide, serverSide := net.Pipe()

	go func() {
		hello, err := awaitHello(serverSide, 2*time.Second)
		if err != nil {
			return
		}
		rejectHello(serverSide, "peer-server", ByeReasonUnknownRoom)
		_ = hello
	}()

	_, err := clientHandshake(clientSide, "deadbeef00000000", testHandshakeOptions("peer-client", "Client"))
	if !errors.Is(err, ErrUnknownRoom) {
		t.Fatalf("expected ErrUnknownRoom, got %v", err)
	}
}

func TestHandshakeRejectedRoomFull(t *testing.T) {
	clientSide, serverSide := net.Pipe()

	go func() {
		if _, err := awaitHello(serverSide, 2*time.Second); err != nil {
			return
		}
		rejectHello(serverSide, "peer-server", ByeReasonRoomFull)
	}()

	_, err := clientHandshake(clientSide, "deadbeef00000000", testHandshakeOptions("peer-client", "Client"))
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
}

func TestAwaitHelloRejectsWrongVersion(t *testing.T) {
	clientSide, serverSide := net.Pipe()

	go func() {
		payload, _ := EncodeJSON(HelloMessage{
			Type:            TypeHello,
			PeerID:          "peer-client",
			Topic:           "deadbeef00000000",
			ProtocolVersion: ProtocolVersion + 1,
			Timestamp:       time.Now().UnixMilli(),
		})
		_ = WriteFrame(clientSide, payload)
	}()

	_, err := awaitHello(serverSide, 2*time.Second)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}
