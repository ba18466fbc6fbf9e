// Package network manages framed TCP sessions between room peers: rendezvous
// through LAN discovery and the signaling server, a hello handshake scoped to
// a room topic, keep-alive, and fan-out of replicated document updates.
package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

const (
	// ProtocolVersion is the current wire protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (10 MB).
	// Large enough for an inline small-file payload inside one update.
	MaxFrameSize = 10 * 1024 * 1024
	// DefaultConnectionTimeout bounds TCP dial/handshake duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultKeepAliveInterval sends ping on idle connections.
	DefaultKeepAliveInterval = 60 * time.Second
	// DefaultKeepAliveTimeout waits this long for pong after ping.
	DefaultKeepAliveTimeout = 15 * time.Second
	// DefaultFrameReadTimeout bounds each frame read.
	DefaultFrameReadTimeout = 30 * time.Second
)

const (
	TypeHello    = "hello"
	TypeHelloAck = "hello_ack"
	TypePresence = "presence"
	TypeUpdate   = "update"
	TypeSync     = "sync"
	TypeBye      = "bye"
	TypePing     = "ping"
	TypePong     = "pong"
)

const (
	ByeReasonLeaving     = "leaving"
	ByeReasonRoomFull    = "room_full"
	ByeReasonUnknownRoom = "unknown_room"
	ByeReasonDuplicate   = "duplicate_connection"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the message type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
	// ErrRoomFull indicates the peer rejected the connection at capacity.
	ErrRoomFull = errors.New("network: room is full")
	// ErrUnknownRoom indicates the peer does not serve the requested topic.
	ErrUnknownRoom = errors.New("network: peer does not know the room")
)

// Envelope identifies the protocol message type.
type Envelope struct {
	Type string `json:"type"`
}

// HelloMessage opens a connection, scoped to a room topic.
type HelloMessage struct {
	Type            string `json:"type"`
	PeerID          string `json:"peer_id"`
	DisplayName     string `json:"display_name"`
	DisplayColor    string `json:"display_color"`
	Topic           string `json:"topic"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// HelloAckMessage accepts a hello.
type HelloAckMessage struct {
	Type            string `json:"type"`
	PeerID          string `json:"peer_id"`
	DisplayName     string `json:"display_name"`
	DisplayColor    string `json:"display_color"`
	Topic           string `json:"topic"`
	ProtocolVersion int    `json:"protocol_version"`
	Timestamp       int64  `json:"timestamp"`
}

// PresenceMessage announces or refreshes the sender's display identity.
type PresenceMessage struct {
	Type         string `json:"type"`
	PeerID       string `json:"peer_id"`
	DisplayName  string `json:"display_name"`
	DisplayColor string `json:"display_color"`
	Timestamp    int64  `json:"timestamp"`
}

// UpdateMessage carries one replicated document delta. Payload is the room
// envelope (ciphertext, or marker-prefixed plaintext) base64-encoded.
type UpdateMessage struct {
	Type      string `json:"type"`
	PeerID    string `json:"peer_id"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// SyncMessage carries one bounded batch of a document snapshot. A joining
// peer receives the full state as a sequence of these, so it converges
// without replaying history and no single frame outgrows MaxFrameSize.
type SyncMessage struct {
	Type      string `json:"type"`
	PeerID    string `json:"peer_id"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// ByeMessage signals graceful disconnect or a handshake rejection.
type ByeMessage struct {
	Type      string `json:"type"`
	PeerID    string `json:"peer_id"`
	Reason    string `json:"reason"`
	Timestamp int64  `json:"timestamp"`
}

// PingMessage is a keep-alive ping.
type PingMessage struct {
	Type      string `json:"type"`
	PeerID    string `json:"peer_id"`
	Timestamp int64  `json:"timestamp"`
}

// PongMessage is a keep-alive pong response.
type PongMessage struct {
	Type      string `json:"type"`
	PeerID    string `json:"peer_id"`
	Timestamp int64  `json:"timestamp"`
}

// EncodeJSON marshals a protocol message to JSON.
func EncodeJSON(message any) ([]byte, error) {
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("marshal protocol message: %w", err)
	}
	return payload, nil
}

// DecodeMessageType extracts the "type" field from a payload.
func DecodeMessageType(payload []byte) (string, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Type == "" {
		return "", ErrInvalidMessageType
	}
	return envelope.Type, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(header)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if length == 0 {
		return []byte{}, nil
	}

	payload := make([]byte, int(length))
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}

// ReadFrameWithTimeout reads a frame with an optional read deadline.
func ReadFrameWithTimeout(conn net.Conn, timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set read deadline: %w", err)
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadFrame(conn)
}
