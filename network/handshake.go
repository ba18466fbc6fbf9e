package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// HandshakeOptions carries local identity and timeouts for the hello
// exchange on both sides of a connection.
type HandshakeOptions struct {
	LocalPeerID  string
	DisplayName  string
	DisplayColor string

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	return out
}

func (o HandshakeOptions) validateIdentity() error {
	if strings.TrimSpace(o.LocalPeerID) == "" {
		return errors.New("local peer ID is required")
	}
	return nil
}

// clientHandshake sends hello for a topic over an established transport and
// waits for hello_ack. A bye reply is translated to a typed error.
func clientHandshake(conn net.Conn, topic string, options HandshakeOptions) (*PeerConnection, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	hello := HelloMessage{
		Type:            TypeHello,
		PeerID:          opts.LocalPeerID,
		DisplayName:     opts.DisplayName,
		DisplayColor:    opts.DisplayColor,
		Topic:           topic,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}
	payload, err := EncodeJSON(hello)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, fmt.Errorf("write hello: %w", err)
	}

	replyPayload, err := ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("read hello reply: %w", err)
	}

	msgType, err := DecodeMessageType(replyPayload)
	if err != nil {
		return nil, err
	}

	switch msgType {
	case TypeHelloAck:
		var ack HelloAckMessage
		if err := json.Unmarshal(replyPayload, &ack); err != nil {
			return nil, fmt.Errorf("decode hello_ack: %w", err)
		}
		if ack.ProtocolVersion != ProtocolVersion {
			return nil, ErrUnsupportedVersion
		}
		if ack.Topic != topic {
			return nil, fmt.Errorf("hello_ack for topic %q, expected %q", ack.Topic, topic)
		}
		if strings.TrimSpace(ack.PeerID) == "" {
			return nil, errors.New("hello_ack is missing peer_id")
		}

		if err := conn.SetDeadline(time.Time{}); err != nil {
			return nil, fmt.Errorf("clear handshake deadline: %w", err)
		}

		return newPeerConnection(conn, ConnectionOptions{
			LocalPeerID:       opts.LocalPeerID,
			PeerID:            ack.PeerID,
			PeerDisplayName:   ack.DisplayName,
			PeerDisplayColor:  ack.DisplayColor,
			Topic:             topic,
			KeepAliveInterval: opts.KeepAliveInterval,
			KeepAliveTimeout:  opts.KeepAliveTimeout,
			FrameReadTimeout:  opts.FrameReadTimeout,
		}), nil
	case TypeBye:
		var bye ByeMessage
		if err := json.Unmarshal(replyPayload, &bye); err != nil {
			return nil, fmt.Errorf("decode bye: %w", err)
		}
		switch bye.Reason {
		case ByeReasonRoomFull:
			return nil, ErrRoomFull
		case ByeReasonUnknownRoom:
			return nil, ErrUnknownRoom
		default:
			return nil, fmt.Errorf("peer refused connection: %s", bye.Reason)
		}
	default:
		return nil, fmt.Errorf("%w: unexpected handshake reply %q", ErrInvalidMessageType, msgType)
	}
}

// awaitHello reads and validates the opening hello on an inbound transport.
func awaitHello(conn net.Conn, timeout time.Duration) (HelloMessage, error) {
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return HelloMessage{}, fmt.Errorf("set handshake deadline: %w", err)
	}

	payload, err := ReadFrame(conn)
	if err != nil {
		return HelloMessage{}, fmt.Errorf("read hello: %w", err)
	}

	msgType, err := DecodeMessageType(payload)
	if err != nil {
		return HelloMessage{}, err
	}
	if msgType != TypeHello {
		return HelloMessage{}, fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, TypeHello, msgType)
	}

	var hello HelloMessage
	if err := json.Unmarshal(payload, &hello); err != nil {
		return HelloMessage{}, fmt.Errorf("decode hello: %w", err)
	}
	if hello.ProtocolVersion != ProtocolVersion {
		return HelloMessage{}, ErrUnsupportedVersion
	}
	if strings.TrimSpace(hello.PeerID) == "" || strings.TrimSpace(hello.Topic) == "" {
		return HelloMessage{}, errors.New("hello is missing peer_id or topic")
	}
	return hello, nil
}

// acceptHello replies hello_ack and upgrades the transport.
func acceptHello(conn net.Conn, hello HelloMessage, options HandshakeOptions) (*PeerConnection, error) {
	opts := options.withDefaults()
	if err := opts.validateIdentity(); err != nil {
		return nil, err
	}

	ack := HelloAckMessage{
		Type:            TypeHelloAck,
		PeerID:          opts.LocalPeerID,
		DisplayName:     opts.DisplayName,
		DisplayColor:    opts.DisplayColor,
		Topic:           hello.Topic,
		ProtocolVersion: ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	}
	payload, err := EncodeJSON(ack)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, payload); err != nil {
		return nil, fmt.Errorf("write hello_ack: %w", err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newPeerConnection(conn, ConnectionOptions{
		LocalPeerID:       opts.LocalPeerID,
		PeerID:            hello.PeerID,
		PeerDisplayName:   hello.DisplayName,
		PeerDisplayColor:  hello.DisplayColor,
		Topic:             hello.Topic,
		KeepAliveInterval: opts.KeepAliveInterval,
		KeepAliveTimeout:  opts.KeepAliveTimeout,
		FrameReadTimeout:  opts.FrameReadTimeout,
	}), nil
}

// rejectHello answers a hello with bye and closes the transport.
func rejectHello(conn net.Conn, localPeerID, reason string) {
	payload, err := EncodeJSON(ByeMessage{
		Type:      TypeBye,
		PeerID:    localPeerID,
		Reason:    reason,
		Timestamp: time.Now().UnixMilli(),
	})
	if err == nil {
		_ = WriteFrame(conn, payload)
	}
	_ = conn.Close()
}
