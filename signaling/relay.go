package signaling

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	relayOpRegister = "register"
	relayOpConnect  = "connect"

	relayStatusOK       = "ok"
	relayStatusNotFound = "not_found"
	relayStatusError    = "error"

	// relayMaxFrameSize bounds control frames; relayed traffic after the
	// handshake is spliced raw and not framed by the relay.
	relayMaxFrameSize = 64 * 1024

	relayHandshakeTimeout = 10 * time.Second
)

// ErrRelayPeerNotFound indicates the target peer has no parked relay
// connection under the requested topic.
var ErrRelayPeerNotFound = errors.New("signaling: relay peer not found")

type relayRequest struct {
	Op     string `json:"op"`
	Topic  string `json:"topic"`
	PeerID string `json:"peer_id"`
}

type relayResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// relay parks registered connections and splices them with dialers.
//
// A registered connection stays parked until a dialer claims it. The parked
// side must not send application bytes until it receives the second ok
// frame, which the server writes at splice time.
type relay struct {
	listener net.Listener
	logger   *zap.Logger

	mu     sync.Mutex
	parked map[string]net.Conn

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func listenRelay(address string, logger *zap.Logger) (*relay, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen relay on %q: %w", address, err)
	}

	r := &relay{
		listener: listener,
		logger:   logger,
		parked:   make(map[string]net.Conn),
		closed:   make(chan struct{}),
	}

	r.wg.Add(1)
	go r.acceptLoop()
	return r, nil
}

func (r *relay) Addr() net.Addr {
	return r.listener.Addr()
}

func (r *relay) Close() error {
	var closeErr error
	r.closeOnce.Do(func() {
		close(r.closed)
		closeErr = r.listener.Close()

		r.mu.Lock()
		for key, conn := range r.parked {
			_ = conn.Close()
			delete(r.parked, key)
		}
		r.mu.Unlock()

		r.wg.Wait()
	})
	return closeErr
}

func (r *relay) acceptLoop() {
	defer r.wg.Done()

	for {
		conn, err := r.listener.Accept()
		if err != nil {
			select {
			case <-r.closed:
				return
			default:
			}
			r.logger.Warn("relay accept failed", zap.Error(err))
			continue
		}

		r.wg.Add(1)
		go r.handleConn(conn)
	}
}

func (r *relay) handleConn(conn net.Conn) {
	defer r.wg.Done()

	_ = conn.SetDeadline(time.Now().Add(relayHandshakeTimeout))

	payload, err := readRelayFrame(conn)
	if err != nil {
		_ = conn.Close()
		return
	}

	var req relayRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		_ = writeRelayResponse(conn, relayResponse{Status: relayStatusError, Message: "malformed request"})
		_ = conn.Close()
		return
	}
	if strings.TrimSpace(req.Topic) == "" || strings.TrimSpace(req.PeerID) == "" {
		_ = writeRelayResponse(conn, relayResponse{Status: relayStatusError, Message: "topic and peer_id are required"})
		_ = conn.Close()
		return
	}

	switch req.Op {
	case relayOpRegister:
		r.park(conn, req)
	case relayOpConnect:
		r.splice(conn, req)
	default:
		_ = writeRelayResponse(conn, relayResponse{Status: relayStatusError, Message: "unknown op"})
		_ = conn.Close()
	}
}

func (r *relay) park(conn net.Conn, req relayRequest) {
	if err := writeRelayResponse(conn, relayResponse{Status: relayStatusOK}); err != nil {
		_ = conn.Close()
		return
	}
	_ = conn.SetDeadline(time.Time{})

	key := relayKey(req.Topic, req.PeerID)

	r.mu.Lock()
	if previous, exists := r.parked[key]; exists {
		_ = previous.Close()
	}
	r.parked[key] = conn
	r.mu.Unlock()
}

// splice connects a dialer with the parked target and pumps bytes both ways.
// The parked side is confirmed first so a dead registration surfaces as
// not_found instead of a half-open splice.
func (r *relay) splice(dialer net.Conn, req relayRequest) {
	key := relayKey(req.Topic, req.PeerID)

	r.mu.Lock()
	parked, exists := r.parked[key]
	if exists {
		delete(r.parked, key)
	}
	r.mu.Unlock()

	if !exists {
		_ = writeRelayResponse(dialer, relayResponse{Status: relayStatusNotFound, Message: "peer not registered"})
		_ = dialer.Close()
		return
	}

	if err := writeRelayResponse(parked, relayResponse{Status: relayStatusOK}); err != nil {
		_ = parked.Close()
		_ = writeRelayResponse(dialer, relayResponse{Status: relayStatusNotFound, Message: "peer disconnected"})
		_ = dialer.Close()
		return
	}
	if err := writeRelayResponse(dialer, relayResponse{Status: relayStatusOK}); err != nil {
		_ = dialer.Close()
		_ = parked.Close()
		return
	}

	_ = dialer.SetDeadline(time.Time{})
	_ = parked.SetDeadline(time.Time{})

	r.wg.Add(2)
	go r.pump(dialer, parked)
	go r.pump(parked, dialer)
}

func (r *relay) pump(dst, src net.Conn) {
	defer r.wg.Done()
	_, _ = io.Copy(dst, src)
	_ = dst.Close()
	_ = src.Close()
}

func relayKey(topic, peerID string) string {
	return topic + "/" + peerID
}

func writeRelayFrame(conn net.Conn, payload []byte) error {
	if len(payload) > relayMaxFrameSize {
		return errors.New("signaling: relay frame too large")
	}
	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(len(payload)))
	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("write relay frame header: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write relay frame payload: %w", err)
	}
	return nil
}

func readRelayFrame(conn net.Conn) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, fmt.Errorf("read relay frame header: %w", err)
	}
	size := binary.BigEndian.Uint32(header)
	if size > relayMaxFrameSize {
		return nil, errors.New("signaling: relay frame too large")
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return nil, fmt.Errorf("read relay frame payload: %w", err)
	}
	return payload, nil
}

func writeRelayResponse(conn net.Conn, resp relayResponse) error {
	payload, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return writeRelayFrame(conn, payload)
}

func readRelayResponse(conn net.Conn) (relayResponse, error) {
	payload, err := readRelayFrame(conn)
	if err != nil {
		return relayResponse{}, err
	}
	var resp relayResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return relayResponse{}, fmt.Errorf("decode relay response: %w", err)
	}
	return resp, nil
}
