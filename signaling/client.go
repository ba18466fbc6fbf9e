package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNoEndpoint indicates the client was built without a server endpoint.
var ErrNoEndpoint = errors.New("signaling: no server endpoint configured")

// ClientConfig controls the rendezvous client.
type ClientConfig struct {
	// Endpoint is the rendezvous API base URL, e.g. "http://host:port".
	Endpoint string
	// RelayEndpoint is the relay's "host:port". Empty disables relay use.
	RelayEndpoint string
	HTTPTimeout   time.Duration
	DialTimeout   time.Duration
	Logger        *zap.Logger
}

func (c ClientConfig) withDefaults() ClientConfig {
	out := c
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 10 * time.Second
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 10 * time.Second
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Client talks to one rendezvous server.
type Client struct {
	cfg  ClientConfig
	http *http.Client

	mu        sync.Mutex
	announcer map[string]context.CancelFunc
	wg        sync.WaitGroup
}

// NewClient builds a rendezvous client. An empty endpoint yields a client
// whose operations fail with ErrNoEndpoint, so callers on LAN-only setups
// can hold one unconditionally.
func NewClient(config ClientConfig) *Client {
	cfg := config.withDefaults()
	return &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.HTTPTimeout},
		announcer: make(map[string]context.CancelFunc),
	}
}

// Enabled reports whether a server endpoint is configured.
func (c *Client) Enabled() bool {
	return strings.TrimSpace(c.cfg.Endpoint) != ""
}

// RelayEnabled reports whether a relay endpoint is configured.
func (c *Client) RelayEnabled() bool {
	return strings.TrimSpace(c.cfg.RelayEndpoint) != ""
}

// Announce publishes the local peer under a room topic and returns the
// server-side TTL plus the address the server observed for the caller.
func (c *Client) Announce(ctx context.Context, topic string, announcement Announcement) (AnnounceResponse, error) {
	if !c.Enabled() {
		return AnnounceResponse{}, ErrNoEndpoint
	}

	body, err := json.Marshal(announcement)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("encode announcement: %w", err)
	}

	var resp AnnounceResponse
	err = c.doJSON(ctx, http.MethodPost, c.roomPeersURL(topic), body, &resp)
	if err != nil {
		return AnnounceResponse{}, err
	}
	return resp, nil
}

// ListPeers fetches the current announcements under a room topic.
func (c *Client) ListPeers(ctx context.Context, topic string) ([]Announcement, error) {
	if !c.Enabled() {
		return nil, ErrNoEndpoint
	}

	var peers []Announcement
	if err := c.doJSON(ctx, http.MethodGet, c.roomPeersURL(topic), nil, &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// Withdraw removes the local peer's announcement for a room topic.
func (c *Client) Withdraw(ctx context.Context, topic, peerID string) error {
	if !c.Enabled() {
		return ErrNoEndpoint
	}
	target := c.roomPeersURL(topic) + "/" + url.PathEscape(peerID)
	return c.doJSON(ctx, http.MethodDelete, target, nil, nil)
}

// Probe asks the server to dial the given address back. Reachable is false
// with a nil error when the server responded but could not connect.
func (c *Client) Probe(ctx context.Context, address string) (ProbeResponse, error) {
	if !c.Enabled() {
		return ProbeResponse{}, ErrNoEndpoint
	}

	body, err := json.Marshal(ProbeRequest{Address: address})
	if err != nil {
		return ProbeResponse{}, fmt.Errorf("encode probe request: %w", err)
	}

	var resp ProbeResponse
	if err := c.doJSON(ctx, http.MethodPost, c.cfg.Endpoint+"/v1/probe", body, &resp); err != nil {
		return ProbeResponse{}, err
	}
	return resp, nil
}

// StartAnnouncing re-announces on a fraction of the server TTL until
// StopAnnouncing or the context ends. Idempotent per topic.
func (c *Client) StartAnnouncing(ctx context.Context, topic string, announcement Announcement) error {
	if !c.Enabled() {
		return ErrNoEndpoint
	}

	first, err := c.Announce(ctx, topic, announcement)
	if err != nil {
		return err
	}

	interval := time.Duration(first.TTLSeconds) * time.Second / 3
	if interval <= 0 {
		interval = DefaultAnnounceTTL / 3
	}

	c.mu.Lock()
	if _, exists := c.announcer[topic]; exists {
		c.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.announcer[topic] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := c.Announce(loopCtx, topic, announcement); err != nil && !errors.Is(err, context.Canceled) {
					c.cfg.Logger.Warn("re-announce failed",
						zap.String("topic", topic),
						zap.Error(err))
				}
			case <-loopCtx.Done():
				return
			}
		}
	}()

	return nil
}

// StopAnnouncing ends the re-announce loop for a topic and withdraws the
// announcement. No-op when not announcing.
func (c *Client) StopAnnouncing(topic, peerID string) {
	c.mu.Lock()
	cancel, exists := c.announcer[topic]
	delete(c.announcer, topic)
	c.mu.Unlock()

	if !exists {
		return
	}
	cancel()

	ctx, cancelWithdraw := context.WithTimeout(context.Background(), c.cfg.HTTPTimeout)
	defer cancelWithdraw()
	if err := c.Withdraw(ctx, topic, peerID); err != nil {
		c.cfg.Logger.Debug("withdraw announcement failed",
			zap.String("topic", topic),
			zap.Error(err))
	}
}

// Close stops all announce loops without withdrawing; announcements age out
// via the server TTL.
func (c *Client) Close() {
	c.mu.Lock()
	for topic, cancel := range c.announcer {
		cancel()
		delete(c.announcer, topic)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// RegisterRelay parks a connection at the relay under (topic, peerID) and
// blocks until a dialer is spliced in, then returns the live connection.
// Accept-like: callers run it in a loop to keep a relay path available.
func (c *Client) RegisterRelay(ctx context.Context, topic, peerID string) (net.Conn, error) {
	conn, err := c.relayHandshake(ctx, relayRequest{Op: relayOpRegister, Topic: topic, PeerID: peerID})
	if err != nil {
		return nil, err
	}

	// Unblock the wait when the context ends.
	waitDone := make(chan struct{})
	defer close(waitDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetReadDeadline(time.Now())
		case <-waitDone:
		}
	}()

	resp, err := readRelayResponse(conn)
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if resp.Status != relayStatusOK {
		_ = conn.Close()
		return nil, fmt.Errorf("relay splice failed: %s", resp.Message)
	}

	_ = conn.SetReadDeadline(time.Time{})
	return conn, nil
}

// DialRelay connects to the parked connection of targetPeerID under topic.
func (c *Client) DialRelay(ctx context.Context, topic, targetPeerID string) (net.Conn, error) {
	return c.relayHandshake(ctx, relayRequest{Op: relayOpConnect, Topic: topic, PeerID: targetPeerID})
}

func (c *Client) relayHandshake(ctx context.Context, req relayRequest) (net.Conn, error) {
	if !c.RelayEnabled() {
		return nil, ErrNoEndpoint
	}

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.RelayEndpoint)
	if err != nil {
		return nil, fmt.Errorf("dial relay %q: %w", c.cfg.RelayEndpoint, err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("encode relay request: %w", err)
	}

	_ = conn.SetDeadline(time.Now().Add(c.cfg.DialTimeout))
	if err := writeRelayFrame(conn, payload); err != nil {
		_ = conn.Close()
		return nil, err
	}

	resp, err := readRelayResponse(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	switch resp.Status {
	case relayStatusOK:
	case relayStatusNotFound:
		_ = conn.Close()
		return nil, ErrRelayPeerNotFound
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("relay refused %s: %s", req.Op, resp.Message)
	}

	_ = conn.SetDeadline(time.Time{})
	return conn, nil
}

func (c *Client) roomPeersURL(topic string) string {
	return c.cfg.Endpoint + "/v1/rooms/" + url.PathEscape(topic) + "/peers"
}

func (c *Client) doJSON(ctx context.Context, method, target string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, target, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("signaling server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(message)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
