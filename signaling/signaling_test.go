package signaling

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, ttl time.Duration) (*Server, *Client) {
	t.Helper()

	server, err := ListenAndServe(ServerConfig{
		HTTPAddr:    "127.0.0.1:0",
		RelayAddr:   "127.0.0.1:0",
		AnnounceTTL: ttl,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = server.Close()
	})

	client := NewClient(ClientConfig{
		Endpoint:      "http://" + server.HTTPAddr().String(),
		RelayEndpoint: server.RelayAddr().String(),
	})
	t.Cleanup(client.Close)

	return server, client
}

func TestAnnounceListWithdraw(t *testing.T) {
	_, client := startTestServer(t, time.Minute)
	ctx := context.Background()

	resp, err := client.Announce(ctx, "topic-a", Announcement{
		PeerID:    "peer-1",
		Addresses: []string{"192.168.1.10"},
		Port:      4000,
	})
	require.NoError(t, err)
	require.Equal(t, 60, resp.TTLSeconds)
	require.NotEmpty(t, resp.ObservedAddr)

	_, err = client.Announce(ctx, "topic-a", Announcement{PeerID: "peer-2", Port: 4001})
	require.NoError(t, err)

	peers, err := client.ListPeers(ctx, "topic-a")
	require.NoError(t, err)
	require.Len(t, peers, 2)
	require.Equal(t, "peer-1", peers[0].PeerID)
	require.Contains(t, peers[0].Addresses, "192.168.1.10")
	// The server adds the caller's observed source address.
	require.Contains(t, peers[0].Addresses, resp.ObservedAddr)

	// Other topics stay isolated.
	other, err := client.ListPeers(ctx, "topic-b")
	require.NoError(t, err)
	require.Empty(t, other)

	require.NoError(t, client.Withdraw(ctx, "topic-a", "peer-1"))
	peers, err = client.ListPeers(ctx, "topic-a")
	require.NoError(t, err)
	require.Len(t, peers, 1)
	require.Equal(t, "peer-2", peers[0].PeerID)

	err = client.Withdraw(ctx, "topic-a", "peer-1")
	require.Error(t, err)
}

func TestAnnouncementExpires(t *testing.T) {
	_, client := startTestServer(t, 50*time.Millisecond)
	ctx := context.Background()

	_, err := client.Announce(ctx, "topic-a", Announcement{PeerID: "peer-1", Port: 4000})
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)

	peers, err := client.ListPeers(ctx, "topic-a")
	require.NoError(t, err)
	require.Empty(t, peers)
}

func TestAnnounceRejectsInvalidBodies(t *testing.T) {
	_, client := startTestServer(t, time.Minute)
	ctx := context.Background()

	_, err := client.Announce(ctx, "topic-a", Announcement{Port: 4000})
	require.Error(t, err)

	_, err = client.Announce(ctx, "topic-a", Announcement{PeerID: "peer-1"})
	require.Error(t, err)
}

func TestProbeDialBack(t *testing.T) {
	_, client := startTestServer(t, time.Minute)
	ctx := context.Background()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	resp, err := client.Probe(ctx, listener.Addr().String())
	require.NoError(t, err)
	require.True(t, resp.Reachable)

	addr := listener.Addr().String()
	require.NoError(t, listener.Close())

	resp, err = client.Probe(ctx, addr)
	require.NoError(t, err)
	require.False(t, resp.Reachable)
	require.NotEmpty(t, resp.Error)
}

func TestRelaySplice(t *testing.T) {
	_, client := startTestServer(t, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type registerResult struct {
		conn net.Conn
		err  error
	}
	registered := make(chan registerResult, 1)
	go func() {
		conn, err := client.RegisterRelay(ctx, "topic-a", "peer-1")
		registered <- registerResult{conn: conn, err: err}
	}()

	// Give the register a moment to park before dialing.
	time.Sleep(50 * time.Millisecond)

	dialerConn, err := client.DialRelay(ctx, "topic-a", "peer-1")
	require.NoError(t, err)
	defer dialerConn.Close()

	result := <-registered
	require.NoError(t, result.err)
	defer result.conn.Close()

	_, err = dialerConn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = result.conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	_, err = result.conn.Write([]byte("pong"))
	require.NoError(t, err)
	_, err = dialerConn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf))
}

func TestRelayDialUnknownPeer(t *testing.T) {
	_, client := startTestServer(t, time.Minute)
	ctx := context.Background()

	_, err := client.DialRelay(ctx, "topic-a", "ghost")
	require.ErrorIs(t, err, ErrRelayPeerNotFound)
}

func TestClientWithoutEndpoint(t *testing.T) {
	client := NewClient(ClientConfig{})
	ctx := context.Background()

	require.False(t, client.Enabled())
	_, err := client.Announce(ctx, "topic-a", Announcement{PeerID: "p", Port: 1})
	require.ErrorIs(t, err, ErrNoEndpoint)
	_, err = client.ListPeers(ctx, "topic-a")
	require.ErrorIs(t, err, ErrNoEndpoint)
	_, err = client.DialRelay(ctx, "topic-a", "p")
	require.ErrorIs(t, err, ErrNoEndpoint)
}

func TestStartAnnouncingRefreshes(t *testing.T) {
	_, client := startTestServer(t, 2*time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := client.StartAnnouncing(ctx, "topic-a", Announcement{PeerID: "peer-1", Port: 4000})
	require.NoError(t, err)

	// Past the first TTL the re-announce loop must have kept us listed.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(200 * time.Millisecond)
		peers, err := client.ListPeers(ctx, "topic-a")
		require.NoError(t, err)
		require.Len(t, peers, 1)
	}

	client.StopAnnouncing("topic-a", "peer-1")
	peers, err := client.ListPeers(ctx, "topic-a")
	require.NoError(t, err)
	require.Empty(t, peers)
}

func TestRelayRegisterCancel(t *testing.T) {
	_, client := startTestServer(t, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := client.RegisterRelay(ctx, "topic-a", "peer-1")
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.True(t, errors.Is(err, context.Canceled))
	case <-time.After(2 * time.Second):
		t.Fatal("RegisterRelay did not unblock on cancel")
	}
}
