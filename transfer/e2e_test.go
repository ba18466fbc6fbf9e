package transfer

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"roomshare/crypto"
	"roomshare/document"
	"roomshare/models"
	"roomshare/network"
)

type e2eNode struct {
	manager     *network.Manager
	doc         *document.Document
	coordinator *Coordinator
}

func newE2ENode(t *testing.T, peerID, password string, bootstrap []string) *e2eNode {
	t.Helper()

	service := crypto.NewService(zap.NewNop())
	if password != "" {
		if err := service.InitializeRoom(context.Background(), "room-1", password); err != nil {
			t.Fatalf("InitializeRoom failed: %v", err)
		}
	}

	manager, err := network.NewManager(network.ManagerOptions{
		LocalPeerID:        peerID,
		DisplayName:        peerID,
		ListenAddress:      "127.0.0.1:0",
		Crypto:             service,
		DisableMDNS:        true,
		BootstrapAddresses: bootstrap,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(manager.Stop)

	doc, err := document.NewDocument("room-1", peerID, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDocument failed: %v", err)
	}
	coordinator, err := NewCoordinator(doc, Options{LocalPeerID: peerID})
	if err != nil {
		t.Fatalf("NewCoordinator failed: %v", err)
	}

	if err := manager.Connect(context.Background(), "room-1", doc); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	return &e2eNode{manager: manager, doc: doc, coordinator: coordinator}
}

func waitForE2E(t *testing.T, timeout time.Duration, what string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// A peer joining after a multi-megabyte file was shared must still receive
// the whole room state through the join-time sync, batched into frames the
// transport accepts.
func TestJoinAfterShareReceivesWholeFile(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping multi-megabyte replication test in short mode")
	}

	a := newE2ENode(t, "peer-a", "sekrit", nil)

	// 10 MiB forces the medium tier; its snapshot is far larger than any
	// single frame may carry.
	content := patterned(ChunkSize * 40)
	file, err := a.coordinator.ShareFile(context.Background(), ShareRequest{
		Name:    "archive.bin",
		Content: content,
	})
	if err != nil {
		t.Fatalf("ShareFile failed: %v", err)
	}
	if file.Tier != models.TierMedium {
		t.Fatalf("10 MiB must land in the medium tier, got %q", file.Tier)
	}

	b := newE2ENode(t, "peer-b", "sekrit", []string{a.manager.Addr().String()})
	waitForE2E(t, 10*time.Second, "joiner to connect", func() bool {
		return b.manager.PeerCount("room-1") == 1
	})

	var downloaded []byte
	waitForE2E(t, 30*time.Second, "joiner to receive the full room state", func() bool {
		data, err := b.coordinator.DownloadFile(file.FileID)
		if err != nil {
			return false
		}
		downloaded = data
		return true
	})
	if !bytes.Equal(downloaded, content) {
		t.Fatal("file received through the join-time sync is not byte-identical")
	}
}

// A 20 MiB share requested at the small tier upgrades to medium, splits into
// 80 chunks, and a matching-password peer reassembles it byte-identical while
// a wrong-password peer sees nothing.
func TestSharedFileReplicatesAcrossPeers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping multi-megabyte replication test in short mode")
	}

	a := newE2ENode(t, "peer-a", "sekrit", nil)
	b := newE2ENode(t, "peer-b", "sekrit", []string{a.manager.Addr().String()})
	c := newE2ENode(t, "peer-c", "wrong", []string{a.manager.Addr().String()})

	waitForE2E(t, 5*time.Second, "all peers to connect", func() bool {
		return a.manager.PeerCount("room-1") == 2 &&
			b.manager.PeerCount("room-1") == 1 &&
			c.manager.PeerCount("room-1") == 1
	})

	content := patterned(ChunkSize * 80)
	file, err := a.coordinator.ShareFile(context.Background(), ShareRequest{
		Name:    "dataset.bin",
		Content: content,
		Tier:    models.TierSmall,
	})
	if err != nil {
		t.Fatalf("ShareFile failed: %v", err)
	}
	if file.Tier != models.TierMedium {
		t.Fatalf("20 MiB must upgrade to medium, got %q", file.Tier)
	}
	payload, ok := file.Payload.(models.ChunkedPayload)
	if !ok || payload.ChunkCount != 80 {
		t.Fatalf("expected 80 chunks, got %+v", file.Payload)
	}

	waitForE2E(t, 15*time.Second, "metadata to reach the matching peer", func() bool {
		_, err := b.coordinator.GetFile(file.FileID)
		return err == nil
	})

	var downloaded []byte
	waitForE2E(t, 30*time.Second, "all chunks to reach the matching peer", func() bool {
		data, err := b.coordinator.DownloadFile(file.FileID)
		if err != nil {
			var incomplete *IncompleteTransferError
			if !errors.As(err, &incomplete) {
				t.Fatalf("unexpected download error: %v", err)
			}
			return false
		}
		downloaded = data
		return true
	})
	if !bytes.Equal(downloaded, content) {
		t.Fatal("downloaded file is not byte-identical to the original")
	}

	remote, err := b.coordinator.GetFile(file.FileID)
	if err != nil {
		t.Fatalf("GetFile failed: %v", err)
	}
	if remote.IsLocal {
		t.Fatal("replicated file must not be local on the receiving peer")
	}

	// The wrong-password peer is connected but cannot decrypt anything.
	if files := c.coordinator.ListFiles(); len(files) != 0 {
		t.Fatalf("wrong-password peer must see no files, saw %d", len(files))
	}
}
