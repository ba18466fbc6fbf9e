package network

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"roomshare/crypto"
	"roomshare/discovery"
	"roomshare/document"
	"roomshare/models"
	"roomshare/signaling"
)

const (
	// DefaultMaxPeers bounds connected peers per room.
	DefaultMaxPeers = 16
	// DefaultRedialInterval is how often missing candidates are re-dialed.
	DefaultRedialInterval = 15 * time.Second
	// DefaultSignalingPollInterval is how often the rendezvous server is
	// polled for room announcements.
	DefaultSignalingPollInterval = 20 * time.Second

	relayRetryDelay = 5 * time.Second
)

// ManagerOptions configures the connection manager.
type ManagerOptions struct {
	LocalPeerID  string
	DisplayName  string
	DisplayColor string

	ListenAddress string
	MaxPeers      int

	Crypto    *crypto.Service
	Signaling *signaling.Client

	// DisableMDNS turns off LAN discovery; rendezvous then relies on the
	// signaling server and bootstrap addresses only.
	DisableMDNS bool
	// BootstrapAddresses are dialed directly for every room on Connect.
	BootstrapAddresses []string

	ConnectionTimeout     time.Duration
	KeepAliveInterval     time.Duration
	KeepAliveTimeout      time.Duration
	FrameReadTimeout      time.Duration
	RedialInterval        time.Duration
	SignalingPollInterval time.Duration

	Logger *zap.Logger

	// PersistSnapshot, when set, is called with the room id on Disconnect so
	// local state survives between sessions.
	PersistSnapshot func(roomID string) error

	OnPeerJoined       func(roomID string, peer models.Peer)
	OnPeerLeft         func(roomID string, peer models.Peer)
	OnSyncStateChanged func(roomID string, synced bool)
	OnPresenceChanged  func(roomID string, peers []models.Peer)
}

type presenceEntry struct {
	peer      models.Peer
	timestamp int64
}

type room struct {
	id    string
	topic string
	doc   *document.Document

	cancel context.CancelFunc

	mu       sync.Mutex
	conns    map[string]*PeerConnection
	dialing  map[string]bool
	presence map[string]presenceEntry
	synced   bool
}

// Manager owns room connections: one TCP listener shared across rooms,
// per-room rendezvous (mDNS, signaling, bootstrap), presence, and update
// fan-out between the replicated documents and connected peers.
type Manager struct {
	options ManagerOptions
	logger  *zap.Logger

	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	roomMu sync.RWMutex
	rooms  map[string]*room
	topics map[string]*room

	localMu      sync.RWMutex
	displayName  string
	displayColor string

	errors chan error
}

// NewManager creates a connection manager with validated configuration.
func NewManager(options ManagerOptions) (*Manager, error) {
	if strings.TrimSpace(options.LocalPeerID) == "" {
		return nil, errors.New("local peer ID is required")
	}
	if options.Crypto == nil {
		return nil, errors.New("crypto service is required")
	}
	if options.MaxPeers <= 0 {
		options.MaxPeers = DefaultMaxPeers
	}
	if options.RedialInterval <= 0 {
		options.RedialInterval = DefaultRedialInterval
	}
	if options.SignalingPollInterval <= 0 {
		options.SignalingPollInterval = DefaultSignalingPollInterval
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}

	return &Manager{
		options:      options,
		logger:       options.Logger,
		rooms:        make(map[string]*room),
		topics:       make(map[string]*room),
		displayName:  options.DisplayName,
		displayColor: options.DisplayColor,
		errors:       make(chan error, 64),
	}, nil
}

// Start opens the shared listener and begins accepting inbound peers.
func (m *Manager) Start() error {
	if m.ctx != nil {
		return nil
	}

	address := m.options.ListenAddress
	if address == "" {
		address = ":0"
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", address, err)
	}
	m.listener = listener
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.wg.Add(1)
	go m.acceptLoop()

	m.logger.Info("connection manager listening", zap.String("address", listener.Addr().String()))
	return nil
}

// Stop disconnects every room and stops the listener.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel == nil {
			return
		}

		m.DisconnectAll()
		m.cancel()
		if m.listener != nil {
			_ = m.listener.Close()
		}
		m.wg.Wait()
		close(m.errors)
	})
}

// Addr returns the listening address.
func (m *Manager) Addr() net.Addr {
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

// Errors returns asynchronous manager errors.
func (m *Manager) Errors() <-chan error {
	return m.errors
}

// Connect joins a room: installs the document broadcast hook and starts
// rendezvous for the room topic. Calling Connect again for a connected room
// is a no-op.
func (m *Manager) Connect(ctx context.Context, roomID string, doc *document.Document) error {
	if m.ctx == nil {
		return errors.New("connection manager is not started")
	}
	if roomID == "" {
		return errors.New("room ID is required")
	}
	if doc == nil {
		return errors.New("document is required")
	}

	topic := discovery.RoomTopic(roomID)

	m.roomMu.Lock()
	if _, exists := m.rooms[roomID]; exists {
		m.roomMu.Unlock()
		return nil
	}
	roomCtx, cancel := context.WithCancel(m.ctx)
	r := &room{
		id:       roomID,
		topic:    topic,
		doc:      doc,
		cancel:   cancel,
		conns:    make(map[string]*PeerConnection),
		dialing:  make(map[string]bool),
		presence: make(map[string]presenceEntry),
	}
	m.rooms[roomID] = r
	m.topics[topic] = r
	m.roomMu.Unlock()

	doc.SetBroadcast(m.broadcastHook(r))

	for _, address := range m.options.BootstrapAddresses {
		addr := address
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.dialAddress(roomCtx, r, "", addr)
		}()
	}

	if !m.options.DisableMDNS {
		m.wg.Add(1)
		go m.runDiscovery(roomCtx, r)
	}
	if m.options.Signaling != nil && m.options.Signaling.Enabled() {
		m.wg.Add(1)
		go m.runSignaling(roomCtx, r)
	}
	if m.options.Signaling != nil && m.options.Signaling.RelayEnabled() {
		m.wg.Add(1)
		go m.runRelayAccept(roomCtx, r)
	}

	m.logger.Info("joined room",
		zap.String("room_id", roomID),
		zap.String("topic", topic))
	return nil
}

// Disconnect leaves a room: says bye to its peers, stops rendezvous, and
// persists the document snapshot. No-op when the room is not connected.
func (m *Manager) Disconnect(roomID string) {
	m.roomMu.Lock()
	r, exists := m.rooms[roomID]
	if exists {
		delete(m.rooms, roomID)
		delete(m.topics, r.topic)
	}
	m.roomMu.Unlock()
	if !exists {
		return
	}

	r.cancel()
	r.doc.SetBroadcast(nil)

	r.mu.Lock()
	conns := make([]*PeerConnection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[string]*PeerConnection)
	wasSynced := r.synced
	r.synced = false
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Disconnect()
	}

	if m.options.Signaling != nil {
		m.options.Signaling.StopAnnouncing(r.topic, m.options.LocalPeerID)
	}

	if m.options.PersistSnapshot != nil {
		if err := m.options.PersistSnapshot(roomID); err != nil {
			m.reportError(fmt.Errorf("persist snapshot for room %q: %w", roomID, err))
		}
	}

	if wasSynced && m.options.OnSyncStateChanged != nil {
		m.options.OnSyncStateChanged(roomID, false)
	}

	m.logger.Info("left room", zap.String("room_id", roomID))
}

// DisconnectAll leaves every connected room.
func (m *Manager) DisconnectAll() {
	m.roomMu.RLock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.roomMu.RUnlock()

	for _, id := range ids {
		m.Disconnect(id)
	}
}

// SetLocalPresence updates the local display identity and rebroadcasts it to
// every connected peer.
func (m *Manager) SetLocalPresence(displayName, displayColor string) {
	m.localMu.Lock()
	m.displayName = displayName
	m.displayColor = displayColor
	m.localMu.Unlock()

	message := PresenceMessage{
		Type:         TypePresence,
		PeerID:       m.options.LocalPeerID,
		DisplayName:  displayName,
		DisplayColor: displayColor,
		Timestamp:    time.Now().UnixMilli(),
	}

	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	for _, r := range m.rooms {
		r.mu.Lock()
		for _, conn := range r.conns {
			if err := conn.SendMessage(message); err != nil {
				m.reportError(fmt.Errorf("send presence to %q: %w", conn.PeerID(), err))
			}
		}
		r.mu.Unlock()
	}
}

// ConnectedPeers returns the connected peers of a room, display-name sorted.
func (m *Manager) ConnectedPeers(roomID string) []models.Peer {
	r := m.roomByID(roomID)
	if r == nil {
		return nil
	}

	r.mu.Lock()
	out := make([]models.Peer, 0, len(r.conns))
	for peerID := range r.conns {
		if entry, ok := r.presence[peerID]; ok {
			out = append(out, entry.peer)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName == out[j].DisplayName {
			return out[i].PeerID < out[j].PeerID
		}
		return out[i].DisplayName < out[j].DisplayName
	})
	return out
}

// PeerCount returns how many peers are connected in a room.
func (m *Manager) PeerCount(roomID string) int {
	r := m.roomByID(roomID)
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (m *Manager) roomByID(roomID string) *room {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	return m.rooms[roomID]
}

func (m *Manager) roomByTopic(topic string) *room {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	return m.topics[topic]
}

func (m *Manager) localPresence() (string, string) {
	m.localMu.RLock()
	defer m.localMu.RUnlock()
	return m.displayName, m.displayColor
}

func (m *Manager) handshakeOptions() HandshakeOptions {
	name, color := m.localPresence()
	return HandshakeOptions{
		LocalPeerID:       m.options.LocalPeerID,
		DisplayName:       name,
		DisplayColor:      color,
		ConnectionTimeout: m.options.ConnectionTimeout,
		KeepAliveInterval: m.options.KeepAliveInterval,
		KeepAliveTimeout:  m.options.KeepAliveTimeout,
		FrameReadTimeout:  m.options.FrameReadTimeout,
	}
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
				return
			default:
			}
			m.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleInboundTransport(conn)
		}()
	}
}

// handleInboundTransport runs the server side of the hello exchange for a
// fresh transport, whether from the listener or a relay splice.
func (m *Manager) handleInboundTransport(conn net.Conn) {
	opts := m.handshakeOptions().withDefaults()

	hello, err := awaitHello(conn, opts.ConnectionTimeout)
	if err != nil {
		_ = conn.Close()
		return
	}

	r := m.roomByTopic(hello.Topic)
	if r == nil {
		rejectHello(conn, m.options.LocalPeerID, ByeReasonUnknownRoom)
		return
	}
	if hello.PeerID == m.options.LocalPeerID {
		rejectHello(conn, m.options.LocalPeerID, ByeReasonDuplicate)
		return
	}

	r.mu.Lock()
	_, duplicate := r.conns[hello.PeerID]
	full := len(r.conns) >= m.options.MaxPeers
	r.mu.Unlock()
	if duplicate {
		rejectHello(conn, m.options.LocalPeerID, ByeReasonDuplicate)
		return
	}
	if full {
		rejectHello(conn, m.options.LocalPeerID, ByeReasonRoomFull)
		return
	}

	pc, err := acceptHello(conn, hello, opts)
	if err != nil {
		m.reportError(fmt.Errorf("accept hello from %q: %w", hello.PeerID, err))
		_ = conn.Close()
		return
	}

	m.registerConnection(r, pc)
}

// registerConnection adds a handshaked connection to the room, emits the
// join/presence callbacks, and sends our presence plus the state snapshot.
func (m *Manager) registerConnection(r *room, pc *PeerConnection) {
	peer := models.Peer{
		PeerID:       pc.PeerID(),
		DisplayName:  pc.PeerDisplayName(),
		DisplayColor: pc.PeerDisplayColor(),
		LastSeen:     time.Now().UnixMilli(),
		Online:       true,
	}

	r.mu.Lock()
	if existing, exists := r.conns[pc.PeerID()]; exists && existing != pc {
		r.mu.Unlock()
		_ = pc.Close()
		return
	}
	// The handshake capacity check is advisory; two connections can pass it
	// concurrently, so the cap is enforced here under the room lock.
	if len(r.conns) >= m.options.MaxPeers {
		r.mu.Unlock()
		_ = pc.SendMessage(ByeMessage{
			Type:      TypeBye,
			PeerID:    m.options.LocalPeerID,
			Reason:    ByeReasonRoomFull,
			Timestamp: time.Now().UnixMilli(),
		})
		_ = pc.Close()
		return
	}
	r.conns[pc.PeerID()] = pc
	r.presence[pc.PeerID()] = presenceEntry{peer: peer, timestamp: peer.LastSeen}
	becameSynced := !r.synced
	r.synced = true
	r.mu.Unlock()

	m.logger.Info("peer connected",
		zap.String("room_id", r.id),
		zap.String("peer_id", pc.PeerID()),
		zap.String("remote_addr", pc.RemoteAddr().String()))

	if m.options.OnPeerJoined != nil {
		m.options.OnPeerJoined(r.id, peer)
	}
	if becameSynced && m.options.OnSyncStateChanged != nil {
		m.options.OnSyncStateChanged(r.id, true)
	}
	m.emitPresenceChanged(r)

	name, color := m.localPresence()
	_ = pc.SendMessage(PresenceMessage{
		Type:         TypePresence,
		PeerID:       m.options.LocalPeerID,
		DisplayName:  name,
		DisplayColor: color,
		Timestamp:    time.Now().UnixMilli(),
	})
	m.sendSnapshot(r, pc)

	m.wg.Add(1)
	go m.connectionLoop(r, pc)
}

func (m *Manager) connectionLoop(r *room, pc *PeerConnection) {
	defer m.wg.Done()

	for {
		payload, err := pc.ReceiveMessage(m.ctx)
		if err != nil {
			break
		}

		msgType, err := DecodeMessageType(payload)
		if err != nil {
			continue
		}

		switch msgType {
		case TypeUpdate:
			m.handleUpdate(r, pc, payload)
		case TypeSync:
			m.handleSync(r, pc, payload)
		case TypePresence:
			m.handlePresence(r, payload)
		}
	}

	_ = pc.Close()
	m.dropConnection(r, pc)
}

func (m *Manager) dropConnection(r *room, pc *PeerConnection) {
	peerID := pc.PeerID()

	r.mu.Lock()
	current, exists := r.conns[peerID]
	if !exists || current != pc {
		r.mu.Unlock()
		return
	}
	delete(r.conns, peerID)
	entry, hadPresence := r.presence[peerID]
	delete(r.presence, peerID)
	lostSync := r.synced && len(r.conns) == 0
	if lostSync {
		r.synced = false
	}
	r.mu.Unlock()

	m.logger.Info("peer disconnected",
		zap.String("room_id", r.id),
		zap.String("peer_id", peerID))

	if hadPresence && m.options.OnPeerLeft != nil {
		left := entry.peer
		left.Online = false
		m.options.OnPeerLeft(r.id, left)
	}
	m.emitPresenceChanged(r)
	if lostSync && m.options.OnSyncStateChanged != nil {
		m.options.OnSyncStateChanged(r.id, false)
	}
}

// broadcastHook returns the document fan-out: encrypt the delta for the room
// and send it to every connected peer.
func (m *Manager) broadcastHook(r *room) document.BroadcastFunc {
	return func(update []byte) {
		sealed, err := m.options.Crypto.EncryptRoomMessage(r.id, update)
		if err != nil {
			m.reportError(fmt.Errorf("encrypt update for room %q: %w", r.id, err))
			return
		}

		message := UpdateMessage{
			Type:      TypeUpdate,
			PeerID:    m.options.LocalPeerID,
			Payload:   base64.StdEncoding.EncodeToString(sealed),
			Timestamp: time.Now().UnixMilli(),
		}
		payload, err := EncodeJSON(message)
		if err != nil {
			m.reportError(err)
			return
		}

		r.mu.Lock()
		conns := make([]*PeerConnection, 0, len(r.conns))
		for _, conn := range r.conns {
			conns = append(conns, conn)
		}
		r.mu.Unlock()

		for _, conn := range conns {
			if err := conn.SendRaw(payload); err != nil {
				m.reportError(fmt.Errorf("send update to %q: %w", conn.PeerID(), err))
			}
		}
	}
}

// snapshotBatchBytes bounds one sync payload before sealing and base64.
// Kept well under MaxFrameSize so the AEAD and base64 overhead can never
// push a sync frame over the cap, whatever the room holds.
const snapshotBatchBytes = 4 * 1024 * 1024

// sendSnapshot streams the document state to a freshly connected peer as a
// sequence of bounded partial snapshots. Each batch merges independently,
// so a send failure mid-stream leaves the peer with a usable prefix that
// later update deltas keep converging.
func (m *Manager) sendSnapshot(r *room, pc *PeerConnection) {
	batches, err := r.doc.SnapshotBatches(snapshotBatchBytes)
	if err != nil {
		m.reportError(fmt.Errorf("snapshot room %q: %w", r.id, err))
		return
	}
	for _, batch := range batches {
		sealed, err := m.options.Crypto.EncryptRoomMessage(r.id, batch)
		if err != nil {
			m.reportError(fmt.Errorf("encrypt snapshot for room %q: %w", r.id, err))
			return
		}
		if err := pc.SendMessage(SyncMessage{
			Type:      TypeSync,
			PeerID:    m.options.LocalPeerID,
			Payload:   base64.StdEncoding.EncodeToString(sealed),
			Timestamp: time.Now().UnixMilli(),
		}); err != nil {
			m.reportError(fmt.Errorf("send snapshot to %q: %w", pc.PeerID(), err))
			return
		}
	}
}

func (m *Manager) handleUpdate(r *room, pc *PeerConnection, payload []byte) {
	plaintext, ok := m.openRoomPayload(r, pc, payload, "update")
	if !ok {
		return
	}
	if err := r.doc.ApplyRemote(plaintext); err != nil {
		m.reportError(fmt.Errorf("apply update from %q: %w", pc.PeerID(), err))
	}
}

func (m *Manager) handleSync(r *room, pc *PeerConnection, payload []byte) {
	plaintext, ok := m.openRoomPayload(r, pc, payload, "sync")
	if !ok {
		return
	}
	if err := r.doc.ApplyRemoteSnapshot(plaintext); err != nil {
		m.reportError(fmt.Errorf("apply snapshot from %q: %w", pc.PeerID(), err))
	}
}

// openRoomPayload decodes and decrypts an update or sync payload. Messages
// that fail to decrypt are dropped; a peer on the wrong password must not be
// able to corrupt the document.
func (m *Manager) openRoomPayload(r *room, pc *PeerConnection, payload []byte, kind string) ([]byte, bool) {
	var message UpdateMessage
	if err := decodeInto(payload, &message); err != nil {
		m.reportError(fmt.Errorf("decode %s from %q: %w", kind, pc.PeerID(), err))
		return nil, false
	}

	sealed, err := base64.StdEncoding.DecodeString(message.Payload)
	if err != nil {
		m.reportError(fmt.Errorf("decode %s payload from %q: %w", kind, pc.PeerID(), err))
		return nil, false
	}

	plaintext, err := m.options.Crypto.DecryptRoomMessage(r.id, sealed)
	if err != nil {
		m.logger.Warn("dropping undecryptable room payload",
			zap.String("room_id", r.id),
			zap.String("peer_id", pc.PeerID()),
			zap.String("kind", kind))
		return nil, false
	}
	return plaintext, true
}

func (m *Manager) handlePresence(r *room, payload []byte) {
	var message PresenceMessage
	if err := decodeInto(payload, &message); err != nil {
		m.reportError(err)
		return
	}
	if message.PeerID == "" || message.PeerID == m.options.LocalPeerID {
		return
	}

	r.mu.Lock()
	existing, ok := r.presence[message.PeerID]
	// Last write wins per peer; stale presence never overwrites newer.
	if ok && existing.timestamp > message.Timestamp {
		r.mu.Unlock()
		return
	}
	r.presence[message.PeerID] = presenceEntry{
		peer: models.Peer{
			PeerID:       message.PeerID,
			DisplayName:  message.DisplayName,
			DisplayColor: message.DisplayColor,
			LastSeen:     message.Timestamp,
			Online:       true,
		},
		timestamp: message.Timestamp,
	}
	r.mu.Unlock()

	m.emitPresenceChanged(r)
}

func (m *Manager) emitPresenceChanged(r *room) {
	if m.options.OnPresenceChanged == nil {
		return
	}
	m.options.OnPresenceChanged(r.id, m.ConnectedPeers(r.id))
}

// runDiscovery advertises the room on the LAN and dials discovered peers.
func (m *Manager) runDiscovery(ctx context.Context, r *room) {
	defer m.wg.Done()

	_, port := splitHostPort(m.listener.Addr().String())
	name, _ := m.localPresence()

	service, err := discovery.Start(discovery.Config{
		SelfPeerID:    m.options.LocalPeerID,
		DisplayName:   name,
		ListeningPort: port,
		Topic:         r.topic,
	})
	if err != nil {
		m.reportError(fmt.Errorf("start discovery for room %q: %w", r.id, err))
		return
	}
	defer service.Stop()

	redial := time.NewTicker(m.options.RedialInterval)
	defer redial.Stop()

	for {
		select {
		case event, ok := <-service.Scanner.Events():
			if !ok {
				return
			}
			if event.Type == discovery.EventPeerUpserted {
				m.dialDiscovered(ctx, r, event.Peer)
			}
		case <-redial.C:
			for _, peer := range service.Scanner.ListPeers() {
				m.dialDiscovered(ctx, r, peer)
			}
		case <-ctx.Done():
			return
		}
	}
}

// runSignaling announces the room to the rendezvous server and polls it for
// peers outside mDNS reach.
func (m *Manager) runSignaling(ctx context.Context, r *room) {
	defer m.wg.Done()

	_, port := splitHostPort(m.listener.Addr().String())
	announcement := signaling.Announcement{
		PeerID: m.options.LocalPeerID,
		Port:   port,
	}
	if err := m.options.Signaling.StartAnnouncing(ctx, r.topic, announcement); err != nil {
		m.reportError(fmt.Errorf("announce room %q: %w", r.id, err))
	}

	poll := time.NewTicker(m.options.SignalingPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-poll.C:
			peers, err := m.options.Signaling.ListPeers(ctx, r.topic)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					m.reportError(fmt.Errorf("list room %q peers: %w", r.id, err))
				}
				continue
			}
			for _, peer := range peers {
				m.dialAnnounced(ctx, r, peer)
			}
		case <-ctx.Done():
			return
		}
	}
}

// runRelayAccept keeps one parked relay registration available so peers that
// cannot reach us directly still find a path in.
func (m *Manager) runRelayAccept(ctx context.Context, r *room) {
	defer m.wg.Done()

	for {
		conn, err := m.options.Signaling.RegisterRelay(ctx, r.topic, m.options.LocalPeerID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case <-time.After(relayRetryDelay):
				continue
			case <-ctx.Done():
				return
			}
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleInboundTransport(conn)
		}()
	}
}

func (m *Manager) dialDiscovered(ctx context.Context, r *room, peer discovery.DiscoveredPeer) {
	addresses := make([]string, 0, len(peer.Addresses))
	for _, host := range peer.Addresses {
		addresses = append(addresses, net.JoinHostPort(host, strconv.Itoa(peer.Port)))
	}
	m.dialCandidate(ctx, r, peer.PeerID, addresses)
}

func (m *Manager) dialAnnounced(ctx context.Context, r *room, peer signaling.Announcement) {
	addresses := make([]string, 0, len(peer.Addresses))
	for _, host := range peer.Addresses {
		addresses = append(addresses, net.JoinHostPort(host, strconv.Itoa(peer.Port)))
	}
	m.dialCandidate(ctx, r, peer.PeerID, addresses)
}

// dialCandidate dials a known peer. The lower peer id initiates, so two
// peers discovering each other do not race into duplicate connections.
func (m *Manager) dialCandidate(ctx context.Context, r *room, peerID string, addresses []string) {
	if peerID == "" || peerID == m.options.LocalPeerID {
		return
	}
	if m.options.LocalPeerID > peerID {
		return
	}

	r.mu.Lock()
	_, connected := r.conns[peerID]
	busy := r.dialing[peerID]
	full := len(r.conns) >= m.options.MaxPeers
	if !connected && !busy && !full {
		r.dialing[peerID] = true
	}
	r.mu.Unlock()
	if connected || busy || full {
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.dialing, peerID)
			r.mu.Unlock()
		}()

		for _, address := range addresses {
			if m.dialAddress(ctx, r, peerID, address) {
				return
			}
		}

		// Direct paths failed; try the relay.
		if m.options.Signaling == nil || !m.options.Signaling.RelayEnabled() {
			return
		}
		conn, err := m.options.Signaling.DialRelay(ctx, r.topic, peerID)
		if err != nil {
			m.logger.Debug("relay dial failed",
				zap.String("room_id", r.id),
				zap.String("peer_id", peerID),
				zap.Error(err))
			return
		}
		m.finishOutbound(r, conn)
	}()
}

// dialAddress dials one endpoint and runs the client handshake. Reports
// success so candidate loops can stop at the first working address.
func (m *Manager) dialAddress(ctx context.Context, r *room, peerID, address string) bool {
	timeout := m.options.ConnectionTimeout
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		m.logger.Debug("dial failed",
			zap.String("room_id", r.id),
			zap.String("address", address),
			zap.Error(err))
		return false
	}
	return m.finishOutbound(r, conn)
}

func (m *Manager) finishOutbound(r *room, conn net.Conn) bool {
	pc, err := clientHandshake(conn, r.topic, m.handshakeOptions())
	if err != nil {
		_ = conn.Close()
		if !errors.Is(err, ErrRoomFull) && !errors.Is(err, ErrUnknownRoom) {
			m.reportError(fmt.Errorf("handshake for room %q: %w", r.id, err))
		}
		return false
	}

	m.registerConnection(r, pc)
	return true
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case m.errors <- err:
	default:
	}
}

func decodeInto(payload []byte, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode protocol message: %w", err)
	}
	return nil
}

func splitHostPort(address string) (string, int) {
	host, portText, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return host, 0
	}
	return host, port
}
