// Package signaling provides WAN rendezvous for rooms: an HTTP API where
// peers announce themselves under a room topic and list each other, a
// dial-back probe used for connectivity checks, and a TCP relay for peers
// that cannot reach each other directly.
package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	// DefaultAnnounceTTL is how long an announcement stays listed without
	// being refreshed.
	DefaultAnnounceTTL = 90 * time.Second
	// DefaultProbeTimeout bounds the dial-back performed for /v1/probe.
	DefaultProbeTimeout = 5 * time.Second
	// DefaultSweepInterval is how often expired announcements are dropped.
	DefaultSweepInterval = 30 * time.Second
)

// ServerConfig controls the rendezvous server.
type ServerConfig struct {
	HTTPAddr      string
	RelayAddr     string
	AnnounceTTL   time.Duration
	ProbeTimeout  time.Duration
	SweepInterval time.Duration
	Logger        *zap.Logger
}

func (c ServerConfig) withDefaults() ServerConfig {
	out := c
	if out.HTTPAddr == "" {
		out.HTTPAddr = ":0"
	}
	if out.RelayAddr == "" {
		out.RelayAddr = ":0"
	}
	if out.AnnounceTTL <= 0 {
		out.AnnounceTTL = DefaultAnnounceTTL
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = DefaultProbeTimeout
	}
	if out.SweepInterval <= 0 {
		out.SweepInterval = DefaultSweepInterval
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// Announcement is one peer's rendezvous record under a room topic.
type Announcement struct {
	PeerID    string   `json:"peer_id"`
	Addresses []string `json:"addresses"`
	Port      int      `json:"port"`
}

// AnnounceResponse is returned for a successful announce.
type AnnounceResponse struct {
	TTLSeconds   int    `json:"ttl_seconds"`
	ObservedAddr string `json:"observed_addr"`
}

// ProbeRequest asks the server to dial the given address back.
type ProbeRequest struct {
	Address string `json:"address"`
}

// ProbeResponse reports whether the dial-back succeeded.
type ProbeResponse struct {
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

type announcementRecord struct {
	Announcement
	expiresAt time.Time
}

// Server is the rendezvous and relay server.
type Server struct {
	cfg ServerConfig

	httpListener net.Listener
	httpServer   *http.Server
	relay        *relay

	mu    sync.Mutex
	rooms map[string]map[string]announcementRecord

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenAndServe starts the HTTP rendezvous API and the TCP relay.
func ListenAndServe(config ServerConfig) (*Server, error) {
	cfg := config.withDefaults()

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", cfg.HTTPAddr, err)
	}

	relay, err := listenRelay(cfg.RelayAddr, cfg.Logger)
	if err != nil {
		_ = httpListener.Close()
		return nil, err
	}

	server := &Server{
		cfg:          cfg,
		httpListener: httpListener,
		relay:        relay,
		rooms:        make(map[string]map[string]announcementRecord),
		closed:       make(chan struct{}),
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/rooms/{topic}/peers", server.handleAnnounce).Methods(http.MethodPost)
	router.HandleFunc("/v1/rooms/{topic}/peers", server.handleListPeers).Methods(http.MethodGet)
	router.HandleFunc("/v1/rooms/{topic}/peers/{peerID}", server.handleWithdraw).Methods(http.MethodDelete)
	router.HandleFunc("/v1/probe", server.handleProbe).Methods(http.MethodPost)

	server.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	server.wg.Add(2)
	go server.serveHTTP()
	go server.sweepLoop()

	return server, nil
}

// HTTPAddr returns the rendezvous API listening address.
func (s *Server) HTTPAddr() net.Addr {
	return s.httpListener.Addr()
}

// RelayAddr returns the relay listening address.
func (s *Server) RelayAddr() net.Addr {
	return s.relay.Addr()
}

// Close stops the HTTP API and the relay.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.httpServer.Close()
		if err := s.relay.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) serveHTTP() {
	defer s.wg.Done()

	err := s.httpServer.Serve(s.httpListener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.cfg.Logger.Warn("rendezvous HTTP server stopped", zap.Error(err))
	}
}

func (s *Server) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweepExpired(time.Now())
		case <-s.closed:
			return
		}
	}
}

func (s *Server) sweepExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for topic, peers := range s.rooms {
		for peerID, record := range peers {
			if now.After(record.expiresAt) {
				delete(peers, peerID)
			}
		}
		if len(peers) == 0 {
			delete(s.rooms, topic)
		}
	}
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]

	var announcement Announcement
	if err := json.NewDecoder(r.Body).Decode(&announcement); err != nil {
		http.Error(w, "invalid announcement body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(announcement.PeerID) == "" {
		http.Error(w, "peer_id is required", http.StatusBadRequest)
		return
	}
	if announcement.Port <= 0 {
		http.Error(w, "port must be > 0", http.StatusBadRequest)
		return
	}

	observed := remoteHost(r.RemoteAddr)

	s.mu.Lock()
	peers, ok := s.rooms[topic]
	if !ok {
		peers = make(map[string]announcementRecord)
		s.rooms[topic] = peers
	}
	record := announcementRecord{
		Announcement: announcement,
		expiresAt:    time.Now().Add(s.cfg.AnnounceTTL),
	}
	// The caller's source address is a candidate even when it never
	// appears in the self-reported list.
	if observed != "" && !containsAddress(record.Addresses, observed) {
		record.Addresses = append(record.Addresses, observed)
	}
	peers[announcement.PeerID] = record
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, AnnounceResponse{
		TTLSeconds:   int(s.cfg.AnnounceTTL / time.Second),
		ObservedAddr: observed,
	})
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	topic := mux.Vars(r)["topic"]
	now := time.Now()

	s.mu.Lock()
	records := s.rooms[topic]
	out := make([]Announcement, 0, len(records))
	for _, record := range records {
		if now.After(record.expiresAt) {
			continue
		}
		out = append(out, record.Announcement)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	topic := vars["topic"]
	peerID := vars["peerID"]

	s.mu.Lock()
	peers, ok := s.rooms[topic]
	if ok {
		_, ok = peers[peerID]
		delete(peers, peerID)
		if len(peers) == 0 {
			delete(s.rooms, topic)
		}
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "peer not announced", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	var req ProbeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid probe body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		http.Error(w, "address is required", http.StatusBadRequest)
		return
	}

	conn, err := net.DialTimeout("tcp", req.Address, s.cfg.ProbeTimeout)
	if err != nil {
		writeJSON(w, http.StatusOK, ProbeResponse{Reachable: false, Error: err.Error()})
		return
	}
	_ = conn.Close()

	writeJSON(w, http.StatusOK, ProbeResponse{Reachable: true})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return ""
	}
	return host
}

func containsAddress(addresses []string, candidate string) bool {
	for _, address := range addresses {
		if address == candidate {
			return true
		}
	}
	return false
}
