package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"roomshare/config"
	"roomshare/crypto"
	"roomshare/document"
	"roomshare/invite"
	"roomshare/models"
	"roomshare/network"
	"roomshare/signaling"
	"roomshare/storage"
	"roomshare/transfer"
)

const version = "0.1.0"

var cli struct {
	Debug bool `help:"Enable verbose development logging."`

	Join    joinCmd    `cmd:"" help:"Join a room and keep it synchronized."`
	Signal  signalCmd  `cmd:"" help:"Run a rendezvous and relay server."`
	Probe   probeCmd   `cmd:"" help:"Check direct and relayed reachability."`
	Version versionCmd `cmd:"" help:"Print the version."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("roomshare"),
		kong.Description("Peer-to-peer room synchronization and file sharing."),
		kong.UsageOnError())

	logger, err := buildLogger(cli.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger setup failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx.FatalIfErrorf(ctx.Run(logger))
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	return cfg.Build()
}

type joinCmd struct {
	Invite   string `arg:"" help:"Invite link (roomshare://join/{room}) or bare room code."`
	Password string `help:"Room password; overrides the one embedded in the link." short:"p"`
	Name     string `help:"Display name override for this session."`
	Color    string `help:"Display color for this session." default:"#4a90d9"`
	Admin    bool   `help:"Act as a room admin for delete and clear operations."`

	Signaling string   `help:"Rendezvous server base URL (http://host:port)."`
	Relay     string   `help:"Relay server address (host:port)."`
	Bootstrap []string `help:"Peer addresses to dial directly."`
	NoMDNS    bool     `help:"Disable LAN discovery." name:"no-mdns"`

	Share []string `help:"Files to share into the room once connected." type:"existingfile"`
}

// staticGate grants admin to the local peer when the session was started
// with the admin flag. Room governance lives outside this process.
type staticGate struct {
	admin   bool
	localID string
}

func (g staticGate) IsAdmin(peerID string) bool {
	return g.admin && peerID == g.localID
}

func (c *joinCmd) Run(logger *zap.Logger) error {
	inv, err := invite.Parse(c.Invite)
	if err != nil {
		return err
	}
	password := inv.Password
	if c.Password != "" {
		password = c.Password
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	displayName := cfg.DisplayName
	if c.Name != "" {
		displayName = c.Name
	}
	signalingEndpoint := cfg.SignalingEndpoint
	if c.Signaling != "" {
		signalingEndpoint = c.Signaling
	}
	relayEndpoint := cfg.RelayEndpoint
	if c.Relay != "" {
		relayEndpoint = c.Relay
	}

	dataDir := filepath.Dir(cfgPath)
	store, err := storage.OpenPath(config.SnapshotsPath(dataDir))
	if err != nil {
		return fmt.Errorf("open snapshot database: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("snapshot database close failed", zap.Error(err))
		}
	}()

	docStore, err := document.NewStore(cfg.PeerID, store, logger)
	if err != nil {
		return fmt.Errorf("open document store: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cryptoService := crypto.NewService(logger)
	if password != "" {
		if err := cryptoService.InitializeRoom(ctx, inv.RoomID, password); err != nil {
			return fmt.Errorf("initialize room encryption: %w", err)
		}
	}

	signalingClient := signaling.NewClient(signaling.ClientConfig{
		Endpoint:      signalingEndpoint,
		RelayEndpoint: relayEndpoint,
		Logger:        logger,
	})
	defer signalingClient.Close()

	listenAddress := ":0"
	if cfg.PortMode == config.PortModeFixed {
		listenAddress = fmt.Sprintf(":%d", cfg.ListeningPort)
	}

	manager, err := network.NewManager(network.ManagerOptions{
		LocalPeerID:        cfg.PeerID,
		DisplayName:        displayName,
		DisplayColor:       c.Color,
		ListenAddress:      listenAddress,
		MaxPeers:           cfg.MaxPeers,
		Crypto:             cryptoService,
		Signaling:          signalingClient,
		DisableMDNS:        c.NoMDNS,
		BootstrapAddresses: c.Bootstrap,
		Logger:             logger,
		PersistSnapshot:    docStore.Persist,
		OnPeerJoined: func(roomID string, peer models.Peer) {
			fmt.Printf("peer joined:   %s (%s)\n", peer.DisplayName, peer.PeerID)
		},
		OnPeerLeft: func(roomID string, peer models.Peer) {
			fmt.Printf("peer left:     %s (%s)\n", peer.DisplayName, peer.PeerID)
		},
		OnSyncStateChanged: func(roomID string, synced bool) {
			if synced {
				fmt.Println("sync:          connected")
			} else {
				fmt.Println("sync:          alone in the room")
			}
		},
	})
	if err != nil {
		return fmt.Errorf("create connection manager: %w", err)
	}
	if err := manager.Start(); err != nil {
		return fmt.Errorf("start connection manager: %w", err)
	}
	defer manager.Stop()
	go drainErrors(logger, manager.Errors())

	doc, err := docStore.Document(inv.RoomID)
	if err != nil {
		return fmt.Errorf("open room document: %w", err)
	}

	coordinator, err := transfer.NewCoordinator(doc, transfer.Options{
		LocalPeerID: cfg.PeerID,
		Gate:        staticGate{admin: c.Admin, localID: cfg.PeerID},
		Logger:      logger,
		OnFilesChanged: func(files []models.SharedFile) {
			fmt.Printf("files:         %d shared\n", len(files))
			for _, file := range files {
				origin := "remote"
				if file.IsLocal {
					origin = "local"
				}
				fmt.Printf("  %-8s %-10s %10d B  %s\n", origin, file.Tier, file.SizeBytes, file.Name)
			}
		},
		OnProgress: func(fileID string, fraction float64) {
			fmt.Printf("progress:      %s %3.0f%%\n", fileID, fraction*100)
		},
	})
	if err != nil {
		return fmt.Errorf("create transfer coordinator: %w", err)
	}

	if err := manager.Connect(ctx, inv.RoomID, doc); err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	fmt.Printf("peer id:       %s\n", cfg.PeerID)
	fmt.Printf("display name:  %s\n", displayName)
	fmt.Printf("room:          %s", inv.RoomID)
	if password != "" {
		fmt.Print(" (encrypted)")
	}
	fmt.Println()
	fmt.Printf("listening on:  %s\n", manager.Addr())
	if signalingClient.Enabled() {
		fmt.Printf("signaling:     %s\n", signalingEndpoint)
	}
	link, err := invite.Format(inv.RoomID, password)
	if err == nil {
		fmt.Printf("invite:        %s\n", link)
	}

	for _, path := range c.Share {
		if err := shareLocalFile(ctx, coordinator, path); err != nil {
			logger.Error("sharing file failed", zap.String("path", path), zap.Error(err))
		}
	}

	fmt.Println("status:        running (press Ctrl+C to stop)")
	<-ctx.Done()
	fmt.Println("status:        shutting down")

	manager.DisconnectAll()
	if err := docStore.PersistAll(); err != nil {
		logger.Warn("persisting snapshots failed", zap.Error(err))
	}
	return nil
}

func shareLocalFile(ctx context.Context, coordinator *transfer.Coordinator, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %q: %w", path, err)
	}
	file, err := coordinator.ShareFile(ctx, transfer.ShareRequest{
		Name:    filepath.Base(path),
		Content: content,
	})
	if err != nil {
		return err
	}
	fmt.Printf("shared:        %s (%s tier, id %s)\n", file.Name, file.Tier, file.FileID)
	return nil
}

func drainErrors(logger *zap.Logger, errs <-chan error) {
	for err := range errs {
		logger.Warn("network error", zap.Error(err))
	}
}

type signalCmd struct {
	HTTPAddr  string        `help:"Rendezvous HTTP listen address." default:":8383"`
	RelayAddr string        `help:"Relay TCP listen address." default:":8384"`
	TTL       time.Duration `help:"Announcement lifetime." default:"90s"`
}

func (c *signalCmd) Run(logger *zap.Logger) error {
	server, err := signaling.ListenAndServe(signaling.ServerConfig{
		HTTPAddr:    c.HTTPAddr,
		RelayAddr:   c.RelayAddr,
		AnnounceTTL: c.TTL,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("start signaling server: %w", err)
	}

	fmt.Printf("rendezvous:    %s\n", server.HTTPAddr())
	fmt.Printf("relay:         %s\n", server.RelayAddr())
	fmt.Println("status:        running (press Ctrl+C to stop)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	fmt.Println("status:        shutting down")
	return server.Close()
}

type probeCmd struct {
	Signaling string `help:"Rendezvous server base URL (http://host:port)." required:""`
	Relay     string `help:"Relay server address (host:port)."`
	Host      string `help:"Advertised host; discovered via the server when empty."`
}

func (c *probeCmd) Run(logger *zap.Logger) error {
	client := signaling.NewClient(signaling.ClientConfig{
		Endpoint:      c.Signaling,
		RelayEndpoint: c.Relay,
		Logger:        logger,
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), network.ProbeTimeout)
	defer cancel()

	report := network.TestConnectivity(ctx, network.ProbeOptions{
		Signaling:     client,
		AdvertiseHost: c.Host,
	})

	fmt.Printf("listen:        ok=%v addr=%s\n", report.ListenOK, report.ListenAddr)
	if report.DirectChecked {
		if report.DirectReachable {
			fmt.Println("direct:        reachable")
		} else {
			fmt.Printf("direct:        unreachable (%s)\n", report.DirectError)
		}
	} else {
		fmt.Println("direct:        not checked")
	}
	if report.RelayChecked {
		if report.RelayOK {
			fmt.Println("relay:         ok")
		} else {
			fmt.Printf("relay:         failed (%s)\n", report.RelayError)
		}
	} else {
		fmt.Println("relay:         not checked")
	}
	fmt.Printf("elapsed:       %s\n", report.Elapsed)
	return nil
}

type versionCmd struct{}

func (c *versionCmd) Run(logger *zap.Logger) error {
	fmt.Printf("roomshare %s\n", version)
	return nil
}
