// Command mycod runs one Myco mesh node: it loads configuration, opens the
// node's durable WAL and peer list, and serves gossip traffic over UDP and
// an administrative HTTP surface until terminated.
//
// CLI scaffolding is deliberately thin (spec.md §1 places argument parsing
// out of scope): the only flags are -config and -admin-addr, matching the teacher's
// cmd/tk/main.go shape of "parse the minimum, hand off to the real
// wiring."
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/myco-mesh/myco/internal/admin"
	"github.com/myco-mesh/myco/internal/config"
	"github.com/myco-mesh/myco/internal/node"
	"github.com/myco-mesh/myco/internal/peerstore"
	"github.com/myco-mesh/myco/internal/transport"
	"github.com/myco-mesh/myco/pkg/aead"
	"github.com/myco-mesh/myco/pkg/catalog"
	"github.com/myco-mesh/myco/pkg/fs"
	"github.com/myco-mesh/myco/pkg/hlc"
	"github.com/myco-mesh/myco/pkg/identity"
	"github.com/myco-mesh/myco/pkg/wal"
)

// watchdogInterval is the startup grace period spec.md §5 describes: if no
// packet has been processed and no tick has completed within this window,
// the daemon exits so its supervisor restarts it.
const watchdogInterval = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mycod: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a HuJSON config file (in addition to "+config.GlobalConfigPath+")")
	adminAddr := flag.String("admin-addr", "127.0.0.1:7778", "address for the admin HTTP surface (GET /metrics, POST /deploy)")
	flag.Parse()

	fsys := fs.NewReal()

	cfg, sources, err := config.Load(fsys, *configPath, os.Environ())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := log.New(os.Stderr, fmt.Sprintf("mycod[%d] ", cfg.NodeID), log.LstdFlags)

	if sources.Global != "" {
		logger.Printf("loaded %s", sources.Global)
	}

	if sources.Explicit != "" {
		logger.Printf("loaded %s", sources.Explicit)
	}

	d, err := newDaemon(fsys, cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	defer d.close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- d.serve(*adminAddr) }()

	select {
	case sig := <-sigCh:
		logger.Printf("received %s, shutting down", sig)

		return nil
	case err := <-errCh:
		return err
	}
}

// daemon wires one Node to its durable state and network adapters.
type daemon struct {
	cfg    config.Config
	logger *log.Logger

	logFile  fs.File
	snapFile fs.File
	walLog   *wal.WAL

	peers *peerstore.Store
	keys  identity.KeyPair
	n     *node.Node

	udp        *transport.UDP
	httpServer *http.Server

	lastActivity chan struct{} // buffered 1; refilled after every completed tick
}

func newDaemon(fsys fs.FS, cfg config.Config, logger *log.Logger) (*daemon, error) {
	if err := fsys.MkdirAll(cfg.StateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir %q: %w", cfg.StateDir, err)
	}

	keys, err := identity.Derive([]byte(cfg.PacketKey), cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("derive node identity: %w", err)
	}

	peers, err := peerstore.Open(fsys, filepath.Join(cfg.StateDir, "peers.txt"))
	if err != nil {
		return nil, fmt.Errorf("open peer list: %w", err)
	}

	logFile, err := fsys.OpenFile(filepath.Join(cfg.StateDir, "wal.log"), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open wal log: %w", err)
	}

	snapFile, err := fsys.OpenFile(filepath.Join(cfg.StateDir, "wal.snapshot"), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		logFile.Close()

		return nil, fmt.Errorf("open wal snapshot: %w", err)
	}

	nodeCfg := node.DefaultConfig()
	nodeCfg.NodeID = cfg.NodeID
	nodeCfg.ZoneID = cfg.ZoneID
	nodeCfg.AllowPlaintext = cfg.AllowPlaintext
	nodeCfg.ForcePlaintext = cfg.ForcePlaintext

	if cfg.GossipFanout > 0 {
		nodeCfg.GossipFanout = cfg.GossipFanout
	}

	walLog := wal.Open(logFile, snapFile, nodeCfg.CatalogCapacity*4, 1<<20, logger)

	keyring, err := buildKeyring(cfg)
	if err != nil {
		snapFile.Close()
		logFile.Close()

		return nil, err
	}

	store := catalog.New(nodeCfg.CatalogCapacity, nodeCfg.DirtyCapacity)
	clock := &hlc.Clock{}
	rng := rand.New(rand.NewSource(int64(cfg.NodeID)<<32 | int64(time.Now().UnixNano())))

	n := node.New(nodeCfg, clock, store, walLog, keyring, peerTableFrom(peers), node.NoopExecutor{}, keys.Public(), rng)

	if err := n.Recover(); err != nil {
		snapFile.Close()
		logFile.Close()

		return nil, fmt.Errorf("recover wal: %w", err)
	}

	return &daemon{
		cfg:          cfg,
		logger:       logger,
		logFile:      logFile,
		snapFile:     snapFile,
		walLog:       walLog,
		peers:        peers,
		keys:         keys,
		n:            n,
		lastActivity: make(chan struct{}, 1),
	}, nil
}

// buildKeyring constructs the node's AEAD keyring per spec.md §4.4: the psk
// (packet_key concatenated with gossip_psk) is held fixed, and the per-packet
// key itself is derived fresh on every Seal/Open from the packet's real
// sender_pubkey and dest_id fields, so no zone-wide key is precomputed here.
// packet_key_prev/packet_epoch_prev, if configured, are kept acceptable
// during rotation.
func buildKeyring(cfg config.Config) (*aead.Keyring, error) {
	if cfg.ForcePlaintext {
		return nil, nil
	}

	psk := []byte(cfg.PacketKey + cfg.GossipPSK)

	if cfg.PacketKeyPrev != "" {
		prevPSK := []byte(cfg.PacketKeyPrev + cfg.GossipPSK)

		kr := aead.NewKeyring(prevPSK, cfg.PacketEpochPrev)
		kr.Rotate(cfg.PacketEpoch, psk)

		return kr, nil
	}

	return aead.NewKeyring(psk, cfg.PacketEpoch), nil
}

func peerTableFrom(store *peerstore.Store) *identity.PeerTable {
	snapshot := store.Snapshot()
	peers := make([]identity.Peer, len(snapshot))

	for i, p := range snapshot {
		peers[i] = identity.Peer{PublicKey: p.PublicKey, NodeID: p.NodeID}
	}

	return identity.NewPeerTable(peers)
}

// serve binds the UDP transport and the admin HTTP surface, starts the tick
// loop and watchdog, and blocks until either fails.
func (d *daemon) serve(adminAddr string) error {
	udp, err := transport.ListenUDP(fmt.Sprintf(":%d", d.cfg.UDPPort), d.n, d.peers, d.logger)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}

	d.udp = udp

	handlers := admin.New(d.n, d.cfg.AuthToken, d.cfg.AuthTokenPrev)
	d.httpServer = &http.Server{Addr: adminAddr, Handler: adminMux(handlers)}

	errCh := make(chan error, 3)

	go func() { errCh <- d.udp.Serve() }()
	go func() { errCh <- d.httpServer.ListenAndServe() }()
	go d.tickLoop()
	go d.watchdog(errCh)

	d.logger.Printf("serving udp=%d admin=%s", d.cfg.UDPPort, adminAddr)

	err = <-errCh
	if errors.Is(err, transport.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// tickLoop drives the Node's tick state machine at 1 Hz, per spec.md §4.6's
// "typically 1 Hz in production."
func (d *daemon) tickLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		nowMS := uint64(time.Now().UnixMilli())

		if err := d.n.Tick(nowMS); err != nil {
			d.logger.Printf("tick: %v", err)
		}

		d.markActivity()
	}
}

func (d *daemon) markActivity() {
	select {
	case d.lastActivity <- struct{}{}:
	default:
	}
}

// watchdog enforces spec.md §5's restart-on-stall contract: if the daemon
// never completes a tick within watchdogInterval of startup, it reports a
// fatal error so the process exits and a supervisor (systemd, etc.)
// restarts it.
func (d *daemon) watchdog(errCh chan<- error) {
	select {
	case <-d.lastActivity:
		return
	case <-time.After(watchdogInterval):
		errCh <- fmt.Errorf("watchdog: no tick completed within %s, exiting for restart", watchdogInterval)
	}
}

func (d *daemon) close() {
	if d.udp != nil {
		d.udp.Close()
	}

	if d.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		d.httpServer.Shutdown(ctx)
	}

	d.snapFile.Close()
	d.logFile.Close()
}

// adminMux wires the admin request handlers to HTTP routes. Framing itself
// is out of scope (spec.md §1); this is the minimal external collaborator
// spec.md §6 assumes exists.
func adminMux(h *admin.Handlers) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if !authorized(h, r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)

			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprint(w, h.Metrics())
	})

	mux.HandleFunc("/deploy", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)

			return
		}

		if !authorized(h, r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)

			return
		}

		body := make([]byte, node.ServiceSize+1)

		n, err := readFull(r, body)
		if err != nil {
			http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)

			return
		}

		result := h.Deploy(body[:n], uint64(time.Now().UnixMilli()))

		w.WriteHeader(result.StatusCode)
		fmt.Fprint(w, result.Body)
	})

	return mux
}

func authorized(h *admin.Handlers, r *http.Request) bool {
	auth := r.Header.Get("Authorization")

	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		token = ""
	}

	return h.Authorized(token)
}

func readFull(r *http.Request, buf []byte) (int, error) {
	defer r.Body.Close()

	n := 0

	for n < len(buf) {
		m, err := r.Body.Read(buf[n:])
		n += m

		if err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}

			return n, err
		}
	}

	return n, fmt.Errorf("body exceeds %d bytes", len(buf)-1)
}
