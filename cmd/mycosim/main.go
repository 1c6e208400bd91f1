// Command mycosim drives spec.md §8's convergence scenarios against
// [transport.Simulator]: a configurable number of in-process Nodes, wired
// with lossy in-process delivery instead of real sockets, injecting
// services on a schedule and reporting whether every node converges.
//
// The simulator's latency/jitter model is explicitly a contract, not a
// specified algorithm (spec.md §1); mycosim's own choices (uniform loss,
// fixed injection cadence) are its own, not the spec's.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/myco-mesh/myco/internal/node"
	"github.com/myco-mesh/myco/internal/transport"
	"github.com/myco-mesh/myco/pkg/aead"
	"github.com/myco-mesh/myco/pkg/catalog"
	"github.com/myco-mesh/myco/pkg/fs"
	"github.com/myco-mesh/myco/pkg/hlc"
	"github.com/myco-mesh/myco/pkg/identity"
	"github.com/myco-mesh/myco/pkg/wal"
	"github.com/myco-mesh/myco/pkg/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mycosim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	numNodes := flag.Int("nodes", 50, "number of simulated nodes")
	lossPct := flag.Int("loss", 25, "per-packet loss percentage (0-100)")
	ticks := flag.Int("ticks", 8000, "number of ticks to run")
	injections := flag.Int("injections", 50, "number of services to inject, evenly spaced")
	injectEvery := flag.Int("inject-every", 100, "ticks between injections")
	seed := flag.Int64("seed", 1, "RNG seed, for reproducible runs")
	flag.Parse()

	sim, err := newSimulation(*numNodes, *lossPct, *seed)
	if err != nil {
		return err
	}

	stop := make(chan struct{})
	sim.transport.Run(stop)
	defer close(stop)

	start := time.Now()
	nowMS := uint64(0)
	injected := 0

	for tick := 1; tick <= *ticks; tick++ {
		nowMS += 1000

		if injected < *injections && tick%*injectEvery == 0 {
			injected++
			sim.inject(uint64(injected), nowMS)
		}

		sim.tickAll(nowMS)
	}

	sim.report(*injections, time.Since(start))

	return nil
}

// simNode is one participant: its Node core and its public key.
type simNode struct {
	pubkey [32]byte
	n      *node.Node
}

type simulation struct {
	nodes     []*simNode
	transport *transport.Simulator
}

func newSimulation(numNodes, lossPct int, seed int64) (*simulation, error) {
	if numNodes < 2 {
		return nil, fmt.Errorf("mycosim: need at least 2 nodes, got %d", numNodes)
	}

	fsys := fs.NewReal()

	const sharedSecret = "mycosim-shared-psk"

	keyring := aead.NewKeyring([]byte(sharedSecret), 1)

	keypairs := make([]identity.KeyPair, numNodes)
	pubkeys := make([][32]byte, numNodes)

	for i := range numNodes {
		kp, err := identity.Derive([]byte(fmt.Sprintf("mycosim-node-%d", i)), uint16(i))
		if err != nil {
			return nil, fmt.Errorf("derive identity %d: %w", i, err)
		}

		keypairs[i] = kp
		pubkeys[i] = kp.Public()
	}

	sim := &simulation{transport: transport.NewSimulator(lossPct, seed)}

	for i := range numNodes {
		peers := make([]identity.Peer, 0, numNodes-1)

		for j, pk := range pubkeys {
			if j != i {
				peers = append(peers, identity.Peer{PublicKey: pk, NodeID: uint16(j)})
			}
		}

		logFile, snapFile, err := tempWALFiles(fsys)
		if err != nil {
			return nil, fmt.Errorf("node %d wal files: %w", i, err)
		}

		walLog := wal.Open(logFile, snapFile, 8192, 1<<20, nil)

		cfg := node.DefaultConfig()
		cfg.NodeID = uint16(i)

		rng := rand.New(rand.NewSource(seed + int64(i)))

		sn := &simNode{
			pubkey: pubkeys[i],
			n: node.New(
				cfg,
				&hlc.Clock{},
				catalog.New(cfg.CatalogCapacity, cfg.DirtyCapacity),
				walLog,
				keyring,
				identity.NewPeerTable(peers),
				node.NoopExecutor{},
				pubkeys[i],
				rng,
			),
		}

		sim.nodes = append(sim.nodes, sn)
		sim.transport.Join(pubkeys[i], sn.n)
	}

	return sim, nil
}

// tempWALFiles opens throwaway log/snapshot files under the OS temp
// directory: mycosim has no durability requirement across runs, only the
// WAL's in-run append/compact behavior needs backing files.
func tempWALFiles(fsys fs.FS) (fs.File, fs.File, error) {
	logFile, err := fsys.OpenFile(tempPath("mycosim-log"), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, nil, err
	}

	snapFile, err := fsys.OpenFile(tempPath("mycosim-snap"), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		logFile.Close()

		return nil, nil, err
	}

	return logFile, snapFile, nil
}

var tempSeq int

func tempPath(prefix string) string {
	tempSeq++

	return fmt.Sprintf("%s/%s-%d-%d", os.TempDir(), prefix, os.Getpid(), tempSeq)
}

// inject deposits a fresh service on node 0, mirroring spec.md §8 scenario
// S3's "1 injection every 100 ticks" load pattern.
func (s *simulation) inject(id uint64, nowMS uint64) {
	origin := s.nodes[0]

	svc := node.NewService(id, fmt.Sprintf("svc-%d", id), fmt.Sprintf("flake:svc-%d", id), "run")

	if _, err := origin.n.InjectService(svc, nowMS); err != nil {
		fmt.Fprintf(os.Stderr, "mycosim: inject %d: %v\n", id, err)
	}
}

func (s *simulation) tickAll(nowMS uint64) {
	for _, sn := range s.nodes {
		if err := sn.n.Tick(nowMS); err != nil {
			fmt.Fprintf(os.Stderr, "mycosim: tick node=%d: %v\n", sn.n.Snapshot().NodeID, err)
		}
	}
}

func (s *simulation) report(wantServices int, elapsed time.Duration) {
	converged := 0

	for _, sn := range s.nodes {
		status := sn.n.Snapshot()
		if status.ServiceCount == wantServices {
			converged++
		}
	}

	counters := s.transport.Snapshot()

	fmt.Printf("nodes=%d converged=%d/%d (want services_known=%d) elapsed=%s\n",
		len(s.nodes), converged, len(s.nodes), wantServices, elapsed.Round(time.Millisecond))
	fmt.Printf("packets sent=%d delivered=%d dropped=%d\n", sum(counters.Sent), sum(counters.Delivered), sum(counters.Dropped))

	if converged < len(s.nodes) {
		os.Exit(1)
	}
}

func sum(m map[wire.MsgType]uint64) uint64 {
	var total uint64

	for _, v := range m {
		total += v
	}

	return total
}
