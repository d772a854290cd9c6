// Package mp implements sabo's message-passing transport backend.
// modules/module_mpi.c delegates the node-local allgather itself to
// the host MPI implementation and treats the wire protocol as
// standard; this package gives that collaborator a concrete,
// testable body: rank 0 of the node-local group acts as a QUIC
// rendezvous coordinator over loopback, the way the teacher's
// netstack package wraps quic-go for request/response traffic rather
// than bulk HTTP/3 transfer.
package mp

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"math"
	"net"

	quic "github.com/quic-go/quic-go"

	"github.com/bullsequana/sabo/internal/config"
	"github.com/bullsequana/sabo/internal/logx"
)

const alpn = "sabo-mp/1"

// Backend is sabo's message-passing Transport, backed by a loopback
// QUIC rendezvous rather than a real MPI_Allgather call (see
// DESIGN.md for why the host MPI dependency itself could not be
// wired as a Go module).
type Backend struct {
	cfg *config.Config
	log *logx.Logger

	coordinatorAddr string

	worldRank, worldSize int
	nodeRank, nodeSize    int

	translateNodeRank []int

	listener *quic.Listener
	streams  []*quic.Stream // coordinator-only: persistent stream per peer, indexed by node rank - 1
	conn     *quic.Conn     // coordinator-only: left nil; peers are reached through streams
	peerConn *quic.Conn     // non-coordinator: connection to the coordinator
	peerStream *quic.Stream // non-coordinator: stream to the coordinator

	sendBuf []float64
	recvBuf []float64

	initialized bool
}

// New builds an uninitialized message-passing Backend. coordinatorAddr
// is the loopback address rank 0 listens on and every other
// node-local rank dials (e.g. "127.0.0.1:41000"). Real deployments
// derive it from the same out-of-band rendezvous channel MPI's own
// bootstrap uses; sabo only needs an address, not a discovery
// protocol, matching the original's assumption that process
// rendezvous is already solved by the time sabo's comm module runs.
func New(cfg *config.Config, log *logx.Logger, coordinatorAddr string) *Backend {
	return &Backend{cfg: cfg, log: log, coordinatorAddr: coordinatorAddr}
}

func tlsConfig() *tls.Config {
	cert := generateLoopbackCert()
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
		MinVersion:   tls.VersionTLS13,
	}
}

func tlsClientConfig() *tls.Config {
	return &tls.Config{
		NextProtos:         []string{alpn},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true, // loopback rendezvous only, see DESIGN.md
	}
}

func (b *Backend) Init(ctx context.Context) error {
	b.worldRank = b.cfg.WorldTaskID
	b.worldSize = b.cfg.WorldNumTasks
	b.nodeRank = b.cfg.NodeTaskID
	b.nodeSize = b.cfg.NodeNumTasks

	if b.nodeSize <= 0 {
		return fmt.Errorf("mp: invalid node size %d", b.nodeSize)
	}

	b.sendBuf = make([]float64, b.cfg.NumStepsExchanged)
	b.recvBuf = make([]float64, b.nodeSize*b.cfg.NumStepsExchanged)
	b.translateNodeRank = make([]int, b.nodeSize)

	var err error
	if b.nodeRank == 0 {
		err = b.initCoordinator(ctx)
	} else {
		err = b.initPeer(ctx)
	}
	if err != nil {
		return fmt.Errorf("mp: %w", err)
	}

	b.initialized = true
	return nil
}

func (b *Backend) initCoordinator(ctx context.Context) error {
	udpConn, err := net.ListenPacket("udp", b.coordinatorAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", b.coordinatorAddr, err)
	}

	ln, err := quic.Listen(udpConn, tlsConfig(), &quic.Config{})
	if err != nil {
		return fmt.Errorf("quic listen: %w", err)
	}
	b.listener = ln

	b.conn = nil
	streams := make([]*quic.Stream, b.nodeSize-1)
	b.translateNodeRank[0] = b.worldRank

	for i := 0; i < b.nodeSize-1; i++ {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return fmt.Errorf("accept peer %d: %w", i, err)
		}

		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return fmt.Errorf("accept stream from peer %d: %w", i, err)
		}

		peerNodeRank, peerWorldRank, err := readHello(stream)
		if err != nil {
			return fmt.Errorf("read hello from peer %d: %w", i, err)
		}

		if peerNodeRank < 1 || peerNodeRank >= b.nodeSize {
			return fmt.Errorf("peer reported out-of-range node rank %d", peerNodeRank)
		}

		streams[peerNodeRank-1] = stream
		b.translateNodeRank[peerNodeRank] = peerWorldRank
	}

	b.streams = streams
	return nil
}

func (b *Backend) initPeer(ctx context.Context) error {
	conn, err := quic.DialAddr(ctx, b.coordinatorAddr, tlsClientConfig(), &quic.Config{})
	if err != nil {
		return fmt.Errorf("dial coordinator %s: %w", b.coordinatorAddr, err)
	}
	b.peerConn = conn

	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	b.peerStream = stream

	return writeHello(stream, b.nodeRank, b.worldRank)
}

func readHello(stream *quic.Stream) (nodeRank, worldRank int, err error) {
	buf := make([]byte, 8)
	if _, err := readFull(stream, buf); err != nil {
		return 0, 0, err
	}
	return int(int32(binary.BigEndian.Uint32(buf[0:4]))), int(int32(binary.BigEndian.Uint32(buf[4:8]))), nil
}

func writeHello(stream *quic.Stream, nodeRank, worldRank int) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], uint32(int32(nodeRank)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(int32(worldRank)))
	_, err := stream.Write(buf)
	return err
}

func readFull(stream *quic.Stream, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := stream.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (b *Backend) Fini() error {
	if b.peerStream != nil {
		_ = b.peerStream.Close()
	}
	if b.peerConn != nil {
		_ = b.peerConn.CloseWithError(0, "fini")
	}
	for _, s := range b.streams {
		if s != nil {
			_ = s.Close()
		}
	}
	if b.listener != nil {
		_ = b.listener.Close()
	}
	b.initialized = false
	return nil
}

func (b *Backend) IsInitialized() bool { return b.initialized }

func (b *Backend) GetWorldRank() int { return b.worldRank }
func (b *Backend) GetWorldSize() int { return b.worldSize }
func (b *Backend) GetNodeRank() int  { return b.nodeRank }
func (b *Backend) GetNodeSize() int  { return b.nodeSize }

func (b *Backend) GetWorldRankFromNodeRank(nodeRank int) int {
	if nodeRank < 0 || nodeRank >= len(b.translateNodeRank) {
		return -1
	}
	return b.translateNodeRank[nodeRank]
}

func (b *Backend) SendBuffer() []float64 { return b.sendBuf }
func (b *Backend) RecvBuffer() []float64 { return b.recvBuf }

// Allgather has every peer send its contribution to the coordinator,
// which assembles the full vector and broadcasts it back. This
// mirrors the information flow of MPI_Allgather on a star topology,
// the natural shape for a small per-node rank group.
func (b *Backend) Allgather(ctx context.Context) error {
	if b.nodeRank == 0 {
		return b.allgatherCoordinator()
	}
	return b.allgatherPeer()
}

func (b *Backend) allgatherCoordinator() error {
	window := b.cfg.NumStepsExchanged
	copy(b.recvBuf[0:window], b.sendBuf)

	for i, stream := range b.streams {
		nodeRank := i + 1
		buf := make([]byte, 8*window)
		if _, err := readFull(stream, buf); err != nil {
			return fmt.Errorf("mp: read contribution from node rank %d: %w", nodeRank, err)
		}
		for s := 0; s < window; s++ {
			b.recvBuf[nodeRank*window+s] = math.Float64frombits(binary.BigEndian.Uint64(buf[s*8:]))
		}
	}

	payload := make([]byte, 8*b.nodeSize*window)
	for i, v := range b.recvBuf {
		binary.BigEndian.PutUint64(payload[i*8:], math.Float64bits(v))
	}

	for _, stream := range b.streams {
		if _, err := stream.Write(payload); err != nil {
			return fmt.Errorf("mp: broadcast result: %w", err)
		}
	}

	return nil
}

func (b *Backend) allgatherPeer() error {
	window := b.cfg.NumStepsExchanged
	buf := make([]byte, 8*window)
	for i, v := range b.sendBuf {
		binary.BigEndian.PutUint64(buf[i*8:], math.Float64bits(v))
	}
	if _, err := b.peerStream.Write(buf); err != nil {
		return fmt.Errorf("mp: send contribution: %w", err)
	}

	payload := make([]byte, 8*b.nodeSize*window)
	if _, err := readFull(b.peerStream, payload); err != nil {
		return fmt.Errorf("mp: read broadcast result: %w", err)
	}

	for i := range b.recvBuf {
		b.recvBuf[i] = math.Float64frombits(binary.BigEndian.Uint64(payload[i*8:]))
	}

	return nil
}
