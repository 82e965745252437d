// Package tcp implements the SPMD Transport over plain TCP connections in a
// star topology: the controller rank listens and accepts one connection per
// worker; workers dial only the controller. No worker ever connects to
// another worker, matching the star-topology simplification documented in
// pkg/transport/doc.go.
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/farmwire/jobfarm/pkg/transport"
)

// helloTag is a private, negative sentinel tag used only for the initial
// rank-announcement handshake on each connection. Negative tags never
// collide with the non-negative tags application code and internal/tagspace
// use.
const helloTag transport.Tag = -100

type wireFrame struct {
	tag     transport.Tag
	typ     transport.ElemType
	count   int
	payload []byte
}

func writeFrame(w *bufio.Writer, f wireFrame) error {
	var hdr [9]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(f.tag))
	hdr[4] = byte(f.typ)
	binary.LittleEndian.PutUint32(hdr[5:9], uint32(f.count))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.payload) > 0 {
		if _, err := w.Write(f.payload); err != nil {
			return err
		}
	}
	return w.Flush()
}

func readFrame(r *bufio.Reader) (wireFrame, error) {
	var hdr [9]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return wireFrame{}, err
	}
	f := wireFrame{
		tag:   transport.Tag(int32(binary.LittleEndian.Uint32(hdr[0:4]))),
		typ:   transport.ElemType(hdr[4]),
		count: int(int32(binary.LittleEndian.Uint32(hdr[5:9]))),
	}
	n := f.count * f.typ.Size()
	if n < 0 {
		return wireFrame{}, fmt.Errorf("tcp: negative frame size")
	}
	if n > 0 {
		f.payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.payload); err != nil {
			return wireFrame{}, err
		}
	}
	return f, nil
}

// link is one TCP connection to a peer rank, with a dedicated writer mutex
// (net.Conn writes are not safe for concurrent use) and a reader goroutine
// feeding the owning Transport's inbox.
type link struct {
	rank int
	conn net.Conn
	bw   *bufio.Writer
	wmu  sync.Mutex
}

func (l *link) send(f wireFrame) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	return writeFrame(l.bw, f)
}

// inboxFrame pairs a received wireFrame with the rank it arrived from, for
// the shared pending queue.
type inboxFrame struct {
	source int
	f      wireFrame
}

// Transport implements transport.Transport for one rank over TCP. The
// controller rank (Config.ControllerRank) listens; every other rank dials it.
type Transport struct {
	rank           int
	size           int
	controllerRank int
	listenAddr     string
	dialAddr       string
	start          time.Time

	links   map[int]*link
	linksMu sync.RWMutex

	mu      sync.Mutex
	pending []inboxFrame
	notify  chan struct{}

	listener net.Listener
}

// Config configures a single rank's TCP transport.
type Config struct {
	Rank           int
	Size           int
	ControllerRank int
	// ListenAddr is where the controller rank accepts connections. Required
	// only when Rank == ControllerRank.
	ListenAddr string
	// DialAddr is the controller's address. Required for every rank except
	// the controller.
	DialAddr string
}

// New constructs a Transport for one rank. Call Init to actually establish
// connections.
func New(cfg Config) *Transport {
	return &Transport{
		rank:           cfg.Rank,
		size:           cfg.Size,
		controllerRank: cfg.ControllerRank,
		listenAddr:     cfg.ListenAddr,
		dialAddr:       cfg.DialAddr,
		links:          make(map[int]*link),
		notify:         make(chan struct{}),
	}
}

func (t *Transport) Init(ctx context.Context) error {
	t.start = time.Now()
	if t.rank == t.controllerRank {
		return t.acceptWorkers(ctx)
	}
	return t.dialController(ctx)
}

func (t *Transport) acceptWorkers(ctx context.Context) error {
	l, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return fmt.Errorf("tcp: listen %s: %w", t.listenAddr, err)
	}
	t.listener = l

	want := t.size - 1
	for accepted := 0; accepted < want; accepted++ {
		c, err := l.Accept()
		if err != nil {
			return fmt.Errorf("tcp: accept worker: %w", err)
		}
		br := bufio.NewReader(c)
		hello, err := readFrame(br)
		if err != nil {
			_ = c.Close()
			return fmt.Errorf("tcp: read hello: %w", err)
		}
		var rankBuf [1]int32
		if _, err := transport.DecodeBuf(hello.payload, rankBuf[:], 1, transport.Int32); err != nil {
			_ = c.Close()
			return fmt.Errorf("tcp: decode hello: %w", err)
		}
		peerRank := int(rankBuf[0])

		lk := &link{rank: peerRank, conn: c, bw: bufio.NewWriter(c)}
		t.linksMu.Lock()
		t.links[peerRank] = lk
		t.linksMu.Unlock()
		go t.readLoop(peerRank, br)
	}
	return nil
}

func (t *Transport) dialController(ctx context.Context) error {
	d := &net.Dialer{}
	c, err := d.DialContext(ctx, "tcp", t.dialAddr)
	if err != nil {
		return fmt.Errorf("tcp: dial controller %s: %w", t.dialAddr, err)
	}
	lk := &link{rank: t.controllerRank, conn: c, bw: bufio.NewWriter(c)}
	if err := lk.send(wireFrame{tag: helloTag, typ: transport.Int32, count: 1, payload: mustEncodeInt32(int32(t.rank))}); err != nil {
		_ = c.Close()
		return fmt.Errorf("tcp: send hello: %w", err)
	}
	t.linksMu.Lock()
	t.links[t.controllerRank] = lk
	t.linksMu.Unlock()
	go t.readLoop(t.controllerRank, bufio.NewReader(c))
	return nil
}

func mustEncodeInt32(v int32) []byte {
	b, _ := transport.EncodeBuf([]int32{v}, 1, transport.Int32)
	return b
}

func (t *Transport) readLoop(source int, br *bufio.Reader) {
	for {
		f, err := readFrame(br)
		if err != nil {
			return
		}
		t.push(inboxFrame{source: source, f: f})
	}
}

func (t *Transport) push(f inboxFrame) {
	t.mu.Lock()
	t.pending = append(t.pending, f)
	old := t.notify
	t.notify = make(chan struct{})
	t.mu.Unlock()
	close(old)
}

func (t *Transport) take(source int, tag transport.Tag) (inboxFrame, bool, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, f := range t.pending {
		if (source == transport.AnySource || f.source == source) && f.f.tag == tag {
			t.pending = append(t.pending[:i:i], t.pending[i+1:]...)
			return f, true, nil
		}
	}
	return inboxFrame{}, false, t.notify
}

func (t *Transport) Finalize() error {
	t.linksMu.Lock()
	defer t.linksMu.Unlock()
	var firstErr error
	for _, lk := range t.links {
		if err := lk.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.listener != nil {
		if err := t.listener.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Transport) Rank() int         { return t.rank }
func (t *Transport) Size() int         { return t.size }
func (t *Transport) WallTime() float64 { return time.Since(t.start).Seconds() }

func (t *Transport) linkTo(dest int) (*link, error) {
	t.linksMu.RLock()
	lk, ok := t.links[dest]
	t.linksMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("tcp: no connection to rank %d", dest)
	}
	return lk, nil
}

func (t *Transport) Send(ctx context.Context, buf any, count int, typ transport.ElemType, dest int, tag transport.Tag) error {
	payload, err := transport.EncodeBuf(buf, count, typ)
	if err != nil {
		return err
	}
	lk, err := t.linkTo(dest)
	if err != nil {
		return err
	}
	return lk.send(wireFrame{tag: tag, typ: typ, count: count, payload: payload})
}

func (t *Transport) Recv(ctx context.Context, buf any, count int, typ transport.ElemType, source int, tag transport.Tag) (transport.Status, error) {
	for {
		f, ok, waitCh := t.take(source, tag)
		if ok {
			n, err := transport.DecodeBuf(f.f.payload, buf, count, typ)
			if err != nil {
				return transport.Status{}, err
			}
			return transport.Status{Source: f.source, Count: n}, nil
		}
		select {
		case <-ctx.Done():
			return transport.Status{}, ctx.Err()
		case <-waitCh:
		}
	}
}

func (t *Transport) SendRecv(ctx context.Context, outBuf any, outCount int, outTyp transport.ElemType, dest int, outTag transport.Tag,
	inBuf any, inCount int, inTyp transport.ElemType, source int, inTag transport.Tag) (transport.Status, error) {
	if err := t.Send(ctx, outBuf, outCount, outTyp, dest, outTag); err != nil {
		return transport.Status{}, err
	}
	return t.Recv(ctx, inBuf, inCount, inTyp, source, inTag)
}

const (
	broadcastTag transport.Tag = 1 << 20
	scatterTag   transport.Tag = 1<<20 + 1
)

func (t *Transport) Broadcast(ctx context.Context, buf any, count int, typ transport.ElemType, root int) error {
	if root != t.controllerRank {
		return fmt.Errorf("tcp: Broadcast only supports root == controller rank in the bundled star-topology implementation")
	}
	if t.rank == root {
		payload, err := transport.EncodeBuf(buf, count, typ)
		if err != nil {
			return err
		}
		t.linksMu.RLock()
		defer t.linksMu.RUnlock()
		for _, lk := range t.links {
			if err := lk.send(wireFrame{tag: broadcastTag, typ: typ, count: count, payload: payload}); err != nil {
				return err
			}
		}
		return nil
	}
	_, err := t.Recv(ctx, buf, count, typ, root, broadcastTag)
	return err
}

func (t *Transport) Scatter(ctx context.Context, sendBuf any, recvBuf any, count int, typ transport.ElemType, root int) error {
	if root != t.controllerRank {
		return fmt.Errorf("tcp: Scatter only supports root == controller rank in the bundled star-topology implementation")
	}
	if t.rank == root {
		full, err := transport.EncodeBuf(sendBuf, count*t.size, typ)
		if err != nil {
			return err
		}
		chunk := count * typ.Size()
		t.linksMu.RLock()
		defer t.linksMu.RUnlock()
		for peerRank, lk := range t.links {
			piece := full[peerRank*chunk : (peerRank+1)*chunk]
			if err := lk.send(wireFrame{tag: scatterTag, typ: typ, count: count, payload: append([]byte(nil), piece...)}); err != nil {
				return err
			}
		}
		mine := full[root*chunk : (root+1)*chunk]
		_, err = transport.DecodeBuf(mine, recvBuf, count, typ)
		return err
	}
	_, err := t.Recv(ctx, recvBuf, count, typ, root, scatterTag)
	return err
}

// Allreduce is not implemented over the star-topology TCP transport: the
// job-farming core never calls it, and a correct tree/ring reduction needs
// worker-to-worker edges this topology doesn't provide.
func (t *Transport) Allreduce(ctx context.Context, sendBuf any, recvBuf any, count int, typ transport.ElemType, op transport.ReduceOp) error {
	return fmt.Errorf("tcp: Allreduce is not supported by the star-topology transport")
}

func (t *Transport) Barrier(ctx context.Context) error {
	const barrierTag transport.Tag = 1<<20 + 2
	if t.rank == t.controllerRank {
		remaining := t.size - 1
		for remaining > 0 {
			_, err := t.Recv(ctx, make([]byte, 1), 1, transport.Char, transport.AnySource, barrierTag)
			if err != nil {
				return err
			}
			remaining--
		}
		return t.Broadcast(ctx, make([]byte, 1), 1, transport.Char, t.controllerRank)
	}
	if err := t.Send(ctx, []byte{0}, 1, transport.Char, t.controllerRank, barrierTag); err != nil {
		return err
	}
	buf := make([]byte, 1)
	return t.Broadcast(ctx, buf, 1, transport.Char, t.controllerRank)
}
