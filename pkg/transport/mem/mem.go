// Package mem implements an in-process Transport over goroutines and
// channels, for unit tests and single-binary examples that want several
// simulated ranks without spawning OS processes.
package mem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/farmwire/jobfarm/pkg/transport"
)

type frame struct {
	source  int
	tag     transport.Tag
	typ     transport.ElemType
	payload []byte
}

// hub is the shared delivery point all ranks created by NewGroup reference.
// Its mutex and notify-channel-swap pattern give context-cancelable blocking
// recv without a missed-wakeup window: the notify channel captured under the
// same lock as the "nothing matched" check is guaranteed to be closed by any
// push that happens after the lock is released.
type hub struct {
	mu       sync.Mutex
	size     int
	pending  map[int][]frame
	notify   chan struct{}
	start    time.Time
	barrierN int
}

func newHub(size int) *hub {
	return &hub{
		size:    size,
		pending: make(map[int][]frame),
		notify:  make(chan struct{}),
		start:   time.Now(),
	}
}

func (h *hub) push(dest int, f frame) {
	h.mu.Lock()
	h.pending[dest] = append(h.pending[dest], f)
	old := h.notify
	h.notify = make(chan struct{})
	h.mu.Unlock()
	close(old)
}

// take removes and returns the first pending frame for dest matching source
// (or transport.AnySource) and tag, plus the notify channel to wait on if
// nothing matched — captured under the same critical section as the scan.
func (h *hub) take(dest, source int, tag transport.Tag) (frame, bool, <-chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.pending[dest]
	for i, f := range list {
		if (source == transport.AnySource || f.source == source) && f.tag == tag {
			h.pending[dest] = append(list[:i:i], list[i+1:]...)
			return f, true, nil
		}
	}
	return frame{}, false, h.notify
}

// Group is a set of in-process ranks sharing one hub.
type Group struct {
	h   *hub
	rks []*Transport
}

// NewGroup constructs a Group of size in-process ranks. Rank i's Transport
// is Group.Rank(i).
func NewGroup(size int) *Group {
	h := newHub(size)
	g := &Group{h: h, rks: make([]*Transport, size)}
	for i := 0; i < size; i++ {
		g.rks[i] = &Transport{h: h, rank: i}
	}
	return g
}

// Rank returns the Transport handle for rank i.
func (g *Group) Rank(i int) *Transport { return g.rks[i] }

// Transport is one rank's handle onto a Group's shared hub.
type Transport struct {
	h    *hub
	rank int
}

func (t *Transport) Init(ctx context.Context) error { return nil }
func (t *Transport) Finalize() error                { return nil }
func (t *Transport) Rank() int                       { return t.rank }
func (t *Transport) Size() int                       { return t.h.size }
func (t *Transport) WallTime() float64               { return time.Since(t.h.start).Seconds() }

func (t *Transport) Send(ctx context.Context, buf any, count int, typ transport.ElemType, dest int, tag transport.Tag) error {
	payload, err := transport.EncodeBuf(buf, count, typ)
	if err != nil {
		return err
	}
	t.h.push(dest, frame{source: t.rank, tag: tag, typ: typ, payload: payload})
	return nil
}

func (t *Transport) Recv(ctx context.Context, buf any, count int, typ transport.ElemType, source int, tag transport.Tag) (transport.Status, error) {
	for {
		f, ok, waitCh := t.h.take(t.rank, source, tag)
		if ok {
			n, err := transport.DecodeBuf(f.payload, buf, count, typ)
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

func (t *Transport) Broadcast(ctx context.Context, buf any, count int, typ transport.ElemType, root int) error {
	if root != 0 {
		return fmt.Errorf("mem: Broadcast only supports root 0 in the bundled star-topology implementation")
	}
	if t.rank == root {
		payload, err := transport.EncodeBuf(buf, count, typ)
		if err != nil {
			return err
		}
		for i := 0; i < t.h.size; i++ {
			if i == root {
				continue
			}
			t.h.push(i, frame{source: root, tag: broadcastTag, typ: typ, payload: payload})
		}
		return nil
	}
	_, err := t.Recv(ctx, buf, count, typ, root, broadcastTag)
	return err
}

func (t *Transport) Scatter(ctx context.Context, sendBuf any, recvBuf any, count int, typ transport.ElemType, root int) error {
	if root != 0 {
		return fmt.Errorf("mem: Scatter only supports root 0 in the bundled star-topology implementation")
	}
	if t.rank == root {
		full, err := transport.EncodeBuf(sendBuf, count*t.h.size, typ)
		if err != nil {
			return err
		}
		chunk := count * typ.Size()
		var mine []byte
		for i := 0; i < t.h.size; i++ {
			piece := full[i*chunk : (i+1)*chunk]
			if i == root {
				mine = piece
				continue
			}
			t.h.push(i, frame{source: root, tag: scatterTag, typ: typ, payload: append([]byte(nil), piece...)})
		}
		_, err = transport.DecodeBuf(mine, recvBuf, count, typ)
		return err
	}
	_, err := t.Recv(ctx, recvBuf, count, typ, root, scatterTag)
	return err
}

func (t *Transport) Allreduce(ctx context.Context, sendBuf any, recvBuf any, count int, typ transport.ElemType, op transport.ReduceOp) error {
	const root = 0
	if t.rank == root {
		acc, err := decodeFloat64s(sendBuf, count, typ)
		if err != nil {
			return err
		}
		for src := 0; src < t.h.size; src++ {
			if src == root {
				continue
			}
			var tmp []byte
			for {
				f, ok, waitCh := t.h.take(root, src, reduceTag)
				if ok {
					tmp = f.payload
					break
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-waitCh:
				}
			}
			other, err := decodeFloat64sBytes(tmp, count, typ)
			if err != nil {
				return err
			}
			combine(acc, other, op)
		}
		if err := encodeFloat64sInto(recvBuf, acc, typ); err != nil {
			return err
		}
		return t.Broadcast(ctx, recvBuf, count, typ, root)
	}
	payload, err := transport.EncodeBuf(sendBuf, count, typ)
	if err != nil {
		return err
	}
	t.h.push(root, frame{source: t.rank, tag: reduceTag, typ: typ, payload: payload})
	return t.Broadcast(ctx, recvBuf, count, typ, root)
}

func (t *Transport) Barrier(ctx context.Context) error {
	const root = 0
	if t.rank == root {
		for {
			t.h.mu.Lock()
			n := t.h.barrierN
			t.h.mu.Unlock()
			if n >= t.h.size-1 {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
		t.h.mu.Lock()
		t.h.barrierN = 0
		t.h.mu.Unlock()
		return t.Broadcast(ctx, make([]byte, 1), 1, transport.Char, root)
	}
	t.h.mu.Lock()
	t.h.barrierN++
	t.h.mu.Unlock()
	buf := make([]byte, 1)
	return t.Broadcast(ctx, buf, 1, transport.Char, root)
}

// Reserved tags for collectives, placed well above the job-farming core's
// reserved range (internal/tagspace) so they never collide.
const (
	broadcastTag transport.Tag = 1 << 20
	scatterTag   transport.Tag = 1<<20 + 1
	reduceTag    transport.Tag = 1<<20 + 2
)

func decodeFloat64s(buf any, count int, typ transport.ElemType) ([]float64, error) {
	b, err := transport.EncodeBuf(buf, count, typ)
	if err != nil {
		return nil, err
	}
	return decodeFloat64sBytes(b, count, typ)
}

func decodeFloat64sBytes(b []byte, count int, typ transport.ElemType) ([]float64, error) {
	out := make([]float64, count)
	switch typ {
	case transport.Float64:
		if _, err := transport.DecodeBuf(b, out, count, transport.Float64); err != nil {
			return nil, err
		}
	case transport.Int32:
		ints := make([]int32, count)
		if _, err := transport.DecodeBuf(b, ints, count, transport.Int32); err != nil {
			return nil, err
		}
		for i, v := range ints {
			out[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("mem: Allreduce unsupported element type %v", typ)
	}
	return out, nil
}

func encodeFloat64sInto(buf any, acc []float64, typ transport.ElemType) error {
	switch typ {
	case transport.Float64:
		v, ok := buf.([]float64)
		if !ok {
			return fmt.Errorf("mem: recvBuf must be []float64")
		}
		copy(v, acc)
		return nil
	case transport.Int32:
		v, ok := buf.([]int32)
		if !ok {
			return fmt.Errorf("mem: recvBuf must be []int32")
		}
		for i, f := range acc {
			v[i] = int32(f)
		}
		return nil
	default:
		return fmt.Errorf("mem: Allreduce unsupported element type %v", typ)
	}
}

func combine(acc, other []float64, op transport.ReduceOp) {
	for i := range acc {
		switch op {
		case transport.Sum:
			acc[i] += other[i]
		case transport.Max:
			if other[i] > acc[i] {
				acc[i] = other[i]
			}
		case transport.Min:
			if other[i] < acc[i] {
				acc[i] = other[i]
			}
		}
	}
}
