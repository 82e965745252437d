package transport

import (
	"context"
	"fmt"
)

// ElemType identifies the element type of a typed buffer exchanged over the
// transport: 32-bit integers, 8-bit characters, and 64-bit floats are the
// only element types the job-farming core ever moves.
type ElemType int

const (
	Int32 ElemType = iota
	Char
	Float64
)

// Size returns the width in bytes of one element of this type.
func (t ElemType) Size() int {
	switch t {
	case Int32:
		return 4
	case Char:
		return 1
	case Float64:
		return 8
	default:
		return 0
	}
}

func (t ElemType) String() string {
	switch t {
	case Int32:
		return "int32"
	case Char:
		return "char"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("ElemType(%d)", int(t))
	}
}

// Tag is a non-negative integer identifying a logical channel for
// multiplexing on the transport. The job-farming core's reserved tags live
// in internal/tagspace; this package only needs the bare integer type.
type Tag int32

// AnySource is the wildcard value for Recv's source parameter, meaning
// "match a message from any sender."
const AnySource = -1

// Status describes a completed Recv: which rank actually sent the message
// and how many elements were received (for detecting short reads).
type Status struct {
	Source int
	Count  int
}

// ReduceOp identifies the reduction operator for Allreduce.
type ReduceOp int

const (
	Sum ReduceOp = iota
	Max
	Min
)

// Transport is the abstract, blocking SPMD message-passing substrate the
// job-farming core consumes. Every method blocks the calling goroutine until
// it locally completes; there is no asynchronous/non-blocking variant in
// this contract: only transport calls may block, and the core never polls.
// Implementations must make Send/Recv between any two ranks on a
// given tag FIFO.
//
// buf arguments are typed Go slices matching typ: []int32 for Int32, []byte
// for Char, []float64 for Float64. Implementations type-assert and return an
// error on mismatch — that is a programmer error in the core, not a runtime
// condition the core needs to recover from.
type Transport interface {
	// Init performs any handshake/connection-setup work. Must be called
	// exactly once before Rank/Size/Send/Recv/etc.
	Init(ctx context.Context) error
	// Finalize releases transport resources. Must be safe to call even if
	// Init failed partway through, and idempotent.
	Finalize() error

	Rank() int
	Size() int

	Send(ctx context.Context, buf any, count int, typ ElemType, dest int, tag Tag) error
	Recv(ctx context.Context, buf any, count int, typ ElemType, source int, tag Tag) (Status, error)

	// SendRecv performs a combined exchange: send outBuf to dest on tag
	// outTag while simultaneously receiving into inBuf from source on
	// inTag, avoiding the deadlock a naive Send-then-Recv could hit between
	// two ranks exchanging in opposite order.
	SendRecv(ctx context.Context, outBuf any, outCount int, outTyp ElemType, dest int, outTag Tag,
		inBuf any, inCount int, inTyp ElemType, source int, inTag Tag) (Status, error)

	// Broadcast sends buf from root to every rank (including root, as a
	// no-op there). Bundled star-topology implementations only support
	// root == the controller rank (tcp, quic) or root == 0 (mem).
	Broadcast(ctx context.Context, buf any, count int, typ ElemType, root int) error
	// Scatter splits sendBuf (valid only at root, length count*size) into
	// size equal chunks and delivers chunk i to rank i's recvBuf.
	Scatter(ctx context.Context, sendBuf any, recvBuf any, count int, typ ElemType, root int) error
	// Allreduce combines sendBuf across all ranks with op and delivers the
	// combined result to every rank's recvBuf.
	Allreduce(ctx context.Context, sendBuf any, recvBuf any, count int, typ ElemType, op ReduceOp) error
	// Barrier blocks until every rank has called Barrier.
	Barrier(ctx context.Context) error

	// WallTime returns a monotonic clock reading in seconds, used by the
	// controller's optional abort deadline.
	WallTime() float64
}
