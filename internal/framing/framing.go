// Package framing implements the core's variable-length tagged message
// layer: sending a byte string of arbitrary length under a
// logical Tag atop a Transport whose primitives move a known element count.
//
// Protocol: for each logical send of (dest, tag, bytes), send one Int32
// message carrying len(bytes) on tagspace.MessageLength, then send exactly
// len(bytes) Char elements on tag to dest. Receive mirrors this. The two
// messages share the logical tag in the sense that no other message from
// the same source interleaves between them — guaranteed here because both
// recvs target the same (source, tag-pair) before the caller's goroutine
// does anything else.
package framing

import (
	"context"
	"fmt"

	jferrors "github.com/farmwire/jobfarm/internal/errors"
	"github.com/farmwire/jobfarm/internal/tagspace"
	"github.com/farmwire/jobfarm/pkg/transport"
)

// DefaultMaxFrameBytes bounds an incoming frame's declared length, so a
// corrupt or hostile length prefix cannot force an unbounded allocation.
const DefaultMaxFrameBytes = 256 << 20 // 256 MiB

// Send writes bytes to dest as a framed payload under tag: first the
// length as a single Int32 on tagspace.MessageLength, then len(bytes) Char
// elements on tag.
func Send(ctx context.Context, t transport.Transport, dest int, tag tagspace.Tag, payload []byte) error {
	length := []int32{int32(len(payload))}
	if err := t.Send(ctx, length, 1, transport.Int32, dest, transport.Tag(tagspace.MessageLength)); err != nil {
		return jferrors.Wrap(jferrors.KindTransport, "framing: send length", err)
	}
	if len(payload) == 0 {
		// Still perform the second send so the receiver's matched pair of
		// recvs completes — a zero-length Char send must not be skipped,
		// a frame of zero bytes must still round-trip.
		if err := t.Send(ctx, []byte{}, 0, transport.Char, dest, transport.Tag(tag)); err != nil {
			return jferrors.Wrap(jferrors.KindTransport, "framing: send empty payload", err)
		}
		return nil
	}
	if err := t.Send(ctx, payload, len(payload), transport.Char, dest, transport.Tag(tag)); err != nil {
		return jferrors.Wrap(jferrors.KindTransport, "framing: send payload", err)
	}
	return nil
}

// Recv receives a framed payload from source under tag, allocating a buffer
// sized to exactly the declared length. maxBytes bounds the declared
// length; pass 0 to use DefaultMaxFrameBytes.
func Recv(ctx context.Context, t transport.Transport, source int, tag tagspace.Tag, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	var length [1]int32
	status, err := t.Recv(ctx, length[:], 1, transport.Int32, source, transport.Tag(tagspace.MessageLength))
	if err != nil {
		return nil, jferrors.Wrap(jferrors.KindTransport, "framing: recv length", err)
	}
	if status.Count != 1 {
		return nil, jferrors.New(jferrors.KindFrameTruncated, "framing: short length recv")
	}
	n := length[0]
	if n < 0 {
		return nil, jferrors.New(jferrors.KindFrameTruncated, fmt.Sprintf("framing: negative declared length %d", n))
	}
	if int(n) > maxBytes {
		return nil, jferrors.New(jferrors.KindFrameTooLarge, fmt.Sprintf("framing: declared length %d exceeds max %d", n, maxBytes))
	}

	buf := make([]byte, n)
	// Recv from the same sender that sent the length, never a wildcard,
	// so a concurrent sender on the same tag cannot interleave between
	// the two probes, preserving frame atomicity.
	fixedSource := status.Source
	dataStatus, err := t.Recv(ctx, buf, int(n), transport.Char, fixedSource, transport.Tag(tag))
	if err != nil {
		return nil, jferrors.Wrap(jferrors.KindTransport, "framing: recv payload", err)
	}
	if dataStatus.Count != int(n) {
		return nil, jferrors.New(jferrors.KindFrameTruncated,
			fmt.Sprintf("framing: declared length %d but received %d", n, dataStatus.Count))
	}
	return buf, nil
}
