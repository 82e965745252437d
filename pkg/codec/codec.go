// Package codec defines the opaque value (de)serialization boundary that the
// job-farming core depends on. The core never inspects encoded bytes: it only
// calls Marshal before handing a WorkItem/Result to the framing layer, and
// Unmarshal after receiving one.
package codec

import "fmt"

// Codec converts opaque user values to and from byte strings. Implementations
// must round-trip any value a caller passes in: Unmarshal(Marshal(v)) must
// reproduce v's shape for pointer-decodable v.
type Codec interface {
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Format is a compact on-wire indicator of which Codec encoded a payload. A
// frame's first byte carries the Format so a receiver that supports several
// codecs can pick the matching one without out-of-band negotiation.
type Format uint8

const (
	FormatUnknown Format = iota
	FormatJSON
	FormatCBOR
	FormatProto
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatCBOR:
		return "application/cbor"
	case FormatProto:
		return "application/x-protobuf"
	default:
		return "application/octet-stream"
	}
}

// Registry maps content types and Formats to Codec instances.
type Registry struct {
	byType   map[string]Codec
	byFormat map[Format]Codec
}

// NewRegistry constructs a registry preloaded with the built-in codecs: JSON,
// CBOR (left out if its encode/decode modes fail to build), and Proto.
func NewRegistry() *Registry {
	r := &Registry{byType: make(map[string]Codec), byFormat: make(map[Format]Codec)}
	r.Register(FormatJSON, JSON())
	if c, err := CBOR(); err == nil {
		r.Register(FormatCBOR, c)
	}
	r.Register(FormatProto, Proto())
	return r
}

// Register adds a codec under the given Format (and its content type).
func (r *Registry) Register(f Format, c Codec) {
	r.byType[c.ContentType()] = c
	r.byFormat[f] = c
}

// Get returns a codec by content type, or nil.
func (r *Registry) Get(contentType string) Codec { return r.byType[contentType] }

// ByFormat returns a codec by Format, or an error if none is registered.
func (r *Registry) ByFormat(f Format) (Codec, error) {
	c, ok := r.byFormat[f]
	if !ok {
		return nil, fmt.Errorf("codec: no codec registered for format %v", f)
	}
	return c, nil
}

// EncodeTagged marshals v with the codec for f and prefixes the result with
// a single Format byte, so a framed payload is self-describing.
func EncodeTagged(r *Registry, f Format, v any) ([]byte, error) {
	c, err := r.ByFormat(f)
	if err != nil {
		return nil, err
	}
	b, err := c.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal: %w", err)
	}
	out := make([]byte, 1+len(b))
	out[0] = byte(f)
	copy(out[1:], b)
	return out, nil
}

// DecodeTagged reads the leading Format byte from data and unmarshals the
// remainder into v using the matching codec.
func DecodeTagged(r *Registry, data []byte, v any) (Format, error) {
	if len(data) == 0 {
		return FormatUnknown, fmt.Errorf("codec: empty tagged payload")
	}
	f := Format(data[0])
	c, err := r.ByFormat(f)
	if err != nil {
		return FormatUnknown, err
	}
	if err := c.Unmarshal(data[1:], v); err != nil {
		return f, fmt.Errorf("codec: unmarshal: %w", err)
	}
	return f, nil
}
