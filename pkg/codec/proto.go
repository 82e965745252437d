package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// protoCodec encodes arbitrary JSON-shaped Go values (maps, slices,
// strings, numbers, bools, nil) as a protobuf structpb.Value, so the core's
// opaque-payload contract (§4.1) holds without requiring every WorkItem type
// to hand-author a .proto message. Values that already implement
// proto.Message are marshaled directly instead.
type protoCodec struct {
	mo proto.MarshalOptions
	uo proto.UnmarshalOptions
}

// Proto returns a deterministic Protocol Buffers codec.
func Proto() Codec {
	return protoCodec{
		mo: proto.MarshalOptions{Deterministic: true},
		uo: proto.UnmarshalOptions{},
	}
}

func (p protoCodec) ContentType() string { return "application/x-protobuf" }

func (p protoCodec) Marshal(v any) ([]byte, error) {
	if msg, ok := v.(proto.Message); ok {
		return p.mo.Marshal(msg)
	}
	val, err := structpb.NewValue(v)
	if err != nil {
		return nil, fmt.Errorf("proto codec: value %T is not proto.Message and not structpb-representable: %w", v, err)
	}
	return p.mo.Marshal(val)
}

func (p protoCodec) Unmarshal(data []byte, v any) error {
	if msg, ok := v.(proto.Message); ok {
		return p.uo.Unmarshal(data, msg)
	}
	ptr, ok := v.(*any)
	if !ok {
		return fmt.Errorf("proto codec: target must be proto.Message or *any, got %T", v)
	}
	var val structpb.Value
	if err := p.uo.Unmarshal(data, &val); err != nil {
		return err
	}
	*ptr = val.AsInterface()
	return nil
}
