package iostore

import (
	"github.com/gogo/protobuf/proto"
)

// BlockDescriptor is a small metadata record stored alongside a block's
// swapped-out bytes so a pin-in can verify it read back the block it
// expected: a plain struct with protobuf field tags, marshaled via
// reflection-based proto.Marshal rather than generated Marshal/Unmarshal
// methods.
type BlockDescriptor struct {
	Size          int64  `protobuf:"varint,1,opt,name=size,proto3" json:"size,omitempty"`
	Crc32C        uint32 `protobuf:"varint,2,opt,name=crc32c,proto3" json:"crc32c,omitempty"`
	WrittenAtUnix int64  `protobuf:"varint,3,opt,name=written_at_unix,proto3" json:"written_at_unix,omitempty"`
}

var _ proto.Message = (*BlockDescriptor)(nil)

func (d *BlockDescriptor) Reset()         { *d = BlockDescriptor{} }
func (d *BlockDescriptor) String() string { return "" }
func (d *BlockDescriptor) ProtoMessage()  {}

// MarshalDescriptor encodes a BlockDescriptor for storage next to a block's
// bytes.
func MarshalDescriptor(d *BlockDescriptor) ([]byte, error) {
	return proto.Marshal(d)
}

// UnmarshalDescriptor decodes a BlockDescriptor previously written by
// MarshalDescriptor.
func UnmarshalDescriptor(bz []byte) (*BlockDescriptor, error) {
	d := &BlockDescriptor{}
	if err := proto.Unmarshal(bz, d); err != nil {
		return nil, err
	}
	return d, nil
}
